package syncer

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/DEMCON/libstored-sub002/channel"
	"github.com/DEMCON/libstored-sub002/protocol"
	"github.com/DEMCON/libstored-sub002/store"
)

// ConnSettings selects the framing stack assembled under the ARQ layer for
// one connection. The default suits a message-framed, corrupting channel.
type ConnSettings struct {
	// Mtu limits chunks toward the channel, 0 disables segmentation
	Mtu int
	// CrcWidth is 0, 8 or 16
	CrcWidth int
	Compress bool
	// Ascii wraps frames with escaping and mux markers, required on byte
	// stream channels that do not preserve frame boundaries
	Ascii      bool
	OutOfFrame protocol.OutOfFrameFunc
}

func DefaultConnSettings() *ConnSettings {
	return &ConnSettings{
		Mtu:      0,
		CrcWidth: 16,
	}
}

type connState int

const (
	stateUnsynced connState = iota
	stateHelloSent
	stateWelcomed
	stateSynchronized
)

// Conn is one reliable-transport endpoint bound to one remote
// synchronizer, synchronizing one store.
type Conn struct {
	syncer   *Synchronizer
	channel  channel.Channel
	settings *ConnSettings

	stack *protocol.Stack
	arq   *protocol.ArqLayer

	store      *store.Store
	state      connState
	watermark  store.Seq
	instanceId Id
	swapEndian bool

	// key -> sequence at which a value from this peer was applied, so
	// Process does not echo it back
	applied map[store.Key]store.Seq

	sendBuf []byte
	err     error
}

func newConn(syncer *Synchronizer, ch channel.Channel, settings *ConnSettings) *Conn {
	conn := &Conn{
		syncer:   syncer,
		channel:  ch,
		settings: settings,
		applied:  map[store.Key]store.Seq{},
	}

	arq := protocol.NewArqLayer()
	layers := []protocol.Layer{arq}
	if settings.Compress {
		layers = append(layers, protocol.NewDeflateLayer())
	}
	if settings.Mtu != 0 {
		layers = append(layers, protocol.NewSegmentLayer(settings.Mtu))
	}
	switch settings.CrcWidth {
	case 8:
		layers = append(layers, protocol.NewCrc8Layer())
	case 16:
		layers = append(layers, protocol.NewCrc16Layer())
	}
	if settings.Ascii {
		layers = append(layers, protocol.NewEscapeLayer())
		layers = append(layers, protocol.NewFrameMuxLayer(settings.OutOfFrame))
	}

	conn.arq = arq
	conn.stack = protocol.NewStack(conn.deliverFrame, conn.transmit, layers...)
	return conn
}

// Decode pushes bytes received from the channel into the protocol stack.
// Call from the same logical thread as Process.
func (self *Conn) Decode(p []byte) {
	self.stack.Decode(p)
}

// Err returns the sticky synchronization failure of this connection, if
// any. Transient channel loss is never reported here.
func (self *Conn) Err() error {
	return self.err
}

func (self *Conn) Store() *store.Store {
	return self.store
}

// InstanceId returns the instance id exchanged at Welcome time.
func (self *Conn) InstanceId() Id {
	return self.instanceId
}

func (self *Conn) Synchronized() bool {
	return self.state == stateSynchronized
}

// Idle reports whether a new frame can be sent without running into the
// retransmit slot.
func (self *Conn) Idle() bool {
	return self.arq.Idle()
}

// Retransmit re-sends the outstanding frame. Drive from an application
// timer sized to the channel round trip.
func (self *Conn) Retransmit() error {
	return self.arq.Retransmit()
}

// KeepAlive probes the peer independent of real traffic.
func (self *Conn) KeepAlive() error {
	return self.arq.KeepAlive()
}

func (self *Conn) transmit(p []byte, last bool) error {
	self.sendBuf = append(self.sendBuf, p...)
	if !last {
		return nil
	}
	frame := self.sendBuf
	self.sendBuf = self.sendBuf[:0]
	return self.channel.Send(frame)
}

func (self *Conn) send(frame []byte, purgeable bool) error {
	if purgeable {
		self.arq.SetPurgeableResponse()
	}
	return self.stack.Encode(frame, true)
}

func (self *Conn) deliverFrame(p []byte) {
	if len(p) == 0 {
		// keep-alive probe
		return
	}
	switch p[0] {
	case frameHello:
		self.handleHello(p)
	case frameWelcome:
		self.handleWelcome(p)
	case frameUpdate:
		self.handleUpdate(p)
	default:
		glog.V(1).Infof("[syncer]drop frame, unknown type %02x\n", p[0])
	}
}

func (self *Conn) handleHello(p []byte) {
	frame, err := decodeHello(p)
	if err != nil {
		self.fail(err)
		return
	}
	st := self.syncer.storeByHash(frame.hash)
	if st == nil {
		self.fail(fmt.Errorf("%w: no mapped store for remote hash %x", ErrStructureMismatch, frame.hash))
		return
	}
	if frame.keyWidth != st.KeyWidth() {
		self.fail(fmt.Errorf("%w: remote key width %d, local %d", ErrStructureMismatch, frame.keyWidth, st.KeyWidth()))
		return
	}

	// a hello on a synchronized connection is a peer restart
	self.store = st
	self.swapEndian = frame.littleEndian != localLittleEndian
	self.applied = map[store.Key]store.Seq{}
	self.instanceId = NewId()

	if err := self.send(encodeWelcome(st, self.instanceId), false); err != nil {
		self.fail(err)
		return
	}
	// the welcome snapshot covers everything up to here
	self.watermark = st.Journal().BumpSeq(false)
	self.state = stateSynchronized
	glog.V(1).Infof("[syncer]welcomed peer %s for store %s\n", self.instanceId, st.Name())
}

func (self *Conn) handleWelcome(p []byte) {
	if self.state != stateHelloSent {
		glog.V(1).Infof("[syncer]drop welcome in state %d\n", self.state)
		return
	}
	frame, err := decodeWelcome(p)
	if err != nil {
		self.fail(err)
		return
	}
	self.state = stateWelcomed
	self.swapEndian = frame.littleEndian != localLittleEndian
	self.instanceId = frame.id

	// locally written fields win over the snapshot: under the one writer
	// per field model they are this side's to publish, and Process pushes
	// them to the peer because the watermark still predates them
	journal := self.store.Journal()
	locallyWritten := func(key store.Key) bool {
		_, ok := journal.LastChanged(key)
		return ok
	}
	if err := applyPairs(self.store, frame.pairs, self.swapEndian, locallyWritten, self.markApplied); err != nil {
		// partial application of a garbled tail is accepted; whatever
		// decoded reached the store through the hook path already
		glog.Warningf("[syncer]welcome apply: %s\n", err)
	}
	// later local writes must land on a fresh sequence
	journal.BumpSeq(false)
	self.state = stateSynchronized
	glog.V(1).Infof("[syncer]synchronized store %s as instance %s\n", self.store.Name(), self.instanceId)
}

func (self *Conn) handleUpdate(p []byte) {
	if self.state != stateSynchronized {
		glog.V(1).Infof("[syncer]drop update in state %d\n", self.state)
		return
	}
	journal := self.store.Journal()
	if err := applyPairs(self.store, p[1:], self.swapEndian, nil, self.markApplied); err != nil {
		// partial application of a garbled tail is accepted
		glog.Warningf("[syncer]update apply: %s\n", err)
	}
	// later local writes must land on a fresh sequence, or they would be
	// indistinguishable from the changes just applied
	journal.BumpSeq(false)
}

func (self *Conn) markApplied(key store.Key) {
	self.applied[key] = self.store.Journal().Seq()
}

// process sends one update batching every field changed since this
// connection's watermark, excluding changes that this peer itself sent.
func (self *Conn) process() {
	if self.state != stateSynchronized {
		return
	}
	journal := self.store.Journal()

	keys := []store.Key{}
	journal.IterateChanged(self.watermark, func(key store.Key) {
		if appliedSeq, ok := self.applied[key]; ok {
			if last, ok := journal.LastChanged(key); ok && last == appliedSeq {
				return
			}
			// changed again since the peer wrote it
			delete(self.applied, key)
		}
		keys = append(keys, key)
	})
	if len(keys) == 0 {
		// nothing of our own to publish; every change since the watermark
		// came from this peer. Move past them, or the journal's window
		// clamp eventually ages them back into view and echoes them once
		self.watermark = journal.Seq()
		return
	}
	if !self.arq.Idle() {
		// one frame in flight; batch again next round
		return
	}
	if err := self.send(encodeUpdate(self.store, keys), false); err != nil {
		glog.V(1).Infof("[syncer]update send: %s\n", err)
		return
	}
	self.watermark = journal.BumpSeq(false)
}

func (self *Conn) fail(err error) {
	self.err = err
	self.state = stateUnsynced
	glog.Warningf("[syncer]connection failed: %s\n", err)
}
