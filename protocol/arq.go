package protocol

import (
	"errors"

	"github.com/golang/glog"
)

// ArqLayer turns a lossy, duplicating channel into an in-order,
// eventually-delivered frame channel between two endpoints. One control
// byte precedes every frame. At most one payload is outstanding per
// direction; the sender retains it verbatim until acknowledged and the
// application drives retransmission through Retransmit and KeepAlive.
//
// The layer assumes frames that arrive are intact; stack it above a CRC
// layer. Corrupt frames then look like loss, which retransmission covers.

const (
	// sequence bit of a payload frame, or the acknowledged bit of an ack
	arqSeq = byte(0x01)
	arqAck = byte(0x02)
	// reset handshake, exchanged before numbered frames after a (re)connect
	arqReset = byte(0x04)
	// the retained copy of this frame may be recomputed before ack
	arqPurgeable = byte(0x08)
)

// ErrRetransmitBusy is returned when a precious frame is encoded while the
// previous precious frame is still unacknowledged. The send fails, the
// connection stays usable.
var ErrRetransmitBusy = errors.New("unacknowledged frame in retransmit slot")

type ArqLayer struct {
	Base

	// bit for the next new outgoing payload
	sendSeq bool
	// the unacknowledged outgoing frame, header included, verbatim
	retained          []byte
	retainedPurgeable bool

	// expected bit of the next incoming payload
	recvSeq bool
	// last acknowledgment produced, replayed on duplicates
	lastAck []byte

	// reset sent, ack outstanding; numbered frames queue until it returns
	awaitingResetAck bool
	pending          []byte
	pendingSet       bool
	pendingPurgeable bool

	nextPurgeable bool
	encodeBuf     []byte
}

func NewArqLayer() *ArqLayer {
	return &ArqLayer{}
}

// Idle reports whether a new payload can be sent without overflowing the
// retransmit slot.
func (self *ArqLayer) Idle() bool {
	return self.retained == nil && !self.pendingSet
}

// SetPurgeableResponse marks the next encoded frame purgeable: its
// retained copy may be silently overwritten by a later encode before it is
// acknowledged. Cleared when the frame completes.
func (self *ArqLayer) SetPurgeableResponse() {
	self.nextPurgeable = true
}

func (self *ArqLayer) Encode(p []byte, last bool) error {
	self.encodeBuf = append(self.encodeBuf, p...)
	if !last {
		return nil
	}
	payload := self.encodeBuf
	self.encodeBuf = nil
	purgeable := self.nextPurgeable
	self.nextPurgeable = false

	if self.awaitingResetAck {
		// hold numbered frames until the handshake completes, or a frame
		// sent between crossing resets is misread against stale numbering
		if self.pendingSet && !self.pendingPurgeable {
			return ErrRetransmitBusy
		}
		self.pending = payload
		self.pendingSet = true
		self.pendingPurgeable = purgeable
		return nil
	}
	return self.sendPayload(payload, purgeable)
}

func (self *ArqLayer) sendPayload(payload []byte, purgeable bool) error {
	var seq bool
	if self.retained == nil {
		seq = self.sendSeq
	} else if self.retainedPurgeable {
		// recompute in place, the peer has not consumed the old copy
		seq = self.retained[0]&arqSeq != 0
	} else {
		return ErrRetransmitBusy
	}

	header := byte(0)
	if seq {
		header |= arqSeq
	}
	if purgeable {
		header |= arqPurgeable
	}
	frame := make([]byte, 0, 1+len(payload))
	frame = append(frame, header)
	frame = append(frame, payload...)
	self.retained = frame
	self.retainedPurgeable = purgeable
	return self.transmit(frame)
}

func (self *ArqLayer) flushPending() {
	if !self.pendingSet {
		return
	}
	payload := self.pending
	purgeable := self.pendingPurgeable
	self.pending = nil
	self.pendingSet = false
	self.pendingPurgeable = false
	if err := self.sendPayload(payload, purgeable); err != nil {
		glog.V(2).Infof("[arq]flush queued frame: %s\n", err)
	}
}

func (self *ArqLayer) Decode(p []byte) {
	if len(p) == 0 {
		return
	}
	header := p[0]

	if header&arqReset != 0 {
		if header&arqAck != 0 {
			// completes our open handshake; outside one it is a stale or
			// duplicated ack and must not rewind live numbering
			if !self.awaitingResetAck {
				return
			}
			self.awaitingResetAck = false
			self.sendSeq = false
			self.flushPending()
			return
		}
		// peer (re)connect: numbering restarts in both directions; a
		// handshake we opened ourselves stays pending, with its queued frame
		self.clearTransfer()
		if err := self.EncodeDown([]byte{arqReset | arqAck}, true); err != nil {
			glog.V(2).Infof("[arq]reset ack: %s\n", err)
		}
		return
	}

	if header&arqAck != 0 {
		if self.retained == nil {
			return
		}
		if (header & arqSeq) != (self.retained[0] & arqSeq) {
			// stale ack
			return
		}
		self.retained = nil
		self.retainedPurgeable = false
		self.sendSeq = !self.sendSeq
		return
	}

	seq := header&arqSeq != 0
	if seq != self.recvSeq {
		// duplicate; replay the prior acknowledgment and response so the
		// peer recovers from a lost ack, never re-deliver the payload
		glog.V(2).Infof("[arq]duplicate frame seq=%t\n", seq)
		if self.lastAck != nil {
			if err := self.EncodeDown(self.lastAck, true); err != nil {
				glog.V(2).Infof("[arq]ack replay: %s\n", err)
			}
		}
		if self.retained != nil {
			if err := self.transmit(self.retained); err != nil {
				glog.V(2).Infof("[arq]response replay: %s\n", err)
			}
		}
		return
	}

	self.recvSeq = !self.recvSeq
	ack := []byte{arqAck | (header & arqSeq)}
	self.lastAck = ack
	if err := self.EncodeDown(ack, true); err != nil {
		glog.V(2).Infof("[arq]ack: %s\n", err)
	}
	self.DecodeUp(p[1:])
}

// Reset clears all in-flight state and opens the reset handshake. Numbered
// frames encoded before the peer's reset ack returns are queued, never
// transmitted, so stale sequence bits are never misread as fresh payload.
// Call on connect and reconnect.
func (self *ArqLayer) Reset() error {
	self.clear()
	self.awaitingResetAck = true
	return self.EncodeDown([]byte{arqReset}, true)
}

// Retransmit re-sends the outstanding frame, if any. Driven by an
// application timer; the layer keeps no clock of its own.
func (self *ArqLayer) Retransmit() error {
	if self.awaitingResetAck {
		return self.EncodeDown([]byte{arqReset}, true)
	}
	if self.retained == nil {
		return nil
	}
	return self.transmit(self.retained)
}

// KeepAlive re-sends the outstanding frame, or an empty purgeable probe if
// none is queued, so a dead peer is detected independent of real traffic.
func (self *ArqLayer) KeepAlive() error {
	if self.awaitingResetAck {
		return self.EncodeDown([]byte{arqReset}, true)
	}
	if self.retained != nil {
		return self.transmit(self.retained)
	}
	self.SetPurgeableResponse()
	return self.Encode(nil, true)
}

// clearTransfer drops numbered-transfer state only; an open handshake and
// its queued frame survive a crossing reset
func (self *ArqLayer) clearTransfer() {
	self.sendSeq = false
	self.recvSeq = false
	self.retained = nil
	self.retainedPurgeable = false
	self.lastAck = nil
	self.encodeBuf = nil
	self.nextPurgeable = false
}

func (self *ArqLayer) clear() {
	self.clearTransfer()
	self.awaitingResetAck = false
	self.pending = nil
	self.pendingSet = false
	self.pendingPurgeable = false
}

func (self *ArqLayer) transmit(frame []byte) error {
	return self.EncodeDown(frame, true)
}
