package syncer

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/DEMCON/libstored-sub002/channel"
	"github.com/DEMCON/libstored-sub002/store"
)

// The synchronizer keeps replicas of mapped stores consistent across
// peers. It is single-threaded: the application drives Decode on every
// channel, Process for outgoing batches, and the Retransmit/KeepAlive
// timers, all from one logical thread.
//
// Every connection carries its own watermark into the store journal, so a
// peer that joins late receives exactly its missing deltas. A node can
// both receive and redistribute updates, which enables star and tree
// topologies. Concurrent writers of the same field are not resolved; the
// last applied update wins.

// ErrStructureMismatch is the hard, surfaced failure when a peer offers a
// store whose layout hash does not match any mapped store.
var ErrStructureMismatch = errors.New("store structure mismatch")

var ErrNotMapped = errors.New("store not mapped")

type Synchronizer struct {
	// layout hash -> mapped store
	stores map[string]*store.Store
	conns  []*Conn
}

func NewSynchronizer() *Synchronizer {
	return &Synchronizer{
		stores: map[string]*store.Store{},
	}
}

// Map registers a store for synchronization. Peers address it by its
// layout hash.
func (self *Synchronizer) Map(st *store.Store) {
	self.stores[string(st.Hash())] = st
}

func (self *Synchronizer) storeByHash(hash []byte) *store.Store {
	return self.stores[string(hash)]
}

// Connect binds a connection over the channel and opens the transport
// reset handshake. No store data is exchanged until SyncFrom, or until
// the peer sends a Hello.
func (self *Synchronizer) Connect(ch channel.Channel, settings *ConnSettings) (*Conn, error) {
	if settings == nil {
		settings = DefaultConnSettings()
	}
	conn := newConn(self, ch, settings)
	if err := conn.arq.Reset(); err != nil {
		return nil, err
	}
	self.conns = append(self.conns, conn)
	return conn, nil
}

// Disconnect drops the connection's protocol state immediately and closes
// the channel. Rejoining requires a fresh Connect and SyncFrom.
func (self *Synchronizer) Disconnect(conn *Conn) {
	i := slices.Index(self.conns, conn)
	if i < 0 {
		return
	}
	self.conns = slices.Delete(self.conns, i, i+1)
	conn.state = stateUnsynced
	conn.store = nil
	conn.applied = nil
	conn.channel.Close()
}

// SyncFrom initiates synchronization of the mapped store over the
// connection: sends Hello and awaits the peer's Welcome snapshot.
func (self *Synchronizer) SyncFrom(st *store.Store, conn *Conn) error {
	if self.stores[string(st.Hash())] != st {
		return fmt.Errorf("%w: %s", ErrNotMapped, st.Name())
	}
	conn.store = st
	if err := conn.send(encodeHello(st), false); err != nil {
		return err
	}
	conn.state = stateHelloSent
	return nil
}

// Process batches and sends pending changes on every synchronized
// connection. Call from the application's own loop.
func (self *Synchronizer) Process() {
	for _, conn := range self.conns {
		conn.process()
	}
}

// Retransmit re-sends outstanding frames on every connection.
func (self *Synchronizer) Retransmit() {
	for _, conn := range self.conns {
		if err := conn.Retransmit(); err != nil {
			conn.fail(err)
		}
	}
}

// KeepAlive probes every connection.
func (self *Synchronizer) KeepAlive() {
	for _, conn := range self.conns {
		if err := conn.KeepAlive(); err != nil {
			conn.fail(err)
		}
	}
}
