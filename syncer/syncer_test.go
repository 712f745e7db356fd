package syncer

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/DEMCON/libstored-sub002/channel"
	"github.com/DEMCON/libstored-sub002/store"
)

// wires both ends of an in-memory pipe pair; with deliver callbacks
// installed the whole hello/welcome/ack exchange runs on the caller's
// stack
func connectPair(t *testing.T, synA *Synchronizer, synB *Synchronizer, aSettings *channel.PipeSettings, bSettings *channel.PipeSettings) (*Conn, *Conn) {
	pipeA, pipeB := channel.NewPipePair(aSettings, bSettings)
	connA, err := synA.Connect(pipeA, nil)
	assert.Equal(t, err, nil)
	connB, err := synB.Connect(pipeB, nil)
	assert.Equal(t, err, nil)
	pipeA.SetDeliver(connA.Decode)
	pipeB.SetDeliver(connB.Decode)
	return connA, connB
}

func assertStoresEqual(t *testing.T, a *store.Store, b *store.Store) {
	for _, field := range a.Fields() {
		expected, err := a.Get(field.Key)
		assert.Equal(t, err, nil)
		actual, err := b.Get(field.Key)
		assert.Equal(t, err, nil)
		assert.Equal(t, expected, actual)
	}
}

func TestSyncInitialTransfer(t *testing.T) {
	stA := frameTestStore("drive")
	stB := frameTestStore("drive")
	stA.SetUint64("speed", 1500)
	stA.SetFloat64("torque", 3.5)
	stA.SetString("label", "front")

	synA := NewSynchronizer()
	synA.Map(stA)
	synB := NewSynchronizer()
	synB.Map(stB)

	connA, connB := connectPair(t, synA, synB, nil, nil)
	err := synA.SyncFrom(stA, connA)
	assert.Equal(t, err, nil)

	assert.Equal(t, true, connA.Synchronized())
	assert.Equal(t, true, connB.Synchronized())
	assert.Equal(t, connB.InstanceId(), connA.InstanceId())

	synA.Process()
	assertStoresEqual(t, stA, stB)
}

func TestSyncIncrementalUpdate(t *testing.T) {
	stA := frameTestStore("drive")
	stB := frameTestStore("drive")
	stA.SetUint64("speed", 100)

	synA := NewSynchronizer()
	synA.Map(stA)
	synB := NewSynchronizer()
	synB.Map(stB)

	connA, _ := connectPair(t, synA, synB, nil, nil)
	synA.SyncFrom(stA, connA)
	synA.Process()
	assertStoresEqual(t, stA, stB)

	stA.SetUint64("speed", 101)
	stA.SetString("label", "rear")
	synA.Process()
	assertStoresEqual(t, stA, stB)

	// only the delta travels again; a second round with nothing changed
	// sends nothing and corrupts nothing
	synA.Process()
	synB.Process()
	assertStoresEqual(t, stA, stB)
}

func TestSyncNoEcho(t *testing.T) {
	stA := frameTestStore("drive")
	stB := frameTestStore("drive")

	synA := NewSynchronizer()
	synA.Map(stA)
	synB := NewSynchronizer()
	synB.Map(stB)

	connA, _ := connectPair(t, synA, synB, nil, nil)
	synA.SyncFrom(stA, connA)

	// every write on A after this point must be a local one; a changed
	// value coming back from B would show up here
	writesA := 0
	stA.HookAfterWrite(store.AnyKey, func(field *store.Field, changed bool) {
		writesA += 1
	})

	stA.SetUint64("speed", 42)
	assert.Equal(t, 1, writesA)

	for i := 0; i < 4; i += 1 {
		synA.Process()
		synB.Process()
	}
	assertStoresEqual(t, stA, stB)
	assert.Equal(t, 1, writesA)
}

func TestSyncSuppressedChangeNeverResurfaces(t *testing.T) {
	stA := frameTestStore("drive")
	stB := frameTestStore("drive")

	synA := NewSynchronizer()
	synA.Map(stA)
	synB := NewSynchronizer()
	synB.Map(stB)

	connA, _ := connectPair(t, synA, synB, nil, nil)
	synA.SyncFrom(stA, connA)

	stB.SetString("label", "mine")
	synB.Process()
	label, _ := stA.GetString("label")
	assert.Equal(t, "mine", label)

	// A publishes nothing of its own; B's write must never come back, even
	// after the journal window slides past the applied entry
	writesB := 0
	stB.HookAfterWrite(store.AnyKey, func(field *store.Field, changed bool) {
		writesB += 1
	})
	for i := 0; i < 1<<17; i += 1 {
		stA.Journal().BumpSeq(true)
		if i%1024 == 0 {
			synA.Process()
		}
	}
	synA.Process()
	assert.Equal(t, 0, writesB)
}

func TestSyncBidirectionalUpdates(t *testing.T) {
	stA := frameTestStore("drive")
	stB := frameTestStore("drive")

	synA := NewSynchronizer()
	synA.Map(stA)
	synB := NewSynchronizer()
	synB.Map(stB)

	connA, _ := connectPair(t, synA, synB, nil, nil)
	synA.SyncFrom(stA, connA)

	// one writer per field: A owns speed, B owns label
	stA.SetUint64("speed", 7)
	stB.SetString("label", "left")
	synA.Process()
	synB.Process()
	assertStoresEqual(t, stA, stB)

	stB.SetString("label", "right")
	synB.Process()
	synA.Process()
	assertStoresEqual(t, stA, stB)
	label, _ := stA.GetString("label")
	assert.Equal(t, "right", label)
}

func TestSyncFanOut(t *testing.T) {
	stSource := frameTestStore("drive")
	stEarly := frameTestStore("drive")
	stLate := frameTestStore("drive")
	stSource.SetUint64("speed", 10)

	synSource := NewSynchronizer()
	synSource.Map(stSource)
	synEarly := NewSynchronizer()
	synEarly.Map(stEarly)
	synLate := NewSynchronizer()
	synLate.Map(stLate)

	connEarly, _ := connectPair(t, synEarly, synSource, nil, nil)
	err := synEarly.SyncFrom(stEarly, connEarly)
	assert.Equal(t, err, nil)
	assertStoresEqual(t, stSource, stEarly)

	// the source advances before the second peer joins
	stSource.SetUint64("speed", 11)
	synSource.Process()
	assertStoresEqual(t, stSource, stEarly)

	connLate, _ := connectPair(t, synLate, synSource, nil, nil)
	err = synLate.SyncFrom(stLate, connLate)
	assert.Equal(t, err, nil)
	assertStoresEqual(t, stSource, stLate)

	// a later change reaches both, each connection tracks its own watermark
	stSource.SetUint64("speed", 12)
	stSource.SetString("label", "axle")
	synSource.Process()
	assertStoresEqual(t, stSource, stEarly)
	assertStoresEqual(t, stSource, stLate)
}

func TestSyncStructureMismatch(t *testing.T) {
	stA := frameTestStore("drive")
	stOther := store.RequireNewStore("drive", []store.FieldDef{
		{Name: "speed", Kind: store.KindUint64},
	})

	synA := NewSynchronizer()
	synA.Map(stA)
	synB := NewSynchronizer()
	synB.Map(stOther)

	connA, connB := connectPair(t, synA, synB, nil, nil)
	synA.SyncFrom(stA, connA)

	assert.Equal(t, true, errors.Is(connB.Err(), ErrStructureMismatch))
	assert.Equal(t, false, connA.Synchronized())
	assert.Equal(t, false, connB.Synchronized())
}

func TestSyncUnmappedStore(t *testing.T) {
	stA := frameTestStore("drive")
	stB := frameTestStore("drive")

	synA := NewSynchronizer()
	synB := NewSynchronizer()
	synB.Map(stB)

	connA, _ := connectPair(t, synA, synB, nil, nil)
	err := synA.SyncFrom(stA, connA)
	assert.Equal(t, true, errors.Is(err, ErrNotMapped))
}

func TestSyncLossyChannel(t *testing.T) {
	stA := frameTestStore("drive")
	stB := frameTestStore("drive")
	stA.SetUint64("speed", 900)
	stA.SetString("label", "hub")

	// a transient loss window at the start, plus persistent duplication;
	// retransmission must push the session through both
	lossy := false
	sends := 0
	settings := func() *channel.PipeSettings {
		return &channel.PipeSettings{
			Drop: func(p []byte) bool {
				if !lossy {
					return false
				}
				sends += 1
				return sends%2 == 1
			},
			Duplicate: func(p []byte) bool {
				return len(p) != 0
			},
		}
	}

	synA := NewSynchronizer()
	synA.Map(stA)
	synB := NewSynchronizer()
	synB.Map(stB)

	connA, connB := connectPair(t, synA, synB, settings(), settings())
	lossy = true

	err := synA.SyncFrom(stA, connA)
	assert.Equal(t, err, nil)

	for i := 0; i < 16; i += 1 {
		synA.Process()
		synB.Process()
		synA.Retransmit()
		synB.Retransmit()
	}
	lossy = false
	for i := 0; i < 4; i += 1 {
		synA.Retransmit()
		synB.Retransmit()
		synA.Process()
		synB.Process()
	}

	assert.Equal(t, nil, connA.Err())
	assert.Equal(t, nil, connB.Err())
	assert.Equal(t, true, connA.Synchronized())
	assert.Equal(t, true, connB.Synchronized())
	assertStoresEqual(t, stA, stB)
}

func TestSyncDisconnect(t *testing.T) {
	stA := frameTestStore("drive")
	stB := frameTestStore("drive")

	synA := NewSynchronizer()
	synA.Map(stA)
	synB := NewSynchronizer()
	synB.Map(stB)

	connA, connB := connectPair(t, synA, synB, nil, nil)
	synA.SyncFrom(stA, connA)
	assert.Equal(t, true, connB.Synchronized())

	synA.Disconnect(connA)
	assert.Equal(t, false, connA.Synchronized())

	// the peer notices on its next probe
	synB.KeepAlive()
	assert.NotEqual(t, connB.Err(), nil)
}
