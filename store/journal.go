package store

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// The journal records, per field, the sequence at which it last changed.
// Sequences are logical time: they advance on BumpSeq, not on a clock.
//
// To keep the per-field cost at two bytes, the last-changed sequence is
// stored in a short form relative to the current sequence. Entries are
// periodically clamped to half the short window, so the short form is
// always unambiguous between cleanings. A field whose change aged past the
// window is clamped to the window edge and therefore reported as changed
// against any older watermark. A conservative false positive, never a
// false negative.

type Seq uint32

const seqMod = 1 << 24
const seqWindow = 1 << 16
const seqSaturate = seqWindow / 2
const seqCleanInterval = seqWindow / 4

// backward distance from a to b, mod the sequence space
func seqDistance(a Seq, b Seq) Seq {
	return (a - b) & (seqMod - 1)
}

type Journal struct {
	store *Store

	seq   Seq
	dirty bool
	// key -> short form of the last-changed sequence
	entries    map[Key]uint16
	sinceClean Seq
}

func newJournal(store *Store) *Journal {
	journal := &Journal{
		store:   store,
		seq:     1,
		entries: map[Key]uint16{},
	}
	store.HookChanged(AnyKey, func(field *Field) {
		journal.Changed(field.Key)
	})
	return journal
}

func (self *Journal) Seq() Seq {
	return self.seq
}

// BumpSeq advances and returns the sequence. Without force it is a no-op
// while nothing changed since the previous bump, which keeps wraparound
// pressure proportional to actual changes.
func (self *Journal) BumpSeq(force bool) Seq {
	if !self.dirty && !force {
		return self.seq
	}
	self.dirty = false
	self.seq = (self.seq + 1) & (seqMod - 1)
	self.sinceClean += 1
	if seqCleanInterval <= self.sinceClean {
		self.clean()
		self.sinceClean = 0
	}
	return self.seq
}

// Changed records that the field changed at the current sequence.
func (self *Journal) Changed(key Key) {
	self.entries[key] = uint16(self.seq)
	self.dirty = true
}

// HasChanged reports whether the field changed at or after since.
func (self *Journal) HasChanged(key Key, since Seq) bool {
	short, ok := self.entries[key]
	if !ok {
		return false
	}
	return seqDistance(self.seq, self.toLong(short)) <= seqDistance(self.seq, since)
}

// LastChanged returns the sequence at which the field last changed. For a
// field older than the short window this is the clamped window edge, which
// moves as the sequence advances.
func (self *Journal) LastChanged(key Key) (Seq, bool) {
	short, ok := self.entries[key]
	if !ok {
		return 0, false
	}
	return self.toLong(short), true
}

// IterateChanged visits every changed-since field in key order.
func (self *Journal) IterateChanged(since Seq, visit func(key Key)) {
	keys := maps.Keys(self.entries)
	slices.Sort(keys)
	for _, key := range keys {
		if self.HasChanged(key, since) {
			visit(key)
		}
	}
}

func (self *Journal) toLong(short uint16) Seq {
	d := uint16(self.seq) - short
	return (self.seq - Seq(d)) & (seqMod - 1)
}

// must run at least every seqCleanInterval bumps; clamps every entry to at
// most seqSaturate behind, so the short form never aliases
func (self *Journal) clean() {
	edge := uint16(self.seq) - uint16(seqSaturate)
	for key, short := range self.entries {
		if uint16(seqSaturate) < uint16(self.seq)-short {
			self.entries[key] = edge
		}
	}
}
