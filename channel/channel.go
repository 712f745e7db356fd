package channel

import (
	"errors"

	"golang.org/x/exp/slices"
)

// A Channel moves opaque byte frames toward one remote endpoint. How
// received bytes reach the protocol stack is up to the adapter's owner;
// the core never spawns its own reader and never blocks.

type Channel interface {
	Send(p []byte) error
	Close() error
}

var ErrClosed = errors.New("channel closed")

// PipeSettings injects loss and duplication into an in-memory pipe, for
// exercising the retransmission path.
type PipeSettings struct {
	// Drop returns true to silently lose the frame.
	Drop func(p []byte) bool
	// Duplicate returns true to deliver the frame twice.
	Duplicate func(p []byte) bool
}

func DefaultPipeSettings() *PipeSettings {
	return &PipeSettings{}
}

// Pipe is one end of an in-memory channel pair. With a deliver callback
// set, frames arrive synchronously on the sender's call stack; otherwise
// they queue for Recv.
type Pipe struct {
	settings *PipeSettings
	peer     *Pipe

	deliver func(p []byte)
	queue   [][]byte
	closed  bool
}

func NewPipePair(aSettings *PipeSettings, bSettings *PipeSettings) (*Pipe, *Pipe) {
	if aSettings == nil {
		aSettings = DefaultPipeSettings()
	}
	if bSettings == nil {
		bSettings = DefaultPipeSettings()
	}
	a := &Pipe{settings: aSettings}
	b := &Pipe{settings: bSettings}
	a.peer = b
	b.peer = a
	return a, b
}

// SetDeliver installs the receive callback and flushes any queued frames
// into it.
func (self *Pipe) SetDeliver(deliver func(p []byte)) {
	self.deliver = deliver
	if deliver == nil {
		return
	}
	queue := self.queue
	self.queue = nil
	for _, p := range queue {
		deliver(p)
	}
}

func (self *Pipe) Send(p []byte) error {
	if self.closed || self.peer.closed {
		return ErrClosed
	}
	if self.settings.Drop != nil && self.settings.Drop(p) {
		// lost in transit
		return nil
	}
	self.peer.receive(slices.Clone(p))
	if self.settings.Duplicate != nil && self.settings.Duplicate(p) {
		self.peer.receive(slices.Clone(p))
	}
	return nil
}

func (self *Pipe) Recv() ([]byte, bool) {
	if len(self.queue) == 0 {
		return nil, false
	}
	p := self.queue[0]
	self.queue = self.queue[1:]
	return p, true
}

func (self *Pipe) Close() error {
	self.closed = true
	return nil
}

func (self *Pipe) receive(p []byte) {
	if self.deliver != nil {
		self.deliver(p)
		return
	}
	self.queue = append(self.queue, p)
}
