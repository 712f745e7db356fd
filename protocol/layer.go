package protocol

// A protocol stack is an ordered list of bidirectional filter layers.
// Encode pushes bytes toward the channel, Decode pushes bytes toward the
// application. A layer may receive a frame in pieces; last marks the final
// piece. A layer may buffer partial input, but a recognized complete frame
// must be flushed upward immediately.
//
// The stack owns the layers. Layers reference their neighbors through the
// Layer interface only and never own them.

type Layer interface {
	// Encode processes outgoing bytes and pushes them downward.
	Encode(p []byte, last bool) error
	// Decode processes incoming bytes and pushes them upward.
	Decode(p []byte)

	setUp(up Layer)
	setDown(down Layer)
}

// Base is a pass-through layer. Embed it and override one or both
// directions to implement a filter.
type Base struct {
	up   Layer
	down Layer
}

func (self *Base) setUp(up Layer) {
	self.up = up
}

func (self *Base) setDown(down Layer) {
	self.down = down
}

func (self *Base) Encode(p []byte, last bool) error {
	return self.EncodeDown(p, last)
}

func (self *Base) Decode(p []byte) {
	self.DecodeUp(p)
}

// EncodeDown forwards processed bytes to the next layer toward the channel.
func (self *Base) EncodeDown(p []byte, last bool) error {
	if self.down == nil {
		return nil
	}
	return self.down.Encode(p, last)
}

// DecodeUp forwards processed bytes to the next layer toward the application.
func (self *Base) DecodeUp(p []byte) {
	if self.up == nil {
		return
	}
	self.up.Decode(p)
}

// DeliverFunc receives a complete decoded frame at the top of a stack.
type DeliverFunc func(p []byte)

// TransmitFunc receives encoded bytes at the bottom of a stack. The frame
// is complete when last is true.
type TransmitFunc func(p []byte, last bool) error

type terminal struct {
	Base
	deliver  DeliverFunc
	transmit TransmitFunc
}

func (self *terminal) Encode(p []byte, last bool) error {
	if self.transmit == nil {
		return nil
	}
	return self.transmit(p, last)
}

func (self *terminal) Decode(p []byte) {
	if self.deliver == nil {
		return
	}
	self.deliver(p)
}

// Stack wires layers top to bottom between a deliver callback above and a
// transmit callback below. layers[0] is the top.
type Stack struct {
	layers []Layer
	top    *terminal
	bottom *terminal
}

func NewStack(deliver DeliverFunc, transmit TransmitFunc, layers ...Layer) *Stack {
	top := &terminal{deliver: deliver}
	bottom := &terminal{transmit: transmit}
	all := make([]Layer, 0, len(layers)+2)
	all = append(all, top)
	all = append(all, layers...)
	all = append(all, bottom)
	for i := 0; i < len(all)-1; i += 1 {
		all[i].setDown(all[i+1])
		all[i+1].setUp(all[i])
	}
	return &Stack{
		layers: layers,
		top:    top,
		bottom: bottom,
	}
}

// Encode pushes an outgoing frame into the top of the stack.
func (self *Stack) Encode(p []byte, last bool) error {
	return self.top.EncodeDown(p, last)
}

// Decode pushes received bytes into the bottom of the stack.
func (self *Stack) Decode(p []byte) {
	self.bottom.DecodeUp(p)
}

// Layers returns the ordered layer list, top first.
func (self *Stack) Layers() []Layer {
	return self.layers
}
