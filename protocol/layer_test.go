package protocol

import (
	"bytes"
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"

	"golang.org/x/exp/slices"
)

// one end of a wired stack: collects transmitted frames and delivered
// payloads
type testEnd struct {
	stack *Stack

	sendBuf   []byte
	sent      [][]byte
	delivered [][]byte
}

func newTestEnd(layers ...Layer) *testEnd {
	end := &testEnd{}
	end.stack = NewStack(
		func(p []byte) {
			end.delivered = append(end.delivered, slices.Clone(p))
		},
		func(p []byte, last bool) error {
			end.sendBuf = append(end.sendBuf, p...)
			if last {
				end.sent = append(end.sent, end.sendBuf)
				end.sendBuf = nil
			}
			return nil
		},
		layers...,
	)
	return end
}

func (self *testEnd) takeSent() [][]byte {
	sent := self.sent
	self.sent = nil
	return sent
}

func fullStack() []Layer {
	return []Layer{
		NewSegmentLayer(16),
		NewCrc16Layer(),
		NewEscapeLayer(),
		NewFrameMuxLayer(nil),
	}
}

func TestStackRoundTrip(t *testing.T) {
	mtu := 16
	for _, n := range []int{0, 1, mtu - 1, mtu, mtu + 1, 10 * mtu} {
		a := newTestEnd(fullStack()...)
		b := newTestEnd(fullStack()...)

		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(mathrand.Intn(256))
		}

		err := a.stack.Encode(payload, true)
		assert.Equal(t, err, nil)
		for _, frame := range a.takeSent() {
			b.stack.Decode(frame)
		}

		assert.Equal(t, 1, len(b.delivered))
		assert.Equal(t, true, bytes.Equal(payload, b.delivered[0]))
	}
}

func TestStackCorruptionDropped(t *testing.T) {
	a := newTestEnd(NewSegmentLayer(16), NewCrc16Layer())
	b := newTestEnd(NewSegmentLayer(16), NewCrc16Layer())

	payload := []byte("store sync")
	err := a.stack.Encode(payload, true)
	assert.Equal(t, err, nil)
	sent := a.takeSent()
	assert.Equal(t, 1, len(sent))

	// flip a checksum byte
	corrupt := slices.Clone(sent[0])
	corrupt[len(corrupt)-1] ^= 0xff
	b.stack.Decode(corrupt)
	// the frame never surfaces, only silence
	assert.Equal(t, 0, len(b.delivered))

	// an intact retransmission gets through
	b.stack.Decode(sent[0])
	assert.Equal(t, 1, len(b.delivered))
	assert.Equal(t, true, bytes.Equal(payload, b.delivered[0]))
}

func TestCrc8RoundTrip(t *testing.T) {
	a := newTestEnd(NewCrc8Layer())
	b := newTestEnd(NewCrc8Layer())

	payload := []byte{0x00, 0x7f, 0xff, 0x10}
	err := a.stack.Encode(payload, true)
	assert.Equal(t, err, nil)
	sent := a.takeSent()
	assert.Equal(t, 1, len(sent))
	assert.Equal(t, len(payload)+1, len(sent[0]))

	b.stack.Decode(sent[0])
	assert.Equal(t, 1, len(b.delivered))
	assert.Equal(t, true, bytes.Equal(payload, b.delivered[0]))

	sent[0][0] ^= 0x01
	b.stack.Decode(sent[0])
	assert.Equal(t, 1, len(b.delivered))
}

func TestSegmentZeroCopyFastPath(t *testing.T) {
	segment := NewSegmentLayer(0)
	var delivered []byte
	stack := NewStack(
		func(p []byte) {
			delivered = p
		},
		nil,
		segment,
	)

	chunk := []byte{1, 2, 3, segEnd}
	stack.Decode(chunk)
	// no reassembly buffer in play, the delivered slice aliases the chunk
	assert.Equal(t, true, &chunk[0] == &delivered[0])
}

func TestEscapeFullByteRange(t *testing.T) {
	a := newTestEnd(NewEscapeLayer())
	b := newTestEnd(NewEscapeLayer())

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	err := a.stack.Encode(payload, true)
	assert.Equal(t, err, nil)
	sent := a.takeSent()
	assert.Equal(t, 1, len(sent))
	// 0x00..0x1f and 0x7f escaped
	assert.Equal(t, 256+33, len(sent[0]))
	for _, c := range sent[0] {
		assert.Equal(t, true, 0x20 <= c)
	}

	b.stack.Decode(sent[0])
	assert.Equal(t, 1, len(b.delivered))
	assert.Equal(t, true, bytes.Equal(payload, b.delivered[0]))
}

func TestFrameMuxPassThrough(t *testing.T) {
	a := newTestEnd(NewEscapeLayer(), NewFrameMuxLayer(nil))

	outOfFrame := []byte{}
	b := &testEnd{}
	b.stack = NewStack(
		func(p []byte) {
			b.delivered = append(b.delivered, slices.Clone(p))
		},
		nil,
		NewEscapeLayer(),
		NewFrameMuxLayer(func(p []byte) {
			outOfFrame = append(outOfFrame, p...)
		}),
	)

	payload := []byte{0x00, 'x', 0xff, 0x7f}
	err := a.stack.Encode(payload, true)
	assert.Equal(t, err, nil)
	frame := a.takeSent()[0]

	// interleave typed text with the frame, split at awkward points
	b.stack.Decode([]byte("hel"))
	b.stack.Decode([]byte("lo "))
	b.stack.Decode(frame[:3])
	b.stack.Decode(frame[3:])
	b.stack.Decode([]byte("world"))

	assert.Equal(t, "hello world", string(outOfFrame))
	assert.Equal(t, 1, len(b.delivered))
	assert.Equal(t, true, bytes.Equal(payload, b.delivered[0]))
}

func TestDeflateRoundTrip(t *testing.T) {
	a := newTestEnd(NewDeflateLayer())
	b := newTestEnd(NewDeflateLayer())

	// compressible
	payload := bytes.Repeat([]byte("store sync "), 100)
	err := a.stack.Encode(payload, true)
	assert.Equal(t, err, nil)
	sent := a.takeSent()
	assert.Equal(t, deflateCompressed, sent[0][0])
	assert.Equal(t, true, len(sent[0]) < len(payload))

	b.stack.Decode(sent[0])
	assert.Equal(t, true, bytes.Equal(payload, b.delivered[0]))
}

func TestDeflateStoredFallback(t *testing.T) {
	a := newTestEnd(NewDeflateLayer())
	b := newTestEnd(NewDeflateLayer())

	// incompressible
	payload := make([]byte, 64)
	r := mathrand.New(mathrand.NewSource(1))
	r.Read(payload)
	err := a.stack.Encode(payload, true)
	assert.Equal(t, err, nil)
	sent := a.takeSent()
	assert.Equal(t, deflateStored, sent[0][0])

	b.stack.Decode(sent[0])
	assert.Equal(t, true, bytes.Equal(payload, b.delivered[0]))
}
