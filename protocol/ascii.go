package protocol

// ASCII-safe transport support. EscapeLayer rewrites control bytes into
// two-byte escape sequences so a binary frame survives a text-only
// channel. FrameMuxLayer brackets frames with escape+marker pairs so
// framed traffic can share one stream with unframed human-typed bytes.

const escByte = byte(0x7f)
const escSelf = byte(0x7e)
const escSet = byte(0x40)
const escClear = byte(0x1f)

const muxStart = byte('(')
const muxEnd = byte(')')

type EscapeLayer struct {
	Base
}

func NewEscapeLayer() *EscapeLayer {
	return &EscapeLayer{}
}

func escapeNeeded(b byte) bool {
	return b < 0x20 || b == escByte
}

func (self *EscapeLayer) Encode(p []byte, last bool) error {
	start := 0
	for i, b := range p {
		if !escapeNeeded(b) {
			continue
		}
		if start < i {
			if err := self.EncodeDown(p[start:i], false); err != nil {
				return err
			}
		}
		escaped := escSelf
		if b != escByte {
			escaped = b | escSet
		}
		if err := self.EncodeDown([]byte{escByte, escaped}, false); err != nil {
			return err
		}
		start = i + 1
	}
	return self.EncodeDown(p[start:], last)
}

func (self *EscapeLayer) Decode(p []byte) {
	unescaped := make([]byte, 0, len(p))
	for i := 0; i < len(p); i += 1 {
		b := p[i]
		if b != escByte {
			unescaped = append(unescaped, b)
			continue
		}
		if len(p) <= i+1 {
			// trailing escape, malformed
			break
		}
		i += 1
		if p[i] == escSelf {
			unescaped = append(unescaped, escByte)
		} else {
			unescaped = append(unescaped, p[i]&escClear)
		}
	}
	self.DecodeUp(unescaped)
}

// OutOfFrameFunc receives bytes that arrive outside frame markers,
// typically human-typed text on a shared console stream.
type OutOfFrameFunc func(p []byte)

type FrameMuxLayer struct {
	Base
	outOfFrame OutOfFrameFunc

	encodeOpen bool
	inFrame    bool
	frameBuf   []byte
	// escape byte seen, marker pending
	pendingEsc bool
}

func NewFrameMuxLayer(outOfFrame OutOfFrameFunc) *FrameMuxLayer {
	return &FrameMuxLayer{
		outOfFrame: outOfFrame,
	}
}

func (self *FrameMuxLayer) Encode(p []byte, last bool) error {
	if !self.encodeOpen {
		if err := self.EncodeDown([]byte{escByte, muxStart}, false); err != nil {
			return err
		}
		self.encodeOpen = true
	}
	if err := self.EncodeDown(p, false); err != nil {
		return err
	}
	if !last {
		return nil
	}
	self.encodeOpen = false
	return self.EncodeDown([]byte{escByte, muxEnd}, true)
}

func (self *FrameMuxLayer) Decode(p []byte) {
	plain := []byte{}
	for i := 0; i < len(p); i += 1 {
		b := p[i]
		if self.pendingEsc {
			self.pendingEsc = false
			switch b {
			case muxStart:
				self.inFrame = true
				self.frameBuf = nil
				continue
			case muxEnd:
				if self.inFrame {
					self.inFrame = false
					payload := self.frameBuf
					self.frameBuf = nil
					self.DecodeUp(payload)
				}
				continue
			default:
				// not a marker, the escape belongs to the frame payload
				if self.inFrame {
					self.frameBuf = append(self.frameBuf, escByte, b)
				} else {
					plain = append(plain, escByte, b)
				}
				continue
			}
		}
		if b == escByte {
			self.pendingEsc = true
			continue
		}
		if self.inFrame {
			self.frameBuf = append(self.frameBuf, b)
		} else {
			plain = append(plain, b)
		}
	}
	if 0 < len(plain) && self.outOfFrame != nil {
		self.outOfFrame(plain)
	}
}
