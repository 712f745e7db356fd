package protocol

// SegmentLayer splits frames that exceed the channel MTU into chunks. Every
// chunk is a complete frame for the layers below, closed by one marker
// byte: continuation for all but the last, end for the last. Reassembly
// concatenates continuations until an end marker.

const segContinue = byte('C')
const segEnd = byte('E')

var segMarkerContinue = []byte{segContinue}
var segMarkerEnd = []byte{segEnd}

type SegmentLayer struct {
	Base
	// mtu is the chunk size limit passed downward, marker byte included.
	// 0 disables splitting.
	mtu int

	encodeBuf []byte
	decodeBuf []byte
}

func NewSegmentLayer(mtu int) *SegmentLayer {
	if mtu != 0 && mtu < 2 {
		// one marker byte leaves no payload
		mtu = 2
	}
	return &SegmentLayer{
		mtu: mtu,
	}
}

func (self *SegmentLayer) Encode(p []byte, last bool) error {
	if !last {
		self.encodeBuf = append(self.encodeBuf, p...)
		return nil
	}
	payload := p
	if 0 < len(self.encodeBuf) {
		payload = append(self.encodeBuf, p...)
		self.encodeBuf = nil
	}
	if self.mtu != 0 {
		max := self.mtu - 1
		for max < len(payload) {
			if err := self.EncodeDown(payload[:max], false); err != nil {
				return err
			}
			if err := self.EncodeDown(segMarkerContinue, true); err != nil {
				return err
			}
			payload = payload[max:]
		}
	}
	if err := self.EncodeDown(payload, false); err != nil {
		return err
	}
	return self.EncodeDown(segMarkerEnd, true)
}

func (self *SegmentLayer) Decode(p []byte) {
	if len(p) == 0 {
		return
	}
	marker := p[len(p)-1]
	body := p[:len(p)-1]
	switch marker {
	case segContinue:
		self.decodeBuf = append(self.decodeBuf, body...)
	case segEnd:
		if self.decodeBuf == nil {
			// single-chunk frame, no reassembly copy
			self.DecodeUp(body)
			return
		}
		payload := append(self.decodeBuf, body...)
		self.decodeBuf = nil
		self.DecodeUp(payload)
	default:
		// unknown marker, drop the partial frame
		self.decodeBuf = nil
	}
}
