package protocol

import (
	"bytes"
	"io"

	"github.com/golang/glog"
	"github.com/klauspost/compress/flate"
)

// DeflateLayer compresses whole frames. A one-byte prefix selects the
// encoding so that a frame that does not shrink, or fails to compress, is
// carried stored instead. Compression failure is never an error.

const deflateStored = byte('s')
const deflateCompressed = byte('z')

type DeflateLayer struct {
	Base
	encodeBuf []byte
}

func NewDeflateLayer() *DeflateLayer {
	return &DeflateLayer{}
}

func (self *DeflateLayer) Encode(p []byte, last bool) error {
	self.encodeBuf = append(self.encodeBuf, p...)
	if !last {
		return nil
	}
	payload := self.encodeBuf
	self.encodeBuf = nil

	if compressed, ok := deflateFrame(payload); ok && len(compressed) < len(payload) {
		if err := self.EncodeDown([]byte{deflateCompressed}, false); err != nil {
			return err
		}
		return self.EncodeDown(compressed, true)
	}
	if err := self.EncodeDown([]byte{deflateStored}, false); err != nil {
		return err
	}
	return self.EncodeDown(payload, true)
}

func (self *DeflateLayer) Decode(p []byte) {
	if len(p) == 0 {
		return
	}
	switch p[0] {
	case deflateStored:
		self.DecodeUp(p[1:])
	case deflateCompressed:
		payload, err := inflateFrame(p[1:])
		if err != nil {
			// frames arrive checksum-verified, so this is a peer defect
			glog.Warningf("[deflate]drop frame, inflate: %s\n", err)
			return
		}
		self.DecodeUp(payload)
	default:
		glog.V(2).Infof("[deflate]drop frame, unknown prefix %02x\n", p[0])
	}
}

func deflateFrame(payload []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(payload); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func inflateFrame(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	return io.ReadAll(r)
}
