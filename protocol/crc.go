package protocol

import (
	"github.com/golang/glog"
	"github.com/sigurn/crc16"
	"github.com/sigurn/crc8"
)

// The CRC layers accumulate a running checksum over the pieces of an
// outgoing frame and append it after the final piece. On decode, a
// mismatch drops the frame silently: the layers above observe corruption
// exactly as packet loss, which the ARQ layer recovers from.

type Crc8Layer struct {
	Base
	table *crc8.Table
	crc   uint8
}

func NewCrc8Layer() *Crc8Layer {
	table := crc8.MakeTable(crc8.CRC8)
	return &Crc8Layer{
		table: table,
		crc:   crc8.Init(table),
	}
}

func (self *Crc8Layer) Encode(p []byte, last bool) error {
	self.crc = crc8.Update(self.crc, p, self.table)
	if err := self.EncodeDown(p, false); err != nil {
		return err
	}
	if !last {
		return nil
	}
	sum := crc8.Complete(self.crc, self.table)
	self.crc = crc8.Init(self.table)
	return self.EncodeDown([]byte{sum}, true)
}

func (self *Crc8Layer) Decode(p []byte) {
	if len(p) < 1 {
		return
	}
	body := p[:len(p)-1]
	if crc8.Checksum(body, self.table) != p[len(p)-1] {
		glog.V(2).Infof("[crc8]drop frame, checksum mismatch\n")
		return
	}
	self.DecodeUp(body)
}

type Crc16Layer struct {
	Base
	table *crc16.Table
	crc   uint16
}

func NewCrc16Layer() *Crc16Layer {
	table := crc16.MakeTable(crc16.CRC16_ARC)
	return &Crc16Layer{
		table: table,
		crc:   crc16.Init(table),
	}
}

func (self *Crc16Layer) Encode(p []byte, last bool) error {
	self.crc = crc16.Update(self.crc, p, self.table)
	if err := self.EncodeDown(p, false); err != nil {
		return err
	}
	if !last {
		return nil
	}
	sum := crc16.Complete(self.crc, self.table)
	self.crc = crc16.Init(self.table)
	return self.EncodeDown([]byte{byte(sum >> 8), byte(sum)}, true)
}

func (self *Crc16Layer) Decode(p []byte) {
	if len(p) < 2 {
		return
	}
	body := p[:len(p)-2]
	sum := uint16(p[len(p)-2])<<8 | uint16(p[len(p)-1])
	if crc16.Checksum(body, self.table) != sum {
		glog.V(2).Infof("[crc16]drop frame, checksum mismatch\n")
		return
	}
	self.DecodeUp(body)
}
