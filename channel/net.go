package channel

import (
	"net"
	"time"
)

// NetChannel adapts a net.Conn. A byte stream does not preserve frame
// boundaries, so stack a FrameMuxLayer (with escaping) on connections
// carried this way. The owner reads the conn and feeds the bytes into the
// stack itself.

type NetChannel struct {
	conn net.Conn
}

func NewNetChannel(conn net.Conn) *NetChannel {
	return &NetChannel{
		conn: conn,
	}
}

func (self *NetChannel) Send(p []byte) error {
	_, err := self.conn.Write(p)
	return err
}

// Read pulls received bytes, for the owner's read loop.
func (self *NetChannel) Read(p []byte) (int, error) {
	return self.conn.Read(p)
}

// SetReadDeadline bounds the next Read, so a poll-driven owner can
// interleave reads with process and retransmit ticks.
func (self *NetChannel) SetReadDeadline(t time.Time) error {
	return self.conn.SetReadDeadline(t)
}

func (self *NetChannel) Close() error {
	return self.conn.Close()
}
