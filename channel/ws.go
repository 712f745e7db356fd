package channel

import (
	"github.com/gorilla/websocket"
)

// WsChannel adapts a websocket connection. Websocket messages preserve
// frame boundaries, so segmentation and framing layers are optional here;
// a CRC layer still guards against a corrupting intermediary.

type WsChannel struct {
	conn *websocket.Conn
}

func NewWsChannel(conn *websocket.Conn) *WsChannel {
	return &WsChannel{
		conn: conn,
	}
}

func DialWs(url string) (*WsChannel, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return NewWsChannel(conn), nil
}

func (self *WsChannel) Send(p []byte) error {
	return self.conn.WriteMessage(websocket.BinaryMessage, p)
}

// Recv blocks on the next binary message, for the owner's read loop.
func (self *WsChannel) Recv() ([]byte, error) {
	for {
		messageType, p, err := self.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.BinaryMessage {
			return p, nil
		}
	}
}

func (self *WsChannel) Close() error {
	return self.conn.Close()
}
