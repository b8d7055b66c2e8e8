package stream

import (
	"time"

	"chart-feed/src/helpers"
	"chart-feed/src/interfaces"

	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------
// Websocket transport (production IStreamDialer)
// -----------------------------------------------------------------------------

const defaultHandshakeTimeout = 10 * time.Second

type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

// -----------------------------------------------------------------------------

func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{HandshakeTimeout: defaultHandshakeTimeout}
}

// -----------------------------------------------------------------------------

func (d *WebsocketDialer) Dial(url string) (interfaces.IStreamConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, helpers.NewTransportError("websocket dial failed", err)
	}

	return &wsConn{conn: conn}, nil
}

// -----------------------------------------------------------------------------

// wsConn adapts a gorilla connection to the registry's minimal view.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteJSON(v interface{}) error {
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
