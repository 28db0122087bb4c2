package wstest

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/go/testingx"

	"github.com/wirespeed/wirespeed/wsproto"
)

// readTimeout bounds every read in the harness so a broken handshake fails
// the test instead of hanging it.
const readTimeout = 10 * time.Second

func newDialer() websocket.Dialer {
	return websocket.Dialer{HandshakeTimeout: 10 * time.Second}
}

// WSConn is a raw client connection with small helpers for driving the
// protocol from tests.
type WSConn struct {
	Conn *websocket.Conn
}

// SendAction marshals and sends a control message.
func (c *WSConn) SendAction(t *testing.T, a wsproto.Action) {
	t.Helper()
	data, err := wsproto.MarshalAction(a)
	testingx.Must(t, err, "failed to marshal action")
	testingx.Must(t, c.Conn.WriteMessage(websocket.TextMessage, data),
		"failed to send action")
}

// SendPayload sends one binary payload frame of n bytes.
func (c *WSConn) SendPayload(t *testing.T, n int) {
	t.Helper()
	testingx.Must(t, c.Conn.WriteMessage(websocket.BinaryMessage, make([]byte, n)),
		"failed to send payload")
}

// ReadServerMessage reads frames until a control frame arrives and parses
// it, skipping payload frames. It fails the test on timeout.
func (c *WSConn) ReadServerMessage(t *testing.T) wsproto.ServerMessage {
	t.Helper()
	c.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	for {
		mt, data, err := c.Conn.ReadMessage()
		testingx.Must(t, err, "failed to read control frame")
		if mt != websocket.TextMessage {
			continue
		}
		msg, err := wsproto.ParseServerMessage(data)
		testingx.Must(t, err, "failed to parse server message")
		return msg
	}
}

// ReadPayload reads frames until a binary frame arrives and returns its
// size, skipping control frames.
func (c *WSConn) ReadPayload(t *testing.T) int {
	t.Helper()
	c.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	for {
		mt, data, err := c.Conn.ReadMessage()
		testingx.Must(t, err, "failed to read payload frame")
		if mt == websocket.BinaryMessage {
			return len(data)
		}
	}
}

// Close closes the underlying connection.
func (c *WSConn) Close() error {
	return c.Conn.Close()
}
