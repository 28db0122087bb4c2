// Package transport wraps a websocket connection with an ordered write pump
// whose queue occupancy is observable. Control frames and payload frames
// share the pump, so everything is delivered in the order it was enqueued.
// The byte count of frames enqueued but not yet handed to the network is the
// backpressure signal consumed by the flood engine.
package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wirespeed/wirespeed/logging"
	"github.com/wirespeed/wirespeed/wsproto"
)

// defaultTimeout is the default value of the per-frame write timeout.
const defaultTimeout = 7 * time.Second

// sendQueueLen is the capacity of the write pump queue, in frames. The
// flood engine bounds queued bytes itself, so this only needs to absorb
// control messages interleaved with payload chunks.
const sendQueueLen = 16

// ErrClosed is returned when writing to a connection whose pump has exited.
var ErrClosed = errors.New("transport: connection closed")

// Frame is a single incoming websocket frame. Binary tells payload frames
// apart from JSON control frames.
type Frame struct {
	Binary bool
	Data   []byte
}

type outFrame struct {
	prepared *websocket.PreparedMessage
	data     []byte
	binary   bool
	size     int64
}

// Conn is a websocket connection with an ordered, byte-accounted write path.
type Conn struct {
	ws        *websocket.Conn
	sendq     chan outFrame
	buffered  atomic.Int64
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps an upgraded websocket connection and starts its write pump.
// The caller must eventually call Close.
func NewConn(ws *websocket.Conn) *Conn {
	// A little slack above the largest allowed payload chunk so that a
	// well-formed control frame can never trip the limit.
	ws.SetReadLimit(wsproto.MaxPayloadSizeBytes + 4096)
	c := &Conn{
		ws:    ws,
		sendq: make(chan outFrame, sendQueueLen),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *Conn) writePump() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case f := <-c.sendq:
			c.ws.SetWriteDeadline(time.Now().Add(defaultTimeout)) // Liveness!
			var err error
			switch {
			case f.prepared != nil:
				err = c.ws.WritePreparedMessage(f.prepared)
			case f.binary:
				err = c.ws.WriteMessage(websocket.BinaryMessage, f.data)
			default:
				err = c.ws.WriteMessage(websocket.TextMessage, f.data)
			}
			c.buffered.Add(-f.size)
			if err != nil {
				logging.Logger.WithError(err).Debug("transport: write failed")
				// Make the read side fail too, so that the owner of the
				// connection runs its cleanup path exactly once.
				c.ws.Close()
				return
			}
		}
	}
}

func (c *Conn) enqueue(f outFrame) error {
	c.buffered.Add(f.size)
	select {
	case c.sendq <- f:
		return nil
	case <-c.done:
		c.buffered.Add(-f.size)
		return ErrClosed
	}
}

// WriteControl enqueues a JSON control message as a text frame.
func (c *Conn) WriteControl(data []byte) error {
	return c.enqueue(outFrame{data: data, size: int64(len(data))})
}

// WriteBinary enqueues a raw payload frame.
func (c *Conn) WriteBinary(data []byte) error {
	return c.enqueue(outFrame{data: data, binary: true, size: int64(len(data))})
}

// WritePrepared enqueues a prepared payload frame of the given size.
// Prepared messages avoid re-framing the same flood chunk on every send.
func (c *Conn) WritePrepared(pm *websocket.PreparedMessage, size int) error {
	return c.enqueue(outFrame{prepared: pm, size: int64(size)})
}

// Buffered returns the number of payload and control bytes enqueued but not
// yet handed to the network. This is the signal the flood engine checks
// before every send.
func (c *Conn) Buffered() int64 {
	return c.buffered.Load()
}

// ReadFrame reads the next text or binary frame. Any other frame type is
// skipped. It blocks until a frame arrives or the connection fails.
func (c *Conn) ReadFrame() (Frame, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		switch mt {
		case websocket.TextMessage:
			return Frame{Data: data}, nil
		case websocket.BinaryMessage:
			return Frame{Binary: true, Data: data}, nil
		}
	}
}

// WriteCloseMessage sends a close control frame. Unlike data frames this
// does not go through the pump: gorilla allows concurrent control writes
// and the close must not queue behind pending payload.
func (c *Conn) WriteCloseMessage() error {
	msg := websocket.FormatCloseMessage(
		websocket.CloseNormalClosure, "Done")
	d := time.Now().Add(time.Second) // Liveness!
	return c.ws.WriteControl(websocket.CloseMessage, msg, d)
}

// LocalAddr returns the local address of the underlying connection.
func (c *Conn) LocalAddr() string { return c.ws.LocalAddr().String() }

// RemoteAddr returns the remote address of the underlying connection.
func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Close tears down the connection and stops the write pump. It is safe to
// call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		err = c.ws.Close()
		<-c.done
	})
	return err
}
