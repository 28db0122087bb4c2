// Package client implements the wirespeed measurement client: a single
// long-lived connection to a server, at most one running test at a time,
// and a progress callback for whatever user interface sits on top.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wirespeed/wirespeed/flood"
	"github.com/wirespeed/wirespeed/logging"
	"github.com/wirespeed/wirespeed/measurer"
	"github.com/wirespeed/wirespeed/transport"
	"github.com/wirespeed/wirespeed/wsproto"
)

// defaultTimeout is the websocket handshake timeout.
const defaultTimeout = 7 * time.Second

// DefaultReconnectDelay is how long the client waits before redialing
// after losing the connection.
const DefaultReconnectDelay = 3 * time.Second

// Direction selects what a test measures.
type Direction int

const (
	// DirectionDownload measures server-to-client throughput.
	DirectionDownload = Direction(iota)
	// DirectionUpload measures client-to-server throughput.
	DirectionUpload
)

// String returns the wire name of the direction.
func (d Direction) String() string {
	if d == DirectionUpload {
		return "upload"
	}
	return "download"
}

// Status describes what the client is doing when a progress callback fires.
type Status int

const (
	// StatusConnected fires once per successful dial, before any test.
	StatusConnected = Status(iota)
	// StatusMeasuring fires for every progress observation of a test.
	StatusMeasuring
	// StatusComplete fires once when a test reaches its terminal state.
	StatusComplete
	// StatusDisconnected fires when the connection is lost; the client
	// will redial on its own.
	StatusDisconnected
)

// String returns a human readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusMeasuring:
		return "measuring"
	case StatusComplete:
		return "complete"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ProgressFunc receives measurement progress. Speed is in bits per second;
// use measurer.FormatSpeed for display. The callback runs on the client's
// internal goroutine: it must not block and must not call back into the
// client directly.
type ProgressFunc func(speedBps float64, status Status, percent float64)

// Settings contains client settings. Only Hostname is required.
type Settings struct {
	// Hostname is the hostname of the wirespeed server to connect to.
	Hostname string
	// Port is the port of the wirespeed server to connect to.
	Port string
	// InsecureNoTLS can be used to force using cleartext.
	InsecureNoTLS bool
	// InsecureSkipTLSVerify can be used to disable certificate verification.
	InsecureSkipTLSVerify bool
	// ReconnectDelay overrides DefaultReconnectDelay when positive.
	ReconnectDelay time.Duration
	// OnProgress receives progress callbacks. May be nil.
	OnProgress ProgressFunc
}

type phase int

const (
	phaseIdle = phase(iota)
	phaseUpload
	phaseDownload
)

// Client is a wirespeed measurement client. Create with New, drive with
// Run, then call RequestStart/RequestStop from any goroutine.
type Client struct {
	dialer         websocket.Dialer
	url            url.URL
	onProgress     ProgressFunc
	reconnectDelay time.Duration

	mu       sync.Mutex
	conn     *transport.Conn
	phase    phase
	download *measurer.Accumulator
	last     measurer.Sample
	flood    *flood.Flooder
	stopSent bool
}

// New creates a new client.
func New(settings Settings) *Client {
	c := &Client{
		onProgress:     settings.OnProgress,
		reconnectDelay: settings.ReconnectDelay,
	}
	if c.onProgress == nil {
		c.onProgress = func(float64, Status, float64) {}
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = DefaultReconnectDelay
	}
	c.dialer.HandshakeTimeout = defaultTimeout
	if settings.InsecureSkipTLSVerify {
		c.dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		logging.Logger.Warn("client: disabling TLS certificate verification (INSECURE!)")
	}
	if settings.InsecureNoTLS {
		c.url.Scheme = "ws"
	} else {
		c.url.Scheme = "wss"
	}
	if settings.Port != "" {
		c.url.Host = net.JoinHostPort(settings.Hostname, settings.Port)
	} else {
		c.url.Host = settings.Hostname
	}
	c.url.Path = wsproto.URLPath
	return c
}

// Run dials the server and processes incoming frames until ctx is done.
// On connection loss it cleans up any running test, reports
// StatusDisconnected, waits the reconnect delay, and dials again.
func (c *Client) Run(ctx context.Context) {
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", wsproto.SecWebSocketProtocol)
	for ctx.Err() == nil {
		ws, _, err := c.dialer.DialContext(ctx, c.url.String(), headers)
		if err != nil {
			logging.Logger.WithError(err).Warn("client: dial failed")
			c.onProgress(0, StatusDisconnected, 0)
			if !sleepCtx(ctx, c.reconnectDelay) {
				return
			}
			continue
		}
		conn := transport.NewConn(ws)
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.onProgress(0, StatusConnected, 0)

		c.readLoop(ctx, conn)

		// Transport loss: same cleanup as an explicit stop.
		c.mu.Lock()
		if c.flood != nil {
			c.flood.Cancel()
			c.flood = nil
		}
		c.phase = phaseIdle
		c.download = nil
		c.stopSent = false
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		c.onProgress(0, StatusDisconnected, 0)
		if ctx.Err() == nil && !sleepCtx(ctx, c.reconnectDelay) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) readLoop(ctx context.Context, conn *transport.Conn) {
	// Unblock the read below when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Logger.WithError(err).Debug("client: read failed")
			}
			return
		}
		if frame.Binary {
			c.handleChunk(len(frame.Data))
			continue
		}
		msg, err := wsproto.ParseServerMessage(frame.Data)
		if err != nil {
			logging.Logger.WithError(err).Warn("client: bad control frame, dropped")
			continue
		}
		c.handleServerMessage(msg)
	}
}

// handleChunk processes one payload frame of a download test. A chunk
// arriving in any other phase is a leftover in-flight frame and is ignored.
func (c *Client) handleChunk(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != phaseDownload || c.download == nil {
		logging.Logger.Debug("client: ignoring stray payload frame")
		return
	}
	sample, ok := c.download.Observe(n, time.Now())
	if !ok {
		// Either the discarded first chunk or payload after completion.
		return
	}
	c.last = sample
	c.onProgress(sample.SpeedBps(), StatusMeasuring, sample.ProgressPercent)
	if c.download.Completed() && !c.stopSent {
		// Only the server can halt its flood loop; ask it to and keep the
		// download phase until the acknowledgment arrives.
		c.stopSent = true
		c.sendActionLocked(wsproto.Action{Kind: wsproto.KindStopDownload})
	}
}

func (c *Client) handleServerMessage(msg wsproto.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Type {
	case wsproto.TypeUploadProgress:
		if c.phase != phaseUpload {
			logging.Logger.Info("client: uploadProgress outside an upload test, ignoring")
			return
		}
		sample := measurer.Sample{
			ElapsedMs:       msg.ElapsedMs,
			ReceivedBytes:   msg.ReceivedBytes,
			ProgressPercent: msg.ProgressPercent,
		}
		c.onProgress(sample.SpeedBps(), StatusMeasuring, msg.ProgressPercent)
	case wsproto.TypeUploadResult:
		if c.phase != phaseUpload {
			logging.Logger.Info("client: uploadResult outside an upload test, ignoring")
			return
		}
		if c.flood != nil {
			c.flood.Cancel()
			c.flood = nil
		}
		sample := measurer.Sample{ElapsedMs: msg.ElapsedMs, ReceivedBytes: msg.ReceivedBytes}
		c.phase = phaseIdle
		c.onProgress(sample.SpeedBps(), StatusComplete, 100)
	case wsproto.TypeDownloadComplete:
		if c.phase != phaseDownload || !c.stopSent {
			logging.Logger.Info("client: unexpected downloadComplete, ignoring")
			return
		}
		// The handshake is done: the server's flood is cancelled and
		// nothing further will be sent for this test.
		c.phase = phaseIdle
		c.download = nil
		c.stopSent = false
		c.onProgress(c.last.SpeedBps(), StatusComplete, 100)
	}
}

func (c *Client) sendActionLocked(a wsproto.Action) {
	data, err := wsproto.MarshalAction(a)
	if err != nil {
		logging.Logger.WithError(err).Warn("client: cannot marshal action")
		return
	}
	if err := c.conn.WriteControl(data); err != nil {
		logging.Logger.WithError(err).Debug("client: cannot send action")
	}
}

// ErrNotConnected is returned when no connection is currently established.
var ErrNotConnected = errors.New("client: not connected")

// ErrTestInProgress is returned when a test is already running.
var ErrTestInProgress = errors.New("client: test already in progress")

// RequestStart begins a test. For downloads payloadSize is the chunk size
// the server should flood; for uploads it is the chunk size this client
// floods. One test per connection at a time.
func (c *Client) RequestStart(d Direction, duration time.Duration, payloadSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if c.phase != phaseIdle {
		return ErrTestInProgress
	}
	switch d {
	case DirectionDownload:
		c.download = measurer.New(duration)
		c.last = measurer.Sample{}
		c.stopSent = false
		c.phase = phaseDownload
		c.sendActionLocked(wsproto.Action{
			Kind:        wsproto.KindStartDownload,
			Duration:    duration,
			PayloadSize: payloadSize,
		})
	case DirectionUpload:
		f, err := flood.New(c.conn, "upload", payloadSize, duration)
		if err != nil {
			return err
		}
		c.phase = phaseUpload
		// The start message is enqueued before the first chunk, and the
		// pump preserves that order on the wire.
		c.sendActionLocked(wsproto.Action{Kind: wsproto.KindStartUpload, Duration: duration})
		c.flood = f
		f.Start()
	}
	return nil
}

// RequestStop ends the running test early. For downloads this starts the
// stop handshake; the test stays in progress until the server acknowledges.
func (c *Client) RequestStop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	switch c.phase {
	case phaseUpload:
		if c.flood != nil {
			c.flood.Cancel()
			c.flood = nil
		}
		c.sendActionLocked(wsproto.Action{Kind: wsproto.KindStopUpload})
	case phaseDownload:
		if !c.stopSent {
			c.stopSent = true
			c.sendActionLocked(wsproto.Action{Kind: wsproto.KindStopDownload})
		}
	}
	return nil
}
