// Package handler implements the WebSocket handler for the wirespeed
// measurement endpoint. It owns the arena of live connections: one state
// machine per accepted socket, created on upgrade and destroyed on
// disconnect.
package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/m-lab/go/memoryless"

	"github.com/wirespeed/wirespeed/logging"
	"github.com/wirespeed/wirespeed/machine"
	"github.com/wirespeed/wirespeed/metrics"
	"github.com/wirespeed/wirespeed/redis"
	"github.com/wirespeed/wirespeed/transport"
	"github.com/wirespeed/wirespeed/wsproto"
)

// Handler accepts measurement connections.
type Handler struct {
	// Redis, when non-nil, enables the external abort flag: a connection
	// whose flag is set may not start new tests.
	Redis *redis.Client

	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    map[string]*machine.Machine
}

// New creates a handler with the standard upgrader configuration.
func New() *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:    81920,
			WriteBufferSize:   81920,
			Subprotocols:      []string{wsproto.SecWebSocketProtocol},
			EnableCompression: false,
			CheckOrigin: func(r *http.Request) bool {
				// The measurement endpoint is meant to be reachable from
				// pages served elsewhere.
				return true
			},
		},
		conns: make(map[string]*machine.Machine),
	}
}

// warnAndClose emits message as a warning and then sends a Bad Request
// response to the client using writer.
func warnAndClose(writer http.ResponseWriter, message string) {
	logging.Logger.Warn(message)
	writer.Header().Set("Connection", "Close")
	writer.WriteHeader(http.StatusBadRequest)
}

func (h *Handler) register(id string, m *machine.Machine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[id] = m
}

func (h *Handler) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
}

// ConnCount returns the number of live connections.
func (h *Handler) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// abortRequested checks the external kill switch. Redis being down fails
// open: the measurement service must not depend on it.
func (h *Handler) abortRequested(ctx context.Context, id string) bool {
	if h.Redis == nil {
		return false
	}
	checkCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	abort, err := h.Redis.AbortRequested(checkCtx, id)
	if err != nil {
		logging.Logger.WithError(err).Warn("handler: abort flag check failed")
		return false
	}
	return abort
}

// ServeHTTP upgrades the request and runs the connection's read loop until
// the peer goes away. Frames are processed strictly in arrival order; all
// state mutation happens here, on this goroutine.
func (h *Handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Header.Get("Sec-WebSocket-Protocol") != wsproto.SecWebSocketProtocol {
		metrics.ClientConnections.WithLabelValues("missing-protocol").Inc()
		warnAndClose(writer, "handler: missing Sec-WebSocket-Protocol in request")
		return
	}
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", wsproto.SecWebSocketProtocol)
	ws, err := h.upgrader.Upgrade(writer, request, headers)
	if err != nil {
		metrics.ClientConnections.WithLabelValues("upgrade-failed").Inc()
		warnAndClose(writer, "handler: cannot UPGRADE to WebSocket")
		return
	}

	id := uuid.NewString()
	conn := transport.NewConn(ws)
	m := machine.New(id, conn)
	h.register(id, m)
	metrics.ClientConnections.WithLabelValues("ok").Inc()
	metrics.ActiveConnections.Inc()
	logging.Logger.Debugf("handler: connection %s open from %s", id, conn.RemoteAddr())

	defer func() {
		// Disconnect runs the same cleanup as an explicit stop: the state
		// machine cancels any flood loop it owns.
		m.Shutdown()
		conn.Close()
		h.unregister(id)
		metrics.ActiveConnections.Dec()
		logging.Logger.Debugf("handler: connection %s closed", id)
	}()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Logger.WithError(err).Debugf("handler: connection %s read failed", id)
			}
			return
		}
		if frame.Binary {
			m.Dispatch(wsproto.Action{Kind: wsproto.KindPayload}, frame.Data)
			continue
		}
		a, err := wsproto.ParseAction(frame.Data)
		if err != nil {
			// Protocol error: drop the message, keep the connection.
			metrics.ErrorCount.WithLabelValues("control", "bad-message").Inc()
			logging.Logger.WithError(err).Warnf(
				"handler: connection %s sent a bad control frame", id)
			continue
		}
		if a.Kind == wsproto.KindStartUpload || a.Kind == wsproto.KindStartDownload {
			if h.abortRequested(request.Context(), id) {
				logging.Logger.Warnf(
					"handler: connection %s is flagged, refusing to start a test", id)
				metrics.ErrorCount.WithLabelValues("control", "abort-flagged").Inc()
				continue
			}
		}
		m.Dispatch(a, nil)
	}
}

// LogConnCounts periodically logs the number of live connections until the
// context is done. Sampling intervals are drawn from a memoryless
// distribution so that log scrapers cannot alias with test traffic.
func (h *Handler) LogConnCounts(ctx context.Context) {
	ticker, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      10 * time.Second,
		Expected: 30 * time.Second,
		Max:      2 * time.Minute,
	})
	if err != nil {
		logging.Logger.WithError(err).Warn("memoryless.NewTicker failed")
		return
	}
	defer ticker.Stop()
	for range ticker.C {
		logging.Logger.Infof("handler: %d connections active", h.ConnCount())
	}
}
