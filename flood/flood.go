// Package flood implements the sending side of a throughput test: a loop
// that pushes payload chunks as fast as the outbound buffer allows, for
// approximately the requested duration, without unbounded buffer growth.
package flood

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wirespeed/wirespeed/logging"
	"github.com/wirespeed/wirespeed/metrics"
)

const (
	// thresholdChunks is the combined backpressure threshold, expressed as
	// a multiple of the chunk size. The loop does not send while the
	// outbound buffer holds at least this many chunks' worth of bytes.
	thresholdChunks = 2

	// retryDelay is how long the loop waits before re-checking a
	// saturated buffer.
	retryDelay = time.Millisecond

	// TerminationBuffer is the grace period past the requested duration
	// after which the flood stops on its own. The receiver's explicit stop
	// normally arrives first; this covers message-transit ambiguity.
	TerminationBuffer = 500 * time.Millisecond

	// debounceWindow limits how often sustained backpressure is logged.
	debounceWindow = time.Second
)

// Sink is the outbound half of a connection as seen by the flood engine.
// Buffered reports bytes enqueued but not yet handed to the network.
type Sink interface {
	Buffered() int64
	WritePrepared(pm *websocket.PreparedMessage, size int) error
}

// makePreparedMessage generates a prepared message that should be sent
// over the network for generating network load.
func makePreparedMessage(size int) (*websocket.PreparedMessage, error) {
	const letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	data := make([]byte, size)
	for i := range data {
		data[i] = letterBytes[rand.Intn(len(letterBytes))]
	}
	return websocket.NewPreparedMessage(websocket.BinaryMessage, data)
}

// debouncer rate-limits backpressure warnings. The first pause logs
// immediately; pauses within the window only count, and the count is
// reported on the next allowed log. Only the flood goroutine touches it.
type debouncer struct {
	last       time.Time
	suppressed int
}

func (d *debouncer) pause(direction string, buffered int64, now time.Time) {
	metrics.BackpressurePauses.WithLabelValues(direction).Inc()
	if d.last.IsZero() || now.Sub(d.last) >= debounceWindow {
		logging.Logger.Warnf(
			"flood: %s backpressure: buffered=%d (%d pauses suppressed)",
			direction, buffered, d.suppressed)
		d.last = now
		d.suppressed = 0
		return
	}
	d.suppressed++
}

// Flooder runs one flood loop. Create with New, launch with Start, stop
// with Cancel. Cancel is idempotent: explicit-stop and disconnect cleanup
// may race to call it.
type Flooder struct {
	sink      Sink
	direction string
	pm        *websocket.PreparedMessage
	chunkSize int
	duration  time.Duration
	threshold int64
	cancelled atomic.Bool
	done      chan struct{}
}

// New creates a flooder that will send chunks of chunkSize bytes for the
// requested duration plus the termination grace. The chunk buffer is built
// once and reused for every send. The direction label is used in logs and
// metrics only.
func New(sink Sink, direction string, chunkSize int, duration time.Duration) (*Flooder, error) {
	pm, err := makePreparedMessage(chunkSize)
	if err != nil {
		return nil, err
	}
	return &Flooder{
		sink:      sink,
		direction: direction,
		pm:        pm,
		chunkSize: chunkSize,
		duration:  duration,
		threshold: int64(thresholdChunks * chunkSize),
		done:      make(chan struct{}),
	}, nil
}

// Start launches the flood loop in its own goroutine.
func (f *Flooder) Start() {
	go f.loop()
}

func (f *Flooder) loop() {
	logging.Logger.Debugf("flood: %s start", f.direction)
	defer logging.Logger.Debugf("flood: %s stop", f.direction)
	defer close(f.done)
	deadline := time.Now().Add(f.duration + TerminationBuffer)
	var warn debouncer
	for {
		if f.cancelled.Load() {
			return
		}
		now := time.Now()
		if buffered := f.sink.Buffered(); buffered >= f.threshold {
			if now.After(deadline) {
				logging.Logger.Debugf("flood: %s ran for long enough", f.direction)
				return
			}
			warn.pause(f.direction, buffered, now)
			time.Sleep(retryDelay)
			continue
		}
		if err := f.sink.WritePrepared(f.pm, f.chunkSize); err != nil {
			logging.Logger.WithError(err).Debugf(
				"flood: %s send failed", f.direction)
			return
		}
		if time.Now().After(deadline) {
			logging.Logger.Debugf("flood: %s ran for long enough", f.direction)
			return
		}
	}
}

// Cancel asks the loop to stop. The next iteration is a no-op regardless of
// buffer state. Safe to call any number of times, from any goroutine.
func (f *Flooder) Cancel() {
	f.cancelled.Store(true)
}

// Done is closed when the loop has exited.
func (f *Flooder) Done() <-chan struct{} {
	return f.done
}
