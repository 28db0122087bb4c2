// Package measurer implements the receiving side of a throughput test: it
// accumulates payload bytes, computes elapsed time and throughput, and
// detects completion by requested duration.
//
// The first payload chunk after a start request is never counted. Its
// arrival resets the clock and zeroes the byte counter, so the measurement
// covers steady state only and excludes control-message startup latency.
package measurer

import (
	"fmt"
	"time"
)

// SentinelBytes marks "first payload not yet seen". It is distinct from any
// valid accumulated count, including zero.
const SentinelBytes = int64(-1)

// maxDisplayMbps caps the value produced by FormatSpeed.
const maxDisplayMbps = 10000

// Sample is one measurement observation, in the units spoken on the wire.
type Sample struct {
	ElapsedMs       int64
	ReceivedBytes   int64
	ProgressPercent float64
}

// SpeedBps returns the throughput of the sample in bits per second,
// computed as bytes*8*1000/elapsedMs.
func (s Sample) SpeedBps() float64 {
	if s.ElapsedMs <= 0 {
		return 0
	}
	return float64(s.ReceivedBytes) * 8 * 1000 / float64(s.ElapsedMs)
}

// FormatSpeed renders a bits-per-second value for display. Values are
// decimal Mbps; below 10 Mbps the value is re-expressed in kbps for
// precision. The displayed value is capped.
func FormatSpeed(bps float64) string {
	mbps := bps / 1e6
	if mbps >= maxDisplayMbps {
		return fmt.Sprintf("%d+ Mbps", maxDisplayMbps)
	}
	if mbps < 10 {
		return fmt.Sprintf("%.0f kbps", bps/1e3)
	}
	return fmt.Sprintf("%.2f Mbps", mbps)
}

// Accumulator tracks one running test on the endpoint with receiver
// authority. It is not safe for concurrent use: the owner must call it from
// the goroutine that reads the connection.
type Accumulator struct {
	duration  time.Duration
	start     time.Time
	bytes     int64
	completed bool
}

// New creates an accumulator for a test of the given requested duration.
// The clock starts provisionally now; the first observed chunk resets it.
func New(duration time.Duration) *Accumulator {
	return &Accumulator{
		duration: duration,
		start:    time.Now(),
		bytes:    SentinelBytes,
	}
}

// Observe records a payload chunk of n bytes received at time now. The
// first chunk resets the clock and is not counted; no sample is emitted for
// it. Chunks observed after completion are ignored, so in-flight payload
// cannot disturb a finished measurement. The boolean reports whether the
// returned sample is valid.
func (a *Accumulator) Observe(n int, now time.Time) (Sample, bool) {
	if a.completed {
		return Sample{}, false
	}
	if a.bytes == SentinelBytes {
		a.start = now
		a.bytes = 0
		return Sample{}, false
	}
	a.bytes += int64(n)
	elapsed := now.Sub(a.start)
	percent := float64(elapsed) / float64(a.duration) * 100
	if percent > 100 {
		percent = 100
	}
	if elapsed >= a.duration {
		a.completed = true
	}
	return Sample{
		ElapsedMs:       elapsed.Milliseconds(),
		ReceivedBytes:   a.bytes,
		ProgressPercent: percent,
	}, true
}

// Completed reports whether the requested duration has elapsed.
func (a *Accumulator) Completed() bool {
	return a.completed
}

// Final returns the terminal sample for the test, for use when the test
// ends by duration or by an explicit stop. If no payload was ever counted
// the byte count is zero, not the sentinel.
func (a *Accumulator) Final(now time.Time) Sample {
	bytes := a.bytes
	if bytes == SentinelBytes {
		bytes = 0
	}
	elapsed := now.Sub(a.start)
	percent := float64(elapsed) / float64(a.duration) * 100
	if percent > 100 {
		percent = 100
	}
	return Sample{
		ElapsedMs:       elapsed.Milliseconds(),
		ReceivedBytes:   bytes,
		ProgressPercent: percent,
	}
}
