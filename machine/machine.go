// Package machine implements the server-side, per-connection test state
// machine. Every transition is driven by a validated action dispatched
// through a table keyed by (phase, action kind); combinations absent from
// the table are logged no-ops, so a misbehaving client can never corrupt
// connection state.
package machine

import (
	"time"

	"github.com/apex/log"

	"github.com/wirespeed/wirespeed/flood"
	"github.com/wirespeed/wirespeed/logging"
	"github.com/wirespeed/wirespeed/measurer"
	"github.com/wirespeed/wirespeed/metrics"
	"github.com/wirespeed/wirespeed/wsproto"
)

// Conn is the slice of the transport the machine needs: ordered control
// writes plus the flood engine's backpressure-aware payload path.
// *transport.Conn implements it.
type Conn interface {
	WriteControl(data []byte) error
	flood.Sink
}

// Phase is the test phase of a connection.
type Phase int

const (
	// PhaseIdle means no test is running.
	PhaseIdle = Phase(iota)
	// PhaseUpload means the server is receiving and measuring payload.
	PhaseUpload
	// PhaseDownload means the server's flood engine is sending payload.
	PhaseDownload
)

// String returns a human readable name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseUpload:
		return "upload"
	case PhaseDownload:
		return "download"
	default:
		return "unknown"
	}
}

type dispatchKey struct {
	phase Phase
	kind  wsproto.Kind
}

type handlerFunc func(m *Machine, a wsproto.Action, payload []byte)

// dispatchTable maps (phase, kind) to its handler. Built once at process
// start and verified for completeness; a missing required transition is a
// programming error, not a runtime condition.
var dispatchTable = mustDispatchTable()

func mustDispatchTable() map[dispatchKey]handlerFunc {
	table := map[dispatchKey]handlerFunc{
		{PhaseIdle, wsproto.KindStartUpload}:      (*Machine).startUpload,
		{PhaseIdle, wsproto.KindStartDownload}:    (*Machine).startDownload,
		{PhaseUpload, wsproto.KindPayload}:        (*Machine).uploadPayload,
		{PhaseUpload, wsproto.KindStopUpload}:     (*Machine).stopUpload,
		{PhaseDownload, wsproto.KindStopDownload}: (*Machine).stopDownload,
	}
	required := []dispatchKey{
		{PhaseIdle, wsproto.KindStartUpload},
		{PhaseIdle, wsproto.KindStartDownload},
		{PhaseUpload, wsproto.KindPayload},
		{PhaseUpload, wsproto.KindStopUpload},
		{PhaseDownload, wsproto.KindStopDownload},
	}
	for _, k := range required {
		if table[k] == nil {
			panic("machine: dispatch table is missing " + k.phase.String() +
				"/" + k.kind.String())
		}
	}
	return table
}

// Machine holds the test state of one server connection. It must only be
// called from the goroutine that reads the connection; the flood goroutine
// shares nothing with it except the idempotent cancellation flag.
type Machine struct {
	conn   Conn
	log    *log.Entry
	phase  Phase
	upload *measurer.Accumulator
	flood  *flood.Flooder
}

// New creates the state machine for one accepted connection. The id is
// used for logging only.
func New(id string, conn Conn) *Machine {
	return &Machine{
		conn: conn,
		log:  logging.Logger.WithField("conn", id),
	}
}

// Phase returns the current test phase.
func (m *Machine) Phase() Phase {
	return m.phase
}

// Dispatch routes one incoming event. Events with no registered handler for
// the current phase leave the state unchanged.
func (m *Machine) Dispatch(a wsproto.Action, payload []byte) {
	h, ok := dispatchTable[dispatchKey{m.phase, a.Kind}]
	if !ok {
		if a.Kind == wsproto.KindPayload {
			// Stray binary frames happen when upload payload is still in
			// flight after a test ended. Not worth more than a debug line.
			m.log.Debugf("machine: ignoring payload frame in phase %v", m.phase)
		} else {
			m.log.Infof("machine: no handler for %v in phase %v, ignoring",
				a.Kind, m.phase)
		}
		return
	}
	h(m, a, payload)
}

// Shutdown runs the disconnect cleanup path: any running flood loop is
// cancelled and the state returns to idle. Safe to call after Dispatch
// reported a transport error and also after a normal test end.
func (m *Machine) Shutdown() {
	if m.flood != nil {
		m.flood.Cancel()
	}
	if m.phase != PhaseIdle {
		metrics.TestCount.WithLabelValues(m.phase.String(), "aborted").Inc()
		m.log.Infof("machine: connection lost during %v, state reset", m.phase)
	}
	m.phase = PhaseIdle
	m.upload = nil
	m.flood = nil
}

func (m *Machine) startUpload(a wsproto.Action, payload []byte) {
	m.log.Debugf("machine: starting upload test, duration %v", a.Duration)
	m.upload = measurer.New(a.Duration)
	m.phase = PhaseUpload
}

func (m *Machine) startDownload(a wsproto.Action, payload []byte) {
	m.log.Debugf("machine: starting download flood, duration %v, chunk %d",
		a.Duration, a.PayloadSize)
	f, err := flood.New(m.conn, "download", a.PayloadSize, a.Duration)
	if err != nil {
		m.log.WithError(err).Error("machine: cannot build flood chunk")
		metrics.ErrorCount.WithLabelValues("download", "flood-init").Inc()
		return
	}
	m.flood = f
	m.phase = PhaseDownload
	f.Start()
}

func (m *Machine) uploadPayload(a wsproto.Action, payload []byte) {
	sample, ok := m.upload.Observe(len(payload), time.Now())
	if !ok {
		// First chunk: clock reset, nothing to report yet.
		return
	}
	if m.upload.Completed() {
		m.finishUpload(sample, "completed")
		return
	}
	data, err := wsproto.MarshalUploadProgress(
		sample.ElapsedMs, sample.ReceivedBytes, sample.ProgressPercent)
	if err != nil {
		m.log.WithError(err).Warn("machine: cannot marshal progress")
		return
	}
	if err := m.conn.WriteControl(data); err != nil {
		m.log.WithError(err).Debug("machine: cannot send progress")
	}
}

func (m *Machine) stopUpload(a wsproto.Action, payload []byte) {
	m.finishUpload(m.upload.Final(time.Now()), "stopped")
}

func (m *Machine) finishUpload(sample measurer.Sample, result string) {
	data, err := wsproto.MarshalUploadResult(sample.ElapsedMs, sample.ReceivedBytes)
	if err != nil {
		m.log.WithError(err).Warn("machine: cannot marshal result")
	} else if err := m.conn.WriteControl(data); err != nil {
		m.log.WithError(err).Debug("machine: cannot send result")
	}
	metrics.TestCount.WithLabelValues("upload", result).Inc()
	metrics.TestRate.WithLabelValues("upload").Observe(sample.SpeedBps() / 1e6)
	m.log.Infof("machine: upload %s: %d bytes in %d ms (%s)",
		result, sample.ReceivedBytes, sample.ElapsedMs,
		measurer.FormatSpeed(sample.SpeedBps()))
	m.upload = nil
	m.phase = PhaseIdle
}

func (m *Machine) stopDownload(a wsproto.Action, payload []byte) {
	m.flood.Cancel()
	data, err := wsproto.MarshalDownloadComplete()
	if err != nil {
		m.log.WithError(err).Warn("machine: cannot marshal ack")
	} else if err := m.conn.WriteControl(data); err != nil {
		m.log.WithError(err).Debug("machine: cannot send ack")
	}
	metrics.TestCount.WithLabelValues("download", "completed").Inc()
	m.log.Info("machine: download flood cancelled, ack sent")
	m.flood = nil
	m.phase = PhaseIdle
}
