// Package wsproto defines the control vocabulary spoken on a wirespeed
// measurement connection. Control messages are JSON-encoded text frames;
// payload is carried in raw binary frames with no header.
package wsproto

import (
	"errors"
	"fmt"
	"math"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// URLPath selects the measurement endpoint.
const URLPath = "/wirespeed/v1/test"

// SecWebSocketProtocol is the WebSocket subprotocol used by wirespeed.
const SecWebSocketProtocol = "wirespeed.v1"

// MaxPayloadSizeBytes is the maximum payload chunk size a client may
// request. Larger requests are rejected as out of range. This is also the
// read limit that receivers configure on the connection.
const MaxPayloadSizeBytes = 1 << 25

// Client->server message type discriminators.
const (
	TypeStartUpload   = "startUpload"
	TypeStartDownload = "startDownload"
	TypeStopUpload    = "stopUpload"
	TypeStopDownload  = "stopDownload"
)

// Server->client message type discriminators.
const (
	TypeUploadProgress   = "uploadProgress"
	TypeUploadResult     = "uploadResult"
	TypeDownloadComplete = "downloadComplete"
)

// Kind identifies the kind of an incoming event on a connection. Control
// kinds correspond to wire type discriminators; KindPayload is synthesized
// by the reader when a binary frame arrives.
type Kind int

const (
	// KindInvalid is the zero Kind and never appears in a parsed Action.
	KindInvalid = Kind(iota)
	// KindStartUpload requests an upload test.
	KindStartUpload
	// KindStartDownload requests a download test.
	KindStartDownload
	// KindStopUpload ends an upload test early.
	KindStopUpload
	// KindStopDownload asks the sender to halt its download flood.
	KindStopDownload
	// KindPayload is a raw binary frame.
	KindPayload
)

// String returns a human readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindStartUpload:
		return TypeStartUpload
	case KindStartDownload:
		return TypeStartDownload
	case KindStopUpload:
		return TypeStopUpload
	case KindStopDownload:
		return TypeStopDownload
	case KindPayload:
		return "payload"
	default:
		return "invalid"
	}
}

// ErrMalformed is returned when a control frame is not valid JSON or does
// not carry a known type discriminator.
var ErrMalformed = errors.New("wsproto: malformed control message")

// ErrOutOfRange is returned when a numeric field of a control message is
// missing, not finite, or not positive.
var ErrOutOfRange = errors.New("wsproto: field out of range")

// Action is a validated control message received from the peer that drives
// a test. Duration is set for the start kinds; PayloadSize only for
// KindStartDownload.
type Action struct {
	Kind        Kind
	Duration    time.Duration
	PayloadSize int
}

// rawAction is the wire shape of a client control message. Numeric fields
// are pointers so that absent and zero can be told apart.
type rawAction struct {
	Type             string   `json:"type"`
	DurationMs       *float64 `json:"durationMs,omitempty"`
	PayloadSizeBytes *float64 `json:"payloadSizeBytes,omitempty"`
}

func positiveFinite(v *float64, field string) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("%w: missing %s", ErrOutOfRange, field)
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) || *v <= 0 {
		return 0, fmt.Errorf("%w: %s=%v", ErrOutOfRange, field, *v)
	}
	return *v, nil
}

// ParseAction parses and validates a control frame received from a client.
// The message is rejected, not the connection: callers log the returned
// error, drop the frame and keep reading.
func ParseAction(data []byte) (Action, error) {
	var raw rawAction
	if err := json.Unmarshal(data, &raw); err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch raw.Type {
	case TypeStartUpload:
		d, err := positiveFinite(raw.DurationMs, "durationMs")
		if err != nil {
			return Action{}, err
		}
		return Action{
			Kind:     KindStartUpload,
			Duration: time.Duration(d) * time.Millisecond,
		}, nil
	case TypeStartDownload:
		d, err := positiveFinite(raw.DurationMs, "durationMs")
		if err != nil {
			return Action{}, err
		}
		size, err := positiveFinite(raw.PayloadSizeBytes, "payloadSizeBytes")
		if err != nil {
			return Action{}, err
		}
		if size > MaxPayloadSizeBytes {
			return Action{}, fmt.Errorf(
				"%w: payloadSizeBytes=%v above %d", ErrOutOfRange, size,
				MaxPayloadSizeBytes)
		}
		return Action{
			Kind:        KindStartDownload,
			Duration:    time.Duration(d) * time.Millisecond,
			PayloadSize: int(size),
		}, nil
	case TypeStopUpload:
		return Action{Kind: KindStopUpload}, nil
	case TypeStopDownload:
		return Action{Kind: KindStopDownload}, nil
	default:
		return Action{}, fmt.Errorf(
			"%w: unknown type %q", ErrMalformed, raw.Type)
	}
}

// MarshalAction encodes a client control message. It is the inverse of
// ParseAction and is used by the client side of the protocol.
func MarshalAction(a Action) ([]byte, error) {
	raw := rawAction{Type: a.Kind.String()}
	switch a.Kind {
	case KindStartUpload:
		ms := float64(a.Duration / time.Millisecond)
		raw.DurationMs = &ms
	case KindStartDownload:
		ms := float64(a.Duration / time.Millisecond)
		size := float64(a.PayloadSize)
		raw.DurationMs = &ms
		raw.PayloadSizeBytes = &size
	case KindStopUpload, KindStopDownload:
	default:
		return nil, fmt.Errorf("wsproto: cannot marshal kind %v", a.Kind)
	}
	return json.Marshal(raw)
}

// ServerMessage is a control message sent by the endpoint that holds
// receiver authority for the running test.
type ServerMessage struct {
	Type            string  `json:"type"`
	ElapsedMs       int64   `json:"elapsedMs,omitempty"`
	ReceivedBytes   int64   `json:"receivedBytes,omitempty"`
	ProgressPercent float64 `json:"progressPercent,omitempty"`
}

type progressMsg struct {
	Type            string  `json:"type"`
	ElapsedMs       int64   `json:"elapsedMs"`
	ReceivedBytes   int64   `json:"receivedBytes"`
	ProgressPercent float64 `json:"progressPercent"`
}

type resultMsg struct {
	Type          string `json:"type"`
	ElapsedMs     int64  `json:"elapsedMs"`
	ReceivedBytes int64  `json:"receivedBytes"`
}

type ackMsg struct {
	Type string `json:"type"`
}

// MarshalUploadProgress encodes an uploadProgress message.
func MarshalUploadProgress(elapsedMs, receivedBytes int64, percent float64) ([]byte, error) {
	return json.Marshal(progressMsg{
		Type:            TypeUploadProgress,
		ElapsedMs:       elapsedMs,
		ReceivedBytes:   receivedBytes,
		ProgressPercent: percent,
	})
}

// MarshalUploadResult encodes the terminal uploadResult message.
func MarshalUploadResult(elapsedMs, receivedBytes int64) ([]byte, error) {
	return json.Marshal(resultMsg{
		Type:          TypeUploadResult,
		ElapsedMs:     elapsedMs,
		ReceivedBytes: receivedBytes,
	})
}

// MarshalDownloadComplete encodes the content-free acknowledgment that
// completes the download-side stop handshake.
func MarshalDownloadComplete() ([]byte, error) {
	return json.Marshal(ackMsg{Type: TypeDownloadComplete})
}

// ParseServerMessage parses a control frame received from the server.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch msg.Type {
	case TypeUploadProgress, TypeUploadResult, TypeDownloadComplete:
		return msg, nil
	default:
		return ServerMessage{}, fmt.Errorf(
			"%w: unknown type %q", ErrMalformed, msg.Type)
	}
}
