package wsproto

import (
	"errors"
	"testing"
	"time"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    Action
		wantErr error
	}{
		{
			name: "start-upload",
			data: `{"type":"startUpload","durationMs":3000}`,
			want: Action{Kind: KindStartUpload, Duration: 3 * time.Second},
		},
		{
			name: "start-download",
			data: `{"type":"startDownload","durationMs":3000,"payloadSizeBytes":4194304}`,
			want: Action{
				Kind:        KindStartDownload,
				Duration:    3 * time.Second,
				PayloadSize: 4194304,
			},
		},
		{
			name: "stop-upload",
			data: `{"type":"stopUpload"}`,
			want: Action{Kind: KindStopUpload},
		},
		{
			name: "stop-download",
			data: `{"type":"stopDownload"}`,
			want: Action{Kind: KindStopDownload},
		},
		{
			name:    "unknown-type",
			data:    `{"type":"selfDestruct"}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "not-json",
			data:    `{{{`,
			wantErr: ErrMalformed,
		},
		{
			name:    "missing-duration",
			data:    `{"type":"startUpload"}`,
			wantErr: ErrOutOfRange,
		},
		{
			name:    "zero-duration",
			data:    `{"type":"startUpload","durationMs":0}`,
			wantErr: ErrOutOfRange,
		},
		{
			name:    "negative-duration",
			data:    `{"type":"startUpload","durationMs":-1}`,
			wantErr: ErrOutOfRange,
		},
		{
			name:    "missing-payload-size",
			data:    `{"type":"startDownload","durationMs":3000}`,
			wantErr: ErrOutOfRange,
		},
		{
			name:    "payload-size-too-large",
			data:    `{"type":"startDownload","durationMs":3000,"payloadSizeBytes":1e12}`,
			wantErr: ErrOutOfRange,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAction([]byte(tt.data))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseAction() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAction() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseAction() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestActionRoundTrip(t *testing.T) {
	for _, a := range []Action{
		{Kind: KindStartUpload, Duration: 10 * time.Second},
		{Kind: KindStartDownload, Duration: 3 * time.Second, PayloadSize: 1 << 20},
		{Kind: KindStopUpload},
		{Kind: KindStopDownload},
	} {
		data, err := MarshalAction(a)
		if err != nil {
			t.Fatalf("MarshalAction(%v) failed: %v", a.Kind, err)
		}
		got, err := ParseAction(data)
		if err != nil {
			t.Fatalf("ParseAction(%s) failed: %v", data, err)
		}
		if got != a {
			t.Errorf("round trip changed %+v into %+v", a, got)
		}
	}
}

func TestMarshalActionRejectsPayloadKind(t *testing.T) {
	if _, err := MarshalAction(Action{Kind: KindPayload}); err == nil {
		t.Error("expected an error for KindPayload")
	}
}

func TestParseServerMessage(t *testing.T) {
	msg, err := ParseServerMessage(
		[]byte(`{"type":"uploadProgress","elapsedMs":1500,"receivedBytes":1048576,"progressPercent":50}`))
	if err != nil {
		t.Fatalf("ParseServerMessage() failed: %v", err)
	}
	if msg.Type != TypeUploadProgress || msg.ElapsedMs != 1500 ||
		msg.ReceivedBytes != 1048576 || msg.ProgressPercent != 50 {
		t.Errorf("unexpected message: %+v", msg)
	}
	if _, err := ParseServerMessage([]byte(`{"type":"nope"}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("unknown type should be ErrMalformed, got %v", err)
	}
}

func TestServerMessageMarshalers(t *testing.T) {
	data, err := MarshalUploadProgress(2000, 8<<20, 66.6)
	if err != nil {
		t.Fatalf("MarshalUploadProgress() failed: %v", err)
	}
	msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("ParseServerMessage() failed: %v", err)
	}
	if msg.ElapsedMs != 2000 || msg.ReceivedBytes != 8<<20 || msg.ProgressPercent != 66.6 {
		t.Errorf("unexpected progress: %+v", msg)
	}

	data, err = MarshalUploadResult(3100, 12<<20)
	if err != nil {
		t.Fatalf("MarshalUploadResult() failed: %v", err)
	}
	msg, err = ParseServerMessage(data)
	if err != nil {
		t.Fatalf("ParseServerMessage() failed: %v", err)
	}
	if msg.Type != TypeUploadResult || msg.ElapsedMs != 3100 || msg.ReceivedBytes != 12<<20 {
		t.Errorf("unexpected result: %+v", msg)
	}

	data, err = MarshalDownloadComplete()
	if err != nil {
		t.Fatalf("MarshalDownloadComplete() failed: %v", err)
	}
	msg, err = ParseServerMessage(data)
	if err != nil {
		t.Fatalf("ParseServerMessage() failed: %v", err)
	}
	if msg.Type != TypeDownloadComplete {
		t.Errorf("unexpected ack: %+v", msg)
	}
}

func TestKindStrings(t *testing.T) {
	for k := KindInvalid; k <= KindPayload; k++ {
		if k.String() == "" {
			t.Errorf("Kind(%d) should not stringify to an empty string", k)
		}
	}
}
