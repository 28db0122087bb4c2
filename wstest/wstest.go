// Package wstest creates a local wirespeed server for use in unit tests.
package wstest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/m-lab/go/testingx"

	"github.com/wirespeed/wirespeed/handler"
	"github.com/wirespeed/wirespeed/wsproto"
)

// NewServer creates a local httptest server capable of running a wirespeed
// measurement in unittests. The returned URL points at the measurement
// endpoint with a ws:// scheme.
func NewServer(t *testing.T) (*handler.Handler, *httptest.Server, *url.URL) {
	h := handler.New()
	mux := http.NewServeMux()
	mux.Handle(wsproto.URLPath, h)
	ts := httptest.NewServer(mux)

	u, err := url.Parse(ts.URL)
	testingx.Must(t, err, "failed to parse test server URL")
	u.Scheme = "ws"
	u.Path = wsproto.URLPath
	return h, ts, u
}

// Dial connects to the harness server with the wirespeed subprotocol and
// returns the raw websocket connection.
func Dial(t *testing.T, u *url.URL) *WSConn {
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", wsproto.SecWebSocketProtocol)
	dialer := newDialer()
	conn, _, err := dialer.Dial(u.String(), headers)
	testingx.Must(t, err, "failed to dial the harness server")
	return &WSConn{Conn: conn}
}
