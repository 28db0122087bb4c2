package logging

import (
	"bytes"
	"log"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/go/httpx"
	"github.com/m-lab/go/rtx"
)

func TestMakeAccessLogHandler(t *testing.T) {
	buff := &bytes.Buffer{}
	old := log.Writer()
	log.SetOutput(buff)
	defer log.SetOutput(old)

	f := MakeAccessLogHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	srv := http.Server{
		Addr:    ":0",
		Handler: f,
	}
	rtx.Must(httpx.ListenAndServeAsync(&srv), "Could not start server")
	defer srv.Close()

	resp, err := http.Get("http://" + srv.Addr + "/missing.html")
	rtx.Must(err, "Could not get")
	resp.Body.Close()

	// The log line is written after the response, so give it a moment.
	time.Sleep(50 * time.Millisecond)
	line := buff.String()
	if !strings.Contains(line, "/missing.html") || !strings.Contains(line, "404") {
		t.Errorf("access log %q does not mention the request", line)
	}
}
