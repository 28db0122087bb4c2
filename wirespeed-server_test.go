package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/m-lab/go/osx"
	"github.com/m-lab/go/prometheusx/promtest"
	"github.com/m-lab/go/rtx"
	pipe "gopkg.in/m-lab/pipe.v3"

	"github.com/wirespeed/wirespeed/client"
)

// Get a bunch of open ports, and then close them. Hopefully the ports will
// remain open for the next few microseconds so that we can use them in unit
// tests.
func getOpenPorts(n int) []string {
	ports := []string{}
	for i := 0; i < n; i++ {
		ts := httptest.NewServer(http.NewServeMux())
		defer ts.Close()
		u, err := url.Parse(ts.URL)
		rtx.Must(err, "Could not parse url to local server:", ts.URL)
		ports = append(ports, ":"+u.Port())
	}
	return ports
}

func setupMain(t *testing.T) func() {
	cleanups := []func(){}

	// Create self-signed certs in a temp directory.
	dir, err := os.MkdirTemp("", "TestWirespeedServerMain")
	rtx.Must(err, "Could not create tempdir")

	certFile := dir + "/cert.pem"
	keyFile := dir + "/key.pem"

	rtx.Must(
		pipe.Run(
			pipe.Script("Create private key and self-signed certificate",
				pipe.Exec("openssl", "genrsa", "-out", keyFile),
				pipe.Exec("openssl", "req", "-new", "-x509", "-key", keyFile, "-out",
					certFile, "-days", "2", "-subj",
					"/C=XX/ST=State/L=Locality/O=Org/OU=Unit/CN=Name/emailAddress=test@email.address"),
			),
		),
		"Failed to generate server key and certs")

	// Set up the command-line args via environment variables:
	ports := getOpenPorts(2)
	for _, ev := range []struct{ key, value string }{
		{"LISTEN_ADDR", "localhost" + ports[0]},
		{"METRICS_ADDR", "localhost" + ports[1]},
		{"CERT", certFile},
		{"KEY", keyFile},
		{"HTMLDIR", dir},
	} {
		cleanups = append(cleanups, osx.MustSetenv(ev.key, ev.value))
	}
	return func() {
		os.RemoveAll(dir)
		for _, f := range cleanups {
			f()
		}
	}
}

func Test_ContextCancelsMain(t *testing.T) {
	cleanup := setupMain(t)
	defer cleanup()

	// Set up the global context for main()
	ctx, cancel = context.WithCancel(context.Background())
	before := runtime.NumGoroutine()

	// Run main, but cancel it very soon after starting.
	go func() {
		time.Sleep(1 * time.Second)
		cancel()
	}()
	// If this doesn't run forever, then canceling the context causes main to exit.
	main()

	// A sleep has been added here to allow all completed goroutines to exit.
	time.Sleep(100 * time.Millisecond)

	// Make sure main() doesn't leak goroutines.
	after := runtime.NumGoroutine()
	if before != after {
		t.Errorf("After running NumGoroutines changed: %d to %d", before, after)
	}
}

func TestMetrics(t *testing.T) {
	promtest.LintMetrics(t)
}

func Test_MainMeasurementIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Integration tests take too long")
	}
	cleanup := setupMain(t)
	defer cleanup()

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	go main()
	time.Sleep(1 * time.Second) // Give main a little time to grab the ports and start listening.

	host, port, err := net.SplitHostPort(os.Getenv("LISTEN_ADDR"))
	rtx.Must(err, "Could not split the listen address")

	done := make(chan struct{})
	c := client.New(client.Settings{
		Hostname:              host,
		Port:                  port,
		InsecureSkipTLSVerify: true,
		OnProgress: func(speedBps float64, status client.Status, percent float64) {
			if status == client.StatusComplete {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		},
	})
	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()
	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		c.Run(clientCtx)
	}()

	// The client reconnects until the dial succeeds, so a start request may
	// race the first dial. Retry briefly.
	deadline := time.Now().Add(5 * time.Second)
	for {
		err = c.RequestStart(client.DirectionDownload, 250*time.Millisecond, 1<<13)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	rtx.Must(err, "Could not start a download against the live server")

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("The download test did not complete")
	}

	clientCancel()
	<-clientDone
}
