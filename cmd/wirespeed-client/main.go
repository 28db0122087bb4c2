// wirespeed-client runs a download test followed by an upload test against
// a wirespeed server and prints progress to stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/apex/log"

	"github.com/wirespeed/wirespeed/client"
	"github.com/wirespeed/wirespeed/measurer"
)

var (
	hostname      = flag.String("hostname", "localhost", "Host to connect to")
	port          = flag.String("port", "8080", "Port to connect to")
	noTLS         = flag.Bool("no-tls", false, "Connect without TLS")
	skipTLSVerify = flag.Bool("skip-tls-verify", false, "Skip TLS verify")
	duration      = flag.Duration("duration", 10*time.Second, "Duration of each test")
	chunkSize     = flag.Int("chunk-size", 1<<20, "Payload chunk size in bytes")
)

func main() {
	flag.Parse()

	complete := make(chan struct{}, 1)
	c := client.New(client.Settings{
		Hostname:              *hostname,
		Port:                  *port,
		InsecureNoTLS:         *noTLS,
		InsecureSkipTLSVerify: *skipTLSVerify,
		OnProgress: func(speedBps float64, status client.Status, percent float64) {
			switch status {
			case client.StatusMeasuring:
				fmt.Printf("\r%3.0f%% %s   ", percent, measurer.FormatSpeed(speedBps))
			case client.StatusComplete:
				fmt.Printf("\r100%% %s\n", measurer.FormatSpeed(speedBps))
				select {
				case complete <- struct{}{}:
				default:
				}
			case client.StatusDisconnected:
				log.Warn("connection lost")
				os.Exit(1)
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	for _, d := range []client.Direction{client.DirectionDownload, client.DirectionUpload} {
		fmt.Printf("%s:\n", d)
		if err := run(c, d); err != nil {
			log.WithError(err).Warnf("%s test failed", d)
			os.Exit(1)
		}
		<-complete
	}
}

// run starts a test, retrying while the initial dial is still in flight.
func run(c *client.Client, d client.Direction) error {
	var err error
	for i := 0; i < 50; i++ {
		err = c.RequestStart(d, *duration, *chunkSize)
		if err != client.ErrNotConnected {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return err
}
