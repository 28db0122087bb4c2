package main

import (
	"context"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/httpx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/go/warnonerror"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wirespeed/wirespeed/access"
	"github.com/wirespeed/wirespeed/handler"
	"github.com/wirespeed/wirespeed/logging"
	"github.com/wirespeed/wirespeed/redis"
	"github.com/wirespeed/wirespeed/wsproto"
)

var (
	listenAddr  = flag.String("listen_addr", ":8080", "Address on which the measurement endpoint listens")
	metricsAddr = flag.String("metrics_addr", ":9090", "Address for Prometheus metrics and pprof")
	certFile    = flag.String("cert", "", "File with the server certificate in PEM format (enables TLS)")
	keyFile     = flag.String("key", "", "File with the server key in PEM format (enables TLS)")
	htmlDir     = flag.String("htmldir", "html", "Directory with static assets served at /")
	redisAddr   = flag.String("redis_addr", "", "Address of the redis instance holding abort flags (optional)")
	maxConns    = flag.Int64("max_connections", 0, "Maximum simultaneous measurement connections (0 = unlimited)")

	// Context for the whole program.
	ctx, cancel = context.WithCancel(context.Background())
)

// catchSigterm cancels the global context when the process is asked to
// shut down, which causes main to clean up and exit.
func catchSigterm() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case <-c:
		cancel()
	case <-ctx.Done():
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment")
	defer cancel()
	go catchSigterm()

	h := handler.New()
	if *redisAddr != "" {
		rc := redis.NewClient(*redisAddr)
		defer warnonerror.Close(rc, "Could not close the redis client")
		h.Redis = rc
	}
	go h.LogConnCounts(ctx)

	controller := &access.MaxController{Max: *maxConns}

	mux := http.NewServeMux()
	mux.Handle(wsproto.URLPath, controller.Limit(h))
	mux.Handle("/", logging.MakeAccessLogHandler(http.FileServer(http.Dir(*htmlDir))))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/debug/pprof/", pprof.Index)
	metricsMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	metricsMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	metricsMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	metricsMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	metricsServer := &http.Server{
		Addr:    *metricsAddr,
		Handler: metricsMux,
	}
	rtx.Must(httpx.ListenAndServeAsync(metricsServer), "Could not start the metrics server")
	defer metricsServer.Close()

	server := &http.Server{
		Addr:    *listenAddr,
		Handler: mux,
	}
	defer server.Close()
	if *certFile != "" && *keyFile != "" {
		logging.Logger.Infof("Serving wss measurements on %s", *listenAddr)
		rtx.Must(httpx.ListenAndServeTLSAsync(server, *certFile, *keyFile),
			"Could not start the measurement server")
	} else {
		logging.Logger.Infof("Serving ws measurements on %s", *listenAddr)
		rtx.Must(httpx.ListenAndServeAsync(server), "Could not start the measurement server")
	}

	<-ctx.Done()
}
