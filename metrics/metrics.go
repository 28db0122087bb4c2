package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for general use across the wirespeed server.
var (
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wirespeed_active_connections",
			Help: "A gauge of measurement connections currently open.",
		})
	ClientConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirespeed_client_connections_total",
			Help: "Count of clients that connect to the measurement endpoint.",
		},
		[]string{"status"})
	TestRate = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "wirespeed_test_rate_mbps",
			Help: "A histogram of measured test rates.",
			Buckets: []float64{
				.1, .15, .25, .4, .6,
				1, 1.5, 2.5, 4, 6,
				10, 15, 25, 40, 60,
				100, 150, 250, 400, 600,
				1000},
		},
		[]string{"direction"},
	)
	TestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirespeed_tests_total",
			Help: "Number of tests run by this server, by direction and result.",
		},
		[]string{"direction", "result"},
	)
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirespeed_test_errors_total",
			Help: "Number of per-connection errors of each type.",
		},
		[]string{"direction", "error"},
	)
	BackpressurePauses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirespeed_backpressure_pauses_total",
			Help: "Number of flood sends skipped because the outbound buffer was full.",
		},
		[]string{"direction"},
	)
)
