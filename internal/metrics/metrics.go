// Package metrics defines Prometheus metrics for the ssds copy engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce makes Register idempotent.
var registerOnce sync.Once

// byteBuckets are exponential buckets for object-size histograms (bytes).
var byteBuckets = []float64{
	1024, 65536, 1048576, 16777216, 67108864, 268435456, 1073741824, 4294967296, 17179869184,
}

var (
	// TransfersTotal counts transfers by method (download, intra, oneshot,
	// multipart) and outcome (ok, error).
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssds_transfers_total",
			Help: "Completed copy-engine transfers",
		},
		[]string{"method", "outcome"},
	)

	// TransferBytes observes object sizes moved through the engine by method.
	TransferBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ssds_transfer_bytes",
			Help:    "Object sizes moved through the copy engine",
			Buckets: byteBuckets,
		},
		[]string{"method"},
	)

	// ChecksumFailuresTotal counts checksum verification failures by kind
	// (missing, incorrect).
	ChecksumFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssds_checksum_failures_total",
			Help: "Checksum verification failures",
		},
		[]string{"kind"},
	)
)

// Register registers all ssds metrics with the given registerer (the default
// registerer when nil).
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		r.MustRegister(TransfersTotal, TransferBytes, ChecksumFailuresTotal)
	})
}
