// Package metrics exports the scraper's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// timeBuckets suit rsync-download-sized operations: lots of multi-second
// buckets up to multi-hour, instead of the web-response defaults.
var timeBuckets = []float64{
	1, 2, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200,
}

var (
	// RsyncRuns times each listing+download phase.
	RsyncRuns = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scraper_rsync_runtime_seconds",
		Help:    "How long each rsync download took",
		Buckets: timeBuckets,
	})

	// UploadRuns times each pack+upload phase.
	UploadRuns = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scraper_gcs_upload_runtime_seconds",
		Help:    "How long each archive upload took",
		Buckets: timeBuckets,
	})

	// Sleeps observes inter-cycle sleeps; the distribution should look
	// exponential (truncated at the one-hour clamp).
	Sleeps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scraper_sleep_time_seconds",
		Help:    "How long we slept between scraper runs (should be an exp distribution)",
		Buckets: timeBuckets,
	})

	// CycleOutcomes counts cycle results by fault label, "success" included.
	CycleOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraper_success",
		Help: "Count of scraper cycle outcomes, by fault label",
	}, []string{"message"})

	// BytesUploaded totals uncompressed bytes packed into uploaded archives.
	BytesUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scraper_bytes_uploaded_total",
		Help: "Uncompressed bytes successfully archived to the object store",
	})

	// HighWaterMark exports the endpoint's last-archived mtime.
	HighWaterMark = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scraper_last_archived_mtime_seconds",
		Help: "High-water mark: mtime up to which all files are durably archived",
	})

	// BytesBuffered reports aged data awaiting upload, observed once per cycle.
	BytesBuffered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scraper_bytes_buffered",
		Help: "Bytes on local disk eligible for a future upload",
	})
)
