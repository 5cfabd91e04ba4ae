// Package metrics provides Prometheus metrics for dataset resolution and
// the remote storage backends.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Resolution metrics
	resolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cheaptrainer_resolutions_total",
			Help: "Total dataset resolutions by cache state and result",
		},
		[]string{"cache", "result"},
	)

	resolveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cheaptrainer_resolve_duration_seconds",
			Help:    "Dataset resolution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"cache"},
	)

	pairsResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cheaptrainer_pairs_resolved_total",
			Help: "Total image/caption pairs returned to callers",
		},
	)

	// Transfer metrics
	bytesDownloaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cheaptrainer_remote_bytes_downloaded_total",
			Help: "Total bytes downloaded from remote folders",
		},
		[]string{"backend"},
	)

	mirrorBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cheaptrainer_mirror_bytes_written_total",
			Help: "Total bytes written into the local mirror",
		},
	)

	// Remote backend metrics
	remoteOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cheaptrainer_remote_operation_duration_seconds",
			Help:    "Remote storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	remoteOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cheaptrainer_remote_operations_total",
			Help: "Total remote storage operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// LoRA metrics
	loraUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cheaptrainer_lora_uploads_total",
			Help: "Total LoRA uploads",
		},
		[]string{"status"},
	)

	loraBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cheaptrainer_lora_bytes_uploaded_total",
			Help: "Total LoRA bytes uploaded",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordResolution records one Resolve call.
func RecordResolution(cache string, pairs int, duration time.Duration, success bool) {
	resolutionsTotal.WithLabelValues(cache, status(success)).Inc()
	resolveDuration.WithLabelValues(cache).Observe(duration.Seconds())
	if success {
		pairsResolved.Add(float64(pairs))
	}
}

// RecordDownload records bytes pulled from a remote backend.
func RecordDownload(backend string, bytes int64) {
	bytesDownloaded.WithLabelValues(backend).Add(float64(bytes))
}

// RecordMirrorWrite records bytes written into the mirror.
func RecordMirrorWrite(bytes int64) {
	mirrorBytesWritten.Add(float64(bytes))
}

// RecordRemoteOperation records a remote backend call.
func RecordRemoteOperation(backend, operation string, duration time.Duration, success bool) {
	remoteOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	remoteOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}

// RecordLoRAUpload records a LoRA upload.
func RecordLoRAUpload(bytes int64, success bool) {
	loraUploadsTotal.WithLabelValues(status(success)).Inc()
	if success {
		loraBytesUploaded.Add(float64(bytes))
	}
}
