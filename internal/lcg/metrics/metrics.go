package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricPrefix = "lcg_"

var bulkItemsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "bulk_items_total",
		Help: "Number of items processed by the bulk execution engine",
	},
	[]string{"engine", "result"},
)

var bulkRunDurationHist = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    MetricPrefix + "bulk_run_duration_seconds",
		Help:    "Time taken by one run of the bulk execution engine",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	},
	[]string{"engine"},
)

var submissionsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "submissions_total",
		Help: "Number of job submissions by mode and result",
	},
	[]string{"mode", "result"},
)

var reconciliationAnomaliesCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "reconciliation_anomalies_total",
		Help: "Number of status records skipped or flagged during reconciliation",
	},
	[]string{"kind"},
)

var remoteStatusCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "remote_status_changes_total",
		Help: "Number of remote status changes observed during reconciliation",
	},
	[]string{"status"},
)

var downloadsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "output_downloads_total",
		Help: "Number of output retrieval tasks by result",
	},
	[]string{"result"},
)

var downloadQueueGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: MetricPrefix + "output_download_queue_length",
		Help: "Number of output retrieval tasks waiting for a worker",
	},
)

func RecordBulkItem(engine string, succeeded bool) {
	bulkItemsCounter.WithLabelValues(engine, result(succeeded)).Inc()
}

func RecordBulkRun(engine string, duration time.Duration) {
	bulkRunDurationHist.WithLabelValues(engine).Observe(duration.Seconds())
}

func RecordSubmission(mode string, succeeded bool) {
	submissionsCounter.WithLabelValues(mode, result(succeeded)).Inc()
}

func RecordReconciliationAnomaly(kind string) {
	reconciliationAnomaliesCounter.WithLabelValues(kind).Inc()
}

func RecordRemoteStatusChange(status string) {
	remoteStatusCounter.WithLabelValues(status).Inc()
}

func RecordDownload(succeeded bool) {
	downloadsCounter.WithLabelValues(result(succeeded)).Inc()
}

func SetDownloadQueueLength(length int) {
	downloadQueueGauge.Set(float64(length))
}

func result(succeeded bool) string {
	if succeeded {
		return "succeeded"
	}
	return "failed"
}
