package backup

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type phase string

const (
	phaseArchive  phase = "archive"
	phaseChecksum phase = "checksum"
	phaseUpload   phase = "upload"
	phaseDownload phase = "download"
	phaseExtract  phase = "extract"
)

// Metrics collects the outcome of backup runs. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	jobs          *prometheus.CounterVec
	uploadedBytes prometheus.Counter
	uploadCalls   *prometheus.CounterVec
	archiveSize   *prometheus.GaugeVec
	phaseDuration *prometheus.HistogramVec
	lastSuccess   *prometheus.GaugeVec
}

// NewMetrics registers the backup metrics on a registry of their own.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirbackup_jobs_total",
				Help: "Number of backup jobs by outcome",
			},
			[]string{"status"},
		),
		uploadedBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dirbackup_uploaded_bytes_total",
				Help: "Number of archive bytes sent to the storage",
			},
		),
		uploadCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirbackup_upload_calls_total",
				Help: "Number of storage calls made by uploads, by upload mode",
			},
			[]string{"mode"},
		),
		archiveSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dirbackup_archive_size_bytes",
				Help: "Size of the last archive of a job",
			},
			[]string{"job"},
		),
		phaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dirbackup_phase_duration_seconds",
				Help:    "Time spent in the phases of a job",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
			},
			[]string{"phase"},
		),
		lastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dirbackup_last_success_timestamp_seconds",
				Help: "Unix time of the last successful backup of a job",
			},
			[]string{"job"},
		),
	}
}

// Registry ...
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteToTextfile writes the metrics in the node exporter textfile format.
func (m *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) observePhase(p phase, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(string(p)).Observe(d.Seconds())
}

func (m *Metrics) observeJob(result JobResult) {
	if m == nil {
		return
	}

	m.jobs.WithLabelValues(string(result.Status)).Inc()
	if result.ArchiveSize > 0 {
		m.archiveSize.WithLabelValues(result.Job.Name).Set(float64(result.ArchiveSize))
	}
	if result.Status != StatusSucceeded {
		return
	}

	m.lastSuccess.WithLabelValues(result.Job.Name).SetToCurrentTime()
	if result.Upload != nil {
		m.uploadedBytes.Add(float64(result.Upload.BytesSent))
		m.uploadCalls.WithLabelValues(string(result.Upload.Mode)).Add(float64(result.Upload.Calls))
	}
}
