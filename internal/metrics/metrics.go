// Package metrics records run metrics and writes them for the node_exporter
// textfile collector when a run ends.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Document stages counted per topic.
const (
	StageFound    = "found"
	StageKnown    = "known"
	StageNew      = "new"
	StageSelected = "selected"
	StageDeferred = "deferred"
	StageAnalyzed = "analyzed"
	StageFailed   = "failed"
)

// Recorder collects the metrics of one process in a private registry.
type Recorder struct {
	reg *prometheus.Registry

	documentsTotal        *prometheus.CounterVec
	artifactFailuresTotal *prometheus.CounterVec
	historyCompacted      prometheus.Counter
	notificationsTotal    *prometheus.CounterVec
	runDuration           prometheus.Gauge
	lastRunTimestamp      prometheus.Gauge
	lastRunSuccess        prometheus.Gauge
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		documentsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "papertracker_documents_total",
				Help: "Documents seen by a run, labeled by topic and stage.",
			},
			[]string{"topic", "stage"},
		),
		artifactFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "papertracker_artifact_failures_total",
				Help: "Documents skipped because the PDF could not be retrieved.",
			},
			[]string{"topic"},
		),
		historyCompacted: f.NewCounter(
			prometheus.CounterOpts{
				Name: "papertracker_history_compacted_total",
				Help: "Duplicate history entries removed by compaction.",
			},
		),
		notificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "papertracker_notifications_total",
				Help: "Report notifications, labeled by result (sent or skipped).",
			},
			[]string{"result"},
		),
		runDuration: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "papertracker_run_duration_seconds",
				Help: "Wall time of the last run.",
			},
		),
		lastRunTimestamp: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "papertracker_last_run_timestamp_seconds",
				Help: "Unix time the last run finished.",
			},
		),
		lastRunSuccess: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "papertracker_last_run_success",
				Help: "1 if the last run completed every step, 0 otherwise.",
			},
		),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

// ObserveDocuments adds n documents of topic at stage.
func (r *Recorder) ObserveDocuments(topic, stage string, n int) {
	if n <= 0 {
		return
	}
	r.documentsTotal.WithLabelValues(topic, stage).Add(float64(n))
}

func (r *Recorder) ObserveArtifactFailures(topic string, n int) {
	if n <= 0 {
		return
	}
	r.artifactFailuresTotal.WithLabelValues(topic).Add(float64(n))
}

func (r *Recorder) ObserveCompaction(removed int) {
	if removed > 0 {
		r.historyCompacted.Add(float64(removed))
	}
}

func (r *Recorder) ObserveNotification(sent bool) {
	result := "skipped"
	if sent {
		result = "sent"
	}
	r.notificationsTotal.WithLabelValues(result).Inc()
}

// ObserveRun records the end of a run.
func (r *Recorder) ObserveRun(started, finished time.Time, success bool) {
	r.runDuration.Set(finished.Sub(started).Seconds())
	r.lastRunTimestamp.Set(float64(finished.Unix()))
	if success {
		r.lastRunSuccess.Set(1)
	} else {
		r.lastRunSuccess.Set(0)
	}
}

// WriteTextfile writes every metric to path in the text exposition format.
// The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
