// Package metrics records pipeline counters and durations for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "krithibase"

// Recorder is what pipeline components report to.
type Recorder interface {
	TaskFinished(jobType, status string, d time.Duration)
	BatchCompleted(status string)
	PageFetched(fromCache bool)
	ExtractionItem(outcome string)
	ExtractionEntry(outcome string)
	VariantMatch(tier, status string)
	VotingRecord(consensus, confidence string)
}

// PrometheusRecorder implements Recorder on a private registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	taskDuration     *prometheus.HistogramVec
	taskStatus       *prometheus.CounterVec
	batchCompleted   *prometheus.CounterVec
	pagesFetched     *prometheus.CounterVec
	extractionItems  *prometheus.CounterVec
	extractionEntry  *prometheus.CounterVec
	variantMatches   *prometheus.CounterVec
	votingRecomputed *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder with Go runtime and process collectors registered.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of task executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job_type", "status"}),
		taskStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Task outcomes by job type and status.",
		}, []string{"job_type", "status"}),
		batchCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_completed_total",
			Help:      "Batches that reached a terminal status.",
		}, []string{"status"}),
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Source pages fetched, by cache outcome.",
		}, []string{"cache"}),
		extractionItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_items_total",
			Help:      "Extraction queue items processed, by outcome.",
		}, []string{"outcome"}),
		extractionEntry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_entries_total",
			Help:      "Extraction entries reconciled, by outcome (matched, created, error).",
		}, []string{"outcome"}),
		variantMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "variant_matches_total",
			Help:      "Variant matches recorded, by tier and status.",
		}, []string{"tier", "status"}),
		votingRecomputed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voting_records_total",
			Help:      "Structural votes computed, by consensus type and confidence.",
		}, []string{"consensus", "confidence"}),
	}

	registry.MustRegister(
		r.taskDuration,
		r.taskStatus,
		r.batchCompleted,
		r.pagesFetched,
		r.extractionItems,
		r.extractionEntry,
		r.variantMatches,
		r.votingRecomputed,
	)
	return r
}

// Registry returns the underlying registry.
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *PrometheusRecorder) TaskFinished(jobType, status string, d time.Duration) {
	r.taskStatus.WithLabelValues(jobType, status).Inc()
	r.taskDuration.WithLabelValues(jobType, status).Observe(d.Seconds())
}

func (r *PrometheusRecorder) BatchCompleted(status string) {
	r.batchCompleted.WithLabelValues(status).Inc()
}

func (r *PrometheusRecorder) PageFetched(fromCache bool) {
	label := "miss"
	if fromCache {
		label = "hit"
	}
	r.pagesFetched.WithLabelValues(label).Inc()
}

func (r *PrometheusRecorder) ExtractionItem(outcome string) {
	r.extractionItems.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRecorder) ExtractionEntry(outcome string) {
	r.extractionEntry.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRecorder) VariantMatch(tier, status string) {
	r.variantMatches.WithLabelValues(tier, status).Inc()
}

func (r *PrometheusRecorder) VotingRecord(consensus, confidence string) {
	r.votingRecomputed.WithLabelValues(consensus, confidence).Inc()
}

// Nop discards everything. Used where no recorder is configured.
type Nop struct{}

func (Nop) TaskFinished(string, string, time.Duration) {}
func (Nop) BatchCompleted(string)                      {}
func (Nop) PageFetched(bool)                           {}
func (Nop) ExtractionItem(string)                      {}
func (Nop) ExtractionEntry(string)                     {}
func (Nop) VariantMatch(string, string)                {}
func (Nop) VotingRecord(string, string)                {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}
