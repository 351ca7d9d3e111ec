// Package metrics exposes pipeline counters and timings to Prometheus,
// either over HTTP while a command runs or as a node-exporter textfile.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rotisserie/eris"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Stage runs by stage and outcome
	StageRuns *prometheus.CounterVec

	// Wall time per stage run
	StageDuration *prometheus.HistogramVec

	// Rows written per stage
	RowsWritten *prometheus.CounterVec

	// Chunk commit latency per stage
	ChunkCommit *prometheus.HistogramVec

	// Proprietor slots resolved, by tier
	MatchSlots *prometheus.CounterVec

	// Episodes written, by ownership status
	Episodes *prometheus.CounterVec

	// Result of the last invariant check, by check name
	InvariantViolations *prometheus.GaugeVec
}

// New creates a Metrics instance with its own registry, so independent
// instances never collide on registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		StageRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "estates_etl_stage_runs_total",
			Help: "Stage runs by stage and outcome",
		}, []string{"stage", "status"}),

		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "estates_etl_stage_duration_seconds",
			Help:    "Duration of a stage run",
			Buckets: prometheus.ExponentialBuckets(1, 4, 9), // 1s .. ~18h
		}, []string{"stage"}),

		RowsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "estates_etl_rows_written_total",
			Help: "Rows written to the store by stage",
		}, []string{"stage"}),

		ChunkCommit: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "estates_etl_chunk_commit_duration_seconds",
			Help:    "Duration of one chunk transaction including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),

		MatchSlots: f.NewCounterVec(prometheus.CounterOpts{
			Name: "estates_etl_match_slots_total",
			Help: "Proprietor slots resolved by match tier",
		}, []string{"tier"}),

		Episodes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "estates_etl_ownership_episodes_total",
			Help: "Ownership episodes written by status",
		}, []string{"status"}),

		InvariantViolations: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "estates_etl_invariant_violations",
			Help: "Violations found by the most recent validation pass",
		}, []string{"check"}),
	}
}

// ObserveStage records a finished stage run.
func (m *Metrics) ObserveStage(stage, status string, d time.Duration) {
	if m != nil {
		m.StageRuns.WithLabelValues(stage, status).Inc()
		m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// ObserveCommit records one committed chunk.
func (m *Metrics) ObserveCommit(stage string, rows int64, d time.Duration) {
	if m != nil {
		m.RowsWritten.WithLabelValues(stage).Add(float64(rows))
		m.ChunkCommit.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// AddRows records rows written outside the chunk runner (the importers).
func (m *Metrics) AddRows(stage string, rows int64) {
	if m != nil {
		m.RowsWritten.WithLabelValues(stage).Add(float64(rows))
	}
}

// AddMatchSlots records n slots resolved at tier.
func (m *Metrics) AddMatchSlots(tier string, n int64) {
	if m != nil && n > 0 {
		m.MatchSlots.WithLabelValues(tier).Add(float64(n))
	}
}

// AddEpisodes records n episodes written with status.
func (m *Metrics) AddEpisodes(status string, n int64) {
	if m != nil && n > 0 {
		m.Episodes.WithLabelValues(status).Add(float64(n))
	}
}

// SetViolations records the result of an invariant check.
func (m *Metrics) SetViolations(check string, n int64) {
	if m != nil {
		m.InvariantViolations.WithLabelValues(check).Set(float64(n))
	}
}

// WriteTextfile writes the current values in the Prometheus text format,
// for node_exporter's textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return eris.Wrapf(err, "metrics: write textfile %s", path)
	}
	return nil
}
