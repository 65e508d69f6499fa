// ============================================================================
// gridsweep Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: collect and expose run metrics for Prometheus scraping
//
// Metric families:
//
//   1. Counters:
//      - gridsweep_steps_solved_total: solves accepted by the classifier
//      - gridsweep_steps_failed_total{reason}: zero-filled solves by reason
//      - gridsweep_prepare_failures_total: failed solver preparations
//      - gridsweep_backup_errors_total: backup open/append/delete failures
//      - gridsweep_retry_rounds_total: retry passes executed
//
//   2. Histogram:
//      - gridsweep_step_latency_seconds: wall time of one Solve call
//
//   3. Gauges:
//      - gridsweep_worker_progress_ratio{worker}: completed/assigned per worker
//      - gridsweep_run_duration_seconds: wall time of the last run
//
// Example queries:
//
//   # failure ratio over the last 5 minutes
//   sum(rate(gridsweep_steps_failed_total[5m])) / rate(gridsweep_steps_solved_total[5m])
//
//   # 95th percentile solve time
//   histogram_quantile(0.95, gridsweep_step_latency_seconds_bucket)
//
// HTTP endpoint:
//   /metrics, default port 9090
//
// A nil *Collector is valid and records nothing, so components can be built
// without instrumentation.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus metrics of the engine.
type Collector struct {
	// step metrics
	stepsSolved     prometheus.Counter
	stepsFailed     *prometheus.CounterVec
	prepareFailures prometheus.Counter
	stepLatency     prometheus.Histogram

	// run metrics
	workerProgress *prometheus.GaugeVec
	backupErrors   prometheus.Counter
	retryRounds    prometheus.Counter
	runDuration    prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// registers with prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		stepsSolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsweep_steps_solved_total",
			Help: "Total number of solves accepted by the failure classifier",
		}),
		stepsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridsweep_steps_failed_total",
			Help: "Total number of solves zero-filled after a failure",
		}, []string{"reason"}),
		prepareFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsweep_prepare_failures_total",
			Help: "Total number of failed solver preparations",
		}),
		stepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gridsweep_step_latency_seconds",
			Help:    "Wall time of one solver step in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		workerProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridsweep_worker_progress_ratio",
			Help: "Fraction of the assigned solves completed by each worker",
		}, []string{"worker"}),
		backupErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsweep_backup_errors_total",
			Help: "Total number of backup log open, append or delete failures",
		}),
		retryRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsweep_retry_rounds_total",
			Help: "Total number of retry passes executed",
		}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridsweep_run_duration_seconds",
			Help: "Wall time of the most recent scheduler run in seconds",
		}),
	}

	reg.MustRegister(
		c.stepsSolved,
		c.stepsFailed,
		c.prepareFailures,
		c.stepLatency,
		c.workerProgress,
		c.backupErrors,
		c.retryRounds,
		c.runDuration,
	)
	return c
}

// RecordSolved records an accepted solve and its latency.
func (c *Collector) RecordSolved(latency time.Duration) {
	if c == nil {
		return
	}
	c.stepsSolved.Inc()
	c.stepLatency.Observe(latency.Seconds())
}

// RecordFailed records a zero-filled solve.
func (c *Collector) RecordFailed(reason string, latency time.Duration) {
	if c == nil {
		return
	}
	c.stepsFailed.WithLabelValues(reason).Inc()
	if latency > 0 {
		c.stepLatency.Observe(latency.Seconds())
	}
}

// RecordPrepareFailure records a failed Prepare call.
func (c *Collector) RecordPrepareFailure() {
	if c == nil {
		return
	}
	c.prepareFailures.Inc()
}

// RecordBackupError records a backup log failure.
func (c *Collector) RecordBackupError() {
	if c == nil {
		return
	}
	c.backupErrors.Inc()
}

// RecordRetryRound records one retry pass.
func (c *Collector) RecordRetryRound() {
	if c == nil {
		return
	}
	c.retryRounds.Inc()
}

// SetWorkerProgress sets the completion ratio of a worker.
func (c *Collector) SetWorkerProgress(worker int, ratio float64) {
	if c == nil {
		return
	}
	c.workerProgress.WithLabelValues(strconv.Itoa(worker)).Set(ratio)
}

// SetRunDuration records the wall time of a run.
func (c *Collector) SetRunDuration(d time.Duration) {
	if c == nil {
		return
	}
	c.runDuration.Set(d.Seconds())
}

// Handler returns the /metrics handler for g. A nil g uses the default
// gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on port until ctx is cancelled.
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
