// Package metrics exposes pipeline counters and timings to Prometheus.
//
// All Collector methods are safe on a nil receiver so callers can run
// without metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const DefaultNamespace = "simwatch"

// Stage status label values.
const (
	StageSucceeded = "succeeded"
	StageFailed    = "failed"
	StageErrored   = "errored"
)

// Collector wraps the Prometheus metrics of one process, on its own
// registry.
type Collector struct {
	registry *prometheus.Registry

	RunsTotal         *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	RunActive         prometheus.Gauge
	StagesTotal       *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	CheckpointMissing *prometheus.CounterVec
	EventsTotal       *prometheus.CounterVec
}

// New creates a Collector with every metric registered under namespace.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of pipeline runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
		RunActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_active",
			Help:      "1 while a pipeline run is executing",
		}),
		StagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_total",
			Help:      "Stage executions by stage and status",
		}, []string{"stage", "status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage executions in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		CheckpointMissing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_missing_outputs_total",
			Help:      "Outputs found missing at a checkpoint",
		}, []string{"stage"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_events_total",
			Help:      "File-system events by debounce decision",
		}, []string{"decision"}),
	}

	reg.MustRegister(
		c.RunsTotal,
		c.RunDuration,
		c.RunActive,
		c.StagesTotal,
		c.StageDuration,
		c.CheckpointMissing,
		c.EventsTotal,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.RunActive.Set(1)
}

func (c *Collector) RunFinished(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.RunActive.Set(0)
	c.RunsTotal.WithLabelValues(outcome).Inc()
	c.RunDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (c *Collector) StageFinished(stage, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.StagesTotal.WithLabelValues(stage, status).Inc()
	c.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (c *Collector) OutputsMissing(stage string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.CheckpointMissing.WithLabelValues(stage).Add(float64(n))
}

func (c *Collector) EventObserved(decision string) {
	if c == nil {
		return
	}
	c.EventsTotal.WithLabelValues(decision).Inc()
}

// Serve exposes the collector on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, c *Collector, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
