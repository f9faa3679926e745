// Package metrics exposes transfer counters on a private prometheus registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry *prometheus.Registry

	transfersTotal  *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec
	inflightWorkers prometheus.Gauge
	duration        *prometheus.HistogramVec
	failuresTotal   *prometheus.CounterVec
	authRefresh     *prometheus.CounterVec
}

// New creates a collector with its own registry, so several collectors can
// live in one process.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkxfer_transfers_total",
				Help: "Total number of file transfers by outcome",
			},
			[]string{"direction", "status"},
		),
		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkxfer_bytes_total",
				Help: "Total bytes transferred",
			},
			[]string{"direction"},
		),
		inflightWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulkxfer_inflight_workers",
				Help: "Number of workers currently running a transfer",
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bulkxfer_transfer_duration_seconds",
				Help:    "Time taken by one tool invocation",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
			},
			[]string{"direction"},
		),
		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkxfer_failures_total",
				Help: "Failed transfers by failure category",
			},
			[]string{"category"},
		),
		authRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkxfer_auth_refresh_total",
				Help: "Token acquisitions by result",
			},
			[]string{"result"},
		),
	}

	c.registry.MustRegister(
		c.transfersTotal,
		c.bytesTotal,
		c.inflightWorkers,
		c.duration,
		c.failuresTotal,
		c.authRefresh,
	)

	return c
}

// Registry returns the registry the collector's metrics live on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveTransfer records a finished transfer
func (c *Collector) ObserveTransfer(direction, status string, bytes int64, d time.Duration) {
	c.transfersTotal.WithLabelValues(direction, status).Inc()
	if bytes > 0 {
		c.bytesTotal.WithLabelValues(direction).Add(float64(bytes))
	}
	c.duration.WithLabelValues(direction).Observe(d.Seconds())
}

// IncSkipped counts jobs that were never run
func (c *Collector) IncSkipped(direction string, n int) {
	if n > 0 {
		c.transfersTotal.WithLabelValues(direction, "skipped").Add(float64(n))
	}
}

// IncFailure increments the counter of a failure category
func (c *Collector) IncFailure(category string) {
	c.failuresTotal.WithLabelValues(category).Inc()
}

// WorkerStarted and WorkerFinished track in-flight invocations
func (c *Collector) WorkerStarted() {
	c.inflightWorkers.Inc()
}

func (c *Collector) WorkerFinished() {
	c.inflightWorkers.Dec()
}

// ObserveAuthRefresh implements auth.RefreshObserver
func (c *Collector) ObserveAuthRefresh(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.authRefresh.WithLabelValues(result).Inc()
}

// Handler serves the collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is done
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
