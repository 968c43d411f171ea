package service

import (
	"time"

	"github.com/ethaccount/bundler/src/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type Collector interface {
	UserOpSubmitted()
	UserOpRejected(code string)
	UserOpSettled(state domain.Status)
	BundleCompleted(outcome string, start time.Time)
	MempoolSizeUpdated(size int)
}

const (
	BundleOutcomeSuccess  = "success"
	BundleOutcomeReverted = "reverted"
	BundleOutcomeError    = "error"
)

type DefaultCollector struct {
	userOpsSubmitted prometheus.Counter
	userOpsRejected  *prometheus.CounterVec
	userOpsSettled   *prometheus.CounterVec
	bundles          *prometheus.CounterVec
	bundleDurations  prometheus.Histogram
	mempoolSize      prometheus.Gauge
}

// NewCollector registers the bundler metrics with registerer. It falls back to
// a noop collector when registration fails.
func NewCollector(logger zerolog.Logger, registerer prometheus.Registerer) Collector {
	userOpsSubmitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bundler_userops_submitted_total",
		Help: "Total number of user operations admitted to the mempool",
	})

	userOpsRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bundler_userops_rejected_total",
		Help: "Total number of user operations rejected at submission",
	}, []string{"code"})

	userOpsSettled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bundler_userops_settled_total",
		Help: "Total number of user operations that reached a terminal state",
	}, []string{"state"})

	bundles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bundler_bundles_total",
		Help: "Total number of bundle cycles that submitted a transaction",
	}, []string{"outcome"})

	bundleDurations := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bundler_bundle_duration_seconds",
		Help:    "Duration of bundle cycles from drain to receipt",
		Buckets: prometheus.DefBuckets,
	})

	mempoolSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bundler_mempool_size",
		Help: "Number of user operations held in the mempool",
	})

	metrics := []prometheus.Collector{userOpsSubmitted, userOpsRejected, userOpsSettled, bundles, bundleDurations, mempoolSize}
	if err := registerMetrics(logger, registerer, metrics...); err != nil {
		logger.Info().Msg("using noop collector as metric register failed")
		return NewNoopCollector()
	}

	return &DefaultCollector{
		userOpsSubmitted: userOpsSubmitted,
		userOpsRejected:  userOpsRejected,
		userOpsSettled:   userOpsSettled,
		bundles:          bundles,
		bundleDurations:  bundleDurations,
		mempoolSize:      mempoolSize,
	}
}

func registerMetrics(logger zerolog.Logger, registerer prometheus.Registerer, metrics ...prometheus.Collector) error {
	for _, m := range metrics {
		if err := registerer.Register(m); err != nil {
			logger.Err(err).Msg("failed to register metric")
			return err
		}
	}

	return nil
}

func (c *DefaultCollector) UserOpSubmitted() {
	c.userOpsSubmitted.Inc()
}

func (c *DefaultCollector) UserOpRejected(code string) {
	c.userOpsRejected.With(prometheus.Labels{"code": code}).Inc()
}

func (c *DefaultCollector) UserOpSettled(state domain.Status) {
	c.userOpsSettled.With(prometheus.Labels{"state": string(state)}).Inc()
}

func (c *DefaultCollector) BundleCompleted(outcome string, start time.Time) {
	c.bundles.With(prometheus.Labels{"outcome": outcome}).Inc()
	c.bundleDurations.Observe(time.Since(start).Seconds())
}

func (c *DefaultCollector) MempoolSizeUpdated(size int) {
	c.mempoolSize.Set(float64(size))
}

type NoopCollector struct{}

var _ Collector = (*NoopCollector)(nil)

func NewNoopCollector() Collector {
	return &NoopCollector{}
}

func (c *NoopCollector) UserOpSubmitted()                  {}
func (c *NoopCollector) UserOpRejected(string)             {}
func (c *NoopCollector) UserOpSettled(domain.Status)       {}
func (c *NoopCollector) BundleCompleted(string, time.Time) {}
func (c *NoopCollector) MempoolSizeUpdated(int)            {}
