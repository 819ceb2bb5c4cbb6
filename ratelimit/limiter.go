// Package ratelimit implements sliding-window admission control keyed by
// caller identity, backed by the shared counter store so limits hold across
// workers.
package ratelimit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/sensorgate/counterstore"
	"github.com/c360/sensorgate/metric"
)

// Config bounds admissions per identity to MaxRequests inside a trailing
// Window.
type Config struct {
	MaxRequests int64
	Window      time.Duration
	KeyPrefix   string
}

// DefaultConfig matches the deployment default of 100 requests per minute.
func DefaultConfig() Config {
	return Config{
		MaxRequests: 100,
		Window:      time.Minute,
		KeyPrefix:   "rate_limit",
	}
}

// Limiter admits or rejects callers using a sliding window over the counter
// store. On store failure it fails open: telemetry availability is
// prioritized over strict limiting, so an unreachable store degrades the
// limiter to a no-op. The degraded state is observable through Degraded(),
// the store_degraded gauge, and a warning logged once per outage transition.
type Limiter struct {
	store   counterstore.Store
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics

	degraded atomic.Bool
}

// NewLimiter creates a limiter over the given store. The metrics registry is
// optional; a nil registry disables metrics.
func NewLimiter(store counterstore.Store, cfg Config, logger *slog.Logger, registry *metric.MetricsRegistry) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultConfig().MaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultConfig().KeyPrefix
	}

	l := &Limiter{
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
	if registry != nil {
		l.metrics = registry.CoreMetrics()
	}
	return l
}

// Allow records the current request against identity and reports whether it
// fits inside the window. Record-then-count runs atomically in the store, so
// two simultaneous requests from the same identity are both counted before
// either decision is made.
func (l *Limiter) Allow(ctx context.Context, identity string) bool {
	count, err := l.store.CountInWindow(ctx, l.cfg.KeyPrefix+":"+identity, l.cfg.Window)
	if err != nil {
		// Fail-open branch: a single attempt, no retry. The request is
		// admitted and the outage is surfaced once per transition.
		if l.degraded.CompareAndSwap(false, true) {
			l.logger.Warn("counter store unreachable, rate limiter failing open",
				"identity", identity, "error", err)
			if l.metrics != nil {
				l.metrics.StoreDegraded.Set(1)
			}
		}
		l.record("degraded_allow")
		return true
	}

	if l.degraded.CompareAndSwap(true, false) {
		l.logger.Info("counter store recovered, rate limiter active again")
		if l.metrics != nil {
			l.metrics.StoreDegraded.Set(0)
		}
	}

	allowed := count <= l.cfg.MaxRequests
	if allowed {
		l.record("allow")
	} else {
		l.record("reject")
	}
	return allowed
}

// Degraded reports whether the limiter is currently failing open because the
// store is unreachable.
func (l *Limiter) Degraded() bool {
	return l.degraded.Load()
}

func (l *Limiter) record(decision string) {
	if l.metrics != nil {
		l.metrics.RateLimitDecisions.WithLabelValues(decision).Inc()
	}
}
