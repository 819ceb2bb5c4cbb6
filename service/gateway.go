// Package service wires the gateway together: admission control, attack
// screening, the security event pipeline, the broker pipeline and the
// delivery transport, under one serialized Start/Stop lifecycle.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/sensorgate/attack"
	"github.com/c360/sensorgate/config"
	"github.com/c360/sensorgate/counterstore"
	"github.com/c360/sensorgate/errors"
	"github.com/c360/sensorgate/health"
	"github.com/c360/sensorgate/metric"
	"github.com/c360/sensorgate/natsclient"
	"github.com/c360/sensorgate/pipeline"
	"github.com/c360/sensorgate/ratelimit"
	"github.com/c360/sensorgate/registry"
	"github.com/c360/sensorgate/retry"
	"github.com/c360/sensorgate/secevent"
	"github.com/c360/sensorgate/transport/websocket"
)

// Status represents the current status of the gateway
type Status int

// Possible gateway statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Dependencies holds the external collaborators the gateway is built on.
// Tests inject fakes here; production wiring comes from Build.
type Dependencies struct {
	Store    counterstore.Store
	Broker   pipeline.Broker
	NATS     *natsclient.Client // optional; when set it also serves as Broker
	Indexer  secevent.Indexer
	Channels []secevent.Channel
	Geo      attack.GeoResolver
	Metrics  *metric.MetricsRegistry
}

// Gateway is the assembled ingestion/distribution/monitoring core.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger
	deps   Dependencies

	limiter  *ratelimit.Limiter
	analyzer *attack.Analyzer
	events   *secevent.Pipeline
	registry *registry.Registry
	producer *pipeline.Producer
	consumer *pipeline.Consumer
	wsServer *websocket.Server

	metricServer *metric.Server
	monitor      *health.Monitor

	status      atomic.Value // Status
	startTime   atomic.Value // time.Time
	lifecycleMu sync.Mutex
}

// New assembles a Gateway from configuration and explicit dependencies.
func New(cfg *config.Config, logger *slog.Logger, deps Dependencies) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "sensorgate")

	events := secevent.NewPipeline(logger, deps.Indexer, deps.Channels, deps.Metrics)

	limiter := ratelimit.NewLimiter(deps.Store, ratelimit.Config{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window,
		KeyPrefix:   "rate_limit",
	}, logger, deps.Metrics)

	analyzer := attack.NewAnalyzer(deps.Store, deps.Geo, events, attack.Config{
		MaxLoginAttempts:    cfg.Attack.MaxLoginAttempts,
		LoginWindow:         cfg.Attack.LoginWindow,
		SuspiciousCountries: cfg.Attack.SuspiciousCountries,
		MaxRequestPatterns:  cfg.Attack.MaxRequestPatterns,
	}, logger)

	reg := registry.NewRegistry(logger, deps.Metrics)

	producer := pipeline.NewProducer(deps.Broker, pipeline.ProducerConfig{
		MaxBatchSize: cfg.Pipeline.MaxBatchSize,
	}, logger, deps.Metrics)

	consumer := pipeline.NewConsumer(deps.Broker, reg, pipeline.ConsumerConfig{
		StreamName:  cfg.NATS.StreamName,
		DurableName: cfg.NATS.DurableName,
		Subject:     cfg.NATS.Subject,
	}, logger, deps.Metrics)

	wsServer := websocket.NewServer(websocket.Config{
		Port:         cfg.WebSocket.Port,
		Path:         cfg.WebSocket.Path,
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
	}, reg, logger, deps.Metrics)

	var metricServer *metric.Server
	if cfg.Metrics.Enabled && deps.Metrics != nil {
		metricServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, deps.Metrics)
	}

	g := &Gateway{
		cfg:          cfg,
		logger:       logger,
		deps:         deps,
		limiter:      limiter,
		analyzer:     analyzer,
		events:       events,
		registry:     reg,
		producer:     producer,
		consumer:     consumer,
		wsServer:     wsServer,
		metricServer: metricServer,
		monitor:      health.NewMonitor(),
	}
	g.status.Store(StatusStopped)
	g.startTime.Store(time.Time{})

	if deps.NATS != nil && deps.Metrics != nil {
		core := deps.Metrics.CoreMetrics()
		deps.NATS.OnHealthChange(func(healthy bool) {
			if healthy {
				core.BrokerConnected.Set(1)
			} else {
				core.BrokerConnected.Set(0)
			}
		})
		deps.NATS.OnStatusChange(func(s natsclient.ConnectionStatus) {
			if s == natsclient.StatusCircuitOpen {
				core.BrokerCircuitBreaker.Set(1)
			} else {
				core.BrokerCircuitBreaker.Set(0)
			}
		})
	}

	if metricServer != nil {
		metricServer.Handle("/health", health.Handler(func() health.Status {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return g.CheckHealth(ctx)
		}))
	}
	return g
}

// Build constructs a Gateway with production collaborators: Redis counter
// store, NATS broker, Elasticsearch indexer, webhook alert channel and the
// MaxMind geo database when configured.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	metrics := metric.NewMetricsRegistry()

	store, err := retry.DoWithResult(ctx, retry.Startup(), func() (*counterstore.RedisStore, error) {
		return counterstore.NewRedisStore(ctx, counterstore.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "Gateway", "Build", "connect counter store")
	}

	nats, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithClientName(cfg.NATS.ClientName),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Gateway", "Build", "create broker client")
	}

	var indexer secevent.Indexer
	if len(cfg.Security.Elasticsearch.Addresses) > 0 {
		es, esErr := secevent.NewESIndexer(secevent.ESConfig{
			Addresses: cfg.Security.Elasticsearch.Addresses,
			Username:  cfg.Security.Elasticsearch.Username,
			Password:  cfg.Security.Elasticsearch.Password,
		})
		if esErr != nil {
			return nil, errors.Wrap(esErr, "Gateway", "Build", "create event indexer")
		}
		indexer = es
	}

	var channels []secevent.Channel
	if cfg.Security.WebhookURL != "" {
		channels = append(channels, secevent.NewWebhookChannel("webhook", cfg.Security.WebhookURL))
	}

	var geo attack.GeoResolver
	if cfg.Attack.GeoIPPath != "" {
		resolver, geoErr := attack.NewMaxMindResolver(cfg.Attack.GeoIPPath)
		if geoErr != nil {
			return nil, errors.Wrap(geoErr, "Gateway", "Build", "open geo database")
		}
		geo = resolver
	}

	return New(cfg, logger, Dependencies{
		Store:    store,
		Broker:   nats,
		NATS:     nats,
		Indexer:  indexer,
		Channels: channels,
		Geo:      geo,
		Metrics:  metrics,
	}), nil
}

// Status returns the current gateway status.
func (g *Gateway) Status() Status {
	return g.status.Load().(Status)
}

// Registry exposes the subscription registry to the transport layer.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Events exposes the security event pipeline.
func (g *Gateway) Events() *secevent.Pipeline {
	return g.events
}

// Analyzer exposes the attack analyzer for login-path callers.
func (g *Gateway) Analyzer() *attack.Analyzer {
	return g.analyzer
}

// Start brings the gateway up: broker connection and stream, consumer loop,
// delivery transport and metrics endpoint. Start and Stop are serialized.
func (g *Gateway) Start(ctx context.Context) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if g.Status() != StatusStopped {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Gateway", "Start", "start gateway")
	}
	g.status.Store(StatusStarting)

	var startErr error
	defer func() {
		if startErr != nil {
			g.stopLocked(5 * time.Second)
			g.status.Store(StatusStopped)
		}
	}()

	if g.deps.NATS != nil {
		if err := g.deps.NATS.Connect(ctx); err != nil {
			startErr = errors.WrapTransient(err, "Gateway", "Start", "connect broker")
			return startErr
		}
		if _, err := g.deps.NATS.EnsureStream(ctx, jetstream.StreamConfig{
			Name:     g.cfg.NATS.StreamName,
			Subjects: []string{g.cfg.NATS.Subject},
		}); err != nil {
			startErr = errors.WrapTransient(err, "Gateway", "Start", "ensure stream")
			return startErr
		}
	}

	if err := g.consumer.Start(ctx); err != nil {
		startErr = err
		return startErr
	}

	if err := g.wsServer.Start(ctx); err != nil {
		startErr = err
		return startErr
	}

	if g.metricServer != nil {
		if err := g.metricServer.Start(); err != nil {
			startErr = err
			return startErr
		}
	}

	g.status.Store(StatusRunning)
	g.startTime.Store(time.Now())
	g.logger.Info("gateway started")
	return nil
}

// Stop takes the gateway down in reverse dependency order. Safe to call on a
// stopped gateway.
func (g *Gateway) Stop(timeout time.Duration) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if g.Status() != StatusRunning {
		return nil
	}
	g.status.Store(StatusStopping)

	g.stopLocked(timeout)

	g.status.Store(StatusStopped)
	g.logger.Info("gateway stopped")
	return nil
}

func (g *Gateway) stopLocked(timeout time.Duration) {
	if err := g.wsServer.Stop(timeout); err != nil {
		g.logger.Warn("websocket server stop error", "error", err)
	}
	if err := g.consumer.Stop(); err != nil {
		g.logger.Warn("consumer stop error", "error", err)
	}
	if g.deps.NATS != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := g.deps.NATS.Close(closeCtx); err != nil {
			g.logger.Warn("broker close error", "error", err)
		}
		cancel()
	}
	if g.metricServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := g.metricServer.Stop(shutdownCtx); err != nil {
			g.logger.Warn("metrics server stop error", "error", err)
		}
		cancel()
	}
}

// CheckHealth probes the collaborators, refreshes the health monitor and
// returns the aggregated gateway status.
func (g *Gateway) CheckHealth(ctx context.Context) health.Status {
	if g.Status() != StatusRunning {
		g.monitor.Update("gateway", health.NewUnhealthy("gateway", g.Status().String()))
	} else {
		g.monitor.Update("gateway", health.NewHealthy("gateway",
			fmt.Sprintf("running for %s", time.Since(g.startTime.Load().(time.Time)).Round(time.Second))))
	}

	if g.deps.NATS != nil {
		if g.deps.NATS.IsHealthy() {
			g.monitor.Update("broker", health.NewHealthy("broker", "connected"))
		} else {
			g.monitor.Update("broker", health.NewUnhealthy("broker",
				g.deps.NATS.Status().String()))
		}
	}

	if g.deps.Store != nil {
		if err := g.deps.Store.Ping(ctx); err != nil {
			// Limiter and detectors fail open on store errors, so an
			// unreachable store is degraded, not down.
			g.monitor.Update("counter_store", health.NewDegraded("counter_store", "unreachable, failing open"))
		} else {
			g.monitor.Update("counter_store", health.NewHealthy("counter_store", "reachable"))
		}
	}

	if g.limiter.Degraded() {
		g.monitor.Update("rate_limiter", health.NewDegraded("rate_limiter", "degraded to no-op"))
	} else {
		g.monitor.Update("rate_limiter", health.NewHealthy("rate_limiter", "enforcing"))
	}

	g.monitor.Update("websocket", health.NewHealthy("websocket",
		fmt.Sprintf("%d clients connected", g.wsServer.ClientCount())))

	return g.monitor.AggregateHealth("sensorgate")
}
