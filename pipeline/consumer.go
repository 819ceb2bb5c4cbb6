package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/sensorgate/errors"
	"github.com/c360/sensorgate/metric"
	"github.com/c360/sensorgate/reading"
	"github.com/c360/sensorgate/registry"
)

// ConsumerConfig holds Consumer configuration
type ConsumerConfig struct {
	StreamName  string
	DurableName string
	Subject     string
}

// DefaultConsumerConfig returns the stream wiring used by the gateway.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		StreamName:  "READINGS",
		DurableName: "sensorgate-broadcast",
		Subject:     "readings.>",
	}
}

// Consumer drains readings from the broker and broadcasts them to subscribed
// endpoints. Malformed messages are logged and skipped, never redelivered.
type Consumer struct {
	broker   Broker
	registry *registry.Registry
	cfg      ConsumerConfig
	logger   *slog.Logger
	metrics  *metric.MetricsRegistry

	lifecycleMu sync.Mutex
	running     bool

	// mu gates admission of broker callbacks so that no inFlight.Add can
	// race the Wait in Stop, and no callback dispatched after StopConsumers
	// broadcasts once Stop has returned.
	mu        sync.Mutex
	accepting bool
	inFlight  sync.WaitGroup
}

// NewConsumer creates a Consumer. A nil metrics registry disables metrics.
func NewConsumer(broker Broker, reg *registry.Registry, cfg ConsumerConfig, logger *slog.Logger, metrics *metric.MetricsRegistry) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StreamName == "" {
		cfg = DefaultConsumerConfig()
	}
	return &Consumer{
		broker:   broker,
		registry: reg,
		cfg:      cfg,
		logger:   logger.With("component", "pipeline.consumer"),
		metrics:  metrics,
	}
}

// Start attaches the durable consumer and begins draining the stream.
func (c *Consumer) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Consumer", "Start", "start consumer")
	}

	err := c.broker.ConsumeStream(ctx, c.cfg.StreamName, c.cfg.DurableName, c.cfg.Subject, c.handle)
	if err != nil {
		return errors.WrapTransient(err, "Consumer", "Start", "attach stream consumer")
	}

	c.mu.Lock()
	c.accepting = true
	c.mu.Unlock()

	c.running = true
	c.logger.Info("consumer started",
		"stream", c.cfg.StreamName,
		"durable", c.cfg.DurableName,
		"subject", c.cfg.Subject)
	return nil
}

// Stop detaches from the stream and waits for the in-flight broadcast to
// finish. Safe to call more than once.
func (c *Consumer) Stop() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running {
		return nil
	}

	c.mu.Lock()
	c.accepting = false
	c.mu.Unlock()

	c.broker.StopConsumers()
	c.inFlight.Wait()
	c.running = false

	c.logger.Info("consumer stopped", "durable", c.cfg.DurableName)
	return nil
}

// handle processes one message from the stream. Messages delivered once the
// consumer stops accepting are dropped; the stream redelivers nothing the
// broker already acked.
func (c *Consumer) handle(data []byte) {
	c.mu.Lock()
	if !c.accepting {
		c.mu.Unlock()
		c.countDropped("shutdown")
		return
	}
	c.inFlight.Add(1)
	c.mu.Unlock()
	defer c.inFlight.Done()

	r, err := reading.Unmarshal(data)
	if err != nil {
		c.logger.Warn("skipping malformed reading", "error", err)
		c.countDropped("malformed")
		return
	}

	if c.metrics != nil {
		c.metrics.CoreMetrics().ReadingsConsumed.Inc()
	}

	c.registry.Broadcast(context.Background(), r.SensorID, data)
}

func (c *Consumer) countDropped(reason string) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreMetrics().ReadingsDropped.WithLabelValues(reason).Inc()
}
