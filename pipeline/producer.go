// Package pipeline moves readings through the broker: the Producer publishes
// validated readings onto the stream, the Consumer drains them and fans them
// out to subscribed endpoints through the registry.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/sensorgate/errors"
	"github.com/c360/sensorgate/metric"
	"github.com/c360/sensorgate/reading"
)

// Broker is the seam to the message broker. *natsclient.Client satisfies it.
type Broker interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
	ConsumeStream(ctx context.Context, streamName, durable, subject string, handler func([]byte)) error
	StopConsumers()
}

// DefaultMaxBatchSize bounds PublishBatch when no limit is configured.
const DefaultMaxBatchSize = 500

// SubjectForSensor returns the stream subject carrying a sensor's readings.
func SubjectForSensor(sensorID int64) string {
	return fmt.Sprintf("readings.%d", sensorID)
}

// ProducerConfig holds Producer configuration
type ProducerConfig struct {
	MaxBatchSize int
}

// Producer publishes readings to the broker stream.
type Producer struct {
	broker  Broker
	cfg     ProducerConfig
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
}

// NewProducer creates a Producer. A nil metrics registry disables metrics.
func NewProducer(broker Broker, cfg ProducerConfig, logger *slog.Logger, metrics *metric.MetricsRegistry) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	return &Producer{
		broker:  broker,
		cfg:     cfg,
		logger:  logger.With("component", "pipeline.producer"),
		metrics: metrics,
	}
}

// Publish validates, serializes and publishes a single reading.
func (p *Producer) Publish(ctx context.Context, r reading.Reading) error {
	if err := r.Validate(); err != nil {
		p.countPublished("invalid")
		return errors.WrapInvalid(err, "Producer", "Publish", "validate reading")
	}

	data, err := r.Marshal()
	if err != nil {
		p.countPublished("invalid")
		return errors.WrapInvalid(err, "Producer", "Publish", "serialize reading")
	}

	if err := p.broker.PublishToStream(ctx, SubjectForSensor(r.SensorID), data); err != nil {
		p.countPublished("error")
		return errors.WrapTransient(err, "Producer", "Publish", "publish reading")
	}

	p.countPublished("ok")
	return nil
}

// PublishBatch publishes a batch of readings. The whole batch is validated
// and serialized up front; the first broker failure fails the batch and
// already-published readings are not retracted.
func (p *Producer) PublishBatch(ctx context.Context, batch reading.Batch) error {
	if err := batch.Validate(p.cfg.MaxBatchSize); err != nil {
		p.countPublished("invalid")
		return errors.WrapInvalid(err, "Producer", "PublishBatch", "validate batch")
	}

	payloads := make([][]byte, len(batch))
	for i, r := range batch {
		data, err := r.Marshal()
		if err != nil {
			p.countPublished("invalid")
			return errors.WrapInvalid(err, "Producer", "PublishBatch",
				fmt.Sprintf("serialize reading %d", i))
		}
		payloads[i] = data
	}

	for i, r := range batch {
		if err := p.broker.PublishToStream(ctx, SubjectForSensor(r.SensorID), payloads[i]); err != nil {
			p.countPublished("error")
			p.logger.Warn("batch publish aborted",
				"published", i,
				"total", len(batch),
				"error", err)
			return errors.WrapTransient(err, "Producer", "PublishBatch",
				fmt.Sprintf("publish reading %d of %d", i, len(batch)))
		}
		p.countPublished("ok")
	}

	return nil
}

func (p *Producer) countPublished(status string) {
	if p.metrics == nil {
		return
	}
	p.metrics.CoreMetrics().ReadingsPublished.WithLabelValues(status).Inc()
}
