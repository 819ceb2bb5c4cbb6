package secevent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/sensorgate/metric"
	"github.com/c360/sensorgate/retry"
)

// Indexer persists events to a durable index partitioned by a rolling period
// key. Implementations are external collaborators (Elasticsearch in the
// default deployment).
type Indexer interface {
	Index(ctx context.Context, partitionKey string, event Event) error
}

// Channel delivers an alert to one configured sink. The pipeline only knows
// the title/description/severity/context shape, never transport details.
type Channel interface {
	Name() string
	Notify(ctx context.Context, title, description string, severity Severity, extra map[string]any) error
}

// Pipeline constructs events, emits them to the structured log, persists
// them, and dispatches alerts for warning/critical severities. Indexing and
// alerting are independent best-effort side effects: both are always
// attempted, each failure is logged, and neither is raised to the caller.
type Pipeline struct {
	logger   *slog.Logger
	indexer  Indexer
	channels []Channel
	metrics  *metric.Metrics

	dispatchTimeout time.Duration
}

// NewPipeline creates an event pipeline. indexer may be nil (no persistence)
// and channels may be empty (alerting is a valid no-op); the metrics registry
// is optional.
func NewPipeline(logger *slog.Logger, indexer Indexer, channels []Channel, registry *metric.MetricsRegistry) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		logger:          logger,
		indexer:         indexer,
		channels:        channels,
		dispatchTimeout: 10 * time.Second,
	}
	if registry != nil {
		p.metrics = registry.CoreMetrics()
	}
	return p
}

// Log constructs an immutable event stamped with the current UTC instant and
// runs its side effects. Persistence and alert dispatch run concurrently and
// are joined before Log returns, so callers observe at-least-once handoff to
// the index and to every configured channel.
func (p *Pipeline) Log(ctx context.Context, eventType EventType, details map[string]any, ip string, userID int64, severity Severity) Event {
	event := Event{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Details:   details,
		IPAddress: ip,
		UserID:    userID,
		Severity:  severity,
	}

	p.logger.Info("security_event",
		"event_type", string(event.Type),
		"severity", string(event.Severity),
		"ip_address", event.IPAddress,
		"user_id", event.UserID,
		"details", event.Details,
	)
	if p.metrics != nil {
		p.metrics.SecurityEvents.WithLabelValues(string(event.Type), string(event.Severity)).Inc()
	}

	var wg sync.WaitGroup

	if p.indexer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.persist(ctx, event)
		}()
	}

	if event.Severity.Alertable() && len(p.channels) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.dispatch(ctx, event)
		}()
	}

	wg.Wait()
	return event
}

// persist hands the event to the durable index, retrying transient index
// failures. Duplicates on retry are acceptable; loss is not, so exhausted
// retries are logged loudly.
func (p *Pipeline) persist(ctx context.Context, event Event) {
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return p.indexer.Index(ctx, event.PartitionKey(), event)
	})
	if err != nil {
		p.logger.Error("security event indexing failed",
			"event_type", string(event.Type), "error", err)
		if p.metrics != nil {
			p.metrics.ErrorsTotal.WithLabelValues("secevent", "index").Inc()
		}
	}
}

// dispatch fans the alert out to every configured channel concurrently. One
// channel's failure is logged and does not cancel delivery to the others,
// and no channel send is retried within the same event.
func (p *Pipeline) dispatch(ctx context.Context, event Event) {
	title := fmt.Sprintf("Security Alert: %s", event.Type)
	description := formatDetails(event.Details)

	extra := map[string]any{}
	if event.IPAddress != "" {
		extra["ip_address"] = event.IPAddress
	}
	if event.UserID != 0 {
		extra["user_id"] = event.UserID
	}

	var wg sync.WaitGroup
	for _, ch := range p.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, p.dispatchTimeout)
			defer cancel()

			if err := ch.Notify(sendCtx, title, description, event.Severity, extra); err != nil {
				p.logger.Error("alert channel delivery failed",
					"channel", ch.Name(), "event_type", string(event.Type), "error", err)
				if p.metrics != nil {
					p.metrics.AlertsSent.WithLabelValues(ch.Name(), "error").Inc()
				}
				return
			}
			if p.metrics != nil {
				p.metrics.AlertsSent.WithLabelValues(ch.Name(), "ok").Inc()
			}
		}(ch)
	}
	wg.Wait()
}

func formatDetails(details map[string]any) string {
	if len(details) == 0 {
		return "{}"
	}
	data, err := json.MarshalIndent(details, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", details)
	}
	return string(data)
}
