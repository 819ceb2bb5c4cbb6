// Package registry maintains the bidirectional mapping between live delivery
// endpoints and the sensors they watch, and fans readings out to them.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/c360/sensorgate/metric"
)

// Endpoint is an opaque handle to a live bidirectional delivery channel. The
// transport owns the underlying connection; the registry holds only a
// non-owning reference while the endpoint is registered.
type Endpoint interface {
	// ID uniquely identifies the endpoint for the registry's indices.
	ID() string
	// Send delivers one serialized reading. A returned error means the
	// channel is unusable and the endpoint will be disconnected.
	Send(ctx context.Context, payload []byte) error
	// Close tears down the underlying channel. Safe to call more than once.
	Close() error
}

// Registry holds the forward (sensor -> endpoints) and reverse (endpoint ->
// sensors) indices. Both indices are mutated only through the registry's own
// operations, each of which updates the two sides atomically under one lock.
//
// Invariants: no sensor maps to an empty endpoint set, and no endpoint
// appears in the reverse index without at least one forward entry.
type Registry struct {
	mu         sync.RWMutex
	bySensor   map[int64]map[string]Endpoint
	byEndpoint map[string]map[int64]struct{}
	endpoints  map[string]Endpoint

	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewRegistry creates an empty subscription registry. The metrics registry is
// optional.
func NewRegistry(logger *slog.Logger, metrics *metric.MetricsRegistry) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		bySensor:   make(map[int64]map[string]Endpoint),
		byEndpoint: make(map[string]map[int64]struct{}),
		endpoints:  make(map[string]Endpoint),
		logger:     logger,
	}
	if metrics != nil {
		r.metrics = metrics.CoreMetrics()
	}
	return r
}

// Connect registers the endpoint and, when sensorID is positive, immediately
// subscribes it.
func (r *Registry) Connect(ep Endpoint, sensorID int64) {
	r.mu.Lock()
	r.endpoints[ep.ID()] = ep
	if sensorID > 0 {
		r.subscribeLocked(ep, sensorID)
	}
	r.mu.Unlock()
}

// Subscribe adds one sensor/endpoint relation, updating both indices
// atomically. Subscribing an unknown endpoint registers it.
func (r *Registry) Subscribe(ep Endpoint, sensorID int64) {
	r.mu.Lock()
	r.endpoints[ep.ID()] = ep
	r.subscribeLocked(ep, sensorID)
	r.mu.Unlock()
}

func (r *Registry) subscribeLocked(ep Endpoint, sensorID int64) {
	id := ep.ID()
	if r.bySensor[sensorID] == nil {
		r.bySensor[sensorID] = make(map[string]Endpoint)
	}
	r.bySensor[sensorID][id] = ep

	if r.byEndpoint[id] == nil {
		r.byEndpoint[id] = make(map[int64]struct{})
	}
	r.byEndpoint[id][sensorID] = struct{}{}
}

// Unsubscribe removes one relation from both indices, pruning the sensor's
// entry when its subscriber set empties. Idempotent.
func (r *Registry) Unsubscribe(ep Endpoint, sensorID int64) {
	r.mu.Lock()
	r.unsubscribeLocked(ep.ID(), sensorID)
	r.mu.Unlock()
}

func (r *Registry) unsubscribeLocked(id string, sensorID int64) {
	if subs := r.bySensor[sensorID]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(r.bySensor, sensorID)
		}
	}
	if sensors := r.byEndpoint[id]; sensors != nil {
		delete(sensors, sensorID)
		if len(sensors) == 0 {
			delete(r.byEndpoint, id)
		}
	}
}

// Disconnect removes every subscription the endpoint holds from both index
// directions, leaving no dangling entries, and forgets the endpoint. Safe to
// call on an already-disconnected endpoint.
func (r *Registry) Disconnect(ep Endpoint) {
	r.disconnectByID(ep.ID())
}

func (r *Registry) disconnectByID(id string) {
	r.mu.Lock()
	for sensorID := range r.byEndpoint[id] {
		if subs := r.bySensor[sensorID]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(r.bySensor, sensorID)
			}
		}
	}
	delete(r.byEndpoint, id)
	delete(r.endpoints, id)
	r.mu.Unlock()
}

// Subscribers returns the sensor's current subscriber count.
func (r *Registry) Subscribers(sensorID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySensor[sensorID])
}

// Sensors returns the sensor ids the endpoint currently watches.
func (r *Registry) Sensors(ep Endpoint) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sensors := make([]int64, 0, len(r.byEndpoint[ep.ID()]))
	for sensorID := range r.byEndpoint[ep.ID()] {
		sensors = append(sensors, sensorID)
	}
	return sensors
}

// broadcastConcurrency bounds the number of in-flight sends per broadcast so
// one sensor with many slow subscribers cannot exhaust goroutines.
const broadcastConcurrency = 16

// Broadcast delivers the payload to every endpoint subscribed to sensorID at
// the moment the snapshot is taken. Delivery runs concurrently over a
// fully-materialized snapshot, so subscriber churn during the broadcast never
// affects the in-flight iteration, and Broadcast returns only after every
// send has completed. A failed send disconnects that endpoint and delivery
// to the remaining endpoints continues. Broadcasting to a sensor with no
// subscribers is a no-op.
func (r *Registry) Broadcast(ctx context.Context, sensorID int64, payload []byte) {
	r.mu.RLock()
	snapshot := make([]Endpoint, 0, len(r.bySensor[sensorID]))
	for _, ep := range r.bySensor[sensorID] {
		snapshot = append(snapshot, ep)
	}
	r.mu.RUnlock()

	if len(snapshot) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(broadcastConcurrency)
	for _, ep := range snapshot {
		g.Go(func() error {
			if err := ep.Send(ctx, payload); err != nil {
				r.logger.Info("endpoint send failed, disconnecting",
					"endpoint", ep.ID(), "sensor_id", sensorID, "error", err)
				r.disconnectByID(ep.ID())
				_ = ep.Close()
				if r.metrics != nil {
					r.metrics.ReadingsBroadcast.WithLabelValues("error").Inc()
				}
				return nil
			}
			if r.metrics != nil {
				r.metrics.ReadingsBroadcast.WithLabelValues("ok").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()
}
