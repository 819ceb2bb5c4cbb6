package service

import (
	"context"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorgate/config"
	"github.com/c360/sensorgate/counterstore"
	sgerrors "github.com/c360/sensorgate/errors"
	"github.com/c360/sensorgate/health"
	"github.com/c360/sensorgate/metric"
	"github.com/c360/sensorgate/natsclient"
	"github.com/c360/sensorgate/reading"
	"github.com/c360/sensorgate/secevent"
)

// fakeBroker records publishes and consumer attachments.
type fakeBroker struct {
	mu        sync.Mutex
	published []string
	failing   bool
	handler   func([]byte)
	stopped   bool
}

func (f *fakeBroker) PublishToStream(_ context.Context, subject string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return sgerrors.ErrBrokerUnavailable
	}
	f.published = append(f.published, subject)
	return nil
}

func (f *fakeBroker) ConsumeStream(_ context.Context, _, _, _ string, handler func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeBroker) StopConsumers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeBroker) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// capturingIndexer records every indexed event.
type capturingIndexer struct {
	mu     sync.Mutex
	events []secevent.Event
}

func (c *capturingIndexer) Index(_ context.Context, _ string, event secevent.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *capturingIndexer) byType(t secevent.EventType) []secevent.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []secevent.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testConfig(wsPort int) *config.Config {
	cfg := config.Default()
	cfg.WebSocket.Port = wsPort
	cfg.WebSocket.PingInterval = 100 * time.Millisecond
	cfg.Metrics.Enabled = false
	return cfg
}

func testGateway(t *testing.T, wsPort int) (*Gateway, *fakeBroker, *capturingIndexer) {
	t.Helper()

	broker := &fakeBroker{}
	indexer := &capturingIndexer{}
	gw := New(testConfig(wsPort), nil, Dependencies{
		Store:   counterstore.NewMemoryStore(),
		Broker:  broker,
		Indexer: indexer,
	})
	return gw, broker, indexer
}

func validRequest() Request {
	return Request{
		IP:            "1.2.3.4",
		UserID:        42,
		Path:          "/readings",
		Method:        "POST",
		Authenticated: true,
	}
}

func TestGateway_HandleInbound_Admitted(t *testing.T) {
	gw, broker, _ := testGateway(t, 18120)

	r := reading.Reading{SensorID: 7, Value: 23.5, Timestamp: time.Now()}
	rej, err := gw.HandleInbound(context.Background(), validRequest(), r)
	require.NoError(t, err)
	assert.Nil(t, rej)
	assert.Equal(t, 1, broker.publishedCount())
}

func TestGateway_HandleInbound_InvalidReading(t *testing.T) {
	gw, broker, _ := testGateway(t, 18121)

	rej, err := gw.HandleInbound(context.Background(), validRequest(), reading.Reading{SensorID: 0})
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonInvalid, rej.Reason)
	assert.Equal(t, 0, broker.publishedCount())
}

func TestGateway_HandleInbound_Unauthorized(t *testing.T) {
	gw, broker, indexer := testGateway(t, 18122)

	req := validRequest()
	req.Authenticated = false

	r := reading.Reading{SensorID: 7, Value: 1, Timestamp: time.Now()}
	rej, err := gw.HandleInbound(context.Background(), req, r)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonUnauthorized, rej.Reason)
	assert.Equal(t, 0, broker.publishedCount())

	events := indexer.byType(secevent.EventUnauthorizedAccess)
	require.Len(t, events, 1)
	assert.Equal(t, secevent.SeverityInfo, events[0].Severity)
	assert.Equal(t, "1.2.3.4", events[0].IPAddress)
}

func TestGateway_HandleInbound_RateLimited(t *testing.T) {
	cfg := testConfig(18123)
	cfg.RateLimit.MaxRequests = 3

	broker := &fakeBroker{}
	indexer := &capturingIndexer{}
	gw := New(cfg, nil, Dependencies{
		Store:   counterstore.NewMemoryStore(),
		Broker:  broker,
		Indexer: indexer,
	})

	r := reading.Reading{SensorID: 7, Value: 1, Timestamp: time.Now()}
	for i := 0; i < 3; i++ {
		rej, err := gw.HandleInbound(context.Background(), validRequest(), r)
		require.NoError(t, err)
		assert.Nil(t, rej, "request %d should be admitted", i+1)
	}

	rej, err := gw.HandleInbound(context.Background(), validRequest(), r)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonRateLimited, rej.Reason)
	assert.Equal(t, 3, broker.publishedCount())

	events := indexer.byType(secevent.EventRateLimit)
	require.Len(t, events, 1)
	assert.Equal(t, secevent.SeverityWarning, events[0].Severity)
}

// A broker outage on an admitted request surfaces as an error, not a
// rejection.
func TestGateway_HandleInbound_BrokerError(t *testing.T) {
	gw, broker, _ := testGateway(t, 18124)
	broker.failing = true

	r := reading.Reading{SensorID: 7, Value: 1, Timestamp: time.Now()}
	rej, err := gw.HandleInbound(context.Background(), validRequest(), r)
	require.Error(t, err)
	assert.Nil(t, rej)
	assert.True(t, sgerrors.IsTransient(err))
}

func TestGateway_HandleInboundBatch(t *testing.T) {
	gw, broker, _ := testGateway(t, 18125)

	batch := reading.Batch{
		{SensorID: 1, Value: 1, Timestamp: time.Now()},
		{SensorID: 2, Value: 2, Timestamp: time.Now()},
	}
	rej, err := gw.HandleInboundBatch(context.Background(), validRequest(), batch)
	require.NoError(t, err)
	assert.Nil(t, rej)
	assert.Equal(t, 2, broker.publishedCount())
}

func TestGateway_HandleInboundBatch_TooLarge(t *testing.T) {
	cfg := testConfig(18126)
	cfg.Pipeline.MaxBatchSize = 1

	gw := New(cfg, nil, Dependencies{
		Store:  counterstore.NewMemoryStore(),
		Broker: &fakeBroker{},
	})

	batch := reading.Batch{
		{SensorID: 1, Value: 1, Timestamp: time.Now()},
		{SensorID: 2, Value: 2, Timestamp: time.Now()},
	}
	rej, err := gw.HandleInboundBatch(context.Background(), validRequest(), batch)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonInvalid, rej.Reason)
}

// Screening records the request pattern without rejecting anything.
func TestGateway_ScreenRequest(t *testing.T) {
	gw, _, _ := testGateway(t, 18127)

	gw.ScreenRequest(context.Background(), validRequest())

	patterns, err := gw.Analyzer().RequestPatterns(context.Background(), "1.2.3.4", 10)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "POST:/readings", patterns[0])
}

func TestGateway_Lifecycle(t *testing.T) {
	gw, broker, _ := testGateway(t, 18128)

	assert.Equal(t, StatusStopped, gw.Status())

	require.NoError(t, gw.Start(context.Background()))
	assert.Equal(t, StatusRunning, gw.Status())

	err := gw.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sgerrors.ErrAlreadyStarted)

	require.NoError(t, gw.Stop(2*time.Second))
	assert.Equal(t, StatusStopped, gw.Status())
	assert.True(t, broker.stopped)

	// Stop is idempotent.
	require.NoError(t, gw.Stop(2*time.Second))
}

func TestGateway_BrokerGaugesTrackCircuit(t *testing.T) {
	metrics := metric.NewMetricsRegistry()
	nc, err := natsclient.NewClient("nats://127.0.0.1:1",
		natsclient.WithTimeout(200*time.Millisecond))
	require.NoError(t, err)

	New(testConfig(18131), nil, Dependencies{
		Store:   counterstore.NewMemoryStore(),
		Broker:  nc,
		NATS:    nc,
		Metrics: metrics,
	})

	core := metrics.CoreMetrics()
	for i := 0; i < 5; i++ {
		require.Error(t, nc.Connect(context.Background()))
	}

	require.Equal(t, natsclient.StatusCircuitOpen, nc.Status())
	assert.Equal(t, float64(1), promtestutil.ToFloat64(core.BrokerCircuitBreaker))
	assert.Equal(t, float64(0), promtestutil.ToFloat64(core.BrokerConnected))
}

func TestGateway_CheckHealth(t *testing.T) {
	gw, _, _ := testGateway(t, 18129)

	require.NoError(t, gw.Start(context.Background()))
	defer gw.Stop(2 * time.Second) //nolint:errcheck

	h := gw.CheckHealth(context.Background())
	assert.Equal(t, "sensorgate", h.Component)
	assert.True(t, h.IsHealthy())

	byComponent := make(map[string]health.Status, len(h.SubStatuses))
	for _, sub := range h.SubStatuses {
		byComponent[sub.Component] = sub
	}
	assert.True(t, byComponent["gateway"].IsHealthy())
	assert.True(t, byComponent["counter_store"].IsHealthy())
	assert.True(t, byComponent["rate_limiter"].IsHealthy())
	assert.True(t, byComponent["websocket"].IsHealthy())
	_, hasBroker := byComponent["broker"] // no NATS client injected
	assert.False(t, hasBroker)

	// Stopped gateways report unhealthy.
	require.NoError(t, gw.Stop(2*time.Second))
	h = gw.CheckHealth(context.Background())
	assert.True(t, h.IsUnhealthy())
}
