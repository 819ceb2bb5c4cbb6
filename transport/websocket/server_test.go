package websocket

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sgerrors "github.com/c360/sensorgate/errors"
	"github.com/c360/sensorgate/metric"
	"github.com/c360/sensorgate/registry"
)

func testServer(t *testing.T, port int) (*Server, *registry.Registry) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Port = port
	cfg.PingInterval = 100 * time.Millisecond

	reg := registry.NewRegistry(nil, nil)
	srv := NewServer(cfg, reg, nil, nil)

	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(2 * time.Second) })

	// Give server time to start
	time.Sleep(50 * time.Millisecond)
	return srv, reg
}

func dial(t *testing.T, port int, query string) *websocket.Conn {
	t.Helper()

	u := fmt.Sprintf("ws://localhost:%d/ws%s", port, query)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults valid", mutate: func(_ *Config) {}},
		{name: "port too low", mutate: func(c *Config) { c.Port = 80 }, wantErr: true},
		{name: "port too high", mutate: func(c *Config) { c.Port = 70000 }, wantErr: true},
		{name: "empty path", mutate: func(c *Config) { c.Path = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServer_StartTwice(t *testing.T) {
	srv, _ := testServer(t, 18110)

	err := srv.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sgerrors.ErrAlreadyStarted)
}

func TestServer_StopIdempotent(t *testing.T) {
	srv, _ := testServer(t, 18111)

	require.NoError(t, srv.Stop(2*time.Second))
	require.NoError(t, srv.Stop(2*time.Second))
}

// A client connecting with sensor_id in the query is subscribed immediately
// and receives broadcasts for that sensor only.
func TestServer_QuerySubscribeAndReceive(t *testing.T) {
	_, reg := testServer(t, 18112)

	conn := dial(t, 18112, "?sensor_id=7")

	waitFor(t, func() bool { return reg.Subscribers(7) == 1 }, "client subscribed to sensor 7")

	payload := []byte(`{"sensor_id":7,"value":23.5}`)
	reg.Broadcast(context.Background(), 7, payload)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

// Subscriptions are managed over the connection with control messages.
func TestServer_ControlMessages(t *testing.T) {
	_, reg := testServer(t, 18113)

	conn := dial(t, 18113, "")

	require.NoError(t, conn.WriteJSON(controlMessage{Action: "subscribe", SensorID: 5}))
	waitFor(t, func() bool { return reg.Subscribers(5) == 1 }, "subscribe control applied")

	require.NoError(t, conn.WriteJSON(controlMessage{Action: "unsubscribe", SensorID: 5}))
	waitFor(t, func() bool { return reg.Subscribers(5) == 0 }, "unsubscribe control applied")
}

// Closing the socket removes the endpoint from the registry entirely.
func TestServer_DisconnectCleansRegistry(t *testing.T) {
	srv, reg := testServer(t, 18114)

	conn := dial(t, 18114, "?sensor_id=3")
	waitFor(t, func() bool { return reg.Subscribers(3) == 1 }, "client subscribed to sensor 3")
	assert.Equal(t, 1, srv.ClientCount())

	require.NoError(t, conn.Close())

	waitFor(t, func() bool { return reg.Subscribers(3) == 0 }, "subscription removed on disconnect")
	waitFor(t, func() bool { return srv.ClientCount() == 0 }, "connection removed from server")
}

// Invalid sensor ids in the query are rejected at upgrade time.
func TestServer_BadSensorID(t *testing.T) {
	_, reg := testServer(t, 18115)

	u := fmt.Sprintf("ws://localhost:%d/ws?sensor_id=abc", 18115)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		// Upgrade succeeds before the server closes the socket; the read fails.
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, _, readErr := conn.ReadMessage()
		assert.Error(t, readErr)
		_ = conn.Close()
	}
	assert.Equal(t, 0, reg.Subscribers(3))
}

// Stop disconnects connected clients.
func TestServer_StopClosesClients(t *testing.T) {
	srv, reg := testServer(t, 18116)

	conn := dial(t, 18116, "?sensor_id=2")
	waitFor(t, func() bool { return reg.Subscribers(2) == 1 }, "client subscribed")

	require.NoError(t, srv.Stop(2*time.Second))

	assert.Equal(t, 0, reg.Subscribers(2))
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestServer_MetricsRegisteredForLifetime(t *testing.T) {
	metrics := metric.NewMetricsRegistry()

	cfg := DefaultConfig()
	cfg.Port = 18117
	srv := NewServer(cfg, registry.NewRegistry(nil, nil), nil, metrics)

	hasGauge := func() bool {
		families, err := metrics.PrometheusRegistry().Gather()
		require.NoError(t, err)
		for _, f := range families {
			if f.GetName() == "sensorgate_websocket_clients_connected" {
				return true
			}
		}
		return false
	}

	assert.False(t, hasGauge(), "collectors mount on Start, not construction")

	require.NoError(t, srv.Start(context.Background()))
	assert.True(t, hasGauge())

	require.NoError(t, srv.Stop(2*time.Second))
	assert.False(t, hasGauge(), "Stop removes the component's collectors")
}
