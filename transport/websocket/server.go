// Package websocket provides the WebSocket delivery transport. It upgrades
// HTTP clients, registers each connection with the subscription registry and
// relays subscribe/unsubscribe control messages from clients.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sensorgate/errors"
	"github.com/c360/sensorgate/metric"
	"github.com/c360/sensorgate/registry"
)

// Config holds WebSocket server configuration
type Config struct {
	Port         int
	Path         string
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible defaults for the WebSocket server.
func DefaultConfig() Config {
	return Config{
		Port:         8081,
		Path:         "/ws",
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if c.Port < 1024 || c.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("invalid port %d (out of range 1024-65535)", c.Port))
	}
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "path cannot be empty")
	}
	return nil
}

// controlMessage is the client-to-server control protocol. Clients manage
// their sensor subscriptions over the open connection.
type controlMessage struct {
	Action   string `json:"action"` // "subscribe" or "unsubscribe"
	SensorID int64  `json:"sensor_id"`
}

// Metrics holds Prometheus metrics for the WebSocket server
type Metrics struct {
	clientsConnected prometheus.Gauge
	connectionsTotal prometheus.Counter
	controlMessages  *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensorgate",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorgate",
			Subsystem: "websocket",
			Name:      "client_connections_total",
			Help:      "Total client connections (including disconnected)",
		}),

		controlMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorgate",
			Subsystem: "websocket",
			Name:      "control_messages_total",
			Help:      "Subscribe/unsubscribe control messages by action",
		}, []string{"action"}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorgate",
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "WebSocket server errors",
		}, []string{"error_type"}),
	}

	return metrics
}

// collectors names the server's collectors for lifecycle-scoped registration.
func (m *Metrics) collectors() map[string]prometheus.Collector {
	return map[string]prometheus.Collector{
		"clients_connected":        m.clientsConnected,
		"client_connections_total": m.connectionsTotal,
		"control_messages_total":   m.controlMessages,
		"errors_total":             m.errorsTotal,
	}
}

// Server is the WebSocket delivery transport. Each upgraded connection is
// registered with the subscription registry as an endpoint; broadcasts reach
// clients through the registry, never through the server directly.
type Server struct {
	cfg      Config
	registry *registry.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	server  *http.Server
	conns   map[string]*Conn
	connsMu sync.RWMutex

	// Lifecycle management
	shutdown    chan struct{}
	running     bool
	mu          sync.RWMutex
	lifecycleMu sync.Mutex
	wg          *sync.WaitGroup

	metrics    *Metrics
	metricsReg *metric.MetricsRegistry
}

// NewServer creates a WebSocket server. The metrics registry is optional.
func NewServer(cfg Config, reg *registry.Registry, logger *slog.Logger, metrics *metric.MetricsRegistry) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		registry: reg,
		logger:   logger.With("component", "transport.websocket"),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(_ *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns:      make(map[string]*Conn),
		metrics:    newMetrics(metrics),
		metricsReg: metrics,
	}
}

// registerMetrics mounts the server's collectors on the shared registry under
// the websocket component name so Stop can remove them again.
func (s *Server) registerMetrics() {
	if s.metrics == nil || s.metricsReg == nil {
		return
	}
	for name, collector := range s.metrics.collectors() {
		if err := s.metricsReg.Register("websocket", name, collector); err != nil {
			s.logger.Warn("metric registration failed", "metric", name, "error", err)
		}
	}
}

func (s *Server) unregisterMetrics() {
	if s.metrics == nil || s.metricsReg == nil {
		return
	}
	for name := range s.metrics.collectors() {
		s.metricsReg.Unregister("websocket", name)
	}
}

// Start begins serving WebSocket upgrades. Start and Stop are serialized.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start server")
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Server", "Start", "context already cancelled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: mux,
	}

	s.registerMetrics()

	s.shutdown = make(chan struct{})
	s.wg = &sync.WaitGroup{}
	s.wg.Add(2)
	go s.runServer(s.wg)
	go s.maintainClients(s.wg, s.shutdown)

	s.running = true
	s.logger.Info("websocket server started", "port", s.cfg.Port, "path", s.cfg.Path)
	return nil
}

// Stop shuts the server down, disconnecting every client. Safe to call on a
// stopped server.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false

	if s.shutdown != nil {
		close(s.shutdown)
	}
	wg := s.wg
	server := s.server
	s.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http server shutdown error", "error", err)
		}
	}

	if wg != nil {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			s.logger.Warn("websocket goroutines did not exit within timeout")
		}
	}

	s.closeAllClients()
	s.unregisterMetrics()

	s.mu.Lock()
	s.server = nil
	s.shutdown = nil
	s.wg = nil
	s.mu.Unlock()

	s.logger.Info("websocket server stopped")
	return nil
}

func (s *Server) runServer(wg *sync.WaitGroup) {
	defer wg.Done()

	s.mu.RLock()
	server := s.server
	s.mu.RUnlock()
	if server == nil {
		return
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("http server failed", "error", err)
	}
}

// handleWebSocket upgrades the connection and registers it as an endpoint.
// An optional sensor_id query parameter subscribes the client immediately.
func (s *Server) handleWebSocket(wr http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(wr, r, nil)
	if err != nil {
		if s.metrics != nil {
			s.metrics.errorsTotal.WithLabelValues("connection_upgrade").Inc()
		}
		return
	}

	var sensorID int64
	if raw := r.URL.Query().Get("sensor_id"); raw != "" {
		id, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil || id <= 0 {
			if s.metrics != nil {
				s.metrics.errorsTotal.WithLabelValues("bad_sensor_id").Inc()
			}
			_ = ws.Close()
			return
		}
		sensorID = id
	}

	s.mu.RLock()
	running := s.running
	wg := s.wg
	shutdown := s.shutdown
	s.mu.RUnlock()
	if !running {
		_ = ws.Close()
		return
	}

	conn := newConn(ws, s.cfg.WriteTimeout)

	s.connsMu.Lock()
	s.conns[conn.ID()] = conn
	count := len(s.conns)
	s.connsMu.Unlock()

	s.registry.Connect(conn, sensorID)

	if s.metrics != nil {
		s.metrics.connectionsTotal.Inc()
		s.metrics.clientsConnected.Set(float64(count))
	}

	s.logger.Debug("client connected",
		"endpoint_id", conn.ID(),
		"sensor_id", sensorID,
		"remote", r.RemoteAddr)

	wg.Add(1)
	go s.handleClient(conn, wg, shutdown)
}

// handleClient reads control messages until the client goes away.
func (s *Server) handleClient(conn *Conn, wg *sync.WaitGroup, shutdown chan struct{}) {
	defer wg.Done()
	defer s.removeClient(conn)

	conn.ws.SetPongHandler(func(string) error {
		conn.lastPong.Store(time.Now())
		return nil
	})

	for {
		select {
		case <-shutdown:
			return
		default:
		}

		_ = conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Not a control message, ignore
			continue
		}
		s.handleControl(conn, msg)
	}
}

func (s *Server) handleControl(conn *Conn, msg controlMessage) {
	if msg.SensorID <= 0 {
		if s.metrics != nil {
			s.metrics.errorsTotal.WithLabelValues("bad_sensor_id").Inc()
		}
		return
	}

	switch msg.Action {
	case "subscribe":
		s.registry.Subscribe(conn, msg.SensorID)
	case "unsubscribe":
		s.registry.Unsubscribe(conn, msg.SensorID)
	default:
		// Unknown action, ignore
		return
	}

	if s.metrics != nil {
		s.metrics.controlMessages.WithLabelValues(msg.Action).Inc()
	}
}

// removeClient drops the connection from both the server and the registry.
func (s *Server) removeClient(conn *Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn.ID())
	count := len(s.conns)
	s.connsMu.Unlock()

	s.registry.Disconnect(conn)
	_ = conn.Close()

	if s.metrics != nil {
		s.metrics.clientsConnected.Set(float64(count))
	}

	s.logger.Debug("client disconnected", "endpoint_id", conn.ID())
}

func (s *Server) closeAllClients() {
	s.connsMu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.conns = make(map[string]*Conn)
	s.connsMu.Unlock()

	for _, conn := range conns {
		s.registry.Disconnect(conn)
		_ = conn.Close()
	}

	if s.metrics != nil {
		s.metrics.clientsConnected.Set(0)
	}
}

// maintainClients pings clients periodically and drops the unresponsive.
func (s *Server) maintainClients(wg *sync.WaitGroup, shutdown chan struct{}) {
	defer wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			s.pingClients()
		}
	}
}

func (s *Server) pingClients() {
	s.connsMu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connsMu.RUnlock()

	for _, conn := range conns {
		if err := conn.ping(); err != nil {
			s.removeClient(conn)
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}
