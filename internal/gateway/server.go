package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the gateway.
type Deps struct {
	Config    config.GatewayConfig
	Metrics   config.MetricsConfig
	Logger    *logging.Logger
	Transport transport.Transport

	// Gatherer backs the metrics endpoint. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	Version  string
}

// Server is the feed gateway: health and status endpoints, Prometheus
// exposition and the WebSocket relay onto the transport.
type Server struct {
	cfg       config.GatewayConfig
	metrics   config.MetricsConfig
	logger    *logging.Logger
	transport transport.Transport
	gatherer  prometheus.Gatherer
	version   string

	hub     *Hub
	history *eventHistory
	handler http.Handler

	mu         sync.Mutex
	server     *http.Server
	listener   net.Listener
	stopEvents func()
	closed     bool
}

// New creates a gateway. The server is not started until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Metrics.Path == "" {
		deps.Metrics.Path = "/metrics"
	}

	s := &Server{
		cfg:       deps.Config,
		metrics:   deps.Metrics,
		logger:    deps.Logger.Component("gateway"),
		transport: deps.Transport,
		gatherer:  deps.Gatherer,
		version:   deps.Version,
		history:   newEventHistory(deps.Config.Events.History),
	}
	s.hub = NewHub(deps.Config.WebSocket, s.logger)
	s.handler = s.buildRouter()

	s.stopEvents = deps.Transport.OnEvent(func(ev transport.Event) {
		v := viewEvent(ev)
		s.history.add(v)
		s.hub.Broadcast(EventTypeConnection, v)
	})
	return s, nil
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("gateway closed")
	}
	if s.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Address(), err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		WriteTimeout:      s.cfg.GetWriteTimeout(),
		IdleTimeout:       s.cfg.GetIdleTimeout(),
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server error", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close disconnects WebSocket clients and shuts the HTTP server down,
// waiting up to 10 seconds for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.server
	s.mu.Unlock()

	if s.stopEvents != nil {
		s.stopEvents()
	}
	s.hub.closeAll()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("gateway shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down gateway: %w", err)
	}
	return nil
}
