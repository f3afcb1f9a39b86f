package gateway

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-bus/internal/metrics"
	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

// Optional transport views used by the status endpoint. Every backend built
// on transport.Core provides them.
type (
	subscriptionCounter interface{ SubscriptionCount() int }
	topicLister         interface{ Topics() []string }
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)

	if s.metrics.Enabled {
		r.Handle(s.metrics.Path, metrics.Handler(s.gatherer))
	}

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/status", s.handleStatus)
	r.Get(s.wsPath(), s.handleWebSocket)

	return r
}

func (s *Server) wsPath() string {
	if s.cfg.WebSocket.Path == "" {
		return "/api/v1/ws"
	}
	return s.cfg.WebSocket.Path
}

// handleHealth reports 200 while the transport is connected and 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	health := "ok"
	if !s.transport.IsConnected() {
		status = http.StatusServiceUnavailable
		health = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":     health,
		"transport":  string(s.transport.Kind()),
		"connection": s.transport.Status().String(),
		"version":    s.version,
	})
}

// handleStatus returns the connection state, active subscriptions and the
// recent connection events.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"transport":    string(s.transport.Kind()),
		"connection":   s.transport.Status().String(),
		"capabilities": capabilities(s.transport),
		"clients":      s.hub.ClientCount(),
		"events":       s.history.list(),
	}
	if c, ok := s.transport.(subscriptionCounter); ok {
		body["subscriptions"] = c.SubscriptionCount()
	}
	if l, ok := s.transport.(topicLister); ok {
		topics := l.Topics()
		sort.Strings(topics)
		body["topics"] = topics
	}
	writeJSON(w, http.StatusOK, body)
}

func capabilities(t transport.Transport) []string {
	caps := []string{}
	if _, ok := t.(transport.SnapshotCapable); ok {
		caps = append(caps, "snapshot")
	}
	if _, ok := t.(transport.DeltaCapable); ok {
		caps = append(caps, "delta")
	}
	if _, ok := t.(transport.RequestCapable); ok {
		caps = append(caps, "request")
	}
	return caps
}
