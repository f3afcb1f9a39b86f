package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-bus/internal/metrics"
	"github.com/nerrad567/gray-logic-bus/internal/transport"
	"github.com/nerrad567/gray-logic-bus/internal/transport/loopback"
)

type testEnv struct {
	srv *Server
	tr  *loopback.Transport
	ts  *httptest.Server
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard)
}

// newTestEnv builds a gateway over a loopback transport. The gateway is
// created before Connect so the connected event lands in its history.
func newTestEnv(t *testing.T, mutate func(*config.GatewayConfig)) *testEnv {
	t.Helper()

	cfg := config.GatewayConfig{
		Enabled:   true,
		WebSocket: config.WebSocketConfig{Path: "/api/v1/ws", MaxMessageSize: 65536, PingInterval: 30, PongTimeout: 10},
		Events:    config.GatewayEventsConfig{History: 10},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	reg := prometheus.NewRegistry()
	rec, err := metrics.NewRecorder(reg)
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}

	tr := loopback.New(loopback.Config{Recorder: rec})
	stop := rec.Instrument(tr)
	t.Cleanup(stop)

	srv, err := New(Deps{
		Config:    cfg,
		Metrics:   config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Logger:    testLogger(),
		Transport: tr,
		Gatherer:  reg,
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
		_ = tr.Disconnect(context.Background())
	})
	return &testEnv{srv: srv, tr: tr, ts: ts}
}

func (e *testEnv) getJSON(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding %s response: %v", path, err)
	}
	return resp.StatusCode, body
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestNew_RequiresDeps(t *testing.T) {
	tr := loopback.New(loopback.Config{})

	tests := []struct {
		name string
		deps Deps
	}{
		{"missing logger", Deps{Transport: tr}},
		{"missing transport", Deps{Logger: testLogger()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestStartAndClose(t *testing.T) {
	tr := loopback.New(loopback.Config{})
	srv, err := New(Deps{
		Config:    config.GatewayConfig{Host: "127.0.0.1", Port: 0},
		Logger:    testLogger(),
		Transport: tr,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("Addr() is empty after Start")
	}

	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want 503 before Connect", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Error("Start() after Close error = nil, want error")
	}
}

// =============================================================================
// HTTP Endpoint Tests
// =============================================================================

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.getJSON(t, "/api/v1/health")
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if body["status"] != "ok" || body["transport"] != "loopback" || body["connection"] != "connected" {
		t.Errorf("body = %v", body)
	}
	if body["version"] != "test" {
		t.Errorf("version = %v, want test", body["version"])
	}

	if err := env.tr.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	code, body = env.getJSON(t, "/api/v1/health")
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if body["connection"] != "disconnected" {
		t.Errorf("connection = %v, want disconnected", body["connection"])
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.tr.Subscribe(ctx, "orders", func(transport.Envelope) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	code, body := env.getJSON(t, "/api/v1/status")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["subscriptions"] != float64(1) {
		t.Errorf("subscriptions = %v, want 1", body["subscriptions"])
	}
	topics, _ := body["topics"].([]any)
	if len(topics) != 1 || topics[0] != "orders" {
		t.Errorf("topics = %v, want [orders]", body["topics"])
	}
	caps, _ := body["capabilities"].([]any)
	if len(caps) != 2 || caps[0] != "snapshot" || caps[1] != "request" {
		t.Errorf("capabilities = %v, want [snapshot request]", body["capabilities"])
	}

	events, _ := body["events"].([]any)
	if len(events) == 0 {
		t.Fatal("events is empty, want the connected event")
	}
	last, _ := events[len(events)-1].(map[string]any)
	if last["type"] != "connected" {
		t.Errorf("last event = %v, want connected", last)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.tr.Publish(context.Background(), "orders", map[string]any{"id": 1}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	resp, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		"graybus_transport_messages_published_total",
		`graybus_transport_status{backend="loopback",status="connected"} 1`,
	} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	tr := loopback.New(loopback.Config{})
	srv, err := New(Deps{Logger: testLogger(), Transport: tr})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRequestIDAndCORS(t *testing.T) {
	env := newTestEnv(t, func(c *config.GatewayConfig) {
		c.CORS.AllowedOrigins = []string{"https://panel.example"}
	})

	tests := []struct {
		name      string
		origin    string
		wantAllow string
	}{
		{"allowed origin", "https://panel.example", "https://panel.example"},
		{"other origin", "https://evil.example", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			env.srv.Handler().ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("X-Request-ID missing")
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}
}
