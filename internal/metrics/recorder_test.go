package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/gray-logic-bus/internal/transport"
	"github.com/nerrad567/gray-logic-bus/internal/transport/loopback"
)

func newRecorder(t *testing.T) (*Recorder, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	rec, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	return rec, reg
}

func eventually(t *testing.T, what string, cond func() bool) {
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
// Recorder Tests
// =============================================================================

func TestNewRecorder_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewRecorder(reg); err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	if _, err := NewRecorder(reg); err == nil {
		t.Error("NewRecorder() on the same registry expected error, got nil")
	}
}

func TestRecorder_Counters(t *testing.T) {
	rec, _ := newRecorder(t)

	rec.MessageReceived(transport.KindNATS, "orders")
	rec.MessageReceived(transport.KindNATS, "orders.eu.new")
	rec.MessagePublished(transport.KindNATS, "orders")
	rec.HandlerFailed(transport.KindAMQP, "quotes")
	rec.ReconnectScheduled(transport.KindMQTT, 1)
	rec.ReconnectScheduled(transport.KindMQTT, 2)

	tests := []struct {
		name      string
		collector prometheus.Collector
		want      float64
	}{
		{"received", rec.received.WithLabelValues("nats"), 2},
		{"published", rec.published.WithLabelValues("nats"), 1},
		{"handler failures", rec.handlerFailures.WithLabelValues("amqp"), 1},
		{"reconnects", rec.reconnects.WithLabelValues("mqtt"), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.collector); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
			}
		})
	}

	// Distinct topics share one series per backend.
	if n := testutil.CollectAndCount(rec.received); n != 1 {
		t.Errorf("received series = %d, want 1", n)
	}
}

func TestRecorder_Instrument(t *testing.T) {
	rec, _ := newRecorder(t)
	tr := loopback.New(loopback.Config{Recorder: rec})
	stop := rec.Instrument(tr)
	defer stop()

	gauge := func(status string) float64 {
		return testutil.ToFloat64(rec.status.WithLabelValues("loopback", status))
	}
	if gauge("disconnected") != 1 {
		t.Errorf("disconnected gauge = %v, want 1 before connect", gauge("disconnected"))
	}

	ctx := context.Background()
	if _, err := tr.Subscribe(ctx, "orders", func(transport.Envelope) error { return nil }); err == nil {
		t.Fatal("Subscribe() before Connect expected error")
	}
	eventually(t, "error counter", func() bool {
		return testutil.ToFloat64(rec.errors.WithLabelValues("loopback", "LOOPBACK_SUBSCRIBE_ERROR")) == 1
	})

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer func() { _ = tr.Disconnect(ctx) }()
	eventually(t, "connected gauge", func() bool {
		return gauge("connected") == 1 && gauge("disconnected") == 0
	})

	if _, err := tr.Subscribe(ctx, "orders", func(transport.Envelope) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := tr.Publish(ctx, "orders", map[string]any{"id": 1}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	eventually(t, "received counter", func() bool {
		return testutil.ToFloat64(rec.received.WithLabelValues("loopback")) == 1
	})
	if got := testutil.ToFloat64(rec.published.WithLabelValues("loopback")); got != 1 {
		t.Errorf("published = %v, want 1", got)
	}

	stop()
	if err := tr.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if gauge("connected") != 1 {
		t.Error("status gauge changed after stop")
	}
}

func TestHandler(t *testing.T) {
	rec, reg := newRecorder(t)
	rec.MessagePublished(transport.KindLoopback, "orders")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), `graybus_transport_messages_published_total{backend="loopback"} 1`) {
		t.Errorf("body missing published counter:\n%s", body)
	}
}
