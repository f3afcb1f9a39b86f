package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

const namespace = "graybus"

var statuses = []transport.Status{
	transport.StatusDisconnected,
	transport.StatusConnecting,
	transport.StatusConnected,
	transport.StatusReconnecting,
	transport.StatusError,
}

// Recorder exports transport measurements as Prometheus metrics.
// It implements transport.Recorder; Instrument adds status and error
// tracking for one transport.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Recorder struct {
	received        *prometheus.CounterVec // Messages delivered to handlers by backend
	published       *prometheus.CounterVec // Messages published by backend
	handlerFailures *prometheus.CounterVec // Handler errors and panics by backend
	reconnects      *prometheus.CounterVec // Scheduled reconnect attempts by backend
	errors          *prometheus.CounterVec // Broadcast transport errors by backend and code
	status          *prometheus.GaugeVec   // 1 for the current status of each backend
}

// NewRecorder creates a Recorder and registers its collectors with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_received_total",
			Help:      "Total messages delivered to subscription handlers",
		}, []string{"backend"}),

		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_published_total",
			Help:      "Total messages published",
		}, []string{"backend"}),

		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "handler_failures_total",
			Help:      "Total handler errors and panics",
		}, []string{"backend"}),

		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_scheduled_total",
			Help:      "Total reconnect attempts scheduled",
		}, []string{"backend"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Total transport errors by code",
		}, []string{"backend", "code"}),

		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "status",
			Help:      "Connection status (1 for the current status)",
		}, []string{"backend", "status"}),
	}

	for _, c := range []prometheus.Collector{r.received, r.published, r.handlerFailures, r.reconnects, r.errors, r.status} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering transport metrics: %w", err)
		}
	}
	return r, nil
}

// MessageReceived implements transport.Recorder. Message counters are
// labelled by backend only, never by topic.
func (r *Recorder) MessageReceived(kind transport.Kind, _ string) {
	r.received.WithLabelValues(string(kind)).Inc()
}

// MessagePublished implements transport.Recorder.
func (r *Recorder) MessagePublished(kind transport.Kind, _ string) {
	r.published.WithLabelValues(string(kind)).Inc()
}

// HandlerFailed implements transport.Recorder.
func (r *Recorder) HandlerFailed(kind transport.Kind, _ string) {
	r.handlerFailures.WithLabelValues(string(kind)).Inc()
}

// ReconnectScheduled implements transport.Recorder.
func (r *Recorder) ReconnectScheduled(kind transport.Kind, _ int) {
	r.reconnects.WithLabelValues(string(kind)).Inc()
}

// Instrument tracks the status and errors of t until the returned function
// is called.
func (r *Recorder) Instrument(t transport.Transport) (stop func()) {
	kind := string(t.Kind())
	r.setStatus(kind, t.Status())

	removeStatus := t.OnStatus(func(s transport.Status) {
		r.setStatus(kind, s)
	})
	removeError := t.OnError(func(e *transport.Error) {
		r.errors.WithLabelValues(kind, e.Code).Inc()
	})
	return func() {
		removeStatus()
		removeError()
	}
}

func (r *Recorder) setStatus(kind string, current transport.Status) {
	for _, s := range statuses {
		v := 0.0
		if s == current {
			v = 1
		}
		r.status.WithLabelValues(kind, s.String()).Set(v)
	}
}

// Handler serves the metrics gathered by g in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

var _ transport.Recorder = (*Recorder)(nil)
