package transport

import (
	"context"
	"io"
	"log/slog"
)

// Kind identifies a backend.
type Kind string

// Supported backends.
const (
	KindAMPS     Kind = "amps"
	KindAMQP     Kind = "amqp"
	KindNATS     Kind = "nats"
	KindMQTT     Kind = "mqtt"
	KindLoopback Kind = "loopback"
)

// Handler receives normalized messages for one subscription.
//
// Handlers run on the subscription's delivery goroutine. A returned error or
// a panic is logged and delivery continues with the next message.
type Handler func(env Envelope) error

// Logger is the logging surface the transport needs.
// Compatible with *slog.Logger and *logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// discardLogger is used when no logger is configured.
var discardLogger Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Transport is the contract every backend adapter fulfils.
type Transport interface {
	// Connect opens the connection. Calling it while connected is a no-op.
	Connect(ctx context.Context) error

	// Disconnect closes the connection, cancels pending retries and drops
	// every subscription. It is idempotent.
	Disconnect(ctx context.Context) error

	// Subscribe registers handler for messages on topic. It fails fast when
	// not connected.
	Subscribe(ctx context.Context, topic string, handler Handler, opts ...SubscribeOption) (*Subscription, error)

	// Publish sends message on topic.
	Publish(ctx context.Context, topic string, message any, opts ...PublishOption) error

	IsConnected() bool
	Status() Status
	Kind() Kind

	// OnStatus, OnEvent and OnError register observers and return a function
	// that removes them.
	OnStatus(fn func(Status)) (remove func())
	OnEvent(fn func(Event)) (remove func())
	OnError(fn func(*Error)) (remove func())
}

// SnapshotCapable is implemented by backends with a state-of-world cache.
type SnapshotCapable interface {
	// SOWQuery returns the current records for topic.
	SOWQuery(ctx context.Context, topic string, opts ...SubscribeOption) ([]Envelope, error)

	// SOWAndSubscribe delivers the current records for topic followed by live
	// updates, through the same handler and without a gap.
	SOWAndSubscribe(ctx context.Context, topic string, handler Handler, opts ...SubscribeOption) (*Subscription, error)

	// SOWDelete removes records matching filter and reports how many were removed.
	SOWDelete(ctx context.Context, topic, filter string) (int, error)
}

// DeltaCapable is implemented by backends that can send only changed fields.
type DeltaCapable interface {
	DeltaSubscribe(ctx context.Context, topic string, handler Handler, opts ...SubscribeOption) (*Subscription, error)
}

// RequestCapable is implemented by backends with request/reply.
type RequestCapable interface {
	// Request publishes message and waits for exactly one reply.
	Request(ctx context.Context, topic string, message any, opts ...RequestOption) (Envelope, error)
}

// Subscription is the caller's handle on an active subscription.
type Subscription struct {
	id          string
	topic       string
	unsubscribe func(ctx context.Context, id string) error
}

// ID returns the subscription id. It survives reconnects.
func (s *Subscription) ID() string { return s.id }

// Topic returns the topic or pattern the subscription was created with.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe stops delivery and releases backend resources. Calling it
// more than once is harmless.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	if s == nil || s.unsubscribe == nil {
		return nil
	}
	return s.unsubscribe(ctx, s.id)
}
