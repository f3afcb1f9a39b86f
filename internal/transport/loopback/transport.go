package loopback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

// inboxPrefix starts the private reply topics used by Request.
const inboxPrefix = "_INBOX."

// Config configures a loopback transport.
type Config struct {
	// Broker is the broker to attach to. Transports that share a broker
	// see each other's messages. A private broker is created when nil.
	Broker *Broker

	RequestTimeout time.Duration

	Reconnect      transport.ReconnectPolicy
	ConnectTimeout time.Duration
	Logger         transport.Logger
	Recorder       transport.Recorder
}

// Transport is the in-process backend. It supports snapshots and
// request/reply, and is used for development and tests.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Transport struct {
	*transport.Core

	cfg    Config
	broker *Broker

	mu   sync.RWMutex
	conn *conn
}

// New creates a loopback transport. It does not connect.
//
// Parameters:
//   - cfg: Broker to attach to; nil gives the transport a private broker
//
// Returns:
//   - *Transport: Disconnected transport
func New(cfg Config) *Transport {
	if cfg.Broker == nil {
		cfg.Broker = NewBroker(BrokerConfig{})
	}
	t := &Transport{cfg: cfg, broker: cfg.Broker}
	t.Core = transport.NewCore(transport.CoreConfig{
		Kind:           transport.KindLoopback,
		Reconnect:      cfg.Reconnect,
		Logger:         cfg.Logger,
		Recorder:       cfg.Recorder,
		ConnectTimeout: cfg.ConnectTimeout,
	}, session{t})
	return t
}

// Broker returns the broker the transport attaches to.
func (t *Transport) Broker() *Broker { return t.broker }

type session struct{ t *Transport }

// Open attaches to the broker. lost fires when the broker drops the
// attachment. It fails only when the broker refuses new attachments.
func (s session) Open(_ context.Context, lost func(error)) error {
	c, err := s.t.broker.attach(lost)
	if err != nil {
		return err
	}
	s.t.mu.Lock()
	s.t.conn = c
	s.t.mu.Unlock()
	return nil
}

func (s session) Close(context.Context) error {
	s.t.mu.Lock()
	c := s.t.conn
	s.t.conn = nil
	s.t.mu.Unlock()
	if c != nil {
		s.t.broker.detach(c)
	}
	return nil
}

func (t *Transport) current() *conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

// Subscribe receives messages published on topics matching topic.
// WithFilter restricts delivery to payloads matching the filter.
func (t *Transport) Subscribe(ctx context.Context, topic string, handler transport.Handler, opts ...transport.SubscribeOption) (*transport.Subscription, error) {
	return t.register(ctx, topic, transport.ModeSubscribe, handler, opts)
}

// SOWAndSubscribe delivers the stored records matching topic, then every
// later message, through the same ordered queue.
func (t *Transport) SOWAndSubscribe(ctx context.Context, topic string, handler transport.Handler, opts ...transport.SubscribeOption) (*transport.Subscription, error) {
	return t.register(ctx, topic, transport.ModeSOWAndSubscribe, handler, opts)
}

func (t *Transport) register(ctx context.Context, topic string, mode transport.Mode, handler transport.Handler, opts []transport.SubscribeOption) (*transport.Subscription, error) {
	o := transport.ApplySubscribeOptions(opts)
	if _, err := parseFilter(o.Filter); err != nil {
		return nil, t.Fail(mode.Op(), "invalid filter", err, false)
	}
	return t.Register(ctx, topic, mode, handler, o, t.open)
}

func (t *Transport) open(_ context.Context, e *transport.Entry) (transport.Handle, error) {
	c := t.current()
	if c == nil {
		return nil, transport.ErrNotConnected
	}
	filter, err := parseFilter(e.Options.Filter)
	if err != nil {
		return nil, err
	}

	box := newMailbox()
	// notify only fires after broker.subscribe, so w is set before fn reads it.
	var w *transport.Worker[struct{}]
	w = transport.StartWorker(box.notify, func(struct{}) {
		for _, env := range box.take() {
			select {
			case <-w.Done():
				return
			default:
			}
			t.Deliver(e, env)
		}
	})

	sub := &subscriber{pattern: e.Topic, filter: filter, box: box}
	if err := t.broker.subscribe(c, e.ID, sub, e.Mode == transport.ModeSOWAndSubscribe); err != nil {
		_ = w.Stop(context.Background()) //nolint:errcheck // subscribe already failed
		return nil, err
	}

	return transport.HandleFunc(func(ctx context.Context) error {
		t.broker.unsubscribe(c, e.ID)
		return w.Stop(ctx)
	}), nil
}

// Publish hands message to the broker. TTL bounds how long the SOW keeps
// the record.
func (t *Transport) Publish(ctx context.Context, topic string, message any, opts ...transport.PublishOption) error {
	if topic == "" {
		return t.Fail(transport.OpPublish, "topic cannot be empty", transport.ErrInvalidTopic, false)
	}
	if err := t.RequireConnected(transport.OpPublish); err != nil {
		return err
	}
	body, err := transport.EncodePayload(message)
	if err != nil {
		return t.Fail(transport.OpPublish, "encoding message", err, false)
	}
	if err := ctx.Err(); err != nil {
		return t.Fail(transport.OpPublish, "publish cancelled", err, false)
	}
	o := transport.ApplyPublishOptions(opts)

	headers := transport.CopyHeaders(o.Headers)
	if o.ReplyTo != "" {
		headers[transport.HeaderReplyTo] = o.ReplyTo
	}
	headers[transport.HeaderContentType] = transport.ContentType(message)

	msg := published{
		topic:         topic,
		body:          body,
		messageID:     uuid.NewString(),
		correlationID: o.CorrelationID,
		timestamp:     time.Now(),
		headers:       headers,
	}
	if err := t.broker.publish(t.current(), msg, o.TTL); err != nil {
		return t.Fail(transport.OpPublish, fmt.Sprintf("publish to %q failed", topic), err, true)
	}
	t.Published(topic)
	return nil
}

// SOWQuery returns the stored records matching topic. WithFilter and
// WithTopN narrow the result.
func (t *Transport) SOWQuery(ctx context.Context, topic string, opts ...transport.SubscribeOption) ([]transport.Envelope, error) {
	if topic == "" {
		return nil, t.Fail(transport.OpSOW, "topic cannot be empty", transport.ErrInvalidTopic, false)
	}
	if err := t.RequireConnected(transport.OpSOW); err != nil {
		return nil, err
	}
	o := transport.ApplySubscribeOptions(opts)
	filter, err := parseFilter(o.Filter)
	if err != nil {
		return nil, t.Fail(transport.OpSOW, "invalid filter", err, false)
	}
	if err := ctx.Err(); err != nil {
		return nil, t.Fail(transport.OpSOW, "query cancelled", err, false)
	}
	return t.broker.query(topic, filter, o.TopN), nil
}

// SOWDelete removes the stored records matching topic and filter. An empty
// filter removes every record on the topic.
func (t *Transport) SOWDelete(ctx context.Context, topic, filter string) (int, error) {
	if topic == "" {
		return 0, t.Fail(transport.OpSOWDelete, "topic cannot be empty", transport.ErrInvalidTopic, false)
	}
	if err := t.RequireConnected(transport.OpSOWDelete); err != nil {
		return 0, err
	}
	p, err := parseFilter(filter)
	if err != nil {
		return 0, t.Fail(transport.OpSOWDelete, "invalid filter", err, false)
	}
	if err := ctx.Err(); err != nil {
		return 0, t.Fail(transport.OpSOWDelete, "delete cancelled", err, false)
	}
	return t.broker.remove(topic, p), nil
}

// Request publishes message with a private reply topic and waits for the
// first message published to it.
func (t *Transport) Request(ctx context.Context, topic string, message any, opts ...transport.RequestOption) (transport.Envelope, error) {
	if topic == "" {
		return transport.Envelope{}, t.Fail(transport.OpRequest, "topic cannot be empty", transport.ErrInvalidTopic, false)
	}
	if err := t.RequireConnected(transport.OpRequest); err != nil {
		return transport.Envelope{}, err
	}
	c := t.current()
	if c == nil {
		return transport.Envelope{}, t.Fail(transport.OpRequest, "not connected", transport.ErrNotConnected, true)
	}
	o := transport.ApplyRequestOptions(opts)

	ctx, cancel := context.WithTimeout(ctx, o.TimeoutOr(t.cfg.RequestTimeout))
	defer cancel()

	inbox := inboxPrefix + uuid.NewString()
	box := newMailbox()
	if err := t.broker.subscribe(c, inbox, &subscriber{pattern: inbox, filter: matchAll, box: box}, false); err != nil {
		return transport.Envelope{}, t.Fail(transport.OpRequest, "creating reply inbox", err, true)
	}
	defer t.broker.unsubscribe(c, inbox)

	correlationID := uuid.NewString()
	if err := t.Publish(ctx, topic, message,
		transport.WithHeaders(o.Headers),
		transport.WithReplyTo(inbox),
		transport.WithCorrelationID(correlationID),
	); err != nil {
		return transport.Envelope{}, err
	}

	select {
	case <-box.notify:
		reply := box.take()[0]
		if reply.CorrelationID == "" {
			reply.CorrelationID = correlationID
		}
		return reply, nil
	case <-ctx.Done():
		return transport.Envelope{}, t.Fail(transport.OpRequest,
			fmt.Sprintf("no reply from %q", topic),
			fmt.Errorf("%w: %w", transport.ErrTimeout, ctx.Err()), true)
	}
}

var (
	_ transport.Transport       = (*Transport)(nil)
	_ transport.SnapshotCapable = (*Transport)(nil)
	_ transport.RequestCapable  = (*Transport)(nil)
)
