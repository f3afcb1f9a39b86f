package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"

	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

// NATS header names read and written by this backend.
const (
	HeaderMsgID         = "Nats-Msg-Id"
	HeaderTTL           = "Nats-TTL"
	HeaderCorrelationID = "Correlation-Id"
)

// Defaults applied by New.
const (
	defaultClientName   = "graybus"
	defaultDrainTimeout = 5 * time.Second
	defaultStreamBuffer = 1024
)

// Config configures a NATS transport.
type Config struct {
	URLs       []string
	Username   string
	Password   string
	Token      string
	ClientName string

	PingInterval   time.Duration
	DrainTimeout   time.Duration
	RequestTimeout time.Duration
	StreamBuffer   int

	Reconnect      transport.ReconnectPolicy
	ConnectTimeout time.Duration
	Logger         transport.Logger
	Recorder       transport.Recorder
}

// Transport is the NATS backend. The client library's own reconnect logic
// is disabled; the shared reconnect policy drives recovery instead.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Transport struct {
	*transport.Core

	cfg  Config
	dial dialFunc

	mu   sync.RWMutex
	conn conn
}

// New creates a NATS transport. It does not connect.
//
// Parameters:
//   - cfg: Server URLs, credentials, drain timeout and reconnect policy;
//     empty fields take the package defaults
//
// Returns:
//   - *Transport: Disconnected transport
func New(cfg Config) *Transport {
	return newTransport(cfg, dialNATS)
}

func newTransport(cfg Config, dial dialFunc) *Transport {
	if len(cfg.URLs) == 0 {
		cfg.URLs = []string{natsgo.DefaultURL}
	}
	if cfg.ClientName == "" {
		cfg.ClientName = defaultClientName
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}

	t := &Transport{cfg: cfg, dial: dial}
	t.Core = transport.NewCore(transport.CoreConfig{
		Kind:           transport.KindNATS,
		Reconnect:      cfg.Reconnect,
		Logger:         cfg.Logger,
		Recorder:       cfg.Recorder,
		ConnectTimeout: cfg.ConnectTimeout,
	}, session{t})
	return t
}

type session struct{ t *Transport }

// Open dials the servers.
//
// It performs the following setup:
//  1. Builds options with client reconnects disabled so the Core owns retries
//  2. Adds credentials, ping interval and a dial timeout from ctx
//  3. Dials the comma-joined URL list
//
// Parameters:
//   - ctx: Its deadline bounds the dial
//   - lost: Called from the disconnect handler
//
// Returns:
//   - error: If no server accepts the connection
func (s session) Open(ctx context.Context, lost func(error)) error {
	t := s.t
	logger := t.Logger()

	opts := []natsgo.Option{
		natsgo.Name(t.cfg.ClientName),
		natsgo.NoReconnect(),
		natsgo.DrainTimeout(t.cfg.DrainTimeout),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			lost(err)
		}),
		natsgo.ErrorHandler(func(_ *natsgo.Conn, sub *natsgo.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("nats async error", "subject", subject, "error", err)
		}),
	}
	if t.cfg.Username != "" {
		opts = append(opts, natsgo.UserInfo(t.cfg.Username, t.cfg.Password))
	}
	if t.cfg.Token != "" {
		opts = append(opts, natsgo.Token(t.cfg.Token))
	}
	if t.cfg.PingInterval > 0 {
		opts = append(opts, natsgo.PingInterval(t.cfg.PingInterval))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, natsgo.Timeout(time.Until(deadline)))
	}

	url := strings.Join(t.cfg.URLs, ",")
	c, err := t.dial(url, opts...)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", url, err)
	}

	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()
	return nil
}

func (s session) Close(ctx context.Context) error {
	t := s.t
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.DrainTimeout)
	defer cancel()
	if err := c.drain(ctx); err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) {
		return fmt.Errorf("draining: %w", err)
	}
	return nil
}

func (t *Transport) current() conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

// Subscribe receives messages on subject. NATS wildcards (* and >) are
// passed through to the server. WithQueueGroup joins a queue group, so each
// message goes to one member of the group.
func (t *Transport) Subscribe(ctx context.Context, subject string, handler transport.Handler, opts ...transport.SubscribeOption) (*transport.Subscription, error) {
	return t.Register(ctx, subject, transport.ModeSubscribe, handler,
		transport.ApplySubscribeOptions(opts), t.open)
}

func (t *Transport) open(ctx context.Context, e *transport.Entry) (transport.Handle, error) {
	c := t.current()
	if c == nil {
		return nil, transport.ErrNotConnected
	}

	// ">" is only a NATS wildcard as a whole token, so "rates/>" subscribes
	// to ">" and deliveries are filtered here.
	subject := transport.TranslateWildcard(e.Topic, ".", ">")
	wildcard := transport.IsWildcard(e.Topic)
	ch := make(chan *natsgo.Msg, t.cfg.StreamBuffer)
	sub, err := c.subscribe(subject, e.Options.QueueGroup, ch)
	if err != nil {
		return nil, err
	}
	// The flush round trip confirms the server has the interest registered.
	if err := c.flush(ctx); err != nil {
		_ = sub.Unsubscribe() //nolint:errcheck // subscribe already failed
		return nil, err
	}

	w := transport.StartWorker(ch, func(m *natsgo.Msg) {
		if wildcard && !transport.Matches(e.Topic, m.Subject) {
			return
		}
		t.Deliver(e, normalize(m, time.Now()))
	})

	return transport.HandleFunc(func(ctx context.Context) error {
		err := sub.Unsubscribe()
		stopErr := w.Stop(ctx)
		if err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) && !errors.Is(err, natsgo.ErrBadSubscription) {
			return err
		}
		return stopErr
	}), nil
}

// Publish sends message on subject. Headers, correlation id, reply subject
// and TTL are carried as NATS headers; Persistent has no core NATS meaning.
func (t *Transport) Publish(ctx context.Context, subject string, message any, opts ...transport.PublishOption) error {
	if subject == "" {
		return t.Fail(transport.OpPublish, "subject cannot be empty", transport.ErrInvalidTopic, false)
	}
	if err := t.RequireConnected(transport.OpPublish); err != nil {
		return err
	}
	c := t.current()
	if c == nil {
		return t.Fail(transport.OpPublish, "not connected", transport.ErrNotConnected, true)
	}

	body, err := transport.EncodePayload(message)
	if err != nil {
		return t.Fail(transport.OpPublish, "encoding message", err, false)
	}
	o := transport.ApplyPublishOptions(opts)

	msg := natsgo.NewMsg(subject)
	msg.Data = body
	msg.Reply = o.ReplyTo
	applyHeaders(msg, o.Headers)
	msg.Header.Set(HeaderMsgID, uuid.NewString())
	if o.CorrelationID != "" {
		msg.Header.Set(HeaderCorrelationID, o.CorrelationID)
	}
	if o.TTL > 0 {
		msg.Header.Set(HeaderTTL, o.TTL.String())
	}

	if err := ctx.Err(); err != nil {
		return t.Fail(transport.OpPublish, "publish cancelled", err, false)
	}
	if err := c.publish(msg); err != nil {
		return t.Fail(transport.OpPublish, fmt.Sprintf("publish to %q failed", subject), err, true)
	}
	t.Published(subject)
	return nil
}

// Request publishes message and waits for one reply on a private inbox.
func (t *Transport) Request(ctx context.Context, subject string, message any, opts ...transport.RequestOption) (transport.Envelope, error) {
	if subject == "" {
		return transport.Envelope{}, t.Fail(transport.OpRequest, "subject cannot be empty", transport.ErrInvalidTopic, false)
	}
	if err := t.RequireConnected(transport.OpRequest); err != nil {
		return transport.Envelope{}, err
	}
	c := t.current()
	if c == nil {
		return transport.Envelope{}, t.Fail(transport.OpRequest, "not connected", transport.ErrNotConnected, true)
	}

	body, err := transport.EncodePayload(message)
	if err != nil {
		return transport.Envelope{}, t.Fail(transport.OpRequest, "encoding message", err, false)
	}
	o := transport.ApplyRequestOptions(opts)

	ctx, cancel := context.WithTimeout(ctx, o.TimeoutOr(t.cfg.RequestTimeout))
	defer cancel()

	msg := natsgo.NewMsg(subject)
	msg.Data = body
	applyHeaders(msg, o.Headers)
	correlationID := uuid.NewString()
	msg.Header.Set(HeaderCorrelationID, correlationID)

	reply, err := c.request(ctx, msg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, natsgo.ErrTimeout) {
			err = fmt.Errorf("%w: %w", transport.ErrTimeout, err)
		}
		return transport.Envelope{}, t.Fail(transport.OpRequest, fmt.Sprintf("request to %q failed", subject), err, true)
	}

	env := normalize(reply, time.Now())
	if env.CorrelationID == "" {
		env.CorrelationID = correlationID
	}
	return env, nil
}

func applyHeaders(msg *natsgo.Msg, headers map[string]string) {
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
}

var (
	_ transport.Transport      = (*Transport)(nil)
	_ transport.RequestCapable = (*Transport)(nil)
)
