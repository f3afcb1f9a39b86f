package amps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

// Defaults applied by New.
const (
	defaultClientName     = "graybus"
	defaultMessageType    = "json"
	defaultIdentityField  = "id"
	defaultCommandTimeout = 10 * time.Second
	defaultStreamBuffer   = 1024
	clientVersion         = "graybus/1.0"
)

// Config configures an AMPS transport.
type Config struct {
	// URL is the WebSocket endpoint, e.g. ws://amps:9008/amps/json.
	URL string

	Username   string
	Password   string
	ClientName string

	// MessageType is the AMPS message type sent at logon.
	MessageType string

	// IdentityField marks a bodyless message as carrying its own payload.
	IdentityField string

	// Heartbeat enables AMPS heartbeats at this interval when positive.
	Heartbeat time.Duration

	// CommandTimeout bounds the wait for a processed or completed ack.
	CommandTimeout time.Duration

	// StreamBuffer is the per-subscription delivery queue length.
	StreamBuffer int

	Reconnect      transport.ReconnectPolicy
	ConnectTimeout time.Duration
	Logger         transport.Logger
	Recorder       transport.Recorder

	// Dialer overrides the WebSocket dialer.
	Dialer *websocket.Dialer
}

// Transport is the AMPS backend. It supports SOW queries, SOW-and-subscribe,
// delta subscriptions and SOW deletes in addition to plain pub/sub.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions are restored on reconnection with their original ids.
type Transport struct {
	*transport.Core

	cfg Config

	mu       sync.RWMutex
	conn     *conn
	unrouted *transport.Worker[*Message]
}

// New creates an AMPS transport. It does not connect.
//
// Empty fields take defaults: client name "graybus", message type "json",
// identity field "id", a 10s command timeout and a dialer offering the
// "amps" subprotocol.
//
// Parameters:
//   - cfg: Endpoint, credentials, protocol settings and reconnect policy
//
// Returns:
//   - *Transport: Disconnected transport; call Connect to log on
func New(cfg Config) *Transport {
	if cfg.ClientName == "" {
		cfg.ClientName = defaultClientName
	}
	if cfg.MessageType == "" {
		cfg.MessageType = defaultMessageType
	}
	if cfg.IdentityField == "" {
		cfg.IdentityField = defaultIdentityField
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			HandshakeTimeout: transport.DefaultConnectTimeout,
			Subprotocols:     []string{"amps"},
		}
	}

	t := &Transport{cfg: cfg}
	t.Core = transport.NewCore(transport.CoreConfig{
		Kind:           transport.KindAMPS,
		Reconnect:      cfg.Reconnect,
		Logger:         cfg.Logger,
		Recorder:       cfg.Recorder,
		ConnectTimeout: cfg.ConnectTimeout,
	}, session{t})
	return t
}

// session opens and closes the WebSocket for the Core.
type session struct{ t *Transport }

// Open connects and logs on.
//
// It performs the following setup:
//  1. Dials the WebSocket endpoint
//  2. Starts the read loop and the worker for unclaimed messages
//  3. Sends logon and waits for the processed ack
//  4. Starts heartbeats when configured
//
// Parameters:
//   - ctx: Bounds the dial and the logon ack
//   - lost: Called once if the read loop fails after Open returns
//
// Returns:
//   - error: If the dial, logon or heartbeat setup fails; nothing is left open
func (s session) Open(ctx context.Context, lost func(error)) error {
	t := s.t
	ws, _, err := t.cfg.Dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", t.cfg.URL, err)
	}

	// Unclaimed messages are routed on their own worker, off the read loop.
	ch := make(chan *Message, t.cfg.StreamBuffer)
	w := transport.StartWorker(ch, t.routeUnclaimed)
	c := newConn(ws, t.Logger(), t.cfg.Heartbeat, func(m *Message) { w.Push(ch, m) }, lost)
	go c.readLoop()

	logon := Header{
		Command:     cmdLogon,
		ClientName:  t.cfg.ClientName,
		UserID:      t.cfg.Username,
		Password:    t.cfg.Password,
		MessageType: t.cfg.MessageType,
		Version:     clientVersion,
	}
	if _, err := c.command(ctx, logon, nil, ackProcessed); err != nil {
		_ = c.close()                    //nolint:errcheck // logon already failed
		_ = w.Stop(context.Background()) //nolint:errcheck // logon already failed
		return fmt.Errorf("logon: %w", err)
	}

	if t.cfg.Heartbeat > 0 {
		secs := max(int(t.cfg.Heartbeat/time.Second), 1)
		if err := c.send(Header{Command: cmdHeartbeat, Options: fmt.Sprintf("start,%d", secs)}, nil); err != nil {
			_ = c.close()                    //nolint:errcheck // heartbeat setup already failed
			_ = w.Stop(context.Background()) //nolint:errcheck // heartbeat setup already failed
			return fmt.Errorf("starting heartbeat: %w", err)
		}
	}

	t.mu.Lock()
	t.conn = c
	t.unrouted = w
	t.mu.Unlock()
	return nil
}

func (s session) Close(ctx context.Context) error {
	t := s.t
	t.mu.Lock()
	c, w := t.conn, t.unrouted
	t.conn, t.unrouted = nil, nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	err := c.close()
	if w != nil {
		_ = w.Stop(ctx) //nolint:errcheck // drains in the background once ctx ends
	}
	return err
}

func (t *Transport) current() *conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

// routeUnclaimed hands messages with no known subscription id to the
// registry by topic. It runs on the connection's unrouted worker.
func (t *Transport) routeUnclaimed(msg *Message) {
	env := normalize(msg, t.cfg.IdentityField, time.Now())
	if !t.Route(env) {
		t.Logger().Debug("amps message without subscriber", "topic", env.Topic, "command", msg.Header.Command)
	}
}

func (t *Transport) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.cfg.CommandTimeout)
}

// Subscribe receives live publishes on topic.
func (t *Transport) Subscribe(ctx context.Context, topic string, handler transport.Handler, opts ...transport.SubscribeOption) (*transport.Subscription, error) {
	return t.Register(ctx, topic, transport.ModeSubscribe, handler,
		transport.ApplySubscribeOptions(opts), t.opener(cmdSubscribe))
}

// DeltaSubscribe receives only changed fields of records on topic.
func (t *Transport) DeltaSubscribe(ctx context.Context, topic string, handler transport.Handler, opts ...transport.SubscribeOption) (*transport.Subscription, error) {
	return t.Register(ctx, topic, transport.ModeDelta, handler,
		transport.ApplySubscribeOptions(opts), t.opener(cmdDeltaSubscribe))
}

// SOWAndSubscribe delivers the current records for topic followed by live
// updates. Snapshot and live messages share one ordered stream, so the
// handler sees every snapshot record before the first live update.
func (t *Transport) SOWAndSubscribe(ctx context.Context, topic string, handler transport.Handler, opts ...transport.SubscribeOption) (*transport.Subscription, error) {
	return t.Register(ctx, topic, transport.ModeSOWAndSubscribe, handler,
		transport.ApplySubscribeOptions(opts), t.opener(cmdSOWAndSubscribe))
}

// opener returns the OpenFunc that issues command for an entry. The entry
// id doubles as the wire subscription id so it is stable across reconnects.
func (t *Transport) opener(command string) transport.OpenFunc {
	return func(ctx context.Context, e *transport.Entry) (transport.Handle, error) {
		c := t.current()
		if c == nil {
			return nil, transport.ErrNotConnected
		}

		queue := make(chan *Message, t.cfg.StreamBuffer)
		w := transport.StartWorker(queue, func(msg *Message) {
			env := normalize(msg, t.cfg.IdentityField, time.Now())
			if command == cmdDeltaSubscribe {
				env.Headers[HeaderDelta] = "true"
			}
			t.Deliver(e, env)
		})
		c.route(e.ID, func(msg *Message) { w.Push(queue, msg) })

		h := Header{
			Command:   command,
			Topic:     e.Topic,
			SubID:     e.ID,
			Filter:    e.Options.Filter,
			Options:   e.Options.Options,
			TopN:      flexInt(e.Options.TopN),
			OrderBy:   e.Options.OrderBy,
			BatchSize: flexInt(e.Options.BatchSize),
		}
		if command == cmdSOWAndSubscribe {
			h.QueryID = e.ID
		}

		cmdCtx, cancel := t.commandContext(ctx)
		defer cancel()
		if _, err := c.command(cmdCtx, h, nil, ackProcessed); err != nil {
			c.unroute(e.ID)
			_ = w.Stop(context.Background()) //nolint:errcheck // worker has nothing queued yet
			return nil, err
		}

		return transport.HandleFunc(func(ctx context.Context) error {
			c.unroute(e.ID)
			stopErr := w.Stop(ctx)
			if c.isClosed() {
				return nil
			}
			if _, err := c.command(ctx, Header{Command: cmdUnsubscribe, SubID: e.ID}, nil, ackProcessed); err != nil {
				return err
			}
			return stopErr
		}), nil
	}
}

// SOWQuery returns the records currently held for topic.
func (t *Transport) SOWQuery(ctx context.Context, topic string, opts ...transport.SubscribeOption) ([]transport.Envelope, error) {
	if topic == "" {
		return nil, t.Fail(transport.OpSOW, "topic cannot be empty", transport.ErrInvalidTopic, false)
	}
	if err := t.RequireConnected(transport.OpSOW); err != nil {
		return nil, err
	}
	c := t.current()
	if c == nil {
		return nil, t.Fail(transport.OpSOW, "not connected", transport.ErrNotConnected, true)
	}

	o := transport.ApplySubscribeOptions(opts)
	queryID := uuid.NewString()

	// Records arrive on the read loop ahead of the completed ack.
	var mu sync.Mutex
	records := []transport.Envelope{}
	c.route(queryID, func(msg *Message) {
		if msg.Header.Command != cmdSOW {
			return
		}
		env := normalize(msg, t.cfg.IdentityField, time.Now())
		mu.Lock()
		records = append(records, env)
		mu.Unlock()
	})
	defer c.unroute(queryID)

	cmdCtx, cancel := t.commandContext(ctx)
	defer cancel()
	_, err := c.command(cmdCtx, Header{
		Command:   cmdSOW,
		Topic:     topic,
		QueryID:   queryID,
		Filter:    o.Filter,
		Options:   o.Options,
		TopN:      flexInt(o.TopN),
		OrderBy:   o.OrderBy,
		BatchSize: flexInt(o.BatchSize),
	}, nil, ackCompleted)
	if err != nil {
		return nil, t.Fail(transport.OpSOW, fmt.Sprintf("sow query %q failed", topic), err, recoverable(err))
	}
	c.unroute(queryID)
	mu.Lock()
	defer mu.Unlock()
	return records, nil
}

// SOWDelete removes the records of topic matching filter. An empty filter
// removes every record.
func (t *Transport) SOWDelete(ctx context.Context, topic, filter string) (int, error) {
	if topic == "" {
		return 0, t.Fail(transport.OpSOWDelete, "topic cannot be empty", transport.ErrInvalidTopic, false)
	}
	if err := t.RequireConnected(transport.OpSOWDelete); err != nil {
		return 0, err
	}
	c := t.current()
	if c == nil {
		return 0, t.Fail(transport.OpSOWDelete, "not connected", transport.ErrNotConnected, true)
	}
	if filter == "" {
		filter = "1=1"
	}

	cmdCtx, cancel := t.commandContext(ctx)
	defer cancel()
	ack, err := c.command(cmdCtx, Header{
		Command: cmdSOWDelete,
		Topic:   topic,
		Filter:  filter,
	}, nil, ackStats)
	if err != nil {
		return 0, t.Fail(transport.OpSOWDelete, fmt.Sprintf("sow delete on %q failed", topic), err, recoverable(err))
	}
	if ack.Header.Deleted > 0 {
		return int(ack.Header.Deleted), nil
	}
	return int(ack.Header.Matches), nil
}

// Publish sends message on topic. Headers have no AMPS equivalent and are
// ignored; TTL maps to message expiration in whole seconds.
func (t *Transport) Publish(ctx context.Context, topic string, message any, opts ...transport.PublishOption) error {
	if topic == "" {
		return t.Fail(transport.OpPublish, "topic cannot be empty", transport.ErrInvalidTopic, false)
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

	h := Header{
		Command:     cmdPublish,
		Topic:       topic,
		Correlation: o.CorrelationID,
	}
	if o.TTL > 0 {
		h.Expiration = flexInt(max(int(o.TTL/time.Second), 1))
	}
	if err := ctx.Err(); err != nil {
		return t.Fail(transport.OpPublish, "publish cancelled", err, false)
	}
	if err := c.send(h, body); err != nil {
		return t.Fail(transport.OpPublish, fmt.Sprintf("publish to %q failed", topic), err, true)
	}
	t.Published(topic)
	return nil
}

// recoverable reports whether retrying the failed command could succeed.
// A command the server rejected will be rejected again.
func recoverable(err error) bool {
	return !errors.Is(err, ErrCommandFailed)
}

var (
	_ transport.Transport       = (*Transport)(nil)
	_ transport.SnapshotCapable = (*Transport)(nil)
	_ transport.DeltaCapable    = (*Transport)(nil)
)
