package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

// Config configures an MQTT transport.
type Config struct {
	// Brokers are broker URLs, e.g. "tcp://127.0.0.1:1883" or "ssl://host:8883".
	Brokers  []string
	ClientID string
	Username string
	Password string

	// StatusTopic, when set, receives a retained online/offline presence
	// message and carries the Last Will.
	StatusTopic string

	KeepAlive        time.Duration
	OperationTimeout time.Duration
	StreamBuffer     int

	Reconnect      transport.ReconnectPolicy
	ConnectTimeout time.Duration
	Logger         transport.Logger
	Recorder       transport.Recorder
}

// newClientFunc creates a paho client.
type newClientFunc func(*pahomqtt.ClientOptions) pahomqtt.Client

// Transport is the MQTT 3.1.1 backend built on paho.mqtt.golang.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Transport struct {
	*transport.Core

	cfg       Config
	newClient newClientFunc

	mu     sync.RWMutex
	client pahomqtt.Client
	gen    uint64 // incremented for every client Open creates

	// filters maps a broker subscription filter on one client generation to
	// the subscriptions sharing it. The broker subscription exists while the
	// set is non-empty.
	filtersMu sync.RWMutex
	filters   map[filterKey]map[string]*listener
}

// filterKey scopes a shared filter to the client it was subscribed on, so a
// reconnected client starts with no broker subscriptions.
type filterKey struct {
	gen    uint64
	filter string
}

// listener is one subscription's delivery queue.
type listener struct {
	ch chan pahomqtt.Message
	w  *transport.Worker[pahomqtt.Message]
}

// New creates an MQTT transport. It does not connect.
//
// Parameters:
//   - cfg: Brokers, client id, keep-alive, optional status topic and
//     reconnect policy; empty fields take the package defaults
//
// Returns:
//   - *Transport: Disconnected transport backed by the paho client
func New(cfg Config) *Transport {
	return newTransport(cfg, pahomqtt.NewClient)
}

func newTransport(cfg Config, newClient newClientFunc) *Transport {
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{defaultBroker}
	}
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}

	t := &Transport{
		cfg:       cfg,
		newClient: newClient,
		filters:   make(map[filterKey]map[string]*listener),
	}
	t.Core = transport.NewCore(transport.CoreConfig{
		Kind:           transport.KindMQTT,
		Reconnect:      cfg.Reconnect,
		Logger:         cfg.Logger,
		Recorder:       cfg.Recorder,
		ConnectTimeout: cfg.ConnectTimeout,
	}, session{t})
	return t
}

type session struct{ t *Transport }

// Open connects a fresh paho client.
//
// It performs the following setup:
//  1. Builds client options with the Last Will on the status topic
//  2. Connects, bounded by ctx, with paho's own reconnect disabled
//  3. Installs the client under a new generation so shared filters restart
//  4. Publishes the retained online status when a status topic is set
//
// Parameters:
//   - ctx: Bounds the connect and the status publish
//   - lost: Called from paho's connection-lost handler
//
// Returns:
//   - error: If the connect fails; a failed status publish is only logged
func (s session) Open(ctx context.Context, lost func(error)) error {
	t := s.t

	opts := buildClientOptions(t.cfg)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		lost(err)
	})
	if deadline, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(deadline))
	}

	client := t.newClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("connecting to %s: %w", strings.Join(t.cfg.Brokers, ","), err)
	}

	t.mu.Lock()
	t.client = client
	t.gen++
	t.mu.Unlock()

	if t.cfg.StatusTopic != "" {
		token := client.Publish(t.cfg.StatusTopic, 1, true, statusPayload("online", t.cfg.ClientID, ""))
		if err := wait(ctx, token); err != nil {
			t.Logger().Warn("publishing online status failed", "topic", t.cfg.StatusTopic, "error", err)
		}
	}
	return nil
}

// Close publishes the graceful offline status when connected and
// disconnects.
func (s session) Close(ctx context.Context) error {
	t := s.t
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client == nil {
		return nil
	}

	if t.cfg.StatusTopic != "" && client.IsConnectionOpen() {
		token := client.Publish(t.cfg.StatusTopic, 1, true, statusPayload("offline", t.cfg.ClientID, "graceful_shutdown"))
		if err := wait(ctx, token); err != nil {
			t.Logger().Warn("publishing offline status failed", "topic", t.cfg.StatusTopic, "error", err)
		}
	}
	client.Disconnect(defaultDisconnectQuiesce)
	return nil
}

func (t *Transport) current() pahomqtt.Client {
	client, _ := t.currentGen()
	return client
}

func (t *Transport) currentGen() (pahomqtt.Client, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client, t.gen
}

// Subscribe receives messages on topic. A trailing ">" becomes the MQTT "#"
// wildcard; "+" and "#" are passed through. WithSubscribeQoS sets the
// maximum delivery QoS. Subscriptions sharing a filter share one broker
// subscription, made with the QoS of the first.
func (t *Transport) Subscribe(ctx context.Context, topic string, handler transport.Handler, opts ...transport.SubscribeOption) (*transport.Subscription, error) {
	o := transport.ApplySubscribeOptions(opts)
	if o.QoS > maxQoS {
		return nil, t.Fail(transport.OpSubscribe, fmt.Sprintf("qos %d", o.QoS), ErrInvalidQoS, false)
	}
	return t.Register(ctx, topic, transport.ModeSubscribe, handler, o, t.open)
}

func (t *Transport) open(ctx context.Context, e *transport.Entry) (transport.Handle, error) {
	client, gen := t.currentGen()
	if client == nil {
		return nil, transport.ErrNotConnected
	}
	filter := transport.TranslateWildcard(e.Topic, "/", "#")
	key := filterKey{gen: gen, filter: filter}

	// The filter can be broader than the pattern: "#" also matches the parent
	// level and a wildcard not preceded by "/" covers a whole level.
	wildcard := transport.IsWildcard(e.Topic)
	l := &listener{ch: make(chan pahomqtt.Message, t.cfg.StreamBuffer)}
	l.w = transport.StartWorker(l.ch, func(m pahomqtt.Message) {
		if wildcard && !transport.Matches(e.Topic, m.Topic()) {
			return
		}
		t.Deliver(e, normalize(m, time.Now()))
	})

	first := t.join(key, e.ID, l)
	if first {
		ctx, cancel := context.WithTimeout(ctx, t.cfg.OperationTimeout)
		defer cancel()
		if err := wait(ctx, client.Subscribe(filter, e.Options.QoS, t.dispatch(key))); err != nil {
			t.leave(key, e.ID)
			_ = l.w.Stop(ctx) //nolint:errcheck // subscribe already failed
			return nil, err
		}
	}

	return transport.HandleFunc(func(ctx context.Context) error {
		var err error
		if t.leave(key, e.ID) && client.IsConnectionOpen() {
			err = wait(ctx, client.Unsubscribe(filter))
		}
		if stopErr := l.w.Stop(ctx); err == nil {
			err = stopErr
		}
		return err
	}), nil
}

// join adds l under key and reports whether it is the first listener.
func (t *Transport) join(key filterKey, id string, l *listener) bool {
	t.filtersMu.Lock()
	defer t.filtersMu.Unlock()
	set, ok := t.filters[key]
	if !ok {
		set = make(map[string]*listener)
		t.filters[key] = set
	}
	set[id] = l
	return len(set) == 1
}

// leave removes id from key and reports whether it was the last listener.
func (t *Transport) leave(key filterKey, id string) bool {
	t.filtersMu.Lock()
	defer t.filtersMu.Unlock()
	set, ok := t.filters[key]
	if !ok {
		return false
	}
	if _, ok := set[id]; !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(t.filters, key)
		return true
	}
	return false
}

// dispatch returns the paho callback for key. It fans each message out to
// the queues of every subscription sharing the filter.
func (t *Transport) dispatch(key filterKey) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, m pahomqtt.Message) {
		t.filtersMu.RLock()
		targets := make([]*listener, 0, len(t.filters[key]))
		for _, l := range t.filters[key] {
			targets = append(targets, l)
		}
		t.filtersMu.RUnlock()

		for _, l := range targets {
			l.w.Push(l.ch, m)
		}
	}
}

// Publish sends message to topic with the QoS and retained flag from opts.
// MQTT 3.1.1 has no message properties, so headers, correlation id, reply
// topic and TTL are not transmitted.
func (t *Transport) Publish(ctx context.Context, topic string, message any, opts ...transport.PublishOption) error {
	if topic == "" {
		return t.Fail(transport.OpPublish, "topic cannot be empty", transport.ErrInvalidTopic, false)
	}
	o := transport.ApplyPublishOptions(opts)
	if o.QoS > maxQoS {
		return t.Fail(transport.OpPublish, fmt.Sprintf("qos %d", o.QoS), ErrInvalidQoS, false)
	}
	if err := t.RequireConnected(transport.OpPublish); err != nil {
		return err
	}
	client := t.current()
	if client == nil {
		return t.Fail(transport.OpPublish, "not connected", transport.ErrNotConnected, true)
	}

	body, err := transport.EncodePayload(message)
	if err != nil {
		return t.Fail(transport.OpPublish, "encoding message", err, false)
	}
	if len(body) > maxPayloadSize {
		return t.Fail(transport.OpPublish,
			fmt.Sprintf("payload size %d exceeds maximum %d bytes", len(body), maxPayloadSize),
			ErrPayloadTooLarge, false)
	}
	if len(o.Headers) > 0 || o.CorrelationID != "" || o.ReplyTo != "" || o.TTL > 0 {
		t.Logger().Debug("mqtt ignores message properties", "topic", topic)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.OperationTimeout)
	defer cancel()
	if err := wait(ctx, client.Publish(topic, o.QoS, o.Retained, body)); err != nil {
		return t.Fail(transport.OpPublish, fmt.Sprintf("publish to %q failed", topic), err, true)
	}
	t.Published(topic)
	return nil
}

// wait blocks until token completes or ctx ends.
func wait(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", transport.ErrTimeout, ctx.Err())
		}
		return ctx.Err()
	}
}

var _ transport.Transport = (*Transport)(nil)
