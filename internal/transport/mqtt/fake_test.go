package mqtt

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken is an already-completed paho token.
type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

// fakeMessage implements pahomqtt.Message.
type fakeMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
	id       uint16
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return m.qos }
func (m *fakeMessage) Retained() bool    { return m.retained }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return m.id }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeBroker routes publishes between fakeClients with MQTT filter matching.
type fakeBroker struct {
	mu          sync.Mutex
	connectErr  error
	clients     []*fakeClient
	published   []published
	subscribes  []string
	unsubscribe []string
	nextID      uint16
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{}
}

func (b *fakeBroker) newClient(opts *pahomqtt.ClientOptions) pahomqtt.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &fakeClient{broker: b, opts: opts, routes: make(map[string]pahomqtt.MessageHandler)}
	b.clients = append(b.clients, c)
	return c
}

func (b *fakeBroker) lastOptions() *pahomqtt.ClientOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.clients) == 0 {
		return nil
	}
	return b.clients[len(b.clients)-1].opts
}

func (b *fakeBroker) clientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *fakeBroker) subscribeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribes)
}

func (b *fakeBroker) unsubscribeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unsubscribe)
}

func (b *fakeBroker) lastSubscribe() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subscribes) == 0 {
		return ""
	}
	return b.subscribes[len(b.subscribes)-1]
}

func (b *fakeBroker) publishedTo(topic string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, p := range b.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// routeCount returns the live broker subscriptions across connected clients.
func (b *fakeBroker) routeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.clients {
		if c.connected {
			n += len(c.routes)
		}
	}
	return n
}

// dropAll severs every connected client and fires its connection lost handler.
func (b *fakeBroker) dropAll() {
	b.mu.Lock()
	var dropped []*fakeClient
	for _, c := range b.clients {
		if c.connected {
			c.connected = false
			dropped = append(dropped, c)
		}
	}
	b.mu.Unlock()

	for _, c := range dropped {
		if c.opts.OnConnectionLost != nil {
			go c.opts.OnConnectionLost(c, io.EOF)
		}
	}
}

func filterMatches(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) || (f != "+" && f != tl[i]) {
			return false
		}
	}
	return len(fl) == len(tl)
}

type fakeClient struct {
	broker    *fakeBroker
	opts      *pahomqtt.ClientOptions
	connected bool
	routes    map[string]pahomqtt.MessageHandler
}

func (c *fakeClient) IsConnected() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() pahomqtt.Token {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.broker.connectErr != nil {
		return doneToken(c.broker.connectErr)
	}
	c.connected = true
	return doneToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.connected = false
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	default:
		return doneToken(errors.New("unknown payload type"))
	}

	b := c.broker
	b.mu.Lock()
	if !c.connected {
		b.mu.Unlock()
		return doneToken(pahomqtt.ErrNotConnected)
	}
	b.published = append(b.published, published{topic: topic, qos: qos, retained: retained, payload: body})
	b.nextID++
	msg := &fakeMessage{topic: topic, payload: body, qos: qos, retained: retained, id: b.nextID}

	type target struct {
		client  *fakeClient
		handler pahomqtt.MessageHandler
	}
	var targets []target
	for _, other := range b.clients {
		if !other.connected {
			continue
		}
		for filter, h := range other.routes {
			if filterMatches(filter, topic) {
				targets = append(targets, target{other, h})
			}
		}
	}
	b.mu.Unlock()

	for _, tg := range targets {
		tg.handler(tg.client, msg)
	}
	return doneToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if !c.connected {
		return doneToken(pahomqtt.ErrNotConnected)
	}
	c.routes[topic] = callback
	b.subscribes = append(b.subscribes, topic)
	return doneToken(nil)
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	for f, q := range filters {
		if tok := c.Subscribe(f, q, callback); tok.Error() != nil {
			return tok
		}
	}
	return doneToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) pahomqtt.Token {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if !c.connected {
		return doneToken(pahomqtt.ErrNotConnected)
	}
	for _, topic := range topics {
		delete(c.routes, topic)
		b.unsubscribe = append(b.unsubscribe, topic)
	}
	return doneToken(nil)
}

func (c *fakeClient) AddRoute(topic string, callback pahomqtt.MessageHandler) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.routes[topic] = callback
}

func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

var errRefused = errors.New("connection refused")
