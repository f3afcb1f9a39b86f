package loopback

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

// HeaderSOWKey carries a record's state-of-world key.
const HeaderSOWKey = "loopback-sow-key"

// DefaultIdentityField is the payload field used as SOW key when none is configured.
const DefaultIdentityField = "id"

// ErrUnavailable is returned by attach while the broker is marked unavailable.
var ErrUnavailable = errors.New("loopback: broker unavailable")

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	// IdentityField is the payload field whose value keys SOW records.
	// Messages without it are delivered but not stored.
	IdentityField string
}

// Broker is an in-process message broker shared by loopback transports.
// It keeps a state-of-world cache per topic, keyed by the identity field.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Broker struct {
	identity string

	mu          sync.Mutex
	unavailable bool
	seq         uint64
	conns       map[uint64]*conn
	sow         map[string]map[string]*record
}

// record is one stored message.
type record struct {
	msg     published
	key     string
	seq     uint64
	expires time.Time
}

// published is a message before it is decoded for each receiver.
type published struct {
	topic         string
	body          []byte
	messageID     string
	correlationID string
	timestamp     time.Time
	headers       map[string]string
}

func (m published) envelope() transport.Envelope {
	return transport.Envelope{
		Data:          transport.DecodePayload(m.body),
		Topic:         m.topic,
		MessageID:     m.messageID,
		CorrelationID: m.correlationID,
		Timestamp:     m.timestamp,
		Headers:       transport.CopyHeaders(m.headers),
		Raw:           m.body,
	}
}

// conn is one transport session attached to the broker.
type conn struct {
	id   uint64
	lost func(error)
	subs map[string]*subscriber
}

// subscriber is a subscription registered with the broker.
type subscriber struct {
	pattern string
	filter  predicate
	box     *mailbox
}

// NewBroker creates an empty broker.
func NewBroker(cfg BrokerConfig) *Broker {
	if cfg.IdentityField == "" {
		cfg.IdentityField = DefaultIdentityField
	}
	return &Broker{
		identity: cfg.IdentityField,
		conns:    make(map[uint64]*conn),
		sow:      make(map[string]map[string]*record),
	}
}

// SetAvailable controls whether new sessions may attach.
func (b *Broker) SetAvailable(available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = !available
}

// Drop detaches every session and reports each one as lost.
func (b *Broker) Drop(cause error) {
	if cause == nil {
		cause = transport.ErrClosed
	}
	b.mu.Lock()
	dropped := make([]*conn, 0, len(b.conns))
	for id, c := range b.conns {
		dropped = append(dropped, c)
		delete(b.conns, id)
	}
	b.mu.Unlock()

	for _, c := range dropped {
		c.lost(cause)
	}
}

// Sessions returns the number of attached sessions.
func (b *Broker) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Broker) attach(lost func(error)) (*conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unavailable {
		return nil, ErrUnavailable
	}
	b.seq++
	c := &conn{id: b.seq, lost: lost, subs: make(map[string]*subscriber)}
	b.conns[c.id] = c
	return c, nil
}

func (b *Broker) detach(c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c.id)
}

func (b *Broker) live(c *conn) bool {
	_, ok := b.conns[c.id]
	return ok
}

// subscribe registers sub under id. With snapshot set, the matching SOW
// records are queued ahead of any live message in the same critical section.
func (b *Broker) subscribe(c *conn, id string, sub *subscriber, snapshot bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.live(c) {
		return transport.ErrClosed
	}
	if snapshot {
		for _, r := range b.queryLocked(sub.pattern, sub.filter, 0, time.Now()) {
			sub.box.put(r.snapshot())
		}
	}
	c.subs[id] = sub
	return nil
}

func (b *Broker) unsubscribe(c *conn, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(c.subs, id)
}

// publish stores msg in the SOW when it carries an identity and queues it
// for every matching subscriber.
func (b *Broker) publish(c *conn, msg published, ttl time.Duration) error {
	data := transport.DecodePayload(msg.body)

	b.mu.Lock()
	defer b.mu.Unlock()
	if c != nil && !b.live(c) {
		return transport.ErrClosed
	}

	if key, ok := b.key(data); ok {
		b.seq++
		r := &record{msg: msg, key: key, seq: b.seq}
		if ttl > 0 {
			r.expires = msg.timestamp.Add(ttl)
		}
		topic := b.sow[msg.topic]
		if topic == nil {
			topic = make(map[string]*record)
			b.sow[msg.topic] = topic
		}
		if old, ok := topic[key]; ok {
			r.seq = old.seq
		}
		topic[key] = r
	}

	for _, other := range b.conns {
		for _, sub := range other.subs {
			if transport.Matches(sub.pattern, msg.topic) && sub.filter(data) {
				sub.box.put(msg.envelope())
			}
		}
	}
	return nil
}

func (b *Broker) key(data any) (string, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := m[b.identity]
	if !ok || v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

// query returns the live SOW records matching pattern and filter, oldest
// key first, limited to topN when positive.
func (b *Broker) query(pattern string, filter predicate, topN int) []transport.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	records := b.queryLocked(pattern, filter, topN, time.Now())
	out := make([]transport.Envelope, len(records))
	for i, r := range records {
		out[i] = r.snapshot()
	}
	return out
}

func (b *Broker) queryLocked(pattern string, filter predicate, topN int, now time.Time) []*record {
	var out []*record
	for topic, records := range b.sow {
		if !transport.Matches(pattern, topic) {
			continue
		}
		for key, r := range records {
			if r.expired(now) {
				delete(records, key)
				continue
			}
			if filter(transport.DecodePayload(r.msg.body)) {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// remove deletes matching SOW records and returns how many were removed.
func (b *Broker) remove(pattern string, filter predicate) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for topic, records := range b.sow {
		if !transport.Matches(pattern, topic) {
			continue
		}
		for key, r := range records {
			if filter(transport.DecodePayload(r.msg.body)) {
				delete(records, key)
				n++
			}
		}
		if len(records) == 0 {
			delete(b.sow, topic)
		}
	}
	return n
}

func (r *record) expired(now time.Time) bool {
	return !r.expires.IsZero() && now.After(r.expires)
}

func (r *record) snapshot() transport.Envelope {
	env := r.msg.envelope()
	if env.Headers == nil {
		env.Headers = make(map[string]string, 1)
	}
	env.Headers[HeaderSOWKey] = r.key
	return env
}
