package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-memory topic exchange with queues, bindings and
// direct reply-to. Every dial returns a fakeConn attached to it.
type fakeBroker struct {
	mu        sync.Mutex
	dials     int
	dialErr   error
	config    amqp091.Config
	exchanges map[string]string
	queues    map[string]*fakeQueue
	conns     []*fakeConn
	published []amqp091.Publishing
	nextID    int

	// responder answers requests published with a direct reply-to address.
	responder func(key string, req amqp091.Publishing) *amqp091.Publishing
}

type fakeQueue struct {
	name       string
	autoDelete bool
	exclusive  bool
	keys       []string
	consumers  []*fakeConsumer
	next       int
}

type fakeConsumer struct {
	tag string
	ch  chan amqp091.Delivery
	own *fakeChannel
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*fakeQueue),
	}
}

func (b *fakeBroker) dial(_ string, cfg amqp091.Config) (connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	b.config = cfg
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &fakeConn{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) queue(name string) (fakeQueue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return fakeQueue{}, false
	}
	return *q, true
}

// bindings returns every binding key across all queues.
func (b *fakeBroker) bindings() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for _, q := range b.queues {
		keys = append(keys, q.keys...)
	}
	return keys
}

func (b *fakeBroker) consumerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, q := range b.queues {
		n += len(q.consumers)
	}
	return n
}

func (b *fakeBroker) lastPublished() (amqp091.Publishing, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.published) == 0 {
		return amqp091.Publishing{}, false
	}
	return b.published[len(b.published)-1], true
}

// dropAll severs every open connection with a CONNECTION_FORCED error.
func (b *fakeBroker) dropAll() {
	b.mu.Lock()
	var notify []chan *amqp091.Error
	for _, c := range b.conns {
		if c.closed {
			continue
		}
		notify = append(notify, c.notify...)
		c.shutdownLocked()
	}
	b.mu.Unlock()

	for _, ch := range notify {
		ch <- &amqp091.Error{Code: amqp091.ConnectionForced, Reason: "CONNECTION_FORCED"}
		close(ch)
	}
}

// route delivers msg to one consumer of every queue bound to key. Callers
// hold b.mu.
func (b *fakeBroker) route(from *fakeChannel, exchange, key string, msg amqp091.Publishing) {
	d := amqp091.Delivery{
		Headers:       msg.Headers,
		ContentType:   msg.ContentType,
		DeliveryMode:  msg.DeliveryMode,
		CorrelationId: msg.CorrelationId,
		ReplyTo:       msg.ReplyTo,
		Expiration:    msg.Expiration,
		MessageId:     msg.MessageId,
		Timestamp:     msg.Timestamp,
		Exchange:      exchange,
		RoutingKey:    key,
		Body:          msg.Body,
	}
	for _, q := range b.queues {
		if len(q.consumers) == 0 || !q.bound(key) {
			continue
		}
		c := q.consumers[q.next%len(q.consumers)]
		q.next++
		c.ch <- d
	}

	if msg.ReplyTo == DirectReplyTo && b.responder != nil && from.replies != nil {
		if reply := b.responder(key, msg); reply != nil {
			from.replies <- amqp091.Delivery{
				CorrelationId: msg.CorrelationId,
				ContentType:   reply.ContentType,
				Headers:       reply.Headers,
				Timestamp:     reply.Timestamp,
				RoutingKey:    DirectReplyTo,
				Body:          reply.Body,
			}
		}
	}
}

func (q *fakeQueue) bound(key string) bool {
	for _, k := range q.keys {
		if topicMatch(strings.Split(k, "."), strings.Split(key, ".")) {
			return true
		}
	}
	return false
}

// topicMatch implements AMQP topic binding: "*" is one word, "#" is zero or
// more words.
func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

type fakeConn struct {
	broker   *fakeBroker
	channels []*fakeChannel
	notify   []chan *amqp091.Error
	closed   bool
}

func (c *fakeConn) channel() (channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil, amqp091.ErrClosed
	}
	ch := &fakeChannel{conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) notifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConn) close() error {
	c.broker.mu.Lock()
	if c.closed {
		c.broker.mu.Unlock()
		return amqp091.ErrClosed
	}
	notify := c.notify
	c.shutdownLocked()
	c.broker.mu.Unlock()

	for _, ch := range notify {
		close(ch)
	}
	return nil
}

// shutdownLocked closes the connection and all of its channels. Callers
// hold broker.mu and own closing the notify channels.
func (c *fakeConn) shutdownLocked() {
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked()
	}
	c.notify = nil
}

type fakeChannel struct {
	conn    *fakeConn
	closed  bool
	replies chan amqp091.Delivery
	owned   []*fakeConsumer
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp091.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp091.ErrClosed
	}
	b.exchanges[name] = kind
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, _, autoDelete, exclusive, _ bool, _ amqp091.Table) (amqp091.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp091.Queue{}, amqp091.ErrClosed
	}
	if name == "" {
		b.nextID++
		name = fmt.Sprintf("amq.gen-%d", b.nextID)
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &fakeQueue{name: name, autoDelete: autoDelete, exclusive: exclusive}
	}
	return amqp091.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp091.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp091.ErrClosed
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("no exchange %q", exchange)
	}
	q, ok := b.queues[name]
	if !ok {
		return fmt.Errorf("no queue %q", name)
	}
	for _, k := range q.keys {
		if k == key {
			return nil
		}
	}
	q.keys = append(q.keys, key)
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp091.Table) (<-chan amqp091.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp091.ErrClosed
	}
	out := make(chan amqp091.Delivery, 64)
	if queue == DirectReplyTo {
		ch.replies = out
		return out, nil
	}
	q, ok := b.queues[queue]
	if !ok {
		return nil, fmt.Errorf("no queue %q", queue)
	}
	c := &fakeConsumer{tag: consumer, ch: out, own: ch}
	q.consumers = append(q.consumers, c)
	ch.owned = append(ch.owned, c)
	return out, nil
}

func (ch *fakeChannel) Cancel(consumer string, _ bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp091.ErrClosed
	}
	for i, c := range ch.owned {
		if c.tag == consumer {
			ch.owned = append(ch.owned[:i], ch.owned[i+1:]...)
			b.removeConsumerLocked(c)
			return nil
		}
	}
	return nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp091.ErrClosed
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return errors.New("NOT_FOUND - no exchange")
	}
	b.published = append(b.published, msg)
	b.route(ch, exchange, key, msg)
	return nil
}

func (ch *fakeChannel) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp091.ErrClosed
	}
	ch.closeLocked()
	return nil
}

func (ch *fakeChannel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	for _, c := range ch.owned {
		ch.conn.broker.removeConsumerLocked(c)
	}
	ch.owned = nil
	if ch.replies != nil {
		close(ch.replies)
		ch.replies = nil
	}
}

func (b *fakeBroker) removeConsumerLocked(c *fakeConsumer) {
	for name, q := range b.queues {
		for i, qc := range q.consumers {
			if qc != c {
				continue
			}
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			close(c.ch)
			if q.autoDelete && len(q.consumers) == 0 {
				delete(b.queues, name)
			}
			return
		}
	}
}

var errDial = errors.New("connection refused")
