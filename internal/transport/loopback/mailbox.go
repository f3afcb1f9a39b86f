package loopback

import (
	"sync"

	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

// mailbox is an unbounded FIFO of envelopes. put never blocks, so the broker
// can enqueue while holding its lock; the receiver drains on notify.
type mailbox struct {
	mu     sync.Mutex
	items  []transport.Envelope
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) put(env transport.Envelope) {
	m.mu.Lock()
	m.items = append(m.items, env)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// take removes and returns everything queued.
func (m *mailbox) take() []transport.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}
