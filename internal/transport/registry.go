package transport

import (
	"context"
	"sync"
)

// Mode is the kind of subscription an entry was created with.
type Mode int

// Subscription modes.
const (
	ModeSubscribe Mode = iota
	ModeDelta
	ModeSOWAndSubscribe
)

// String returns the mode name used in logs.
func (m Mode) String() string {
	switch m {
	case ModeSubscribe:
		return "subscribe"
	case ModeDelta:
		return "delta_subscribe"
	case ModeSOWAndSubscribe:
		return "sow_and_subscribe"
	default:
		return "unknown"
	}
}

// Op returns the operation reported in errors for subscriptions in mode m.
func (m Mode) Op() Op {
	switch m {
	case ModeDelta:
		return OpDeltaSubscribe
	case ModeSOWAndSubscribe:
		return OpSOWSubscribe
	default:
		return OpSubscribe
	}
}

// Handle releases the backend resources of one subscription, including its
// delivery goroutine.
type Handle interface {
	Release(ctx context.Context) error
}

// HandleFunc adapts a function to Handle.
type HandleFunc func(ctx context.Context) error

// Release calls f.
func (f HandleFunc) Release(ctx context.Context) error { return f(ctx) }

// OpenFunc issues the backend subscribe for entry and returns its handle.
// It is kept on the entry and called again on every resubscription.
type OpenFunc func(ctx context.Context, entry *Entry) (Handle, error)

// Entry is one registered subscription. Everything but the handle is fixed
// at creation so the entry can be reissued verbatim after a reconnect.
type Entry struct {
	ID      string
	Topic   string
	Mode    Mode
	Options SubscribeOptions
	Handler Handler

	open   OpenFunc
	handle Handle
}

// Registry indexes subscriptions by id and by topic.
//
// Reads take the read lock. Callers that mutate (insert, remove, drain and
// reinsert) must also hold the owner's mutation lock so multi-step changes
// are atomic with respect to each other.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Insert adds e, replacing any entry with the same id.
func (r *Registry) Insert(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.ID]; !exists {
		r.order = append(r.order, e.ID)
	}
	r.entries[e.ID] = e
}

// Remove deletes the entry with id and returns it, or nil if absent.
func (r *Registry) Remove(id string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return e
}

// Get returns the entry with id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Match returns the first entry, in registration order, whose topic
// matches topic.
func (r *Registry) Match(topic string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		e := r.entries[id]
		if Matches(e.Topic, topic) {
			return e, true
		}
	}
	return nil, false
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Topics returns the registered topics in registration order.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.order))
	for _, id := range r.order {
		topics = append(topics, r.entries[id].Topic)
	}
	return topics
}

// Drain removes and returns every entry in registration order.
func (r *Registry) Drain() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	r.entries = make(map[string]*Entry)
	r.order = nil
	return out
}

func (r *Registry) setHandle(id string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.handle = h
	return true
}

func (r *Registry) takeHandle(e *Entry) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := e.handle
	e.handle = nil
	return h
}
