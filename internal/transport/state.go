package transport

import (
	"sync"
	"time"
)

// Status is the connection status of a transport.
type Status int

// Connection statuses. Exactly one holds at any time.
const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusError
)

// String returns the lower-case name of the status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// EventType classifies a connection event.
type EventType string

// Event types, one per status that emits events.
const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventReconnecting EventType = "reconnecting"
	EventError        EventType = "error"
)

// Event records one state transition.
type Event struct {
	Type      EventType
	Status    Status
	Timestamp time.Time
	Details   string

	// Err is set for transitions caused by a failure.
	Err *Error
}

func eventTypeFor(s Status) (EventType, bool) {
	switch s {
	case StatusConnected:
		return EventConnected, true
	case StatusDisconnected:
		return EventDisconnected, true
	case StatusReconnecting:
		return EventReconnecting, true
	case StatusError:
		return EventError, true
	default:
		return "", false
	}
}

// observerList is a registration-ordered set of callbacks.
type observerList[T any] struct {
	mu    sync.Mutex
	seq   uint64
	items []observer[T]
}

type observer[T any] struct {
	id uint64
	fn func(T)
}

func (l *observerList[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	id := l.seq
	l.items = append(l.items, observer[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, o := range l.items {
				if o.id == id {
					l.items = append(l.items[:i:i], l.items[i+1:]...)
					return
				}
			}
		})
	}
}

func (l *observerList[T]) snapshot() []func(T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fns := make([]func(T), len(l.items))
	for i, o := range l.items {
		fns[i] = o.fn
	}
	return fns
}

// dispatcher runs posted callbacks one at a time, in post order, on a
// goroutine that exists only while the queue is non-empty. Callbacks may
// re-enter the transport without deadlocking the poster.
type dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	logger  Logger
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()
	go d.drain()
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.run(fn)
	}
}

func (d *dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil && d.logger != nil {
			d.logger.Error("observer panic recovered", "panic", r)
		}
	}()
	fn()
}

// flush blocks until everything posted before the call has run.
func (d *dispatcher) flush() {
	done := make(chan struct{})
	d.post(func() { close(done) })
	<-done
}

// stateMachine holds the connection status and fans transitions out to
// observers through the dispatcher.
type stateMachine struct {
	mu     sync.RWMutex
	status Status

	statusObs observerList[Status]
	eventObs  observerList[Event]
	dispatch  *dispatcher
	now       func() time.Time
}

func newStateMachine(d *dispatcher) *stateMachine {
	return &stateMachine{
		status:   StatusDisconnected,
		dispatch: d,
		now:      time.Now,
	}
}

func (m *stateMachine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// transition moves to status and notifies observers. Entry into Connecting
// updates status observers but emits no Event.
func (m *stateMachine) transition(to Status, details string, err *Error) {
	m.mu.Lock()
	m.status = to
	m.mu.Unlock()

	statusFns := m.statusObs.snapshot()
	if len(statusFns) > 0 {
		m.dispatch.post(func() {
			for _, fn := range statusFns {
				fn(to)
			}
		})
	}

	typ, ok := eventTypeFor(to)
	if !ok {
		return
	}
	ev := Event{Type: typ, Status: to, Timestamp: m.now(), Details: details, Err: err}
	eventFns := m.eventObs.snapshot()
	if len(eventFns) > 0 {
		m.dispatch.post(func() {
			for _, fn := range eventFns {
				fn(ev)
			}
		})
	}
}
