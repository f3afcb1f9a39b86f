package gateway

import (
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

const defaultEventHistory = 50

// eventView is the JSON form of a connection event.
type eventView struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Details   string `json:"details,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

func viewEvent(ev transport.Event) eventView {
	v := eventView{
		Type:      string(ev.Type),
		Status:    ev.Status.String(),
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Details:   ev.Details,
	}
	if ev.Err != nil {
		v.Code = ev.Err.Code
		v.Message = ev.Err.Message
	}
	return v
}

// eventHistory keeps the most recent connection events, oldest first.
type eventHistory struct {
	mu     sync.Mutex
	events []eventView
	next   int
	full   bool
}

func newEventHistory(size int) *eventHistory {
	if size <= 0 {
		size = defaultEventHistory
	}
	return &eventHistory{events: make([]eventView, size)}
}

func (h *eventHistory) add(v eventView) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[h.next] = v
	h.next = (h.next + 1) % len(h.events)
	if h.next == 0 {
		h.full = true
	}
}

func (h *eventHistory) list() []eventView {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]eventView(nil), h.events[:h.next]...)
	}
	out := make([]eventView, 0, len(h.events))
	out = append(out, h.events[h.next:]...)
	return append(out, h.events[:h.next]...)
}
