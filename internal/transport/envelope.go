package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// Well-known envelope header keys shared by all backends.
const (
	HeaderReplyTo       = "reply-to"
	HeaderCorrelationID = "correlation-id"
	HeaderContentType   = "content-type"
)

// Envelope is the canonical form of every inbound message regardless of the
// backend it arrived on.
type Envelope struct {
	// Data is the decoded payload: a JSON value when the payload parsed,
	// otherwise the raw string. Never nil.
	Data any

	Topic         string
	MessageID     string
	CorrelationID string
	Timestamp     time.Time
	Headers       map[string]string

	// Raw is the backend-native message, for callers that need wire detail.
	Raw any
}

// Header returns a header value, or "" when absent.
func (e Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// ReplyTo returns the topic a reply should be published to, if any.
func (e Envelope) ReplyTo() string {
	return e.Header(HeaderReplyTo)
}

// DecodeData converts env.Data into T.
//
// When Data already holds a T it is returned directly; otherwise Data is
// re-encoded as JSON and decoded into T.
func DecodeData[T any](env Envelope) (T, error) {
	var out T
	if v, ok := env.Data.(T); ok {
		return v, nil
	}
	b, err := json.Marshal(env.Data)
	if err != nil {
		return out, fmt.Errorf("encoding envelope data: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decoding envelope data into %T: %w", out, err)
	}
	return out, nil
}
