package amps

import (
	"time"

	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

// Envelope headers set by this backend.
const (
	HeaderSOWKey  = "amps-sow-key"
	HeaderCommand = "amps-command"
	HeaderOOF     = "amps-oof"
	HeaderReason  = "amps-reason"
	HeaderDelta   = "amps-delta"
)

// Payload field names, long and short form.
var payloadFields = []string{"data", "d"}

// timestampLayouts are tried in order for the ts header.
var timestampLayouts = []string{
	"20060102T150405.999999999Z",
	"20060102T150405Z",
	time.RFC3339Nano,
}

// normalize converts a server message into an Envelope. identity names the
// field whose presence marks a bodyless message as its own payload.
func normalize(msg *Message, identity string, now time.Time) transport.Envelope {
	h := msg.Header
	env := transport.Envelope{
		Data:          payload(msg, identity),
		Topic:         h.Topic,
		MessageID:     h.Bookmark,
		CorrelationID: h.Correlation,
		Timestamp:     parseTimestamp(h.Timestamp, now),
		Headers:       map[string]string{HeaderCommand: h.Command},
		Raw:           msg,
	}
	if env.MessageID == "" {
		env.MessageID = h.SOWKey
	}
	if h.SOWKey != "" {
		env.Headers[HeaderSOWKey] = h.SOWKey
	}
	if h.Command == cmdOOF {
		env.Headers[HeaderOOF] = "true"
		if h.Reason != "" {
			env.Headers[HeaderReason] = h.Reason
		}
	}
	return env
}

func payload(msg *Message, identity string) any {
	if len(msg.Body) > 0 {
		return transport.DecodePayload(msg.Body)
	}
	if msg.Fields == nil {
		return map[string]any{}
	}
	for _, field := range payloadFields {
		v, ok := msg.Fields[field]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			return transport.DecodeString(s)
		}
		if v == nil {
			return map[string]any{}
		}
		return v
	}
	if identity != "" {
		if _, ok := msg.Fields[identity]; ok {
			return msg.Fields
		}
	}
	return map[string]any{}
}

func parseTimestamp(ts string, now time.Time) time.Time {
	if ts == "" {
		return now
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t
		}
	}
	return now
}
