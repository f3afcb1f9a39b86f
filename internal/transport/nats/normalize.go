package nats

import (
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

// normalize converts a NATS message into an Envelope. Core NATS carries no
// sender timestamp, so the receive time is used.
func normalize(m *natsgo.Msg, now time.Time) transport.Envelope {
	headers := make(map[string]string, len(m.Header)+1)
	for k, vs := range m.Header {
		if len(vs) > 0 {
			headers[k] = vs[0]
		}
	}
	if m.Reply != "" {
		headers[transport.HeaderReplyTo] = m.Reply
	}

	return transport.Envelope{
		Data:          transport.DecodePayload(m.Data),
		Topic:         m.Subject,
		MessageID:     headers[HeaderMsgID],
		CorrelationID: headers[HeaderCorrelationID],
		Timestamp:     now,
		Headers:       headers,
		Raw:           m,
	}
}
