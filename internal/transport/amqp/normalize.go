package amqp

import (
	"fmt"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

// normalize converts a delivery into an Envelope. The publisher timestamp is
// used when set, otherwise the receive time.
func normalize(d amqp091.Delivery, now time.Time) transport.Envelope {
	headers := make(map[string]string, len(d.Headers)+2)
	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	if d.ReplyTo != "" {
		headers[transport.HeaderReplyTo] = d.ReplyTo
	}
	if d.ContentType != "" {
		headers[transport.HeaderContentType] = d.ContentType
	}

	ts := now
	if !d.Timestamp.IsZero() {
		ts = d.Timestamp
	}

	return transport.Envelope{
		Data:          transport.DecodePayload(d.Body),
		Topic:         d.RoutingKey,
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		Timestamp:     ts,
		Headers:       headers,
		Raw:           d,
	}
}
