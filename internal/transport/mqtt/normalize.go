package mqtt

import (
	"strconv"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

// MQTT delivery attributes exposed as envelope headers.
const (
	HeaderQoS       = "mqtt-qos"
	HeaderRetained  = "mqtt-retained"
	HeaderDuplicate = "mqtt-duplicate"
)

// normalize converts a paho message into an Envelope. MQTT carries no sender
// timestamp, so the receive time is used.
func normalize(m pahomqtt.Message, now time.Time) transport.Envelope {
	headers := map[string]string{
		HeaderQoS: strconv.Itoa(int(m.Qos())),
	}
	if m.Retained() {
		headers[HeaderRetained] = "true"
	}
	if m.Duplicate() {
		headers[HeaderDuplicate] = "true"
	}

	var id string
	if m.MessageID() != 0 {
		id = strconv.Itoa(int(m.MessageID()))
	}

	return transport.Envelope{
		Data:      transport.DecodePayload(m.Payload()),
		Topic:     m.Topic(),
		MessageID: id,
		Timestamp: now,
		Headers:   headers,
		Raw:       m,
	}
}
