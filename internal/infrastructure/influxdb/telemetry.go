package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

// Measurements written by the telemetry methods.
const (
	MeasurementMessages = "transport_messages"
	MeasurementEvents   = "transport_events"
)

// Message directions tagged on MeasurementMessages points.
const (
	DirectionIn     = "in"
	DirectionOut    = "out"
	DirectionFailed = "failed"
)

// MessageReceived implements transport.Recorder. Message points are tagged
// by backend and direction, never by topic.
func (c *Client) MessageReceived(kind transport.Kind, _ string) {
	c.writeMessage(kind, DirectionIn)
}

// MessagePublished implements transport.Recorder.
func (c *Client) MessagePublished(kind transport.Kind, _ string) {
	c.writeMessage(kind, DirectionOut)
}

// HandlerFailed implements transport.Recorder.
func (c *Client) HandlerFailed(kind transport.Kind, _ string) {
	c.writeMessage(kind, DirectionFailed)
}

// ReconnectScheduled implements transport.Recorder.
func (c *Client) ReconnectScheduled(kind transport.Kind, attempt int) {
	c.WritePoint(MeasurementEvents,
		map[string]string{"backend": string(kind), "type": "reconnect_scheduled"},
		map[string]any{"attempt": attempt},
	)
}

func (c *Client) writeMessage(kind transport.Kind, direction string) {
	c.WritePoint(MeasurementMessages,
		map[string]string{"backend": string(kind), "direction": direction},
		map[string]any{"count": 1},
	)
}

// WriteEvent records one connection event at the time it happened.
func (c *Client) WriteEvent(kind transport.Kind, ev transport.Event) {
	fields := map[string]any{"details": ev.Details}
	if ev.Err != nil {
		fields["code"] = ev.Err.Code
		fields["recoverable"] = ev.Err.Recoverable
	}
	c.WritePointWithTime(MeasurementEvents,
		map[string]string{"backend": string(kind), "type": string(ev.Type)},
		fields,
		ev.Timestamp,
	)
}

// Instrument writes every connection event of t until the returned
// function is called.
func (c *Client) Instrument(t transport.Transport) (stop func()) {
	kind := t.Kind()
	return t.OnEvent(func(ev transport.Event) {
		c.WriteEvent(kind, ev)
	})
}

// WritePoint writes a point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}

var _ transport.Recorder = (*Client)(nil)
