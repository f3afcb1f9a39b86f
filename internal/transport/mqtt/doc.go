// Package mqtt implements the transport for MQTT 3.1.1 brokers such as
// Mosquitto, using paho.mqtt.golang.
//
// This package manages:
//   - Connection with paho's own auto-reconnect disabled
//   - QoS and retained publishing
//   - Subscriptions with wildcard support and shared filters
//   - Last Will and Testament and a retained presence message
//
// # Topics
//
// A trailing ">" in a subscription becomes the MQTT "#" wildcard. "+" and
// "#" are passed to the broker unchanged. Subscriptions with the same filter
// share a single broker subscription; the broker subscription is removed
// when the last of them unsubscribes.
//
// # Reconnection
//
// A lost connection is reported to the shared Core, which applies the
// reconnect policy. Sessions are clean, so every subscription is reissued on
// the new connection.
//
// # Usage
//
//	t := mqtt.New(mqtt.Config{
//	    Brokers:     []string{"tcp://127.0.0.1:1883"},
//	    ClientID:    "graybus",
//	    StatusTopic: "graybus/status/graybus",
//	    Reconnect:   transport.DefaultReconnectPolicy(),
//	})
//	if err := t.Connect(ctx); err != nil {
//	    return err
//	}
//	err := t.Publish(ctx, "home/living/light", map[string]any{"on": true}, transport.WithQoS(1))
package mqtt
