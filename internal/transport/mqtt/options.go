package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"net/url"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connection constants.
const (
	// defaultBroker is used when Config.Brokers is empty.
	defaultBroker = "tcp://127.0.0.1:1883"

	// defaultClientID identifies the client to the broker.
	defaultClientID = "graybus"

	// defaultOperationTimeout bounds publish, subscribe and unsubscribe tokens.
	defaultOperationTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// defaultStreamBuffer is the per-subscription delivery queue length.
	defaultStreamBuffer = 1024

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// maxPayloadSize caps outgoing messages at 1MB, in line with typical broker limits.
	maxPayloadSize = 1 << 20

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// buildClientOptions creates paho options from cfg.
//
// The library's own reconnect and connect retry are switched off; the
// transport's reconnect policy owns recovery. Brokers with an ssl://, tls://
// or mqtts:// scheme get a TLS 1.2+ config.
func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	secure := false
	for _, broker := range cfg.Brokers {
		opts.AddBroker(broker)
		if u, err := url.Parse(broker); err == nil {
			switch u.Scheme {
			case "ssl", "tls", "mqtts":
				secure = true
			}
		}
	}

	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// Clean session: subscriptions are restored by the transport, not the broker.
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetOrderMatters(true)

	if secure {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	if cfg.StatusTopic != "" {
		configureLWT(opts, cfg.StatusTopic, cfg.ClientID)
	}
	return opts
}

// configureLWT registers a retained "offline" will on the status topic, so
// other clients see an unexpected disconnect.
func configureLWT(opts *pahomqtt.ClientOptions, topic, clientID string) {
	opts.SetBinaryWill(topic, statusPayload("offline", clientID, "unexpected_disconnect"), 1, true)
}

type status struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// statusPayload builds the JSON presence message published on the status topic.
func statusPayload(state, clientID, reason string) []byte {
	b, _ := json.Marshal(status{ //nolint:errcheck // plain struct always encodes
		Status:    state,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return b
}
