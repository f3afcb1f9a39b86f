package connector

import (
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bus/internal/transport"
	"github.com/nerrad567/gray-logic-bus/internal/transport/amps"
	"github.com/nerrad567/gray-logic-bus/internal/transport/amqp"
	"github.com/nerrad567/gray-logic-bus/internal/transport/loopback"
	"github.com/nerrad567/gray-logic-bus/internal/transport/mqtt"
	"github.com/nerrad567/gray-logic-bus/internal/transport/nats"
)

// ErrInvalidConfig is returned when the transport configuration does not
// select exactly one backend matching its type.
var ErrInvalidConfig = errors.New("connector: invalid transport configuration")

type options struct {
	recorder transport.Recorder
	broker   *loopback.Broker
}

// Option customizes New.
type Option func(*options)

// WithRecorder attaches a measurement recorder to the transport.
func WithRecorder(r transport.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithLoopbackBroker makes a loopback transport attach to b instead of a
// private broker. It is ignored by the other backends.
func WithLoopbackBroker(b *loopback.Broker) Option {
	return func(o *options) { o.broker = b }
}

// New builds the transport selected by cfg.Type. The transport is not
// connected.
//
// It performs the following steps:
//  1. Validates cfg and wraps any failure in ErrInvalidConfig
//  2. Converts the shared reconnect section into a transport.ReconnectPolicy
//  3. Maps the selected backend section onto that adapter's Config
//
// Parameters:
//   - cfg: Transport section from config.yaml
//   - logger: Passed to the adapter; nil discards logs
//   - opts: Optional recorder and loopback broker
//
// Returns:
//   - transport.Transport: The selected adapter, disconnected
//   - error: ErrInvalidConfig when cfg fails validation
func New(cfg config.TransportConfig, logger transport.Logger, opts ...Option) (transport.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	reconnect := Policy(cfg.Reconnect)
	connectTimeout := cfg.GetConnectTimeout()

	switch cfg.Type {
	case config.TypeAMPS:
		c := cfg.AMPS
		return amps.New(amps.Config{
			URL:            c.URL,
			Username:       c.Username,
			Password:       c.Password,
			ClientName:     c.ClientName,
			MessageType:    c.MessageType,
			IdentityField:  c.IdentityField,
			Heartbeat:      seconds(c.Heartbeat),
			CommandTimeout: millis(c.CommandTimeout),
			StreamBuffer:   c.StreamBuffer,
			Reconnect:      reconnect,
			ConnectTimeout: connectTimeout,
			Logger:         logger,
			Recorder:       o.recorder,
		}), nil

	case config.TypeAMQP:
		c := cfg.AMQP
		return amqp.New(amqp.Config{
			URL:            c.URL,
			Exchange:       c.Exchange,
			Durable:        c.Durable,
			ClientName:     c.ClientName,
			Heartbeat:      seconds(c.Heartbeat),
			RequestTimeout: millis(c.RequestTimeout),
			StreamBuffer:   c.StreamBuffer,
			Reconnect:      reconnect,
			ConnectTimeout: connectTimeout,
			Logger:         logger,
			Recorder:       o.recorder,
		}), nil

	case config.TypeNATS:
		c := cfg.NATS
		return nats.New(nats.Config{
			URLs:           c.URLs,
			Username:       c.Username,
			Password:       c.Password,
			Token:          c.Token,
			ClientName:     c.ClientName,
			PingInterval:   seconds(c.PingInterval),
			DrainTimeout:   millis(c.DrainTimeout),
			RequestTimeout: millis(c.RequestTimeout),
			StreamBuffer:   c.StreamBuffer,
			Reconnect:      reconnect,
			ConnectTimeout: connectTimeout,
			Logger:         logger,
			Recorder:       o.recorder,
		}), nil

	case config.TypeMQTT:
		c := cfg.MQTT
		return mqtt.New(mqtt.Config{
			Brokers:          c.Brokers,
			ClientID:         c.ClientID,
			Username:         c.Username,
			Password:         c.Password,
			StatusTopic:      c.StatusTopic,
			KeepAlive:        seconds(c.KeepAlive),
			OperationTimeout: millis(c.OperationTimeout),
			StreamBuffer:     c.StreamBuffer,
			Reconnect:        reconnect,
			ConnectTimeout:   connectTimeout,
			Logger:           logger,
			Recorder:         o.recorder,
		}), nil

	case config.TypeLoopback:
		c := cfg.Loopback
		broker := o.broker
		if broker == nil {
			broker = loopback.NewBroker(loopback.BrokerConfig{IdentityField: c.IdentityField})
		}
		return loopback.New(loopback.Config{
			Broker:         broker,
			RequestTimeout: millis(c.RequestTimeout),
			Reconnect:      reconnect,
			ConnectTimeout: connectTimeout,
			Logger:         logger,
			Recorder:       o.recorder,
		}), nil
	}

	// Validate rejects unknown types.
	return nil, fmt.Errorf("%w: unsupported type %q", ErrInvalidConfig, cfg.Type)
}

// Policy converts the configured reconnect settings into a policy. A zero
// max delay takes the default ceiling; a max delay below the initial delay
// is clamped up to it. Validate rejects the latter for loaded configs.
func Policy(cfg config.ReconnectConfig) transport.ReconnectPolicy {
	if !cfg.Enabled {
		return transport.ReconnectPolicy{}
	}
	p := transport.ReconnectPolicy{
		Enabled:      true,
		InitialDelay: cfg.GetInitialDelay(),
		MaxDelay:     cfg.GetMaxDelay(),
		MaxAttempts:  cfg.MaxAttempts,
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = transport.DefaultInitialDelay
	}
	switch {
	case p.MaxDelay <= 0:
		p.MaxDelay = max(transport.DefaultMaxDelay, p.InitialDelay)
	case p.MaxDelay < p.InitialDelay:
		p.MaxDelay = p.InitialDelay
	}
	return p
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
