// Package transport provides the broker-agnostic messaging core for Gray Logic Bus.
//
// This package manages:
//   - The connection state machine shared by every backend adapter
//   - Canonical message envelopes and payload normalization
//   - Topic matching with trailing-wildcard patterns
//   - The subscription registry used to route and restore subscriptions
//   - Exponential reconnect backoff and transparent resubscription
//   - Structured transport errors fanned out to observers
//
// # Architecture
//
// Application code talks to a Transport. Each backend package (amps, amqp,
// nats, mqtt, loopback) implements Transport by embedding a *Core and
// supplying a Session that knows how to open and close the wire connection.
// The Core owns everything that does not depend on the wire protocol.
//
//	Application ↔ Transport (backend adapter) ↔ Core ↔ Session ↔ Broker
//
// Optional backend features are exposed through capability interfaces and
// discovered with a type assertion:
//
//	if snap, ok := t.(transport.SnapshotCapable); ok {
//	    records, err := snap.SOWQuery(ctx, "orders")
//	}
//
// # Delivery Model
//
// Each active subscription owns one delivery goroutine which invokes its
// handler sequentially. Ordering within a subscription is whatever the broker
// provides; there is no ordering across subscriptions. Handler errors and
// panics are logged and never stop delivery.
//
// # Reconnection
//
// On an unsolicited disconnect the Core schedules retries with
// delay = min(InitialDelay * 2^attempt, MaxDelay). Only one retry timer is
// ever outstanding. After a successful reconnect every registered
// subscription is reissued with its original id, topic, options and handler.
//
// # Usage
//
//	t, err := connector.New(cfg.Transport, logger)
//	if err != nil {
//	    return err
//	}
//	if err := t.Connect(ctx); err != nil {
//	    return err
//	}
//	defer t.Disconnect(context.Background())
//
//	sub, err := t.Subscribe(ctx, "rates/>", func(env transport.Envelope) error {
//	    log.Printf("%s: %v", env.Topic, env.Data)
//	    return nil
//	})
package transport
