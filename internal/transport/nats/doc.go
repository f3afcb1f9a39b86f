// Package nats implements the transport for core NATS using nats.go.
//
// The client library's built-in reconnect is turned off with NoReconnect.
// A disconnect is reported to the shared Core, which applies the configured
// reconnect policy and restores subscriptions on the new connection.
//
// Subjects and wildcards (* and >) are passed to the server unchanged.
// Correlation id, message id and TTL travel as NATS headers. Requests use a
// private inbox and time out with transport.ErrTimeout.
//
// Usage:
//
//	t := nats.New(nats.Config{URLs: []string{"nats://localhost:4222"}})
//	if err := t.Connect(ctx); err != nil {
//	    return err
//	}
//	reply, err := t.Request(ctx, "svc.echo", map[string]any{"q": 1})
package nats
