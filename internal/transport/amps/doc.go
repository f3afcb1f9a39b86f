// Package amps implements the transport for AMPS state-of-world messaging
// over the AMPS JSON WebSocket protocol.
//
// Every frame is a JSON header object optionally followed by the message
// body. Commands that need confirmation carry a command id (cid) and an ack
// type; the server answers with an "ack" frame carrying the same cid.
//
// # Subscriptions
//
// The subscription id sent on the wire is the transport subscription id, so
// a subscription keeps its id across reconnects. Data messages are routed to
// a per-subscription queue by sub_id (or query_id) and delivered by that
// subscription's goroutine. A sow_and_subscribe snapshot and the live
// updates that follow share the queue, which is what guarantees snapshot
// records reach the handler before any live update. group_begin and
// group_end markers are consumed by the read loop and never delivered.
//
// # Payloads
//
// The payload is the frame body when present. A bodyless frame may carry the
// payload in a "data" or "d" field, or be the payload itself when it holds
// the configured identity field. See normalize.go.
//
// # Usage
//
//	t := amps.New(amps.Config{
//	    URL:       "ws://amps:9008/amps/json",
//	    Reconnect: transport.DefaultReconnectPolicy(),
//	})
//	if err := t.Connect(ctx); err != nil {
//	    return err
//	}
//	sub, err := t.SOWAndSubscribe(ctx, "orders", handler, transport.WithFilter("/status='open'"))
package amps
