// Package gateway exposes a running transport to UI collaborators over HTTP
// and WebSocket.
//
// Endpoints:
//
//	GET /api/v1/health   transport connection health (503 while not connected)
//	GET /api/v1/status   connection status, subscriptions and recent events
//	GET /metrics         Prometheus exposition
//	GET /api/v1/ws       WebSocket relay
//
// WebSocket clients send {type, id, payload} messages of type subscribe,
// sow_subscribe, unsubscribe, publish or ping. Relayed messages arrive as
// {type: "event", event_type: "message", id: <subscribe request id>}, and
// every client receives connection events as event_type "connection".
// When a JWT secret is configured the upgrade requires an HS256 token.
//
// Lifecycle:
//
//	srv, err := gateway.New(deps)
//	srv.Start(ctx)
//	defer srv.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package gateway
