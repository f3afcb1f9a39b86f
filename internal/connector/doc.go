// Package connector builds a transport from configuration.
//
// It is the only place that knows every backend. Application code receives
// a transport.Transport and discovers optional capabilities by type
// assertion:
//
//	t, err := connector.New(cfg.Transport, logger, connector.WithRecorder(rec))
//	if err != nil {
//	    return err
//	}
//	if err := t.Connect(ctx); err != nil {
//	    return err
//	}
//	if snap, ok := t.(transport.SnapshotCapable); ok {
//	    records, err := snap.SOWQuery(ctx, "orders")
//	}
package connector
