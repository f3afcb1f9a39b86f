// Package influxdb writes transport telemetry to InfluxDB.
//
// A connected *Client is a transport.Recorder: message counts, handler
// failures and scheduled reconnects become points in the
// transport_messages and transport_events measurements. Instrument adds
// the connection events of one transport.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	t, err := connector.New(cfg.Transport, logger, connector.WithRecorder(client))
//	stop := client.Instrument(t)
//	defer stop()
//
// # Error Handling
//
// Writes are non-blocking and batched (batch_size, flush_interval). Batch
// failures reach the SetOnError callback; connection and health check
// errors are returned directly.
package influxdb
