// Package metrics exports transport measurements to Prometheus.
//
// A Recorder is passed to a backend as its transport.Recorder and attached
// to the running transport with Instrument:
//
//	reg := prometheus.NewRegistry()
//	rec, err := metrics.NewRecorder(reg)
//	t, err := connector.New(cfg.Transport, logger, connector.WithRecorder(rec))
//	stop := rec.Instrument(t)
//	defer stop()
//	http.Handle("/metrics", metrics.Handler(reg))
package metrics
