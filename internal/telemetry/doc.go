// Package telemetry records storage metrics to InfluxDB.
//
// The client wraps the InfluxDB v2 API with non-blocking batched writes:
// recording a metric never slows down a write transaction, and transport
// failures surface through an error callback instead of return values.
//
// The Client satisfies the storage facade's MetricsRecorder, so wiring is
// a single Options field:
//
//	tc, err := telemetry.Connect(cfg.Telemetry)
//	if err == nil {
//	    opts.Metrics = tc
//	}
//
// When telemetry is disabled in configuration, Connect returns ErrDisabled
// and the facade falls back to its no-op recorder.
package telemetry
