package telemetry

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/graystore/internal/storage"
	"github.com/nerrad567/graystore/internal/storage/pool"
)

// Client satisfies the facade's metrics hook.
var _ storage.MetricsRecorder = (*Client)(nil)

// RecordWrite records one committed write transaction.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - elapsed: Time spent holding the write transaction
//   - touches: Number of entity touches in the committed change set
func (c *Client) RecordWrite(elapsed time.Duration, touches int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"storage_write",
		nil,
		map[string]interface{}{
			"duration_ms": elapsed.Seconds() * millisecondsPerSecond,
			"touches":     touches,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// RecordMigration records a migration run.
//
// Parameters:
//   - didRun: Whether any pending migrations were applied
//   - elapsed: Time spent checking and applying
func (c *Client) RecordMigration(didRun bool, elapsed time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"storage_migration",
		map[string]string{
			"ran": strconv.FormatBool(didRun),
		},
		map[string]interface{}{
			"duration_ms": elapsed.Seconds() * millisecondsPerSecond,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// RecordReload records the outcome of adopting a transferred database.
//
// Parameters:
//   - outcome: Bounded outcome label (success, relaunch_required, ...)
func (c *Client) RecordReload(outcome string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"storage_reload",
		map[string]string{
			"outcome": outcome,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// RecordPoolStats records a snapshot of both connection pools.
//
// Call periodically (the daemon samples every 30 seconds) to track
// reader saturation and writer queueing.
func (c *Client) RecordPoolStats(stats pool.Stats) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"storage_pool",
		nil,
		map[string]interface{}{
			"read_open":     stats.Read.OpenConnections,
			"read_in_use":   stats.Read.InUse,
			"read_idle":     stats.Read.Idle,
			"read_waits":    stats.Read.WaitCount,
			"write_in_use":  stats.Write.InUse,
			"write_waits":   stats.Write.WaitCount,
			"write_wait_ms": stats.Write.WaitDuration.Seconds() * millisecondsPerSecond,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the recorder methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
