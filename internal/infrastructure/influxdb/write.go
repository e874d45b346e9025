package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteHeartbeat records one heartbeat observation for a device.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Dashboards derive per-device liveness and uptime curves from this
// measurement.
func (c *Client) WriteHeartbeat(deviceID string, uptimeSeconds int64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"heartbeat",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"uptime_seconds": uptimeSeconds,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteFleetGauges records the fleet-wide device counts. Written by the
// heartbeat monitor after each stale scan.
func (c *Client) WriteFleetGauges(total, online int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"fleet",
		nil,
		map[string]interface{}{
			"total":   total,
			"online":  online,
			"offline": total - online,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteSyncFlush records one state sync flush cycle.
func (c *Client) WriteSyncFlush(flushed, failed int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"state_sync",
		nil,
		map[string]interface{}{
			"flushed": flushed,
			"failed":  failed,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteTaskStats records per-batch progress of a running task.
func (c *Client) WriteTaskStats(taskID, taskType string, total, success, failed, timeout int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"task_batches",
		map[string]string{
			"task_id": taskID,
			"type":    taskType,
		},
		map[string]interface{}{
			"total":   total,
			"success": success,
			"failed":  failed,
			"timeout": timeout,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}
