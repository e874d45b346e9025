package device

import (
	"context"
	"time"
)

// HealthStats summarises fleet liveness as seen by the monitor.
type HealthStats struct {
	Total    int `json:"total"`
	Online   int `json:"online"`
	Healthy  int `json:"healthy"`   // online with a fresh heartbeat
	TimedOut int `json:"timed_out"` // online but heartbeat older than the timeout
}

// MetricsSink receives liveness observations. The InfluxDB client
// implements it; a nil sink disables metrics.
type MetricsSink interface {
	WriteHeartbeat(deviceID string, uptimeSeconds int64)
	WriteFleetGauges(total, online int)
}

// Monitor tracks device liveness from heartbeats. Devices that stop
// reporting while their connection lingers (half-open sockets, NAT
// timeouts) are transitioned offline by a periodic scan rather than
// waiting for the transport to notice.
type Monitor struct {
	registry *Registry
	timeout  time.Duration
	interval time.Duration
	metrics  MetricsSink
	logger   Logger
}

// NewMonitor creates a heartbeat monitor. timeout is how stale a
// heartbeat may be before an online device is considered dead; interval
// is how often the scan runs.
func NewMonitor(registry *Registry, timeout, interval time.Duration) *Monitor {
	return &Monitor{
		registry: registry,
		timeout:  timeout,
		interval: interval,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the monitor.
func (m *Monitor) SetLogger(logger Logger) {
	m.logger = logger
}

// SetMetrics wires a metrics sink. Pass nil to disable.
func (m *Monitor) SetMetrics(sink MetricsSink) {
	m.metrics = sink
}

// RecordHeartbeat updates the device's liveness timestamp and reported
// uptime. Heartbeats from unknown devices are dropped.
func (m *Monitor) RecordHeartbeat(deviceID string, uptimeSeconds int64) {
	now := time.Now().UTC()

	err := m.registry.Update(deviceID, func(d *Device) {
		d.LastHeartbeat = &now
		if uptimeSeconds > 0 {
			d.UptimeSeconds = uptimeSeconds
		}
	})
	if err != nil {
		m.logger.Debug("heartbeat from unknown device dropped", "device_id", deviceID)
		return
	}

	if m.metrics != nil {
		m.metrics.WriteHeartbeat(deviceID, uptimeSeconds)
	}
}

// HealthStats returns a liveness snapshot of the fleet.
func (m *Monitor) HealthStats() HealthStats {
	cutoff := time.Now().UTC().Add(-m.timeout)

	var stats HealthStats
	for _, d := range m.registry.ListAll() {
		stats.Total++
		if d.Status != StatusOnline {
			continue
		}
		stats.Online++
		if d.LastHeartbeat != nil && d.LastHeartbeat.After(cutoff) {
			stats.Healthy++
		} else {
			stats.TimedOut++
		}
	}
	return stats
}

// Scan marks online devices with stale heartbeats offline and returns
// the affected device ids.
func (m *Monitor) Scan() []string {
	cutoff := time.Now().UTC().Add(-m.timeout)

	var stale []string
	for _, d := range m.registry.ListOnline() {
		last := d.ConnectedAt
		if d.LastHeartbeat != nil {
			last = d.LastHeartbeat
		}
		if last == nil || last.Before(cutoff) {
			stale = append(stale, d.ID)
		}
	}

	for _, id := range stale {
		if m.registry.MarkStale(id) != nil {
			m.logger.Warn("device heartbeat timed out", "device_id", id, "timeout", m.timeout)
		}
	}

	if m.metrics != nil {
		s := m.registry.GetStats()
		m.metrics.WriteFleetGauges(s.Total, s.Online)
	}

	return stale
}

// Run executes the periodic stale scan until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan()
		}
	}
}
