package device

import (
	"testing"
	"time"
)

func TestMonitor_RecordHeartbeat(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), 10)
	mon := NewMonitor(reg, time.Minute, time.Minute)

	if _, err := reg.Register(newFakeConn("c1"), Info{DeviceID: "dev-1"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	before, _ := reg.Get("dev-1")
	time.Sleep(2 * time.Millisecond)
	mon.RecordHeartbeat("dev-1", 12345)

	after, _ := reg.Get("dev-1")
	if !after.LastHeartbeat.After(*before.LastHeartbeat) {
		t.Error("LastHeartbeat not advanced")
	}
	if after.UptimeSeconds != 12345 {
		t.Errorf("UptimeSeconds = %d, want 12345", after.UptimeSeconds)
	}

	// Heartbeat from an unknown device must not panic or create a record.
	mon.RecordHeartbeat("ghost", 1)
	if reg.Count() != 1 {
		t.Errorf("Count() = %d, heartbeat created a phantom record", reg.Count())
	}
}

func TestMonitor_ScanMarksStale(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), 10)
	mon := NewMonitor(reg, time.Minute, time.Minute)

	conn := newFakeConn("c1")
	if _, err := reg.Register(conn, Info{DeviceID: "stale-dev"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := reg.Register(newFakeConn("c2"), Info{DeviceID: "fresh-dev"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Backdate the stale device's heartbeat past the timeout.
	old := time.Now().UTC().Add(-2 * time.Minute)
	if err := reg.Update("stale-dev", func(d *Device) {
		d.LastHeartbeat = &old
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	stale := mon.Scan()
	if len(stale) != 1 || stale[0] != "stale-dev" {
		t.Fatalf("Scan() = %v, want [stale-dev]", stale)
	}
	if reg.IsOnline("stale-dev") {
		t.Error("stale device still online after scan")
	}
	if !conn.isClosed() {
		t.Error("stale device's connection not closed")
	}
	if !reg.IsOnline("fresh-dev") {
		t.Error("fresh device marked offline by scan")
	}
}

func TestMonitor_HealthStats(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), 10)
	mon := NewMonitor(reg, time.Minute, time.Minute)

	if _, err := reg.Register(newFakeConn("c1"), Info{DeviceID: "healthy"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := reg.Register(newFakeConn("c2"), Info{DeviceID: "timed-out"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := reg.Register(newFakeConn("c3"), Info{DeviceID: "gone"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	reg.Disconnect("c3")

	old := time.Now().UTC().Add(-2 * time.Minute)
	if err := reg.Update("timed-out", func(d *Device) {
		d.LastHeartbeat = &old
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	stats := mon.HealthStats()
	want := HealthStats{Total: 3, Online: 2, Healthy: 1, TimedOut: 1}
	if stats != want {
		t.Errorf("HealthStats() = %+v, want %+v", stats, want)
	}
}
