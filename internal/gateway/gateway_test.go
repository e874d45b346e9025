package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/edgewild/fleetcore/internal/device"
	"github.com/edgewild/fleetcore/internal/infrastructure/config"
	"github.com/edgewild/fleetcore/internal/router"
)

// mockRepo satisfies device.Repository.
type mockRepo struct{}

func (mockRepo) Save(_ context.Context, _ *device.Device) error       { return nil }
func (mockRepo) Get(_ context.Context, _ string) (*device.Device, error) { return nil, device.ErrNotFound }
func (mockRepo) List(_ context.Context) ([]device.Device, error)      { return nil, nil }
func (mockRepo) Delete(_ context.Context, _ string) error             { return nil }

// fakeConn stands in for a live agent connection.
type fakeConn struct {
	id string
	mu sync.Mutex
	sent []any
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}
func (c *fakeConn) Close() error { return nil }

// taskRecorder records orchestrator notifications.
type taskRecorder struct {
	mu      sync.Mutex
	updates []string
}

func (t *taskRecorder) UpdateDeviceStatus(taskID, deviceID, status, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updates = append(t.updates, taskID+"/"+deviceID+"/"+status)
}

func newTestGateway(t *testing.T) (*Gateway, *device.Registry) {
	t.Helper()

	reg := device.NewRegistry(mockRepo{}, 100)
	mon := device.NewMonitor(reg, time.Minute, time.Minute)
	syn := device.NewSyncer(reg, mockRepo{}, time.Second)
	rt := router.New(reg)

	cfg := config.WebSocketConfig{
		MaxMessageSize: 65536,
		PingInterval:   30,
		PongTimeout:    10,
		SendBufferSize: 16,
	}
	return New(cfg, reg, mon, syn, rt, 20*time.Millisecond), reg
}

func mustJSON(t *testing.T, typ string, payload any) []byte {
	t.Helper()
	p, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	raw, err := json.Marshal(Message{Type: typ, Payload: p})
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	return raw
}

func register(t *testing.T, gw *Gateway, reg *device.Registry, deviceID, connID string) *fakeConn {
	t.Helper()
	c := &fakeConn{id: connID}
	if _, err := reg.Register(c, device.Info{DeviceID: deviceID}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return c
}

func TestGateway_DispatchHeartbeat(t *testing.T) {
	gw, reg := newTestGateway(t)
	c := register(t, gw, reg, "dev-1", "conn-1")

	gw.dispatch(&agentConn{id: c.id, gw: gw}, mustJSON(t, MsgHeartbeat, heartbeatPayload{UptimeSeconds: 4242}))

	d, _ := reg.Get("dev-1")
	if d.UptimeSeconds != 4242 {
		t.Errorf("UptimeSeconds = %d, want 4242", d.UptimeSeconds)
	}
}

func TestGateway_DispatchNetworkInfo(t *testing.T) {
	gw, reg := newTestGateway(t)
	c := register(t, gw, reg, "dev-1", "conn-1")

	gw.dispatch(&agentConn{id: c.id, gw: gw}, mustJSON(t, MsgNetworkInfo, device.NetworkInfo{WifiName: "floor-2", LocalIP: "10.1.2.3"}))

	d, _ := reg.Get("dev-1")
	if d.Network.WifiName != "floor-2" || d.Network.LocalIP != "10.1.2.3" {
		t.Errorf("Network = %+v", d.Network)
	}
}

func TestGateway_DispatchOperationProgress(t *testing.T) {
	gw, reg := newTestGateway(t)
	c := register(t, gw, reg, "dev-1", "conn-1")
	conn := &agentConn{id: c.id, gw: gw}

	gw.dispatch(conn, mustJSON(t, MsgOperationProgress, progressPayload{
		Type: "upgrade", SessionID: "s1", Step: "download", Progress: 30,
	}))

	d, _ := reg.Get("dev-1")
	if d.CurrentOperation == nil || d.CurrentOperation.Progress != 30 {
		t.Fatalf("CurrentOperation = %+v", d.CurrentOperation)
	}

	// Terminal progress clears the operation after the configured delay.
	gw.dispatch(conn, mustJSON(t, MsgOperationProgress, progressPayload{
		Type: "upgrade", SessionID: "s1", Step: "done", Progress: 100,
	}))

	deadline := time.Now().Add(time.Second)
	for {
		d, _ = reg.Get("dev-1")
		if d.CurrentOperation == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("terminal operation never cleared")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGateway_DispatchTaskResult(t *testing.T) {
	gw, reg := newTestGateway(t)
	rec := &taskRecorder{}
	gw.SetTaskSink(rec)
	c := register(t, gw, reg, "dev-1", "conn-1")

	gw.dispatch(&agentConn{id: c.id, gw: gw}, mustJSON(t, MsgTaskResult, taskResultPayload{
		TaskID:  "task-9",
		Status:  "success",
		Project: device.ProjectFrontend,
		Version: "3.0.0",
	}))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.updates) != 1 || rec.updates[0] != "task-9/dev-1/success" {
		t.Errorf("updates = %v", rec.updates)
	}

	d, _ := reg.Get("dev-1")
	if d.Deploys[device.ProjectFrontend].Version != "3.0.0" {
		t.Errorf("deploy not recorded: %+v", d.Deploys)
	}
}

func TestGateway_DispatchFromSupersededConn(t *testing.T) {
	gw, reg := newTestGateway(t)
	register(t, gw, reg, "dev-1", "conn-old")
	register(t, gw, reg, "dev-1", "conn-new")

	// conn-old was superseded; its messages must be ignored.
	gw.dispatch(&agentConn{id: "conn-old", gw: gw}, mustJSON(t, MsgHeartbeat, heartbeatPayload{UptimeSeconds: 1}))

	d, _ := reg.Get("dev-1")
	if d.UptimeSeconds == 1 {
		t.Error("heartbeat from superseded connection applied")
	}
}

func TestGateway_DispatchMalformed(t *testing.T) {
	gw, reg := newTestGateway(t)
	c := register(t, gw, reg, "dev-1", "conn-1")
	conn := &agentConn{id: c.id, gw: gw}

	// None of these may panic or corrupt state.
	gw.dispatch(conn, []byte("not json"))
	gw.dispatch(conn, mustJSON(t, "no_such_type", struct{}{}))
	gw.dispatch(conn, []byte(`{"type":"heartbeat","payload":"not an object"}`))

	if !reg.IsOnline("dev-1") {
		t.Error("device knocked offline by malformed traffic")
	}
}
