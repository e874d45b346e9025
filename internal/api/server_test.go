package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/edgewild/fleetcore/internal/device"
	"github.com/edgewild/fleetcore/internal/gateway"
	"github.com/edgewild/fleetcore/internal/infrastructure/config"
	"github.com/edgewild/fleetcore/internal/infrastructure/logging"
	"github.com/edgewild/fleetcore/internal/router"
	"github.com/edgewild/fleetcore/internal/task"
)

// mockDeviceRepo is an in-memory device.Repository.
type mockDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]*device.Device
}

func newMockDeviceRepo() *mockDeviceRepo {
	return &mockDeviceRepo{devices: make(map[string]*device.Device)}
}

func (m *mockDeviceRepo) Save(_ context.Context, d *device.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = d.DeepCopy()
	return nil
}

func (m *mockDeviceRepo) Get(_ context.Context, id string) (*device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, device.ErrNotFound
	}
	return d.DeepCopy(), nil
}

func (m *mockDeviceRepo) List(_ context.Context) ([]device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d.DeepCopy())
	}
	return out, nil
}

func (m *mockDeviceRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, id)
	return nil
}

// mockTaskRepo is an in-memory task.Repository.
type mockTaskRepo struct {
	mu    sync.Mutex
	tasks map[string]*task.BatchTask
}

func newMockTaskRepo() *mockTaskRepo {
	return &mockTaskRepo{tasks: make(map[string]*task.BatchTask)}
}

func (m *mockTaskRepo) Create(_ context.Context, t *task.BatchTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t.DeepCopy()
	return nil
}

func (m *mockTaskRepo) Update(_ context.Context, t *task.BatchTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return task.ErrNotFound
	}
	m.tasks[t.ID] = t.DeepCopy()
	return nil
}

func (m *mockTaskRepo) GetByID(_ context.Context, id string) (*task.BatchTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return t.DeepCopy(), nil
}

func (m *mockTaskRepo) List(_ context.Context) ([]task.BatchTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]task.BatchTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t.DeepCopy())
	}
	return out, nil
}

func (m *mockTaskRepo) ListByStatus(_ context.Context, status task.Status) ([]task.BatchTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.BatchTask
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, *t.DeepCopy())
		}
	}
	return out, nil
}

func (m *mockTaskRepo) DeleteCreatedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tasks {
		if t.CreatedAt.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

// fakeConn is an in-memory device.Conn for seeding online devices.
type fakeConn struct {
	id string
}

func (c *fakeConn) ID() string           { return c.id }
func (c *fakeConn) WriteJSON(_ any) error { return nil }
func (c *fakeConn) Close() error          { return nil }

// newTestServer assembles a full server over in-memory repositories.
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text"}, "test")
	registry := device.NewRegistry(newMockDeviceRepo(), 100)
	monitor := device.NewMonitor(registry, time.Minute, time.Minute)
	syncer := device.NewSyncer(registry, newMockDeviceRepo(), time.Minute)
	commands := router.New(registry)

	orchestrator := task.NewOrchestrator(newMockTaskRepo(), registry, commands, config.TasksConfig{
		BatchSize:     10,
		DeviceTimeout: time.Second,
		BatchDelay:    time.Millisecond,
		RetryCap:      3,
		MaxLogEntries: 1000,
		TrimLogEntries: 500,
	})

	gw := gateway.New(config.WebSocketConfig{}, registry, monitor, syncer, commands, time.Second)

	s, err := New(Deps{
		Config:       config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Router:       config.RouterConfig{CommandTimeout: time.Second},
		Logger:       logger,
		Registry:     registry,
		Monitor:      monitor,
		Commands:     commands,
		Orchestrator: orchestrator,
		Gateway:      gw,
		Version:      "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ts := httptest.NewServer(s.buildRouter())
	t.Cleanup(ts.Close)
	return s, ts
}

func seedDevice(t *testing.T, s *Server, id string) {
	t.Helper()
	_, err := s.registry.Register(&fakeConn{id: "conn-" + id}, device.Info{
		DeviceID: id,
		Name:     "Device " + id,
		Platform: "linux",
	})
	if err != nil {
		t.Fatalf("seed device %s: %v", id, err)
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec // test URL from httptest
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf) //nolint:gosec // test URL
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)

	var resp map[string]any
	if status := getJSON(t, ts.URL+"/api/v1/health", &resp); status != http.StatusOK {
		t.Fatalf("health status = %d, want 200", status)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

func TestListDevices(t *testing.T) {
	s, ts := newTestServer(t)
	seedDevice(t, s, "kiosk-001")
	seedDevice(t, s, "kiosk-002")
	s.registry.Disconnect("conn-kiosk-002")

	var resp struct {
		Devices []device.Device `json:"devices"`
		Count   int             `json:"count"`
	}
	if status := getJSON(t, ts.URL+"/api/v1/devices", &resp); status != http.StatusOK {
		t.Fatalf("list status = %d, want 200", status)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}

	if status := getJSON(t, ts.URL+"/api/v1/devices?status=online", &resp); status != http.StatusOK {
		t.Fatalf("filtered list status = %d, want 200", status)
	}
	if resp.Count != 1 || resp.Devices[0].ID != "kiosk-001" {
		t.Errorf("online filter returned %+v", resp.Devices)
	}

	if status := getJSON(t, ts.URL+"/api/v1/devices?status=bogus", nil); status != http.StatusBadRequest {
		t.Errorf("bogus filter status = %d, want 400", status)
	}
}

func TestGetDevice(t *testing.T) {
	s, ts := newTestServer(t)
	seedDevice(t, s, "kiosk-001")

	var d device.Device
	if status := getJSON(t, ts.URL+"/api/v1/devices/kiosk-001", &d); status != http.StatusOK {
		t.Fatalf("get status = %d, want 200", status)
	}
	if d.ID != "kiosk-001" || d.Status != device.StatusOnline {
		t.Errorf("device = %+v", d)
	}

	if status := getJSON(t, ts.URL+"/api/v1/devices/ghost", nil); status != http.StatusNotFound {
		t.Errorf("missing device status = %d, want 404", status)
	}
}

func TestDeviceStats(t *testing.T) {
	s, ts := newTestServer(t)
	seedDevice(t, s, "kiosk-001")

	var resp map[string]any
	if status := getJSON(t, ts.URL+"/api/v1/devices/stats", &resp); status != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", status)
	}
	if resp["total"].(float64) != 1 || resp["online"].(float64) != 1 {
		t.Errorf("stats = %v", resp)
	}
}

func TestDeviceCommandOffline(t *testing.T) {
	s, ts := newTestServer(t)
	seedDevice(t, s, "kiosk-001")
	s.registry.Disconnect("conn-kiosk-001")

	status := postJSON(t, ts.URL+"/api/v1/devices/kiosk-001/command",
		map[string]any{"command": "restart"}, nil)
	if status != http.StatusConflict {
		t.Errorf("offline command status = %d, want 409", status)
	}
}

func TestCommandRequestTimeoutClamped(t *testing.T) {
	cfg := config.RouterConfig{CommandTimeout: 10 * time.Second}

	tests := []struct {
		name    string
		seconds int
		want    time.Duration
	}{
		{"absent uses default", 0, 10 * time.Second},
		{"in range passes through", 30, 30 * time.Second},
		{"day-long request hits ceiling", 86400, config.MaxCommandTimeout},
		{"negative hits floor", -5, config.MinCommandTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := commandRequest{Command: "status", TimeoutSeconds: tt.seconds}
			if got := req.timeout(cfg); got != tt.want {
				t.Errorf("timeout(%d) = %v, want %v", tt.seconds, got, tt.want)
			}
		})
	}
}

func TestDeviceCommandValidation(t *testing.T) {
	_, ts := newTestServer(t)

	status := postJSON(t, ts.URL+"/api/v1/devices/kiosk-001/command",
		map[string]any{}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("empty command status = %d, want 400", status)
	}
}

func validUpgradeBody() map[string]any {
	return map[string]any{
		"device_ids": []string{"kiosk-001"},
		"project":    "frontend",
		"package": map[string]any{
			"file_name": "frontend-2.1.0.tar.gz",
			"version":   "2.1.0",
			"checksum":  "abc123",
			"path":      "/srv/packages/frontend-2.1.0.tar.gz",
		},
		"deploy_path": "/opt/app/frontend",
		"created_by":  "ops",
	}
}

func TestCreateUpgradeTask(t *testing.T) {
	_, ts := newTestServer(t)

	var created task.BatchTask
	status := postJSON(t, ts.URL+"/api/v1/tasks/upgrade", validUpgradeBody(), &created)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", status)
	}
	if created.Type != task.TypeUpgrade || created.Status != task.StatusPending {
		t.Errorf("task = %+v", created)
	}
	if created.Stats.Total != 1 {
		t.Errorf("stats total = %d, want 1", created.Stats.Total)
	}
}

func TestCreateUpgradeTaskValidation(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"no devices", func(b map[string]any) { b["device_ids"] = []string{} }},
		{"bad project", func(b map[string]any) { b["project"] = "sideways" }},
		{"incomplete package", func(b map[string]any) {
			b["package"] = map[string]any{"version": "2.1.0"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := validUpgradeBody()
			tt.mutate(body)
			if status := postJSON(t, ts.URL+"/api/v1/tasks/upgrade", body, nil); status != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", status)
			}
		})
	}
}

func TestCreateRollbackTask(t *testing.T) {
	_, ts := newTestServer(t)

	var created task.BatchTask
	status := postJSON(t, ts.URL+"/api/v1/tasks/rollback", map[string]any{
		"device_ids": []string{"kiosk-001", "kiosk-002"},
		"project":    "backend",
	}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", status)
	}
	if created.Type != task.TypeRollback || created.Stats.Total != 2 {
		t.Errorf("task = %+v", created)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	_, ts := newTestServer(t)

	if status := getJSON(t, ts.URL+"/api/v1/tasks/ghost", nil); status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	s, ts := newTestServer(t)
	seedDevice(t, s, "kiosk-001")

	var created task.BatchTask
	if status := postJSON(t, ts.URL+"/api/v1/tasks/upgrade", validUpgradeBody(), &created); status != http.StatusCreated {
		t.Fatalf("create status = %d", status)
	}

	taskURL := fmt.Sprintf("%s/api/v1/tasks/%s", ts.URL, created.ID)

	// Execute returns 202 and runs in the background. The fake conn
	// accepts the command but no agent ever reports back, so the single
	// device times out after the 1s test DeviceTimeout.
	if status := postJSON(t, taskURL+"/execute", nil, nil); status != http.StatusAccepted {
		t.Fatalf("execute status = %d, want 202", status)
	}

	// Second execute must conflict: the task left pending state.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if status := postJSON(t, taskURL+"/execute", nil, nil); status == http.StatusConflict {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never left pending state")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Wait for the device timeout to finish the task.
	deadline = time.Now().Add(5 * time.Second)
	var got task.BatchTask
	for {
		if status := getJSON(t, taskURL, &got); status != http.StatusOK {
			t.Fatalf("get status = %d", status)
		}
		if got.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task stuck in %s", got.Status)
		}
		time.Sleep(25 * time.Millisecond)
	}

	if got.Status != task.StatusFailed {
		t.Errorf("task status = %s, want failed", got.Status)
	}
	if got.Stats.Timeout != 1 {
		t.Errorf("stats = %+v, want 1 timeout", got.Stats)
	}

	// The timed-out device is retryable.
	if status := postJSON(t, taskURL+"/retry", nil, nil); status != http.StatusAccepted {
		t.Errorf("retry status = %d, want 202", status)
	}
}

func TestCancelPendingTask(t *testing.T) {
	_, ts := newTestServer(t)

	var created task.BatchTask
	if status := postJSON(t, ts.URL+"/api/v1/tasks/upgrade", validUpgradeBody(), &created); status != http.StatusCreated {
		t.Fatalf("create status = %d", status)
	}

	cancelURL := fmt.Sprintf("%s/api/v1/tasks/%s/cancel", ts.URL, created.ID)
	if status := postJSON(t, cancelURL, nil, nil); status != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200", status)
	}

	// Cancelling again conflicts: the task is already terminal.
	if status := postJSON(t, cancelURL, nil, nil); status != http.StatusConflict {
		t.Errorf("double cancel status = %d, want 409", status)
	}
}

func TestRetryWithNothingToRetry(t *testing.T) {
	_, ts := newTestServer(t)

	var created task.BatchTask
	if status := postJSON(t, ts.URL+"/api/v1/tasks/upgrade", validUpgradeBody(), &created); status != http.StatusCreated {
		t.Fatalf("create status = %d", status)
	}

	retryURL := fmt.Sprintf("%s/api/v1/tasks/%s/retry", ts.URL, created.ID)
	if status := postJSON(t, retryURL, nil, nil); status != http.StatusConflict {
		t.Errorf("retry status = %d, want 409", status)
	}
}

func TestListTasks(t *testing.T) {
	_, ts := newTestServer(t)

	if status := postJSON(t, ts.URL+"/api/v1/tasks/upgrade", validUpgradeBody(), nil); status != http.StatusCreated {
		t.Fatalf("create status = %d", status)
	}

	var resp struct {
		Tasks []task.BatchTask `json:"tasks"`
		Count int              `json:"count"`
	}
	if status := getJSON(t, ts.URL+"/api/v1/tasks", &resp); status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}
}
