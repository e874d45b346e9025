package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockRepository is an in-memory Repository for tests.
type MockRepository struct {
	mu      sync.Mutex
	devices map[string]*Device
	saveErr error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{devices: make(map[string]*Device)}
}

func (m *MockRepository) Save(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.devices[d.ID] = d.DeepCopy()
	return nil
}

func (m *MockRepository) Get(_ context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.DeepCopy(), nil
}

func (m *MockRepository) List(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d.DeepCopy())
	}
	return out, nil
}

func (m *MockRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, id)
	return nil
}

// fakeConn implements Conn for tests.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	sent   []any
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("conn %s closed", c.id)
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), 10)

	d, err := reg.Register(newFakeConn("c1"), Info{DeviceID: "dev-1", Name: "Kiosk A", Platform: "rpi"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if d.Status != StatusOnline {
		t.Errorf("Status = %s, want online", d.Status)
	}
	if d.ConnectedAt == nil {
		t.Error("ConnectedAt not stamped")
	}
	if !reg.IsOnline("dev-1") {
		t.Error("IsOnline() = false after register")
	}
	if reg.Count() != 1 {
		t.Errorf("Count() = %d, want 1", reg.Count())
	}
}

func TestRegistry_RegisterInvalidID(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), 10)

	tests := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"too long", strings.Repeat("x", MaxDeviceIDLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := reg.Register(newFakeConn("c1"), Info{DeviceID: tt.id}); err != ErrInvalidID {
				t.Errorf("Register() error = %v, want ErrInvalidID", err)
			}
		})
	}
}

func TestRegistry_RegisterSupersedesConnection(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), 10)

	old := newFakeConn("c1")
	if _, err := reg.Register(old, Info{DeviceID: "dev-1"}); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}

	replacement := newFakeConn("c2")
	if _, err := reg.Register(replacement, Info{DeviceID: "dev-1"}); err != nil {
		t.Fatalf("second Register() error = %v", err)
	}

	if !old.isClosed() {
		t.Error("prior connection not closed on re-registration")
	}
	if reg.Count() != 1 {
		t.Errorf("Count() = %d, want 1 (same device)", reg.Count())
	}

	// The stale connection's close event must not mark the device offline.
	if got := reg.Disconnect("c1"); got != nil {
		t.Errorf("Disconnect(stale) = %v, want nil", got)
	}
	if !reg.IsOnline("dev-1") {
		t.Error("device went offline after stale disconnect")
	}

	c, ok := reg.Conn("dev-1")
	if !ok || c.ID() != "c2" {
		t.Errorf("Conn() = %v, want c2", c)
	}
}

func TestRegistry_RegisterMergesAttributes(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), 10)

	if _, err := reg.Register(newFakeConn("c1"), Info{DeviceID: "dev-1", Name: "Kiosk A", OS: "linux"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Re-register with a partial info set: missing fields keep prior values.
	d, err := reg.Register(newFakeConn("c2"), Info{DeviceID: "dev-1", AgentVersion: "2.1.0"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if d.Name != "Kiosk A" || d.OS != "linux" {
		t.Errorf("prior attributes lost: name=%q os=%q", d.Name, d.OS)
	}
	if d.AgentVersion != "2.1.0" {
		t.Errorf("AgentVersion = %q, want 2.1.0", d.AgentVersion)
	}
}

func TestRegistry_Disconnect(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), 10)

	if _, err := reg.Register(newFakeConn("c1"), Info{DeviceID: "dev-1"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	d := reg.Disconnect("c1")
	if d == nil {
		t.Fatal("Disconnect() = nil, want device record")
	}
	if d.Status != StatusOffline || d.DisconnectedAt == nil {
		t.Errorf("record not marked offline: status=%s disconnectedAt=%v", d.Status, d.DisconnectedAt)
	}
	if reg.IsOnline("dev-1") {
		t.Error("IsOnline() = true after disconnect")
	}
	if reg.Count() != 1 {
		t.Errorf("Count() = %d, record should survive disconnect", reg.Count())
	}

	if got := reg.Disconnect("nope"); got != nil {
		t.Errorf("Disconnect(unknown) = %v, want nil", got)
	}
}

func TestRegistry_EvictionSparesOnline(t *testing.T) {
	repo := NewMockRepository()
	reg := NewRegistry(repo, 5)

	// Fill to capacity: three offline with staggered activity, two online.
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("off-%d", i)
		if _, err := reg.Register(newFakeConn("c-"+id), Info{DeviceID: id}); err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
		reg.Disconnect("c-" + id)
		// Stagger last activity so eviction order is deterministic.
		past := time.Now().UTC().Add(-time.Duration(10-i) * time.Hour)
		if err := reg.Update(id, func(d *Device) {
			d.DisconnectedAt = &past
			d.LastHeartbeat = nil
			d.ConnectedAt = nil
			d.UpdatedAt = past
		}); err != nil {
			t.Fatalf("Update(%s) error = %v", id, err)
		}
	}
	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("on-%d", i)
		if _, err := reg.Register(newFakeConn("c-"+id), Info{DeviceID: id}); err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
	}
	if reg.Count() != 5 {
		t.Fatalf("Count() = %d, want 5", reg.Count())
	}

	// Next new registration triggers eviction down to 80% of 5 = 4.
	if _, err := reg.Register(newFakeConn("c-new"), Info{DeviceID: "new-1"}); err != nil {
		t.Fatalf("Register(new-1) error = %v", err)
	}

	if reg.Count() != 5 {
		t.Errorf("Count() = %d, want 5 (evicted to 4, then added 1)", reg.Count())
	}
	// Oldest two offline devices evicted, newest offline retained.
	for _, id := range []string{"off-0", "off-1"} {
		if _, ok := reg.Get(id); ok {
			t.Errorf("device %s not evicted", id)
		}
	}
	if _, ok := reg.Get("off-2"); !ok {
		t.Error("most recently active offline device was evicted")
	}
	for _, id := range []string{"on-0", "on-1", "new-1"} {
		if !reg.IsOnline(id) {
			t.Errorf("online device %s missing after eviction", id)
		}
	}
}

func TestRegistry_EvictionAllOnline(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), 3)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("dev-%d", i)
		if _, err := reg.Register(newFakeConn("c-"+id), Info{DeviceID: id}); err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
	}

	// Every resident is online, so nothing can be evicted, but the new
	// registration is still admitted.
	if _, err := reg.Register(newFakeConn("c-extra"), Info{DeviceID: "extra"}); err != nil {
		t.Fatalf("Register(extra) error = %v", err)
	}
	if reg.Count() != 4 {
		t.Errorf("Count() = %d, want 4 (over capacity, all online)", reg.Count())
	}
	for i := 0; i < 3; i++ {
		if !reg.IsOnline(fmt.Sprintf("dev-%d", i)) {
			t.Errorf("online device dev-%d evicted", i)
		}
	}
}

func TestRegistry_Hydrate(t *testing.T) {
	repo := NewMockRepository()
	now := time.Now().UTC()
	repo.devices["dev-1"] = &Device{
		ID:          "dev-1",
		Status:      StatusOnline, // stale persisted state
		ConnectedAt: &now,
		CurrentOperation: &Operation{
			Type: "upgrade", SessionID: "s1", Progress: 40,
		},
	}

	reg := NewRegistry(repo, 10)
	if err := reg.Hydrate(context.Background()); err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}

	d, ok := reg.Get("dev-1")
	if !ok {
		t.Fatal("hydrated device missing")
	}
	if d.Status != StatusOffline {
		t.Errorf("Status = %s, want offline after hydration", d.Status)
	}
	if d.CurrentOperation != nil {
		t.Error("CurrentOperation survived hydration")
	}
}

func TestRegistry_RemoveOfflineBefore(t *testing.T) {
	repo := NewMockRepository()
	reg := NewRegistry(repo, 10)

	ancient := time.Now().UTC().Add(-100 * 24 * time.Hour)

	if _, err := reg.Register(newFakeConn("c1"), Info{DeviceID: "stale"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	reg.Disconnect("c1")
	if err := reg.Update("stale", func(d *Device) {
		d.DisconnectedAt = &ancient
		d.LastHeartbeat = nil
		d.ConnectedAt = nil
		d.UpdatedAt = ancient
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	repo.devices["stale"] = &Device{ID: "stale"}

	if _, err := reg.Register(newFakeConn("c2"), Info{DeviceID: "live"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	removed := reg.RemoveOfflineBefore(context.Background(), time.Now().UTC().Add(-90*24*time.Hour))
	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("RemoveOfflineBefore() = %v, want [stale]", removed)
	}
	if _, ok := reg.Get("stale"); ok {
		t.Error("stale device still in registry")
	}
	if _, err := repo.Get(context.Background(), "stale"); err != ErrNotFound {
		t.Error("stale device still in repository")
	}
	if !reg.IsOnline("live") {
		t.Error("online device removed by janitor")
	}
}

func TestRegistry_ClearOperationAfter(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), 10)

	if _, err := reg.Register(newFakeConn("c1"), Info{DeviceID: "dev-1"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.SetOperation("dev-1", &Operation{Type: "upgrade", SessionID: "s1", Progress: 100}); err != nil {
		t.Fatalf("SetOperation() error = %v", err)
	}

	reg.ClearOperationAfter("dev-1", "s1", 10*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for {
		d, _ := reg.Get("dev-1")
		if d.CurrentOperation == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("operation not cleared after delay")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegistry_ClearOperationSkipsNewerSession(t *testing.T) {
	reg := NewRegistry(NewMockRepository(), 10)

	if _, err := reg.Register(newFakeConn("c1"), Info{DeviceID: "dev-1"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.SetOperation("dev-1", &Operation{Type: "upgrade", SessionID: "s1", Progress: 100}); err != nil {
		t.Fatalf("SetOperation() error = %v", err)
	}
	reg.ClearOperationAfter("dev-1", "s1", 10*time.Millisecond)

	// A newer operation starts before the clear fires.
	if err := reg.SetOperation("dev-1", &Operation{Type: "rollback", SessionID: "s2", Progress: 5}); err != nil {
		t.Fatalf("SetOperation() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	d, _ := reg.Get("dev-1")
	if d.CurrentOperation == nil || d.CurrentOperation.SessionID != "s2" {
		t.Errorf("newer operation cleared by stale timer: %+v", d.CurrentOperation)
	}
}

func TestDevice_DeepCopy(t *testing.T) {
	now := time.Now().UTC()
	d := &Device{
		ID:      "dev-1",
		Network: NetworkInfo{MACs: []string{"aa:bb"}},
		Deploys: map[Project]DeployInfo{
			ProjectFrontend: {Version: "1.0.0", DeployDate: now},
		},
		CurrentOperation: &Operation{SessionID: "s1"},
	}

	cpy := d.DeepCopy()
	cpy.Network.MACs[0] = "mutated"
	cpy.Deploys[ProjectBackend] = DeployInfo{Version: "9.9.9"}
	cpy.CurrentOperation.SessionID = "mutated"

	if d.Network.MACs[0] != "aa:bb" {
		t.Error("MACs shared between copy and original")
	}
	if len(d.Deploys) != 1 {
		t.Error("Deploys map shared between copy and original")
	}
	if d.CurrentOperation.SessionID != "s1" {
		t.Error("CurrentOperation shared between copy and original")
	}
}
