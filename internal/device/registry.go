package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by this package.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Conn is a live bidirectional connection to a device. The websocket
// gateway provides the production implementation; tests use fakes.
type Conn interface {
	// ID returns the transport-assigned connection identifier.
	ID() string

	// WriteJSON sends a JSON-encoded message to the device.
	WriteJSON(v any) error

	// Close tears the connection down.
	Close() error
}

// evictTargetRatio is the fill level eviction reduces the registry to
// once the capacity ceiling has been hit.
const evictTargetRatio = 0.8

// Registry owns the in-memory table of known devices and their live
// connection handles.
//
// A device id maps to at most one live connection: a second registration
// for the same id forcibly closes the prior connection. Offline records
// survive until capacity eviction or the janitor sweep removes them.
//
// All public methods are thread-safe. Registration, eviction, and
// disconnect all read-then-write the same maps, so every mutation runs
// under the one mutex.
type Registry struct {
	mu       sync.RWMutex
	devices  map[string]*Device // by device id
	conns    map[string]Conn    // device id -> live connection
	connIdx  map[string]string  // connection id -> device id
	capacity int

	repo   Repository
	logger Logger
}

// NewRegistry creates a device registry with the given capacity ceiling.
// The repository is used for hydration and janitor deletes; routine
// persistence is the state sync engine's job.
func NewRegistry(repo Repository, capacity int) *Registry {
	return &Registry{
		devices:  make(map[string]*Device),
		conns:    make(map[string]Conn),
		connIdx:  make(map[string]string),
		capacity: capacity,
		repo:     repo,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Hydrate loads all persisted devices into memory. Connection state is
// reset to offline: live sockets do not survive a process restart.
// Call once on startup before the gateway accepts connections.
func (r *Registry) Hydrate(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i].DeepCopy()
		d.Status = StatusOffline
		d.CurrentOperation = nil
		r.devices[d.ID] = d
	}

	r.logger.Info("device registry hydrated", "count", len(devices))
	return nil
}

// Register adds or refreshes a device record for an inbound connection.
//
// It is idempotent per device id: an existing record has its attributes
// merged (new values win, missing fields keep prior values), and a prior
// live connection with a different id is forcibly closed to prevent
// split-brain. Registration enforces the capacity ceiling by evicting
// the least-recently-active offline devices; online devices are never
// evicted, even if that leaves the registry over capacity.
func (r *Registry) Register(conn Conn, info Info) (*Device, error) {
	if info.DeviceID == "" || len(info.DeviceID) > MaxDeviceIDLength {
		return nil, ErrInvalidID
	}

	now := time.Now().UTC()

	r.mu.Lock()

	d, exists := r.devices[info.DeviceID]
	var evicted []string
	if !exists {
		evicted = r.evictLocked()
		d = &Device{
			ID:        info.DeviceID,
			Deploys:   make(map[Project]DeployInfo),
			CreatedAt: now,
		}
		r.devices[info.DeviceID] = d
	}

	// Force-close a prior connection for the same device id.
	var stale Conn
	if prev, ok := r.conns[info.DeviceID]; ok && prev.ID() != conn.ID() {
		stale = prev
		delete(r.connIdx, prev.ID())
	}

	d.mergeInfo(info)
	d.Status = StatusOnline
	d.ConnectedAt = &now
	d.LastHeartbeat = &now
	d.UpdatedAt = now

	r.conns[info.DeviceID] = conn
	r.connIdx[conn.ID()] = info.DeviceID

	snapshot := d.DeepCopy()
	r.mu.Unlock()

	// Evicted records must leave the durable store too, or the next
	// hydration resurrects them.
	for _, id := range evicted {
		if err := r.repo.Delete(context.Background(), id); err != nil {
			r.logger.Warn("evicted device delete failed", "device_id", id, "error", err)
		}
	}

	// Close outside the lock: transport close handlers call back into
	// Disconnect and would deadlock otherwise.
	if stale != nil {
		r.logger.Warn("closing superseded connection", "device_id", info.DeviceID, "conn_id", stale.ID())
		stale.Close() //nolint:errcheck // Old connection may already be gone
	}

	r.logger.Info("device registered", "device_id", info.DeviceID, "conn_id", conn.ID())
	return snapshot, nil
}

// Disconnect marks the device owning the connection offline and returns
// a copy of its record so callers can react. It returns nil for an
// unknown connection id, including connections already superseded by a
// newer registration.
func (r *Registry) Disconnect(connID string) *Device {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	deviceID, ok := r.connIdx[connID]
	if !ok {
		return nil
	}

	delete(r.connIdx, connID)
	delete(r.conns, deviceID)

	d, ok := r.devices[deviceID]
	if !ok {
		return nil
	}

	d.Status = StatusOffline
	d.DisconnectedAt = &now
	d.UpdatedAt = now

	r.logger.Info("device disconnected", "device_id", deviceID, "conn_id", connID)
	return d.DeepCopy()
}

// Get retrieves a copy of a device record.
func (r *Registry) Get(deviceID string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return nil, false
	}
	return d.DeepCopy(), true
}

// DeviceForConn maps a connection id to the device that owns it.
// A superseded or unknown connection resolves to false.
func (r *Registry) DeviceForConn(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.connIdx[connID]
	return id, ok
}

// Conn returns the live connection for a device, if any.
func (r *Registry) Conn(deviceID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[deviceID]
	return c, ok
}

// IsOnline reports whether the device currently has a live connection.
func (r *Registry) IsOnline(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[deviceID]
	return ok && d.Status == StatusOnline
}

// Count returns the number of known devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// ListAll returns copies of every known device record.
func (r *Registry) ListAll() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, *d.DeepCopy())
	}
	return devices
}

// ListOnline returns copies of every device with a live connection.
func (r *Registry) ListOnline() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var devices []Device
	for _, d := range r.devices {
		if d.Status == StatusOnline {
			devices = append(devices, *d.DeepCopy())
		}
	}
	return devices
}

// Update applies a mutation to a device record under the registry lock.
// Used by the state sync engine for field-level merges.
func (r *Registry) Update(deviceID string, fn func(*Device)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return ErrNotFound
	}

	fn(d)
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// Touch updates the device's last-heartbeat timestamp.
func (r *Registry) Touch(deviceID string, at time.Time) error {
	return r.Update(deviceID, func(d *Device) {
		t := at
		d.LastHeartbeat = &t
	})
}

// MarkStale transitions a device offline without a transport disconnect
// event, closing any connection still held. Used by the heartbeat
// monitor when a device stops reporting during a network partition.
func (r *Registry) MarkStale(deviceID string) *Device {
	now := time.Now().UTC()

	r.mu.Lock()

	d, ok := r.devices[deviceID]
	if !ok || d.Status != StatusOnline {
		r.mu.Unlock()
		return nil
	}

	var stale Conn
	if c, has := r.conns[deviceID]; has {
		stale = c
		delete(r.connIdx, c.ID())
		delete(r.conns, deviceID)
	}

	d.Status = StatusOffline
	d.DisconnectedAt = &now
	d.UpdatedAt = now
	snapshot := d.DeepCopy()

	r.mu.Unlock()

	if stale != nil {
		stale.Close() //nolint:errcheck // Peer likely unreachable already
	}

	return snapshot
}

// SetOperation records the in-flight upgrade/rollback operation on a
// device record. A nil op clears it.
func (r *Registry) SetOperation(deviceID string, op *Operation) error {
	return r.Update(deviceID, func(d *Device) {
		d.CurrentOperation = op
	})
}

// ClearOperationAfter clears the device's current operation once the
// delay elapses, but only if the same operation session is still set.
// The delay gives observers a window to read the terminal state.
func (r *Registry) ClearOperationAfter(deviceID, sessionID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		_ = r.Update(deviceID, func(d *Device) { //nolint:errcheck // Device may have been evicted meanwhile
			if d.CurrentOperation != nil && d.CurrentOperation.SessionID == sessionID {
				d.CurrentOperation = nil
			}
		})
	})
}

// RemoveOfflineBefore deletes offline devices whose last activity is
// older than the cutoff, both from memory and from the durable store.
// Returns the removed device ids. Online devices are never removed.
func (r *Registry) RemoveOfflineBefore(ctx context.Context, cutoff time.Time) []string {
	r.mu.Lock()

	var removed []string
	for id, d := range r.devices {
		if d.Status == StatusOffline && d.lastActivity().Before(cutoff) {
			delete(r.devices, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	for _, id := range removed {
		if err := r.repo.Delete(ctx, id); err != nil {
			r.logger.Warn("janitor delete failed", "device_id", id, "error", err)
		}
	}

	if len(removed) > 0 {
		r.logger.Info("janitor removed stale device records", "count", len(removed))
	}
	return removed
}

// RunJanitor periodically sweeps long-offline device records.
// It blocks until the context is cancelled.
func (r *Registry) RunJanitor(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RemoveOfflineBefore(ctx, time.Now().UTC().Add(-retention))
		}
	}
}

// evictLocked makes room for a new record when the registry has reached
// its capacity ceiling. It removes the least-recently-active offline
// devices until usage falls to the eviction target and returns the
// evicted ids. Callers must hold the write lock.
func (r *Registry) evictLocked() []string {
	if len(r.devices) < r.capacity {
		return nil
	}

	type candidate struct {
		id       string
		activity time.Time
	}

	var offline []candidate
	for id, d := range r.devices {
		if d.Status == StatusOffline {
			offline = append(offline, candidate{id: id, activity: d.lastActivity()})
		}
	}

	sort.Slice(offline, func(i, j int) bool {
		return offline[i].activity.Before(offline[j].activity)
	})

	target := int(float64(r.capacity) * evictTargetRatio)
	var evicted []string
	for _, c := range offline {
		if len(r.devices) <= target {
			break
		}
		delete(r.devices, c.id)
		evicted = append(evicted, c.id)
	}

	if len(evicted) > 0 {
		r.logger.Warn("evicted offline devices at capacity ceiling",
			"evicted", len(evicted),
			"capacity", r.capacity,
			"remaining", len(r.devices),
		)
	}
	return evicted
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	Total   int
	Online  int
	Offline int
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.devices)}
	for _, d := range r.devices {
		if d.Status == StatusOnline {
			stats.Online++
		} else {
			stats.Offline++
		}
	}
	return stats
}
