package device

import (
	"context"
	"sync"
	"time"
)

// SyncSink receives flush observations for metrics. Optional.
type SyncSink interface {
	WriteSyncFlush(flushed, failed int)
}

// Syncer batches device record persistence. Mutations apply to the
// in-memory registry immediately and mark the device dirty; a periodic
// flush writes dirty records through the repository. Losing a few
// seconds of attribute churn on crash is acceptable, losing write
// throughput to per-heartbeat saves is not.
type Syncer struct {
	registry *Registry
	repo     Repository
	interval time.Duration
	metrics  SyncSink
	logger   Logger

	mu    sync.Mutex
	dirty map[string]struct{}
}

// NewSyncer creates a state sync engine flushing at the given interval.
func NewSyncer(registry *Registry, repo Repository, interval time.Duration) *Syncer {
	return &Syncer{
		registry: registry,
		repo:     repo,
		interval: interval,
		logger:   noopLogger{},
		dirty:    make(map[string]struct{}),
	}
}

// SetLogger sets the logger for the syncer.
func (s *Syncer) SetLogger(logger Logger) {
	s.logger = logger
}

// SetMetrics wires a metrics sink. Pass nil to disable.
func (s *Syncer) SetMetrics(sink SyncSink) {
	s.metrics = sink
}

// MarkDirty queues a device for the next flush. Safe from any
// goroutine; the dirty set is unbounded so a mark is never lost.
func (s *Syncer) MarkDirty(deviceID string) {
	s.mu.Lock()
	s.dirty[deviceID] = struct{}{}
	s.mu.Unlock()
}

// UpdateNetworkInfo merges reported network attributes into the record
// and marks it dirty. Unknown devices return ErrNotFound.
func (s *Syncer) UpdateNetworkInfo(deviceID string, info NetworkInfo) error {
	err := s.registry.Update(deviceID, func(d *Device) {
		if info.WifiName != "" {
			d.Network.WifiName = info.WifiName
		}
		if info.WifiSignal != 0 {
			d.Network.WifiSignal = info.WifiSignal
		}
		if info.LocalIP != "" {
			d.Network.LocalIP = info.LocalIP
		}
		if info.PublicIP != "" {
			d.Network.PublicIP = info.PublicIP
		}
		if len(info.MACs) > 0 {
			d.Network.MACs = append([]string(nil), info.MACs...)
		}
	})
	if err != nil {
		return err
	}
	s.MarkDirty(deviceID)
	return nil
}

// SystemPatch carries reported system attributes. Nil pointers mean
// "not reported", so absent fields never clobber known values.
type SystemPatch struct {
	UptimeSeconds *int64       `json:"uptime_seconds,omitempty"`
	AgentVersion  string       `json:"agent_version,omitempty"`
	Storage       *StorageInfo `json:"storage,omitempty"`
}

// UpdateSystemInfo merges reported system attributes into the record
// and marks it dirty.
func (s *Syncer) UpdateSystemInfo(deviceID string, patch SystemPatch) error {
	err := s.registry.Update(deviceID, func(d *Device) {
		if patch.UptimeSeconds != nil {
			d.UptimeSeconds = *patch.UptimeSeconds
		}
		if patch.AgentVersion != "" {
			d.AgentVersion = patch.AgentVersion
		}
		if patch.Storage != nil {
			d.Storage = *patch.Storage
		}
	})
	if err != nil {
		return err
	}
	s.MarkDirty(deviceID)
	return nil
}

// UpgradeRecord is the outcome of a completed upgrade or rollback as
// reported by the device.
type UpgradeRecord struct {
	Project    Project   `json:"project"`
	Version    string    `json:"version"`
	DeployPath string    `json:"deploy_path"`
	DeployDate time.Time `json:"deploy_date"`
	Rollback   bool      `json:"rollback"`
	Success    bool      `json:"success"`
}

// RecordUpgrade applies a deployment outcome to the record and marks it
// dirty. A successful forward deploy makes rollback available.
func (s *Syncer) RecordUpgrade(deviceID string, rec UpgradeRecord) error {
	if !ValidProject(rec.Project) {
		return ErrInvalidProject
	}

	now := time.Now().UTC()
	status := "failed"
	if rec.Success {
		status = "success"
	}

	err := s.registry.Update(deviceID, func(d *Device) {
		if rec.Rollback {
			d.LastRollbackStatus = status
			d.LastRollbackAt = &now
			if rec.Success {
				d.RollbackAvailable = false
			}
		} else {
			d.LastDeployStatus = status
			d.LastDeployAt = &now
			if rec.Success {
				d.RollbackAvailable = true
			}
		}
		if rec.Success {
			d.Deploys[rec.Project] = DeployInfo{
				Version:    rec.Version,
				DeployPath: rec.DeployPath,
				DeployDate: rec.DeployDate,
			}
		}
	})
	if err != nil {
		return err
	}
	s.MarkDirty(deviceID)
	return nil
}

// Flush persists every dirty device. Saves are independent: one failure
// is logged and does not block the rest, and the failed device stays
// dirty for the next cycle.
func (s *Syncer) Flush(ctx context.Context) (int, error) {
	// Take the whole set; marks arriving during the flush land in a
	// fresh map and wait for the next cycle.
	s.mu.Lock()
	batch := s.dirty
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	flushed, failed := 0, 0
	for id := range batch {
		d, ok := s.registry.Get(id)
		if !ok {
			// Evicted or removed since it was marked. Nothing to save.
			continue
		}
		if err := s.repo.Save(ctx, d); err != nil {
			failed++
			s.logger.Error("device save failed", "device_id", id, "error", err)
			s.MarkDirty(id)
			continue
		}
		flushed++
	}

	if flushed > 0 || failed > 0 {
		s.logger.Debug("state sync flushed", "flushed", flushed, "failed", failed)
	}
	if s.metrics != nil {
		s.metrics.WriteSyncFlush(flushed, failed)
	}
	return flushed, nil
}

// ForceSync flushes immediately. Called on shutdown so attribute churn
// since the last tick is not lost.
func (s *Syncer) ForceSync(ctx context.Context) error {
	_, err := s.Flush(ctx)
	return err
}

// Run flushes dirty devices on a fixed interval until the context is
// cancelled, then performs a final flush.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Flush(flushCtx) //nolint:errcheck // Best effort on shutdown
			cancel()
			return
		case <-ticker.C:
			s.Flush(ctx) //nolint:errcheck // Failures logged per device
		}
	}
}
