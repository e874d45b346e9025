package task

import (
	"time"

	"github.com/edgewild/fleetcore/internal/device"
)

// Type discriminates what a batch task does to its devices.
type Type string

// Task types.
const (
	TypeUpgrade  Type = "upgrade"
	TypeRollback Type = "rollback"
)

// Status is the lifecycle state of a batch task.
type Status string

// Task statuses. Completed, failed, and cancelled are terminal.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal task status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// EntryStatus is the per-device state within a task.
type EntryStatus string

// Device entry statuses. Success, failed, and timeout are terminal;
// retry resets a terminal entry back to waiting.
const (
	EntryWaiting   EntryStatus = "waiting"
	EntryUpgrading EntryStatus = "upgrading"
	EntrySuccess   EntryStatus = "success"
	EntryFailed    EntryStatus = "failed"
	EntryTimeout   EntryStatus = "timeout"
)

// Terminal reports whether s is a terminal entry status.
func (s EntryStatus) Terminal() bool {
	return s == EntrySuccess || s == EntryFailed || s == EntryTimeout
}

// PackageInfo describes the artifact an upgrade deploys.
type PackageInfo struct {
	FileName string `json:"file_name"`
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
	Path     string `json:"path"`
}

// complete reports whether every required artifact field is present.
func (p PackageInfo) complete() bool {
	return p.FileName != "" && p.Version != "" && p.Checksum != "" && p.Path != ""
}

// Config is the immutable payload a task carries to its devices.
type Config struct {
	Project        device.Project `json:"project"`
	Package        *PackageInfo   `json:"package,omitempty"` // nil for rollbacks
	DeployPath     string         `json:"deploy_path,omitempty"`
	PreservedPaths []string       `json:"preserved_paths,omitempty"`
	BatchSize      int            `json:"batch_size"`
	DeviceTimeout  time.Duration  `json:"device_timeout"`
}

// DeviceEntry tracks one device's progress through a task.
type DeviceEntry struct {
	DeviceID   string      `json:"device_id"`
	Status     EntryStatus `json:"status"`
	StartTime  *time.Time  `json:"start_time,omitempty"`
	EndTime    *time.Time  `json:"end_time,omitempty"`
	Error      string      `json:"error,omitempty"`
	RetryCount int         `json:"retry_count"`
}

// Stats aggregates per-device entry statuses. Total always equals the
// number of device entries.
type Stats struct {
	Total     int `json:"total"`
	Waiting   int `json:"waiting"`
	Upgrading int `json:"upgrading"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Timeout   int `json:"timeout"`
}

// LogEntry is one line of a task's execution history.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	DeviceID  string    `json:"device_id,omitempty"`
}

// BatchTask is one fleet-wide upgrade or rollback run.
type BatchTask struct {
	ID        string `json:"id"`
	Type      Type   `json:"type"`
	Status    Status `json:"status"`
	CreatedBy string `json:"created_by"`

	Config  Config        `json:"config"`
	Devices []DeviceEntry `json:"devices"`
	Stats   Stats         `json:"stats"`
	Logs    []LogEntry    `json:"logs"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// DeepCopy creates a complete independent copy of the task.
func (t *BatchTask) DeepCopy() *BatchTask {
	if t == nil {
		return nil
	}

	cpy := *t

	cpy.Devices = make([]DeviceEntry, len(t.Devices))
	copy(cpy.Devices, t.Devices)

	cpy.Logs = make([]LogEntry, len(t.Logs))
	copy(cpy.Logs, t.Logs)

	if t.Config.Package != nil {
		pkg := *t.Config.Package
		cpy.Config.Package = &pkg
	}
	if t.Config.PreservedPaths != nil {
		cpy.Config.PreservedPaths = append([]string(nil), t.Config.PreservedPaths...)
	}

	return &cpy
}

// entry returns a pointer to the device's entry, or nil.
func (t *BatchTask) entry(deviceID string) *DeviceEntry {
	for i := range t.Devices {
		if t.Devices[i].DeviceID == deviceID {
			return &t.Devices[i]
		}
	}
	return nil
}

// recomputeStats rebuilds the stats block from the device entries.
func (t *BatchTask) recomputeStats() {
	s := Stats{Total: len(t.Devices)}
	for i := range t.Devices {
		switch t.Devices[i].Status {
		case EntryWaiting:
			s.Waiting++
		case EntryUpgrading:
			s.Upgrading++
		case EntrySuccess:
			s.Success++
		case EntryFailed:
			s.Failed++
		case EntryTimeout:
			s.Timeout++
		}
	}
	t.Stats = s
}

// appendLog adds a log line, trimming to the newest trimTo entries once
// the count exceeds maxEntries.
func (t *BatchTask) appendLog(maxEntries, trimTo int, level, message, deviceID string) {
	t.Logs = append(t.Logs, LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		DeviceID:  deviceID,
	})
	if len(t.Logs) > maxEntries {
		t.Logs = append([]LogEntry(nil), t.Logs[len(t.Logs)-trimTo:]...)
	}
}
