package device

import "time"

// MaxDeviceIDLength is the longest accepted device identifier.
// Device ids are caller-supplied, so the bound is enforced at registration.
const MaxDeviceIDLength = 100

// Status is the connection state of a device.
type Status string

// Status constants.
const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Project identifies one of the two deployable software projects an
// edge device runs.
type Project string

// Project constants.
const (
	ProjectFrontend Project = "frontend"
	ProjectBackend  Project = "backend"
)

// ValidProject reports whether p is a recognised project.
func ValidProject(p Project) bool {
	return p == ProjectFrontend || p == ProjectBackend
}

// NetworkInfo holds the device's reported network attributes.
type NetworkInfo struct {
	WifiName   string   `json:"wifi_name,omitempty"`
	WifiSignal int      `json:"wifi_signal,omitempty"`
	LocalIP    string   `json:"local_ip,omitempty"`
	PublicIP   string   `json:"public_ip,omitempty"`
	MACs       []string `json:"macs,omitempty"`
}

// StorageInfo holds the device's reported storage attributes.
type StorageInfo struct {
	FreeBytes int64 `json:"free_bytes"`
	Writable  bool  `json:"writable"`
}

// DeployInfo records what is currently deployed for one project on a device.
type DeployInfo struct {
	Version    string    `json:"version"`
	DeployPath string    `json:"deploy_path"`
	DeployDate time.Time `json:"deploy_date"`
}

// Operation describes an in-flight upgrade or rollback on a device.
// It is transient: never persisted, and cleared a fixed delay after the
// terminal progress report so observers can still read the outcome.
type Operation struct {
	Type      string `json:"type"` // "upgrade" or "rollback"
	SessionID string `json:"session_id"`
	Step      string `json:"step"`
	Progress  int    `json:"progress"` // 0-100
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Device represents a remote edge endpoint known to the fleet.
//
// A record is created on first registration and survives disconnects;
// it is removed only by capacity eviction or the offline janitor sweep.
type Device struct {
	// Identity and reported attributes
	ID           string `json:"id"`
	Name         string `json:"name"`
	Platform     string `json:"platform"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	AgentVersion string `json:"agent_version"`

	Network       NetworkInfo `json:"network"`
	Storage       StorageInfo `json:"storage"`
	UptimeSeconds int64       `json:"uptime_seconds"`

	// Deployment state, one entry per project.
	Deploys            map[Project]DeployInfo `json:"deploys"`
	RollbackAvailable  bool                   `json:"rollback_available"`
	LastDeployStatus   string                 `json:"last_deploy_status,omitempty"`
	LastDeployAt       *time.Time             `json:"last_deploy_at,omitempty"`
	LastRollbackStatus string                 `json:"last_rollback_status,omitempty"`
	LastRollbackAt     *time.Time             `json:"last_rollback_at,omitempty"`

	// Connection state
	Status         Status     `json:"status"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`

	// CurrentOperation is transient and not persisted.
	CurrentOperation *Operation `json:"current_operation,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Info is the attribute set a device supplies when it registers.
// Zero-valued fields fall back to whatever the existing record holds.
type Info struct {
	DeviceID     string      `json:"device_id"`
	Name         string      `json:"name,omitempty"`
	Platform     string      `json:"platform,omitempty"`
	OS           string      `json:"os,omitempty"`
	Arch         string      `json:"arch,omitempty"`
	AgentVersion string      `json:"agent_version,omitempty"`
	Network      NetworkInfo `json:"network"`
	Storage      StorageInfo `json:"storage"`
}

// DeepCopy creates a complete independent copy of the Device.
// Map and slice fields are cloned so modifications to the copy do not
// affect the registry's record.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d

	if d.Deploys != nil {
		cpy.Deploys = make(map[Project]DeployInfo, len(d.Deploys))
		for k, v := range d.Deploys {
			cpy.Deploys[k] = v
		}
	}

	if d.Network.MACs != nil {
		cpy.Network.MACs = make([]string, len(d.Network.MACs))
		copy(cpy.Network.MACs, d.Network.MACs)
	}

	if d.CurrentOperation != nil {
		op := *d.CurrentOperation
		cpy.CurrentOperation = &op
	}

	// *time.Time fields are safe to share: time.Time is immutable.

	return &cpy
}

// lastActivity is the most recent timestamp at which the device was
// known to be alive. Used to order offline devices for eviction.
func (d *Device) lastActivity() time.Time {
	latest := d.UpdatedAt
	for _, t := range []*time.Time{d.LastHeartbeat, d.ConnectedAt, d.DisconnectedAt} {
		if t != nil && t.After(latest) {
			latest = *t
		}
	}
	return latest
}

// mergeInfo applies registration attributes onto the record.
// New non-zero values win; zero values keep the prior ones.
func (d *Device) mergeInfo(info Info) {
	if info.Name != "" {
		d.Name = info.Name
	}
	if info.Platform != "" {
		d.Platform = info.Platform
	}
	if info.OS != "" {
		d.OS = info.OS
	}
	if info.Arch != "" {
		d.Arch = info.Arch
	}
	if info.AgentVersion != "" {
		d.AgentVersion = info.AgentVersion
	}
	if info.Network.WifiName != "" {
		d.Network.WifiName = info.Network.WifiName
	}
	if info.Network.WifiSignal != 0 {
		d.Network.WifiSignal = info.Network.WifiSignal
	}
	if info.Network.LocalIP != "" {
		d.Network.LocalIP = info.Network.LocalIP
	}
	if info.Network.PublicIP != "" {
		d.Network.PublicIP = info.Network.PublicIP
	}
	if len(info.Network.MACs) > 0 {
		d.Network.MACs = append([]string(nil), info.Network.MACs...)
	}
	if info.Storage.FreeBytes != 0 {
		d.Storage.FreeBytes = info.Storage.FreeBytes
	}
	if info.Storage.Writable {
		d.Storage.Writable = true
	}
}
