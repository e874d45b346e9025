package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edgewild/fleetcore/internal/infrastructure/database"
)

// Repository defines the persistence contract for device records.
type Repository interface {
	// Save inserts or updates a device record.
	Save(ctx context.Context, d *Device) error

	// Get retrieves a device by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*Device, error)

	// List returns all persisted devices.
	List(ctx context.Context) ([]Device, error)

	// Delete removes a device record. Deleting a missing record is not
	// an error.
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository backed by SQLite. Structured
// fields (network info, storage info, deploy history) are stored as
// JSON text columns.
type SQLiteRepository struct {
	db *database.DB
}

// NewSQLiteRepository creates a SQLite-backed device repository.
func NewSQLiteRepository(db *database.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `id, name, platform, os, arch, agent_version,
	network_info, storage_info, deploys, uptime_seconds,
	rollback_available, last_deploy_status, last_deploy_at,
	last_rollback_status, last_rollback_at,
	status, connected_at, disconnected_at, last_heartbeat,
	created_at, updated_at`

// Save inserts or updates a device record.
func (r *SQLiteRepository) Save(ctx context.Context, d *Device) error {
	networkJSON, err := json.Marshal(d.Network)
	if err != nil {
		return fmt.Errorf("marshaling network info: %w", err)
	}
	storageJSON, err := json.Marshal(d.Storage)
	if err != nil {
		return fmt.Errorf("marshaling storage info: %w", err)
	}
	deploysJSON, err := json.Marshal(d.Deploys)
	if err != nil {
		return fmt.Errorf("marshaling deploys: %w", err)
	}

	query := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			platform = excluded.platform,
			os = excluded.os,
			arch = excluded.arch,
			agent_version = excluded.agent_version,
			network_info = excluded.network_info,
			storage_info = excluded.storage_info,
			deploys = excluded.deploys,
			uptime_seconds = excluded.uptime_seconds,
			rollback_available = excluded.rollback_available,
			last_deploy_status = excluded.last_deploy_status,
			last_deploy_at = excluded.last_deploy_at,
			last_rollback_status = excluded.last_rollback_status,
			last_rollback_at = excluded.last_rollback_at,
			status = excluded.status,
			connected_at = excluded.connected_at,
			disconnected_at = excluded.disconnected_at,
			last_heartbeat = excluded.last_heartbeat,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		d.ID, d.Name, d.Platform, d.OS, d.Arch, d.AgentVersion,
		string(networkJSON), string(storageJSON), string(deploysJSON),
		d.UptimeSeconds,
		d.RollbackAvailable, d.LastDeployStatus, nullTime(d.LastDeployAt),
		d.LastRollbackStatus, nullTime(d.LastRollbackAt),
		string(d.Status), nullTime(d.ConnectedAt), nullTime(d.DisconnectedAt), nullTime(d.LastHeartbeat),
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving device %s: %w", d.ID, err)
	}
	return nil
}

// Get retrieves a device by id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`

	d, err := scanDevice(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting device %s: %w", id, err)
	}
	return d, nil
}

// List returns all persisted devices ordered by id.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only rows

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device rows: %w", err)
	}
	return devices, nil
}

// Delete removes a device record.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting device %s: %w", id, err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanDevice.
type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*Device, error) {
	var (
		d                                 Device
		networkJSON, storageJSON, deploys string
		status                            string
		lastDeployAt, lastRollbackAt      sql.NullTime
		connectedAt, disconnectedAt       sql.NullTime
		lastHeartbeat                     sql.NullTime
	)

	err := row.Scan(
		&d.ID, &d.Name, &d.Platform, &d.OS, &d.Arch, &d.AgentVersion,
		&networkJSON, &storageJSON, &deploys, &d.UptimeSeconds,
		&d.RollbackAvailable, &d.LastDeployStatus, &lastDeployAt,
		&d.LastRollbackStatus, &lastRollbackAt,
		&status, &connectedAt, &disconnectedAt, &lastHeartbeat,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(networkJSON), &d.Network); err != nil {
		return nil, fmt.Errorf("unmarshaling network info: %w", err)
	}
	if err := json.Unmarshal([]byte(storageJSON), &d.Storage); err != nil {
		return nil, fmt.Errorf("unmarshaling storage info: %w", err)
	}
	if err := json.Unmarshal([]byte(deploys), &d.Deploys); err != nil {
		return nil, fmt.Errorf("unmarshaling deploys: %w", err)
	}
	if d.Deploys == nil {
		d.Deploys = make(map[Project]DeployInfo)
	}

	d.Status = Status(status)
	d.LastDeployAt = timePtr(lastDeployAt)
	d.LastRollbackAt = timePtr(lastRollbackAt)
	d.ConnectedAt = timePtr(connectedAt)
	d.DisconnectedAt = timePtr(disconnectedAt)
	d.LastHeartbeat = timePtr(lastHeartbeat)

	return &d, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
