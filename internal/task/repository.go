package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edgewild/fleetcore/internal/infrastructure/database"
)

// Repository defines the persistence contract for batch tasks.
type Repository interface {
	// Create inserts a new task.
	Create(ctx context.Context, t *BatchTask) error

	// Update rewrites an existing task.
	Update(ctx context.Context, t *BatchTask) error

	// GetByID retrieves a task. Returns ErrNotFound if absent.
	GetByID(ctx context.Context, id string) (*BatchTask, error)

	// List returns all tasks, newest first.
	List(ctx context.Context) ([]BatchTask, error)

	// ListByStatus returns tasks in the given status, newest first.
	ListByStatus(ctx context.Context, status Status) ([]BatchTask, error)

	// DeleteCreatedBefore removes tasks created before the cutoff,
	// regardless of status. Returns the number removed.
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQLiteRepository implements Repository backed by SQLite. The config,
// device entries, stats, and logs are JSON text columns; tasks are
// read-modify-write documents, not relational rows.
type SQLiteRepository struct {
	db *database.DB
}

// NewSQLiteRepository creates a SQLite-backed task repository.
func NewSQLiteRepository(db *database.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const taskColumns = `id, type, status, created_by, config, devices, stats, logs,
	created_at, updated_at, start_time, end_time`

// Create inserts a new task.
func (r *SQLiteRepository) Create(ctx context.Context, t *BatchTask) error {
	cfg, devices, stats, logs, err := marshalTask(t)
	if err != nil {
		return err
	}

	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		t.ID, string(t.Type), string(t.Status), t.CreatedBy,
		cfg, devices, stats, logs,
		t.CreatedAt, t.UpdatedAt, nullTime(t.StartTime), nullTime(t.EndTime),
	)
	if err != nil {
		return fmt.Errorf("creating task %s: %w", t.ID, err)
	}
	return nil
}

// Update rewrites an existing task.
func (r *SQLiteRepository) Update(ctx context.Context, t *BatchTask) error {
	cfg, devices, stats, logs, err := marshalTask(t)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks SET
			status = ?, config = ?, devices = ?, stats = ?, logs = ?,
			updated_at = ?, start_time = ?, end_time = ?
		WHERE id = ?
	`
	res, err := r.db.ExecContext(ctx, query,
		string(t.Status), cfg, devices, stats, logs,
		t.UpdatedAt, nullTime(t.StartTime), nullTime(t.EndTime), t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", t.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID retrieves a task.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*BatchTask, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	t, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting task %s: %w", id, err)
	}
	return t, nil
}

// List returns all tasks, newest first.
func (r *SQLiteRepository) List(ctx context.Context) ([]BatchTask, error) {
	return r.list(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
}

// ListByStatus returns tasks in the given status, newest first.
func (r *SQLiteRepository) ListByStatus(ctx context.Context, status Status) ([]BatchTask, error) {
	return r.list(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at DESC`, string(status))
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]BatchTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only rows

	var tasks []BatchTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return tasks, nil
}

// DeleteCreatedBefore removes tasks created before the cutoff.
func (r *SQLiteRepository) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted tasks: %w", err)
	}
	return n, nil
}

func marshalTask(t *BatchTask) (cfg, devices, stats, logs string, err error) {
	b, err := json.Marshal(t.Config)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshaling task config: %w", err)
	}
	cfg = string(b)

	b, err = json.Marshal(t.Devices)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshaling task devices: %w", err)
	}
	devices = string(b)

	b, err = json.Marshal(t.Stats)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshaling task stats: %w", err)
	}
	stats = string(b)

	b, err = json.Marshal(t.Logs)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshaling task logs: %w", err)
	}
	logs = string(b)
	return cfg, devices, stats, logs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*BatchTask, error) {
	var (
		t                          BatchTask
		typ, status                string
		cfg, devices, stats, logs  string
		startTime, endTime         sql.NullTime
	)

	err := row.Scan(
		&t.ID, &typ, &status, &t.CreatedBy,
		&cfg, &devices, &stats, &logs,
		&t.CreatedAt, &t.UpdatedAt, &startTime, &endTime,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(cfg), &t.Config); err != nil {
		return nil, fmt.Errorf("unmarshaling task config: %w", err)
	}
	if err := json.Unmarshal([]byte(devices), &t.Devices); err != nil {
		return nil, fmt.Errorf("unmarshaling task devices: %w", err)
	}
	if err := json.Unmarshal([]byte(stats), &t.Stats); err != nil {
		return nil, fmt.Errorf("unmarshaling task stats: %w", err)
	}
	if err := json.Unmarshal([]byte(logs), &t.Logs); err != nil {
		return nil, fmt.Errorf("unmarshaling task logs: %w", err)
	}

	t.Type = Type(typ)
	t.Status = Status(status)
	if startTime.Valid {
		st := startTime.Time
		t.StartTime = &st
	}
	if endTime.Valid {
		et := endTime.Time
		t.EndTime = &et
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
