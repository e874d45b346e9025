package task

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgewild/fleetcore/internal/device"
	"github.com/edgewild/fleetcore/internal/infrastructure/database"
	_ "github.com/edgewild/fleetcore/migrations"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB opens a temporary SQLite database and runs the embedded
// migrations, so tests exercise the same schema production runs against.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := db.Migrate(context.Background()); err != nil {
		db.Close() //nolint:errcheck // Already failing
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		db.Close() //nolint:errcheck // Test cleanup
	})
	return db
}

func testTask(id string) *BatchTask {
	now := time.Now().UTC().Truncate(time.Second)
	pkg := PackageInfo{FileName: "app.tar.gz", Version: "2.0.0", Checksum: "sha256:abc", Path: "/var/pkg/app.tar.gz"}
	bt := &BatchTask{
		ID:        id,
		Type:      TypeUpgrade,
		Status:    StatusPending,
		CreatedBy: "ops@example.com",
		Config: Config{
			Project:       device.ProjectFrontend,
			Package:       &pkg,
			DeployPath:    "/opt/app",
			BatchSize:     10,
			DeviceTimeout: 5 * time.Minute,
		},
		Devices: []DeviceEntry{
			{DeviceID: "d1", Status: EntryWaiting},
			{DeviceID: "d2", Status: EntryWaiting},
		},
		Logs:      []LogEntry{{Timestamp: now, Level: "info", Message: "created"}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	bt.recomputeStats()
	return bt
}

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	want := testTask("t1")
	if err := repo.Create(ctx, want); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.GetByID(ctx, "t1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Type != TypeUpgrade || got.Status != StatusPending || got.CreatedBy != "ops@example.com" {
		t.Errorf("task = %+v", got)
	}
	if got.Config.Package == nil || got.Config.Package.Version != "2.0.0" {
		t.Errorf("Config = %+v", got.Config)
	}
	if got.Config.DeviceTimeout != 5*time.Minute {
		t.Errorf("DeviceTimeout = %v", got.Config.DeviceTimeout)
	}
	if len(got.Devices) != 2 || got.Stats.Waiting != 2 {
		t.Errorf("devices/stats = %v / %+v", got.Devices, got.Stats)
	}
	if len(got.Logs) != 1 {
		t.Errorf("Logs = %v", got.Logs)
	}
}

func TestSQLiteRepository_Update(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	bt := testTask("t1")
	if err := repo.Create(ctx, bt); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	bt.Status = StatusRunning
	bt.StartTime = &now
	bt.Devices[0].Status = EntrySuccess
	bt.recomputeStats()
	if err := repo.Update(ctx, bt); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, _ := repo.GetByID(ctx, "t1")
	if got.Status != StatusRunning || got.StartTime == nil {
		t.Errorf("task = %s start=%v", got.Status, got.StartTime)
	}
	if got.Stats.Success != 1 {
		t.Errorf("Stats = %+v", got.Stats)
	}

	if err := repo.Update(ctx, testTask("ghost")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteRepository_ListByStatus(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	running := testTask("running-1")
	running.Status = StatusRunning
	for _, bt := range []*BatchTask{testTask("p1"), testTask("p2"), running} {
		if err := repo.Create(ctx, bt); err != nil {
			t.Fatalf("Create(%s) error = %v", bt.ID, err)
		}
	}

	pending, err := repo.ListByStatus(ctx, StatusPending)
	if err != nil {
		t.Fatalf("ListByStatus() error = %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending = %d tasks, want 2", len(pending))
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all = %d tasks, want 3", len(all))
	}
}

func TestSQLiteRepository_DeleteCreatedBefore(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	old := testTask("old")
	old.CreatedAt = time.Now().UTC().Add(-40 * 24 * time.Hour)
	fresh := testTask("fresh")
	for _, bt := range []*BatchTask{old, fresh} {
		if err := repo.Create(ctx, bt); err != nil {
			t.Fatalf("Create(%s) error = %v", bt.ID, err)
		}
	}

	n, err := repo.DeleteCreatedBefore(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteCreatedBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if _, err := repo.GetByID(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Error("old task survived the sweep")
	}
	if _, err := repo.GetByID(ctx, "fresh"); err != nil {
		t.Errorf("fresh task swept: %v", err)
	}
}
