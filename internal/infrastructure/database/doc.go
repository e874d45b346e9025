// Package database provides SQLite connectivity for Fleetcore's durable
// device and task stores.
//
// This package manages:
//   - Database connection with WAL mode for concurrent reads
//   - Schema migrations embedded into the binary
//   - Single-writer connection discipline for the stores
//   - Lifecycle management and health checks
//
// Security Considerations:
//   - All queries use parameterised statements (no SQL injection)
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Usage:
//
//	db, err := database.Open(database.Config{
//	    Path:        "data/fleetcore.db",
//	    WALMode:     true,
//	    BusyTimeout: 5,
//	})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration Strategy:
//
// Migrations are additive-only:
//   - New columns must be NULLABLE or have DEFAULT values
//   - Never DROP or RENAME columns
//   - Each migration file has an .up.sql and optionally a .down.sql
package database
