// Package device manages the fleet's device records: the in-memory
// registry with its live connection table, heartbeat-based liveness
// monitoring, and the batched state sync engine that persists attribute
// churn through the repository.
//
// The registry is the single source of truth while the process runs.
// The SQLite repository is a write-behind store: records are hydrated
// from it on startup and flushed back by the Syncer on a short interval
// rather than on every mutation.
package device
