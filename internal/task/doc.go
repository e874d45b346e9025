// Package task orchestrates batch upgrade and rollback runs across the
// fleet. A task carries an immutable config and a per-device progress
// ledger; execution walks the device list in fixed-size sequential
// batches with the devices inside a batch running concurrently.
package task
