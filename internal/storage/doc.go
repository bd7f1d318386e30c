// Package storage persists automation schedules, their run leases and JobLog history.
//
// Drivers:
//   - memory: process-local, for tests and dry runs
//   - sqlite: single-file database (modernc.org/sqlite, pure Go)
//   - postgres: shared database (lib/pq) for multi-process deployments
//
// The SQL drivers share one schema; timestamps are stored as unix milliseconds.
package storage
