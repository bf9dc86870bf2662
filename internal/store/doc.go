// Package store provides the SQLite ledger of controller runs.
//
// The on-disk archive (abinit_NN.* files) is the source of truth for where a
// run resumes. The ledger adds what file names cannot carry: every attempt
// including truncated retries, measured durations, residuals, the fallback
// flag and the matrix block used to seed the next input.
//
// # Tables
//
//   - runs: one row per controller process (run_id is a UUIDv7)
//   - attempts: one row per solver invocation, UNIQUE(run_id, idx, attempt)
//
// # Database Configuration
//
//   - WAL mode
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
//
// Writes use ON CONFLICT DO NOTHING so recording the same attempt twice is a
// no-op. Reads order by the autoincrement id, which follows insertion order.
package store
