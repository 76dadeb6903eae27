// Package store provides the relational implementation of the AVM
// persistence port: the node arena, child entries, history links, merge
// links and the per-store version bookkeeping.
//
// Two dialects share one code path. SQLite (github.com/mattn/go-sqlite3) is
// the embedded default; PostgreSQL (github.com/lib/pq) serves multi-process
// deployments. Queries are written with ? placeholders and rebound to $n for
// PostgreSQL.
//
// # Critical Patterns
//
// Head guard
//   - Every UPDATE on nodes carries "AND version = -1"
//   - A zero-row update on an existing node reports a Sealed error
//
// Child-entry uniqueness
//   - PRIMARY KEY (parent_id, name); violations map to NameCollision
//   - PostgreSQL write transactions run SERIALIZABLE
//
// Deterministic query results
//   - Listings ORDER BY name (binary collation), id queries ORDER BY id
//   - Slices are never nil
//
// Retries
//   - Write retries the whole transaction on SQLITE_BUSY, SQLITE_LOCKED,
//     40001 and 40P01 with exponential backoff
//
// # Database Configuration (SQLite)
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Node properties are stored as deterministic CBOR (github.com/fxamacker/cbor/v2).
package store
