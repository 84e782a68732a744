// Package store provides durable storage for collaborative documents.
//
// Each document is one row holding:
//   - tree: the current serialized document (JSON text)
//   - version: count of steps ever applied, the optimistic-concurrency token
//   - steps: JSON array of {step, clientID} records, the replay log
//   - schema_version: tree schema revision that wrote the row
//
// # Transactions
//
// Store.WithTx runs FindDocument and UpdateDocument inside one database
// transaction. UpdateDocument is conditional on the version read earlier
// (UPDATE ... WHERE version = ?) and returns ErrVersionConflict when no row
// matched, so the database stays the lock authority even with several
// processes writing the same document.
//
// # Backends
//
//   - SQLite (Open): WAL mode, NORMAL synchronous, 5s busy timeout, one connection
//   - Postgres (OpenPostgres): pgx pool, row locked with SELECT ... FOR UPDATE
//
// Callers above this package never see driver errors directly; the
// synchronization service wraps them.
package store
