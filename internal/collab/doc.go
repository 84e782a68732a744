// Package collab implements the synchronization service: step submission
// with optimistic concurrency and history replay.
//
// Every submission runs inside one store transaction that reads the
// document, checks the base version, applies the batch and writes the
// result with a conditional update. The store is the lock authority; the
// service holds no in-process locks, so several server processes can share
// one database.
//
// The service does not rebase conflicting edits. A client whose base version
// is stale gets a version conflict carrying the current version and is
// expected to fetch history, rebase locally and resubmit.
package collab
