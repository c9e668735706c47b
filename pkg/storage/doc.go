/*
Package storage persists the dispatch server state in a single BoltDB file.

Buckets hold JSON-encoded entities: nodes (keyed by node id), tasks and
folders (keyed by big-endian sequence id), locks (keyed by normalized path),
and schema (layout version).

Two guarantees back the higher layers:

  - Serializable transactions: bbolt admits one writer at a time, so every
    compound read-modify-write (UpdateTask, ClaimNextFolder, AcquireLock)
    observes and produces a consistent snapshot. Under concurrent callers
    exactly one wins; the rest see the winner's state.
  - Optimistic concurrency on tasks: UpdateTask compares the caller's
    version against the stored row and fails with VersionConflictError on
    mismatch, carrying the current row for reconciliation.

Failures map onto the errdefs taxonomy: ErrNotFound for absent rows,
ErrUnavailable for aborted request contexts (retryable via WithRetry), and
VersionConflictError (a conflict) for stale task versions.
*/
package storage
