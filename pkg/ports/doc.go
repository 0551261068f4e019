/*
Package ports defines the driven ports (interfaces) of the keystone engine.

These interfaces decouple the session layer from storage implementations, so the same
transaction and cache logic runs against an in-memory map, SQL databases, Redis or S3.

# Key Interfaces

  - Backend: the authoritative entity store, with optimistic transactions.
  - SharedCache: the process-wide read cache layered beneath all transactions.
  - DistributedLocker: cross-process mutual exclusion for adapters that need it.

Reusable contract suites (RunBackendContract, RunSharedCacheContract) verify adapters.
*/
package ports
