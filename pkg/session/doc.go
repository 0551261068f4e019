/*
Package session implements execution contexts and their session caches.

A Factory hands out root transactionless contexts. From any active context a caller can
begin a nested transaction or escape into a transactionless child. Every context owns its
own Cache, reads fall back to the clean entries of its ancestors, and asynchronous writes
are tracked in a PendingQueue that Commit drains before asking the backend to commit.

Cache coherence rules:
  - uncommitted (dirty) entries are only visible to the context that wrote them;
  - a successful commit promotes its writes into its ancestors and writes them through
    to the shared cache with a generation compare-and-set;
  - a commit that loses a concurrency race purges the affected identities from every
    session cache it can reach and never writes the shared cache.
*/
package session
