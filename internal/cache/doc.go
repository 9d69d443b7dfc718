// Package cache implements the proxy's bounded on-disk replica store. Each
// logical path has at most one canonical replica tracked in an LRU index and
// counted against the configured capacity, plus any number of per-session
// copies: read-only snapshots shared by concurrent readers and private working
// copies owned by writers. All structural changes (admission, eviction,
// reconciliation) run under one Store mutex; byte-level reads and writes on a
// resolved copy do not.
//
// Layout under the cache directory:
//
//	<dir>/<flattened path>              # canonical replica
//	<dir>/<flattened path>%h<handle>    # per-session copy
//	<dir>/<flattened path>%f<handle>    # transient download target
package cache
