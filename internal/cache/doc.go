// Package cache implements the in-memory response cache shared by every proxy
// connection. Entries live in a fixed array of hash buckets and on one global
// LRU list; each entry is an append-only sequence of byte chunks written by a
// single fetching connection while any number of readers stream from it,
// including while the fetch is still in flight. Entries are reference counted
// through Handles so eviction never removes bytes someone is still reading.
//
// The package also hosts the optional on-disk archive: completed entries can be
// mirrored to StoragePath-like scratch files (temp file + rename, compressed)
// and served back on a memory miss. The archive is wiped at startup and is not
// a persistence layer.
package cache
