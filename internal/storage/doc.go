// Package storage opens the SQLite databases used by the case queue and the
// result store, applying WAL pragmas and a versioned schema, and retries
// statements that hit SQLITE_BUSY.
package storage
