// Package logstore is murmur's durable, append-only message log.
//
// Every backend stores the same logical table:
//
//	messages(id integer primary key autoincrement, client_offset text unique null, content text)
//
// The id is assigned by the store and strictly increases; gaps are allowed.
// client_offset is the publisher's idempotency token. A second append with
// the same non-empty token is rejected with ErrDuplicateToken instead of
// creating a second row. Rows are never updated or deleted.
//
// Backends:
//   - memory:   dev/test only, lost on restart
//   - sqlite:   default, safe to share between worker processes (WAL)
//   - postgres: pgx pool owned by the caller
//   - pebble:   single process only (pebble locks its directory)
package logstore
