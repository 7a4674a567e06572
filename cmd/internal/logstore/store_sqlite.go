package logstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    client_offset TEXT UNIQUE,
    content       TEXT
);`

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
	PageSize    int
}

// SQLiteStore is a Store backed by a SQLite database file.
//
// Several worker processes may open the same file: the database runs in WAL
// mode with a busy timeout, and SQLite serializes writers.
type SQLiteStore struct {
	db       *sql.DB
	pageSize int
}

// OpenSQLite opens (creating if needed) the database file and applies the schema.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("logstore: sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storeFail("logstore.sqlite.Open", err)
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, busy))
	if err != nil {
		return nil, storeFail("logstore.sqlite.Open", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &SQLiteStore{db: db, pageSize: normalizePageSize(cfg.PageSize)}
	if err := st.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func sqliteDSN(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

// Init creates the messages table if it does not exist.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return storeFail("logstore.sqlite.Init", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeFail("logstore.sqlite.Ping", err)
	}
	return nil
}

// Append inserts a message. The UNIQUE constraint on client_offset is the
// dedup point; NULL tokens never collide.
func (s *SQLiteStore) Append(ctx context.Context, content, token string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (content, client_offset) VALUES (?, ?)`,
		content, nullToken(token),
	)
	if err != nil {
		if sqliteIsUniqueViolation(err) {
			return 0, ErrDuplicateToken
		}
		return 0, storeFail("logstore.sqlite.Append", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storeFail("logstore.sqlite.Append", err)
	}
	return id, nil
}

// ReadFrom visits messages with id > afterID in ascending order.
func (s *SQLiteStore) ReadFrom(ctx context.Context, afterID int64, fn func(Message) error) error {
	var bound int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM messages`).Scan(&bound); err != nil {
		return storeFail("logstore.sqlite.ReadFrom", err)
	}
	return readPaged(ctx, "logstore.sqlite.ReadFrom", afterID, bound, s.pageSize, s.page, fn)
}

func (s *SQLiteStore) page(ctx context.Context, cursor, bound int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(client_offset, ''), COALESCE(content, '')
		   FROM messages
		  WHERE id > ? AND id <= ?
		  ORDER BY id ASC
		  LIMIT ?`,
		cursor, bound, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Token, &m.Content); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func sqliteIsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// nullToken stores "" as NULL so untokened rows never collide.
// Any other token is kept byte for byte.
func nullToken(token string) any {
	if token == "" {
		return nil
	}
	return token
}
