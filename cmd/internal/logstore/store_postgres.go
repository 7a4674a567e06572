package logstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueConstraint = "uq_messages_client_offset"

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool     *pgxpool.Pool
	schema   string
	pageSize int
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "murmur").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("logstore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("logstore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithPageSize sets how many rows ReadFrom loads per query.
func WithPageSize(n int) PostgresOption {
	return func(s *PostgresStore) error {
		s.pageSize = normalizePageSize(n)
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store. Call Init before use.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:     pool,
		schema:   "murmur",
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("logstore: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping acquires a connection to check readiness.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return storeFail("logstore.postgres.Ping", err)
	}
	return nil
}

// Init creates the schema and messages table if missing.
// Workers start concurrently, so DDL runs under a transactional advisory lock.
func (s *PostgresStore) Init(ctx context.Context) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadWrite})
	if err != nil {
		return storeFail("logstore.postgres.Init", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('murmur.logstore.init', 0))`); err != nil {
		return storeFail("logstore.postgres.Init", fmt.Errorf("advisory lock: %w", err))
	}

	messages := pgIdent(s.schema, "messages")
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id            BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
  client_offset TEXT NULL,
  content       TEXT,

  CONSTRAINT %s UNIQUE (client_offset)
);`, pgx.Identifier{s.schema}.Sanitize(), messages, pgUniqueConstraint)

	if _, err := tx.Exec(ctx, ddl); err != nil {
		return storeFail("logstore.postgres.Init", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storeFail("logstore.postgres.Init", err)
	}
	return nil
}

// Append inserts a message and returns its identity value.
func (s *PostgresStore) Append(ctx context.Context, content, token string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+pgIdent(s.schema, "messages")+` (content, client_offset)
		 VALUES ($1, $2)
		 RETURNING id`,
		content, nullToken(token),
	).Scan(&id)
	if err != nil {
		if pgIsTokenViolation(err) {
			return 0, ErrDuplicateToken
		}
		return 0, storeFail("logstore.postgres.Append", err)
	}
	return id, nil
}

// ReadFrom visits messages with id > afterID in ascending order.
func (s *PostgresStore) ReadFrom(ctx context.Context, afterID int64, fn func(Message) error) error {
	var bound int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM `+pgIdent(s.schema, "messages"),
	).Scan(&bound); err != nil {
		return storeFail("logstore.postgres.ReadFrom", err)
	}
	return readPaged(ctx, "logstore.postgres.ReadFrom", afterID, bound, s.pageSize, s.page, fn)
}

func (s *PostgresStore) page(ctx context.Context, cursor, bound int64, limit int) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, COALESCE(client_offset, ''), COALESCE(content, '')
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE id > $1 AND id <= $2
		  ORDER BY id ASC
		  LIMIT $3`,
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

// pgIsTokenViolation matches only the client_offset unique constraint.
// Other unique violations are store failures.
func pgIsTokenViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" { // unique_violation
		return false
	}
	return strings.EqualFold(strings.TrimSpace(pgErr.ConstraintName), pgUniqueConstraint)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
