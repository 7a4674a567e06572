package logstore

import (
	"context"
)

// Message is the durable unit of the log.
type Message struct {
	ID      int64
	Token   string // empty means "no idempotency token"
	Content string
}

// Store persists and reads back messages.
//
// Requirements:
//   - Append is atomic: either a new row with a fresh id is committed, or nothing is.
//   - Append returns ErrDuplicateToken when a non-empty token is already stored.
//   - Any other Append/ReadFrom error matches ErrStoreFailure.
//   - ReadFrom visits every message with id > afterID that was committed before
//     the call, ascending by id, and stops at the max id seen at call time.
//   - Init is idempotent.
type Store interface {
	Init(ctx context.Context) error
	Append(ctx context.Context, content, token string) (int64, error)
	ReadFrom(ctx context.Context, afterID int64, fn func(Message) error) error
	Close() error
}

// Pinger is implemented by stores that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	// DefaultPageSize bounds how many rows ReadFrom materializes per query.
	DefaultPageSize = 256
	maxPageSize     = 4096
)

func normalizePageSize(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}

// pageFunc loads up to limit rows with cursor < id <= bound, ascending.
type pageFunc func(ctx context.Context, cursor, bound int64, limit int) ([]Message, error)

// readPaged drives keyset pagination between afterID and bound.
// No backend resources are held while fn runs.
func readPaged(ctx context.Context, op string, afterID, bound int64, limit int, load pageFunc, fn func(Message) error) error {
	cursor := afterID
	for cursor < bound {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := load(ctx, cursor, bound, limit)
		if err != nil {
			return storeFail(op, err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, m := range page {
			if err := fn(m); err != nil {
				return err
			}
			cursor = m.ID
		}
		if len(page) < limit {
			return nil
		}
	}
	return nil
}
