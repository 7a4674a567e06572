package logstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a dev-only fallback when no durable backend is configured.
// It supports:
//   - Append: idempotent on token + id allocation
//   - ReadFrom: snapshot copy under lock
type MemoryStore struct {
	mu     sync.Mutex
	lastID int64
	tokens map[string]int64 // client_offset -> id
	msgs   []Message        // ordered by id
	closed bool
}

// NewMemoryStore constructs an in-memory Store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]int64),
		msgs:   make([]Message, 0, 256),
	}
}

// Init is a no-op.
func (s *MemoryStore) Init(_ context.Context) error { return nil }

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Ping reports whether the store is open.
func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storeFail("logstore.memory.Ping", ErrClosed)
	}
	return nil
}

// Append stores a message, rejecting reused tokens.
func (s *MemoryStore) Append(ctx context.Context, content, token string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeFail("logstore.memory.Append", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storeFail("logstore.memory.Append", ErrClosed)
	}
	if token != "" {
		if _, ok := s.tokens[token]; ok {
			return 0, ErrDuplicateToken
		}
	}

	s.lastID++
	m := Message{ID: s.lastID, Token: token, Content: content}
	s.msgs = append(s.msgs, m)
	if token != "" {
		s.tokens[token] = m.ID
	}
	return m.ID, nil
}

// ReadFrom visits messages with id > afterID in ascending order.
func (s *MemoryStore) ReadFrom(ctx context.Context, afterID int64, fn func(Message) error) error {
	if err := ctx.Err(); err != nil {
		return storeFail("logstore.memory.ReadFrom", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storeFail("logstore.memory.ReadFrom", ErrClosed)
	}
	start := sort.Search(len(s.msgs), func(i int) bool { return s.msgs[i].ID > afterID })
	snap := append([]Message(nil), s.msgs[start:]...)
	s.mu.Unlock()

	for _, m := range snap {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}
