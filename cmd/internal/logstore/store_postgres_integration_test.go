package logstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when MURMUR_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_AppendDedupeAndRead(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	st := mustNewPostgresStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	first, err := st.Append(ctx, "hello", "tok-"+randomHex(4))
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	tok := "cmsg-" + randomHex(8)
	second, err := st.Append(ctx, "dup", tok)
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second <= first {
		t.Fatalf("expected increasing ids: %d <= %d", second, first)
	}
	if _, err := st.Append(ctx, "dup-again", tok); !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}

	var got []Message
	if err := st.ReadFrom(ctx, first, func(m Message) error {
		got = append(got, m)
		return nil
	}); err != nil {
		t.Fatalf("read from: %v", err)
	}
	if len(got) != 1 || got[0].ID != second || got[0].Content != "dup" {
		t.Fatalf("unexpected read result: %+v", got)
	}
}

func TestPostgresStore_InitIsIdempotent(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	st := mustNewPostgresStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := st.Append(ctx, "kept", ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.Init(ctx); err != nil {
		t.Fatalf("second init: %v", err)
	}
	n := 0
	if err := st.ReadFrom(ctx, 0, func(Message) error { n++; return nil }); err != nil {
		t.Fatalf("read from: %v", err)
	}
	if n != 1 {
		t.Fatalf("init must not alter data, got %d rows", n)
	}
}

func TestPostgresStore_ConcurrentSameToken(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	st := mustNewPostgresStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const n = 24
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		dups int
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			_, err := st.Append(ctx, fmt.Sprintf("c%d", i), "same")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicateToken):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || dups != n-1 {
		t.Fatalf("expected exactly one winner, got ok=%d dups=%d", ok, dups)
	}
}

// ---- test helpers ----

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("MURMUR_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: MURMUR_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func mustNewPostgresStore(t *testing.T, pool *pgxpool.Pool) *PostgresStore {
	t.Helper()

	schema := "murmur_it_" + randomHex(6)
	st, err := NewPostgresStore(pool, WithSchema(schema), WithPageSize(2))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})
	return st
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func TestWithSchema_RejectsInvalidIdentifiers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		wantErr bool
	}{
		{in: "murmur", wantErr: false},
		{in: "murmur_2", wantErr: false},
		{in: "", wantErr: true},
		{in: "1abc", wantErr: true},
		{in: `x"; DROP TABLE messages; --`, wantErr: true},
	}

	for _, tc := range cases {
		s := &PostgresStore{}
		err := WithSchema(tc.in)(s)
		if (err != nil) != tc.wantErr {
			t.Fatalf("WithSchema(%q) err=%v wantErr=%v", tc.in, err, tc.wantErr)
		}
	}
}
