package logstore

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Keyspace (byte-wise, lexicographically sortable):
//   - m/meta/last       last assigned id (be8)
//   - m/e/{id_be8}      entry record
//   - m/t/{token}       token index -> id (be8)
var (
	pebbleMetaLast = []byte("m/meta/last")
	pebbleEntrySeg = []byte("m/e/")
	pebbleTokenSeg = []byte("m/t/")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// PebbleConfig configures the pebble backend.
type PebbleConfig struct {
	Dir string
	// NoSync skips the WAL fsync on append. Faster, but a crash may lose
	// appends that were already acknowledged.
	NoSync bool
}

// PebbleStore is a Store backed by a Pebble LSM directory.
// Pebble locks its directory, so only one process may open it.
type PebbleStore struct {
	db   *pebble.DB
	sync bool

	mu     sync.Mutex
	lastID int64
	closed bool
}

// OpenPebble opens (creating if needed) the pebble directory and loads the last id.
func OpenPebble(ctx context.Context, cfg PebbleConfig) (*PebbleStore, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("logstore: pebble dir is required")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, storeFail("logstore.pebble.Open", err)
	}
	st := &PebbleStore{db: db, sync: !cfg.NoSync}
	if err := st.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// Init loads the last assigned id from metadata. Safe to call repeatedly.
func (s *PebbleStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, closer, err := s.db.Get(pebbleMetaLast)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeFail("logstore.pebble.Init", err)
	}
	defer closer.Close()
	if len(val) >= 8 {
		s.lastID = int64(binary.BigEndian.Uint64(val[:8]))
	}
	return nil
}

// Close closes the pebble database (idempotent; pebble panics on double close).
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Append writes entry, token index and metadata in one batch.
func (s *PebbleStore) Append(ctx context.Context, content, token string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeFail("logstore.pebble.Append", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storeFail("logstore.pebble.Append", ErrClosed)
	}
	if token != "" {
		_, closer, err := s.db.Get(pebbleTokenKey(token))
		switch {
		case err == nil:
			_ = closer.Close()
			return 0, ErrDuplicateToken
		case !errors.Is(err, pebble.ErrNotFound):
			return 0, storeFail("logstore.pebble.Append", err)
		}
	}

	id := s.lastID + 1
	idb := be8(uint64(id))

	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Set(pebbleEntryKey(id), encodeEntry(token, content), nil); err != nil {
		return 0, storeFail("logstore.pebble.Append", err)
	}
	if token != "" {
		if err := b.Set(pebbleTokenKey(token), idb, nil); err != nil {
			return 0, storeFail("logstore.pebble.Append", err)
		}
	}
	if err := b.Set(pebbleMetaLast, idb, nil); err != nil {
		return 0, storeFail("logstore.pebble.Append", err)
	}

	opts := pebble.NoSync
	if s.sync {
		opts = pebble.Sync
	}
	if err := b.Commit(opts); err != nil {
		return 0, storeFail("logstore.pebble.Append", err)
	}

	s.lastID = id
	return id, nil
}

// ReadFrom iterates a snapshot taken at call time.
func (s *PebbleStore) ReadFrom(ctx context.Context, afterID int64, fn func(Message) error) error {
	if afterID < 0 {
		afterID = 0
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storeFail("logstore.pebble.ReadFrom", ErrClosed)
	}
	snap := s.db.NewSnapshot()
	s.mu.Unlock()
	defer snap.Close()

	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: pebbleEntryKey(afterID + 1),
		UpperBound: prefixEnd(pebbleEntrySeg),
	})
	if err != nil {
		return storeFail("logstore.pebble.ReadFrom", err)
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := iter.Key()
		id := int64(binary.BigEndian.Uint64(key[len(pebbleEntrySeg):]))
		token, content, ok := decodeEntry(iter.Value())
		if !ok {
			return storeFail("logstore.pebble.ReadFrom", errors.New("corrupt entry"))
		}
		if err := fn(Message{ID: id, Token: token, Content: content}); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return storeFail("logstore.pebble.ReadFrom", err)
	}
	return nil
}

func pebbleEntryKey(id int64) []byte {
	k := make([]byte, 0, len(pebbleEntrySeg)+8)
	k = append(k, pebbleEntrySeg...)
	return append(k, be8(uint64(id))...)
}

func pebbleTokenKey(token string) []byte {
	k := make([]byte, 0, len(pebbleTokenSeg)+len(token))
	k = append(k, pebbleTokenSeg...)
	return append(k, token...)
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

func be8(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// encodeEntry stores: tokenLen(4B BE) | token | content | crc32c(token|content).
func encodeEntry(token, content string) []byte {
	out := make([]byte, 4, 4+len(token)+len(content)+4)
	binary.BigEndian.PutUint32(out, uint32(len(token)))
	out = append(out, token...)
	out = append(out, content...)
	sum := crc32.Checksum(out[4:], crcTable)
	var c [4]byte
	binary.BigEndian.PutUint32(c[:], sum)
	return append(out, c[:]...)
}

func decodeEntry(b []byte) (token, content string, ok bool) {
	if len(b) < 8 {
		return "", "", false
	}
	n := int(binary.BigEndian.Uint32(b[:4]))
	body := b[4 : len(b)-4]
	if n > len(body) {
		return "", "", false
	}
	if crc32.Checksum(body, crcTable) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return "", "", false
	}
	return string(body[:n]), string(body[n:]), true
}
