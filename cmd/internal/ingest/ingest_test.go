package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"murmur/cmd/internal/logstore"
	"murmur/cmd/internal/metrics"
)

type recordingBroadcaster struct {
	mu  sync.Mutex
	got []logstore.Message
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, m logstore.Message) {
	b.mu.Lock()
	b.got = append(b.got, m)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) ids() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int64, 0, len(b.got))
	for _, m := range b.got {
		out = append(out, m.ID)
	}
	return out
}

type failingStore struct {
	logstore.Store
	err error
}

func (s failingStore) Append(context.Context, string, string) (int64, error) { return 0, s.err }

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func mustPipeline(t *testing.T, st logstore.Store, bc Broadcaster, m *metrics.Metrics) *Pipeline {
	t.Helper()
	p, err := New(st, bc, quietLog(), m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestIngest_AcceptedBroadcastsOnce(t *testing.T) {
	st := logstore.NewMemoryStore()
	bc := &recordingBroadcaster{}
	m := metrics.New(prometheus.NewRegistry())
	p := mustPipeline(t, st, bc, m)

	res, err := p.Ingest(context.Background(), "hello", "tok-1")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Status != Accepted || res.ID <= 0 {
		t.Fatalf("res=%+v", res)
	}
	if got := bc.ids(); len(got) != 1 || got[0] != res.ID {
		t.Fatalf("broadcast ids=%v want [%d]", got, res.ID)
	}
	if v := testutil.ToFloat64(m.IngestTotal.WithLabelValues(metrics.OutcomeAccepted)); v != 1 {
		t.Fatalf("accepted=%v want 1", v)
	}
}

func TestIngest_DuplicateIsAlreadySeen(t *testing.T) {
	st := logstore.NewMemoryStore()
	bc := &recordingBroadcaster{}
	p := mustPipeline(t, st, bc, nil)

	first, err := p.Ingest(context.Background(), "hello", "tok-1")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	second, err := p.Ingest(context.Background(), "hello again", "tok-1")
	if err != nil {
		t.Fatalf("Ingest dup: %v", err)
	}
	if second.Status != AlreadySeen || second.ID != 0 {
		t.Fatalf("second=%+v want AlreadySeen", second)
	}
	if !first.Status.Acknowledge() || !second.Status.Acknowledge() {
		t.Fatalf("both outcomes must be acknowledged")
	}
	if got := bc.ids(); len(got) != 1 {
		t.Fatalf("broadcasts=%v want exactly one", got)
	}

	var stored int
	_ = st.ReadFrom(context.Background(), 0, func(logstore.Message) error { stored++; return nil })
	if stored != 1 {
		t.Fatalf("stored=%d want 1", stored)
	}
}

func TestIngest_EmptyTokenNeverDeduplicates(t *testing.T) {
	st := logstore.NewMemoryStore()
	bc := &recordingBroadcaster{}
	p := mustPipeline(t, st, bc, nil)

	for i := 0; i < 3; i++ {
		res, err := p.Ingest(context.Background(), "same", "")
		if err != nil || res.Status != Accepted {
			t.Fatalf("res=%+v err=%v", res, err)
		}
	}
	if got := bc.ids(); len(got) != 3 {
		t.Fatalf("broadcasts=%v want 3", got)
	}
}

func TestIngest_StoreFailureRejects(t *testing.T) {
	cause := &logstore.StoreError{Op: "append", Err: errors.New("disk full")}
	bc := &recordingBroadcaster{}
	m := metrics.New(prometheus.NewRegistry())
	p := mustPipeline(t, failingStore{err: cause}, bc, m)

	res, err := p.Ingest(context.Background(), "x", "tok")
	if res.Status != Rejected || res.Status.Acknowledge() {
		t.Fatalf("res=%+v want Rejected", res)
	}
	if !errors.Is(err, logstore.ErrStoreFailure) {
		t.Fatalf("err=%v want ErrStoreFailure", err)
	}
	if len(bc.ids()) != 0 {
		t.Fatalf("rejected message was broadcast")
	}
	if v := testutil.ToFloat64(m.IngestTotal.WithLabelValues(metrics.OutcomeRejected)); v != 1 {
		t.Fatalf("rejected=%v want 1", v)
	}
}

func TestIngest_ConcurrentSameTokenOneAccepted(t *testing.T) {
	st := logstore.NewMemoryStore()
	bc := &recordingBroadcaster{}
	p := mustPipeline(t, st, bc, nil)

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		seen     int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Ingest(context.Background(), "race", "same-token")
			if err != nil {
				t.Errorf("Ingest: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch res.Status {
			case Accepted:
				accepted++
			case AlreadySeen:
				seen++
			}
		}()
	}
	wg.Wait()

	if accepted != 1 || seen != n-1 {
		t.Fatalf("accepted=%d seen=%d", accepted, seen)
	}
	if len(bc.ids()) != 1 {
		t.Fatalf("broadcasts=%d want 1", len(bc.ids()))
	}
}

func TestIngest_BroadcastsInAppendOrder(t *testing.T) {
	st := logstore.NewMemoryStore()
	bc := &recordingBroadcaster{}
	p := mustPipeline(t, st, bc, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = p.Ingest(context.Background(), "m", fmt.Sprintf("tok-%d", i))
		}(i)
	}
	wg.Wait()

	got := bc.ids()
	if len(got) != 50 {
		t.Fatalf("broadcasts=%d want 50", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("broadcast order not ascending at %d: %v", i, got)
		}
	}
}

func TestNew_Validates(t *testing.T) {
	if _, err := New(nil, &recordingBroadcaster{}, nil, nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := New(logstore.NewMemoryStore(), nil, nil, nil); err == nil {
		t.Fatalf("expected error for nil broadcaster")
	}
}

type gatedStore struct {
	logstore.Store
	gate    string
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Append(ctx context.Context, content, token string) (int64, error) {
	if token == s.gate {
		close(s.entered)
		<-s.release
	}
	return s.Store.Append(ctx, content, token)
}

func TestIngest_SlowAppendDoesNotBlockOtherPublishers(t *testing.T) {
	st := &gatedStore{
		Store:   logstore.NewMemoryStore(),
		gate:    "slow",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	bc := &recordingBroadcaster{}
	p := mustPipeline(t, st, bc, nil)

	slowDone := make(chan Result, 1)
	go func() {
		res, _ := p.Ingest(context.Background(), "slow", "slow")
		slowDone <- res
	}()
	<-st.entered

	fastDone := make(chan Result, 1)
	go func() {
		res, _ := p.Ingest(context.Background(), "fast", "fast")
		fastDone <- res
	}()

	var fast Result
	select {
	case fast = <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("fast publish waited on a slow append")
	}
	if fast.Status != Accepted || fast.ID != 1 {
		t.Fatalf("fast=%+v want Accepted id 1", fast)
	}
	if got := bc.ids(); len(got) != 0 {
		t.Fatalf("broadcast before the earlier append finished: %v", got)
	}

	close(st.release)
	slow := <-slowDone
	if slow.Status != Accepted || slow.ID != 2 {
		t.Fatalf("slow=%+v want Accepted id 2", slow)
	}
	if got := bc.ids(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("broadcast ids=%v want [1 2]", got)
	}
}

type cancellingStore struct {
	logstore.Store
	cancel context.CancelFunc
}

func (s cancellingStore) Append(_ context.Context, content, token string) (int64, error) {
	id, err := s.Store.Append(context.Background(), content, token)
	s.cancel()
	return id, err
}

type ctxBroadcaster struct {
	mu   sync.Mutex
	errs []error
}

func (b *ctxBroadcaster) Broadcast(ctx context.Context, _ logstore.Message) {
	b.mu.Lock()
	b.errs = append(b.errs, ctx.Err())
	b.mu.Unlock()
}

func TestIngest_BroadcastOutlivesPublisherContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bc := &ctxBroadcaster{}
	p := mustPipeline(t, cancellingStore{Store: logstore.NewMemoryStore(), cancel: cancel}, bc, nil)

	res, err := p.Ingest(ctx, "hello", "tok")
	if err != nil || res.Status != Accepted {
		t.Fatalf("Ingest: res=%+v err=%v", res, err)
	}
	if ctx.Err() == nil {
		t.Fatalf("publisher context should be cancelled by now")
	}
	if len(bc.errs) != 1 || bc.errs[0] != nil {
		t.Fatalf("broadcast ctx errs=%v want [<nil>]", bc.errs)
	}
}
