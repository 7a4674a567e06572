package realtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"murmur/cmd/internal/fanout"
	"murmur/cmd/internal/logstore"
)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func drainIDs(c *Client) []int64 {
	var ids []int64
	for {
		select {
		case o := <-c.send:
			if o.isMsg {
				ids = append(ids, o.msg.ID)
			}
		default:
			return ids
		}
	}
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestClient_HoldingReleasesAfterReplay(t *testing.T) {
	c := NewClient("s1", 8)

	// Live messages arrive while replay is still running.
	c.Deliver(logstore.Message{ID: 3})
	c.Deliver(logstore.Message{ID: 4})

	for _, id := range []int64{1, 2, 3} {
		if err := c.Emit(context.Background(), logstore.Message{ID: id}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	if !c.Release(3) {
		t.Fatalf("Release=false want true")
	}
	if got := drainIDs(c); !equalIDs(got, []int64{1, 2, 3, 4}) {
		t.Fatalf("ids=%v want [1 2 3 4]", got)
	}

	// Live now: straight to the queue.
	c.Deliver(logstore.Message{ID: 5})
	if got := drainIDs(c); !equalIDs(got, []int64{5}) {
		t.Fatalf("ids=%v want [5]", got)
	}
}

func TestClient_HeldOverflowNeedsAnotherReplay(t *testing.T) {
	c := NewClient("s1", 2)
	c.Deliver(logstore.Message{ID: 1})
	c.Deliver(logstore.Message{ID: 2})
	if c.Deliver(logstore.Message{ID: 3}) {
		t.Fatalf("Deliver beyond held limit should report a drop")
	}

	if c.Release(0) {
		t.Fatalf("Release=true want false after overflow")
	}
	// The second pass has nothing new held.
	if !c.Release(3) {
		t.Fatalf("second Release=false want true")
	}
	if got := drainIDs(c); len(got) != 0 {
		t.Fatalf("ids=%v want none", got)
	}
}

func TestClient_LiveOverflowKicksAndTurnsLossy(t *testing.T) {
	c := NewClient("s1", 1)
	c.Release(0)

	if !c.Deliver(logstore.Message{ID: 1}) {
		t.Fatalf("first Deliver should fit")
	}
	if c.Deliver(logstore.Message{ID: 2}) {
		t.Fatalf("second Deliver should overflow")
	}

	select {
	case <-c.Kicked():
	default:
		t.Fatalf("expected connection to be kicked")
	}
	if c.park() {
		t.Fatalf("lossy session must not be resumable")
	}
}

func TestClient_ResumeSkipsAlreadySeen(t *testing.T) {
	c := NewClient("s1", 8)
	c.Release(0)
	c.Deliver(logstore.Message{ID: 1})
	c.Deliver(logstore.Message{ID: 2})

	if !c.park() {
		t.Fatalf("park=false want true")
	}
	c.Deliver(logstore.Message{ID: 3})

	if !c.resume(1) {
		t.Fatalf("resume=false want true")
	}

	var got []int64
	for len(c.send) > 0 {
		o := <-c.send
		if c.skip(o) {
			continue
		}
		got = append(got, o.msg.ID)
	}
	if !equalIDs(got, []int64{2, 3}) {
		t.Fatalf("ids=%v want [2 3]", got)
	}

	// Items queued after the resume are never skipped.
	c.Deliver(logstore.Message{ID: 1})
	if o := <-c.send; c.skip(o) {
		t.Fatalf("post-resume item skipped")
	}
}

func TestClient_ResumeRefusesOffsetBehindWritten(t *testing.T) {
	c := NewClient("s1", 8)
	c.Release(0)
	c.markWritten(outbound{msg: logstore.Message{ID: 2}, isMsg: true})
	c.markWritten(outbound{msg: logstore.Message{ID: 1}, isMsg: true})
	c.markWritten(outbound{})

	if !c.park() {
		t.Fatalf("park=false want true")
	}
	if c.resume(1) {
		t.Fatalf("resume below written id 2 must fail")
	}
	if !c.resume(2) {
		t.Fatalf("resume at written id 2 must succeed")
	}
}

func TestClient_ClosedDeliversNothing(t *testing.T) {
	c := NewClient("s1", 4)
	c.Close()
	c.Close()
	if c.Deliver(logstore.Message{ID: 1}) {
		t.Fatalf("closed client accepted a message")
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("Done not closed")
	}
}

func TestHub_ParkResumeExpire(t *testing.T) {
	reg := fanout.NewRegistry()
	h := NewHub(quietLog(), reg, nil, HubConfig{SendQueueSize: 8, MaxDisconnect: 50 * time.Millisecond})
	t.Cleanup(h.Close)

	c, err := h.Open(time.Now())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(c.SessionID) != 26 {
		t.Fatalf("session id %q is not a ULID", c.SessionID)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry Len=%d want 1", reg.Len())
	}

	if _, ok := h.Resume(c.SessionID, 0); ok {
		t.Fatalf("attached session must not be resumable")
	}

	c.Release(0)
	h.Park(c)
	if h.Parked() != 1 {
		t.Fatalf("Parked=%d want 1", h.Parked())
	}

	got, ok := h.Resume(c.SessionID, 0)
	if !ok || got != c {
		t.Fatalf("Resume failed")
	}
	if h.Parked() != 0 {
		t.Fatalf("Parked=%d want 0", h.Parked())
	}

	h.Park(c)
	deadline := time.Now().Add(2 * time.Second)
	for h.Parked() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.Parked() != 0 || reg.Len() != 0 {
		t.Fatalf("session did not expire: parked=%d registered=%d", h.Parked(), reg.Len())
	}
	if _, ok := h.Resume(c.SessionID, 0); ok {
		t.Fatalf("expired session resumed")
	}
}

func TestHub_ResumeBehindWrittenDiscards(t *testing.T) {
	reg := fanout.NewRegistry()
	h := NewHub(quietLog(), reg, nil, HubConfig{SendQueueSize: 8, MaxDisconnect: time.Minute})
	t.Cleanup(h.Close)

	c, err := h.Open(time.Now())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c.Release(0)
	c.markWritten(outbound{msg: logstore.Message{ID: 1}, isMsg: true})
	h.Park(c)

	if _, ok := h.Resume(c.SessionID, 0); ok {
		t.Fatalf("resumed a session the client did not fully receive")
	}
	if h.Parked() != 0 || reg.Len() != 0 {
		t.Fatalf("session kept: parked=%d registered=%d", h.Parked(), reg.Len())
	}
}

func TestHub_LossySessionIsDiscarded(t *testing.T) {
	reg := fanout.NewRegistry()
	h := NewHub(quietLog(), reg, nil, HubConfig{SendQueueSize: 1})
	t.Cleanup(h.Close)

	c, err := h.Open(time.Now())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c.Release(0)
	c.Deliver(logstore.Message{ID: 1})
	c.Deliver(logstore.Message{ID: 2})

	h.Park(c)
	if h.Parked() != 0 || reg.Len() != 0 {
		t.Fatalf("lossy session kept: parked=%d registered=%d", h.Parked(), reg.Len())
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(3, time.Second)
	now := time.Now()
	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d denied", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("4th event allowed in the same instant")
	}
	if !rl.Allow(now.Add(time.Second)) {
		t.Fatalf("event after window denied")
	}
}

func TestNewEnvelopeID_SortsInCreationOrder(t *testing.T) {
	now := time.Now()
	prev := ""
	for i := 0; i < 100; i++ {
		id, err := NewEnvelopeID(now)
		if err != nil {
			t.Fatalf("NewEnvelopeID: %v", err)
		}
		if len(id) != 26 {
			t.Fatalf("id %q is not a ULID", id)
		}
		if id <= prev {
			t.Fatalf("id %q not after %q", id, prev)
		}
		prev = id
	}
}
