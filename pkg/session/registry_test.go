package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingGates struct {
	mu     sync.Mutex
	opened []string
	closed []string
}

func (g *recordingGates) OpenSession(id string) {
	g.mu.Lock()
	g.opened = append(g.opened, id)
	g.mu.Unlock()
}

func (g *recordingGates) CloseSession(id string) {
	g.mu.Lock()
	g.closed = append(g.closed, id)
	g.mu.Unlock()
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestRegistry_RegisterAndRemove(t *testing.T) {
	gates := &recordingGates{}
	r := NewRegistry(gates, testLogger())

	if r.Len() != 0 {
		t.Fatalf("new registry should be empty, got %d", r.Len())
	}

	a := r.Register("127.0.0.1:5000", "claude")
	b := r.Register("127.0.0.1:5001", "")
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("session ids must be unique and non-empty: %q %q", a.ID, b.ID)
	}
	if !a.Authenticated {
		t.Error("registered session should be authenticated")
	}
	if r.Len() != 2 {
		t.Errorf("registry size should be 2, got %d", r.Len())
	}
	if len(gates.opened) != 2 {
		t.Errorf("expected 2 session gates opened, got %d", len(gates.opened))
	}

	r.Remove(a.ID)
	if r.Len() != 1 {
		t.Errorf("registry size should be 1 after remove, got %d", r.Len())
	}
	if _, ok := r.Get(a.ID); ok {
		t.Error("removed session should not be found")
	}
	if len(gates.closed) != 1 || gates.closed[0] != a.ID {
		t.Errorf("expected gate for %s closed, got %v", a.ID, gates.closed)
	}

	if got := r.Remove("nope"); got != nil {
		t.Errorf("removing unknown session should return nil, got %v", got)
	}
}

func TestRegistry_RemoveCancelsOutstanding(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	s := r.Register("addr", "")

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	if err := r.TrackRequest(s.ID, "r2", cancel2); err != nil {
		t.Fatalf("track r2: %v", err)
	}
	if err := r.TrackRequest(s.ID, "r1", cancel1); err != nil {
		t.Fatalf("track r1: %v", err)
	}

	orphans := r.Remove(s.ID)
	if len(orphans) != 2 || orphans[0] != "r1" || orphans[1] != "r2" {
		t.Fatalf("expected [r1 r2], got %v", orphans)
	}
	if ctx1.Err() == nil || ctx2.Err() == nil {
		t.Error("outstanding requests should be cancelled on remove")
	}
}

func TestRegistry_DuplicateRequest(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	s := r.Register("addr", "")

	if err := r.TrackRequest(s.ID, "r1", func() {}); err != nil {
		t.Fatalf("first track: %v", err)
	}
	err := r.TrackRequest(s.ID, "r1", func() {})
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}

	r.FinishRequest(s.ID, "r1")
	if err := r.TrackRequest(s.ID, "r1", func() {}); err != nil {
		t.Fatalf("request id should be reusable after finish: %v", err)
	}

	err = r.TrackRequest("missing", "r1", func() {})
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestRegistry_CancelRequest(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	s := r.Register("addr", "")

	ctx, cancel := context.WithCancel(context.Background())
	_ = r.TrackRequest(s.ID, "r1", cancel)

	if !r.CancelRequest(s.ID, "r1") {
		t.Fatal("cancel of outstanding request should succeed")
	}
	if ctx.Err() == nil {
		t.Error("request context should be cancelled")
	}
	if r.CancelRequest("missing", "r1") {
		t.Error("cancel on unknown session should report false")
	}

	// A cancelled request is still outstanding until its call finishes.
	got, _ := r.Get(s.ID)
	if got.Outstanding != 1 {
		t.Errorf("expected 1 outstanding before finish, got %d", got.Outstanding)
	}
	r.FinishRequest(s.ID, "r1")
	got, _ = r.Get(s.ID)
	if got.Outstanding != 0 {
		t.Errorf("expected 0 outstanding, got %d", got.Outstanding)
	}
	if r.CancelRequest(s.ID, "r1") {
		t.Error("cancel after finish should report not outstanding")
	}
}

func TestRegistry_CancelledRequestIDNotReusableUntilFinished(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	s := r.Register("addr", "")

	_, cancel1 := context.WithCancel(context.Background())
	if err := r.TrackRequest(s.ID, "r1", cancel1); err != nil {
		t.Fatalf("track: %v", err)
	}
	r.CancelRequest(s.ID, "r1")

	// The first call is still unwinding, so the id is taken.
	_, cancelDup := context.WithCancel(context.Background())
	defer cancelDup()
	if err := r.TrackRequest(s.ID, "r1", cancelDup); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest while cancelled call unwinds, got %v", err)
	}

	// Once the first call finishes, the id can be reused and the new
	// request is cancellable.
	r.FinishRequest(s.ID, "r1")
	ctx2, cancel2 := context.WithCancel(context.Background())
	if err := r.TrackRequest(s.ID, "r1", cancel2); err != nil {
		t.Fatalf("reuse after finish: %v", err)
	}
	if !r.CancelRequest(s.ID, "r1") {
		t.Fatal("cancel of reused request should succeed")
	}
	if ctx2.Err() == nil {
		t.Error("reused request context should be cancelled")
	}
	got, _ := r.Get(s.ID)
	if got.Outstanding != 1 {
		t.Errorf("expected reused request outstanding, got %d", got.Outstanding)
	}
}

func TestRegistry_IdleSessions(t *testing.T) {
	clk := &clock{now: time.Unix(1000, 0)}
	r := NewRegistry(nil, testLogger(), WithClock(clk.Now))

	quiet := r.Register("a", "")
	busy := r.Register("b", "")
	active := r.Register("c", "")
	_ = r.TrackRequest(busy.ID, "r1", func() {})

	clk.now = clk.now.Add(10 * time.Minute)
	if !r.Touch(active.ID) {
		t.Fatal("touch should find the session")
	}
	if r.Touch("missing") {
		t.Error("touch of unknown session should return false")
	}

	idle := r.IdleSessions(5 * time.Minute)
	if len(idle) != 1 || idle[0] != quiet.ID {
		t.Errorf("expected only %s idle, got %v", quiet.ID, idle)
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	clk := &clock{now: time.Unix(1000, 0)}
	r := NewRegistry(nil, testLogger(), WithClock(clk.Now))

	first := r.Register("a", "one")
	clk.now = clk.now.Add(time.Second)
	second := r.Register("b", "two")
	_ = r.TrackRequest(second.ID, "r1", func() {})

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(snap))
	}
	if snap[0].ID != first.ID || snap[1].ID != second.ID {
		t.Errorf("snapshot should be ordered by connect time")
	}
	if snap[1].Outstanding != 1 {
		t.Errorf("expected 1 outstanding on second session, got %d", snap[1].Outstanding)
	}
	if snap[0].ClientName != "one" {
		t.Errorf("client name not kept: %q", snap[0].ClientName)
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := r.Register("addr", "")
			_ = r.TrackRequest(s.ID, "r", func() {})
			r.Touch(s.ID)
			_ = r.Snapshot()
			r.Remove(s.ID)
		}()
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}
