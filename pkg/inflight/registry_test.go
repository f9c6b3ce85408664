package inflight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/resultcache"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func req(key, session, request string) Request {
	return Request{Key: key, SessionID: session, RequestID: request, Tool: "chat", Provider: "glm"}
}

func TestLookupOrCreate_OwnerThenSubscriber(t *testing.T) {
	r := New()

	owner, role, err := r.LookupOrCreate(req("k1", "s1", "r1"))
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, role)
	assert.Equal(t, 1, r.Len())

	sub, role, err := r.LookupOrCreate(req("k1", "s2", "r9"))
	require.NoError(t, err)
	assert.Equal(t, RoleSubscriber, role)
	assert.Same(t, owner, sub)
	assert.Equal(t, 2, owner.Subscribers())
	assert.Equal(t, 1, r.Len())

	_, _, err = r.LookupOrCreate(req("k1", "s2", "r9"))
	assert.ErrorIs(t, err, ErrDuplicateSubscriber)

	other, role, err := r.LookupOrCreate(req("k2", "s1", "r2"))
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, role)
	assert.NotSame(t, owner, other)
	assert.Equal(t, 2, r.Len())
}

func TestComplete_ResolvesAllSubscribersOnce(t *testing.T) {
	store := resultcache.New(time.Minute, 10, resultcache.WithSweepInterval(0))
	defer store.Close()
	r := New(WithResultStore(store))

	rec, _, err := r.LookupOrCreate(req("k", "s1", "r1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]Outcome, 5)
	for i := range results {
		sub, role, err := r.LookupOrCreate(req("k", fmt.Sprintf("s%d", i+2), "r"))
		require.NoError(t, err)
		require.Equal(t, RoleSubscriber, role)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := sub.Wait(context.Background())
			if err == nil {
				results[i] = out
			}
		}(i)
	}

	assert.True(t, r.Complete(rec, Outcome{Result: json.RawMessage(`"done"`)}))
	assert.False(t, r.Complete(rec, Outcome{Err: errors.New("late")}))
	wg.Wait()

	for _, out := range results {
		require.NoError(t, out.Err)
		assert.Equal(t, `"done"`, string(out.Result))
	}
	assert.Equal(t, 0, r.Len())

	e, ok := store.Get("k")
	require.True(t, ok)
	assert.Equal(t, `"done"`, string(e.Value))

	cached, role, err := r.LookupOrCreate(req("k", "s9", "r1"))
	require.NoError(t, err)
	assert.Equal(t, RoleCached, role)
	assert.Equal(t, `"done"`, string(cached.Outcome().Result))
	assert.Equal(t, 0, r.Len())
}

func TestComplete_ErrorsAreNotCached(t *testing.T) {
	store := resultcache.New(time.Minute, 10, resultcache.WithSweepInterval(0))
	defer store.Close()
	r := New(WithResultStore(store))

	rec, _, err := r.LookupOrCreate(req("k", "s1", "r1"))
	require.NoError(t, err)
	r.Complete(rec, Outcome{Err: errors.New("provider down")})

	_, ok := store.Get("k")
	assert.False(t, ok)

	_, role, err := r.LookupOrCreate(req("k", "s1", "r2"))
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, role)
}

func TestConcurrentLookup_ExactlyOneOwner(t *testing.T) {
	r := New(WithShards(4))
	const n = 64

	var owners atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	recs := make([]*Record, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			rec, role, err := r.LookupOrCreate(req("same", fmt.Sprintf("s%d", i), "r"))
			if err != nil {
				return
			}
			if role == RoleOwner {
				owners.Add(1)
			}
			recs[i] = rec
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), owners.Load())
	for _, rec := range recs {
		assert.Same(t, recs[0], rec)
	}
	assert.Equal(t, n, recs[0].Subscribers())
	assert.Equal(t, int64(n-1), r.Stats().Coalesced)
}

func TestUnsubscribe_NonSoleKeepsExecution(t *testing.T) {
	r := New()
	rec, _, _ := r.LookupOrCreate(req("k", "s1", "r1"))
	var cancelled atomic.Bool
	rec.SetCancel(func() { cancelled.Store(true) })

	_, _, err := r.LookupOrCreate(req("k", "s2", "r1"))
	require.NoError(t, err)

	assert.Equal(t, 1, r.Unsubscribe(rec, SubscriberID("s1", "r1")))
	assert.False(t, cancelled.Load())
	assert.Equal(t, 1, r.Len())

	// Unknown subscriber is a no-op.
	assert.Equal(t, 1, r.Unsubscribe(rec, SubscriberID("nobody", "x")))
}

func TestUnsubscribe_LastSubscriberCancelsAndDetaches(t *testing.T) {
	store := resultcache.New(time.Minute, 10, resultcache.WithSweepInterval(0))
	defer store.Close()
	r := New(WithResultStore(store))

	rec, _, _ := r.LookupOrCreate(req("k", "s1", "r1"))
	var cancelled atomic.Bool
	rec.SetCancel(func() { cancelled.Store(true) })

	assert.Equal(t, 0, r.Unsubscribe(rec, SubscriberID("s1", "r1")))
	assert.True(t, cancelled.Load())
	assert.Equal(t, 0, r.Len())

	// A fresh identical call gets its own execution.
	fresh, role, err := r.LookupOrCreate(req("k", "s2", "r1"))
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, role)
	assert.NotSame(t, rec, fresh)

	// The abandoned execution finishing late must not evict the fresh record,
	// but its result still lands in the store.
	assert.True(t, r.Complete(rec, Outcome{Result: json.RawMessage(`1`)}))
	assert.Equal(t, 1, r.Len())
	_, ok := store.Get("k")
	assert.True(t, ok)
}

func TestSetCancel_AfterAbandonCancelsImmediately(t *testing.T) {
	r := New()
	rec, _, _ := r.LookupOrCreate(req("k", "s1", "r1"))
	r.Unsubscribe(rec, SubscriberID("s1", "r1"))

	var cancelled atomic.Bool
	rec.SetCancel(func() { cancelled.Store(true) })
	assert.True(t, cancelled.Load())
}

func TestRetryAfter(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	r := New(WithClock(clk.Now), WithRetryAfter(2*time.Second))

	rec, _, _ := r.LookupOrCreate(req("k", "s1", "r1"))
	_, role, err := r.LookupOrCreate(req("k", "s2", "r1"))
	require.NoError(t, err)
	assert.Equal(t, RoleSubscriber, role)

	clk.Advance(500 * time.Millisecond)
	_, _, err = r.LookupOrCreate(req("k", "s2", "r2"))
	var ra *RetryAfterError
	require.ErrorAs(t, err, &ra)
	assert.Equal(t, 1500*time.Millisecond, ra.Wait)
	assert.Contains(t, ra.Error(), "1500ms")

	// The owner's own session is held to the same interval.
	_, _, err = r.LookupOrCreate(req("k", "s1", "r2"))
	require.ErrorAs(t, err, &ra)

	clk.Advance(2 * time.Second)
	_, role, err = r.LookupOrCreate(req("k", "s2", "r3"))
	require.NoError(t, err)
	assert.Equal(t, RoleSubscriber, role)
	assert.Equal(t, 3, rec.Subscribers())
}

func TestExpireStale(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	r := New(WithClock(clk.Now), WithTTL(time.Minute))

	old, _, _ := r.LookupOrCreate(req("old", "s1", "r1"))
	var cancelled atomic.Bool
	old.SetCancel(func() { cancelled.Store(true) })
	clk.Advance(45 * time.Second)
	young, _, _ := r.LookupOrCreate(req("young", "s1", "r2"))
	clk.Advance(30 * time.Second)

	assert.Equal(t, 1, r.ExpireStale())
	assert.Equal(t, 1, r.Len())
	assert.True(t, cancelled.Load())

	out, err := old.Wait(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, ErrExpired)

	select {
	case <-young.Done():
		t.Fatal("young record must not expire")
	default:
	}
	assert.Equal(t, int64(1), r.Stats().Expired)
}

func TestWait_ContextCancel(t *testing.T) {
	r := New()
	rec, _, _ := r.LookupOrCreate(req("k", "s1", "r1"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := rec.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Outcome{}, rec.Outcome())
}

func TestProgress_FansOutToSubscribers(t *testing.T) {
	r := New()
	var mu sync.Mutex
	got := map[string][]string{}
	sink := func(name string) func(string) {
		return func(msg string) {
			mu.Lock()
			got[name] = append(got[name], msg)
			mu.Unlock()
		}
	}

	a := req("k", "s1", "r1")
	a.Progress = sink("a")
	b := req("k", "s2", "r1")
	b.Progress = sink("b")
	c := req("k", "s3", "r1")

	rec, _, _ := r.LookupOrCreate(a)
	_, _, _ = r.LookupOrCreate(b)
	_, _, _ = r.LookupOrCreate(c)

	rec.Progress("thinking")
	r.Unsubscribe(rec, SubscriberID("s2", "r1"))
	rec.Progress("writing")

	assert.Equal(t, []string{"thinking", "writing"}, got["a"])
	assert.Equal(t, []string{"thinking"}, got["b"])
}

func TestShutdown(t *testing.T) {
	r := New()
	rec, _, _ := r.LookupOrCreate(req("k", "s1", "r1"))

	r.Shutdown()
	out, err := rec.Wait(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, ErrShutdown)
	assert.Equal(t, 0, r.Len())

	_, _, err = r.LookupOrCreate(req("k", "s1", "r2"))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "owner", RoleOwner.String())
	assert.Equal(t, "subscriber", RoleSubscriber.String())
	assert.Equal(t, "cached", RoleCached.String())
	assert.Equal(t, "Role(7)", Role(7).String())
}
