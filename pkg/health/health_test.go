package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/inflight"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/limiter"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/resultcache"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func liveCollector(t *testing.T) (*Collector, *limiter.Pool) {
	t.Helper()
	logger := discardLogger()
	pool := limiter.New(limiter.Config{Global: 4, PerProvider: 2, PerSession: 2})
	cache := resultcache.New(time.Minute, 10, resultcache.WithSweepInterval(0))
	t.Cleanup(cache.Close)
	reg := inflight.New()
	sessions := session.NewRegistry(pool, logger)

	s := sessions.Register("127.0.0.1:1", "test")
	_, err := pool.AcquireAll(context.Background(), s.ID, "kimi")
	require.NoError(t, err)
	_, _, err = reg.LookupOrCreate(inflight.Request{Key: "k", SessionID: s.ID, RequestID: "r"})
	require.NoError(t, err)
	cache.Put("done", json.RawMessage(`1`))

	return &Collector{
		Version:  "test",
		Started:  time.Now().Add(-time.Minute),
		Limiter:  pool,
		Inflight: reg,
		Sessions: sessions,
		Cache:    cache,
	}, pool
}

func TestCollector_Snapshot(t *testing.T) {
	c, _ := liveCollector(t)
	s := c.Snapshot()

	assert.Equal(t, int64(4), s.GlobalCapacity)
	assert.Equal(t, int64(3), s.GlobalAvailable)
	assert.Equal(t, map[string]int64{"kimi": 1}, s.ProviderAvailable)
	assert.Equal(t, 1, s.SessionCount)
	assert.Equal(t, 1, s.InflightCount)
	assert.Equal(t, 1, s.Cache.Entries)
	assert.GreaterOrEqual(t, s.UptimeSeconds, int64(59))
	assert.Nil(t, s.Audit)
}

func TestCollector_EmptyIsSafe(t *testing.T) {
	s := (&Collector{}).Snapshot()
	assert.Equal(t, 0, s.SessionCount)
	assert.NotNil(t, s.ProviderAvailable)
}

func TestFileSink(t *testing.T) {
	c, _ := liveCollector(t)
	path := filepath.Join(t.TempDir(), "logs", "ws_daemon.health.json")
	sink := &FileSink{Path: path}

	require.NoError(t, sink.Write(context.Background(), c.Snapshot()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, float64(1), got["session_count"])
	assert.Equal(t, float64(1), got["inflight_count"])
	assert.Contains(t, got, "provider_available_by_key")

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestRedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sink := NewRedisSink(client, "exai:", 30*time.Second)
	c, _ := liveCollector(t)

	require.NoError(t, sink.Write(context.Background(), c.Snapshot()))

	raw, err := mr.Get("exai:health")
	require.NoError(t, err)
	var got Snapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, 1, got.SessionCount)
	assert.Equal(t, 30*time.Second, mr.TTL("exai:health"))

	mr.FastForward(31 * time.Second)
	assert.False(t, mr.Exists("exai:health"))
}

func TestPromSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSink(reg)
	require.NoError(t, err)
	c, _ := liveCollector(t)

	require.NoError(t, sink.Write(context.Background(), c.Snapshot()))

	assert.Equal(t, float64(3), testutil.ToFloat64(sink.globalAvailable))
	assert.Equal(t, float64(4), testutil.ToFloat64(sink.globalCapacity))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.providerAvailable.WithLabelValues("kimi")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.sessions))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.inflight))

	_, err = NewPromSink(reg)
	assert.Error(t, err, "registering twice must fail")
}

type failingSink struct{ calls atomic.Int64 }

func (f *failingSink) Name() string { return "failing" }

func (f *failingSink) Write(context.Context, Snapshot) error {
	f.calls.Add(1)
	return errors.New("sink unavailable")
}

type countingSink struct{ calls atomic.Int64 }

func (c *countingSink) Name() string { return "counting" }

func (c *countingSink) Write(context.Context, Snapshot) error {
	c.calls.Add(1)
	return nil
}

func TestReporter_FailingSinkDoesNotStopOthers(t *testing.T) {
	bad, good := &failingSink{}, &countingSink{}
	r := NewReporter(func() Snapshot { return Snapshot{} }, 10*time.Millisecond, discardLogger(), bad, good)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return good.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reporter did not stop")
	}
	assert.GreaterOrEqual(t, bad.calls.Load(), int64(3))
}
