package health

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// FileSink writes the snapshot as JSON to a file, replacing it atomically.
type FileSink struct {
	Path string
}

// Name implements Sink.
func (f *FileSink) Name() string { return "file" }

// Write implements Sink.
func (f *FileSink) Write(_ context.Context, s Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling health snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("creating health directory: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing health file: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("replacing health file: %w", err)
	}
	return nil
}

// RedisSink stores the latest snapshot under one key with a TTL, so a
// daemon that stops reporting disappears on its own.
//
// Key format:  {prefix}health
// Value:       snapshot JSON
type RedisSink struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSink creates a Redis sink.
func NewRedisSink(client *redis.Client, prefix string, ttl time.Duration) *RedisSink {
	return &RedisSink{client: client, prefix: prefix, ttl: ttl}
}

// Key returns the Redis key the sink writes.
func (r *RedisSink) Key() string { return r.prefix + "health" }

// Name implements Sink.
func (r *RedisSink) Name() string { return "redis" }

// Write implements Sink.
func (r *RedisSink) Write(ctx context.Context, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling health snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.Key(), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("writing health key: %w", err)
	}
	return nil
}

// PromSink mirrors the snapshot into Prometheus gauges.
type PromSink struct {
	globalAvailable   prometheus.Gauge
	globalCapacity    prometheus.Gauge
	providerAvailable *prometheus.GaugeVec
	sessions          prometheus.Gauge
	inflight          prometheus.Gauge
	cacheEntries      prometheus.Gauge
}

// NewPromSink registers the gauges with reg.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	p := &PromSink{
		globalAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exai_global_permits_available",
			Help: "Free permits in the global execution gate.",
		}),
		globalCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exai_global_permits_capacity",
			Help: "Capacity of the global execution gate.",
		}),
		providerAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exai_provider_permits_available",
			Help: "Free permits per provider gate.",
		}, []string{"provider"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exai_sessions",
			Help: "Connected sessions.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exai_inflight_calls",
			Help: "Calls currently executing.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exai_result_cache_entries",
			Help: "Entries in the result cache.",
		}),
	}
	for _, c := range []prometheus.Collector{
		p.globalAvailable, p.globalCapacity, p.providerAvailable,
		p.sessions, p.inflight, p.cacheEntries,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering health gauge: %w", err)
		}
	}
	return p, nil
}

// Name implements Sink.
func (p *PromSink) Name() string { return "prometheus" }

// Write implements Sink.
func (p *PromSink) Write(_ context.Context, s Snapshot) error {
	p.globalAvailable.Set(float64(s.GlobalAvailable))
	p.globalCapacity.Set(float64(s.GlobalCapacity))
	for id, n := range s.ProviderAvailable {
		p.providerAvailable.WithLabelValues(id).Set(float64(n))
	}
	p.sessions.Set(float64(s.SessionCount))
	p.inflight.Set(float64(s.InflightCount))
	p.cacheEntries.Set(float64(s.Cache.Entries))
	return nil
}
