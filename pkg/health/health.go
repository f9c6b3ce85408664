// Package health periodically snapshots the daemon's concurrency state and
// writes it to best-effort sinks: a JSON file, a Redis key and Prometheus
// gauges.
//
// Snapshots only read atomics and short-lived read locks, and sink failures
// are logged and otherwise ignored. Nothing here can slow down or break
// request handling.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/audit"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/inflight"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/limiter"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/resultcache"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/session"
)

// Snapshot is a point-in-time view of the daemon.
type Snapshot struct {
	Timestamp         time.Time        `json:"timestamp"`
	Version           string           `json:"version,omitempty"`
	UptimeSeconds     int64            `json:"uptime_seconds"`
	GlobalAvailable   int64            `json:"global_available"`
	GlobalCapacity    int64            `json:"global_capacity"`
	ProviderAvailable map[string]int64 `json:"provider_available_by_key"`
	SessionCount      int              `json:"session_count"`
	InflightCount     int              `json:"inflight_count"`

	Limiter  limiter.Stats     `json:"limiter"`
	Inflight inflight.Stats    `json:"inflight"`
	Cache    resultcache.Stats `json:"cache"`
	Audit    *audit.Stats      `json:"audit,omitempty"`
}

// Collector builds snapshots from the live components. Nil fields are
// skipped.
type Collector struct {
	Version  string
	Started  time.Time
	Limiter  *limiter.Pool
	Inflight *inflight.Registry
	Sessions *session.Registry
	Cache    *resultcache.Cache
	Audit    *audit.Recorder
}

// Snapshot reads every component's counters.
func (c *Collector) Snapshot() Snapshot {
	now := time.Now()
	s := Snapshot{
		Timestamp:         now.UTC(),
		Version:           c.Version,
		ProviderAvailable: map[string]int64{},
	}
	if !c.Started.IsZero() {
		s.UptimeSeconds = int64(now.Sub(c.Started).Seconds())
	}
	if c.Limiter != nil {
		s.Limiter = c.Limiter.Stats()
		s.GlobalAvailable = s.Limiter.Global.Available
		s.GlobalCapacity = s.Limiter.Global.Capacity
		for id, g := range s.Limiter.Providers {
			s.ProviderAvailable[id] = g.Available
		}
	}
	if c.Inflight != nil {
		s.Inflight = c.Inflight.Stats()
		s.InflightCount = s.Inflight.Inflight
	}
	if c.Sessions != nil {
		s.SessionCount = c.Sessions.Len()
	}
	if c.Cache != nil {
		s.Cache = c.Cache.Stats()
	}
	if c.Audit != nil {
		st := c.Audit.Stats()
		s.Audit = &st
	}
	return s
}

// Sink receives snapshots.
type Sink interface {
	Name() string
	Write(ctx context.Context, s Snapshot) error
}

// Reporter writes a snapshot to every sink on a fixed interval.
type Reporter struct {
	collect  func() Snapshot
	interval time.Duration
	sinks    []Sink
	logger   *slog.Logger
}

// NewReporter creates a reporter.
func NewReporter(collect func() Snapshot, interval time.Duration, logger *slog.Logger, sinks ...Sink) *Reporter {
	return &Reporter{
		collect:  collect,
		interval: interval,
		sinks:    sinks,
		logger:   logger.With("component", "health"),
	}
}

// Run reports until ctx is done. It reports once immediately.
func (r *Reporter) Run(ctx context.Context) {
	r.logger.Info("health reporter started", "interval", r.interval.String(), "sinks", len(r.sinks))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.ReportOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("health reporter stopped")
			return
		case <-ticker.C:
			r.ReportOnce(ctx)
		}
	}
}

// ReportOnce takes one snapshot and writes it to every sink.
func (r *Reporter) ReportOnce(ctx context.Context) {
	snap := r.collect()
	for _, s := range r.sinks {
		wctx, cancel := context.WithTimeout(ctx, r.interval)
		err := s.Write(wctx, snap)
		cancel()
		if err != nil {
			r.logger.Warn("health sink write failed", "sink", s.Name(), "error", err)
		}
	}
}
