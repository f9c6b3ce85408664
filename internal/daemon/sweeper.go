package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/inflight"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/resultcache"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/session"
)

// sessionCloser closes the connection that owns a session.
type sessionCloser interface {
	CloseSession(sessionID string, code int, reason string) bool
}

// Sweeper periodically cleans up state nobody else will:
//  1. Inflight records older than the inflight TTL are completed with an
//     expiry error, so no subscriber waits forever on a lost execution
//  2. Expired result cache entries are dropped
//  3. Sessions idle longer than the idle timeout, with nothing outstanding,
//     are closed
type Sweeper struct {
	inflight    *inflight.Registry
	cache       *resultcache.Cache
	sessions    *session.Registry
	closer      sessionCloser
	idleTimeout time.Duration
	interval    time.Duration
	logger      *slog.Logger
}

// NewSweeper creates a sweeper. closer may be nil, which disables idle
// session closing.
func NewSweeper(reg *inflight.Registry, cache *resultcache.Cache, sessions *session.Registry,
	closer sessionCloser, idleTimeout, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		inflight:    reg,
		cache:       cache,
		sessions:    sessions,
		closer:      closer,
		idleTimeout: idleTimeout,
		interval:    interval,
		logger:      logger,
	}
}

// Run starts the sweep loop. Blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper starting", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// SweepResult counts what one pass cleaned up.
type SweepResult struct {
	Expired      int
	CacheEvicted int
	IdleClosed   int
}

func (s *Sweeper) sweep() SweepResult {
	var res SweepResult
	if s.inflight != nil {
		res.Expired = s.inflight.ExpireStale()
	}
	if s.cache != nil {
		res.CacheEvicted = s.cache.Sweep()
	}
	if s.closer != nil && s.sessions != nil && s.idleTimeout > 0 {
		for _, id := range s.sessions.IdleSessions(s.idleTimeout) {
			if s.closer.CloseSession(id, websocket.CloseGoingAway, "idle timeout") {
				res.IdleClosed++
			}
		}
	}
	if res.Expired > 0 || res.IdleClosed > 0 {
		s.logger.Warn("sweep reclaimed state",
			"expired_inflight", res.Expired,
			"idle_sessions_closed", res.IdleClosed,
			"cache_evicted", res.CacheEvicted,
		)
	} else if res.CacheEvicted > 0 {
		s.logger.Debug("sweep evicted cache entries", "cache_evicted", res.CacheEvicted)
	}
	return res
}
