// Package limiter implements the three-tier concurrency gate every tool
// execution passes through: one permit from the caller's session, one from
// the provider the call is routed to, and one from the process-wide pool.
//
// Permits are always taken in the order Session → Provider → Global by
// AcquireAll, which is the only way to obtain them, and released in the
// reverse order by Handle.Release. Counters used for reporting are atomics,
// so Stats never contends with acquirers.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Gate names reported in AcquireError and Stats.
const (
	GateSession  = "session"
	GateProvider = "provider"
	GateGlobal   = "global"
)

// closedSessionRetention is how long CloseSession remembers a session id.
// It only has to outlast the gap between a call's dispatch and its
// AcquireAll, which is bounded by the acquire timeout.
const closedSessionRetention = time.Hour

// ErrNoPermit is returned when a try-acquire finds the gate full.
var ErrNoPermit = errors.New("no permit available")

// AcquireError reports which gate could not be acquired.
type AcquireError struct {
	Gate string // GateSession, GateProvider or GateGlobal
	ID   string // session or provider id; empty for the global gate
	Err  error
}

func (e *AcquireError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("acquire %s permit: %v", e.Gate, e.Err)
	}
	return fmt.Sprintf("acquire %s permit (%s): %v", e.Gate, e.ID, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

// Cancelled reports whether acquisition stopped because the caller gave up
// rather than because the gate stayed full.
func (e *AcquireError) Cancelled() bool {
	return errors.Is(e.Err, context.Canceled)
}

// Config sets gate capacities. A capacity of zero or less disables that tier.
type Config struct {
	Global         int
	PerProvider    int
	ProviderLimits map[string]int
	PerSession     int

	// AcquireTimeout bounds the total wait for all three permits. Zero means
	// try-acquire without waiting; negative waits until ctx is done.
	AcquireTimeout time.Duration
}

type gate struct {
	kind     string
	id       string
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
}

func newGate(kind, id string, capacity int) *gate {
	if capacity <= 0 {
		return nil
	}
	return &gate{
		kind:     kind,
		id:       id,
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

func (g *gate) acquire(ctx context.Context, wait bool) error {
	if wait {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return &AcquireError{Gate: g.kind, ID: g.id, Err: err}
		}
	} else if !g.sem.TryAcquire(1) {
		return &AcquireError{Gate: g.kind, ID: g.id, Err: ErrNoPermit}
	}
	g.inUse.Add(1)
	return nil
}

func (g *gate) release() {
	g.inUse.Add(-1)
	g.sem.Release(1)
}

func (g *gate) stats() GateStats {
	used := g.inUse.Load()
	return GateStats{Capacity: g.capacity, InUse: used, Available: g.capacity - used}
}

// Pool holds the global gate and lazily created provider and session gates.
type Pool struct {
	cfg       Config
	global    *gate
	providers sync.Map // provider id → *gate
	sessions  sync.Map // session id → *gate

	closedMu sync.Mutex
	closed   map[string]time.Time // session id → close time
	now      func() time.Time

	acquired atomic.Int64
	released atomic.Int64
}

// New creates a Pool.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:    cfg,
		global: newGate(GateGlobal, "", cfg.Global),
		closed: make(map[string]time.Time),
		now:    time.Now,
	}
}

// OpenSession creates the gate for a session. Calling it is optional:
// AcquireAll creates missing session gates on first use.
func (p *Pool) OpenSession(id string) {
	p.closedMu.Lock()
	delete(p.closed, id)
	p.closedMu.Unlock()
	p.sessionGate(id)
}

// CloseSession forgets a session's gate. Handles that still hold a permit
// from it release into the detached gate, so nothing leaks. Executions of
// the closed session that reach AcquireAll later skip the session tier
// instead of creating a new gate.
func (p *Pool) CloseSession(id string) {
	now := p.now()
	p.closedMu.Lock()
	p.closed[id] = now
	for sid, at := range p.closed {
		if now.Sub(at) > closedSessionRetention {
			delete(p.closed, sid)
		}
	}
	p.closedMu.Unlock()
	p.sessions.Delete(id)
}

func (p *Pool) isClosed(id string) bool {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()
	_, ok := p.closed[id]
	return ok
}

func (p *Pool) sessionGate(id string) *gate {
	if p.cfg.PerSession <= 0 {
		return nil
	}
	if g, ok := p.sessions.Load(id); ok {
		return g.(*gate)
	}
	if p.isClosed(id) {
		return nil
	}
	g, _ := p.sessions.LoadOrStore(id, newGate(GateSession, id, p.cfg.PerSession))
	// CloseSession may have run between the check and the store.
	if p.isClosed(id) {
		p.sessions.CompareAndDelete(id, g)
		return nil
	}
	return g.(*gate)
}

func (p *Pool) providerGate(id string) *gate {
	if g, ok := p.providers.Load(id); ok {
		return g.(*gate)
	}
	capacity := p.cfg.PerProvider
	if n, ok := p.cfg.ProviderLimits[id]; ok {
		capacity = n
	}
	ng := newGate(GateProvider, id, capacity)
	if ng == nil {
		return nil
	}
	g, _ := p.providers.LoadOrStore(id, ng)
	return g.(*gate)
}

// AcquireAll takes one permit from the session, provider and global gates,
// in that order. On failure every permit already taken is released before
// the *AcquireError is returned.
func (p *Pool) AcquireAll(ctx context.Context, sessionID, providerID string) (*Handle, error) {
	wait := p.cfg.AcquireTimeout != 0
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	h := &Handle{pool: p, gates: make([]*gate, 0, 3)}
	for _, g := range []*gate{p.sessionGate(sessionID), p.providerGate(providerID), p.global} {
		if g == nil {
			continue
		}
		if err := g.acquire(ctx, wait); err != nil {
			h.Release()
			return nil, err
		}
		h.gates = append(h.gates, g)
		p.acquired.Add(1)
	}
	return h, nil
}

// Handle is the set of permits held by one execution.
type Handle struct {
	pool  *Pool
	gates []*gate
	once  sync.Once
}

// Release returns the held permits in reverse acquisition order. It is safe
// to call more than once and on a nil Handle.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		for i := len(h.gates) - 1; i >= 0; i-- {
			h.gates[i].release()
			h.pool.released.Add(1)
		}
	})
}

// GateStats describes one gate.
type GateStats struct {
	Capacity  int64 `json:"capacity"`
	InUse     int64 `json:"in_use"`
	Available int64 `json:"available"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Global    GateStats            `json:"global"`
	Providers map[string]GateStats `json:"providers"`
	Sessions  map[string]GateStats `json:"sessions"`

	// Acquired and Released count individual permits over the pool's
	// lifetime. They are equal whenever nothing is executing.
	Acquired int64 `json:"acquired"`
	Released int64 `json:"released"`
}

// Stats reads the pool's counters without taking any lock that acquirers
// use.
func (p *Pool) Stats() Stats {
	s := Stats{
		Providers: make(map[string]GateStats),
		Sessions:  make(map[string]GateStats),
		Acquired:  p.acquired.Load(),
		Released:  p.released.Load(),
	}
	if p.global != nil {
		s.Global = p.global.stats()
	}
	p.providers.Range(func(k, v any) bool {
		s.Providers[k.(string)] = v.(*gate).stats()
		return true
	})
	p.sessions.Range(func(k, v any) bool {
		s.Sessions[k.(string)] = v.(*gate).stats()
		return true
	})
	return s
}

// ProviderIDs returns the providers that have a gate, sorted.
func (p *Pool) ProviderIDs() []string {
	var ids []string
	p.providers.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}
