// Package session tracks connected clients of the daemon: when they
// connected, when they were last active, and which of their requests are
// still outstanding so they can be cancelled when the client goes away.
//
// Thread-safe. Registry mutations are serialized by one RWMutex that is
// independent of the inflight registry and the limiter.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownSession is returned for operations on a removed session.
	ErrUnknownSession = errors.New("unknown session")
	// ErrDuplicateRequest is returned when a client reuses a request id that
	// is still outstanding.
	ErrDuplicateRequest = errors.New("duplicate request id")
)

// Gates is the part of the limiter a session's lifecycle drives.
type Gates interface {
	OpenSession(id string)
	CloseSession(id string)
}

// Session is a point-in-time copy of a connected client.
type Session struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remote_addr"`
	ClientName    string    `json:"client_name,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	Authenticated bool      `json:"authenticated"`
	Outstanding   int       `json:"outstanding"`
}

type entry struct {
	Session
	requests map[string]*request
}

// request stays tracked until FinishRequest, even after it is cancelled, so
// its id cannot be reused while the cancelled call is still unwinding.
type request struct {
	cancel    context.CancelFunc
	cancelled bool
}

func (e *entry) snapshot() Session {
	s := e.Session
	s.Outstanding = len(e.requests)
	return s
}

// Registry tracks all connected sessions.
type Registry struct {
	sessions map[string]*entry
	mu       sync.RWMutex
	count    atomic.Int64
	gates    Gates
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry. gates may be nil.
func NewRegistry(gates Gates, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*entry),
		gates:    gates,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an authenticated client and returns its session.
func (r *Registry) Register(remoteAddr, clientName string) Session {
	now := r.now()
	e := &entry{
		Session: Session{
			ID:            uuid.NewString(),
			RemoteAddr:    remoteAddr,
			ClientName:    clientName,
			ConnectedAt:   now,
			LastActivity:  now,
			Authenticated: true,
		},
		requests: make(map[string]*request),
	}

	r.mu.Lock()
	r.sessions[e.ID] = e
	r.count.Add(1)
	size := len(r.sessions)
	r.mu.Unlock()

	if r.gates != nil {
		r.gates.OpenSession(e.ID)
	}
	r.logger.Info("session registered",
		"session_id", e.ID,
		"remote_addr", remoteAddr,
		"client_name", clientName,
		"sessions", size,
	)
	return e.snapshot()
}

// Remove deletes a session, cancels its outstanding requests and returns
// their ids.
func (r *Registry) Remove(id string) []string {
	r.mu.Lock()
	e, exists := r.sessions[id]
	if !exists {
		r.mu.Unlock()
		return nil
	}
	delete(r.sessions, id)
	r.count.Add(-1)
	size := len(r.sessions)
	r.mu.Unlock()

	// The entry is unreachable now, so its request map is ours alone.
	orphaned := make([]string, 0, len(e.requests))
	for reqID, req := range e.requests {
		orphaned = append(orphaned, reqID)
		if req.cancel != nil {
			req.cancel()
		}
	}
	sort.Strings(orphaned)

	if r.gates != nil {
		r.gates.CloseSession(id)
	}
	r.logger.Info("session removed",
		"session_id", id,
		"cancelled_requests", len(orphaned),
		"sessions", size,
	)
	return orphaned
}

// Touch records activity. It returns false if the session is unknown.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.sessions[id]
	if !exists {
		return false
	}
	e.LastActivity = r.now()
	return true
}

// TrackRequest records an outstanding request and the function that
// cancels it.
func (r *Registry) TrackRequest(sessionID, requestID string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.sessions[sessionID]
	if !exists {
		return fmt.Errorf("track request %q: %w", requestID, ErrUnknownSession)
	}
	if _, dup := e.requests[requestID]; dup {
		return fmt.Errorf("track request %q: %w", requestID, ErrDuplicateRequest)
	}
	e.requests[requestID] = &request{cancel: cancel}
	e.LastActivity = r.now()
	return nil
}

// FinishRequest forgets a request that has been answered. It is the only
// way a request id becomes free for reuse.
func (r *Registry) FinishRequest(sessionID, requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.sessions[sessionID]; exists {
		delete(e.requests, requestID)
		e.LastActivity = r.now()
	}
}

// CancelRequest cancels an outstanding request. The request stays tracked
// until its call finishes. It returns false if the request is not
// outstanding.
func (r *Registry) CancelRequest(sessionID, requestID string) bool {
	r.mu.Lock()
	e, exists := r.sessions[sessionID]
	if !exists {
		r.mu.Unlock()
		return false
	}
	req, ok := e.requests[requestID]
	var cancel context.CancelFunc
	if ok && !req.cancelled {
		req.cancelled = true
		cancel = req.cancel
	}
	e.LastActivity = r.now()
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return ok
}

// Get returns a copy of one session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.sessions[id]
	if !exists {
		return Session{}, false
	}
	return e.snapshot(), true
}

// IdleSessions returns the ids of sessions inactive for longer than maxIdle
// that have no outstanding requests.
func (r *Registry) IdleSessions(maxIdle time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var idle []string
	for id, e := range r.sessions {
		if len(e.requests) == 0 && now.Sub(e.LastActivity) > maxIdle {
			idle = append(idle, id)
		}
	}
	sort.Strings(idle)
	return idle
}

// Len returns the number of sessions without taking the lock.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Snapshot returns copies of all sessions ordered by connect time.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
