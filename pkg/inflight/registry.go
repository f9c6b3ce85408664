// Package inflight tracks tool calls that are currently executing, keyed by
// call key, so identical concurrent calls share one execution.
//
// LookupOrCreate is the only way in. Under a single shard lock it either
// finds the live record for the key and attaches the caller as a subscriber,
// answers from the result store, or creates a new record owned by the caller.
// The owner runs the call and reports the Outcome through Complete, which
// resolves every subscriber at once by closing the record's done channel.
package inflight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/resultcache"
)

var (
	// ErrExpired completes records that outlived the safety-net TTL.
	ErrExpired = errors.New("inflight record expired without completion")
	// ErrShutdown completes records still open when the registry shuts down.
	ErrShutdown = errors.New("inflight registry shut down")
	// ErrDuplicateSubscriber is returned when the same session/request pair
	// attaches to a record twice.
	ErrDuplicateSubscriber = errors.New("subscriber already attached")
)

// RetryAfterError rejects a session that resubmits a call it is already
// waiting on before the retry interval has passed.
type RetryAfterError struct {
	Wait time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("call already in flight, retry after %dms", e.Wait.Milliseconds())
}

// Role says how LookupOrCreate resolved a request.
type Role int

const (
	// RoleOwner means the caller created the record and must execute it.
	RoleOwner Role = iota
	// RoleSubscriber means the caller attached to an existing execution.
	RoleSubscriber
	// RoleCached means the result store already held a result; the returned
	// record is already complete.
	RoleCached
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleSubscriber:
		return "subscriber"
	case RoleCached:
		return "cached"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Outcome is the terminal value of a call: a result or an error.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// ResultStore receives successful results on completion.
type ResultStore interface {
	Get(key string) (resultcache.Entry, bool)
	Put(key string, value json.RawMessage)
}

// Request describes one caller of LookupOrCreate.
type Request struct {
	Key       string
	SessionID string
	RequestID string
	Tool      string
	Provider  string
	Deadline  time.Time

	// Progress, if set, receives progress messages for this subscriber. It
	// must not block.
	Progress func(message string)
}

// SubscriberID identifies one request of one session.
func SubscriberID(sessionID, requestID string) string {
	return sessionID + "/" + requestID
}

type subscriber struct {
	sessionID string
	requestID string
	progress  func(string)
}

// Record is the bookkeeping for one executing call. Mutable fields are
// guarded by the owning shard's lock.
type Record struct {
	key          string
	tool         string
	provider     string
	ownerSession string
	ownerRequest string
	createdAt    time.Time
	deadline     time.Time

	shard *shard
	done  chan struct{}

	// guarded by shard.mu
	subscribers map[string]subscriber
	lastAttach  map[string]time.Time
	cancel      context.CancelFunc
	completed   bool
	detached    bool
	outcome     Outcome
}

// Key returns the call key.
func (r *Record) Key() string { return r.key }

// Tool returns the canonical tool name.
func (r *Record) Tool() string { return r.tool }

// Provider returns the provider the call is routed to.
func (r *Record) Provider() string { return r.provider }

// OwnerSession returns the session that created the record.
func (r *Record) OwnerSession() string { return r.ownerSession }

// OwnerRequest returns the request id that created the record.
func (r *Record) OwnerRequest() string { return r.ownerRequest }

// CreatedAt returns when the record was created.
func (r *Record) CreatedAt() time.Time { return r.createdAt }

// Deadline returns the execution deadline the owner set.
func (r *Record) Deadline() time.Time { return r.deadline }

// Done is closed once the record is complete.
func (r *Record) Done() <-chan struct{} { return r.done }

// Outcome returns the terminal value. It is only meaningful after Done is
// closed.
func (r *Record) Outcome() Outcome {
	select {
	case <-r.done:
		return r.outcome
	default:
		return Outcome{}
	}
}

// Wait blocks until the record completes or ctx is done.
func (r *Record) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		return r.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Subscribers returns the number of attached subscribers.
func (r *Record) Subscribers() int {
	if r.shard == nil {
		return 0
	}
	r.shard.mu.Lock()
	defer r.shard.mu.Unlock()
	return len(r.subscribers)
}

// SetCancel stores the function that stops the execution. If every
// subscriber has already left, cancel is called immediately.
func (r *Record) SetCancel(cancel context.CancelFunc) {
	if r.shard == nil {
		return
	}
	r.shard.mu.Lock()
	r.cancel = cancel
	abandoned := r.detached && !r.completed
	r.shard.mu.Unlock()
	if abandoned {
		cancel()
	}
}

// Progress fans a progress message out to every subscriber that asked for
// progress.
func (r *Record) Progress(message string) {
	if r.shard == nil {
		return
	}
	r.shard.mu.Lock()
	fns := make([]func(string), 0, len(r.subscribers))
	for _, s := range r.subscribers {
		if s.progress != nil {
			fns = append(fns, s.progress)
		}
	}
	r.shard.mu.Unlock()

	for _, fn := range fns {
		fn(message)
	}
}

type shard struct {
	mu      sync.Mutex
	records map[string]*Record
}

// Registry is the sharded map of live records.
type Registry struct {
	shards     []*shard
	store      ResultStore
	now        func() time.Time
	ttl        time.Duration
	retryAfter time.Duration
	logger     *slog.Logger

	count     atomic.Int64
	created   atomic.Int64
	coalesced atomic.Int64
	expired   atomic.Int64
	closed    atomic.Bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithShards sets the number of lock shards.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = make([]*shard, n)
		}
	}
}

// WithResultStore stores successful outcomes on completion and answers
// lookups for keys that completed recently.
func WithResultStore(s ResultStore) Option {
	return func(r *Registry) { r.store = s }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithTTL sets how old a record may get before ExpireStale completes it.
func WithTTL(d time.Duration) Option {
	return func(r *Registry) { r.ttl = d }
}

// WithRetryAfter sets the minimum interval between two attaches of the same
// session to the same record. Zero disables the check.
func WithRetryAfter(d time.Duration) Option {
	return func(r *Registry) { r.retryAfter = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		shards: make([]*shard, 16),
		now:    time.Now,
		ttl:    30 * time.Minute,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.shards {
		r.shards[i] = &shard{records: make(map[string]*Record)}
	}
	r.logger = r.logger.With("component", "inflight")
	return r
}

func (r *Registry) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// LookupOrCreate resolves req to a record. The caller is attached as a
// subscriber in the same critical section that finds or creates the record,
// so a completion can never slip between the two.
func (r *Registry) LookupOrCreate(req Request) (*Record, Role, error) {
	if r.closed.Load() {
		return nil, RoleOwner, ErrShutdown
	}
	sh := r.shardFor(req.Key)
	subID := SubscriberID(req.SessionID, req.RequestID)
	now := r.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.records[req.Key]; ok {
		if _, dup := rec.subscribers[subID]; dup {
			return nil, RoleSubscriber, ErrDuplicateSubscriber
		}
		if r.retryAfter > 0 {
			if last, seen := rec.lastAttach[req.SessionID]; seen {
				if elapsed := now.Sub(last); elapsed < r.retryAfter {
					return nil, RoleSubscriber, &RetryAfterError{Wait: r.retryAfter - elapsed}
				}
			}
		}
		rec.subscribers[subID] = subscriber{sessionID: req.SessionID, requestID: req.RequestID, progress: req.Progress}
		rec.lastAttach[req.SessionID] = now
		r.coalesced.Add(1)
		return rec, RoleSubscriber, nil
	}

	if r.store != nil {
		if e, ok := r.store.Get(req.Key); ok {
			rec := &Record{
				key:       req.Key,
				tool:      req.Tool,
				provider:  req.Provider,
				createdAt: e.CreatedAt,
				done:      make(chan struct{}),
				completed: true,
				outcome:   Outcome{Result: e.Value},
			}
			close(rec.done)
			return rec, RoleCached, nil
		}
	}

	rec := &Record{
		key:          req.Key,
		tool:         req.Tool,
		provider:     req.Provider,
		ownerSession: req.SessionID,
		ownerRequest: req.RequestID,
		createdAt:    now,
		deadline:     req.Deadline,
		shard:        sh,
		done:         make(chan struct{}),
		subscribers: map[string]subscriber{
			subID: {sessionID: req.SessionID, requestID: req.RequestID, progress: req.Progress},
		},
		lastAttach: map[string]time.Time{req.SessionID: now},
	}
	sh.records[req.Key] = rec
	r.count.Add(1)
	r.created.Add(1)
	return rec, RoleOwner, nil
}

// Unsubscribe detaches one subscriber and returns how many remain. When the
// last subscriber of an incomplete record leaves, the record is removed from
// the map, so the next identical call starts afresh, and its cancel func is
// called. The execution may still finish; its result then only reaches the
// result store.
func (r *Registry) Unsubscribe(rec *Record, subscriberID string) int {
	if rec == nil || rec.shard == nil {
		return 0
	}
	sh := rec.shard

	sh.mu.Lock()
	if _, ok := rec.subscribers[subscriberID]; !ok {
		n := len(rec.subscribers)
		sh.mu.Unlock()
		return n
	}
	delete(rec.subscribers, subscriberID)
	remaining := len(rec.subscribers)

	var cancel context.CancelFunc
	if remaining == 0 && !rec.completed && !rec.detached {
		rec.detached = true
		r.removeLocked(sh, rec)
		cancel = rec.cancel
	}
	sh.mu.Unlock()

	if cancel != nil {
		r.logger.Info("last subscriber left, cancelling execution",
			"call_key", shortKey(rec.key),
			"tool", rec.tool,
		)
		cancel()
	}
	return remaining
}

// Complete records the outcome, stores a successful result, removes the
// record and wakes every subscriber. Only the first call has any effect; it
// reports whether this call was that one.
func (r *Registry) Complete(rec *Record, out Outcome) bool {
	sh := rec.shard
	if sh == nil {
		return false
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec.completed {
		return false
	}
	rec.completed = true
	rec.outcome = out
	if out.Err == nil && r.store != nil {
		r.store.Put(rec.key, out.Result)
	}
	r.removeLocked(sh, rec)
	close(rec.done)
	return true
}

// removeLocked deletes rec from the map if it is still the live record for
// its key. Must be called with sh.mu held.
func (r *Registry) removeLocked(sh *shard, rec *Record) {
	if cur, ok := sh.records[rec.key]; ok && cur == rec {
		delete(sh.records, rec.key)
		r.count.Add(-1)
	}
}

// ExpireStale completes every record older than the TTL with ErrExpired and
// returns how many it expired.
func (r *Registry) ExpireStale() int {
	now := r.now()
	var stale []*Record
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, rec := range sh.records {
			if now.Sub(rec.createdAt) > r.ttl {
				stale = append(stale, rec)
			}
		}
		sh.mu.Unlock()
	}

	n := 0
	for _, rec := range stale {
		if r.Complete(rec, Outcome{Err: ErrExpired}) {
			n++
			r.expired.Add(1)
			r.logger.Warn("expired stale inflight record",
				"call_key", shortKey(rec.key),
				"tool", rec.tool,
				"owner_session", rec.ownerSession,
				"age", now.Sub(rec.createdAt).String(),
			)
			rec.shard.mu.Lock()
			cancel := rec.cancel
			rec.shard.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		}
	}
	return n
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Stats is a snapshot of registry counters.
type Stats struct {
	Inflight  int   `json:"inflight"`
	Created   int64 `json:"created"`
	Coalesced int64 `json:"coalesced"`
	Expired   int64 `json:"expired"`
}

// Stats reads the registry counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Inflight:  r.Len(),
		Created:   r.created.Load(),
		Coalesced: r.coalesced.Load(),
		Expired:   r.expired.Load(),
	}
}

// Shutdown completes every live record with ErrShutdown and rejects further
// lookups.
func (r *Registry) Shutdown() {
	r.closed.Store(true)
	var open []*Record
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, rec := range sh.records {
			open = append(open, rec)
		}
		sh.mu.Unlock()
	}
	for _, rec := range open {
		if r.Complete(rec, Outcome{Err: ErrShutdown}) {
			rec.shard.mu.Lock()
			cancel := rec.cancel
			rec.shard.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		}
	}
}

func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12]
	}
	return k
}
