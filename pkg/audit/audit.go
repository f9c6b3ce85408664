// Package audit records one event per answered tool call to external sinks
// (a Redis stream, a Postgres table, the log).
//
// Recording never blocks the caller: events go into a bounded buffer that a
// single goroutine drains, and are dropped when the buffer is full or a sink
// fails. Audit is a side channel; nothing in the response path depends on it.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event describes one answered request.
type Event struct {
	RequestID       string    `json:"request_id"`
	SessionID       string    `json:"session_id"`
	Tool            string    `json:"tool"`
	Provider        string    `json:"provider,omitempty"`
	CallKey         string    `json:"call_key,omitempty"`
	Path            string    `json:"path,omitempty"` // executed, coalesced, cache_hit
	ArgumentsDigest string    `json:"arguments_digest,omitempty"`
	ResultDigest    string    `json:"result_digest,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	DurationMS      int64     `json:"duration_ms"`
}

// Sink persists events.
type Sink interface {
	Name() string
	Write(ctx context.Context, e Event) error
}

// Recorder fans events out to sinks from a background goroutine.
type Recorder struct {
	events       chan Event
	sinks        []Sink
	writeTimeout time.Duration
	logger       *slog.Logger

	recorded atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64

	// mu guards closing events against concurrent Record calls.
	mu      sync.RWMutex
	stopped bool

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewRecorder creates a recorder with room for bufferSize pending events.
func NewRecorder(logger *slog.Logger, bufferSize int, sinks ...Sink) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Recorder{
		events:       make(chan Event, bufferSize),
		sinks:        sinks,
		writeTimeout: 5 * time.Second,
		logger:       logger.With("component", "audit"),
		done:         make(chan struct{}),
	}
}

// Record queues an event, dropping it if the buffer is full.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		r.dropped.Add(1)
		return
	}
	select {
	case r.events <- e:
		r.recorded.Add(1)
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.logger.Warn("audit buffer full, dropping events", "dropped_total", r.dropped.Load())
		}
	}
}

// Start launches the writer goroutine. It stops when Stop is called, after
// draining whatever is already queued.
func (r *Recorder) Start() {
	r.startOnce.Do(func() { go r.run() })
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.events {
		r.write(e)
	}
}

func (r *Recorder) write(e Event) {
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		err := s.Write(ctx, e)
		cancel()
		if err != nil {
			r.failed.Add(1)
			r.logger.Warn("audit sink write failed",
				"sink", s.Name(),
				"request_id", e.RequestID,
				"error", err,
			)
		}
	}
}

// Stop closes the queue and waits for the writer to drain it, up to ctx.
// Events recorded after Stop are counted as dropped.
func (r *Recorder) Stop(ctx context.Context) {
	r.stopOnce.Do(func() {
		r.Start()
		r.mu.Lock()
		r.stopped = true
		close(r.events)
		r.mu.Unlock()
	})
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("audit drain interrupted", "pending", len(r.events))
	}
}

// Stats is a snapshot of recorder counters.
type Stats struct {
	Recorded int64 `json:"recorded"`
	Dropped  int64 `json:"dropped"`
	Failed   int64 `json:"failed"`
	Pending  int   `json:"pending"`
}

// Stats reads the recorder counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Recorded: r.recorded.Load(),
		Dropped:  r.dropped.Load(),
		Failed:   r.failed.Load(),
		Pending:  len(r.events),
	}
}

// LogSink writes events to a logger at debug level.
type LogSink struct {
	Logger *slog.Logger
}

// Name implements Sink.
func (LogSink) Name() string { return "log" }

// Write implements Sink.
func (s LogSink) Write(ctx context.Context, e Event) error {
	s.Logger.DebugContext(ctx, "tool call audited",
		"request_id", e.RequestID,
		"session_id", e.SessionID,
		"tool", e.Tool,
		"path", e.Path,
		"error_kind", e.ErrorKind,
		"duration_ms", e.DurationMS,
	)
	return nil
}
