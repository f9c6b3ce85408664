// Package dispatch runs tool calls for the daemon: it deduplicates identical
// calls, bounds concurrency, enforces deadlines and makes sure every caller
// gets exactly one answer.
//
// A request moves through these states:
//
//	RECEIVED → DEDUP_CHECK → CACHE_HIT | COALESCED | EXECUTING
//	         → COMPLETED | TIMED_OUT | CANCELLED | ERRORED
//
// The first caller for a call key becomes its owner and starts a supervised
// execution goroutine that is detached from any single request. The owner
// then waits like every other subscriber, so an owner that cancels does not
// take the execution down with it while others still wait.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/audit"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/callkey"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/catalog"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/inflight"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/limiter"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/protocol"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/resultcache"
)

var tracer = otel.Tracer("exai/dispatch")

// ProgressFunc receives intermediate progress from an execution. It must
// not block.
type ProgressFunc func(message string)

// Call is what the executor runs.
type Call struct {
	Key       string
	Tool      string
	Provider  string
	Class     string
	Arguments map[string]any

	// Deadline is the dispatcher's execution deadline. ProviderDeadline is
	// earlier by the configured margin and is what upstream requests use, so
	// a provider timeout always surfaces before the dispatcher's own.
	Deadline         time.Time
	ProviderDeadline time.Time

	SessionID string
	RequestID string
}

// ToolExecutor performs a call. It should honour ctx cancellation and the
// deadlines in Call; the dispatcher stops waiting at Deadline either way.
type ToolExecutor interface {
	Execute(ctx context.Context, call Call, progress ProgressFunc) (json.RawMessage, error)
}

// Auditor receives one event per answered request. Record must not block.
type Auditor interface {
	Record(e audit.Event)
}

// Request is one decoded call_tool from a session.
type Request struct {
	SessionID string
	RequestID string
	Tool      string
	Arguments map[string]any

	// Progress, if set, receives progress messages for this request.
	Progress ProgressFunc
}

// Reply is a successful answer.
type Reply struct {
	Result json.RawMessage
	Path   protocol.Outcome
	Key    callkey.Key
}

// Config tunes the dispatcher.
type Config struct {
	// ProviderTimeoutMargin is subtracted from a tool's class timeout to
	// get the provider deadline.
	ProviderTimeoutMargin time.Duration

	// ConcurrencyRetryHint is sent with concurrency_timeout errors.
	ConcurrencyRetryHint time.Duration
}

// Deps are the collaborators a Dispatcher drives.
type Deps struct {
	Catalog  *catalog.Catalog
	Keys     *callkey.Deriver
	Cache    *resultcache.Cache
	Inflight *inflight.Registry
	Limiter  *limiter.Pool
	Executor ToolExecutor
	Audit    Auditor // optional
	Logger   *slog.Logger
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	cfg      Config
	catalog  *catalog.Catalog
	keys     *callkey.Deriver
	cache    *resultcache.Cache
	inflight *inflight.Registry
	limiter  *limiter.Pool
	executor ToolExecutor
	audit    Auditor
	logger   *slog.Logger

	// beforeInvoke runs in the execution goroutine after permits are
	// acquired and before the executor is called. Tests use it to inject
	// failures into the supervised path.
	beforeInvoke func()
}

// New creates a Dispatcher.
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.ConcurrencyRetryHint <= 0 {
		cfg.ConcurrencyRetryHint = time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		catalog:  deps.Catalog,
		keys:     deps.Keys,
		cache:    deps.Cache,
		inflight: deps.Inflight,
		limiter:  deps.Limiter,
		executor: deps.Executor,
		audit:    deps.Audit,
		logger:   logger.With("component", "dispatch"),
	}
}

// Dispatch answers one request. It blocks until the call's outcome is known
// or ctx is done. Any error returned is a *Error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (reply *Reply, err error) {
	start := time.Now()

	// RECEIVED
	if req.RequestID == "" {
		return nil, ValidationError("request_id is required")
	}
	if req.Tool == "" {
		return nil, ValidationError("tool name is required")
	}
	tool, ok := d.catalog.Lookup(req.Tool)
	if !ok {
		return nil, ValidationError("unknown tool %q", req.Tool)
	}
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}

	// DEDUP_CHECK
	key := d.keys.Derive(tool.Name, req.Arguments)

	ctx, span := tracer.Start(ctx, "dispatch.call",
		trace.WithAttributes(
			attribute.String("exai.tool", tool.Name),
			attribute.String("exai.provider", tool.Provider),
			attribute.String("exai.call_key", key.Short()),
			attribute.String("exai.session_id", req.SessionID),
			attribute.String("exai.request_id", req.RequestID),
		),
	)
	var path protocol.Outcome
	defer func() {
		d.finish(span, req, tool, key, path, start, reply, err)
	}()

	if e, hit := d.cache.Get(string(key)); hit {
		path = protocol.OutcomeCacheHit
		return &Reply{Result: e.Value, Path: path, Key: key}, nil
	}

	rec, role, lerr := d.inflight.LookupOrCreate(inflight.Request{
		Key:       string(key),
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		Tool:      tool.Name,
		Provider:  tool.Provider,
		Progress:  req.Progress,
	})
	if lerr != nil {
		return nil, d.lookupError(lerr)
	}

	switch role {
	case inflight.RoleCached:
		path = protocol.OutcomeCacheHit
		return &Reply{Result: rec.Outcome().Result, Path: path, Key: key}, nil
	case inflight.RoleSubscriber:
		path = protocol.OutcomeCoalesced
		d.logger.Debug("request coalesced",
			"session_id", req.SessionID,
			"request_id", req.RequestID,
			"call_key", key.Short(),
			"owner_session", rec.OwnerSession(),
		)
	case inflight.RoleOwner:
		path = protocol.OutcomeExecuted
		d.launch(ctx, rec, tool, req)
	}

	out, werr := rec.Wait(ctx)
	if werr != nil {
		// CANCELLED: only this subscriber leaves. The registry cancels the
		// execution if nobody else is waiting.
		remaining := d.inflight.Unsubscribe(rec, inflight.SubscriberID(req.SessionID, req.RequestID))
		d.logger.Info("request cancelled",
			"session_id", req.SessionID,
			"request_id", req.RequestID,
			"call_key", key.Short(),
			"remaining_subscribers", remaining,
		)
		return nil, Cancelled(werr)
	}
	if out.Err != nil {
		return nil, d.outcomeError(out.Err, tool)
	}
	return &Reply{Result: out.Result, Path: path, Key: key}, nil
}

func (d *Dispatcher) lookupError(err error) *Error {
	var ra *inflight.RetryAfterError
	switch {
	case errors.As(err, &ra):
		return RetryAfter(ra.Wait)
	case errors.Is(err, inflight.ErrDuplicateSubscriber):
		return ValidationError("request id already in flight")
	case errors.Is(err, inflight.ErrShutdown):
		return Internal("daemon shutting down", err)
	}
	return Internal("inflight lookup failed", err)
}

func (d *Dispatcher) outcomeError(err error, tool *catalog.Tool) *Error {
	var de *Error
	switch {
	case errors.As(err, &de):
		return de
	case errors.Is(err, inflight.ErrExpired):
		e := ExecutionTimeout(tool.Name, tool.Provider, d.catalog.Timeout(tool.Class))
		e.Message = "execution never reported completion; outcome unknown"
		e.Err = err
		return e
	case errors.Is(err, inflight.ErrShutdown):
		return Internal("daemon shutting down", err)
	}
	return Internal("execution failed without a classified error", err)
}

// launch starts the supervised execution for an owner. The execution gets
// its own context so it outlives the owner's request; the registry cancels
// it when the last subscriber leaves.
func (d *Dispatcher) launch(ctx context.Context, rec *inflight.Record, tool *catalog.Tool, req Request) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rec.SetCancel(cancel)
	go d.execute(runCtx, cancel, rec, tool, req.SessionID, req.RequestID, req.Arguments)
}

type execResult struct {
	result json.RawMessage
	err    error
}

// execute runs one call to completion. Whatever happens, including a panic
// anywhere below, the deferred block releases the permits and completes the
// record, so no subscriber is left waiting.
func (d *Dispatcher) execute(ctx context.Context, cancel context.CancelFunc, rec *inflight.Record,
	tool *catalog.Tool, sessionID, requestID string, args map[string]any) {

	var (
		handle *limiter.Handle
		out    inflight.Outcome
	)
	started := time.Now()
	logger := d.logger.With(
		"call_key", callkey.Key(rec.Key()).Short(),
		"tool", tool.Name,
		"provider", tool.Provider,
		"owner_session", sessionID,
	)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("execution supervisor panicked",
				"panic", fmt.Sprint(p),
				"stack", string(debug.Stack()),
			)
			out = inflight.Outcome{Err: Internal("execution supervisor failed", fmt.Errorf("panic: %v", p))}
		}
		handle.Release()
		cancel()
		d.inflight.Complete(rec, out)
		executionsTotal.WithLabelValues(tool.Name, outcomeLabel(out.Err)).Inc()
		logger.Info("execution finished",
			"outcome", outcomeLabel(out.Err),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}()

	// EXECUTING: permits first, in the limiter's fixed order.
	var err error
	handle, err = d.limiter.AcquireAll(ctx, sessionID, tool.Provider)
	if err != nil {
		var ae *limiter.AcquireError
		if errors.As(err, &ae) && ae.Cancelled() {
			out.Err = Cancelled(err)
			return
		}
		gate := limiter.GateGlobal
		if ae != nil {
			gate = ae.Gate
		}
		logger.Warn("no execution slot", "gate", gate, "error", err)
		out.Err = ConcurrencyTimeout(gate, tool.Name, tool.Provider, d.cfg.ConcurrencyRetryHint, err)
		return
	}

	if d.beforeInvoke != nil {
		d.beforeInvoke()
	}

	timeout := d.catalog.Timeout(tool.Class)
	deadline := time.Now().Add(timeout)
	execCtx, execCancel := context.WithDeadline(ctx, deadline)
	defer execCancel()

	call := Call{
		Key:              rec.Key(),
		Tool:             tool.Name,
		Provider:         tool.Provider,
		Class:            tool.Class,
		Arguments:        args,
		Deadline:         deadline,
		ProviderDeadline: deadline.Add(-d.cfg.ProviderTimeoutMargin),
		SessionID:        sessionID,
		RequestID:        requestID,
	}

	resCh := make(chan execResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("tool executor panicked",
					"panic", fmt.Sprint(p),
					"stack", string(debug.Stack()),
				)
				resCh <- execResult{err: Internal("tool executor panicked", fmt.Errorf("panic: %v", p))}
			}
		}()
		res, err := d.executor.Execute(execCtx, call, rec.Progress)
		resCh <- execResult{result: res, err: err}
	}()

	select {
	case r := <-resCh:
		switch {
		case r.err == nil:
			out.Result = r.result
		case ctx.Err() != nil:
			out.Err = Cancelled(r.err)
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			out.Err = ExecutionTimeout(tool.Name, tool.Provider, timeout)
		default:
			out.Err = classifyExecError(tool, r.err)
		}

	case <-execCtx.Done():
		// Stop waiting whether or not the executor honours cancellation.
		// A late success still reaches the cache.
		execCancel()
		if ctx.Err() != nil {
			logger.Info("execution cancelled, no subscribers left")
			out.Err = Cancelled(ctx.Err())
		} else {
			logger.Warn("execution deadline exceeded", "timeout", timeout.String())
			out.Err = ExecutionTimeout(tool.Name, tool.Provider, timeout)
		}
		go d.drainLate(rec.Key(), resCh, timeout, logger)
	}
}

// drainLate waits a bounded time for an abandoned executor and caches a
// successful result it eventually produces.
func (d *Dispatcher) drainLate(key string, resCh <-chan execResult, wait time.Duration, logger *slog.Logger) {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case r := <-resCh:
		if r.err == nil && r.result != nil {
			d.cache.Put(key, r.result)
			logger.Info("late result cached after abandonment")
		}
	case <-t.C:
		logger.Warn("executor still running after abandonment")
	}
}

func classifyExecError(tool *catalog.Tool, err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		if de.Tool == "" {
			de.Tool = tool.Name
		}
		if de.Provider == "" {
			de.Provider = tool.Provider
		}
		return de
	}
	return ExecutionFailed(tool.Name, tool.Provider, err)
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(AsError(err).Kind)
}

// finish records metrics, the span outcome and the audit event for one
// answered request.
func (d *Dispatcher) finish(span trace.Span, req Request, tool *catalog.Tool, key callkey.Key,
	path protocol.Outcome, start time.Time, reply *Reply, err error) {

	end := time.Now()
	pathLabel := string(path)
	if pathLabel == "" {
		pathLabel = "none"
	}
	outcome := outcomeLabel(err)
	dispatchTotal.WithLabelValues(pathLabel, outcome).Inc()
	dispatchDuration.WithLabelValues(pathLabel).Observe(end.Sub(start).Seconds())

	span.SetAttributes(
		attribute.String("exai.path", pathLabel),
		attribute.String("exai.outcome", outcome),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.End()

	if d.audit == nil {
		return
	}
	ev := audit.Event{
		RequestID:       req.RequestID,
		SessionID:       req.SessionID,
		Tool:            tool.Name,
		Provider:        tool.Provider,
		CallKey:         string(key),
		Path:            string(path),
		ArgumentsDigest: d.keys.Digest(req.Arguments),
		StartedAt:       start,
		FinishedAt:      end,
		DurationMS:      end.Sub(start).Milliseconds(),
	}
	if err != nil {
		de := AsError(err)
		ev.ErrorKind = string(de.Kind)
		ev.Error = de.Error()
	} else if reply != nil {
		ev.ResultDigest = digestRaw(reply.Result)
	}
	d.audit.Record(ev)
}

func digestRaw(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
