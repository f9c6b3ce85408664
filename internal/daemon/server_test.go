package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/internal/dispatch"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/auth"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/catalog"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/protocol"
)

const testCatalog = `
version: test
strip_suffixes: ["_exai"]
ignored_fields: ["nonce"]
defaults: {provider: kimi, class: fast}
timeout_classes: {fast: 5s}
providers:
  kimi: {base_url: "http://kimi.invalid"}
  glm: {base_url: "http://glm.invalid"}
tools:
  - {name: chat, aliases: [ask], provider: glm}
  - {name: debug}
`

// gatedExecutor blocks every call until release is closed or its context
// ends.
type gatedExecutor struct {
	calls   atomic.Int64
	started chan string
	release chan struct{}
	ctxErrs chan error
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{
		started: make(chan string, 64),
		release: make(chan struct{}),
		ctxErrs: make(chan error, 64),
	}
}

func (g *gatedExecutor) open() *gatedExecutor {
	close(g.release)
	return g
}

func (g *gatedExecutor) Execute(ctx context.Context, call dispatch.Call, progress dispatch.ProgressFunc) (json.RawMessage, error) {
	g.calls.Add(1)
	g.started <- call.RequestID
	progress("working on " + call.Tool)
	select {
	case <-g.release:
		return json.RawMessage(`{"answer":42}`), nil
	case <-ctx.Done():
		g.ctxErrs <- ctx.Err()
		return nil, ctx.Err()
	}
}

type testEnv struct {
	srv  *Server
	http *httptest.Server
	mr   *miniredis.Miniredis
	cfg  *Config
}

func newTestEnv(t *testing.T, exec dispatch.ToolExecutor, mutate func(*Config)) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	cfg.RedisURL = "redis://" + mr.Addr()
	cfg.HealthFile = filepath.Join(t.TempDir(), "health.json")
	cfg.HealthInterval = 50 * time.Millisecond
	cfg.SweepInterval = time.Hour
	cfg.ProviderTimeoutMargin = 100 * time.Millisecond
	cfg.HelloTimeout = 2 * time.Second
	cfg.PingInterval = 0
	cfg.ProviderLimits = nil
	if mutate != nil {
		mutate(cfg)
	}

	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)

	srv, err := NewServer(cfg, Options{Catalog: cat, Version: "test", Executor: exec}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv.RunBackground(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown()
		ts.Close()
	})
	return &testEnv{srv: srv, http: ts, mr: mr, cfg: cfg}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials and completes the handshake.
func (e *testEnv) connect(t *testing.T, name string) (*websocket.Conn, string) {
	t.Helper()
	conn := e.dial(t)
	send(t, conn, protocol.HelloMessage{Type: protocol.TypeHello, ClientName: name})
	ack, ok := readMsg(t, conn).(protocol.HelloAckMessage)
	require.True(t, ok, "expected hello_ack")
	require.True(t, ack.OK, "handshake rejected: %+v", ack.Error)
	return conn, ack.SessionID
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func call(t *testing.T, conn *websocket.Conn, requestID, tool string, args map[string]any) {
	t.Helper()
	send(t, conn, protocol.CallToolMessage{Type: protocol.TypeCallTool, RequestID: requestID, Name: tool, Arguments: args})
}

func readMsg(t *testing.T, conn *websocket.Conn) any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.ParseMessage(data)
	require.NoError(t, err)
	return msg
}

// readResult skips progress frames until the final frame for a request.
func readResult(t *testing.T, conn *websocket.Conn) protocol.CallToolResultMessage {
	t.Helper()
	for {
		switch m := readMsg(t, conn).(type) {
		case protocol.ProgressMessage:
			continue
		case protocol.CallToolResultMessage:
			return m
		default:
			t.Fatalf("unexpected frame %T: %+v", m, m)
		}
	}
}

// readClose reads until the server closes the connection and returns the
// close code.
func readClose(t *testing.T, conn *websocket.Conn) (int, string) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		ce, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close frame, got %v", err)
		return ce.Code, ce.Text
	}
}

func TestServer_HandshakeCallAndHealth(t *testing.T) {
	exec := newGatedExecutor().open()
	env := newTestEnv(t, exec, nil)

	conn, sessionID := env.connect(t, "claude")
	assert.NotEmpty(t, sessionID)

	call(t, conn, "r1", "chat_exai", map[string]any{"prompt": "hi"})
	res := readResult(t, conn)
	assert.Equal(t, "r1", res.RequestID)
	assert.True(t, res.OK)
	assert.Equal(t, protocol.OutcomeExecuted, res.Outcome)
	assert.JSONEq(t, `{"answer":42}`, string(res.Result))

	// Same call again is served from the cache.
	call(t, conn, "r2", "ask", map[string]any{"prompt": "hi", "nonce": 7})
	res = readResult(t, conn)
	assert.Equal(t, protocol.OutcomeCacheHit, res.Outcome)
	assert.EqualValues(t, 1, exec.calls.Load())

	resp, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var snap map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.EqualValues(t, 1, snap["session_count"])
	assert.Contains(t, snap, "provider_available_by_key")

	metrics, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	body, _ := io.ReadAll(metrics.Body)
	assert.Contains(t, string(body), "exai_dispatch_total")

	// The reporter writes to Redis in the background.
	require.Eventually(t, func() bool { return env.mr.Exists("exai:health") }, 2*time.Second, 20*time.Millisecond)
}

func TestServer_UnknownToolIsValidationError(t *testing.T) {
	env := newTestEnv(t, newGatedExecutor().open(), nil)
	conn, _ := env.connect(t, "c")

	call(t, conn, "r1", "nope", nil)
	res := readResult(t, conn)
	assert.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, protocol.KindValidation, res.Error.Kind)
	assert.Equal(t, protocol.RetryNever, res.Error.Retry)
}

func TestServer_AuthToken(t *testing.T) {
	tok, err := auth.GenerateToken()
	require.NoError(t, err)
	env := newTestEnv(t, newGatedExecutor().open(), func(c *Config) { c.AuthTokenHash = tok.Hash })

	bad := env.dial(t)
	send(t, bad, protocol.HelloMessage{Type: protocol.TypeHello, Token: "exai_wrong"})
	ack := readMsg(t, bad).(protocol.HelloAckMessage)
	assert.False(t, ack.OK)
	require.NotNil(t, ack.Error)
	assert.Equal(t, protocol.KindAuth, ack.Error.Kind)
	code, _ := readClose(t, bad)
	assert.Equal(t, websocket.ClosePolicyViolation, code)

	good := env.dial(t)
	send(t, good, protocol.HelloMessage{Type: protocol.TypeHello, Token: tok.Token})
	ack = readMsg(t, good).(protocol.HelloAckMessage)
	assert.True(t, ack.OK)
	assert.Equal(t, 1, env.srv.sessions.Len())
}

func TestServer_HelloTimeout(t *testing.T) {
	env := newTestEnv(t, newGatedExecutor().open(), func(c *Config) { c.HelloTimeout = 100 * time.Millisecond })

	conn := env.dial(t)
	ack := readMsg(t, conn).(protocol.HelloAckMessage)
	assert.False(t, ack.OK)
	assert.Equal(t, "hello timeout", ack.Error.Message)
	assert.Equal(t, 0, env.srv.sessions.Len())
}

func TestServer_FirstFrameMustBeHello(t *testing.T) {
	env := newTestEnv(t, newGatedExecutor().open(), nil)

	conn := env.dial(t)
	call(t, conn, "r1", "chat", nil)
	ack := readMsg(t, conn).(protocol.HelloAckMessage)
	assert.False(t, ack.OK)
	assert.Equal(t, protocol.KindAuth, ack.Error.Kind)
}

func TestServer_CoalescesAcrossConnections(t *testing.T) {
	exec := newGatedExecutor()
	env := newTestEnv(t, exec, nil)

	a, _ := env.connect(t, "a")
	b, _ := env.connect(t, "b")

	call(t, a, "a-1", "chat", map[string]any{"prompt": "same", "files": []any{"x"}})
	<-exec.started
	call(t, b, "b-9", "CHAT_exai", map[string]any{"files": []any{"x"}, "prompt": "same"})
	require.Eventually(t, func() bool { return env.srv.inflight.Stats().Coalesced == 1 }, 2*time.Second, 5*time.Millisecond)

	close(exec.release)
	ra, rb := readResult(t, a), readResult(t, b)
	assert.Equal(t, "a-1", ra.RequestID)
	assert.Equal(t, "b-9", rb.RequestID)
	assert.Equal(t, protocol.OutcomeExecuted, ra.Outcome)
	assert.Equal(t, protocol.OutcomeCoalesced, rb.Outcome)
	assert.Equal(t, string(ra.Result), string(rb.Result))
	assert.EqualValues(t, 1, exec.calls.Load())
}

func TestServer_FrameTooLargeKeepsConnection(t *testing.T) {
	env := newTestEnv(t, newGatedExecutor().open(), func(c *Config) { c.MaxFrameBytes = 1024 })
	conn, _ := env.connect(t, "c")

	call(t, conn, "big", "chat", map[string]any{"prompt": strings.Repeat("x", 8192)})
	em, ok := readMsg(t, conn).(protocol.ErrorMessage)
	require.True(t, ok, "expected error frame")
	assert.Equal(t, protocol.KindValidation, em.Error.Kind)
	assert.Contains(t, em.Error.Message, "frame_too_large")

	call(t, conn, "small", "chat", map[string]any{"prompt": "ok"})
	res := readResult(t, conn)
	assert.Equal(t, "small", res.RequestID)
	assert.True(t, res.OK)
}

func TestServer_MalformedFrameThreshold(t *testing.T) {
	env := newTestEnv(t, newGatedExecutor().open(), func(c *Config) { c.MaxMalformedFrames = 3 })
	conn, _ := env.connect(t, "c")

	for _, frame := range []string{`{not json`, `{"type":"call_tool"}`} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		em := readMsg(t, conn).(protocol.ErrorMessage)
		assert.Equal(t, protocol.KindValidation, em.Error.Kind)
	}

	// Still usable below the threshold.
	call(t, conn, "r1", "chat", map[string]any{"prompt": "ok"})
	assert.True(t, readResult(t, conn).OK)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	code, reason := readClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, code)
	assert.Equal(t, "too many malformed frames", reason)
}

func TestServer_DuplicateRequestID(t *testing.T) {
	exec := newGatedExecutor()
	env := newTestEnv(t, exec, nil)
	conn, _ := env.connect(t, "c")

	call(t, conn, "r1", "chat", map[string]any{"prompt": "one"})
	<-exec.started
	call(t, conn, "r1", "chat", map[string]any{"prompt": "two"})

	var em protocol.ErrorMessage
	for {
		m := readMsg(t, conn)
		if e, ok := m.(protocol.ErrorMessage); ok {
			em = e
			break
		}
	}
	assert.Equal(t, "r1", em.RequestID)
	assert.Equal(t, protocol.KindValidation, em.Error.Kind)

	close(exec.release)
	res := readResult(t, conn)
	assert.Equal(t, "r1", res.RequestID)
	assert.True(t, res.OK)
	assert.EqualValues(t, 1, exec.calls.Load())
}

func TestServer_CancelSoleRequest(t *testing.T) {
	exec := newGatedExecutor()
	env := newTestEnv(t, exec, nil)
	conn, _ := env.connect(t, "c")

	call(t, conn, "r1", "chat", map[string]any{"prompt": "long"})
	<-exec.started
	send(t, conn, protocol.CancelMessage{Type: protocol.TypeCancel, RequestID: "r1"})

	res := readResult(t, conn)
	assert.False(t, res.OK)
	assert.Equal(t, protocol.KindCancelled, res.Error.Kind)

	select {
	case err := <-exec.ctxErrs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("executor was not cancelled")
	}
}

func TestServer_DisconnectDetachesOnlyThatClient(t *testing.T) {
	exec := newGatedExecutor()
	env := newTestEnv(t, exec, nil)

	a, _ := env.connect(t, "a")
	b, _ := env.connect(t, "b")
	call(t, a, "a-1", "debug", map[string]any{"q": 1})
	<-exec.started
	call(t, b, "b-1", "debug", map[string]any{"q": 1})
	require.Eventually(t, func() bool { return env.srv.inflight.Stats().Coalesced == 1 }, 2*time.Second, 5*time.Millisecond)

	// The owner's client goes away; the execution keeps running for b.
	require.NoError(t, a.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool { return env.srv.sessions.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	select {
	case err := <-exec.ctxErrs:
		t.Fatalf("execution cancelled while a subscriber remained: %v", err)
	default:
	}

	close(exec.release)
	res := readResult(t, b)
	assert.True(t, res.OK)
	assert.Equal(t, protocol.OutcomeCoalesced, res.Outcome)

	require.Eventually(t, func() bool {
		stats := env.srv.limiter.Stats()
		return stats.Acquired == stats.Released
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServer_IdleSessionClosed(t *testing.T) {
	env := newTestEnv(t, newGatedExecutor().open(), func(c *Config) {
		c.IdleTimeout = 100 * time.Millisecond
		c.SweepInterval = 25 * time.Millisecond
	})
	conn, _ := env.connect(t, "sleepy")

	code, reason := readClose(t, conn)
	assert.Equal(t, websocket.CloseGoingAway, code)
	assert.Equal(t, "idle timeout", reason)
	require.Eventually(t, func() bool { return env.srv.sessions.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServer_ShutdownResolvesEverything(t *testing.T) {
	exec := newGatedExecutor()
	env := newTestEnv(t, exec, nil)
	conn, _ := env.connect(t, "c")

	call(t, conn, "r1", "chat", map[string]any{"prompt": "stuck"})
	<-exec.started

	require.NoError(t, env.srv.Shutdown())
	code, _ := readClose(t, conn)
	assert.Equal(t, websocket.CloseGoingAway, code)
	assert.Equal(t, 0, env.srv.sessions.Len())
	assert.Equal(t, 0, env.srv.inflight.Len())
}
