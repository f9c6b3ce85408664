package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/internal/dispatch"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/auth"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/protocol"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/session"
	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/telemetry"
)

// outboundQueueSize bounds frames waiting for the writer goroutine. Progress
// frames are dropped when it is full; results wait for room.
const outboundQueueSize = 256

// closeGrace is how long a closing connection waits for the client to
// acknowledge the close frame before the socket is torn down.
const closeGrace = time.Second

// Dispatcher answers decoded call_tool requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Reply, error)
}

// connState is the lifecycle of one client connection.
type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateReady
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateReady:
		return "ready"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type outbound struct {
	data      []byte
	droppable bool
}

// clientConn tracks a single connected MCP client.
type clientConn struct {
	h         *WSHandler
	conn      *websocket.Conn
	remote    string
	sessionID string
	logger    *slog.Logger

	state atomic.Int32

	// ctx is cancelled when the connection starts closing; every request
	// context derives from it.
	ctx    context.Context
	cancel context.CancelFunc

	out         chan outbound
	done        chan struct{} // closed when closing begins
	writerDone  chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string

	requests  sync.WaitGroup
	malformed int // read loop only
}

func (c *clientConn) setState(s connState) {
	prev := connState(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.Debug("connection state", "from", prev.String(), "to", s.String())
	}
}

func (c *clientConn) closing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue hands a frame to the writer. Droppable frames never block; the
// others wait until there is room or the connection closes.
func (c *clientConn) enqueue(msg any, droppable bool) bool {
	data, err := protocol.MarshalMessage(msg)
	if err != nil {
		c.logger.Error("encoding outbound frame", "error", err)
		return false
	}
	o := outbound{data: data, droppable: droppable}
	if droppable {
		select {
		case c.out <- o:
			return true
		case <-c.done:
			return false
		default:
			c.h.metrics.progressDropped.Add(context.Background(), 1)
			return false
		}
	}
	select {
	case c.out <- o:
		return true
	case <-c.done:
		return false
	}
}

func (c *clientConn) sendError(requestID string, e *protocol.CallError) {
	c.enqueue(protocol.ErrorMessage{Type: protocol.TypeError, RequestID: requestID, Error: *e}, false)
}

// close begins CLOSING. It is safe to call from any goroutine, more than once.
func (c *clientConn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.setState(stateClosing)
		close(c.done)
		c.cancel()
		c.logger.Info("connection closing", "reason", reason)
	})
}

// writeLoop is the only goroutine that writes data frames after the
// handshake. It also sends pings and, on close, the close frame.
func (c *clientConn) writeLoop() {
	defer close(c.writerDone)

	var pingC <-chan time.Time
	if iv := c.h.cfg.PingInterval; iv > 0 {
		t := time.NewTicker(iv)
		defer t.Stop()
		pingC = t.C
	}

	for {
		select {
		case o := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.h.writeTimeout()))
			if err := c.conn.WriteMessage(websocket.TextMessage, o.data); err != nil {
				c.logger.Warn("write failed", "error", err)
				c.close(websocket.CloseAbnormalClosure, "write failed")
			}
		case <-pingC:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.h.writeTimeout())); err != nil {
				c.close(websocket.CloseAbnormalClosure, "ping failed")
			}
		case <-c.done:
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
			// Unblock the read loop if the client never answers.
			_ = c.conn.SetReadDeadline(time.Now().Add(closeGrace))
			return
		}
	}
}

// WSHandler handles WebSocket connections from MCP clients and the stdio
// shim.
//
// Each connection runs:
//  1. A read loop that decodes frames and starts one goroutine per call_tool
//  2. A writer goroutine that owns all data writes and sends pings
type WSHandler struct {
	cfg        *Config
	verifier   *auth.Verifier
	sessions   *session.Registry
	dispatcher Dispatcher
	version    string
	logger     *slog.Logger
	metrics    wsMetrics

	conns   map[string]*clientConn // session id → connection
	connsMu sync.Mutex
	active  sync.WaitGroup

	upgrader websocket.Upgrader
}

type wsMetrics struct {
	connections     metric.Int64Counter
	active          metric.Int64UpDownCounter
	rejectedFrames  metric.Int64Counter
	progressDropped metric.Int64Counter
}

func newWSMetrics() wsMetrics {
	meter := telemetry.Meter("exai/daemon")
	// Instrument constructors only fail on invalid names; the no-op meter
	// never fails.
	connections, _ := meter.Int64Counter("exai.ws.connections",
		metric.WithDescription("WebSocket connections accepted, by handshake result"))
	active, _ := meter.Int64UpDownCounter("exai.ws.active_connections",
		metric.WithDescription("Authenticated WebSocket connections currently open"))
	rejected, _ := meter.Int64Counter("exai.ws.rejected_frames",
		metric.WithDescription("Inbound frames rejected, by reason"))
	dropped, _ := meter.Int64Counter("exai.ws.progress_dropped",
		metric.WithDescription("Progress frames dropped because the outbound queue was full"))
	return wsMetrics{
		connections:     connections,
		active:          active,
		rejectedFrames:  rejected,
		progressDropped: dropped,
	}
}

// NewWSHandler creates the connection handler. A verifier without a hash
// accepts every client.
func NewWSHandler(cfg *Config, verifier *auth.Verifier, sessions *session.Registry,
	dispatcher Dispatcher, version string, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		cfg:        cfg,
		verifier:   verifier,
		sessions:   sessions,
		dispatcher: dispatcher,
		version:    version,
		logger:     logger,
		metrics:    newWSMetrics(),
		conns:      make(map[string]*clientConn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) writeTimeout() time.Duration {
	return 10 * time.Second
}

// readWindow is how long the read loop waits for any frame or pong.
func (h *WSHandler) readWindow() time.Duration {
	if h.cfg.PingInterval <= 0 {
		return 0
	}
	return 2 * h.cfg.PingInterval
}

// ServeHTTP upgrades the connection and runs it through
// CONNECTING → AUTHENTICATING → READY → CLOSING → CLOSED.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	h.active.Add(1)
	defer h.active.Done()
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := &clientConn{
		h:          h,
		conn:       conn,
		remote:     r.RemoteAddr,
		logger:     h.logger.With("remote_addr", r.RemoteAddr),
		ctx:        ctx,
		cancel:     cancel,
		out:        make(chan outbound, outboundQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	defer cancel()
	c.setState(stateConnecting)

	hello, ok := h.handshake(c)
	if !ok {
		h.metrics.connections.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", "rejected")))
		c.setState(stateClosed)
		return
	}

	sess := h.sessions.Register(c.remote, hello.ClientName)
	c.sessionID = sess.ID
	c.logger = c.logger.With("session_id", sess.ID)

	ack := protocol.HelloAckMessage{
		Type:          protocol.TypeHelloAck,
		OK:            true,
		SessionID:     sess.ID,
		ServerVersion: h.version,
	}
	if err := h.writeDirect(c, ack); err != nil {
		c.logger.Error("sending hello_ack", "error", err)
		h.sessions.Remove(sess.ID)
		c.setState(stateClosed)
		return
	}

	h.connsMu.Lock()
	h.conns[sess.ID] = c
	h.connsMu.Unlock()
	h.metrics.connections.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", "accepted")))
	h.metrics.active.Add(context.Background(), 1)

	c.setState(stateReady)
	c.logger.Info("client connected",
		"client_name", hello.ClientName,
		"client_version", hello.ClientVersion,
		"sessions", h.sessions.Len(),
	)

	go c.writeLoop()
	h.readLoop(c)

	// CLOSING: stop reading, detach every outstanding request, then drop the
	// session (which also releases its limiter gate).
	c.close(websocket.CloseNormalClosure, "connection closed")
	c.requests.Wait()
	leftover := h.sessions.Remove(sess.ID)
	<-c.writerDone

	h.connsMu.Lock()
	delete(h.conns, sess.ID)
	h.connsMu.Unlock()
	h.metrics.active.Add(context.Background(), -1)

	c.setState(stateClosed)
	c.logger.Info("client disconnected",
		"reason", c.closeReason,
		"cancelled_requests", len(leftover),
		"sessions", h.sessions.Len(),
	)
}

// handshake reads and checks the hello frame. On failure it tells the
// client why and returns false; the caller closes the socket.
func (h *WSHandler) handshake(c *clientConn) (protocol.HelloMessage, bool) {
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.HelloTimeout))
	data, tooBig, err := h.readFrame(c)
	if err != nil {
		reason := "reading hello"
		if isTimeout(err) {
			reason = "hello timeout"
		}
		c.logger.Warn("handshake failed", "reason", reason, "error", err)
		h.rejectHandshake(c, dispatch.AuthError(reason))
		return protocol.HelloMessage{}, false
	}
	if tooBig {
		h.rejectHandshake(c, dispatch.ValidationError("frame_too_large"))
		return protocol.HelloMessage{}, false
	}

	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.logger.Warn("parsing hello message", "error", err)
		h.rejectHandshake(c, dispatch.AuthError("malformed hello"))
		return protocol.HelloMessage{}, false
	}
	hello, ok := msg.(protocol.HelloMessage)
	if !ok {
		c.logger.Warn("first message must be hello", "got_type", fmt.Sprintf("%T", msg))
		h.rejectHandshake(c, dispatch.AuthError("first message must be hello"))
		return protocol.HelloMessage{}, false
	}

	c.setState(stateAuthenticating)
	if h.verifier.Configured() {
		valid, err := h.verifier.Verify(hello.Token)
		if err != nil || !valid {
			c.logger.Warn("invalid client token", "client_name", hello.ClientName, "error", err)
			h.rejectHandshake(c, dispatch.AuthError("invalid token"))
			return protocol.HelloMessage{}, false
		}
	}
	_ = c.conn.SetReadDeadline(time.Time{})
	return hello, true
}

func (h *WSHandler) rejectHandshake(c *clientConn, e *dispatch.Error) {
	ack := protocol.HelloAckMessage{
		Type:  protocol.TypeHelloAck,
		OK:    false,
		Error: e.Wire(),
	}
	_ = h.writeDirect(c, ack)
	code := websocket.ClosePolicyViolation
	if e.Kind == protocol.KindValidation {
		code = websocket.CloseMessageTooBig
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, e.Message), time.Now().Add(closeGrace))
}

// writeDirect writes before the writer goroutine exists.
func (h *WSHandler) writeDirect(c *clientConn, msg any) error {
	data, err := protocol.MarshalMessage(msg)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout()))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readFrame reads one message without buffering more than MaxFrameBytes.
// An oversized frame is drained to io.Discard and reported with tooBig.
func (h *WSHandler) readFrame(c *clientConn) (data []byte, tooBig bool, err error) {
	_, r, err := c.conn.NextReader()
	if err != nil {
		return nil, false, err
	}
	limit := h.cfg.MaxFrameBytes
	data, err = io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return nil, true, err
		}
		return nil, true, nil
	}
	return data, false, nil
}

// readLoop handles frames in READY until the connection closes.
func (h *WSHandler) readLoop(c *clientConn) {
	window := h.readWindow()
	if window > 0 {
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(window))
		})
	}

	for !c.closing() {
		if window > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(window))
		}
		data, tooBig, err := h.readFrame(c)
		if err != nil {
			h.closeOnReadError(c, err)
			return
		}
		if tooBig {
			h.metrics.rejectedFrames.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", "frame_too_large")))
			c.logger.Warn("frame too large", "limit_bytes", h.cfg.MaxFrameBytes)
			c.sendError("", &protocol.CallError{
				Kind:    protocol.KindValidation,
				Retry:   protocol.RetryNever,
				Message: fmt.Sprintf("frame_too_large: limit is %d bytes", h.cfg.MaxFrameBytes),
			})
			continue
		}
		h.sessions.Touch(c.sessionID)

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			c.malformed++
			h.metrics.rejectedFrames.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", "malformed")))
			c.logger.Warn("malformed frame", "error", err, "malformed_count", c.malformed)
			c.sendError("", &protocol.CallError{
				Kind:    protocol.KindValidation,
				Retry:   protocol.RetryNever,
				Message: fmt.Sprintf("malformed frame: %v", err),
			})
			if h.cfg.MaxMalformedFrames > 0 && c.malformed >= h.cfg.MaxMalformedFrames {
				c.close(websocket.ClosePolicyViolation, "too many malformed frames")
				return
			}
			continue
		}

		switch m := msg.(type) {
		case protocol.CallToolMessage:
			h.startCall(c, m)
		case protocol.CancelMessage:
			if !h.sessions.CancelRequest(c.sessionID, m.RequestID) {
				c.logger.Debug("cancel for unknown request", "request_id", m.RequestID)
			}
		case protocol.HelloMessage:
			c.sendError("", &protocol.CallError{
				Kind:    protocol.KindValidation,
				Retry:   protocol.RetryNever,
				Message: "session already authenticated",
			})
		default:
			c.sendError("", &protocol.CallError{
				Kind:    protocol.KindValidation,
				Retry:   protocol.RetryNever,
				Message: fmt.Sprintf("unexpected message type %T", msg),
			})
		}
	}
}

func (h *WSHandler) closeOnReadError(c *clientConn, err error) {
	switch {
	case c.closing():
		// Already closing; this is the socket winding down.
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.close(websocket.CloseNormalClosure, "client closed")
	case isTimeout(err):
		c.close(websocket.CloseGoingAway, "ping timeout")
	default:
		c.logger.Debug("read failed", "error", err)
		c.close(websocket.CloseAbnormalClosure, "read failed")
	}
}

// startCall registers the request against the session and dispatches it in
// its own goroutine. Duplicate request ids are rejected with an error frame
// so the original call still gets exactly one call_tool_res.
func (h *WSHandler) startCall(c *clientConn, m protocol.CallToolMessage) {
	ctx, cancel := context.WithCancel(c.ctx)
	if err := h.sessions.TrackRequest(c.sessionID, m.RequestID, cancel); err != nil {
		cancel()
		kind := protocol.KindValidation
		msg := "duplicate request_id"
		if errors.Is(err, session.ErrUnknownSession) {
			kind, msg = protocol.KindInternal, "session closed"
		}
		h.metrics.rejectedFrames.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", "duplicate_request")))
		c.sendError(m.RequestID, &protocol.CallError{Kind: kind, Retry: dispatch.RetryClassOf(kind), Message: msg})
		return
	}

	c.requests.Add(1)
	go func() {
		defer c.requests.Done()
		defer cancel()
		defer h.sessions.FinishRequest(c.sessionID, m.RequestID)

		reply, err := h.dispatcher.Dispatch(ctx, dispatch.Request{
			SessionID: c.sessionID,
			RequestID: m.RequestID,
			Tool:      m.Name,
			Arguments: m.Arguments,
			Progress: func(message string) {
				c.enqueue(protocol.ProgressMessage{
					Type:      protocol.TypeProgress,
					RequestID: m.RequestID,
					Message:   message,
				}, true)
			},
		})
		h.sessions.Touch(c.sessionID)

		res := protocol.CallToolResultMessage{Type: protocol.TypeCallToolRes, RequestID: m.RequestID}
		if err != nil {
			res.Error = dispatch.AsError(err).Wire()
		} else {
			res.OK = true
			res.Outcome = reply.Path
			res.Result = reply.Result
		}
		c.enqueue(res, false)
	}()
}

// CloseSession closes the connection that owns sessionID with the given
// WebSocket close code.
func (h *WSHandler) CloseSession(sessionID string, code int, reason string) bool {
	h.connsMu.Lock()
	c, ok := h.conns[sessionID]
	h.connsMu.Unlock()
	if !ok {
		return false
	}
	c.close(code, reason)
	return true
}

// CloseAll closes every connection and waits for their handlers to finish
// or ctx to end.
func (h *WSHandler) CloseAll(ctx context.Context, reason string) error {
	h.connsMu.Lock()
	conns := make([]*clientConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.connsMu.Unlock()
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, reason)
	}

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
