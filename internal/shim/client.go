// Package shim is the MCP stdio front end. It registers the catalog tools
// with an MCP server on stdin/stdout and forwards every call to the daemon
// over a single WebSocket connection.
package shim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/protocol"
)

// ErrDisconnected is returned for calls that were outstanding when the
// daemon connection dropped. The daemon may still finish them.
var ErrDisconnected = errors.New("daemon connection lost")

// ClientConfig configures the daemon connection.
type ClientConfig struct {
	URL            string
	Token          string
	ClientName     string
	ClientVersion  string
	HandshakeWait  time.Duration
	ReconnectDelay time.Duration
}

// ProgressFunc receives progress notes for one call.
type ProgressFunc func(message string)

// pendingCall routes frames for one request id back to its caller.
type pendingCall struct {
	progress ProgressFunc
	result   chan protocol.CallToolResultMessage
}

// Client is a daemon connection shared by every MCP tool call. It connects
// lazily and reconnects on the next call after a disconnect.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	connMu    sync.Mutex // serializes connect attempts
	writeMu   sync.Mutex // protects writes to conn
	conn      *websocket.Conn
	done      chan struct{} // closed when the current conn's read loop exits
	sessionID string
	lastFail  time.Time

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// NewClient creates a Client. Nothing is dialed until Connect or Call.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.HandshakeWait <= 0 {
		cfg.HandshakeWait = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "exai-shim"
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]*pendingCall),
	}
}

// SessionID returns the id the daemon assigned on the last handshake.
func (c *Client) SessionID() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.sessionID
}

// Connect dials the daemon and completes the hello handshake if there is no
// live connection yet.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		select {
		case <-c.done:
		default:
			return nil
		}
	}
	if wait := c.cfg.ReconnectDelay - time.Since(c.lastFail); !c.lastFail.IsZero() && wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := c.dial(ctx); err != nil {
		c.lastFail = time.Now()
		return err
	}
	c.lastFail = time.Time{}
	return nil
}

// dial must be called with connMu held.
func (c *Client) dial(ctx context.Context) error {
	c.logger.Info("connecting to daemon", "url", c.cfg.URL)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeWait}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing daemon: %w", err)
	}

	hello := protocol.HelloMessage{
		Type:          protocol.TypeHello,
		Token:         c.cfg.Token,
		ClientName:    c.cfg.ClientName,
		ClientVersion: c.cfg.ClientVersion,
	}
	data, err := protocol.MarshalMessage(hello)
	if err != nil {
		conn.Close()
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return fmt.Errorf("sending hello: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeWait))
	_, msgData, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("reading hello_ack: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	msg, err := protocol.ParseMessage(msgData)
	if err != nil {
		conn.Close()
		return fmt.Errorf("parsing hello_ack: %w", err)
	}
	ack, ok := msg.(protocol.HelloAckMessage)
	if !ok {
		conn.Close()
		return fmt.Errorf("expected hello_ack, got %T", msg)
	}
	if !ack.OK {
		conn.Close()
		if ack.Error != nil {
			return fmt.Errorf("daemon rejected hello: %w", ack.Error)
		}
		return errors.New("daemon rejected hello")
	}

	done := make(chan struct{})
	c.conn = conn
	c.done = done
	c.sessionID = ack.SessionID
	c.logger.Info("connected to daemon",
		"session_id", ack.SessionID,
		"server_version", ack.ServerVersion,
	)

	go c.readLoop(conn, done)
	return nil
}

// Call sends call_tool and waits for its result. If ctx ends first a cancel
// frame is sent and ctx.Err() is returned.
func (c *Client) Call(ctx context.Context, name string, args map[string]any, progress ProgressFunc) (*protocol.CallToolResultMessage, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	id := uuid.NewString()
	pc := &pendingCall{
		progress: progress,
		result:   make(chan protocol.CallToolResultMessage, 1),
	}
	c.connMu.Lock()
	done := c.done
	c.connMu.Unlock()

	c.mu.Lock()
	c.pending[id] = pc
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	err := c.send(protocol.CallToolMessage{
		Type:      protocol.TypeCallTool,
		RequestID: id,
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("sending call_tool: %w", err)
	}

	select {
	case res := <-pc.result:
		return &res, nil
	case <-done:
		// The read loop may have delivered the result just before exiting.
		select {
		case res := <-pc.result:
			return &res, nil
		default:
		}
		return nil, ErrDisconnected
	case <-ctx.Done():
		if err := c.send(protocol.CancelMessage{Type: protocol.TypeCancel, RequestID: id}); err != nil {
			c.logger.Debug("cancel not sent", "request_id", id, "error", err)
		}
		return nil, ctx.Err()
	}
}

// Close closes the daemon connection. Outstanding calls fail with
// ErrDisconnected.
func (c *Client) Close() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shim exiting"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	conn.Close()
}

func (c *Client) send(msg any) error {
	data, err := protocol.MarshalMessage(msg)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop routes frames to pending calls until the connection closes.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("daemon connection lost", "error", err)
			} else {
				c.logger.Info("daemon connection closed", "error", err)
			}
			return
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			c.logger.Warn("invalid message from daemon", "error", err)
			continue
		}

		switch m := msg.(type) {
		case protocol.ProgressMessage:
			if pc := c.lookup(m.RequestID); pc != nil && pc.progress != nil {
				pc.progress(m.Message)
			}

		case protocol.CallToolResultMessage:
			c.deliver(m)

		case protocol.ErrorMessage:
			if m.RequestID == "" {
				c.logger.Warn("daemon reported error", "kind", m.Error.Kind, "message", m.Error.Message)
				continue
			}
			callErr := m.Error
			c.deliver(protocol.CallToolResultMessage{
				Type:      protocol.TypeCallToolRes,
				RequestID: m.RequestID,
				Error:     &callErr,
			})

		default:
			c.logger.Warn("unexpected message from daemon", "type", fmt.Sprintf("%T", m))
		}
	}
}

func (c *Client) lookup(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

func (c *Client) deliver(res protocol.CallToolResultMessage) {
	pc := c.lookup(res.RequestID)
	if pc == nil {
		c.logger.Debug("result for unknown request", "request_id", res.RequestID)
		return
	}
	select {
	case pc.result <- res:
	default:
	}
}

// decodeResult unmarshals a successful result payload.
func decodeResult(res *protocol.CallToolResultMessage, v any) error {
	if len(res.Result) == 0 {
		return errors.New("empty result")
	}
	return json.Unmarshal(res.Result, v)
}
