// Package protocol defines the WebSocket message types exchanged between MCP
// clients (or the stdio shim) and the EX-AI daemon.
//
// Every frame is a single JSON object with a "type" discriminant. Inbound
// frames are decoded strictly: unknown fields, missing required fields and
// unknown types are rejected here so nothing downstream has to parse
// defensively.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the kind of message sent over the WebSocket connection.
type MessageType string

const (
	// Client → Daemon
	TypeHello    MessageType = "hello"
	TypeCallTool MessageType = "call_tool"
	TypeCancel   MessageType = "cancel"

	// Daemon → Client
	TypeHelloAck    MessageType = "hello_ack"
	TypeProgress    MessageType = "call_tool_progress"
	TypeCallToolRes MessageType = "call_tool_res"
	TypeError       MessageType = "error"
)

// ErrUnknownType is returned by ParseMessage for a well-formed frame whose
// type is not part of the protocol.
var ErrUnknownType = errors.New("unknown message type")

// Envelope is the first-pass parse of any WebSocket message.
// We read the "type" field to determine which concrete type to unmarshal into.
type Envelope struct {
	Type MessageType `json:"type"`
}

// --- Client → Daemon messages ---

// HelloMessage opens a session. The token is checked once per connection.
type HelloMessage struct {
	Type          MessageType `json:"type"`
	Token         string      `json:"token"`
	ClientName    string      `json:"client_name,omitempty"`
	ClientVersion string      `json:"client_version,omitempty"`
}

// CallToolMessage asks the daemon to run a tool. RequestID is chosen by the
// client and is echoed on every progress and result frame for this call.
type CallToolMessage struct {
	Type      MessageType    `json:"type"`
	RequestID string         `json:"request_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// CancelMessage withdraws the client's interest in an outstanding request.
type CancelMessage struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
}

// --- Daemon → Client messages ---

// HelloAckMessage is the daemon's response to a HelloMessage.
type HelloAckMessage struct {
	Type          MessageType `json:"type"`
	OK            bool        `json:"ok"`
	SessionID     string      `json:"session_id,omitempty"`
	ServerVersion string      `json:"server_version,omitempty"`
	Error         *CallError  `json:"error,omitempty"`
}

// ProgressMessage relays an intermediate progress note from the execution
// that serves RequestID. Progress frames are best-effort and may be dropped.
type ProgressMessage struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	Message   string      `json:"message"`
}

// Outcome tells the client how a successful result was produced.
type Outcome string

const (
	OutcomeExecuted  Outcome = "executed"
	OutcomeCoalesced Outcome = "coalesced"
	OutcomeCacheHit  Outcome = "cache_hit"
)

// CallToolResultMessage is the final frame for a request. Exactly one of
// Result or Error is set, and OK says which.
type CallToolResultMessage struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Outcome   Outcome         `json:"outcome,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *CallError      `json:"error,omitempty"`
}

// ErrorMessage reports a frame-level problem that is not tied to a
// successfully decoded request (malformed JSON, oversized frame, ...).
type ErrorMessage struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Error     CallError   `json:"error"`
}

// ErrorKind is the client-visible error taxonomy.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation_error"
	KindAuth               ErrorKind = "auth_error"
	KindConcurrencyTimeout ErrorKind = "concurrency_timeout"
	KindExecutionTimeout   ErrorKind = "execution_timeout"
	KindExecution          ErrorKind = "execution_error"
	KindRetryAfter         ErrorKind = "retry_after"
	KindInternal           ErrorKind = "internal_error"
	KindCancelled          ErrorKind = "cancelled"
)

// RetryClass tells the client what it may do about an error.
type RetryClass string

const (
	RetryNow     RetryClass = "now"     // transient, safe to resubmit immediately
	RetryLater   RetryClass = "later"   // resubmit after RetryAfterMS
	RetryNever   RetryClass = "never"   // the request itself is wrong
	RetryUnknown RetryClass = "unknown" // side effects may have happened downstream
)

// CallError is the structured error payload carried by call_tool_res,
// hello_ack and error frames.
type CallError struct {
	Kind         ErrorKind  `json:"kind"`
	Retry        RetryClass `json:"retry"`
	Message      string     `json:"message"`
	RetryAfterMS int64      `json:"retry_after_ms,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	Tool         string     `json:"tool,omitempty"`
	Gate         string     `json:"gate,omitempty"`
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ParseMessage reads a raw WebSocket message and returns the typed message.
// It first parses the envelope to determine the type, then decodes the
// concrete struct strictly and validates required fields.
func ParseMessage(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing message envelope: %w", err)
	}

	switch env.Type {
	// Client → Daemon
	case TypeHello:
		var msg HelloMessage
		if err := decodeStrict(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing hello message: %w", err)
		}
		return msg, nil

	case TypeCallTool:
		var msg CallToolMessage
		if err := decodeStrict(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing call_tool message: %w", err)
		}
		if err := msg.Validate(); err != nil {
			return nil, fmt.Errorf("parsing call_tool message: %w", err)
		}
		return msg, nil

	case TypeCancel:
		var msg CancelMessage
		if err := decodeStrict(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing cancel message: %w", err)
		}
		if msg.RequestID == "" {
			return nil, fmt.Errorf("parsing cancel message: request_id is required")
		}
		return msg, nil

	// Daemon → Client
	case TypeHelloAck:
		var msg HelloAckMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing hello_ack message: %w", err)
		}
		return msg, nil

	case TypeProgress:
		var msg ProgressMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing call_tool_progress message: %w", err)
		}
		return msg, nil

	case TypeCallToolRes:
		var msg CallToolResultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing call_tool_res message: %w", err)
		}
		return msg, nil

	case TypeError:
		var msg ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing error message: %w", err)
		}
		return msg, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Validate checks the fields every call_tool frame must carry.
func (m *CallToolMessage) Validate() error {
	if m.RequestID == "" {
		return errors.New("request_id is required")
	}
	if m.Name == "" {
		return errors.New("name is required")
	}
	if m.Arguments == nil {
		m.Arguments = map[string]any{}
	}
	return nil
}

// decodeStrict unmarshals inbound frames, rejecting unknown fields and
// trailing data. Numbers are kept as json.Number so argument canonicalization
// sees the client's digits rather than a float64 rounding of them.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after message")
	}
	return nil
}

// MarshalMessage serializes a message to JSON bytes for sending over WebSocket.
func MarshalMessage(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	return data, nil
}
