package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/Zazzles2908/EX-AI-MCP-Server-sub020/pkg/protocol"
)

// Error is the only error type Dispatch returns. Kind selects the retry
// class the client sees, so callers never have to guess whether resubmitting
// is safe.
type Error struct {
	Kind       protocol.ErrorKind
	Message    string
	RetryAfter time.Duration
	Provider   string
	Tool       string
	Gate       string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retry returns the retry class for the error's kind.
func (e *Error) Retry() protocol.RetryClass {
	return RetryClassOf(e.Kind)
}

// Wire converts the error to its protocol form.
func (e *Error) Wire() *protocol.CallError {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return &protocol.CallError{
		Kind:         e.Kind,
		Retry:        e.Retry(),
		Message:      msg,
		RetryAfterMS: e.RetryAfter.Milliseconds(),
		Provider:     e.Provider,
		Tool:         e.Tool,
		Gate:         e.Gate,
	}
}

// RetryClassOf maps an error kind to what the client may do about it.
func RetryClassOf(kind protocol.ErrorKind) protocol.RetryClass {
	switch kind {
	case protocol.KindValidation, protocol.KindAuth:
		return protocol.RetryNever
	case protocol.KindConcurrencyTimeout, protocol.KindRetryAfter:
		return protocol.RetryLater
	case protocol.KindExecution, protocol.KindInternal:
		return protocol.RetryNow
	default:
		// execution_timeout and cancelled: the call may have had effects.
		return protocol.RetryUnknown
	}
}

// ValidationError rejects a malformed request.
func ValidationError(format string, args ...any) *Error {
	return &Error{Kind: protocol.KindValidation, Message: fmt.Sprintf(format, args...)}
}

// AuthError rejects a connection whose hello could not be accepted.
func AuthError(reason string) *Error {
	return &Error{Kind: protocol.KindAuth, Message: reason}
}

// ConcurrencyTimeout reports that no execution slot became free in time.
func ConcurrencyTimeout(gate, tool, provider string, hint time.Duration, err error) *Error {
	return &Error{
		Kind:       protocol.KindConcurrencyTimeout,
		Message:    fmt.Sprintf("no %s slot available", gate),
		RetryAfter: hint,
		Gate:       gate,
		Tool:       tool,
		Provider:   provider,
		Err:        err,
	}
}

// ExecutionTimeout reports that the tool did not finish within its deadline.
func ExecutionTimeout(tool, provider string, after time.Duration) *Error {
	return &Error{
		Kind:     protocol.KindExecutionTimeout,
		Message:  fmt.Sprintf("tool did not finish within %s; outcome unknown", after),
		Tool:     tool,
		Provider: provider,
	}
}

// ExecutionFailed wraps an error returned by the tool executor.
func ExecutionFailed(tool, provider string, err error) *Error {
	return &Error{
		Kind:     protocol.KindExecution,
		Message:  fmt.Sprintf("%s via %s failed", tool, provider),
		Tool:     tool,
		Provider: provider,
		Err:      err,
	}
}

// RetryAfter rejects a resubmission that came too soon.
func RetryAfter(wait time.Duration) *Error {
	return &Error{
		Kind:       protocol.KindRetryAfter,
		Message:    fmt.Sprintf("already in flight, retry after %dms", wait.Milliseconds()),
		RetryAfter: wait,
	}
}

// Internal reports a failure of the dispatch machinery itself.
func Internal(message string, err error) *Error {
	return &Error{Kind: protocol.KindInternal, Message: message, Err: err}
}

// Cancelled reports that the caller withdrew before a result arrived.
func Cancelled(err error) *Error {
	return &Error{Kind: protocol.KindCancelled, Message: "request cancelled", Err: err}
}

// AsError returns err as *Error, wrapping anything else as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return Internal("unexpected dispatch failure", err)
}
