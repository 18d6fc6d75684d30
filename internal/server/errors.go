package server

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrSendBufferFull is returned by a Handle whose outbound queue has no free slot.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrConnectionClosed is returned when sending on a handle that has been closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrInvalidState is returned when a lifecycle operation is not allowed in the current state.
	ErrInvalidState = errors.New("invalid server state")
	// ErrServerStopped is returned by Start after Stop and is the disconnect reason for
	// connections closed by Stop.
	ErrServerStopped = errors.New("server stopped")
)

// handlerTraceDepth bounds the number of stack frames captured for a panicking handler.
const handlerTraceDepth = 6

// TLSConfigurationError reports that the TLS key pair could not be loaded. It is fatal
// to Start.
type TLSConfigurationError struct {
	CertPath string
	KeyPath  string
	Err      error
}

func (e *TLSConfigurationError) Error() string {
	return fmt.Sprintf("failed to use tls (cert %q, key %q): %v", e.CertPath, e.KeyPath, e.Err)
}

func (e *TLSConfigurationError) Unwrap() error { return e.Err }

// BindError reports that the listening endpoint could not be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// DuplicateConnectionError reports a handle that is already present in the registry.
type DuplicateConnectionError struct {
	RemoteAddr string
}

func (e *DuplicateConnectionError) Error() string {
	return fmt.Sprintf("connection from %s already registered", e.RemoteAddr)
}

// SendError wraps a failed delivery to a single connection.
type SendError struct {
	ConnID uuid.UUID
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.ConnID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// HandlerError reports that an application message handler failed, either by
// returning an error or by panicking. Stack is only set for panics.
type HandlerError struct {
	ConnID uuid.UUID
	Binary bool
	Err    error
	Stack  []string
}

func (e *HandlerError) Error() string {
	kind := "text"
	if e.Binary {
		kind = "binary"
	}
	return fmt.Sprintf("%s handler failed for %s: %v", kind, e.ConnID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// panicError turns a recovered panic value into an error.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}

// boundedStack returns at most depth "function file:line" entries, starting at
// the caller of the deferred recover.
func boundedStack(skip, depth int) []string {
	pcs := make([]uintptr, depth)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	stack := make([]string, 0, n)
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			stack = append(stack, fmt.Sprintf("%s %s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}
	return stack
}
