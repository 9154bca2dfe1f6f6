package lua

import (
	"context"
	"errors"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// FaultKind classifies how sandboxed code terminated abnormally.
type FaultKind int

const (
	// FaultUncaughtException covers Lua runtime errors and syntax errors
	// that escape the plugin's own error handling.
	FaultUncaughtException FaultKind = iota

	// FaultTimeout means the invocation exceeded its execution deadline
	// and was aborted.
	FaultTimeout

	// FaultMemoryExceeded means the isolate hit its registry or call
	// stack ceiling.
	FaultMemoryExceeded
)

// String returns a stable name for the fault kind.
func (k FaultKind) String() string {
	switch k {
	case FaultTimeout:
		return "timeout"
	case FaultMemoryExceeded:
		return "memory_exceeded"
	case FaultUncaughtException:
		return "uncaught_exception"
	default:
		return "unknown"
	}
}

// Fault describes an abnormal termination of sandboxed code. Faults are
// ordinary error values: they are reported to the caller and never crash
// the host. A timeout fault leaves the isolate usable for further calls.
type Fault struct {
	Kind    FaultKind
	Message string
	cause   error
}

func (f *Fault) Error() string {
	return "lua: " + f.Kind.String() + ": " + f.Message
}

func (f *Fault) Unwrap() error {
	return f.cause
}

// AsFault unwraps err to a *Fault if one is in its chain.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// classifyFault maps an execution error to a Fault. The invocation context
// decides timeouts: gopher-lua surfaces a cancelled context as a plain
// runtime error, so the error text alone cannot be trusted.
func classifyFault(err error, runCtx context.Context) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	if apiErr, ok := err.(*lua.ApiError); ok && apiErr.Object != lua.LNil {
		msg = apiErr.Object.String()
	}

	switch {
	case runCtx.Err() != nil,
		strings.Contains(msg, context.DeadlineExceeded.Error()),
		strings.Contains(msg, context.Canceled.Error()):
		return &Fault{Kind: FaultTimeout, Message: msg, cause: err}
	case strings.Contains(msg, "registry overflow"),
		strings.Contains(msg, "stack overflow"):
		return &Fault{Kind: FaultMemoryExceeded, Message: msg, cause: err}
	default:
		return &Fault{Kind: FaultUncaughtException, Message: msg, cause: err}
	}
}
