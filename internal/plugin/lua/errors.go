package lua

import "errors"

// Errors for isolate operations.
var (
	// ErrStateClosed is returned when operating on a destroyed isolate.
	ErrStateClosed = errors.New("lua: state is closed")

	// ErrGlobalNotFound is returned by CallGlobal when the named global
	// does not exist.
	ErrGlobalNotFound = errors.New("lua: global not found")

	// ErrNotFunction is returned by CallGlobal when the named global
	// exists but is not callable.
	ErrNotFunction = errors.New("lua: global is not a function")
)
