package security

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks across package boundaries.
var (
	// ErrPermissionDenied is the base of every denied permission check.
	ErrPermissionDenied = errors.New("security: permission denied")

	// ErrQuotaExceeded is the base of storage quota violations.
	ErrQuotaExceeded = errors.New("security: storage quota exceeded")

	// ErrResourceExceeded is the base of compute budget violations.
	ErrResourceExceeded = errors.New("security: resource budget exceeded")

	// ErrNotRegistered is returned when an identity has no registered
	// budget or grants.
	ErrNotRegistered = errors.New("security: plugin not registered")
)

// PermissionError reports a denied operation with enough detail for a
// plugin author to fix their manifest.
type PermissionError struct {
	Plugin string
	Kind   string // "network" or "hook"
	Target string
	Reason string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("security: %s denied %s access to %q: %s", e.Plugin, e.Kind, e.Target, e.Reason)
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// QuotaError reports a storage reservation that would exceed the
// plugin's declared quota. Nothing is written when it is returned.
type QuotaError struct {
	Plugin    string
	Requested int64
	Used      int64
	Limit     int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("security: %s storage quota exceeded: %d requested, %d of %d used",
		e.Plugin, e.Requested, e.Used, e.Limit)
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// ResourceError reports a compute budget violation such as sustained CPU
// over the allowance.
type ResourceError struct {
	Plugin   string
	Resource string // "cpu"
	Detail   string
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("security: %s exceeded %s budget: %s", e.Plugin, e.Resource, e.Detail)
}

func (e *ResourceError) Is(target error) bool {
	return target == ErrResourceExceeded
}
