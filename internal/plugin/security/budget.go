package security

import "time"

// Default resource ceilings applied when a budget field is unset. The
// host config can override them globally or per plugin; manifests only
// carry the storage quota.
const (
	DefaultMemoryBytes  = 128 << 20 // 128 MB
	DefaultCPUPercent   = 10.0
	DefaultExecTimeout  = 5 * time.Second
	DefaultStorageBytes = 10 << 20 // 10 MB

	// DefaultTimeoutBudget is the number of timeout faults tolerated
	// before the plugin is escalated to unload. One means the first
	// timeout escalates.
	DefaultTimeoutBudget = 1
)

// Budget is the resource envelope for one plugin.
type Budget struct {
	// MemoryBytes bounds the isolate's VM memory.
	MemoryBytes int64

	// CPUPercent is the allowed busy share of wall time, observed over
	// the governor's rolling window. 10 means 10%.
	CPUPercent float64

	// ExecTimeout bounds a single sandbox invocation.
	ExecTimeout time.Duration

	// StorageBytes caps the plugin's persistent storage.
	StorageBytes int64

	// TimeoutBudget is how many timeout faults are tolerated before
	// escalation. Zero means the default; negative disables escalation.
	TimeoutBudget int
}

// DefaultBudget returns the standard envelope for untrusted plugins.
func DefaultBudget() Budget {
	return Budget{
		MemoryBytes:   DefaultMemoryBytes,
		CPUPercent:    DefaultCPUPercent,
		ExecTimeout:   DefaultExecTimeout,
		StorageBytes:  DefaultStorageBytes,
		TimeoutBudget: DefaultTimeoutBudget,
	}
}

// withDefaults fills unset fields from the standard envelope.
func (b Budget) withDefaults() Budget {
	if b.MemoryBytes <= 0 {
		b.MemoryBytes = DefaultMemoryBytes
	}
	if b.CPUPercent <= 0 {
		b.CPUPercent = DefaultCPUPercent
	}
	if b.ExecTimeout <= 0 {
		b.ExecTimeout = DefaultExecTimeout
	}
	if b.StorageBytes <= 0 {
		b.StorageBytes = DefaultStorageBytes
	}
	if b.TimeoutBudget == 0 {
		b.TimeoutBudget = DefaultTimeoutBudget
	}
	return b
}
