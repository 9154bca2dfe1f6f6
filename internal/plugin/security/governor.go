package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultCPUWindow is the rolling window over which CPU usage is judged.
const DefaultCPUWindow = 10 * time.Second

type execSample struct {
	at time.Time
	d  time.Duration
}

type account struct {
	budget        Budget
	storageUsed   int64
	timeoutFaults int
	samples       []execSample
}

type governorConfig struct {
	log       *logrus.Logger
	cpuWindow time.Duration
}

// GovernorOption configures a Governor.
type GovernorOption func(*governorConfig)

// WithGovernorLogger sets the logger for budget violations.
func WithGovernorLogger(log *logrus.Logger) GovernorOption {
	return func(c *governorConfig) {
		c.log = log
	}
}

// WithCPUWindow sets the rolling window for CPU accounting.
func WithCPUWindow(d time.Duration) GovernorOption {
	return func(c *governorConfig) {
		if d > 0 {
			c.cpuWindow = d
		}
	}
}

// Governor tracks per-plugin resource consumption against declared
// budgets: storage bytes, execution time over a rolling window, and
// repeated timeout faults. It is the single authority for quota checks,
// so every reservation is atomic with respect to the plugin's usage.
type Governor struct {
	mu        sync.Mutex
	accounts  map[string]*account
	cpuWindow time.Duration
	log       *logrus.Entry
}

// NewGovernor creates a governor with no registered plugins.
func NewGovernor(opts ...GovernorOption) *Governor {
	cfg := governorConfig{cpuWindow: DefaultCPUWindow}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = logrus.New()
	}

	return &Governor{
		accounts:  make(map[string]*account),
		cpuWindow: cfg.cpuWindow,
		log:       cfg.log.WithField("component", "security.governor"),
	}
}

// Register opens an account for the plugin with the given budget. Unset
// budget fields take the defaults. Registering an existing identity
// resets its account, which is the reload path.
func (g *Governor) Register(plugin string, b Budget) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accounts[plugin] = &account{budget: b.withDefaults()}
}

// Drop closes the plugin's account and releases its reservations.
func (g *Governor) Drop(plugin string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.accounts, plugin)
}

// Budget returns the effective budget for the plugin.
func (g *Governor) Budget(plugin string) (Budget, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	acct, ok := g.accounts[plugin]
	if !ok {
		return Budget{}, false
	}
	return acct.budget, true
}

// ExecTimeout returns the per-invocation deadline for the plugin, or the
// default when the plugin is not registered.
func (g *Governor) ExecTimeout(plugin string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if acct, ok := g.accounts[plugin]; ok {
		return acct.budget.ExecTimeout
	}
	return DefaultExecTimeout
}

// CheckStorage reports whether n more bytes would fit in the plugin's
// storage quota, without reserving them.
func (g *Governor) CheckStorage(plugin string, n int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	acct, ok := g.accounts[plugin]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, plugin)
	}
	if acct.storageUsed+n > acct.budget.StorageBytes {
		return &QuotaError{
			Plugin:    plugin,
			Requested: n,
			Used:      acct.storageUsed,
			Limit:     acct.budget.StorageBytes,
		}
	}
	return nil
}

// ReserveStorage commits n bytes against the plugin's storage quota.
// On error nothing is reserved, so a failed write leaves usage intact.
func (g *Governor) ReserveStorage(plugin string, n int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	acct, ok := g.accounts[plugin]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, plugin)
	}
	if acct.storageUsed+n > acct.budget.StorageBytes {
		return &QuotaError{
			Plugin:    plugin,
			Requested: n,
			Used:      acct.storageUsed,
			Limit:     acct.budget.StorageBytes,
		}
	}
	acct.storageUsed += n
	return nil
}

// ReleaseStorage returns n bytes to the plugin's storage quota, such as
// when a cache entry is evicted.
func (g *Governor) ReleaseStorage(plugin string, n int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	acct, ok := g.accounts[plugin]
	if !ok {
		return
	}
	acct.storageUsed -= n
	if acct.storageUsed < 0 {
		acct.storageUsed = 0
	}
}

// ObserveExecution records a completed sandbox invocation for CPU
// accounting.
func (g *Governor) ObserveExecution(plugin string, d time.Duration) {
	if d <= 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	acct, ok := g.accounts[plugin]
	if !ok {
		return
	}
	now := time.Now()
	acct.samples = g.prune(acct.samples, now)
	acct.samples = append(acct.samples, execSample{at: now, d: d})
}

// CheckCPU reports whether the plugin's busy share of the rolling window
// is within its CPU budget.
func (g *Governor) CheckCPU(plugin string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	acct, ok := g.accounts[plugin]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, plugin)
	}

	acct.samples = g.prune(acct.samples, time.Now())
	var busy time.Duration
	for _, s := range acct.samples {
		busy += s.d
	}

	share := 100 * float64(busy) / float64(g.cpuWindow)
	if share > acct.budget.CPUPercent {
		return &ResourceError{
			Plugin:   plugin,
			Resource: "cpu",
			Detail: fmt.Sprintf("%.1f%% of the last %s, budget %.1f%%",
				share, g.cpuWindow, acct.budget.CPUPercent),
		}
	}
	return nil
}

// prune drops samples older than the window. Callers hold g.mu.
func (g *Governor) prune(samples []execSample, now time.Time) []execSample {
	cutoff := now.Add(-g.cpuWindow)
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	return samples[i:]
}

// RecordTimeout counts a timeout fault and reports whether the plugin
// has exhausted its timeout budget and must be unloaded.
func (g *Governor) RecordTimeout(plugin string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	acct, ok := g.accounts[plugin]
	if !ok {
		return false
	}
	acct.timeoutFaults++

	budget := acct.budget.TimeoutBudget
	if budget < 0 {
		return false
	}
	escalate := acct.timeoutFaults >= budget
	if escalate {
		g.log.WithFields(logrus.Fields{
			"plugin": plugin,
			"faults": acct.timeoutFaults,
			"budget": budget,
		}).Warn("timeout budget exhausted")
	}
	return escalate
}

// Usage is a point-in-time snapshot of one plugin's consumption.
type Usage struct {
	StorageUsed   int64
	StorageLimit  int64
	TimeoutFaults int
	CPUShare      float64 // percent of the rolling window
}

// Snapshot returns the plugin's current usage.
func (g *Governor) Snapshot(plugin string) (Usage, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	acct, ok := g.accounts[plugin]
	if !ok {
		return Usage{}, false
	}

	acct.samples = g.prune(acct.samples, time.Now())
	var busy time.Duration
	for _, s := range acct.samples {
		busy += s.d
	}

	return Usage{
		StorageUsed:   acct.storageUsed,
		StorageLimit:  acct.budget.StorageBytes,
		TimeoutFaults: acct.timeoutFaults,
		CPUShare:      100 * float64(busy) / float64(g.cpuWindow),
	}, true
}
