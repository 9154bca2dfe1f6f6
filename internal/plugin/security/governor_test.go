package security

import (
	"errors"
	"testing"
	"time"
)

const testPlugin = "pub.chive.plugin.backlinks"

func TestGovernorStorageQuota(t *testing.T) {
	g := NewGovernor()
	g.Register(testPlugin, Budget{StorageBytes: 1024})

	if err := g.ReserveStorage(testPlugin, 512); err != nil {
		t.Fatalf("ReserveStorage(512) error = %v", err)
	}
	if err := g.ReserveStorage(testPlugin, 512); err != nil {
		t.Fatalf("ReserveStorage(512) error = %v", err)
	}

	// Quota is full; one more byte must be rejected with usage intact.
	err := g.ReserveStorage(testPlugin, 1)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("ReserveStorage over quota error = %v, want ErrQuotaExceeded", err)
	}
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("error %v is not a *QuotaError", err)
	}
	if qe.Requested != 1 || qe.Used != 1024 || qe.Limit != 1024 {
		t.Errorf("QuotaError = %+v, want requested 1, used 1024, limit 1024", qe)
	}

	usage, ok := g.Snapshot(testPlugin)
	if !ok {
		t.Fatal("Snapshot() plugin missing")
	}
	if usage.StorageUsed != 1024 {
		t.Errorf("StorageUsed after rejected reserve = %d, want 1024", usage.StorageUsed)
	}
}

func TestGovernorStorageOverQuotaSingleWrite(t *testing.T) {
	g := NewGovernor()
	g.Register(testPlugin, Budget{StorageBytes: 1024})

	err := g.ReserveStorage(testPlugin, 2048)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("ReserveStorage(2048) error = %v, want ErrQuotaExceeded", err)
	}

	usage, _ := g.Snapshot(testPlugin)
	if usage.StorageUsed != 0 {
		t.Errorf("StorageUsed after rejected write = %d, want 0 (no partial reservation)", usage.StorageUsed)
	}
}

func TestGovernorStorageRelease(t *testing.T) {
	g := NewGovernor()
	g.Register(testPlugin, Budget{StorageBytes: 1024})

	if err := g.ReserveStorage(testPlugin, 1024); err != nil {
		t.Fatalf("ReserveStorage() error = %v", err)
	}
	g.ReleaseStorage(testPlugin, 512)

	if err := g.ReserveStorage(testPlugin, 512); err != nil {
		t.Errorf("ReserveStorage after release error = %v", err)
	}

	// Releasing more than used clamps to zero.
	g.ReleaseStorage(testPlugin, 1 << 30)
	usage, _ := g.Snapshot(testPlugin)
	if usage.StorageUsed != 0 {
		t.Errorf("StorageUsed after over-release = %d, want 0", usage.StorageUsed)
	}
}

func TestGovernorCheckStorageDoesNotReserve(t *testing.T) {
	g := NewGovernor()
	g.Register(testPlugin, Budget{StorageBytes: 1024})

	for i := 0; i < 10; i++ {
		if err := g.CheckStorage(testPlugin, 1024); err != nil {
			t.Fatalf("CheckStorage() error = %v", err)
		}
	}
	usage, _ := g.Snapshot(testPlugin)
	if usage.StorageUsed != 0 {
		t.Errorf("StorageUsed after checks = %d, want 0", usage.StorageUsed)
	}

	if err := g.CheckStorage(testPlugin, 2048); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("CheckStorage(2048) error = %v, want ErrQuotaExceeded", err)
	}
}

func TestGovernorUnregistered(t *testing.T) {
	g := NewGovernor()

	if err := g.ReserveStorage("pub.chive.plugin.ghost", 1); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("ReserveStorage(unregistered) error = %v, want ErrNotRegistered", err)
	}
	if err := g.CheckCPU("pub.chive.plugin.ghost"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("CheckCPU(unregistered) error = %v, want ErrNotRegistered", err)
	}
	if _, ok := g.Snapshot("pub.chive.plugin.ghost"); ok {
		t.Error("Snapshot(unregistered) ok = true")
	}
}

func TestGovernorDropReleasesAccount(t *testing.T) {
	g := NewGovernor()
	g.Register(testPlugin, Budget{StorageBytes: 1024})
	if err := g.ReserveStorage(testPlugin, 1024); err != nil {
		t.Fatalf("ReserveStorage() error = %v", err)
	}

	g.Drop(testPlugin)
	if _, ok := g.Snapshot(testPlugin); ok {
		t.Error("Snapshot() after Drop ok = true")
	}

	// Re-registering starts a fresh account.
	g.Register(testPlugin, Budget{StorageBytes: 1024})
	if err := g.ReserveStorage(testPlugin, 1024); err != nil {
		t.Errorf("ReserveStorage after re-register error = %v", err)
	}
}

func TestGovernorDefaults(t *testing.T) {
	g := NewGovernor()
	g.Register(testPlugin, Budget{})

	b, ok := g.Budget(testPlugin)
	if !ok {
		t.Fatal("Budget() plugin missing")
	}
	if b.MemoryBytes != DefaultMemoryBytes {
		t.Errorf("MemoryBytes = %d, want %d", b.MemoryBytes, DefaultMemoryBytes)
	}
	if b.CPUPercent != DefaultCPUPercent {
		t.Errorf("CPUPercent = %v, want %v", b.CPUPercent, DefaultCPUPercent)
	}
	if b.ExecTimeout != DefaultExecTimeout {
		t.Errorf("ExecTimeout = %v, want %v", b.ExecTimeout, DefaultExecTimeout)
	}
	if b.StorageBytes != DefaultStorageBytes {
		t.Errorf("StorageBytes = %d, want %d", b.StorageBytes, DefaultStorageBytes)
	}
	if b.TimeoutBudget != DefaultTimeoutBudget {
		t.Errorf("TimeoutBudget = %d, want %d", b.TimeoutBudget, DefaultTimeoutBudget)
	}

	if got := g.ExecTimeout(testPlugin); got != DefaultExecTimeout {
		t.Errorf("ExecTimeout() = %v, want %v", got, DefaultExecTimeout)
	}
}

func TestGovernorCPUWindow(t *testing.T) {
	g := NewGovernor(WithCPUWindow(time.Second))
	g.Register(testPlugin, Budget{CPUPercent: 10})

	// 50ms busy in a 1s window is 5%, inside the budget.
	g.ObserveExecution(testPlugin, 50*time.Millisecond)
	if err := g.CheckCPU(testPlugin); err != nil {
		t.Fatalf("CheckCPU() within budget error = %v", err)
	}

	// Another 100ms pushes the share to 15%.
	g.ObserveExecution(testPlugin, 100*time.Millisecond)
	err := g.CheckCPU(testPlugin)
	if !errors.Is(err, ErrResourceExceeded) {
		t.Fatalf("CheckCPU() over budget error = %v, want ErrResourceExceeded", err)
	}
	var re *ResourceError
	if !errors.As(err, &re) || re.Resource != "cpu" {
		t.Errorf("error %v, want *ResourceError for cpu", err)
	}
}

func TestGovernorCPUWindowExpiry(t *testing.T) {
	g := NewGovernor(WithCPUWindow(50 * time.Millisecond))
	g.Register(testPlugin, Budget{CPUPercent: 10})

	g.ObserveExecution(testPlugin, 40*time.Millisecond)
	if err := g.CheckCPU(testPlugin); err == nil {
		t.Fatal("CheckCPU() error = nil, want over budget")
	}

	// Once the sample ages out of the window the budget recovers.
	time.Sleep(60 * time.Millisecond)
	if err := g.CheckCPU(testPlugin); err != nil {
		t.Errorf("CheckCPU() after window expiry error = %v", err)
	}
}

func TestGovernorTimeoutEscalation(t *testing.T) {
	g := NewGovernor()
	g.Register(testPlugin, Budget{}) // default budget: first timeout escalates

	if !g.RecordTimeout(testPlugin) {
		t.Error("RecordTimeout() = false, want escalation on first timeout")
	}
}

func TestGovernorTimeoutBudgetConfigurable(t *testing.T) {
	g := NewGovernor()
	g.Register(testPlugin, Budget{TimeoutBudget: 3})

	for i := 1; i <= 2; i++ {
		if g.RecordTimeout(testPlugin) {
			t.Fatalf("RecordTimeout() #%d = true, want tolerance below budget", i)
		}
	}
	if !g.RecordTimeout(testPlugin) {
		t.Error("RecordTimeout() #3 = false, want escalation at budget")
	}

	usage, _ := g.Snapshot(testPlugin)
	if usage.TimeoutFaults != 3 {
		t.Errorf("TimeoutFaults = %d, want 3", usage.TimeoutFaults)
	}
}

func TestGovernorTimeoutEscalationDisabled(t *testing.T) {
	g := NewGovernor()
	g.Register(testPlugin, Budget{TimeoutBudget: -1})

	for i := 0; i < 10; i++ {
		if g.RecordTimeout(testPlugin) {
			t.Fatal("RecordTimeout() = true with escalation disabled")
		}
	}
}
