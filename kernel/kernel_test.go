package kernel

import (
	"errors"
	"testing"

	"github.com/nullpath/hvkern"
	"github.com/nullpath/hvkern/boot"
	"github.com/nullpath/hvkern/mem"
	"github.com/nullpath/hvkern/sched"
)

const testBase mem.PhysAddr = 16 * 1024 * 1024

func testMemoryMap(frames uint64) boot.MemoryMap {
	return boot.MemoryMap{
		{Base: testBase, Length: mem.Size(frames) * mem.PageSize, Type: boot.EntryUsable},
	}
}

func newTestKernel(t *testing.T, cfg Config) *Kernel {
	t.Helper()
	k, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { k.Close() })
	return k
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no memory map", Config{}},
		{
			"no usable memory",
			Config{MemoryMap: boot.MemoryMap{{Base: testBase, Length: mem.PageSize, Type: boot.EntryReserved}}},
		},
		{"unknown pmm", Config{MemoryMap: testMemoryMap(64), PMM: PMMAlgorithm(9)}},
		{"descending heap classes", Config{MemoryMap: testMemoryMap(64), HeapClasses: []mem.Size{64, 16}}},
		{"too many cpus", Config{MemoryMap: testMemoryMap(64), CPUs: 100000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); !errors.Is(err, hvkern.ErrBadArgument) {
				t.Errorf("New(%+v) = %v, want ErrBadArgument", tt.cfg, err)
			}
		})
	}
}

func TestBringUpExposesSubsystems(t *testing.T) {
	k := newTestKernel(t, Config{MemoryMap: testMemoryMap(256), CPUs: 2})

	if got := k.PMM().FreeFrames(); got != 256 {
		t.Errorf("PMM().FreeFrames() = %d, want 256", got)
	}
	if got := k.Scheduler().NumCPU(); got != 2 {
		t.Errorf("Scheduler().NumCPU() = %d, want 2", got)
	}
	if _, err := k.Heap().Alloc(64); err != nil {
		t.Errorf("Heap().Alloc(64) error: %v", err)
	}
}

func TestBumpConfiguration(t *testing.T) {
	k := newTestKernel(t, Config{MemoryMap: testMemoryMap(16), PMM: PMMBump})

	// The bump PMM serves vessels and the heap, but cannot reclaim.
	v, err := k.CreateVessel("guest-0", sched.NoAffinity, nil)
	if err != nil {
		t.Fatalf("CreateVessel() error: %v", err)
	}
	if err := k.DestroyVessel(v); !errors.Is(err, hvkern.ErrUnsupported) {
		t.Errorf("DestroyVessel() under bump PMM = %v, want ErrUnsupported", err)
	}
}

func TestVesselControlFrames(t *testing.T) {
	k := newTestKernel(t, Config{MemoryMap: testMemoryMap(64)})
	initial := k.PMM().FreeFrames()

	v, err := k.CreateVessel("guest-0", sched.NoAffinity, nil)
	if err != nil {
		t.Fatalf("CreateVessel() error: %v", err)
	}

	frame, ok := k.ControlFrame(v)
	if !ok {
		t.Fatalf("ControlFrame() not found for a live vessel")
	}
	if !frame.IsAligned(0) {
		t.Errorf("control frame %#x is not frame-aligned", frame)
	}
	if got := k.PMM().FreeFrames(); got >= initial {
		t.Errorf("FreeFrames() = %d after vessel creation, want < %d", got, initial)
	}

	if err := k.DestroyVessel(v); err != nil {
		t.Fatalf("DestroyVessel() error: %v", err)
	}
	if v.State() != sched.StateTerminated {
		t.Errorf("vessel state = %v after destroy, want terminated", v.State())
	}
	if _, ok := k.ControlFrame(v); ok {
		t.Errorf("ControlFrame() still present after destroy")
	}
	if got := k.PMM().FreeFrames(); got != initial {
		t.Errorf("FreeFrames() = %d after destroy, want %d", got, initial)
	}

	// Destroying again only reports the missing frame as a no-op.
	if err := k.DestroyVessel(v); err != nil {
		t.Errorf("second DestroyVessel() error: %v", err)
	}
}

func TestCreateVesselValidation(t *testing.T) {
	k := newTestKernel(t, Config{MemoryMap: testMemoryMap(64), CPUs: 2})
	initial := k.PMM().FreeFrames()

	// A failed registration must not leak the control frame.
	if _, err := k.CreateVessel("bad", 7, nil); !errors.Is(err, hvkern.ErrBadArgument) {
		t.Errorf("CreateVessel(affinity 7) = %v, want ErrBadArgument", err)
	}
	if got := k.PMM().FreeFrames(); got != initial {
		t.Errorf("FreeFrames() = %d after failed creation, want %d", got, initial)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	mm := testMemoryMap(128)
	k, err := New(Config{MemoryMap: mm})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	initial := k.PMM().FreeFrames()

	if _, err := k.CreateVessel("guest-0", sched.NoAffinity, nil); err != nil {
		t.Fatalf("CreateVessel() error: %v", err)
	}
	if _, err := k.Heap().Alloc(256); err != nil {
		t.Fatalf("Heap().Alloc() error: %v", err)
	}

	if err := k.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if got := k.PMM().FreeFrames(); got != initial {
		t.Errorf("FreeFrames() = %d after close, want %d", got, initial)
	}

	if err := k.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if _, err := k.CreateVessel("late", sched.NoAffinity, nil); !errors.Is(err, hvkern.ErrInvalidState) {
		t.Errorf("CreateVessel() after close = %v, want ErrInvalidState", err)
	}
}
