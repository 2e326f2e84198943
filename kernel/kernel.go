// Package kernel composes the hypervisor kernel core: it brings the
// physical memory manager up from the boot memory map, builds the slab heap
// on top of it, and starts the scheduler, in that order. Teardown runs in
// reverse.
package kernel

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nullpath/hvkern"
	"github.com/nullpath/hvkern/boot"
	"github.com/nullpath/hvkern/mem"
	"github.com/nullpath/hvkern/mem/pmm"
	"github.com/nullpath/hvkern/mem/slab"
	"github.com/nullpath/hvkern/sched"
)

// PMMAlgorithm selects the physical memory manager. The build configuration
// compiles exactly one in; buddy is the default.
type PMMAlgorithm int

const (
	PMMBuddy PMMAlgorithm = iota
	PMMBump
)

func (a PMMAlgorithm) String() string {
	switch a {
	case PMMBuddy:
		return "buddy"
	case PMMBump:
		return "bump"
	default:
		return fmt.Sprintf("pmm(%d)", int(a))
	}
}

// Config parameterizes kernel bring-up.
type Config struct {
	// MemoryMap is the firmware handoff. Required.
	MemoryMap boot.MemoryMap

	// CPUs is the number of logical CPUs to schedule. Defaults to 1.
	CPUs int

	// PMM selects the frame allocator. Defaults to PMMBuddy.
	PMM PMMAlgorithm

	// MaxOrder bounds the buddy allocator's largest block. Zero derives it
	// from the memory map.
	MaxOrder mem.Order

	// HeapClasses overrides the slab size-class ladder.
	HeapClasses []mem.Size

	// Policy selects the scheduling policy. Defaults to PolicyConstant.
	Policy sched.Policy
}

// Kernel is the assembled core. All fields are built once during New and
// torn down by Close.
type Kernel struct {
	frames pmm.Allocator
	heap   *slab.Heap
	sched  *sched.Scheduler
	log    *logrus.Entry

	mu            sync.Mutex
	controlFrames map[sched.ID]mem.PhysAddr
	closed        bool
}

// New boots the kernel core from the configuration. It fails fatally (with
// BadArgument) when the memory map carries no usable memory.
func New(cfg Config) (*Kernel, error) {
	if cfg.CPUs == 0 {
		cfg.CPUs = 1
	}

	log := logrus.WithField("subsystem", "kernel")

	var frames pmm.Allocator
	var err error
	switch cfg.PMM {
	case PMMBuddy:
		frames, err = pmm.NewBuddy(cfg.MemoryMap, cfg.MaxOrder)
	case PMMBump:
		frames, err = pmm.NewBump(cfg.MemoryMap)
	default:
		return nil, hvkern.Errorf(hvkern.KERN_BAD_ARGUMENT,
			"kernel: unknown PMM algorithm %d", int(cfg.PMM))
	}
	if err != nil {
		return nil, fmt.Errorf("kernel: PMM bring-up: %w", err)
	}

	heap, err := slab.NewHeap(frames, cfg.HeapClasses...)
	if err != nil {
		return nil, fmt.Errorf("kernel: heap bring-up: %w", err)
	}

	scheduler, err := sched.New(sched.Config{CPUs: cfg.CPUs, Policy: cfg.Policy})
	if err != nil {
		return nil, fmt.Errorf("kernel: scheduler bring-up: %w", err)
	}

	log.WithFields(logrus.Fields{
		"usable_frames": cfg.MemoryMap.UsableFrames(),
		"pmm":           cfg.PMM.String(),
		"cpus":          cfg.CPUs,
	}).Info("kernel core online")

	return &Kernel{
		frames:        frames,
		heap:          heap,
		sched:         scheduler,
		log:           log,
		controlFrames: make(map[sched.ID]mem.PhysAddr),
	}, nil
}

// PMM returns the physical frame allocator.
func (k *Kernel) PMM() pmm.Allocator { return k.frames }

// Heap returns the general-purpose slab heap.
func (k *Kernel) Heap() *slab.Heap { return k.heap }

// Scheduler returns the vessel scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// CreateVessel allocates a control-structure frame for a new vessel,
// registers it Ready on its run queue, and returns it. The frame holds the
// hardware control block (VMCS/VMCB) the VM-entry collaborator programs.
func (k *Kernel) CreateVessel(name string, affinity int, cb sched.ControlBlock) (*sched.Vessel, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, fmt.Errorf("kernel: core is closed: %w", hvkern.ErrInvalidState)
	}

	frame, err := k.frames.Alloc(0)
	if err != nil {
		return nil, fmt.Errorf("kernel: vessel %q control frame: %w", name, err)
	}

	v, err := k.sched.NewVessel(name, affinity, cb)
	if err == nil {
		err = k.sched.Register(v)
	}
	if err != nil {
		if ferr := k.frames.Free(frame, 0); ferr != nil {
			k.log.WithError(ferr).Error("leaking control frame after failed vessel creation")
		}
		return nil, err
	}

	k.controlFrames[v.ID()] = frame
	k.log.WithFields(logrus.Fields{
		"vessel":        name,
		"id":            uint64(v.ID()),
		"affinity":      affinity,
		"control_frame": fmt.Sprintf("0x%x", uint64(frame)),
	}).Debug("vessel created")
	return v, nil
}

// ControlFrame returns the control-structure frame backing a vessel.
func (k *Kernel) ControlFrame(v *sched.Vessel) (mem.PhysAddr, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	frame, ok := k.controlFrames[v.ID()]
	return frame, ok
}

// DestroyVessel terminates a vessel and returns its control frame to the
// PMM. Destroying an already-terminated vessel only reclaims the frame.
func (k *Kernel) DestroyVessel(v *sched.Vessel) error {
	if err := k.sched.Terminate(v); err != nil && v.State() != sched.StateTerminated {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	frame, ok := k.controlFrames[v.ID()]
	if !ok {
		return nil
	}
	delete(k.controlFrames, v.ID())
	if err := k.frames.Free(frame, 0); err != nil {
		return fmt.Errorf("kernel: vessel %q control frame: %w", v.Name(), err)
	}
	return nil
}

// Close tears the core down in reverse bring-up order. Idempotent.
func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true

	for id, frame := range k.controlFrames {
		if err := k.frames.Free(frame, 0); err != nil {
			return fmt.Errorf("kernel: teardown of control frame for vessel %d: %w", uint64(id), err)
		}
		delete(k.controlFrames, id)
	}
	if err := k.heap.Close(); err != nil {
		return fmt.Errorf("kernel: heap teardown: %w", err)
	}

	k.log.Info("kernel core offline")
	return nil
}
