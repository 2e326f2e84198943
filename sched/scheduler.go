package sched

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/nullpath/hvkern"
)

// Policy selects the dispatch order within a run queue. The build
// configuration compiles exactly one policy in; constant is the default.
type Policy int

const (
	// PolicyConstant is fixed-order round robin with no priority
	// weighting: every Ready vessel is rotated to the front before any
	// repeats, which makes it deterministic and starvation-free.
	PolicyConstant Policy = iota
)

func (p Policy) String() string {
	switch p {
	case PolicyConstant:
		return "constant"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// maxCPUs bounds the logical CPU count to the x2APIC ID space we size
// per-CPU structures for.
const maxCPUs = 512

// Config parameterizes a Scheduler.
type Config struct {
	// CPUs is the number of logical CPUs, each with its own run queue.
	CPUs int
	// Policy is the dispatch policy. Only PolicyConstant is compiled in.
	Policy Policy
}

// Scheduler owns one run queue per logical CPU and decides, on each
// scheduling event, which vessel runs next.
type Scheduler struct {
	cpus   []*CPU
	policy Policy
	nextID atomic.Uint64
	log    *logrus.Entry
}

// New builds a scheduler with cfg.CPUs run queues and an idle vessel per
// CPU.
func New(cfg Config) (*Scheduler, error) {
	if cfg.CPUs < 1 || cfg.CPUs > maxCPUs {
		return nil, hvkern.Errorf(hvkern.KERN_BAD_ARGUMENT,
			"sched: CPU count %d out of range [1, %d]", cfg.CPUs, maxCPUs)
	}
	if cfg.Policy != PolicyConstant {
		return nil, fmt.Errorf("sched: policy %v is not compiled in: %w",
			cfg.Policy, hvkern.ErrUnsupported)
	}

	s := &Scheduler{
		policy: cfg.Policy,
		log:    logrus.WithField("subsystem", "sched"),
	}
	s.cpus = make([]*CPU, cfg.CPUs)
	for i := range s.cpus {
		cpu := &CPU{index: i, sched: s}
		cpu.idle = &Vessel{
			id:       ID(s.nextID.Add(1)),
			name:     fmt.Sprintf("idle-%d", i),
			affinity: i,
			isIdle:   true,
		}
		// The idle vessel is always Ready and never enqueued; it is the
		// fallback when the run queue is empty, not an error case.
		cpu.idle.setState(StateReady)
		cpu.idle.lastCPU.Store(int32(i))
		s.cpus[i] = cpu
	}

	s.log.WithFields(logrus.Fields{
		"cpus":   cfg.CPUs,
		"policy": cfg.Policy.String(),
	}).Info("scheduler online")
	return s, nil
}

// NumCPU returns the number of logical CPUs.
func (s *Scheduler) NumCPU() int { return len(s.cpus) }

// CPU returns the per-CPU scheduling state for the given index.
func (s *Scheduler) CPU(i int) *CPU { return s.cpus[i] }

// NewVessel creates a vessel in Ready state, not yet on any queue. cb may
// be nil for contexts with no hardware state of their own.
func (s *Scheduler) NewVessel(name string, affinity int, cb ControlBlock) (*Vessel, error) {
	if affinity != NoAffinity && (affinity < 0 || affinity >= len(s.cpus)) {
		return nil, hvkern.Errorf(hvkern.KERN_BAD_ARGUMENT,
			"sched: affinity %d out of range for %d CPUs", affinity, len(s.cpus))
	}
	v := &Vessel{
		id:       ID(s.nextID.Add(1)),
		name:     name,
		affinity: affinity,
		cb:       cb,
	}
	v.setState(StateReady)
	v.lastCPU.Store(int32(NoAffinity))
	return v, nil
}

// Register admits a Ready vessel onto its target run queue: the affinity
// CPU when bound, otherwise the least-loaded queue. Delivery goes through
// the target's inbox so only the owning CPU ever mutates its run queue.
func (s *Scheduler) Register(v *Vessel) error {
	if v.isIdle {
		return fmt.Errorf("sched: idle vessels are never enqueued: %w", hvkern.ErrInvalidState)
	}
	if st := v.State(); st != StateReady {
		return fmt.Errorf("sched: cannot register a %v vessel: %w", st, hvkern.ErrInvalidState)
	}
	if !v.queued.CompareAndSwap(false, true) {
		return fmt.Errorf("sched: vessel %q is already enqueued: %w", v.name, hvkern.ErrInvalidState)
	}
	s.placementFor(v).deliver(v)
	return nil
}

// placementFor picks the CPU a vessel should land on.
func (s *Scheduler) placementFor(v *Vessel) *CPU {
	if v.affinity != NoAffinity {
		return s.cpus[v.affinity]
	}
	if last := int(v.lastCPU.Load()); last != NoAffinity {
		return s.cpus[last]
	}
	target := s.cpus[0]
	for _, cpu := range s.cpus[1:] {
		if cpu.QueueLen() < target.QueueLen() {
			target = cpu
		}
	}
	return target
}

// Block moves a Running or Ready vessel to Blocked. A blocked vessel is
// dropped from its queue lazily at the owning CPU's next scheduling event.
func (s *Scheduler) Block(v *Vessel) error {
	if v.isIdle {
		return fmt.Errorf("sched: the idle vessel cannot block: %w", hvkern.ErrInvalidState)
	}
	if v.casState(StateRunning, StateBlocked) || v.casState(StateReady, StateBlocked) {
		return nil
	}
	return fmt.Errorf("sched: cannot block a %v vessel: %w", v.State(), hvkern.ErrInvalidState)
}

// Wake makes a Blocked vessel Ready and eligible on its placement CPU
// before that CPU's next scheduling event. Waking an already-Ready or
// Running vessel is a no-op: the run queue length does not change.
func (s *Scheduler) Wake(v *Vessel) {
	if !v.casState(StateBlocked, StateReady) {
		return
	}
	hvkern.RecordWakeup()
	// Still sitting on a queue from before it blocked: leave it there.
	if !v.queued.CompareAndSwap(false, true) {
		return
	}
	s.placementFor(v).deliver(v)
}

// Terminate retires a vessel. The transition is cooperative: it is issued
// by the VM lifecycle layer, never forced mid-execution, and is final.
func (s *Scheduler) Terminate(v *Vessel) error {
	if v.isIdle {
		return fmt.Errorf("sched: the idle vessel cannot terminate: %w", hvkern.ErrInvalidState)
	}
	for {
		st := v.State()
		if st == StateTerminated {
			return fmt.Errorf("sched: vessel %q is already terminated: %w", v.name, hvkern.ErrInvalidState)
		}
		if v.casState(st, StateTerminated) {
			s.log.WithFields(logrus.Fields{
				"vessel": v.name,
				"id":     uint64(v.id),
			}).Debug("vessel terminated")
			return nil
		}
	}
}
