// Package sched multiplexes CPU time between guest execution contexts.
//
// A Vessel is one schedulable unit of work: a per-CPU idle loop or a VM's
// virtual CPU. Each logical CPU owns a run queue of Ready vessels and
// rotates through it in fixed order (the constant policy). Cross-CPU
// operations never touch a foreign run queue directly; they go through the
// target CPU's lock-protected inbox, drained at its next scheduling event.
package sched

import (
	"fmt"
	"sync/atomic"
)

// State is a vessel's position in its lifecycle. Transitions are driven
// only by the scheduler: Ready→Running on dispatch, Running→Ready on
// preemption or yield, Running/Ready→Blocked on Block, Blocked→Ready on
// Wake, and any live state→Terminated on Terminate. Terminated is final.
type State int32

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ID identifies a vessel for its whole lifetime.
type ID uint64

// ControlBlock is the saved hardware execution state of a vessel — the
// VMCS/VMCB reference. Programming it belongs to the VM-entry collaborator;
// the scheduler only calls Save on the way out and Load on the way in, at
// the controlled trap boundary.
type ControlBlock interface {
	Save()
	Load()
}

// NoAffinity marks a vessel that may be placed on any CPU.
const NoAffinity = -1

// Vessel is one schedulable execution context.
type Vessel struct {
	id       ID
	name     string
	affinity int
	cb       ControlBlock
	isIdle   bool

	state atomic.Int32

	// queued guards against double enqueue: true while the vessel sits on
	// a run queue or inbox. A vessel is on at most one queue at a time.
	queued atomic.Bool

	// lastCPU is where the vessel last ran; wakes of NoAffinity vessels
	// return there.
	lastCPU atomic.Int32
}

// ID returns the vessel's identifier.
func (v *Vessel) ID() ID { return v.id }

// Name returns the vessel's debug name.
func (v *Vessel) Name() string { return v.name }

// Affinity returns the CPU the vessel is bound to, or NoAffinity.
func (v *Vessel) Affinity() int { return v.affinity }

// State returns the vessel's current lifecycle state.
func (v *Vessel) State() State { return State(v.state.Load()) }

func (v *Vessel) setState(s State) { v.state.Store(int32(s)) }

func (v *Vessel) casState(from, to State) bool {
	return v.state.CompareAndSwap(int32(from), int32(to))
}
