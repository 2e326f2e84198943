package sched

import (
	"sync"

	"github.com/nullpath/hvkern"
)

// CPU is the per-logical-CPU scheduling state. The run queue and current
// vessel are owned by the CPU's own scheduling loop and are touched without
// locking; everything arriving from other CPUs lands in the inbox first.
type CPU struct {
	index int
	sched *Scheduler

	// Owner-only state.
	runq    []*Vessel
	current *Vessel
	idle    *Vessel

	// Cross-CPU hand-off: remote wakes, registrations and migrations.
	inboxMu sync.Mutex
	inbox   []*Vessel
}

// Index returns the logical CPU number.
func (c *CPU) Index() int { return c.index }

// Current returns the vessel dispatched by the last scheduling event, or
// nil before the first one.
func (c *CPU) Current() *Vessel { return c.current }

// Idle returns this CPU's dedicated idle vessel.
func (c *CPU) Idle() *Vessel { return c.idle }

// QueueLen returns the number of vessels waiting on this CPU, inbox
// included.
func (c *CPU) QueueLen() int {
	c.inboxMu.Lock()
	n := len(c.inbox)
	c.inboxMu.Unlock()
	return n + len(c.runq)
}

// deliver stages a vessel for this CPU. The caller must have set the
// vessel's queued flag.
func (c *CPU) deliver(v *Vessel) {
	c.inboxMu.Lock()
	c.inbox = append(c.inbox, v)
	c.inboxMu.Unlock()
}

// drainInbox moves staged vessels onto the run queue. Entries that blocked
// or terminated while in flight are dropped.
func (c *CPU) drainInbox() {
	c.inboxMu.Lock()
	staged := c.inbox
	c.inbox = nil
	c.inboxMu.Unlock()

	for _, v := range staged {
		if v.State() == StateReady {
			c.runq = append(c.runq, v)
		} else {
			v.queued.Store(false)
		}
	}
}

// popReady removes and returns the first Ready vessel from the run queue.
// Vessels that blocked or terminated while queued are dropped lazily here.
func (c *CPU) popReady() *Vessel {
	for len(c.runq) > 0 {
		v := c.runq[0]
		c.runq = c.runq[1:]
		v.queued.Store(false)
		if v.State() == StateReady {
			return v
		}
	}
	return nil
}

// Schedule is the scheduling event entry point: voluntary yield, block, or
// the tail of a timer tick. It rotates the previously Running vessel to the
// back of the queue (unless it blocked or terminated), dispatches the next
// Ready vessel under the constant policy, and performs the context switch.
// An empty run queue selects the idle vessel; it is never an error.
func (c *CPU) Schedule() *Vessel {
	c.drainInbox()

	prev := c.current
	if prev != nil && !prev.isIdle {
		switch prev.State() {
		case StateRunning:
			prev.setState(StateReady)
			prev.queued.Store(true)
			c.runq = append(c.runq, prev)
		case StateBlocked, StateTerminated:
			// Dropped: a blocked vessel returns via Wake, a terminated
			// one never does.
		}
	}

	next := c.popReady()
	if next == nil {
		next = c.idle
	} else {
		next.setState(StateRunning)
		next.lastCPU.Store(int32(c.index))
	}

	if next != prev {
		// The controlled trap boundary: hardware state moves through the
		// control blocks, never behind the vessel's back.
		if prev != nil && prev.cb != nil {
			prev.cb.Save()
		}
		if next.cb != nil {
			next.cb.Load()
		}
		hvkern.RecordContextSwitch()
	}

	c.current = next
	return next
}

// Tick is the timer-interrupt entry point the HPET (or APIC/PIT) driver is
// wired to. It preempts the running vessel and reschedules.
func (c *CPU) Tick() *Vessel {
	hvkern.RecordPreemption()
	return c.Schedule()
}
