package hvkern

import (
	"sync/atomic"
)

// Performance metrics for monitoring the kernel core
var (
	// Physical memory manager counters
	frameAllocs uint64
	frameFrees  uint64
	frameSplits uint64
	frameMerges uint64
	oomEvents   uint64

	// Slab allocator counters
	slabAllocs uint64
	slabFrees  uint64
	cacheGrows uint64
	cacheReaps uint64

	// Scheduler counters
	contextSwitches uint64
	preemptions     uint64
	wakeups         uint64
)

// Metrics provides access to kernel core performance metrics
type Metrics struct {
	FrameAllocs     uint64 `json:"frame_allocs"`
	FrameFrees      uint64 `json:"frame_frees"`
	FrameSplits     uint64 `json:"frame_splits"`
	FrameMerges     uint64 `json:"frame_merges"`
	OOMEvents       uint64 `json:"oom_events"`
	SlabAllocs      uint64 `json:"slab_allocs"`
	SlabFrees       uint64 `json:"slab_frees"`
	CacheGrows      uint64 `json:"cache_grows"`
	CacheReaps      uint64 `json:"cache_reaps"`
	ContextSwitches uint64 `json:"context_switches"`
	Preemptions     uint64 `json:"preemptions"`
	Wakeups         uint64 `json:"wakeups"`
}

// GetMetrics returns current kernel core metrics
func GetMetrics() Metrics {
	return Metrics{
		FrameAllocs:     atomic.LoadUint64(&frameAllocs),
		FrameFrees:      atomic.LoadUint64(&frameFrees),
		FrameSplits:     atomic.LoadUint64(&frameSplits),
		FrameMerges:     atomic.LoadUint64(&frameMerges),
		OOMEvents:       atomic.LoadUint64(&oomEvents),
		SlabAllocs:      atomic.LoadUint64(&slabAllocs),
		SlabFrees:       atomic.LoadUint64(&slabFrees),
		CacheGrows:      atomic.LoadUint64(&cacheGrows),
		CacheReaps:      atomic.LoadUint64(&cacheReaps),
		ContextSwitches: atomic.LoadUint64(&contextSwitches),
		Preemptions:     atomic.LoadUint64(&preemptions),
		Wakeups:         atomic.LoadUint64(&wakeups),
	}
}

// ResetMetrics clears all kernel core metrics
func ResetMetrics() {
	atomic.StoreUint64(&frameAllocs, 0)
	atomic.StoreUint64(&frameFrees, 0)
	atomic.StoreUint64(&frameSplits, 0)
	atomic.StoreUint64(&frameMerges, 0)
	atomic.StoreUint64(&oomEvents, 0)
	atomic.StoreUint64(&slabAllocs, 0)
	atomic.StoreUint64(&slabFrees, 0)
	atomic.StoreUint64(&cacheGrows, 0)
	atomic.StoreUint64(&cacheReaps, 0)
	atomic.StoreUint64(&contextSwitches, 0)
	atomic.StoreUint64(&preemptions, 0)
	atomic.StoreUint64(&wakeups, 0)
}

// Metric recording functions. These are called by the subsystem packages on
// their hot paths, so they must stay allocation-free.

// RecordFrameAlloc counts a successful PMM allocation and the splits it took.
func RecordFrameAlloc(splits int) {
	atomic.AddUint64(&frameAllocs, 1)
	if splits > 0 {
		atomic.AddUint64(&frameSplits, uint64(splits))
	}
}

// RecordFrameFree counts a successful PMM free and the merges it performed.
func RecordFrameFree(merges int) {
	atomic.AddUint64(&frameFrees, 1)
	if merges > 0 {
		atomic.AddUint64(&frameMerges, uint64(merges))
	}
}

// RecordOOM counts a failed allocation due to memory exhaustion.
func RecordOOM() {
	atomic.AddUint64(&oomEvents, 1)
}

// RecordSlabAlloc counts a slab object allocation.
func RecordSlabAlloc() {
	atomic.AddUint64(&slabAllocs, 1)
}

// RecordSlabFree counts a slab object free.
func RecordSlabFree() {
	atomic.AddUint64(&slabFrees, 1)
}

// RecordCacheGrow counts a slab cache growing by one slab.
func RecordCacheGrow() {
	atomic.AddUint64(&cacheGrows, 1)
}

// RecordCacheReap counts one empty slab returned to the PMM.
func RecordCacheReap() {
	atomic.AddUint64(&cacheReaps, 1)
}

// RecordContextSwitch counts a scheduler dispatch that changed the running
// vessel.
func RecordContextSwitch() {
	atomic.AddUint64(&contextSwitches, 1)
}

// RecordPreemption counts a timer-driven scheduling event.
func RecordPreemption() {
	atomic.AddUint64(&preemptions, 1)
}

// RecordWakeup counts a blocked vessel becoming ready.
func RecordWakeup() {
	atomic.AddUint64(&wakeups, 1)
}
