// Package hvkern is the core of a type-1 hypervisor kernel for x86_64:
// physical memory management, dynamic object allocation, and scheduling of
// guest execution contexts across logical CPUs.
//
// The root package carries the typed kernel errors and the atomic metric
// counters shared by every subsystem. The subsystems live in subpackages:
//
//   - boot    — firmware memory-map handoff types
//   - mem     — physical addresses, frames, sizes, orders
//   - mem/pmm — buddy (default) and bump physical frame allocators
//   - mem/slab — size-class object caches carved out of PMM frames
//   - sched   — per-CPU run queues and the constant (round-robin) policy
//   - hostmem — host-backed guest-physical arenas for hosted operation
//   - kernel  — lifecycle composition of the above
//
// # Basic Usage
//
// Boot the core from a firmware memory map:
//
//	mm := boot.MemoryMap{
//		{Base: 0x100000, Length: 64 << 20, Type: boot.EntryUsable},
//	}
//	k, err := kernel.New(kernel.Config{MemoryMap: mm, CPUs: 4})
//	if err != nil {
//		log.Fatal("kernel bring-up failed:", err)
//	}
//	defer k.Close()
//
// Allocate raw frame ranges and heap objects:
//
//	frame, err := k.PMM().Alloc(0)     // one 4 KiB frame
//	obj, err := k.Heap().Alloc(64)     // one 64-byte heap slot
//
// Create and schedule guest execution contexts ("vessels"):
//
//	v, err := k.CreateVessel("guest-bsp", 0, controlBlock)
//	next := k.Scheduler().CPU(0).Tick() // timer interrupt entry point
//
// # Error Handling
//
// All failures are reported as KernError values carrying a kernel error
// code. Callers match them with errors.Is against the Err* sentinels;
// allocator exhaustion (ErrOutOfMemory) is recoverable by the caller,
// invalid frees indicate memory corruption and must be treated as fatal.
//
// # Concurrency
//
// Allocator state is mutex-guarded and safe for concurrent use. Run queues
// are owned by their CPU; cross-CPU wakes and migrations go through a
// lock-protected per-CPU inbox. Allocator locks and scheduler queue locks
// are disjoint: no allocator path calls into the scheduler and vice versa.
package hvkern
