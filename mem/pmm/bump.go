package pmm

import (
	"fmt"
	"sync"

	"github.com/nullpath/hvkern"
	"github.com/nullpath/hvkern/boot"
	"github.com/nullpath/hvkern/mem"
)

// Bump is a monotonic boot-time frame allocator: it walks the usable ranges
// front to back and never reclaims. Free and AllocAt are unsupported; the
// bump allocator exists for early bring-up and for configurations where the
// buddy allocator is compiled out.
type Bump struct {
	mu sync.Mutex

	regions []bumpRegion
	current int
}

type bumpRegion struct {
	next uint64 // next unallocated address
	end  uint64
}

// NewBump builds a bump allocator over the usable ranges of the memory map.
func NewBump(mm boot.MemoryMap) (*Bump, error) {
	if err := mm.Validate(); err != nil {
		return nil, fmt.Errorf("pmm: rejecting memory map: %w", err)
	}
	b := &Bump{}
	mm.VisitUsable(func(base mem.PhysAddr, frames uint64) bool {
		b.regions = append(b.regions, bumpRegion{
			next: uint64(base),
			end:  uint64(base) + frames<<mem.PageShift,
		})
		return true
	})
	if len(b.regions) == 0 {
		return nil, hvkern.Errorf(hvkern.KERN_BAD_ARGUMENT, "pmm: no usable memory in the memory map")
	}
	return b, nil
}

// Alloc bumps the cursor to the next self-aligned block of 2^order frames,
// skipping to the next usable region when the current one is exhausted.
func (b *Bump) Alloc(order mem.Order) (mem.PhysAddr, error) {
	if order > MaxSupportedOrder {
		return 0, fmt.Errorf("pmm: order %d exceeds supported maximum %d: %w",
			order, MaxSupportedOrder, hvkern.ErrUnsupportedOrder)
	}
	size := uint64(order.Bytes())

	b.mu.Lock()
	defer b.mu.Unlock()

	for ; b.current < len(b.regions); b.current++ {
		r := &b.regions[b.current]
		base := uint64(mem.AlignUp(mem.PhysAddr(r.next), order.Bytes()))
		if base+size <= r.end {
			r.next = base + size
			hvkern.RecordFrameAlloc(0)
			return mem.PhysAddr(base), nil
		}
	}

	hvkern.RecordOOM()
	return 0, fmt.Errorf("pmm: bump allocator exhausted: %w", hvkern.ErrOutOfMemory)
}

// AllocAt is not supported by the bump allocator.
func (b *Bump) AllocAt(addr mem.PhysAddr, order mem.Order) error {
	return fmt.Errorf("pmm: bump allocator cannot reserve specific ranges: %w", hvkern.ErrUnsupported)
}

// Free is not supported: bump allocations are permanent until the buddy
// allocator takes over the map.
func (b *Bump) Free(addr mem.PhysAddr, order mem.Order) error {
	return fmt.Errorf("pmm: bump allocator cannot free: %w", hvkern.ErrUnsupported)
}

// FreeFrames returns the number of frames the cursor has not yet passed.
func (b *Bump) FreeFrames() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var total uint64
	for i := b.current; i < len(b.regions); i++ {
		r := b.regions[i]
		if r.next < r.end {
			total += (r.end - r.next) >> mem.PageShift
		}
	}
	return total
}
