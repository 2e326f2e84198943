package pmm

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/google/btree"

	"github.com/nullpath/hvkern"
	"github.com/nullpath/hvkern/boot"
	"github.com/nullpath/hvkern/mem"
)

// MaxSupportedOrder bounds the largest tracked order. Order 32 blocks cover
// 16 TiB, beyond any memory map this kernel will see.
const MaxSupportedOrder mem.Order = 32

// btreeDegree is the branching factor of the per-order free sets.
const btreeDegree = 16

// Buddy is the buddy physical frame allocator. Free blocks of 2^order
// frames are tracked per order in ordered sets keyed by base address; the
// order is implied by the set index. Two free buddies of the same order are
// always merged eagerly on free, so no two adjacent aligned free blocks of
// the same order coexist.
type Buddy struct {
	mu sync.Mutex

	// zones[i] holds the base addresses of free blocks of order i.
	zones    []*btree.BTreeG[uint64]
	maxOrder mem.Order

	// Usable spans in ascending order, adjacent ones merged. Used to reject
	// frees of foreign memory, including holes between usable ranges.
	spans [][2]uint64

	freeFrames uint64
}

// NewBuddy builds a buddy allocator from the firmware memory map, greedily
// decomposing every usable range into maximal aligned power-of-two blocks.
// A maxOrder of zero derives the largest useful order from the map itself.
func NewBuddy(mm boot.MemoryMap, maxOrder mem.Order) (*Buddy, error) {
	if err := mm.Validate(); err != nil {
		return nil, fmt.Errorf("pmm: rejecting memory map: %w", err)
	}
	usable := mm.UsableFrames()
	if usable == 0 {
		return nil, hvkern.Errorf(hvkern.KERN_BAD_ARGUMENT, "pmm: no usable memory in the memory map")
	}
	if maxOrder == 0 {
		maxOrder = mem.Order(bits.Len64(usable) - 1)
	}
	if maxOrder > MaxSupportedOrder {
		return nil, hvkern.Errorf(hvkern.KERN_BAD_ARGUMENT,
			"pmm: max order %d exceeds supported maximum %d", maxOrder, MaxSupportedOrder)
	}

	b := &Buddy{
		zones:    make([]*btree.BTreeG[uint64], maxOrder+1),
		maxOrder: maxOrder,
	}
	for i := range b.zones {
		b.zones[i] = btree.NewG[uint64](btreeDegree, func(x, y uint64) bool { return x < y })
	}

	mm.VisitUsable(func(base mem.PhysAddr, frames uint64) bool {
		b.seedRange(uint64(base), frames)
		return true
	})
	return b, nil
}

// seedRange decomposes [base, base+frames*PageSize) into maximal aligned
// blocks and inserts them through the coalescing path, keeping the eager
// merge invariant even across adjacent usable entries.
func (b *Buddy) seedRange(base uint64, frames uint64) {
	end := base + frames<<mem.PageShift
	if n := len(b.spans); n > 0 && b.spans[n-1][1] == base {
		b.spans[n-1][1] = end
	} else {
		b.spans = append(b.spans, [2]uint64{base, end})
	}
	for frames > 0 {
		order := b.largestOrderAt(base, frames)
		b.insertBlock(base, order)
		b.freeFrames += order.Frames()
		base += uint64(order.Bytes())
		frames -= order.Frames()
	}
}

// largestOrderAt returns the biggest tracked order whose block both starts
// aligned at addr and fits within the remaining frame count.
func (b *Buddy) largestOrderAt(addr uint64, frames uint64) mem.Order {
	byCount := mem.Order(bits.Len64(frames) - 1)
	byAlign := mem.Order(bits.TrailingZeros64(addr >> mem.PageShift))
	order := byCount
	if byAlign < order {
		order = byAlign
	}
	if order > b.maxOrder {
		order = b.maxOrder
	}
	return order
}

// MaxOrder returns the largest order the allocator tracks.
func (b *Buddy) MaxOrder() mem.Order {
	return b.maxOrder
}

// FreeFrames returns the number of frames currently on the free lists.
func (b *Buddy) FreeFrames() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freeFrames
}

// Alloc hands out a self-aligned block of 2^order frames. If no block of
// the exact order is free, the smallest sufficient higher-order block is
// split in halves down to the requested order, pushing each unused half to
// the next-lower free list.
func (b *Buddy) Alloc(order mem.Order) (mem.PhysAddr, error) {
	if order > b.maxOrder {
		return 0, fmt.Errorf("pmm: order %d exceeds tracked maximum %d: %w",
			order, b.maxOrder, hvkern.ErrUnsupportedOrder)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	from := order
	for ; from <= b.maxOrder; from++ {
		if b.zones[from].Len() > 0 {
			break
		}
	}
	if from > b.maxOrder {
		hvkern.RecordOOM()
		return 0, fmt.Errorf("pmm: no free block of order %d: %w", order, hvkern.ErrOutOfMemory)
	}

	// Lowest-address block first keeps allocation deterministic.
	base, _ := b.zones[from].Min()
	b.zones[from].Delete(base)

	splits := 0
	for i := from; i > order; i-- {
		half := uint64((i - 1).Bytes())
		b.zones[i-1].ReplaceOrInsert(base + half)
		splits++
	}

	b.freeFrames -= order.Frames()
	hvkern.RecordFrameAlloc(splits)
	return mem.PhysAddr(base), nil
}

// AllocAt reserves the exact block [addr, addr+2^order frames). The block
// must lie entirely within one free block; the surrounding remainder is
// split back onto the free lists.
func (b *Buddy) AllocAt(addr mem.PhysAddr, order mem.Order) error {
	if order > b.maxOrder {
		return fmt.Errorf("pmm: order %d exceeds tracked maximum %d: %w",
			order, b.maxOrder, hvkern.ErrUnsupportedOrder)
	}
	if !addr.IsAligned(order) {
		return fmt.Errorf("pmm: address 0x%x not aligned for order %d: %w",
			uint64(addr), order, hvkern.ErrBadAlignment)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// A free block containing addr is aligned to its own size, so its base
	// is addr rounded down to that size.
	for from := order; from <= b.maxOrder; from++ {
		base := uint64(mem.AlignDown(addr, from.Bytes()))
		if !b.zones[from].Has(base) {
			continue
		}
		b.zones[from].Delete(base)

		// Split off the halves that do not contain the target range.
		cur := base
		for i := from; i > order; i-- {
			half := uint64((i - 1).Bytes())
			if uint64(addr) < cur+half {
				b.zones[i-1].ReplaceOrInsert(cur + half)
			} else {
				b.zones[i-1].ReplaceOrInsert(cur)
				cur += half
			}
		}

		b.freeFrames -= order.Frames()
		hvkern.RecordFrameAlloc(int(from - order))
		return nil
	}

	hvkern.RecordOOM()
	return fmt.Errorf("pmm: range 0x%x order %d is not free: %w",
		uint64(addr), order, hvkern.ErrOutOfMemory)
}

// Free returns a block to its order's free list and eagerly merges it with
// its buddy as long as the buddy is also fully free, repeating upward until
// no merge is possible or the top order is reached.
func (b *Buddy) Free(addr mem.PhysAddr, order mem.Order) error {
	if order > b.maxOrder {
		return fmt.Errorf("pmm: order %d exceeds tracked maximum %d: %w",
			order, b.maxOrder, hvkern.ErrUnsupportedOrder)
	}
	if !addr.IsAligned(order) {
		return fmt.Errorf("pmm: address 0x%x not aligned for order %d: %w",
			uint64(addr), order, hvkern.ErrBadAlignment)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	base := uint64(addr)
	if !b.managed(base, base+uint64(order.Bytes())) {
		return fmt.Errorf("pmm: range 0x%x order %d is outside managed memory: %w",
			base, order, hvkern.ErrInvalidFree)
	}
	if b.overlapsFree(base, order) {
		return fmt.Errorf("pmm: range 0x%x order %d is already (partially) free: %w",
			base, order, hvkern.ErrInvalidFree)
	}

	merges := b.insertBlock(base, order)
	b.freeFrames += order.Frames()
	hvkern.RecordFrameFree(merges)
	return nil
}

// managed reports whether [base, end) lies entirely within one usable span.
func (b *Buddy) managed(base, end uint64) bool {
	for _, span := range b.spans {
		if base >= span[0] && end <= span[1] {
			return true
		}
	}
	return false
}

// overlapsFree reports whether any part of [base, base+2^order frames) is
// already on a free list. This is the double-free bookkeeping: continuing
// after a hit would corrupt the free lists.
func (b *Buddy) overlapsFree(base uint64, order mem.Order) bool {
	end := base + uint64(order.Bytes())
	for i := mem.Order(0); i <= b.maxOrder; i++ {
		// A free block of order i starting inside the range.
		hit := false
		b.zones[i].AscendGreaterOrEqual(base, func(item uint64) bool {
			hit = item < end
			return false
		})
		if hit {
			return true
		}
		// A free block of order i starting before base but covering it.
		blockBase := uint64(mem.AlignDown(mem.PhysAddr(base), i.Bytes()))
		if blockBase != base && b.zones[i].Has(blockBase) {
			return true
		}
	}
	return false
}

// insertBlock pushes a block onto the free lists, coalescing upward. The
// buddy of a block is the block whose address differs only in the order-th
// frame bit. Returns the number of merges performed.
func (b *Buddy) insertBlock(base uint64, order mem.Order) int {
	merges := 0
	i := order
	for ; i < b.maxOrder; i++ {
		buddy := base ^ uint64(i.Bytes())
		if _, removed := b.zones[i].Delete(buddy); !removed {
			break
		}
		merges++
		if buddy < base {
			base = buddy
		}
	}
	b.zones[i].ReplaceOrInsert(base)
	return merges
}

// FreeBlocks returns, per order, the base addresses of all free blocks in
// ascending order. Intended for consistency checks and inspection tools.
func (b *Buddy) FreeBlocks() [][]mem.PhysAddr {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]mem.PhysAddr, b.maxOrder+1)
	for i, zone := range b.zones {
		blocks := make([]mem.PhysAddr, 0, zone.Len())
		zone.Ascend(func(item uint64) bool {
			blocks = append(blocks, mem.PhysAddr(item))
			return true
		})
		out[i] = blocks
	}
	return out
}
