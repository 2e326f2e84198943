// Package slab implements the size-class object allocator built on top of
// the PMM. A Cache serves one fixed object size out of slabs: frame runs
// obtained from the PMM and carved into equal slots tracked by an occupancy
// bitmap. A Heap bundles a ladder of caches and rounds arbitrary request
// sizes up to the nearest class.
//
// Retention policy: a slab that becomes completely empty is kept on the
// cache's empty list and reused before asking the PMM for more memory.
// Empty slabs are only returned to the PMM by an explicit Reap, invoked
// under memory pressure.
package slab

import (
	"fmt"
	"sync"

	"github.com/nullpath/hvkern"
	"github.com/nullpath/hvkern/mem"
	"github.com/nullpath/hvkern/mem/pmm"
)

// maxSlabOrder caps how many frames a single slab may span while the cache
// searches for an internal-fragmentation ratio under 1/8.
const maxSlabOrder mem.Order = 4

// slab is one carved-up frame run. The bookkeeping lives here, outside the
// managed frames, so every byte of the slab is available for objects.
type slab struct {
	base mem.PhysAddr
	used bitmap
	live int
}

// Cache is a slab cache for one object size class.
type Cache struct {
	mu sync.Mutex

	name    string
	objSize mem.Size
	order   mem.Order // frames per slab = 2^order
	slots   int       // objects per slab

	partial []*slab
	full    []*slab
	empty   []*slab
	byBase  map[mem.PhysAddr]*slab

	frames pmm.Allocator
}

// NewCache creates a cache serving objects of exactly objSize bytes.
// objSize must be a positive multiple of 8 no larger than a maxSlabOrder
// block.
func NewCache(name string, objSize mem.Size, frames pmm.Allocator) (*Cache, error) {
	if objSize == 0 || objSize%8 != 0 {
		return nil, hvkern.Errorf(hvkern.KERN_BAD_ARGUMENT,
			"slab: object size %d must be a positive multiple of 8", objSize)
	}
	if objSize > maxSlabOrder.Bytes() {
		return nil, hvkern.Errorf(hvkern.KERN_BAD_ARGUMENT,
			"slab: object size %d exceeds the largest slab (%d bytes)", objSize, maxSlabOrder.Bytes())
	}

	c := &Cache{
		name:    name,
		objSize: objSize,
		order:   slabOrderFor(objSize),
		byBase:  make(map[mem.PhysAddr]*slab),
		frames:  frames,
	}
	c.slots = int(c.order.Bytes() / objSize)
	return c, nil
}

// slabOrderFor picks the smallest slab order that keeps the space wasted by
// slot rounding at or under 1/8 of the slab.
func slabOrderFor(objSize mem.Size) mem.Order {
	for order := mem.Order(0); ; order++ {
		bytes := order.Bytes()
		if bytes < objSize {
			continue
		}
		if order == maxSlabOrder {
			return order
		}
		if waste := bytes % objSize; waste*8 <= bytes {
			return order
		}
	}
}

// Name returns the cache's name.
func (c *Cache) Name() string { return c.name }

// ObjectSize returns the fixed slot size served by the cache.
func (c *Cache) ObjectSize() mem.Size { return c.objSize }

// SlotsPerSlab returns how many objects one slab holds.
func (c *Cache) SlotsPerSlab() int { return c.slots }

// Alloc returns the address of one free slot. When no partially-full slab
// exists, an empty slab is reused, or a fresh one is requested from the
// PMM. Fails with OutOfMemory only when the PMM allocation fails.
func (c *Cache) Alloc() (mem.PhysAddr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s *slab
	switch {
	case len(c.partial) > 0:
		s = c.partial[len(c.partial)-1]
	case len(c.empty) > 0:
		s = c.empty[len(c.empty)-1]
		c.empty = c.empty[:len(c.empty)-1]
		c.partial = append(c.partial, s)
	default:
		grown, err := c.grow()
		if err != nil {
			return 0, err
		}
		s = grown
		c.partial = append(c.partial, s)
	}

	idx, ok := s.used.firstClear(c.slots)
	if !ok {
		// A slab on the partial list always has a free slot.
		return 0, hvkern.Errorf(hvkern.KERN_INVALID_STATE,
			"slab: cache %q partial slab 0x%x is full", c.name, uint64(s.base))
	}
	s.used.set(idx)
	s.live++
	if s.live == c.slots {
		c.partial = removeSlab(c.partial, s)
		c.full = append(c.full, s)
	}

	hvkern.RecordSlabAlloc()
	return s.base + mem.PhysAddr(idx)*mem.PhysAddr(c.objSize), nil
}

// grow requests one more slab from the PMM.
func (c *Cache) grow() (*slab, error) {
	base, err := c.frames.Alloc(c.order)
	if err != nil {
		return nil, fmt.Errorf("slab: cache %q cannot grow: %w", c.name, err)
	}
	s := &slab{
		base: base,
		used: newBitmap(c.slots),
	}
	c.byBase[base] = s
	hvkern.RecordCacheGrow()
	return s, nil
}

// Free releases the slot at addr. The owning slab is located by address
// range containment; frees outside the cache, misaligned frees, and double
// frees are reported as InvalidFree so the caller can halt before the
// bookkeeping is corrupted.
func (c *Cache) Free(addr mem.PhysAddr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freeLocked(addr)
}

func (c *Cache) freeLocked(addr mem.PhysAddr) error {
	base := mem.AlignDown(addr, c.order.Bytes())
	s := c.byBase[base]
	if s == nil {
		return fmt.Errorf("slab: address 0x%x does not belong to cache %q: %w",
			uint64(addr), c.name, hvkern.ErrInvalidFree)
	}
	off := uint64(addr - s.base)
	if off%uint64(c.objSize) != 0 {
		return fmt.Errorf("slab: address 0x%x is not a slot boundary of cache %q: %w",
			uint64(addr), c.name, hvkern.ErrInvalidFree)
	}
	idx := int(off / uint64(c.objSize))
	if idx >= c.slots {
		return fmt.Errorf("slab: address 0x%x lands in the unused tail of cache %q: %w",
			uint64(addr), c.name, hvkern.ErrInvalidFree)
	}
	if !s.used.test(idx) {
		return fmt.Errorf("slab: double free of 0x%x in cache %q: %w",
			uint64(addr), c.name, hvkern.ErrInvalidFree)
	}

	s.used.clear(idx)
	if s.live == c.slots {
		c.full = removeSlab(c.full, s)
		c.partial = append(c.partial, s)
	}
	s.live--
	if s.live == 0 {
		c.partial = removeSlab(c.partial, s)
		c.empty = append(c.empty, s)
	}

	hvkern.RecordSlabFree()
	return nil
}

// Owns reports whether addr lies within a slab of this cache.
func (c *Cache) Owns(addr mem.PhysAddr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byBase[mem.AlignDown(addr, c.order.Bytes())]
	return ok
}

// Reap returns all completely empty slabs to the PMM. Invoked under memory
// pressure; partial and full slabs are untouched.
func (c *Cache) Reap() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.empty {
		if err := c.frames.Free(s.base, c.order); err != nil {
			return fmt.Errorf("slab: cache %q reap: %w", c.name, err)
		}
		delete(c.byBase, s.base)
		hvkern.RecordCacheReap()
	}
	c.empty = c.empty[:0]
	return nil
}

// destroy returns every slab to the PMM regardless of live objects. Only
// the owning Heap calls this during teardown.
func (c *Cache) destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for base := range c.byBase {
		if err := c.frames.Free(base, c.order); err != nil {
			return fmt.Errorf("slab: cache %q teardown: %w", c.name, err)
		}
		delete(c.byBase, base)
	}
	c.partial = nil
	c.full = nil
	c.empty = nil
	return nil
}

// Stats is a snapshot of a cache's slab lists.
type Stats struct {
	Partial int
	Full    int
	Empty   int
	Live    int
}

// Stats returns the current slab list lengths and live object count.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		Partial: len(c.partial),
		Full:    len(c.full),
		Empty:   len(c.empty),
	}
	for _, s := range c.byBase {
		st.Live += s.live
	}
	return st
}

func removeSlab(list []*slab, s *slab) []*slab {
	for i, cand := range list {
		if cand == s {
			list[i] = list[len(list)-1]
			return list[:len(list)-1]
		}
	}
	return list
}
