package slab

import (
	"fmt"

	"github.com/nullpath/hvkern"
	"github.com/nullpath/hvkern/mem"
	"github.com/nullpath/hvkern/mem/pmm"
)

// DefaultClasses is the size-class ladder used by the kernel heap when the
// configuration does not override it.
var DefaultClasses = []mem.Size{16, 32, 64, 128, 256, 512, 1024, 2048}

// Heap serves general-purpose dynamic allocations by rounding each request
// up to the nearest size class and delegating to that class's cache.
type Heap struct {
	caches []*Cache // ascending by object size
}

// NewHeap builds a heap over the given PMM with one cache per size class.
// classes must be ascending; when empty, DefaultClasses is used.
func NewHeap(frames pmm.Allocator, classes ...mem.Size) (*Heap, error) {
	if len(classes) == 0 {
		classes = DefaultClasses
	}
	h := &Heap{caches: make([]*Cache, 0, len(classes))}
	var prev mem.Size
	for _, size := range classes {
		if size <= prev {
			return nil, hvkern.Errorf(hvkern.KERN_BAD_ARGUMENT,
				"slab: size classes must be ascending, got %d after %d", size, prev)
		}
		c, err := NewCache(fmt.Sprintf("size-%d", size), size, frames)
		if err != nil {
			return nil, err
		}
		h.caches = append(h.caches, c)
		prev = size
	}
	return h, nil
}

// Alloc returns one slot of the smallest class that fits size. Requests
// beyond the largest class belong to the PMM, not the heap.
func (h *Heap) Alloc(size mem.Size) (mem.PhysAddr, error) {
	if size == 0 {
		return 0, hvkern.Errorf(hvkern.KERN_BAD_ARGUMENT, "slab: zero-size heap allocation")
	}
	for _, c := range h.caches {
		if c.objSize >= size {
			return c.Alloc()
		}
	}
	return 0, fmt.Errorf("slab: %d bytes exceeds the largest size class %d, use the PMM: %w",
		size, h.caches[len(h.caches)-1].objSize, hvkern.ErrBadArgument)
}

// Free releases a slot previously returned by Alloc. The owning cache is
// found by address containment, which also catches cross-class frees.
func (h *Heap) Free(addr mem.PhysAddr) error {
	for _, c := range h.caches {
		if c.Owns(addr) {
			return c.Free(addr)
		}
	}
	return fmt.Errorf("slab: address 0x%x does not belong to any heap cache: %w",
		uint64(addr), hvkern.ErrInvalidFree)
}

// Cache returns the cache serving exactly size, or nil.
func (h *Heap) Cache(size mem.Size) *Cache {
	for _, c := range h.caches {
		if c.objSize == size {
			return c
		}
	}
	return nil
}

// Reap returns all empty slabs of all caches to the PMM.
func (h *Heap) Reap() error {
	for _, c := range h.caches {
		if err := c.Reap(); err != nil {
			return err
		}
	}
	return nil
}

// Close tears the heap down, returning every slab to the PMM even when
// objects are still live.
func (h *Heap) Close() error {
	for _, c := range h.caches {
		if err := c.destroy(); err != nil {
			return err
		}
	}
	return nil
}
