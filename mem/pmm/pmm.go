// Package pmm implements the physical memory managers. The buddy allocator
// is the default; the bump allocator is a simpler boot-time alternative
// selected through the kernel configuration.
//
// All allocators hand out power-of-two frame runs aligned to their own
// size. Ownership of a returned range transfers to the caller until it is
// freed back.
package pmm

import (
	"github.com/nullpath/hvkern/mem"
)

// Allocator is the contract shared by the physical memory managers.
type Allocator interface {
	// Alloc returns the base address of a free, self-aligned block of
	// 2^order contiguous frames.
	Alloc(order mem.Order) (mem.PhysAddr, error)

	// AllocAt reserves the specific block [addr, addr+2^order frames).
	// Used for firmware-reserved ranges and DMA buffers.
	AllocAt(addr mem.PhysAddr, order mem.Order) error

	// Free returns a previously allocated block.
	Free(addr mem.PhysAddr, order mem.Order) error

	// FreeFrames returns the number of frames currently free.
	FreeFrames() uint64
}

var (
	_ Allocator = (*Buddy)(nil)
	_ Allocator = (*Bump)(nil)
)
