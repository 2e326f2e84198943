// Package mem contains the physical-memory primitives shared by the frame
// and object allocators: addresses, sizes, frames and allocation orders.
package mem

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	KiB       = 1024 * Byte
	MiB       = 1024 * KiB
	GiB       = 1024 * MiB
)

// The kernel's allocation granularity. Frames never move; the PMM hands out
// power-of-two aligned runs of them.
const (
	PageShift      = 12
	PageSize  Size = 1 << PageShift
)

// PhysAddr is a physical memory address.
type PhysAddr uint64

// Frame is a physical page frame number (address >> PageShift).
type Frame uint64

// Order is a power-of-two multiple of the base frame size used as the
// argument to the buddy allocator.
//
// Order(0) refers to a block of PageSize << 0
// Order(1) refers to a block of PageSize << 1
// ...
type Order uint8

// Frame returns the frame number containing the address.
func (a PhysAddr) Frame() Frame {
	return Frame(a >> PageShift)
}

// IsAligned reports whether the address is aligned to the block size of the
// given order.
func (a PhysAddr) IsAligned(o Order) bool {
	return a&(PhysAddr(o.Bytes())-1) == 0
}

// Address returns the physical address of the first byte of the frame.
func (f Frame) Address() PhysAddr {
	return PhysAddr(f) << PageShift
}

// Frames returns the number of frames in a block of this order.
func (o Order) Frames() uint64 {
	return 1 << o
}

// Bytes returns the size in bytes of a block of this order.
func (o Order) Bytes() Size {
	return PageSize << o
}

// OrderFor returns the smallest order whose block size holds at least n
// bytes.
func OrderFor(n Size) Order {
	var o Order
	for o.Bytes() < n {
		o++
	}
	return o
}

// AlignUp rounds addr up to the next multiple of align. align must be a
// power of two.
func AlignUp(addr PhysAddr, align Size) PhysAddr {
	mask := PhysAddr(align - 1)
	return (addr + mask) &^ mask
}

// AlignDown rounds addr down to a multiple of align. align must be a power
// of two.
func AlignDown(addr PhysAddr, align Size) PhysAddr {
	return addr &^ PhysAddr(align-1)
}
