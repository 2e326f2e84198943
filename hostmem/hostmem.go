// Package hostmem backs a guest-physical address range with host memory so
// the kernel core can run hosted: the PMM and slab allocator manage the
// range, and a platform collaborator may map the same bytes into a hardware
// VM. On platforms without anonymous mappings the package reports
// unsupported.
package hostmem

import (
	"fmt"

	"github.com/nullpath/hvkern"
	"github.com/nullpath/hvkern/boot"
	"github.com/nullpath/hvkern/mem"
)

// Arena is a contiguous guest-physical range backed by an anonymous host
// mapping.
type Arena struct {
	base mem.PhysAddr
	data []byte
}

// NewArena maps size bytes of host memory to stand in for the guest
// physical range [base, base+size). base and size must be frame-aligned.
func NewArena(base mem.PhysAddr, size mem.Size) (*Arena, error) {
	if size == 0 || size%mem.PageSize != 0 {
		return nil, hvkern.Errorf(hvkern.KERN_BAD_ARGUMENT,
			"hostmem: arena size %d is not a positive frame multiple", size)
	}
	if !base.IsAligned(0) {
		return nil, hvkern.Errorf(hvkern.KERN_BAD_ARGUMENT,
			"hostmem: arena base 0x%x is not frame-aligned", uint64(base))
	}
	data, err := mmapAnon(int(size))
	if err != nil {
		return nil, fmt.Errorf("hostmem: cannot back %d bytes: %w", size, err)
	}
	return &Arena{base: base, data: data}, nil
}

// Base returns the first guest-physical address of the arena.
func (a *Arena) Base() mem.PhysAddr { return a.base }

// Size returns the arena size in bytes.
func (a *Arena) Size() mem.Size { return mem.Size(len(a.data)) }

// MemoryMap returns the boot handoff describing the arena as one usable
// range.
func (a *Arena) MemoryMap() boot.MemoryMap {
	return boot.MemoryMap{{Base: a.base, Length: a.Size(), Type: boot.EntryUsable}}
}

// Slice returns the host bytes backing the guest-physical range
// [addr, addr+size).
func (a *Arena) Slice(addr mem.PhysAddr, size mem.Size) ([]byte, error) {
	if addr < a.base || uint64(addr)+uint64(size) > uint64(a.base)+uint64(len(a.data)) {
		return nil, hvkern.Errorf(hvkern.KERN_BAD_ARGUMENT,
			"hostmem: range 0x%x+%d outside arena 0x%x+%d",
			uint64(addr), size, uint64(a.base), len(a.data))
	}
	off := addr - a.base
	return a.data[off : uint64(off)+uint64(size) : uint64(off)+uint64(size)], nil
}

// Close releases the host mapping. The arena must not be used afterwards.
func (a *Arena) Close() error {
	if a.data == nil {
		return nil
	}
	err := munmap(a.data)
	a.data = nil
	if err != nil {
		return fmt.Errorf("hostmem: unmap failed: %w", err)
	}
	return nil
}
