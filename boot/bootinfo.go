// Package boot defines the firmware memory-map handoff consumed by the
// physical memory manager. The shape follows the bootloader protocol's
// memory map: an ordered list of (base, length, type) entries.
package boot

import (
	"fmt"

	"github.com/nullpath/hvkern"
	"github.com/nullpath/hvkern/mem"
)

// EntryType classifies a memory-map entry.
type EntryType uint32

const (
	EntryUsable EntryType = iota
	EntryReserved
	EntryACPIReclaimable
	EntryACPINVS
	EntryBadMemory
	EntryBootloaderReclaimable
	EntryKernelAndModules
	EntryFramebuffer
)

// String returns the conventional name of the entry type.
func (t EntryType) String() string {
	switch t {
	case EntryUsable:
		return "usable"
	case EntryReserved:
		return "reserved"
	case EntryACPIReclaimable:
		return "acpi-reclaimable"
	case EntryACPINVS:
		return "acpi-nvs"
	case EntryBadMemory:
		return "bad-memory"
	case EntryBootloaderReclaimable:
		return "bootloader-reclaimable"
	case EntryKernelAndModules:
		return "kernel-and-modules"
	case EntryFramebuffer:
		return "framebuffer"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// Entry describes one physical memory range reported by the firmware.
type Entry struct {
	Base   mem.PhysAddr
	Length mem.Size
	Type   EntryType
}

// End returns the first address past the entry.
func (e Entry) End() mem.PhysAddr {
	return e.Base + mem.PhysAddr(e.Length)
}

// MemoryMap is the ordered set of memory ranges handed off at boot.
type MemoryMap []Entry

// Validate checks that the map is sorted by base address, free of overlaps
// and zero-length entries. The PMM refuses a map that fails validation
// since decomposing a malformed map would corrupt the free lists.
func (mm MemoryMap) Validate() error {
	var prevEnd mem.PhysAddr
	for i, e := range mm {
		if e.Length == 0 {
			return hvkern.Errorf(hvkern.KERN_BAD_ARGUMENT, "memory map entry %d has zero length", i)
		}
		if e.Base < prevEnd {
			return hvkern.Errorf(hvkern.KERN_BAD_ARGUMENT,
				"memory map entry %d (base 0x%x) overlaps or is out of order", i, uint64(e.Base))
		}
		if uint64(e.Base) > ^uint64(0)-uint64(e.Length) {
			return hvkern.Errorf(hvkern.KERN_BAD_ARGUMENT,
				"memory map entry %d (base 0x%x, length 0x%x) wraps the address space",
				i, uint64(e.Base), uint64(e.Length))
		}
		prevEnd = e.End()
	}
	return nil
}

// VisitUsable invokes fn for every usable range, with base rounded up and
// end rounded down to frame boundaries. Returning false stops the walk.
// Ranges that shrink to nothing after alignment are skipped.
func (mm MemoryMap) VisitUsable(fn func(base mem.PhysAddr, frames uint64) bool) {
	for _, e := range mm {
		if e.Type != EntryUsable {
			continue
		}
		base := mem.AlignUp(e.Base, mem.PageSize)
		end := mem.AlignDown(e.End(), mem.PageSize)
		if end <= base {
			continue
		}
		if !fn(base, uint64(end-base)>>mem.PageShift) {
			return
		}
	}
}

// UsableFrames returns the total number of whole frames in usable ranges.
func (mm MemoryMap) UsableFrames() uint64 {
	var total uint64
	mm.VisitUsable(func(_ mem.PhysAddr, frames uint64) bool {
		total += frames
		return true
	})
	return total
}
