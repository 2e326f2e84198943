package pmm

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/nullpath/hvkern"
	"github.com/nullpath/hvkern/boot"
	"github.com/nullpath/hvkern/mem"
)

// testBase is 16 MiB, aligned well past every order used in these tests.
const testBase mem.PhysAddr = 16 * 1024 * 1024

func newTestBuddy(t *testing.T, frames uint64) *Buddy {
	t.Helper()
	mm := boot.MemoryMap{
		{Base: testBase, Length: mem.Size(frames) * mem.PageSize, Type: boot.EntryUsable},
	}
	b, err := NewBuddy(mm, 0)
	if err != nil {
		t.Fatalf("NewBuddy(%d frames) error: %v", frames, err)
	}
	return b
}

func mustAlloc(t *testing.T, b *Buddy, order mem.Order) mem.PhysAddr {
	t.Helper()
	addr, err := b.Alloc(order)
	if err != nil {
		t.Fatalf("Alloc(%d) error: %v", order, err)
	}
	return addr
}

func mustFree(t *testing.T, b *Buddy, addr mem.PhysAddr, order mem.Order) {
	t.Helper()
	if err := b.Free(addr, order); err != nil {
		t.Fatalf("Free(%#x, %d) error: %v", addr, order, err)
	}
}

func TestBuddySplitAndCoalesce(t *testing.T) {
	// One 1 MiB usable range: 256 frames.
	b := newTestBuddy(t, 256)
	if got := b.FreeFrames(); got != 256 {
		t.Fatalf("FreeFrames() = %d, want 256", got)
	}

	first := mustAlloc(t, b, 0)
	if first != testBase {
		t.Errorf("first Alloc(0) = %#x, want %#x", first, testBase)
	}

	second := mustAlloc(t, b, 0)
	if second != testBase+mem.PhysAddr(mem.PageSize) {
		t.Errorf("second Alloc(0) = %#x, want %#x", second, testBase+mem.PhysAddr(mem.PageSize))
	}

	mustFree(t, b, first, 0)
	mustFree(t, b, second, 0)

	// Both frames coalesced back, so an order-1 block is available at the
	// very base again.
	pair := mustAlloc(t, b, 1)
	if pair != testBase {
		t.Errorf("Alloc(1) after coalesce = %#x, want %#x", pair, testBase)
	}
	if got := b.FreeFrames(); got != 254 {
		t.Errorf("FreeFrames() = %d, want 254", got)
	}
}

func TestBuddyFrameConservation(t *testing.T) {
	b := newTestBuddy(t, 256)
	initial := b.FreeBlocks()

	type block struct {
		addr  mem.PhysAddr
		order mem.Order
	}
	var held []block
	for _, order := range []mem.Order{0, 3, 1, 5, 0, 2, 4, 0} {
		held = append(held, block{mustAlloc(t, b, order), order})
	}

	var outstanding uint64
	for _, blk := range held {
		outstanding += blk.order.Frames()
	}
	if got := b.FreeFrames(); got != 256-outstanding {
		t.Errorf("FreeFrames() = %d, want %d", got, 256-outstanding)
	}

	// Free in a different order than allocated; coalescing must restore the
	// exact initial free-list shape.
	for i := len(held) - 1; i >= 0; i-- {
		mustFree(t, b, held[i].addr, held[i].order)
	}
	if got := b.FreeFrames(); got != 256 {
		t.Errorf("FreeFrames() after release = %d, want 256", got)
	}
	if diff := cmp.Diff(initial, b.FreeBlocks(), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("free lists not restored (-initial +final):\n%s", diff)
	}
}

func TestBuddySelfAlignment(t *testing.T) {
	b := newTestBuddy(t, 256)
	for order := mem.Order(0); order <= 5; order++ {
		addr := mustAlloc(t, b, order)
		if !addr.IsAligned(order) {
			t.Errorf("Alloc(%d) = %#x, not self-aligned", order, addr)
		}
	}
}

func TestBuddyRangeDecomposition(t *testing.T) {
	tests := []struct {
		name   string
		frames uint64
		// per order, expected free block count after init
		wantCounts map[mem.Order]int
	}{
		{
			name:       "power of two",
			frames:     256,
			wantCounts: map[mem.Order]int{8: 1},
		},
		{
			name:       "3 frames = 2 + 1",
			frames:     3,
			wantCounts: map[mem.Order]int{1: 1, 0: 1},
		},
		{
			name:       "10 frames = 8 + 2",
			frames:     10,
			wantCounts: map[mem.Order]int{3: 1, 1: 1},
		},
		{
			name:       "7 frames = 4 + 2 + 1",
			frames:     7,
			wantCounts: map[mem.Order]int{2: 1, 1: 1, 0: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBuddy(t, tt.frames)
			if got := b.FreeFrames(); got != tt.frames {
				t.Errorf("FreeFrames() = %d, want %d", got, tt.frames)
			}
			for order, blocks := range b.FreeBlocks() {
				want := tt.wantCounts[mem.Order(order)]
				if len(blocks) != want {
					t.Errorf("order %d has %d free blocks, want %d", order, len(blocks), want)
				}
			}
		})
	}
}

func TestBuddyUnalignedRange(t *testing.T) {
	// A usable range starting mid-block still decomposes into aligned
	// blocks: 16 MiB + 4 KiB for 5 frames gives 1 + 2 + 2.
	mm := boot.MemoryMap{
		{Base: testBase + 0x1000, Length: 5 * mem.PageSize, Type: boot.EntryUsable},
	}
	b, err := NewBuddy(mm, 4)
	if err != nil {
		t.Fatalf("NewBuddy error: %v", err)
	}
	if got := b.FreeFrames(); got != 5 {
		t.Fatalf("FreeFrames() = %d, want 5", got)
	}
	for order, blocks := range b.FreeBlocks() {
		for _, addr := range blocks {
			if !addr.IsAligned(mem.Order(order)) {
				t.Errorf("free block %#x on order %d is not self-aligned", addr, order)
			}
		}
	}
}

func TestBuddyFragmentationAndRecovery(t *testing.T) {
	b := newTestBuddy(t, 128)

	frames := make([]mem.PhysAddr, 128)
	for i := range frames {
		frames[i] = mustAlloc(t, b, 0)
	}

	// Free every odd frame. Half the memory is free but no two free frames
	// are buddies, so larger orders stay empty.
	for i := 1; i < len(frames); i += 2 {
		mustFree(t, b, frames[i], 0)
	}
	if got := b.FreeFrames(); got != 64 {
		t.Fatalf("FreeFrames() = %d, want 64", got)
	}
	if _, err := b.Alloc(5); !errors.Is(err, hvkern.ErrOutOfMemory) {
		t.Errorf("Alloc(5) on fragmented memory = %v, want ErrOutOfMemory", err)
	}

	// Freeing the even frames restores the single top-order block.
	for i := 0; i < len(frames); i += 2 {
		mustFree(t, b, frames[i], 0)
	}
	addr := mustAlloc(t, b, 7)
	if addr != testBase {
		t.Errorf("Alloc(7) after full recovery = %#x, want %#x", addr, testBase)
	}
}

func TestBuddyAllocErrors(t *testing.T) {
	b := newTestBuddy(t, 16) // max order 4

	t.Run("unsupported order", func(t *testing.T) {
		if _, err := b.Alloc(5); !errors.Is(err, hvkern.ErrUnsupportedOrder) {
			t.Errorf("Alloc(5) = %v, want ErrUnsupportedOrder", err)
		}
	})

	t.Run("out of memory", func(t *testing.T) {
		if _, err := b.Alloc(4); err != nil {
			t.Fatalf("Alloc(4) error: %v", err)
		}
		if _, err := b.Alloc(0); !errors.Is(err, hvkern.ErrOutOfMemory) {
			t.Errorf("Alloc(0) on empty allocator = %v, want ErrOutOfMemory", err)
		}
		mustFree(t, b, testBase, 4)
	})
}

func TestBuddyFreeErrors(t *testing.T) {
	b := newTestBuddy(t, 64)
	addr := mustAlloc(t, b, 2)

	tests := []struct {
		name  string
		addr  mem.PhysAddr
		order mem.Order
		want  error
	}{
		{"misaligned for order", addr + 0x1000, 2, hvkern.ErrBadAlignment},
		{"order above maximum", testBase, 12, hvkern.ErrUnsupportedOrder},
		{"foreign memory below", 0x1000, 0, hvkern.ErrInvalidFree},
		{"foreign memory above", testBase + 64*0x1000, 0, hvkern.ErrInvalidFree},
		{"never allocated", testBase + 8*0x1000, 0, hvkern.ErrInvalidFree},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := b.Free(tt.addr, tt.order); !errors.Is(err, tt.want) {
				t.Errorf("Free(%#x, %d) = %v, want %v", tt.addr, tt.order, err, tt.want)
			}
		})
	}

	t.Run("double free", func(t *testing.T) {
		mustFree(t, b, addr, 2)
		if err := b.Free(addr, 2); !errors.Is(err, hvkern.ErrInvalidFree) {
			t.Errorf("second Free(%#x, 2) = %v, want ErrInvalidFree", addr, err)
		}
	})

	t.Run("partial overlap with free block", func(t *testing.T) {
		held := mustAlloc(t, b, 0)
		// The frame after held is free; freeing held at order 1 would cover it.
		if err := b.Free(held, 1); !errors.Is(err, hvkern.ErrInvalidFree) {
			t.Errorf("Free(%#x, 1) overlapping free memory = %v, want ErrInvalidFree", held, err)
		}
		mustFree(t, b, held, 0)
	})
}

func TestBuddyAllocAt(t *testing.T) {
	b := newTestBuddy(t, 32) // single order-5 block

	target := testBase + 8*mem.PhysAddr(mem.PageSize)
	if err := b.AllocAt(target, 2); err != nil {
		t.Fatalf("AllocAt(%#x, 2) error: %v", target, err)
	}
	if got := b.FreeFrames(); got != 28 {
		t.Errorf("FreeFrames() = %d, want 28", got)
	}

	// The carved-out range must not be handed to anyone else: allocating
	// everything that is left never returns an address inside it.
	end := target + mem.PhysAddr(mem.Order(2).Bytes())
	for {
		addr, err := b.Alloc(0)
		if errors.Is(err, hvkern.ErrOutOfMemory) {
			break
		}
		if err != nil {
			t.Fatalf("Alloc(0) error: %v", err)
		}
		if addr >= target && addr < end {
			t.Fatalf("Alloc(0) returned %#x inside reserved range [%#x, %#x)", addr, target, end)
		}
	}
}

func TestBuddyAllocAtRoundTrip(t *testing.T) {
	b := newTestBuddy(t, 32)
	initial := b.FreeBlocks()

	target := testBase + 8*mem.PhysAddr(mem.PageSize)
	if err := b.AllocAt(target, 2); err != nil {
		t.Fatalf("AllocAt(%#x, 2) error: %v", target, err)
	}
	mustFree(t, b, target, 2)

	if diff := cmp.Diff(initial, b.FreeBlocks(), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("free lists not restored after AllocAt round trip (-initial +final):\n%s", diff)
	}
}

func TestBuddyAllocAtErrors(t *testing.T) {
	b := newTestBuddy(t, 16)

	t.Run("misaligned address", func(t *testing.T) {
		if err := b.AllocAt(testBase+0x1000, 2); !errors.Is(err, hvkern.ErrBadAlignment) {
			t.Errorf("AllocAt misaligned = %v, want ErrBadAlignment", err)
		}
	})

	t.Run("outside managed memory", func(t *testing.T) {
		if err := b.AllocAt(testBase+32*0x1000, 0); !errors.Is(err, hvkern.ErrOutOfMemory) {
			t.Errorf("AllocAt outside map = %v, want ErrOutOfMemory", err)
		}
	})

	t.Run("already allocated", func(t *testing.T) {
		if err := b.AllocAt(testBase, 1); err != nil {
			t.Fatalf("first AllocAt error: %v", err)
		}
		if err := b.AllocAt(testBase, 1); !errors.Is(err, hvkern.ErrOutOfMemory) {
			t.Errorf("second AllocAt = %v, want ErrOutOfMemory", err)
		}
		mustFree(t, b, testBase, 1)
	})
}

func TestBuddyMultiRangeMap(t *testing.T) {
	// Two disjoint usable ranges with a reserved hole between them. Blocks
	// never span the hole.
	mm := boot.MemoryMap{
		{Base: testBase, Length: 16 * mem.PageSize, Type: boot.EntryUsable},
		{Base: testBase + 16*mem.PhysAddr(mem.PageSize), Length: 16 * mem.PageSize, Type: boot.EntryReserved},
		{Base: testBase + 32*mem.PhysAddr(mem.PageSize), Length: 16 * mem.PageSize, Type: boot.EntryUsable},
	}
	b, err := NewBuddy(mm, 5)
	if err != nil {
		t.Fatalf("NewBuddy error: %v", err)
	}
	if got := b.FreeFrames(); got != 32 {
		t.Fatalf("FreeFrames() = %d, want 32", got)
	}

	holeStart := testBase + 16*mem.PhysAddr(mem.PageSize)
	holeEnd := testBase + 32*mem.PhysAddr(mem.PageSize)
	for order, blocks := range b.FreeBlocks() {
		for _, addr := range blocks {
			end := addr + mem.PhysAddr(mem.Order(order).Bytes())
			if addr < holeEnd && end > holeStart {
				t.Errorf("free block [%#x, %#x) order %d overlaps reserved hole", addr, end, order)
			}
		}
	}

	if err := b.Free(holeStart, 0); !errors.Is(err, hvkern.ErrInvalidFree) {
		t.Errorf("Free inside reserved hole = %v, want ErrInvalidFree", err)
	}
}

func TestNewBuddyRejects(t *testing.T) {
	tests := []struct {
		name     string
		mm       boot.MemoryMap
		maxOrder mem.Order
	}{
		{
			name:     "no usable memory",
			mm:       boot.MemoryMap{{Base: testBase, Length: mem.PageSize, Type: boot.EntryReserved}},
			maxOrder: 0,
		},
		{
			name:     "malformed map",
			mm:       boot.MemoryMap{{Base: testBase, Length: 0, Type: boot.EntryUsable}},
			maxOrder: 0,
		},
		{
			name:     "max order too large",
			mm:       boot.MemoryMap{{Base: testBase, Length: mem.PageSize, Type: boot.EntryUsable}},
			maxOrder: MaxSupportedOrder + 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBuddy(tt.mm, tt.maxOrder); !errors.Is(err, hvkern.ErrBadArgument) {
				t.Errorf("NewBuddy = %v, want ErrBadArgument", err)
			}
		})
	}
}
