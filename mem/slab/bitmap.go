package slab

import "math/bits"

// bitmap tracks slot occupancy within one slab, one bit per slot.
type bitmap []uint64

func newBitmap(n int) bitmap {
	return make(bitmap, (n+63)/64)
}

func (b bitmap) set(i int) {
	b[i>>6] |= 1 << (uint(i) & 63)
}

func (b bitmap) clear(i int) {
	b[i>>6] &^= 1 << (uint(i) & 63)
}

func (b bitmap) test(i int) bool {
	return b[i>>6]&(1<<(uint(i)&63)) != 0
}

// firstClear returns the lowest clear bit below n.
func (b bitmap) firstClear(n int) (int, bool) {
	for w, word := range b {
		if word == ^uint64(0) {
			continue
		}
		i := w<<6 + bits.TrailingZeros64(^word)
		if i >= n {
			return 0, false
		}
		return i, true
	}
	return 0, false
}
