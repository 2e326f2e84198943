package slab

import "testing"

func TestBitmapFirstClear(t *testing.T) {
	b := newBitmap(130)

	for want := 0; want < 130; want++ {
		got, ok := b.firstClear(130)
		if !ok || got != want {
			t.Fatalf("firstClear = (%d, %v), want (%d, true)", got, ok, want)
		}
		b.set(got)
	}
	if _, ok := b.firstClear(130); ok {
		t.Errorf("firstClear on full bitmap returned ok")
	}

	// Clearing a bit in the middle makes it the next candidate.
	b.clear(77)
	if got, ok := b.firstClear(130); !ok || got != 77 {
		t.Errorf("firstClear after clear(77) = (%d, %v), want (77, true)", got, ok)
	}
	if b.test(77) {
		t.Errorf("test(77) = true after clear")
	}
}

func TestBitmapRespectsLimit(t *testing.T) {
	// 100 slots share two words; the tail bits past n must never be handed out.
	b := newBitmap(100)
	for i := 0; i < 100; i++ {
		b.set(i)
	}
	if got, ok := b.firstClear(100); ok {
		t.Errorf("firstClear past the slot limit = (%d, true), want not found", got)
	}
}
