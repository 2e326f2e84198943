package hvkern

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKernError(t *testing.T) {
	tests := []struct {
		name     string
		code     uint32
		expected string
	}{
		{
			name:     "KERN_SUCCESS",
			code:     KERN_SUCCESS,
			expected: "kern: success",
		},
		{
			name:     "KERN_OUT_OF_MEMORY",
			code:     KERN_OUT_OF_MEMORY,
			expected: "kern: out of memory (KERN_OUT_OF_MEMORY) - no free block of sufficient order",
		},
		{
			name:     "KERN_UNSUPPORTED_ORDER",
			code:     KERN_UNSUPPORTED_ORDER,
			expected: "kern: unsupported order (KERN_UNSUPPORTED_ORDER) - request exceeds the largest tracked order",
		},
		{
			name:     "KERN_INVALID_FREE",
			code:     KERN_INVALID_FREE,
			expected: "kern: invalid free (KERN_INVALID_FREE) - double free or free of foreign memory",
		},
		{
			name:     "KERN_BAD_ALIGNMENT",
			code:     KERN_BAD_ALIGNMENT,
			expected: "kern: bad alignment (KERN_BAD_ALIGNMENT) - address not aligned for the requested order",
		},
		{
			name:     "KERN_BAD_ARGUMENT",
			code:     KERN_BAD_ARGUMENT,
			expected: "kern: invalid argument (KERN_BAD_ARGUMENT) - check parameter values and ranges",
		},
		{
			name:     "KERN_INVALID_STATE",
			code:     KERN_INVALID_STATE,
			expected: "kern: invalid state (KERN_INVALID_STATE) - operation not legal in the current lifecycle state",
		},
		{
			name:     "KERN_UNSUPPORTED",
			code:     KERN_UNSUPPORTED,
			expected: "kern: operation unsupported (KERN_UNSUPPORTED) - feature not available on this platform or allocator",
		},
		{
			name:     "Unknown error code",
			code:     0x12345678,
			expected: "kern: unknown error code 0x12345678",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := KernError{Code: tt.code}
			got := err.Error()
			if got != tt.expected {
				t.Errorf("KernError{Code: 0x%08x}.Error() = %q, want %q", tt.code, got, tt.expected)
			}
		})
	}
}

func TestKernErrorCustomMessage(t *testing.T) {
	err := Errorf(KERN_BAD_ARGUMENT, "bad order %d", 42)
	if !strings.Contains(err.Error(), "bad order 42") {
		t.Errorf("Errorf message not preserved: %q", err.Error())
	}
	if !errors.Is(err, ErrBadArgument) {
		t.Errorf("Errorf result does not match ErrBadArgument sentinel")
	}
}

func TestKernErrorIs(t *testing.T) {
	wrapped := fmt.Errorf("pmm: no free block of order 3: %w", ErrOutOfMemory)
	if !errors.Is(wrapped, ErrOutOfMemory) {
		t.Errorf("wrapped error did not match ErrOutOfMemory")
	}
	if errors.Is(wrapped, ErrInvalidFree) {
		t.Errorf("wrapped OutOfMemory matched ErrInvalidFree")
	}

	doubleWrapped := fmt.Errorf("slab: cache grow failed: %w", wrapped)
	if !errors.Is(doubleWrapped, ErrOutOfMemory) {
		t.Errorf("double-wrapped error did not match ErrOutOfMemory")
	}
}
