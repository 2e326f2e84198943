package hvkern

import "fmt"

// Kernel error codes returned by the memory and scheduling subsystems.
const (
	KERN_SUCCESS           uint32 = 0x00000000
	KERN_OUT_OF_MEMORY     uint32 = 0xE0000001
	KERN_UNSUPPORTED_ORDER uint32 = 0xE0000002
	KERN_INVALID_FREE      uint32 = 0xE0000003
	KERN_BAD_ALIGNMENT     uint32 = 0xE0000004
	KERN_BAD_ARGUMENT      uint32 = 0xE0000005
	KERN_INVALID_STATE     uint32 = 0xE0000006
	KERN_UNSUPPORTED       uint32 = 0xE0000007
)

// KernError wraps a kernel error code.
type KernError struct {
	Code    uint32
	message string // Optional custom message for specific errors
}

func (e KernError) Error() string {
	// Use custom message if available
	if e.message != "" {
		return e.message
	}

	switch e.Code {
	case KERN_SUCCESS:
		return "kern: success"
	case KERN_OUT_OF_MEMORY:
		return "kern: out of memory (KERN_OUT_OF_MEMORY) - no free block of sufficient order"
	case KERN_UNSUPPORTED_ORDER:
		return "kern: unsupported order (KERN_UNSUPPORTED_ORDER) - request exceeds the largest tracked order"
	case KERN_INVALID_FREE:
		return "kern: invalid free (KERN_INVALID_FREE) - double free or free of foreign memory"
	case KERN_BAD_ALIGNMENT:
		return "kern: bad alignment (KERN_BAD_ALIGNMENT) - address not aligned for the requested order"
	case KERN_BAD_ARGUMENT:
		return "kern: invalid argument (KERN_BAD_ARGUMENT) - check parameter values and ranges"
	case KERN_INVALID_STATE:
		return "kern: invalid state (KERN_INVALID_STATE) - operation not legal in the current lifecycle state"
	case KERN_UNSUPPORTED:
		return "kern: operation unsupported (KERN_UNSUPPORTED) - feature not available on this platform or allocator"
	default:
		return fmt.Sprintf("kern: unknown error code 0x%08x", e.Code)
	}
}

// Is reports whether target carries the same kernel error code, so that
// errors.Is matches wrapped kernel errors against the Err* sentinels.
func (e KernError) Is(target error) bool {
	switch t := target.(type) {
	case KernError:
		return t.Code == e.Code
	case *KernError:
		return t.Code == e.Code
	default:
		return false
	}
}

// Errorf returns a KernError with the given code and a formatted message.
func Errorf(code uint32, format string, args ...any) error {
	return &KernError{Code: code, message: "kern: " + fmt.Sprintf(format, args...)}
}

// Common specific errors for API consumers
var (
	ErrOutOfMemory      = &KernError{Code: KERN_OUT_OF_MEMORY}
	ErrUnsupportedOrder = &KernError{Code: KERN_UNSUPPORTED_ORDER}
	ErrInvalidFree      = &KernError{Code: KERN_INVALID_FREE}
	ErrBadAlignment     = &KernError{Code: KERN_BAD_ALIGNMENT}
	ErrBadArgument      = &KernError{Code: KERN_BAD_ARGUMENT}
	ErrInvalidState     = &KernError{Code: KERN_INVALID_STATE}
	ErrUnsupported      = &KernError{Code: KERN_UNSUPPORTED}
)
