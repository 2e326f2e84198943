//go:build !unix

package hostmem

import "github.com/nullpath/hvkern"

// HostPageSize returns the conventional page size on platforms without a
// host backing.
func HostPageSize() int { return 4096 }

// Supported returns false on non-unix platforms.
func Supported() bool { return false }

func mmapAnon(size int) ([]byte, error) {
	return nil, hvkern.Errorf(hvkern.KERN_UNSUPPORTED,
		"hostmem: not supported on this platform")
}

func munmap(data []byte) error {
	return nil
}
