//go:build unix

package hostmem

import (
	"sync"

	"golang.org/x/sys/unix"
)

var (
	cachedPageSize int
	pageSizeOnce   sync.Once
)

// HostPageSize returns the host page size, cached for performance.
func HostPageSize() int {
	pageSizeOnce.Do(func() {
		cachedPageSize = unix.Getpagesize()
	})
	return cachedPageSize
}

// Supported returns true when anonymous host mappings are available.
func Supported() bool { return true }

func mmapAnon(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

func munmap(data []byte) error {
	return unix.Munmap(data)
}
