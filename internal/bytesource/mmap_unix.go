//go:build unix

package bytesource

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapRegion maps [off, off+n) of f read-only. mmap offsets must be page
// aligned, so the mapping starts at the enclosing page boundary.
func mapRegion(f *os.File, off, n int64) (*Buffer, error) {
	page := int64(unix.Getpagesize())
	start := off &^ (page - 1)
	skip := off - start

	data, err := unix.Mmap(int(f.Fd()), start, int(skip+n), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	// Parsers walk structures front to back.
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)

	return &Buffer{
		data: data[skip : skip+n : skip+n],
		release: func() error {
			if err := unix.Munmap(data); err != nil {
				return fmt.Errorf("munmap: %w", err)
			}
			return nil
		},
	}, nil
}
