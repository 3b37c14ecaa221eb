//go:build linux

package worker

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// limitMemory caps the address space of the current process.
func limitMemory(limit int64) error {
	lim := unix.Rlimit{Cur: uint64(limit), Max: uint64(limit)}
	var cur unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_AS, &cur); err == nil && cur.Max < lim.Max {
		lim.Cur, lim.Max = min(lim.Cur, cur.Max), cur.Max
	}
	if err := unix.Setrlimit(unix.RLIMIT_AS, &lim); err != nil {
		return fmt.Errorf("setrlimit: %w", err)
	}
	return nil
}
