//go:build linux || darwin || freebsd

package cache

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskUsage measures the filesystem containing path with statfs(2)
func DiskUsage(path string) (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Usage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return Usage{
		Used:      (uint64(st.Blocks) - uint64(st.Bfree)) * bsize,
		Available: uint64(st.Bavail) * bsize,
	}, nil
}
