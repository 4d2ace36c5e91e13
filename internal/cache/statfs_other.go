//go:build !(linux || darwin || freebsd)

package cache

// DiskUsage is unavailable here; eviction falls back to max_bytes
func DiskUsage(string) (Usage, error) {
	return Usage{}, ErrUsageUnsupported
}
