//go:build !(linux || darwin || freebsd)

package fsutil

// FreeBytes is unknown on this platform.
func FreeBytes(path string) (free int64, ok bool) { return 0, false }
