//go:build linux || darwin || freebsd

package fsutil

import "golang.org/x/sys/unix"

// FreeBytes reports bytes available to unprivileged users on the filesystem
// holding path. ok is false when the platform cannot tell.
func FreeBytes(path string) (free int64, ok bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, false
	}
	n := uint64(st.Bavail) * uint64(st.Bsize)
	if n > 1<<62 {
		n = 1 << 62
	}
	return int64(n), true
}
