//go:build linux || darwin || freebsd

package engine

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// freeBytes reports the bytes available to unprivileged users on the
// filesystem holding path, walking up to the nearest existing parent.
func freeBytes(path string) (uint64, error) {
	p := path
	for {
		if _, err := os.Stat(p); err == nil {
			break
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	var st unix.Statfs_t
	if err := unix.Statfs(p, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
