//go:build linux

package flushmanager

import (
	"os"

	"golang.org/x/sys/unix"
)

// adviseRandomAccess disables kernel read-ahead: the buffer pool reads single pages at arbitrary offsets.
func adviseRandomAccess(f *os.File) error {
	return unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM)
}

// syncFile flushes file data without forcing a metadata update.
func syncFile(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
