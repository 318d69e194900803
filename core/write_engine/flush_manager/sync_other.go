//go:build !linux

package flushmanager

import "os"

func adviseRandomAccess(*os.File) error { return nil }

func syncFile(f *os.File) error {
	return f.Sync()
}
