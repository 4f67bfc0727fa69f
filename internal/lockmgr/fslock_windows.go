//go:build windows

// fslock_windows.go is a simplified stand-in for the Windows advisory
// lock primitive, mirroring aalhour-rockyardkv's own simplification in
// internal/vfs/lock_windows.go: exclusive open without LockFileEx.
package lockmgr

import (
	"io"
	"os"
)

type osFileLock struct {
	f *os.File
}

func tryLockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &osFileLock{f: f}, nil
}

func (l *osFileLock) Close() error {
	return l.f.Close()
}
