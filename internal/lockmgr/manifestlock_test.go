package lockmgr

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestLock_AcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json.lock")
	lock := NewManifestLock(path, time.Second)

	release, err := lock.Acquire()
	require.NoError(t, err)
	require.NotNil(t, release)
	release()
}

func TestManifestLock_SecondAcquireWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json.lock")
	lockA := NewManifestLock(path, time.Second)
	lockB := NewManifestLock(path, time.Second)

	releaseA, err := lockA.Acquire()
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		releaseA()
	}()

	releaseB, err := lockB.Acquire()
	require.NoError(t, err)
	releaseB()
}

func TestManifestLock_StaleLockIsBroken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json.lock")
	lockA := NewManifestLock(path, 10*time.Millisecond)

	releaseA, err := lockA.Acquire()
	require.NoError(t, err)
	_ = releaseA // leaked on purpose: simulates a crashed holder that never released

	time.Sleep(30 * time.Millisecond)

	lockB := NewManifestLock(path, 10*time.Millisecond)
	releaseB, err := lockB.Acquire()
	require.NoError(t, err)
	releaseB()
}

func TestManifestLock_DefaultStaleAfter(t *testing.T) {
	lock := NewManifestLock(filepath.Join(t.TempDir(), "x.lock"), 0)
	assert.Equal(t, 30*time.Second, lock.staleAfter)
}
