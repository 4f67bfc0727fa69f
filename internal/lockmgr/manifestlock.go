package lockmgr

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"dev.helix.memory/internal/engineerr"
)

// manifestLockBody is written into the lock file so staleness can be
// judged even though flock itself only tells us "held or not held".
type manifestLockBody struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// ManifestLock is the cross-process advisory lock guarding one
// project's manifest.json.
type ManifestLock struct {
	path        string
	staleAfter  time.Duration
	maxRetries  int
}

// NewManifestLock constructs a lock for the given lock-file path.
func NewManifestLock(path string, staleAfter time.Duration) *ManifestLock {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	return &ManifestLock{path: path, staleAfter: staleAfter, maxRetries: 5}
}

// Release is returned by Acquire; callers must defer it.
type Release func()

// Acquire takes the lock, retrying with exponential backoff
// (5 retries by default) before giving up with a LockTimeoutError. A
// lock file whose recorded age exceeds staleAfter is treated as
// abandoned and broken.
func (m *ManifestLock) Acquire() (Release, error) {
	backoff := 50 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		closer, err := tryLockFile(m.path)
		if err == nil {
			body := manifestLockBody{PID: os.Getpid(), AcquiredAt: time.Now()}
			data, _ := json.Marshal(body)
			_ = os.WriteFile(m.path, data, 0o644)

			return func() {
				_ = os.Remove(m.path)
				_ = closer.Close()
			}, nil
		}
		lastErr = err

		if m.isStale() {
			// The previous holder is gone or hung; break the lock and retry
			// immediately rather than waiting out the backoff schedule.
			_ = os.Remove(m.path)
			continue
		}

		if attempt < m.maxRetries {
			time.Sleep(backoff)
			backoff = time.Duration(math.Min(float64(backoff*2), float64(2*time.Second)))
		}
	}

	return nil, engineerr.LockTimeoutError(fmt.Sprintf("manifest:%s (cause: %v)", m.path, lastErr))
}

// isStale reports whether the current lock file's recorded acquisition
// time is older than staleAfter.
func (m *ManifestLock) isStale() bool {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return false
	}
	var body manifestLockBody
	if err := json.Unmarshal(data, &body); err != nil {
		return false
	}
	return time.Since(body.AcquiredAt) > m.staleAfter
}
