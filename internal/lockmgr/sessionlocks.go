// Package lockmgr provides in-process session-operation locks plus
// the cross-process manifest file lock (see manifestlock.go). The
// in-process half is a mutex-guarded map of lock entries keyed by
// (projectID, sessionID, operation).
package lockmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dev.helix.memory/internal/engineerr"
)

// Operation is the closed set of session-operation lock domains.
type Operation string

const (
	OpCompression Operation = "compression"
	OpImport      Operation = "import"
	OpExport      Operation = "export"
	OpComposition Operation = "composition"
	OpRegister    Operation = "register"
)

type entry struct {
	lockedAt time.Time
}

// SessionLocks guards concurrent operations on the same
// (project, session) pair: at most one instance of each operation
// type may run at a time.
type SessionLocks struct {
	mu         sync.Mutex
	held       map[string]*entry
	staleAfter time.Duration
	cronID     cron.EntryID
	sched      *cron.Cron
}

// NewSessionLocks constructs a SessionLocks with the given staleness
// window (default 5 minutes) and starts a periodic sweep via
// robfig/cron.
func NewSessionLocks(staleAfter time.Duration) *SessionLocks {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	sl := &SessionLocks{
		held:       make(map[string]*entry),
		staleAfter: staleAfter,
		sched:      cron.New(),
	}
	id, err := sl.sched.AddFunc("@every 1m", sl.sweep)
	if err == nil {
		sl.cronID = id
		sl.sched.Start()
	}
	return sl
}

// Stop halts the periodic sweeper. Safe to call more than once.
func (sl *SessionLocks) Stop() {
	if sl.sched != nil {
		sl.sched.Stop()
	}
}

func key(projectID, sessionID string, op Operation) string {
	return fmt.Sprintf("%s/%s/%s", projectID, sessionID, op)
}

// TryAcquire attempts a non-blocking lock. On failure it returns
// CompressionInProgressError (the conventional name for this outcome
// regardless of operation type).
func (sl *SessionLocks) TryAcquire(projectID, sessionID string, op Operation) (Release, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.evictStaleLocked()

	k := key(projectID, sessionID, op)
	if _, ok := sl.held[k]; ok {
		return nil, engineerr.CompressionInProgressError(sessionID)
	}

	sl.held[k] = &entry{lockedAt: time.Now()}
	return sl.releaseFunc(k), nil
}

// AcquireWithTimeout retries TryAcquire with exponential backoff
// (100ms, doubling, capped at 2s) until success or maxWait elapses.
func (sl *SessionLocks) AcquireWithTimeout(ctx context.Context, projectID, sessionID string, op Operation, maxWait time.Duration) (Release, error) {
	deadline := time.Now().Add(maxWait)
	backoff := 100 * time.Millisecond

	for {
		release, err := sl.TryAcquire(projectID, sessionID, op)
		if err == nil {
			return release, nil
		}

		if time.Now().After(deadline) {
			return nil, engineerr.LockTimeoutError(key(projectID, sessionID, op))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		if backoff < 2*time.Second {
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}
}

func (sl *SessionLocks) releaseFunc(k string) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			sl.mu.Lock()
			defer sl.mu.Unlock()
			delete(sl.held, k)
		})
	}
}

// sweep is the periodic stale-lock sweeper entry point (robfig/cron).
func (sl *SessionLocks) sweep() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.evictStaleLocked()
}

// evictStaleLocked removes entries held past staleAfter. Caller must
// hold sl.mu.
func (sl *SessionLocks) evictStaleLocked() {
	now := time.Now()
	for k, e := range sl.held {
		if now.Sub(e.lockedAt) > sl.staleAfter {
			delete(sl.held, k)
		}
	}
}
