// Package cache provides the hot-path metadata cache fronting
// repeated listVersions/composeContext lookups, plus a durable
// secondary index so a restart doesn't start the LRU stone cold.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"dev.helix.memory/internal/model"
)

// Entry is the cached shape of one session's version summary, cheap
// enough to rebuild from the manifest but expensive enough (repeated
// fileSizes stat() calls) to be worth skipping on a hot read path.
type Entry struct {
	SessionID  string
	Versions   []model.VersionRecord
	CachedAt   time.Time
}

// MetadataCache is an in-memory LRU of Entry backed by a sqlite index
// that survives process restarts.
type MetadataCache struct {
	lru *lru.Cache[string, Entry]
	db  *sql.DB
}

// New opens (creating if absent) the sqlite index at
// <cacheDir>/versions.db and wraps it with an in-memory LRU of size
// capacity.
func New(cacheDir string, capacity int) (*MetadataCache, error) {
	if capacity <= 0 {
		capacity = 512
	}

	db, err := sql.Open("sqlite", filepath.Join(cacheDir, "versions.db"))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS version_cache (
		key TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		cached_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}

	l, err := lru.New[string, Entry](capacity)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &MetadataCache{lru: l, db: db}, nil
}

// Close releases the underlying sqlite handle.
func (c *MetadataCache) Close() error {
	return c.db.Close()
}

func key(projectID, sessionID string) string {
	return projectID + "/" + sessionID
}

// Get returns a cached entry, checking the in-memory LRU first and
// falling back to the sqlite index (repopulating the LRU on hit).
func (c *MetadataCache) Get(ctx context.Context, projectID, sessionID string) (Entry, bool) {
	k := key(projectID, sessionID)
	if e, ok := c.lru.Get(k); ok {
		return e, true
	}

	var payload string
	var cachedAtUnix int64
	err := c.db.QueryRowContext(ctx, `SELECT payload, cached_at FROM version_cache WHERE key = ?`, k).Scan(&payload, &cachedAtUnix)
	if err != nil {
		return Entry{}, false
	}

	var e Entry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Entry{}, false
	}
	e.CachedAt = time.Unix(cachedAtUnix, 0)
	c.lru.Add(k, e)
	return e, true
}

// Put writes an entry to both the in-memory LRU and the sqlite index.
func (c *MetadataCache) Put(ctx context.Context, projectID, sessionID string, versions []model.VersionRecord) error {
	e := Entry{SessionID: sessionID, Versions: versions, CachedAt: time.Now()}
	c.lru.Add(key(projectID, sessionID), e)

	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `INSERT INTO version_cache (key, payload, cached_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, cached_at = excluded.cached_at`,
		key(projectID, sessionID), payload, e.CachedAt.Unix())
	return err
}

// Invalidate drops a session's cached entry from both tiers, used
// whenever a compression or deletion changes its version list.
func (c *MetadataCache) Invalidate(ctx context.Context, projectID, sessionID string) {
	c.lru.Remove(key(projectID, sessionID))
	_, _ = c.db.ExecContext(ctx, `DELETE FROM version_cache WHERE key = ?`, key(projectID, sessionID))
}
