package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.memory/internal/model"
)

func newTestCache(t *testing.T) *MetadataCache {
	t.Helper()
	c, err := New(t.TempDir(), 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutGet_RoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	versions := []model.VersionRecord{{VersionID: "v001", OutputTokens: 100}}

	require.NoError(t, c.Put(ctx, "proj1", "sess1", versions))

	entry, ok := c.Get(ctx, "proj1", "sess1")
	require.True(t, ok)
	assert.Equal(t, "sess1", entry.SessionID)
	require.Len(t, entry.Versions, 1)
	assert.Equal(t, "v001", entry.Versions[0].VersionID)
}

func TestGet_MissReturnsFalse(t *testing.T) {
	c := newTestCache(t)
	_, ok := c.Get(context.Background(), "proj1", "unknown-session")
	assert.False(t, ok)
}

func TestGet_FallsBackToSqliteAfterLRUEviction(t *testing.T) {
	c, err := New(t.TempDir(), 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "proj1", "sess1", []model.VersionRecord{{VersionID: "v001"}}))
	require.NoError(t, c.Put(ctx, "proj1", "sess2", []model.VersionRecord{{VersionID: "v002"}}))

	// capacity 1 evicted sess1 from the in-memory LRU; the sqlite index
	// still has it.
	entry, ok := c.Get(ctx, "proj1", "sess1")
	require.True(t, ok)
	assert.Equal(t, "sess1", entry.SessionID)
}

func TestInvalidate_RemovesFromBothTiers(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "proj1", "sess1", []model.VersionRecord{{VersionID: "v001"}}))
	c.Invalidate(ctx, "proj1", "sess1")

	_, ok := c.Get(ctx, "proj1", "sess1")
	assert.False(t, ok)
}
