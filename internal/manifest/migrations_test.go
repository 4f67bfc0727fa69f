package manifest

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.memory/internal/model"
	"dev.helix.memory/internal/storage"
)

func TestMigrate_AppliesPendingRungAndRecordsHistory(t *testing.T) {
	store, _ := newStore(t)
	m := &model.Manifest{ProjectID: "proj1", Version: "0.9.0", Sessions: map[string]*model.Session{}}

	migrated, err := store.migrate("proj1", m)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, migrated.Version)
	require.Len(t, migrated.MigrationHistory, 1)
	assert.Equal(t, "0.9.0", migrated.MigrationHistory[0].FromVersion)
	assert.Equal(t, model.PresetStandard, migrated.Settings.DefaultCompressionPreset)
}

func TestMigrate_NoOpWhenAlreadyCurrent(t *testing.T) {
	store, _ := newStore(t)
	m := &model.Manifest{ProjectID: "proj1", Version: CurrentVersion, Sessions: map[string]*model.Session{}}

	migrated, err := store.migrate("proj1", m)
	require.NoError(t, err)
	assert.Empty(t, migrated.MigrationHistory)
}

func TestMigrate_WritesBackupBeforeApplying(t *testing.T) {
	store, root := newStore(t)
	m := &model.Manifest{ProjectID: "proj1", Version: "0.9.0", Sessions: map[string]*model.Session{}}

	_, err := store.migrate("proj1", m)
	require.NoError(t, err)

	layout := storage.New(root)
	entries, err := os.ReadDir(layout.MigrationBackupsDir("proj1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPruneBackups_KeepsOnlyMostRecentFive(t *testing.T) {
	store, root := newStore(t)
	layout := storage.New(root)
	dir := layout.MigrationBackupsDir("proj1")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	names := []string{
		"manifest-1.0.0-20250101T000000Z.json",
		"manifest-1.0.0-20250102T000000Z.json",
		"manifest-1.0.0-20250103T000000Z.json",
		"manifest-1.0.0-20250104T000000Z.json",
		"manifest-1.0.0-20250105T000000Z.json",
		"manifest-1.0.0-20250106T000000Z.json",
	}
	for _, n := range names {
		require.NoError(t, os.WriteFile(dir+"/"+n, []byte("{}"), 0o644))
	}

	require.NoError(t, store.pruneBackups("proj1"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, maxBackups)

	var remaining []string
	for _, e := range entries {
		remaining = append(remaining, e.Name())
	}
	assert.NotContains(t, remaining, names[0])
	assert.Contains(t, remaining, names[len(names)-1])
}
