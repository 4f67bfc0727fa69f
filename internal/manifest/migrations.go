package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"dev.helix.memory/internal/model"
)

// migrationFunc is a pure (manifest) -> manifest step, registered
// against the version it upgrades *to*.
type migrationFunc func(*model.Manifest) *model.Manifest

// registry lists migrations in ascending target-version order. There
// is exactly one rung today (the project predates this registry); new
// rungs are appended here as the schema evolves, never inserted out
// of order.
var registry = []struct {
	toVersion string
	apply     migrationFunc
}{
	{
		toVersion: "1.0.0",
		apply: func(m *model.Manifest) *model.Manifest {
			if m.Settings.DefaultCompressionPreset == "" {
				m.Settings.DefaultCompressionPreset = model.PresetStandard
			}
			if m.Sessions == nil {
				m.Sessions = map[string]*model.Session{}
			}
			if m.Compositions == nil {
				m.Compositions = map[string]*model.Composition{}
			}
			return m
		},
	},
}

// maxBackups is how many `.migration-backups/manifest-*.json` files
// are retained per project; older ones are pruned after each run.
const maxBackups = 5

// migrate runs every registered migration whose toVersion is newer
// than m.Version, in order, backing up before each step and recording
// the applied step in _migrationHistory.
func (s *Store) migrate(projectID string, m *model.Manifest) (*model.Manifest, error) {
	for _, step := range registry {
		if cmpVersion(m.Version, step.toVersion) >= 0 {
			continue
		}

		if err := s.backup(projectID, m); err != nil {
			return nil, err
		}

		fromVersion := m.Version
		m = step.apply(m)
		m.Version = step.toVersion
		m.MigrationHistory = append(m.MigrationHistory, model.MigrationRecord{
			FromVersion: fromVersion,
			ToVersion:   step.toVersion,
			AppliedAt:   time.Now(),
		})
	}

	if err := s.pruneBackups(projectID); err != nil {
		return nil, err
	}

	return m, nil
}

func (s *Store) backup(projectID string, m *model.Manifest) error {
	dir := s.layout.MigrationBackupsDir(projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	name := fmt.Sprintf("manifest-%s-%s.json", m.Version, time.Now().UTC().Format("20060102T150405Z"))
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

func (s *Store) pruneBackups(projectID string) error {
	dir := s.layout.MigrationBackupsDir(projectID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if len(names) <= maxBackups {
		return nil
	}
	for _, n := range names[:len(names)-maxBackups] {
		_ = os.Remove(filepath.Join(dir, n))
	}
	return nil
}
