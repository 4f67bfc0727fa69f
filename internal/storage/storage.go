// Package storage yields deterministic paths under a root, and
// nothing else. No other package in this module is allowed to
// construct one of these paths by hand.
package storage

import (
	"os"
	"path/filepath"
)

// Layout resolves every path the engine reads or writes, rooted at
// a single configured directory (see internal/config).
type Layout struct {
	root string
}

// New constructs a Layout rooted at root.
func New(root string) *Layout {
	return &Layout{root: root}
}

// Root returns the configured root directory.
func (l *Layout) Root() string { return l.root }

// CacheDir is the process-wide cache directory (not per-project).
func (l *Layout) CacheDir() string {
	return filepath.Join(l.root, "cache")
}

// ProjectDir is the root of one project's directory tree.
func (l *Layout) ProjectDir(projectID string) string {
	return filepath.Join(l.root, "projects", projectID)
}

// ManifestPath is the path to a project's manifest.json.
func (l *Layout) ManifestPath(projectID string) string {
	return filepath.Join(l.ProjectDir(projectID), "manifest.json")
}

// ManifestLockPath is the path to the advisory lock file guarding the manifest.
func (l *Layout) ManifestLockPath(projectID string) string {
	return l.ManifestPath(projectID) + ".lock"
}

// OriginalsDir holds the per-session transcript links/copies.
func (l *Layout) OriginalsDir(projectID string) string {
	return filepath.Join(l.ProjectDir(projectID), "originals")
}

// OriginalFile is the engine-owned transcript copy/symlink for one session.
func (l *Layout) OriginalFile(projectID, sessionID string) string {
	return filepath.Join(l.OriginalsDir(projectID), sessionID+".jsonl")
}

// SummariesDir holds a session's compressed version files.
func (l *Layout) SummariesDir(projectID, sessionID string) string {
	return filepath.Join(l.ProjectDir(projectID), "summaries", sessionID)
}

// ComposedDir holds one composition's output artifacts.
func (l *Layout) ComposedDir(projectID, sanitizedName string) string {
	return filepath.Join(l.ProjectDir(projectID), "composed", sanitizedName)
}

// MigrationBackupsDir holds manifest backups taken before a migration.
func (l *Layout) MigrationBackupsDir(projectID string) string {
	return filepath.Join(l.ProjectDir(projectID), ".migration-backups")
}

// EnsureProject creates the full directory tree for a project.
func (l *Layout) EnsureProject(projectID string) error {
	dirs := []string{
		l.ProjectDir(projectID),
		l.OriginalsDir(projectID),
		filepath.Join(l.ProjectDir(projectID), "summaries"),
		filepath.Join(l.ProjectDir(projectID), "composed"),
		l.MigrationBackupsDir(projectID),
		l.CacheDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}
