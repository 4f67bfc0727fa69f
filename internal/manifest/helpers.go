package manifest

import (
	"fmt"
	"sort"
	"time"

	"dario.cat/mergo"

	"dev.helix.memory/internal/engineerr"
	"dev.helix.memory/internal/model"
)

// GetSession returns a project's session entry, or NotFound.
func GetSession(m *model.Manifest, sessionID string) (*model.Session, error) {
	sess, ok := m.Sessions[sessionID]
	if !ok {
		return nil, engineerr.New(engineerr.KindNotFound, engineerr.CodeSessionNotFound,
			fmt.Sprintf("session %s not found", sessionID), map[string]any{"sessionId": sessionID})
	}
	return sess, nil
}

// SetSession inserts a new session or merges fields into an existing
// one (caller-supplied fields win over the stored record, mirroring
// the configuration-layer merge semantics the rest of the ambient
// stack uses mergo for).
func SetSession(m *model.Manifest, sess *model.Session) error {
	if m.Sessions == nil {
		m.Sessions = map[string]*model.Session{}
	}

	existing, ok := m.Sessions[sess.SessionID]
	if !ok {
		m.Sessions[sess.SessionID] = sess
		return nil
	}

	if err := mergo.Merge(existing, sess, mergo.WithOverride); err != nil {
		return engineerr.Wrap(err, engineerr.CodeFilesystemError, "merging session record")
	}
	return nil
}

// RemoveSession deletes a session entry outright.
func RemoveSession(m *model.Manifest, sessionID string) error {
	if _, ok := m.Sessions[sessionID]; !ok {
		return engineerr.New(engineerr.KindNotFound, engineerr.CodeSessionNotFound,
			fmt.Sprintf("session %s not found", sessionID), map[string]any{"sessionId": sessionID})
	}
	delete(m.Sessions, sessionID)
	return nil
}

// TouchSession bumps lastAccessed to now.
func TouchSession(m *model.Manifest, sessionID string) error {
	sess, err := GetSession(m, sessionID)
	if err != nil {
		return err
	}
	sess.LastAccessed = time.Now()
	return nil
}

// UpdateSettings merges partial settings over the project's current
// settings, caller-supplied non-zero fields winning.
func UpdateSettings(m *model.Manifest, patch model.Settings) error {
	if err := mergo.Merge(&m.Settings, patch, mergo.WithOverride); err != nil {
		return engineerr.Wrap(err, engineerr.CodeFilesystemError, "merging settings")
	}
	return nil
}

// ListSessions returns every session entry, sorted by sessionId for
// deterministic output.
func ListSessions(m *model.Manifest) []*model.Session {
	out := make([]*model.Session, 0, len(m.Sessions))
	for _, sess := range m.Sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}
