// Package registrar brings a transcript under engine management
// (register/refresh/unregister) and finds candidates that aren't yet
// registered. The lifecycle is parse once, build the owned on-disk
// artifacts, commit the manifest entry under lock.
package registrar

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dev.helix.memory/internal/capability"
	"dev.helix.memory/internal/engineerr"
	"dev.helix.memory/internal/enginelog"
	"dev.helix.memory/internal/keepit"
	"dev.helix.memory/internal/lockmgr"
	"dev.helix.memory/internal/manifest"
	"dev.helix.memory/internal/model"
	"dev.helix.memory/internal/storage"
	"dev.helix.memory/internal/tokencount"
)

// Registrar drives register/refresh/unregister/findUnregistered.
type Registrar struct {
	layout    *storage.Layout
	manifests *manifest.Store
	sessions  *lockmgr.SessionLocks
	parser    capability.Parser
	estimator *tokencount.Estimator
	log       *enginelog.Logger
}

// New constructs a Registrar.
func New(layout *storage.Layout, manifests *manifest.Store, sessions *lockmgr.SessionLocks, parser capability.Parser) *Registrar {
	return &Registrar{
		layout:    layout,
		manifests: manifests,
		sessions:  sessions,
		parser:    parser,
		estimator: tokencount.Get(),
		log:       enginelog.Default().Named("registrar"),
	}
}

// RegisterOptions carries register's optional inputs.
type RegisterOptions struct {
	// OriginalFilePath is the transcript to register. Register has no
	// default discovery location for a host's transcripts and rejects
	// an empty path with a BadRequest error.
	OriginalFilePath string
}

// Register brings one transcript under engine management: refuse if
// already present, verify the source exists, parse once for
// token/message/timestamp/metadata, link the file in (symlink,
// falling back to copy), extract keepits, and commit a fresh session
// entry.
func (r *Registrar) Register(ctx context.Context, projectID, sessionID string, opts RegisterOptions) (*model.Session, error) {
	if opts.OriginalFilePath == "" {
		return nil, engineerr.New(engineerr.KindBadRequest, engineerr.CodeValidationFailed,
			"originalFilePath is required", nil)
	}
	if _, err := os.Stat(opts.OriginalFilePath); err != nil {
		return nil, engineerr.New(engineerr.KindNotFound, engineerr.CodeFileNotFound,
			fmt.Sprintf("transcript not found at %s", opts.OriginalFilePath), map[string]any{"path": opts.OriginalFilePath})
	}

	release, err := r.sessions.TryAcquire(projectID, sessionID, lockmgr.OpRegister)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := r.layout.EnsureProject(projectID); err != nil {
		return nil, engineerr.Wrap(err, engineerr.CodeFilesystemError, "ensuring project tree")
	}

	m, err := r.manifests.Load(projectID)
	if err != nil {
		return nil, err
	}
	if _, exists := m.Sessions[sessionID]; exists {
		return nil, engineerr.New(engineerr.KindConflict, engineerr.CodeAlreadyRegistered,
			fmt.Sprintf("session %s is already registered", sessionID), map[string]any{"sessionId": sessionID})
	}

	transcript, err := r.parser.Parse(ctx, opts.OriginalFilePath)
	if err != nil {
		return nil, engineerr.Wrap(err, engineerr.CodeParseError, "parsing transcript")
	}

	linkedFile := r.layout.OriginalFile(projectID, sessionID)
	linkType, err := linkOrCopy(opts.OriginalFilePath, linkedFile)
	if err != nil {
		return nil, engineerr.Wrap(err, engineerr.CodeFilesystemError, "linking transcript into project")
	}

	now := time.Now()
	markers := extractKeepits(transcript.Messages, now)

	sess := &model.Session{
		SessionID:        sessionID,
		OriginalFile:     opts.OriginalFilePath,
		LinkedFile:       linkedFile,
		LinkType:         linkType,
		OriginalTokens:   sumTokens(transcript.Messages, r.estimator),
		OriginalMessages: transcript.TotalMessages,
		Metadata: model.SessionMetadata{
			Cwd:          transcript.Metadata.Cwd,
			Branch:       transcript.Metadata.Branch,
			AgentVersion: transcript.Metadata.AgentVersion,
			ProjectName:  transcript.Metadata.ProjectName,
		},
		KeepitMarkers: markers,
		Compressions:  nil,
		RegisteredAt:  now,
		LastAccessed:  now,
	}
	if n := len(transcript.Messages); n > 0 {
		sess.FirstTimestamp = transcript.Messages[0].Timestamp
		sess.LastTimestamp = transcript.Messages[n-1].Timestamp
		sess.LastSyncedTimestamp = sess.LastTimestamp
		sess.LastSyncedMessageUUID = transcript.Messages[n-1].UUID
	}

	if err := manifest.SetSession(m, sess); err != nil {
		return nil, err
	}
	if err := r.manifests.Save(projectID, m); err != nil {
		return nil, err
	}

	r.log.Info("registered session", "projectId", projectID, "sessionId", sessionID,
		"linkType", linkType, "originalTokens", sess.OriginalTokens, "keepits", len(markers))
	return sess, nil
}

// Refresh re-parses a registered session's transcript and
// re-extracts its keepit markers, updating token/message counts and
// timestamps without touching existing compressions.
func (r *Registrar) Refresh(ctx context.Context, projectID, sessionID string) (*model.Session, error) {
	release, err := r.sessions.TryAcquire(projectID, sessionID, lockmgr.OpRegister)
	if err != nil {
		return nil, err
	}
	defer release()

	m, err := r.manifests.Load(projectID)
	if err != nil {
		return nil, err
	}
	sess, err := manifest.GetSession(m, sessionID)
	if err != nil {
		return nil, err
	}

	transcript, err := r.parser.Parse(ctx, sess.LinkedFile)
	if err != nil {
		return nil, engineerr.Wrap(err, engineerr.CodeParseError, "re-parsing transcript")
	}

	now := time.Now()
	sess.OriginalTokens = sumTokens(transcript.Messages, r.estimator)
	sess.OriginalMessages = transcript.TotalMessages
	sess.KeepitMarkers = extractKeepits(transcript.Messages, now)
	sess.LastAccessed = now
	if n := len(transcript.Messages); n > 0 {
		sess.FirstTimestamp = transcript.Messages[0].Timestamp
		sess.LastTimestamp = transcript.Messages[n-1].Timestamp
		sess.LastSyncedTimestamp = sess.LastTimestamp
		sess.LastSyncedMessageUUID = transcript.Messages[n-1].UUID
	}

	if err := r.manifests.Save(projectID, m); err != nil {
		return nil, err
	}
	r.log.Info("refreshed session", "projectId", projectID, "sessionId", sessionID)
	return sess, nil
}

// UnregisterOptions controls whether a session's derived artifacts
// are cleaned up alongside its manifest entry.
type UnregisterOptions struct {
	RemoveSummaries bool
}

// Unregister removes a session's link/copy and, optionally, its
// summaries directory, then deletes the manifest entry.
func (r *Registrar) Unregister(projectID, sessionID string, opts UnregisterOptions) error {
	release, err := r.sessions.TryAcquire(projectID, sessionID, lockmgr.OpRegister)
	if err != nil {
		return err
	}
	defer release()

	m, err := r.manifests.Load(projectID)
	if err != nil {
		return err
	}
	sess, err := manifest.GetSession(m, sessionID)
	if err != nil {
		return err
	}

	if sess.LinkedFile != "" {
		if rmErr := os.Remove(sess.LinkedFile); rmErr != nil && !os.IsNotExist(rmErr) {
			return engineerr.Wrap(rmErr, engineerr.CodeFilesystemError, "removing linked transcript")
		}
	}
	if opts.RemoveSummaries {
		dir := r.layout.SummariesDir(projectID, sessionID)
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			return engineerr.Wrap(rmErr, engineerr.CodeFilesystemError, "removing summaries directory")
		}
	}

	if err := manifest.RemoveSession(m, sessionID); err != nil {
		return err
	}
	if err := r.manifests.Save(projectID, m); err != nil {
		return err
	}
	r.log.Info("unregistered session", "projectId", projectID, "sessionId", sessionID)
	return nil
}

// Candidate is one transcript found by FindUnregistered that has no
// corresponding session entry yet.
type Candidate struct {
	SessionID string
	Path      string
	ModTime   time.Time
}

// FindUnregistered scans transcriptDir for *.jsonl files (the engine's
// only assumption about the host's transcript directory: one file per
// session, session id as the stem) and reports those with no manifest
// entry in the given project.
func (r *Registrar) FindUnregistered(projectID, transcriptDir string) ([]Candidate, error) {
	entries, err := os.ReadDir(transcriptDir)
	if err != nil {
		return nil, engineerr.Wrap(err, engineerr.CodeFilesystemError, "scanning transcript directory")
	}

	m, err := r.manifests.Load(projectID)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		sessionID := trimExt(e.Name())
		if _, registered := m.Sessions[sessionID]; registered {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Candidate{
			SessionID: sessionID,
			Path:      filepath.Join(transcriptDir, e.Name()),
			ModTime:   info.ModTime(),
		})
	}
	return out, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

// linkOrCopy symlinks src at dst, falling back to a full copy when the
// host filesystem refuses symlinks (e.g. some network mounts, or
// Windows without developer mode).
func linkOrCopy(src, dst string) (model.LinkType, error) {
	_ = os.Remove(dst)
	if err := os.Symlink(src, dst); err == nil {
		return model.LinkSymlink, nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", err
	}
	return model.LinkCopy, nil
}

// extractKeepits runs the marker extractor over every message's text.
func extractKeepits(messages []capability.Message, now time.Time) []*model.KeepitMarker {
	var out []*model.KeepitMarker
	for _, msg := range messages {
		text := msg.Text()
		raw := keepit.ExtractRaw(text)
		if len(raw) == 0 {
			continue
		}
		out = append(out, keepit.Normalize(msg.UUID, text, raw, now)...)
	}
	return out
}

func sumTokens(messages []capability.Message, est *tokencount.Estimator) int {
	total := 0
	for _, msg := range messages {
		total += est.CountMessage(msg.Text())
	}
	return total
}
