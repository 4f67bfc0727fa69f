package registrar

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.memory/internal/capability"
	"dev.helix.memory/internal/lockmgr"
	"dev.helix.memory/internal/manifest"
	"dev.helix.memory/internal/storage"
)

// fakeParser returns a canned transcript for any path.
type fakeParser struct {
	transcript *capability.Transcript
	err        error
}

func (f *fakeParser) Parse(ctx context.Context, path string) (*capability.Transcript, error) {
	return f.transcript, f.err
}

func transcriptFixture(n int) *capability.Transcript {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	msgs := make([]capability.Message, 0, n)
	for i := 0; i < n; i++ {
		role := capability.RoleUser
		if i%2 == 1 {
			role = capability.RoleAssistant
		}
		msgs = append(msgs, capability.Message{
			UUID:      "msg-" + string(rune('a'+i)),
			Type:      role,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Content:   []capability.ContentBlock{{Type: "text", Text: "##keepit1.00##remember this\n\nand more text"}},
		})
	}
	return &capability.Transcript{
		Messages:      msgs,
		TotalMessages: n,
		Metadata:      capability.TranscriptMetadata{Cwd: "/work", Branch: "main"},
	}
}

func newTestRegistrar(t *testing.T, parser capability.Parser) (*Registrar, *manifest.Store, string) {
	t.Helper()
	root := t.TempDir()
	layout := storage.New(root)
	store := manifest.New(layout)
	locks := lockmgr.NewSessionLocks(time.Minute)
	t.Cleanup(locks.Stop)
	return New(layout, store, locks, parser), store, root
}

func writeTranscriptFile(t *testing.T, dir, sessionID string) string {
	t.Helper()
	path := filepath.Join(dir, sessionID+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"message"}`+"\n"), 0o644))
	return path
}

func TestRegister_CreatesSessionEntryWithKeepits(t *testing.T) {
	reg, store, root := newTestRegistrar(t, &fakeParser{transcript: transcriptFixture(4)})
	src := writeTranscriptFile(t, root, "sess1")

	sess, err := reg.Register(context.Background(), "proj1", "sess1", RegisterOptions{OriginalFilePath: src})
	require.NoError(t, err)

	assert.Equal(t, "sess1", sess.SessionID)
	assert.Equal(t, 4, sess.OriginalMessages)
	assert.Greater(t, sess.OriginalTokens, 0)
	assert.Len(t, sess.KeepitMarkers, 4)
	assert.Equal(t, "/work", sess.Metadata.Cwd)
	assert.FileExists(t, sess.LinkedFile)

	m, err := store.Load("proj1")
	require.NoError(t, err)
	assert.Contains(t, m.Sessions, "sess1")
}

func TestRegister_RefusesDuplicate(t *testing.T) {
	reg, _, root := newTestRegistrar(t, &fakeParser{transcript: transcriptFixture(2)})
	src := writeTranscriptFile(t, root, "sess1")

	_, err := reg.Register(context.Background(), "proj1", "sess1", RegisterOptions{OriginalFilePath: src})
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), "proj1", "sess1", RegisterOptions{OriginalFilePath: src})
	assert.Error(t, err)
}

func TestRegister_RefusesMissingSource(t *testing.T) {
	reg, _, root := newTestRegistrar(t, &fakeParser{transcript: transcriptFixture(2)})

	_, err := reg.Register(context.Background(), "proj1", "sess1",
		RegisterOptions{OriginalFilePath: filepath.Join(root, "nope.jsonl")})
	assert.Error(t, err)
}

func TestRefresh_UpdatesCountsAndTimestamps(t *testing.T) {
	parser := &fakeParser{transcript: transcriptFixture(2)}
	reg, _, root := newTestRegistrar(t, parser)
	src := writeTranscriptFile(t, root, "sess1")

	_, err := reg.Register(context.Background(), "proj1", "sess1", RegisterOptions{OriginalFilePath: src})
	require.NoError(t, err)

	parser.transcript = transcriptFixture(6)
	sess, err := reg.Refresh(context.Background(), "proj1", "sess1")
	require.NoError(t, err)
	assert.Equal(t, 6, sess.OriginalMessages)
	assert.True(t, sess.LastSyncedTimestamp.Equal(sess.LastTimestamp))
}

func TestUnregister_RemovesLinkAndEntry(t *testing.T) {
	reg, store, root := newTestRegistrar(t, &fakeParser{transcript: transcriptFixture(2)})
	src := writeTranscriptFile(t, root, "sess1")

	sess, err := reg.Register(context.Background(), "proj1", "sess1", RegisterOptions{OriginalFilePath: src})
	require.NoError(t, err)

	require.NoError(t, reg.Unregister("proj1", "sess1", UnregisterOptions{RemoveSummaries: true}))

	_, statErr := os.Lstat(sess.LinkedFile)
	assert.True(t, os.IsNotExist(statErr))

	m, err := store.Load("proj1")
	require.NoError(t, err)
	assert.NotContains(t, m.Sessions, "sess1")
}

func TestFindUnregistered_ReportsOnlyUnknownTranscripts(t *testing.T) {
	reg, _, root := newTestRegistrar(t, &fakeParser{transcript: transcriptFixture(2)})
	src := writeTranscriptFile(t, root, "known")
	writeTranscriptFile(t, root, "unknown")

	_, err := reg.Register(context.Background(), "proj1", "known", RegisterOptions{OriginalFilePath: src})
	require.NoError(t, err)

	candidates, err := reg.FindUnregistered("proj1", root)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "unknown", candidates[0].SessionID)
}
