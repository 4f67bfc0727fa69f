package compression

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.memory/internal/capability"
	"dev.helix.memory/internal/lockmgr"
	"dev.helix.memory/internal/manifest"
	"dev.helix.memory/internal/model"
	"dev.helix.memory/internal/storage"
)

// fakeParser returns a fixed transcript regardless of path, so tests
// don't depend on any concrete on-disk transcript format.
type fakeParser struct {
	transcript *capability.Transcript
	err        error
}

func (f *fakeParser) Parse(ctx context.Context, path string) (*capability.Transcript, error) {
	return f.transcript, f.err
}

// fakeSummarizer produces one summary unit per input message, echoing
// its text with a prefix so assertions can tell real from synthesized.
type fakeSummarizer struct {
	err error
}

func (f *fakeSummarizer) Summarize(ctx context.Context, req capability.SummarizeRequest) ([]capability.SummaryUnit, error) {
	if f.err != nil {
		return nil, f.err
	}
	units := make([]capability.SummaryUnit, 0, len(req.Messages))
	for _, m := range req.Messages {
		units = append(units, capability.SummaryUnit{Role: m.Type, Summary: "summary: " + m.Text()})
	}
	return units, nil
}

func messagesFixture(n int) []capability.Message {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := make([]capability.Message, 0, n)
	prev := ""
	for i := 0; i < n; i++ {
		role := capability.RoleUser
		if i%2 == 1 {
			role = capability.RoleAssistant
		}
		id := "msg-" + string(rune('a'+i))
		msgs = append(msgs, capability.Message{
			UUID:       id,
			ParentUUID: prev,
			Type:       role,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			Content:    []capability.ContentBlock{{Type: "text", Text: "message body number"}},
		})
		prev = id
	}
	return msgs
}

func newTestOrchestrator(t *testing.T, parser capability.Parser, summarizer capability.Summarizer) (*Orchestrator, *storage.Layout, *manifest.Store) {
	t.Helper()
	root := t.TempDir()
	layout := storage.New(root)
	require.NoError(t, layout.EnsureProject("proj1"))

	store := manifest.New(layout)
	sessLocks := lockmgr.NewSessionLocks(time.Minute)
	t.Cleanup(sessLocks.Stop)

	orch := New(layout, store, sessLocks, time.Second, parser, summarizer)
	return orch, layout, store
}

func registerFixtureSession(t *testing.T, layout *storage.Layout, store *manifest.Store, sessionID string) {
	t.Helper()
	linked := layout.OriginalFile("proj1", sessionID)
	require.NoError(t, os.WriteFile(linked, []byte("{}"), 0o644))

	m, err := store.Load("proj1")
	require.NoError(t, err)
	require.NoError(t, manifest.SetSession(m, &model.Session{
		SessionID:  sessionID,
		LinkedFile: linked,
	}))
	require.NoError(t, store.Save("proj1", m))
}

func TestValidateSettings_UniformRatioOutOfRange(t *testing.T) {
	err := ValidateSettings(model.CompressionSettings{
		Mode:            model.ModeUniform,
		CompactionRatio: 1,
		Model:           model.ModelSonnet,
		KeepitMode:      model.KeepitPreserveAll,
	})
	assert.Error(t, err)
}

func TestValidateSettings_TieredRequiresPresetOrCustomTiers(t *testing.T) {
	err := ValidateSettings(model.CompressionSettings{
		Mode:       model.ModeTiered,
		Model:      model.ModelSonnet,
		KeepitMode: model.KeepitPreserveAll,
	})
	assert.Error(t, err)
}

func TestValidateSettings_ValidUniformPasses(t *testing.T) {
	err := ValidateSettings(model.CompressionSettings{
		Mode:            model.ModeUniform,
		CompactionRatio: 5,
		Model:           model.ModelSonnet,
		KeepitMode:      model.KeepitDecay,
	})
	assert.NoError(t, err)
}

func TestCreateCompressionVersion_HappyPath(t *testing.T) {
	parser := &fakeParser{transcript: &capability.Transcript{Messages: messagesFixture(10), TotalMessages: 10}}
	orch, layout, store := newTestOrchestrator(t, parser, &fakeSummarizer{})
	registerFixtureSession(t, layout, store, "sess1")

	rec, err := orch.CreateCompressionVersion(context.Background(), "proj1", "sess1", model.CompressionSettings{
		Mode:            model.ModeUniform,
		CompactionRatio: 2,
		Model:           model.ModelSonnet,
		KeepitMode:      model.KeepitPreserveAll,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, rec.InputMessages)
	assert.Equal(t, 10, rec.OutputMessages)
	assert.True(t, rec.IsFullSession)
	assert.Equal(t, 1, rec.PartNumber)

	m, err := store.Load("proj1")
	require.NoError(t, err)
	sess, err := manifest.GetSession(m, "sess1")
	require.NoError(t, err)
	assert.Len(t, sess.Compressions, 1)
}

func TestCreateCompressionVersion_RejectsInvalidSettings(t *testing.T) {
	orch, layout, store := newTestOrchestrator(t, &fakeParser{}, &fakeSummarizer{})
	registerFixtureSession(t, layout, store, "sess1")

	_, err := orch.CreateCompressionVersion(context.Background(), "proj1", "sess1", model.CompressionSettings{
		Mode: "bogus",
	})
	assert.Error(t, err)
}

func TestCreateCompressionVersion_TooFewMessagesFails(t *testing.T) {
	parser := &fakeParser{transcript: &capability.Transcript{Messages: messagesFixture(1), TotalMessages: 1}}
	orch, layout, store := newTestOrchestrator(t, parser, &fakeSummarizer{})
	registerFixtureSession(t, layout, store, "sess1")

	_, err := orch.CreateCompressionVersion(context.Background(), "proj1", "sess1", model.CompressionSettings{
		Mode:            model.ModeUniform,
		CompactionRatio: 2,
		Model:           model.ModelSonnet,
		KeepitMode:      model.KeepitPreserveAll,
	})
	assert.Error(t, err)
}

func TestCreateCompressionVersion_NoDeltaWhenFullyCovered(t *testing.T) {
	msgs := messagesFixture(4)
	parser := &fakeParser{transcript: &capability.Transcript{Messages: msgs, TotalMessages: 4}}
	orch, layout, store := newTestOrchestrator(t, parser, &fakeSummarizer{})
	registerFixtureSession(t, layout, store, "sess1")

	m, err := store.Load("proj1")
	require.NoError(t, err)
	sess, err := manifest.GetSession(m, "sess1")
	require.NoError(t, err)
	sess.Compressions = append(sess.Compressions, &model.VersionRecord{
		VersionID: "v1",
		MessageRange: model.MessageRange{
			StartIndex:     0,
			EndIndex:       4,
			MessageCount:   4,
			StartTimestamp: msgs[0].Timestamp,
			EndTimestamp:   msgs[3].Timestamp,
		},
		IsFullSession: true,
		PartNumber:    1,
	})
	require.NoError(t, manifest.SetSession(m, sess))
	require.NoError(t, store.Save("proj1", m))

	_, err = orch.CreateCompressionVersion(context.Background(), "proj1", "sess1", model.CompressionSettings{
		Mode:            model.ModeUniform,
		CompactionRatio: 2,
		Model:           model.ModelSonnet,
		KeepitMode:      model.KeepitPreserveAll,
	})
	assert.Error(t, err)
}

func TestCreateCompressionVersion_SummarizerErrorPropagates(t *testing.T) {
	parser := &fakeParser{transcript: &capability.Transcript{Messages: messagesFixture(5), TotalMessages: 5}}
	orch, layout, store := newTestOrchestrator(t, parser, &fakeSummarizer{err: assertErr{"boom"}})
	registerFixtureSession(t, layout, store, "sess1")

	_, err := orch.CreateCompressionVersion(context.Background(), "proj1", "sess1", model.CompressionSettings{
		Mode:            model.ModeUniform,
		CompactionRatio: 2,
		Model:           model.ModelSonnet,
		KeepitMode:      model.KeepitPreserveAll,
	})
	assert.Error(t, err)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

func TestCreateCompressionVersion_FallbackDegradesToTruncation(t *testing.T) {
	parser := &fakeParser{transcript: &capability.Transcript{Messages: messagesFixture(6), TotalMessages: 6}}
	orch, layout, store := newTestOrchestrator(t, parser, &fakeSummarizer{err: assertErr{"child died"}})
	orch.allowFallback = true
	registerFixtureSession(t, layout, store, "sess1")

	rec, err := orch.CreateCompressionVersion(context.Background(), "proj1", "sess1", model.CompressionSettings{
		Mode:            model.ModeUniform,
		CompactionRatio: 3,
		Model:           model.ModelSonnet,
		KeepitMode:      model.KeepitPreserveAll,
	})
	require.NoError(t, err)
	assert.True(t, rec.Settings.FallbackUsed)
	assert.Equal(t, 2, rec.OutputMessages)
}

func TestCreateCompressionVersion_SecondSamePartAndLevelConflicts(t *testing.T) {
	msgs := messagesFixture(6)
	parser := &fakeParser{transcript: &capability.Transcript{Messages: msgs, TotalMessages: 6}}
	orch, layout, store := newTestOrchestrator(t, parser, &fakeSummarizer{})
	registerFixtureSession(t, layout, store, "sess1")

	m, err := store.Load("proj1")
	require.NoError(t, err)
	sess, err := manifest.GetSession(m, "sess1")
	require.NoError(t, err)
	// Part 1 has the most recent endTimestamp, so the new delta becomes
	// part 2, which already has a moderate version on record.
	sess.Compressions = append(sess.Compressions,
		&model.VersionRecord{
			VersionID:        "v001",
			PartNumber:       1,
			CompressionLevel: model.LevelModerate,
			MessageRange: model.MessageRange{
				StartIndex:     0,
				EndIndex:       3,
				MessageCount:   3,
				StartTimestamp: msgs[0].Timestamp,
				EndTimestamp:   msgs[2].Timestamp,
			},
		},
		&model.VersionRecord{
			VersionID:        "v002",
			PartNumber:       2,
			CompressionLevel: model.LevelModerate,
			MessageRange: model.MessageRange{
				StartIndex:     0,
				EndIndex:       2,
				MessageCount:   2,
				StartTimestamp: msgs[0].Timestamp,
				EndTimestamp:   msgs[1].Timestamp,
			},
		})
	require.NoError(t, manifest.SetSession(m, sess))
	require.NoError(t, store.Save("proj1", m))

	_, err = orch.CreateCompressionVersion(context.Background(), "proj1", "sess1", model.CompressionSettings{
		Mode:            model.ModeUniform,
		CompactionRatio: 2,
		Aggressiveness:  model.AggressivenessModerate,
		Model:           model.ModelSonnet,
		KeepitMode:      model.KeepitPreserveAll,
	})
	assert.Error(t, err)
}

func TestTruncationSummary_TargetsExpectedCount(t *testing.T) {
	units := truncationSummary(messagesFixture(9), 3)
	assert.Len(t, units, 3)
	assert.Contains(t, units[0].Summary, "truncated")
}

func TestTierResultsOf_PartitionsByPercent(t *testing.T) {
	settings := model.CompressionSettings{
		Mode: model.ModeTiered,
		CustomTiers: []model.Tier{
			{EndPercent: 50, CompactionRatio: 2},
			{EndPercent: 100, CompactionRatio: 10},
		},
	}
	results := tierResultsOf(settings, messagesFixture(10), 1000, 200)
	require.Len(t, results, 2)
	assert.Equal(t, 5, results[0].MessageCount)
	assert.Equal(t, 5, results[1].MessageCount)
	assert.Equal(t, 200, results[0].OutputTokens+results[1].OutputTokens)
}

func TestExpectedOutputCount(t *testing.T) {
	assert.Equal(t, 10, expectedOutputCount(10, 0))
	assert.Equal(t, 10, expectedOutputCount(10, 1))
	assert.Equal(t, 5, expectedOutputCount(10, 2))
	assert.Equal(t, 4, expectedOutputCount(10, 3))
}
