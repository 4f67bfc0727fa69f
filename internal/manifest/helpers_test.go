package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.memory/internal/model"
)

func TestGetSession_NotFound(t *testing.T) {
	m := &model.Manifest{Sessions: map[string]*model.Session{}}
	_, err := GetSession(m, "missing")
	assert.Error(t, err)
}

func TestSetSession_InsertsNew(t *testing.T) {
	m := &model.Manifest{}
	require.NoError(t, SetSession(m, &model.Session{SessionID: "sess1", OriginalTokens: 10}))

	sess, err := GetSession(m, "sess1")
	require.NoError(t, err)
	assert.Equal(t, 10, sess.OriginalTokens)
}

func TestSetSession_MergesOverExisting(t *testing.T) {
	m := &model.Manifest{Sessions: map[string]*model.Session{
		"sess1": {SessionID: "sess1", OriginalTokens: 10, OriginalMessages: 5},
	}}

	require.NoError(t, SetSession(m, &model.Session{SessionID: "sess1", OriginalTokens: 20}))

	sess, err := GetSession(m, "sess1")
	require.NoError(t, err)
	assert.Equal(t, 20, sess.OriginalTokens)
	assert.Equal(t, 5, sess.OriginalMessages) // untouched field survives the merge
}

func TestRemoveSession(t *testing.T) {
	m := &model.Manifest{Sessions: map[string]*model.Session{
		"sess1": {SessionID: "sess1"},
	}}

	require.NoError(t, RemoveSession(m, "sess1"))
	_, err := GetSession(m, "sess1")
	assert.Error(t, err)
}

func TestRemoveSession_NotFound(t *testing.T) {
	m := &model.Manifest{Sessions: map[string]*model.Session{}}
	assert.Error(t, RemoveSession(m, "missing"))
}

func TestTouchSession_UpdatesLastAccessed(t *testing.T) {
	m := &model.Manifest{Sessions: map[string]*model.Session{
		"sess1": {SessionID: "sess1"},
	}}

	require.NoError(t, TouchSession(m, "sess1"))
	sess, _ := GetSession(m, "sess1")
	assert.False(t, sess.LastAccessed.IsZero())
}

func TestUpdateSettings_MergesOverCurrent(t *testing.T) {
	m := &model.Manifest{Settings: model.Settings{
		DefaultCompressionPreset: model.PresetStandard,
		KeepitDecayEnabled:       true,
	}}

	require.NoError(t, UpdateSettings(m, model.Settings{DefaultCompressionPreset: model.PresetAggressive}))
	assert.Equal(t, model.PresetAggressive, m.Settings.DefaultCompressionPreset)
}

func TestListSessions_SortedByID(t *testing.T) {
	m := &model.Manifest{Sessions: map[string]*model.Session{
		"sess-b": {SessionID: "sess-b"},
		"sess-a": {SessionID: "sess-a"},
	}}

	sessions := ListSessions(m)
	require.Len(t, sessions, 2)
	assert.Equal(t, "sess-a", sessions[0].SessionID)
	assert.Equal(t, "sess-b", sessions[1].SessionID)
}
