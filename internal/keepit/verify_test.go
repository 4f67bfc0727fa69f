package keepit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dev.helix.memory/internal/model"
)

func marker(content string, weight float64) *model.KeepitMarker {
	return &model.KeepitMarker{MarkerID: "m_" + content[:min(8, len(content))], Content: content, Weight: weight, CreatedAt: time.Now()}
}

func TestVerify_ExactMatch(t *testing.T) {
	m := marker("the API key rotates every 90 days", 1.0)
	decisions := []DecayDecision{{Marker: m, Survives: true}}
	compressed := "Summary: the API key rotates every 90 days, as discussed."

	report := Verify([]*model.KeepitMarker{m}, decisions, compressed, DefaultVerifyOptions())

	assert.Len(t, report.Verified, 1)
	assert.Equal(t, OutcomePreserved, report.Verified[0].Outcome)
	assert.True(t, report.Pass)
}

func TestVerify_PreservedAndMissing(t *testing.T) {
	survives := marker("deploy key must never be logged", 0.95)
	dropped := marker("irrelevant aside about lunch plans", 0.2)
	decisions := []DecayDecision{
		{Marker: survives, Survives: true},
		{Marker: dropped, Survives: false},
	}
	compressed := "The deploy key must never be logged, per policy."

	report := Verify([]*model.KeepitMarker{survives, dropped}, decisions, compressed, DefaultVerifyOptions())

	// dropped never survives decay, so it's not checked at all.
	assert.Len(t, report.Verified, 1)
	assert.Empty(t, report.Missing)
	assert.True(t, report.Pass)
}

func TestVerify_ModifiedContentStillSimilar(t *testing.T) {
	m := marker("rotate the deploy credentials every quarter", 1.0)
	decisions := []DecayDecision{{Marker: m, Survives: true}}
	compressed := "Reminder: rotate the deploy credential every quarter for security."

	report := Verify([]*model.KeepitMarker{m}, decisions, compressed, DefaultVerifyOptions())

	assert.Equal(t, 1, len(report.Verified)+len(report.Modified))
	assert.True(t, report.Pass)
}

func TestVerify_MissingStrictMode(t *testing.T) {
	m := marker("this exact phrase will not appear anywhere near here", 1.0)
	decisions := []DecayDecision{{Marker: m, Survives: true}}
	compressed := "A completely unrelated summary of the conversation."

	opts := DefaultVerifyOptions()
	opts.StrictMode = true
	report := Verify([]*model.KeepitMarker{m}, decisions, compressed, opts)

	assert.Len(t, report.Missing, 1)
	assert.Equal(t, OutcomeMissingStrictMode, report.Missing[0].Outcome)
	assert.False(t, report.Pass)
}

func TestVerify_NonSurvivingMarkerSkipped(t *testing.T) {
	m := marker("a marker that decay says will not survive", 0.1)
	decisions := []DecayDecision{{Marker: m, Survives: false}}

	report := Verify([]*model.KeepitMarker{m}, decisions, "anything at all", DefaultVerifyOptions())

	assert.Empty(t, report.Verified)
	assert.Empty(t, report.Modified)
	assert.Empty(t, report.Missing)
	assert.True(t, report.Pass)
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("abc", "abc"))
	assert.Equal(t, 1, levenshtein("abc", "abd"))
	assert.Equal(t, 3, levenshtein("", "abc"))
}

func TestSplitSentences(t *testing.T) {
	sentences := splitSentences("First sentence. Second sentence! Third one?")
	assert.Len(t, sentences, 3)
}

func TestValidateWeight(t *testing.T) {
	assert.Equal(t, 0.5, ValidateWeight("not-a-number"))
	assert.Equal(t, 0.75, ValidateWeight("0.75"))
	assert.Equal(t, 1.0, ValidateWeight("1.5"))
	assert.Equal(t, 0.0, ValidateWeight("-0.2"))
}
