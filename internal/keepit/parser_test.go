package keepit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractRaw_SingleMarker(t *testing.T) {
	text := "Before text. ##keepit0.90##This is the important bit.\n\nAfter paragraph."
	matches := ExtractRaw(text)

	require.Len(t, matches, 1)
	assert.Equal(t, 0.90, matches[0].Weight)
	assert.Equal(t, "This is the important bit.", matches[0].Content)
}

func TestExtractRaw_MultipleMarkersTerminateAtNext(t *testing.T) {
	text := "##keepit1.00##First marker content ##keepit0.50##Second marker content"
	matches := ExtractRaw(text)

	require.Len(t, matches, 2)
	assert.Equal(t, "First marker content", matches[0].Content)
	assert.Equal(t, "Second marker content", matches[1].Content)
}

func TestExtractRaw_NoMarkers(t *testing.T) {
	assert.Nil(t, ExtractRaw("plain text with no markers at all"))
}

func TestNormalize_ContextWindow(t *testing.T) {
	text := "##keepit1.00##pinned content here"
	matches := ExtractRaw(text)
	require.Len(t, matches, 1)

	markers := Normalize("msg-1", text, matches, time.Now())
	require.Len(t, markers, 1)
	assert.Equal(t, "msg-1", markers[0].MessageUUID)
	assert.Equal(t, 1.0, markers[0].Weight)
	assert.True(t, markers[0].IsPinned())
	assert.Equal(t, "", markers[0].ContextBefore)
	assert.Equal(t, "", markers[0].ContextAfter)
}

func TestCreateAndStripKeepitMarker_RoundTrip(t *testing.T) {
	created := CreateKeepitMarker(0.75, "remember this detail")
	assert.Equal(t, "##keepit0.75##remember this detail", created)

	stripped := StripKeepitMarkers(created + " and some trailing text")
	assert.Equal(t, "remember this detail and some trailing text", stripped)
}

func TestUpdateKeepitWeight(t *testing.T) {
	text := "##keepit0.50##some content here"
	updated := UpdateKeepitWeight(text, "some content here", 0.95)
	assert.Contains(t, updated, "##keepit0.95##")
}

func TestUpdateKeepitWeight_NoMatchReturnsUnchanged(t *testing.T) {
	text := "##keepit0.50##some content here"
	updated := UpdateKeepitWeight(text, "nonexistent content", 0.95)
	assert.Equal(t, text, updated)
}

func TestValidateSyntax_MalformedMarker(t *testing.T) {
	issues := ValidateSyntax("##keepit## missing weight entirely")
	require.NotEmpty(t, issues)
	assert.Equal(t, "missing two-decimal weight", issues[0].Reason)
}

func TestValidateSyntax_WellFormedHasNoIssues(t *testing.T) {
	issues := ValidateSyntax("##keepit0.75##fine content")
	assert.Empty(t, issues)
}

func TestNewMarkerID_StableAcrossReparsing(t *testing.T) {
	text := "##keepit1.00##stable content"
	matches := ExtractRaw(text)
	require.Len(t, matches, 1)

	first := Normalize("msg-1", text, matches, time.Now())
	second := Normalize("msg-1", text, matches, time.Now())

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].MarkerID, second[0].MarkerID)
}
