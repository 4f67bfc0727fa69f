// Package keepit implements the inline `##keepitW.WW##` marker
// syntax, the decay-based survival threshold, and the fuzzy
// post-compression verifier.
package keepit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"dev.helix.memory/internal/model"
)

// markerPattern matches `##keepitW.WW##`; the content runs to the
// next marker, a blank line, or end of text (handled in ExtractRaw,
// not by the regex itself, since Go's regexp has no lookahead).
var markerPattern = regexp.MustCompile(`##keepit(\d+\.\d{2})##`)

// RawMatch is one unnormalized marker occurrence.
type RawMatch struct {
	Weight     float64
	Content    string
	StartIndex int
	EndIndex   int
}

// ExtractRaw finds every `##keepitW.WW##<content>` occurrence in text.
func ExtractRaw(text string) []RawMatch {
	locs := markerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	matches := make([]RawMatch, 0, len(locs))
	for i, loc := range locs {
		weightStr := text[loc[2]:loc[3]]
		weight := ValidateWeight(weightStr)

		contentStart := loc[1]
		contentEnd := len(text)

		// Terminate at the next marker.
		if i+1 < len(locs) {
			contentEnd = locs[i+1][0]
		}
		// Terminate at the first blank line within the content window.
		if idx := strings.Index(text[contentStart:contentEnd], "\n\n"); idx >= 0 {
			contentEnd = contentStart + idx
		}

		matches = append(matches, RawMatch{
			Weight:     weight,
			Content:    strings.TrimRight(text[contentStart:contentEnd], " \t\n"),
			StartIndex: loc[0],
			EndIndex:   contentEnd,
		})
	}
	return matches
}

// ValidateWeight coerces a raw weight string to [0,1] rounded to two
// decimals; an invalid value normalizes to 0.50. Idempotent:
// ValidateWeight(ValidateWeight(x)) == ValidateWeight(x).
func ValidateWeight(raw string) float64 {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0.50
	}
	return clampRound(f)
}

func clampRound(f float64) float64 {
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return float64(int(f*100+0.5)) / 100
}

// context excerpt length on each side of a marker.
const contextWindow = 50

// Normalize turns raw marker matches from one message into fully
// formed KeepitMarker records.
func Normalize(messageUUID string, text string, matches []RawMatch, now time.Time) []*model.KeepitMarker {
	out := make([]*model.KeepitMarker, 0, len(matches))
	for _, m := range matches {
		before := text[max0(m.StartIndex-contextWindow):m.StartIndex]
		after := text[m.EndIndex:min(len(text), m.EndIndex+contextWindow)]

		out = append(out, &model.KeepitMarker{
			MarkerID:      newMarkerID(messageUUID, m.StartIndex, m.Content),
			MessageUUID:   messageUUID,
			Weight:        m.Weight,
			Content:       m.Content,
			BytePosition:  m.StartIndex,
			ContextBefore: before,
			ContextAfter:  after,
			CreatedAt:     now,
			SurvivedIn:    []string{},
			SummarizedIn:  []string{},
		})
	}
	return out
}

// newMarkerID derives a stable, reproducible marker id from the
// message it belongs to, its byte position and its content, so
// re-parsing the same message (on refresh) yields the same id for the
// same marker rather than a fresh random uuid each time, while two
// markers with identical content in one message still get distinct ids.
func newMarkerID(messageUUID string, position int, content string) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%s", messageUUID, position, content)))
	return fmt.Sprintf("keepit_%x", sum[:8])
}

func max0(i int) int {
	if i < 0 {
		return 0
	}
	return i
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// CreateKeepitMarker returns new text with a marker prepended in
// canonical form, never mutating the input.
func CreateKeepitMarker(weight float64, content string) string {
	return fmt.Sprintf("##keepit%.2f##%s", clampRound(weight), content)
}

// StripKeepitMarkers returns text with every `##keepitW.WW##` prefix
// removed, keeping the marker's content and any trailing text.
// Round-trip law: StripKeepitMarkers(CreateKeepitMarker(w, c) + tail) == c + tail
// for any tail not itself starting with "##keepit".
func StripKeepitMarkers(text string) string {
	return markerPattern.ReplaceAllString(text, "")
}

// UpdateKeepitWeight rewrites the weight of the marker whose content
// matches oldContent, returning new text.
func UpdateKeepitWeight(text, oldContent string, newWeight float64) string {
	for _, m := range ExtractRaw(text) {
		if m.Content == oldContent {
			replacement := CreateKeepitMarker(newWeight, m.Content)
			return text[:m.StartIndex] + replacement + text[m.EndIndex:]
		}
	}
	return text
}

// SyntaxIssue describes one malformed or out-of-range marker.
type SyntaxIssue struct {
	Position int
	Reason   string
}

// ValidateSyntax flags malformed markers: a `##keepit##` with no
// two-decimal weight, or a well-formed weight that parses outside
// [0,1] before clamping (reported as a warning, not a parse failure,
// since ValidateWeight always produces a usable value).
func ValidateSyntax(text string) []SyntaxIssue {
	var issues []SyntaxIssue

	malformed := regexp.MustCompile(`##keepit(?:\d*\.?\d*)##`)
	for _, loc := range malformed.FindAllStringIndex(text, -1) {
		if !markerPattern.MatchString(text[loc[0]:loc[1]]) {
			issues = append(issues, SyntaxIssue{Position: loc[0], Reason: "missing two-decimal weight"})
		}
	}

	for _, loc := range markerPattern.FindAllStringSubmatchIndex(text, -1) {
		weightStr := text[loc[2]:loc[3]]
		if f, err := strconv.ParseFloat(weightStr, 64); err != nil || f < 0 || f > 1 {
			issues = append(issues, SyntaxIssue{Position: loc[0], Reason: "weight out of range [0,1]"})
		}
	}

	return issues
}
