// Package compose implements the part composer and the composition
// planner: scoring versions under criteria, grouping by part,
// allocating a token budget across components, and assembling
// composed artifacts with provenance.
package compose

import (
	"time"

	"dev.helix.memory/internal/model"
)

// ScoreCriteria tunes version scoring: a token ceiling, a preferred
// compression ratio, and keepit/recency preferences.
type ScoreCriteria struct {
	MaxTokens       int
	PreferredRatio  float64
	PreserveKeepits bool
	PreferRecent    bool
}

// minAcceptableScore is the floor below which a version is not a
// viable pick for its part/budget.
const minAcceptableScore = 0.3

// Score rates how well a version fits the criteria, starting from 1.0
// and multiplying a penalty/reward factor per criterion.
func Score(rec model.VersionRecord, criteria ScoreCriteria) float64 {
	score := 1.0

	if criteria.MaxTokens > 0 {
		if rec.OutputTokens > criteria.MaxTokens {
			score *= 0.1
		} else {
			score *= 0.5 + 0.5*(float64(rec.OutputTokens)/float64(criteria.MaxTokens))
		}
	}

	if criteria.PreferredRatio > 0 {
		diff := rec.CompressionRatio - criteria.PreferredRatio
		if diff < 0 {
			diff = -diff
		}
		factor := 1 - diff/50
		if factor < 0.5 {
			factor = 0.5
		}
		score *= factor
	}

	if criteria.PreserveKeepits && (rec.KeepitStats.Preserved+rec.KeepitStats.Summarized) > 0 {
		total := rec.KeepitStats.Preserved + rec.KeepitStats.Summarized
		fraction := float64(rec.KeepitStats.Preserved) / float64(total)
		score *= 0.5 + 0.5*fraction
	}

	if criteria.PreferRecent {
		ageDays := time.Since(rec.CreatedAt).Hours() / 24
		factor := 1 - ageDays/300
		if factor < 0.9 {
			factor = 0.9
		}
		score *= factor
	}

	return score
}

// PartPick is the result of selecting the best version for one part.
type PartPick struct {
	PartNumber int
	Version    model.VersionRecord
	Score      float64
	IsOriginal bool
}

// SelectParts groups a session's versions by partNumber, divides
// maxTokens equally across parts, and picks the highest-scoring
// version per part whose score clears minAcceptableScore. If no
// compressed parts exist, it falls back to a synthetic "original"
// pick spanning the whole session.
func SelectParts(session *model.Session, maxTokens int, preserveKeepits bool) []PartPick {
	byPart := map[int][]model.VersionRecord{}
	for _, rec := range session.Compressions {
		byPart[rec.PartNumber] = append(byPart[rec.PartNumber], *rec)
	}

	if len(byPart) == 0 {
		return []PartPick{{
			PartNumber: 1,
			IsOriginal: true,
			Version: model.VersionRecord{
				VersionID:     "original",
				OutputTokens:  session.OriginalTokens,
				InputTokens:   session.OriginalTokens,
				IsFullSession: true,
				MessageRange: model.MessageRange{
					StartIndex:     0,
					EndIndex:       session.OriginalMessages,
					MessageCount:   session.OriginalMessages,
					StartTimestamp: session.FirstTimestamp,
					EndTimestamp:   session.LastTimestamp,
				},
			},
		}}
	}

	perPartBudget := 0
	if len(byPart) > 0 {
		perPartBudget = maxTokens / len(byPart)
	}

	criteria := ScoreCriteria{MaxTokens: perPartBudget, PreserveKeepits: preserveKeepits}

	picks := make([]PartPick, 0, len(byPart))
	for part, recs := range byPart {
		best := PartPick{PartNumber: part}
		bestScore := -1.0
		for _, rec := range recs {
			s := Score(rec, criteria)
			if s > bestScore && s >= minAcceptableScore {
				bestScore = s
				best.Version = rec
				best.Score = s
			}
		}
		if bestScore >= 0 {
			picks = append(picks, best)
		}
	}
	return picks
}
