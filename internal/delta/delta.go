// Package delta finds the slice of a session's transcript not yet
// covered by any compressed version.
package delta

import (
	"sort"
	"time"

	"dev.helix.memory/internal/capability"
	"dev.helix.memory/internal/model"
)

// Result is the outcome of a delta detection pass.
type Result struct {
	HasDelta            bool
	DeltaCount          int
	DeltaMessages       []capability.Message
	StartIndex          int
	EndIndex             int
	StartTimestamp       time.Time
	EndTimestamp         time.Time
	IsFirstPart          bool
	PreviousPartNumber   int
}

// Detect finds the messages after the most recently covered range
// across all of a session's compression records.
//
// The "last covered range" is the one whose messageRange.endTimestamp
// is most recent. Messages after it are located
// first by index (msgIndex >= lastEndIndex, endIndex being exclusive),
// falling back to timestamp comparison (as instants, never ISO-string
// lexicography) when the record carries no index information (legacy
// records from before ranges were tracked).
func Detect(messages []capability.Message, versions []model.VersionRecord) Result {
	if len(versions) == 0 {
		return wholeTranscriptDelta(messages)
	}

	last := latestRange(versions)

	startIndex := last.MessageRange.EndIndex
	var delta []capability.Message
	if hasIndexInfo(last.MessageRange) {
		if startIndex < len(messages) {
			delta = messages[startIndex:]
		}
	} else {
		// Legacy record with no recorded range: compare instants.
		startIndex = len(messages)
		for i, msg := range messages {
			if msg.Timestamp.After(last.MessageRange.EndTimestamp) {
				startIndex = i
				delta = messages[i:]
				break
			}
		}
	}

	if len(delta) == 0 {
		return Result{
			HasDelta:           false,
			IsFirstPart:        false,
			PreviousPartNumber: last.PartNumber,
		}
	}

	return Result{
		HasDelta:           true,
		DeltaCount:         len(delta),
		DeltaMessages:      delta,
		StartIndex:         startIndex,
		EndIndex:           startIndex + len(delta),
		StartTimestamp:     delta[0].Timestamp,
		EndTimestamp:       delta[len(delta)-1].Timestamp,
		IsFirstPart:        false,
		PreviousPartNumber: last.PartNumber,
	}
}

// hasIndexInfo reports whether a range actually recorded indices. A
// legacy record predating range tracking unmarshals with a zero range,
// indistinguishable from "covers nothing", so the timestamp fallback
// takes over for those.
func hasIndexInfo(r model.MessageRange) bool {
	return r.EndIndex > 0 || r.MessageCount > 0
}

func wholeTranscriptDelta(messages []capability.Message) Result {
	if len(messages) == 0 {
		return Result{HasDelta: false, IsFirstPart: true}
	}
	return Result{
		HasDelta:       true,
		DeltaCount:     len(messages),
		DeltaMessages:  messages,
		StartIndex:     0,
		EndIndex:       len(messages),
		StartTimestamp: messages[0].Timestamp,
		EndTimestamp:   messages[len(messages)-1].Timestamp,
		IsFirstPart:    true,
	}
}

// latestRange picks the version record whose messageRange.endTimestamp
// is most recent across all parts.
func latestRange(versions []model.VersionRecord) model.VersionRecord {
	sorted := make([]model.VersionRecord, len(versions))
	copy(sorted, versions)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MessageRange.EndTimestamp.Before(sorted[j].MessageRange.EndTimestamp)
	})
	return sorted[len(sorted)-1]
}
