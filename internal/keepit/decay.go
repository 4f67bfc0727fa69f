package keepit

import (
	"math"

	"dev.helix.memory/internal/model"
)

// baseThreshold maps an aggressiveness level to its base survival threshold.
var baseThreshold = map[model.Aggressiveness]float64{
	model.AggressivenessMinimal:    0.1,
	model.AggressivenessModerate:   0.3,
	model.AggressivenessAggressive: 0.5,
}

// InferAggressiveness maps a compression ratio to a level when the
// caller didn't pass one explicitly.
func InferAggressiveness(ratio float64) model.Aggressiveness {
	switch {
	case ratio <= 5:
		return model.AggressivenessMinimal
	case ratio <= 15:
		return model.AggressivenessModerate
	default:
		return model.AggressivenessAggressive
	}
}

// CalculateSurvivalThreshold computes the weight a marker must meet
// to survive:
//
//	threshold = base + (min(ratio,100)/100) * (min(distance,10)/10)
//	threshold = min(threshold, 0.99)
//
// Monotonic non-decreasing in ratio and distance, and never exceeds
// 0.99 so a pinned (1.00) marker always wins regardless of inputs.
func CalculateSurvivalThreshold(ratio float64, distance int, aggressiveness model.Aggressiveness) float64 {
	base, ok := baseThreshold[aggressiveness]
	if !ok {
		base = baseThreshold[model.AggressivenessModerate]
	}

	r := math.Min(ratio, 100)
	d := math.Min(float64(distance), 10)
	threshold := base + (r/100)*(d/10)

	return math.Min(threshold, 0.99)
}

// ShouldKeepitSurvive reports whether a marker of the given weight
// survives compression at the given ratio/distance/aggressiveness.
// A pinned marker (weight >= 1.0) always survives.
func ShouldKeepitSurvive(weight, ratio float64, distance int, aggressiveness model.Aggressiveness) bool {
	if weight >= 1.0 {
		return true
	}
	return weight >= CalculateSurvivalThreshold(ratio, distance, aggressiveness)
}

// DecayDecision records the survival outcome for one marker.
type DecayDecision struct {
	Marker   *model.KeepitMarker
	Survives bool
}

// DecayCounts summarizes a PreviewDecay call.
type DecayCounts struct {
	Survived   int
	Summarized int
}

// PreviewDecay applies ShouldKeepitSurvive to every marker and returns
// counts plus the per-marker decision list. Pure and deterministic:
// depends only on each marker's (weight, ratio, distance,
// aggressiveness), so repeated calls with the same inputs always
// agree.
func PreviewDecay(markers []*model.KeepitMarker, ratio float64, distance int, aggressiveness model.Aggressiveness) (DecayCounts, []DecayDecision) {
	decisions := make([]DecayDecision, 0, len(markers))
	counts := DecayCounts{}

	for _, m := range markers {
		survives := ShouldKeepitSurvive(m.Weight, ratio, distance, aggressiveness)
		decisions = append(decisions, DecayDecision{Marker: m, Survives: survives})
		if survives {
			counts.Survived++
		} else {
			counts.Summarized++
		}
	}

	return counts, decisions
}
