package compose

import (
	"math"

	"dev.helix.memory/internal/manifest"
	"dev.helix.memory/internal/model"
)

// Action is the closed set of resolution outcomes previewComposition
// reports per component, without actually invoking the summarizer.
type Action string

const (
	ActionUseOriginal Action = "use-original"
	ActionUseExisting Action = "use-existing"
	ActionUseParts    Action = "use-parts"
	ActionCreateNew   Action = "create-new"
)

// ComponentPreview is one component's planned resolution.
type ComponentPreview struct {
	SessionID      string
	Action         Action
	EstimatedTokens int
}

// PreviewResult is previewComposition's output.
type PreviewResult struct {
	Components          []ComponentPreview
	NewCompressionsNeeded int
}

// PreviewComposition runs the same planning as ComposeContext but
// without invoking the summarizer, so "create-new" components are
// reported, not produced.
func (p *Planner) PreviewComposition(projectID string, req Request) (*PreviewResult, error) {
	m, err := p.loadManifestLocked(projectID)
	if err != nil {
		return nil, err
	}

	sessions := make([]*model.Session, len(req.Components))
	originalTokens := make([]int, len(req.Components))
	weights := make([]float64, len(req.Components))
	for i, c := range req.Components {
		sess, err := manifest.GetSession(m, c.SessionID)
		if err != nil {
			return nil, err
		}
		sessions[i] = sess
		originalTokens[i] = sess.OriginalTokens
		weights[i] = c.Weight
	}

	strategy := req.AllocationStrategy
	if strategy == "" {
		strategy = SuggestAllocation(originalTokens)
	}
	budgets := allocateBudget(strategy, originalTokens, weights, req.TotalTokenBudget)

	result := &PreviewResult{}
	for i, c := range req.Components {
		preview := p.previewComponent(sessions[i], c, budgets[i])
		result.Components = append(result.Components, preview)
		if preview.Action == ActionCreateNew {
			result.NewCompressionsNeeded++
		}
	}
	return result, nil
}

func (p *Planner) previewComponent(sess *model.Session, c ComponentRequest, budget int) ComponentPreview {
	preview := ComponentPreview{SessionID: c.SessionID}

	switch {
	case c.VersionID == "original":
		preview.Action = ActionUseOriginal
		preview.EstimatedTokens = sess.OriginalTokens
		return preview

	case c.VersionID != "":
		for _, rec := range sess.Compressions {
			if rec.VersionID == c.VersionID {
				preview.Action = ActionUseExisting
				preview.EstimatedTokens = rec.OutputTokens
				return preview
			}
		}
		preview.Action = ActionUseExisting
		return preview

	case c.RecompressSettings != nil:
		preview.Action = ActionCreateNew
		if budget > 0 {
			preview.EstimatedTokens = budget
		}
		return preview

	case c.UsePartSelection:
		picks := SelectParts(sess, budget, true)
		tokens := 0
		for _, pick := range picks {
			tokens += pick.Version.OutputTokens
		}
		preview.Action = ActionUseParts
		preview.EstimatedTokens = tokens
		return preview

	default:
		if sess.OriginalTokens <= budget {
			preview.Action = ActionUseOriginal
			preview.EstimatedTokens = sess.OriginalTokens
			return preview
		}
		var bestScore float64 = -1
		var bestTokens int
		for _, rec := range sess.Compressions {
			s := Score(*rec, ScoreCriteria{MaxTokens: budget, PreserveKeepits: true})
			if s > bestScore {
				bestScore = s
				bestTokens = rec.OutputTokens
			}
		}
		if bestScore >= 0.5 {
			preview.Action = ActionUseExisting
			preview.EstimatedTokens = bestTokens
			return preview
		}
		preview.Action = ActionCreateNew
		if budget > 0 {
			preview.EstimatedTokens = int(math.Min(float64(budget), float64(sess.OriginalTokens)))
		}
		return preview
	}
}
