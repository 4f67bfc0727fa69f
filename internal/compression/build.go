package compression

import (
	"github.com/google/uuid"

	"dev.helix.memory/internal/capability"
	"dev.helix.memory/internal/config"
	"dev.helix.memory/internal/keepit"
	"dev.helix.memory/internal/model"
)

// buildSummarizeRequest assembles the capability-facing request,
// including verbatim-preservation instructions for pinned and
// surviving keepit markers.
func (o *Orchestrator) buildSummarizeRequest(messages []capability.Message, settings model.CompressionSettings, ratio int, decisions []keepit.DecayDecision) capability.SummarizeRequest {
	instructions := make([]capability.KeepitInstruction, 0, len(decisions))
	for _, d := range decisions {
		instructions = append(instructions, capability.KeepitInstruction{
			Content:  d.Marker.Content,
			Verbatim: d.Marker.IsPinned() || d.Survives,
		})
	}

	req := capability.SummarizeRequest{
		Messages:           messages,
		Mode:               string(settings.Mode),
		Ratio:              ratio,
		Aggressiveness:     string(settings.Aggressiveness),
		Model:              string(settings.Model),
		KeepitInstructions: instructions,
		Deadline:           o.deadline,
	}

	if settings.Mode == model.ModeTiered {
		req.Tiers = tierSpecsOf(settings)
	} else {
		req.ExpectedOutputCount = expectedOutputCount(len(messages), ratio)
	}

	return req
}

// tierSpecsOf resolves the concrete tier list the summarizer will see:
// explicit custom tiers win, otherwise the named preset is expanded
// from the built-in tier table.
func tierSpecsOf(settings model.CompressionSettings) []capability.TierSpec {
	tiers := settings.CustomTiers
	if len(tiers) == 0 {
		tiers = config.DefaultTierPresets()[settings.TierPreset]
	}

	specs := make([]capability.TierSpec, 0, len(tiers))
	for _, t := range tiers {
		specs = append(specs, capability.TierSpec{
			EndPercent:      t.EndPercent,
			CompactionRatio: t.CompactionRatio,
			Aggressiveness:  string(t.Aggressiveness),
		})
	}
	return specs
}

// synthesizeMessages wraps summarizer output into synthetic messages.
// The first replacement reuses the first original message's UUID so
// inbound parent-chain edges stay valid; every subsequent synthetic
// message gets a fresh UUID and links to the previous one
// sequentially.
func synthesizeMessages(original []capability.Message, units []capability.SummaryUnit) []capability.Message {
	if len(original) == 0 || len(units) == 0 {
		return nil
	}

	out := make([]capability.Message, 0, len(units))
	prevUUID := ""
	for i, u := range units {
		id := uuid.NewString()
		if i == 0 {
			id = original[0].UUID
		}

		ts := original[0].Timestamp
		if i < len(original) {
			ts = original[i].Timestamp
		} else {
			ts = original[len(original)-1].Timestamp
		}

		out = append(out, capability.Message{
			UUID:       id,
			ParentUUID: prevUUID,
			Type:       u.Role,
			Timestamp:  ts,
			Content:    []capability.ContentBlock{{Type: "text", Text: u.Summary}},
		})
		prevUUID = id
	}
	return out
}
