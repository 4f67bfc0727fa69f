package compose

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"dev.helix.memory/internal/capability"
	"dev.helix.memory/internal/compression"
	"dev.helix.memory/internal/engineerr"
	"dev.helix.memory/internal/lockmgr"
	"dev.helix.memory/internal/manifest"
	"dev.helix.memory/internal/model"
	"dev.helix.memory/internal/storage"
	"dev.helix.memory/internal/version"
)

// ComponentRequest is one input component of a composeContext call.
type ComponentRequest struct {
	SessionID          string
	VersionID          string
	RecompressSettings *model.CompressionSettings
	UsePartSelection   bool
	Weight             float64
}

// Request is one composeContext call's input.
type Request struct {
	Name               string
	Description        string
	Components         []ComponentRequest
	TotalTokenBudget    int
	AllocationStrategy model.AllocationStrategy
	OutputFormat       model.OutputFormat
	Model              model.Model
}

// perComponentOverhead is subtracted from each component's share to
// account for section headers in the composed output.
const perComponentOverhead = 50

// Planner executes composeContext/previewComposition.
type Planner struct {
	layout       *storage.Layout
	manifests    *manifest.Store
	versions     *version.Registry
	orchestrator *compression.Orchestrator
	parser       capability.Parser
	sessions     *lockmgr.SessionLocks
	lockStale    time.Duration
	tracer       trace.Tracer
}

// PlannerOption configures a Planner at construction time.
type PlannerOption func(*Planner)

// WithSessionLocks enables per-session composition locks. Without it
// the planner skips session locking entirely (callers that already
// serialize externally, and tests).
func WithSessionLocks(sl *lockmgr.SessionLocks, staleAfter time.Duration) PlannerOption {
	return func(p *Planner) {
		p.sessions = sl
		p.lockStale = staleAfter
	}
}

// WithTracer attaches an OpenTelemetry tracer for composition spans.
func WithTracer(t trace.Tracer) PlannerOption {
	return func(p *Planner) { p.tracer = t }
}

// New constructs a Planner.
func New(layout *storage.Layout, manifests *manifest.Store, versions *version.Registry, orchestrator *compression.Orchestrator, parser capability.Parser, opts ...PlannerOption) *Planner {
	p := &Planner{layout: layout, manifests: manifests, versions: versions, orchestrator: orchestrator, parser: parser, lockStale: 30 * time.Second}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SuggestAllocation auto-picks an allocation strategy from the
// components' original token counts: proportional when sizes are
// lopsided, recency when there are many components, equal otherwise.
func SuggestAllocation(originalTokens []int) model.AllocationStrategy {
	if len(originalTokens) == 0 {
		return model.AllocationEqual
	}
	min, max := originalTokens[0], originalTokens[0]
	for _, t := range originalTokens {
		if t < min {
			min = t
		}
		if t > max {
			max = t
		}
	}
	if min > 0 && float64(max)/float64(min) > 3 {
		return model.AllocationProportional
	}
	if len(originalTokens) > 5 {
		return model.AllocationRecency
	}
	return model.AllocationEqual
}

// allocateBudget splits totalBudget across n components per the given
// strategy. The per-component header overhead is deducted from the
// total up front, then the remainder is divided by share, so
// sum(allocations) stays within [B - 50n - n, B - 50n] (floor loss of
// at most one token per component).
func allocateBudget(strategy model.AllocationStrategy, originalTokens []int, weights []float64, totalBudget int) []int {
	n := len(originalTokens)
	if n == 0 {
		return nil
	}

	distributable := totalBudget - perComponentOverhead*n
	if distributable < 0 {
		distributable = 0
	}

	shares := make([]float64, n)
	switch strategy {
	case model.AllocationProportional:
		sum := 0
		for _, t := range originalTokens {
			sum += t
		}
		if sum == 0 {
			for i := range shares {
				shares[i] = 1.0 / float64(n)
			}
		} else {
			for i, t := range originalTokens {
				shares[i] = float64(t) / float64(sum)
			}
		}
	case model.AllocationRecency:
		sum := n * (n + 1) / 2
		for i := range shares {
			shares[i] = float64(i+1) / float64(sum)
		}
	case model.AllocationInverseRecency:
		sum := n * (n + 1) / 2
		for i := range shares {
			shares[i] = float64(n-i) / float64(sum)
		}
	case model.AllocationCustom:
		sum := 0.0
		for _, w := range weights {
			sum += w
		}
		if sum == 0 {
			for i := range shares {
				shares[i] = 1.0 / float64(n)
			}
		} else {
			for i, w := range weights {
				shares[i] = w / sum
			}
		}
	default: // equal
		for i := range shares {
			shares[i] = 1.0 / float64(n)
		}
	}

	out := make([]int, n)
	for i, s := range shares {
		out[i] = int(float64(distributable) * s)
	}
	return out
}

// ComposeContext builds a budget-bounded context over several
// sessions, resolving each component to a version (creating new
// compressions where needed), writing the composed artifacts, and
// recording the composition in the manifest.
func (p *Planner) ComposeContext(ctx context.Context, projectID string, req Request) (*model.Composition, error) {
	if req.TotalTokenBudget < 1000 {
		return nil, engineerr.New(engineerr.KindBadRequest, engineerr.CodeInvalidSettings,
			"totalTokenBudget must be >= 1000", nil)
	}

	ctx, span := p.startSpan(ctx, "compose.context")
	defer span.End()

	// One composition lock per distinct session involved; released in
	// reverse order when the composition commits or fails.
	if p.sessions != nil {
		seen := map[string]bool{}
		for _, c := range req.Components {
			if seen[c.SessionID] {
				continue
			}
			seen[c.SessionID] = true
			release, err := p.sessions.TryAcquire(projectID, c.SessionID, lockmgr.OpComposition)
			if err != nil {
				return nil, err
			}
			defer release()
		}
	}

	// The manifest lock guards only the read; per-component resolution
	// may invoke the summarizer, which must never run under it.
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

	compositionID := uuid.NewString()
	comp := &model.Composition{
		CompositionID:      compositionID,
		Name:               req.Name,
		Description:        req.Description,
		CreatedAt:          time.Now(),
		AllocationStrategy: strategy,
		TotalTokenBudget:    req.TotalTokenBudget,
		UsedInSessions:     []string{},
	}

	var allMessages []renderedComponent
	for i, c := range req.Components {
		selection, messages, err := p.resolveComponent(ctx, projectID, sessions[i], c, budgets[i], i)
		if err != nil {
			return nil, err
		}
		comp.Components = append(comp.Components, selection)
		comp.ActualTokens += selection.TokenContribution
		comp.TotalMessages += selection.MessageContribution
		allMessages = append(allMessages, renderedComponent{selection: selection, messages: messages, sessionID: c.SessionID})
	}

	sanitized := sanitizeName(req.Name)
	dir := p.layout.ComposedDir(projectID, sanitized)
	files, err := writeComposedOutputs(dir, sanitized, comp, allMessages, req.OutputFormat)
	if err != nil {
		return nil, err
	}
	comp.OutputFiles = files

	// Re-read the manifest under a fresh lock for the commit: component
	// resolution may have appended new versions in the meantime.
	if err := p.commitComposition(projectID, comp); err != nil {
		return nil, err
	}

	return comp, nil
}

// loadManifestLocked reads the manifest under the cross-process lock,
// releasing it before returning.
func (p *Planner) loadManifestLocked(projectID string) (*model.Manifest, error) {
	if p.sessions == nil {
		// No lock manager wired: single-caller mode.
		return p.manifests.Load(projectID)
	}
	mlock := lockmgr.NewManifestLock(p.layout.ManifestLockPath(projectID), p.lockStale)
	unlock, err := mlock.Acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return p.manifests.Load(projectID)
}

// commitComposition appends the composition record to a freshly-read
// manifest under the cross-process lock.
func (p *Planner) commitComposition(projectID string, comp *model.Composition) error {
	var unlock lockmgr.Release
	if p.sessions != nil {
		mlock := lockmgr.NewManifestLock(p.layout.ManifestLockPath(projectID), p.lockStale)
		var err error
		unlock, err = mlock.Acquire()
		if err != nil {
			return err
		}
		defer unlock()
	}

	m, err := p.manifests.Load(projectID)
	if err != nil {
		return err
	}
	if m.Compositions == nil {
		m.Compositions = map[string]*model.Composition{}
	}
	m.Compositions[comp.CompositionID] = comp
	return p.manifests.Save(projectID, m)
}

func (p *Planner) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if p.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name)
}

type renderedComponent struct {
	selection model.ComponentSelection
	messages  []capability.Message
	sessionID string
}

// resolveComponent picks the content for one component: an explicit
// version, a fresh recompression, part selection, or auto-selection.
func (p *Planner) resolveComponent(ctx context.Context, projectID string, sess *model.Session, c ComponentRequest, budget, order int) (model.ComponentSelection, []capability.Message, error) {
	selection := model.ComponentSelection{SessionID: c.SessionID, Order: order, AllocatedBudget: budget}

	switch {
	case c.VersionID != "":
		entry, err := p.versions.Get(projectID, sess, c.VersionID)
		if err != nil {
			return selection, nil, err
		}
		selection.VersionID = c.VersionID
		messages, err := p.loadVersionMessages(projectID, sess, entry.Record)
		if err != nil {
			return selection, nil, err
		}
		selection.TokenContribution = entry.Record.OutputTokens
		selection.MessageContribution = len(messages)
		return selection, messages, nil

	case c.RecompressSettings != nil:
		settings := *c.RecompressSettings
		settings.SessionDistance = order + 1
		rec, err := p.orchestrator.CreateCompressionVersion(ctx, projectID, c.SessionID, settings)
		if err != nil {
			return selection, nil, err
		}
		selection.VersionID = rec.VersionID
		messages, err := p.loadVersionMessages(projectID, sess, *rec)
		if err != nil {
			return selection, nil, err
		}
		selection.TokenContribution = rec.OutputTokens
		selection.MessageContribution = len(messages)
		return selection, messages, nil

	case c.UsePartSelection:
		picks := SelectParts(sess, budget, true)
		var messages []capability.Message
		partNumbers := make([]int, 0, len(picks))
		tokens := 0
		for _, pick := range picks {
			partNumbers = append(partNumbers, pick.PartNumber)
			if pick.IsOriginal {
				msgs, err := p.loadOriginalMessages(projectID, sess, pick.Version.MessageRange)
				if err != nil {
					return selection, nil, err
				}
				messages = append(messages, msgs...)
				tokens += pick.Version.OutputTokens
				continue
			}
			msgs, err := p.loadVersionMessages(projectID, sess, pick.Version)
			if err != nil {
				return selection, nil, err
			}
			messages = append(messages, msgs...)
			tokens += pick.Version.OutputTokens
		}
		selection.PartNumbers = partNumbers
		selection.TokenContribution = tokens
		selection.MessageContribution = len(messages)
		return selection, messages, nil

	default:
		return p.autoSelect(ctx, projectID, sess, budget, order)
	}
}

// autoSelect picks the best content for a component with no explicit
// choice: the original if it fits the budget, the best-scoring
// existing compression if one clears 0.5, else a new tiered
// compression at a preset matched to the required ratio.
func (p *Planner) autoSelect(ctx context.Context, projectID string, sess *model.Session, budget, order int) (model.ComponentSelection, []capability.Message, error) {
	selection := model.ComponentSelection{SessionID: sess.SessionID, Order: order, AllocatedBudget: budget}

	if sess.OriginalTokens <= budget {
		selection.VersionID = version.OriginalVersionID
		messages, err := p.loadOriginalMessages(projectID, sess, model.MessageRange{EndIndex: sess.OriginalMessages})
		if err != nil {
			return selection, nil, err
		}
		selection.TokenContribution = sess.OriginalTokens
		selection.MessageContribution = len(messages)
		return selection, messages, nil
	}

	var best *model.VersionRecord
	bestScore := -1.0
	for _, rec := range sess.Compressions {
		s := Score(*rec, ScoreCriteria{MaxTokens: budget, PreserveKeepits: true})
		if s > bestScore {
			bestScore = s
			best = rec
		}
	}
	if best != nil && bestScore >= 0.5 {
		selection.VersionID = best.VersionID
		messages, err := p.loadVersionMessages(projectID, sess, *best)
		if err != nil {
			return selection, nil, err
		}
		selection.TokenContribution = best.OutputTokens
		selection.MessageContribution = len(messages)
		return selection, messages, nil
	}

	requiredRatio := int(math.Ceil(float64(sess.OriginalTokens) / float64(budget)))
	preset := model.TierGentle
	switch {
	case requiredRatio > 20:
		preset = model.TierAggressive
	case requiredRatio > 10:
		preset = model.TierStandard
	}

	rec, err := p.orchestrator.CreateCompressionVersion(ctx, projectID, sess.SessionID, model.CompressionSettings{
		Mode:            model.ModeTiered,
		TierPreset:      preset,
		Model:           model.ModelSonnet,
		KeepitMode:      model.KeepitDecay,
		SessionDistance: order + 1,
	})
	if err != nil {
		return selection, nil, err
	}
	selection.VersionID = rec.VersionID
	messages, err := p.loadVersionMessages(projectID, sess, *rec)
	if err != nil {
		return selection, nil, err
	}
	selection.TokenContribution = rec.OutputTokens
	selection.MessageContribution = len(messages)
	return selection, messages, nil
}

func (p *Planner) loadVersionMessages(projectID string, sess *model.Session, rec model.VersionRecord) ([]capability.Message, error) {
	if rec.VersionID == version.OriginalVersionID {
		return p.loadOriginalMessages(projectID, sess, rec.MessageRange)
	}
	rc, err := p.versions.GetContent(projectID, sess, rec.VersionID, version.FormatJSONL)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return parseJSONLMessages(rc)
}

func (p *Planner) loadOriginalMessages(projectID string, sess *model.Session, rng model.MessageRange) ([]capability.Message, error) {
	transcript, err := p.parser.Parse(context.Background(), sess.LinkedFile)
	if err != nil {
		return nil, engineerr.Wrap(err, engineerr.CodeParseError, "parsing transcript")
	}
	start := rng.StartIndex
	end := rng.EndIndex
	if start < 0 {
		start = 0
	}
	if end > len(transcript.Messages) || end <= start {
		end = len(transcript.Messages)
	}
	if start >= len(transcript.Messages) {
		return nil, nil
	}
	return transcript.Messages[start:end], nil
}

var sanitizePattern = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func sanitizeName(name string) string {
	s := sanitizePattern.ReplaceAllString(strings.TrimSpace(name), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return fmt.Sprintf("composition-%d", time.Now().UnixNano())
	}
	return s
}
