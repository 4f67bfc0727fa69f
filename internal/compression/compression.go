// Package compression implements the orchestrator that
// drives the external summarizer over a session's delta range,
// enforces keepit rules, verifies preservation, and atomically
// commits a new version.
package compression

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"dev.helix.memory/internal/capability"
	"dev.helix.memory/internal/config"
	"dev.helix.memory/internal/delta"
	"dev.helix.memory/internal/engineerr"
	"dev.helix.memory/internal/enginelog"
	"dev.helix.memory/internal/keepit"
	"dev.helix.memory/internal/lockmgr"
	"dev.helix.memory/internal/manifest"
	"dev.helix.memory/internal/model"
	"dev.helix.memory/internal/storage"
	"dev.helix.memory/internal/tokencount"
	"dev.helix.memory/internal/version"
)

// Orchestrator drives createCompressionVersion end to end.
type Orchestrator struct {
	layout     *storage.Layout
	manifests  *manifest.Store
	sessions   *lockmgr.SessionLocks
	lockStale  time.Duration
	parser     capability.Parser
	summarizer capability.Summarizer
	estimator  *tokencount.Estimator
	limiter    *rate.Limiter
	tracer        trace.Tracer
	log           *enginelog.Logger
	deadline      time.Duration
	allowFallback bool
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithTracer attaches an OpenTelemetry tracer for per-stage spans.
func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

// WithSummarizerDeadline overrides the default 5-minute summarizer deadline.
func WithSummarizerDeadline(d time.Duration) Option {
	return func(o *Orchestrator) { o.deadline = d }
}

// WithTruncationFallback makes a summarizer failure or timeout degrade
// to a deterministic truncation-based summary (recorded in the version's
// settings as fallbackUsed) instead of failing the whole operation.
// Off by default: without it, summarizer failures leave the manifest
// unchanged and surface as CompressionFailed.
func WithTruncationFallback() Option {
	return func(o *Orchestrator) { o.allowFallback = true }
}

// New constructs an Orchestrator. The rate limiter throttles
// summarizer invocations to one per 500ms with a burst of 2, enough
// to keep a well-behaved child process from being hammered by several
// concurrent composition components.
func New(layout *storage.Layout, manifests *manifest.Store, sessions *lockmgr.SessionLocks, lockStale time.Duration, parser capability.Parser, summarizer capability.Summarizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		layout:     layout,
		manifests:  manifests,
		sessions:   sessions,
		lockStale:  lockStale,
		parser:     parser,
		summarizer: summarizer,
		estimator:  tokencount.Get(),
		limiter:    rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
		log:        enginelog.Default().Named("compression"),
		deadline:   5 * time.Minute,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ValidateSettings rejects malformed compression settings before any
// lock is taken.
func ValidateSettings(s model.CompressionSettings) error {
	switch s.Mode {
	case model.ModeUniform:
		if s.CompactionRatio < 2 || s.CompactionRatio > 50 {
			return invalidSettings("uniform mode requires compactionRatio in [2,50]")
		}
		switch s.Aggressiveness {
		case model.AggressivenessMinimal, model.AggressivenessModerate, model.AggressivenessAggressive, "":
		default:
			return invalidSettings("invalid aggressiveness")
		}
	case model.ModeTiered:
		if len(s.CustomTiers) == 0 {
			switch s.TierPreset {
			case model.TierGentle, model.TierStandard, model.TierAggressive:
			default:
				return invalidSettings("tiered mode requires tierPreset or customTiers")
			}
		}
		for _, t := range s.CustomTiers {
			if t.EndPercent < 1 || t.EndPercent > 100 {
				return invalidSettings("tier endPercent must be in [1,100]")
			}
			if t.CompactionRatio < 2 || t.CompactionRatio > 50 {
				return invalidSettings("tier compactionRatio must be in [2,50]")
			}
		}
	default:
		return invalidSettings("mode must be uniform or tiered")
	}

	switch s.Model {
	case model.ModelOpus, model.ModelSonnet, model.ModelHaiku:
	default:
		return invalidSettings("invalid model")
	}

	if s.SkipFirstMessages < 0 {
		return invalidSettings("skipFirstMessages must be >= 0")
	}

	switch s.KeepitMode {
	case model.KeepitPreserveAll, model.KeepitDecay, model.KeepitIgnore:
	default:
		return invalidSettings("invalid keepitMode")
	}

	return nil
}

func invalidSettings(msg string) error {
	return engineerr.New(engineerr.KindBadRequest, engineerr.CodeInvalidSettings, msg, nil)
}

// CreateCompressionVersion runs one compression end to end: detect
// the delta, apply keepit decay, summarize, verify, write the version
// files, and commit the record to the manifest.
func (o *Orchestrator) CreateCompressionVersion(ctx context.Context, projectID, sessionID string, settings model.CompressionSettings) (*model.VersionRecord, error) {
	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	ctx, span := o.startSpan(ctx, "compression.create")
	defer span.End()

	release, err := o.sessions.TryAcquire(projectID, sessionID, lockmgr.OpCompression)
	if err != nil {
		return nil, err
	}
	defer release()

	mlock := lockmgr.NewManifestLock(o.layout.ManifestLockPath(projectID), o.lockStale)
	unlock, err := mlock.Acquire()
	if err != nil {
		return nil, err
	}

	m, err := o.manifests.Load(projectID)
	if err != nil {
		unlock()
		return nil, err
	}
	sess, err := manifest.GetSession(m, sessionID)
	if err != nil {
		unlock()
		return nil, err
	}
	// The parse/summarize/verify work below must not hold the manifest
	// lock: release it now, re-acquire only to commit.
	unlock()

	transcript, err := o.parser.Parse(ctx, sess.LinkedFile)
	if err != nil {
		return nil, engineerr.Wrap(err, engineerr.CodeParseError, "parsing transcript")
	}
	if len(transcript.Messages) < 2 {
		return nil, engineerr.InsufficientMessagesError(sessionID, len(transcript.Messages))
	}

	d := delta.Detect(transcript.Messages, versionRecordsOf(sess))
	if !d.HasDelta {
		return nil, engineerr.New(engineerr.KindBadRequest, engineerr.CodeInsufficientMessages,
			fmt.Sprintf("session %s has no uncompressed delta", sessionID), nil)
	}

	messages := d.DeltaMessages
	if settings.SkipFirstMessages > 0 && settings.SkipFirstMessages < len(messages) {
		messages = messages[settings.SkipFirstMessages:]
	}

	ratio := effectiveRatio(settings)
	distance := settings.SessionDistance

	var decisions []keepit.DecayDecision
	var allMarkers []*model.KeepitMarker
	for _, msg := range messages {
		raw := keepit.ExtractRaw(msg.Text())
		markers := keepit.Normalize(msg.UUID, msg.Text(), raw, msg.Timestamp)
		allMarkers = append(allMarkers, markers...)
	}

	switch settings.KeepitMode {
	case model.KeepitIgnore:
		for _, mk := range allMarkers {
			decisions = append(decisions, keepit.DecayDecision{Marker: mk, Survives: false})
		}
	case model.KeepitPreserveAll:
		for _, mk := range allMarkers {
			decisions = append(decisions, keepit.DecayDecision{Marker: mk, Survives: true})
		}
	default:
		aggressiveness := settings.Aggressiveness
		if aggressiveness == "" {
			aggressiveness = keepit.InferAggressiveness(float64(ratio))
		}
		_, decisions = keepit.PreviewDecay(allMarkers, float64(ratio), distance, aggressiveness)
	}

	req := o.buildSummarizeRequest(messages, settings, ratio, decisions)
	ctx2, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	if err := o.limiter.Wait(ctx2); err != nil {
		return nil, engineerr.Wrap(err, engineerr.CodeCompressionFailed, "rate limiter wait")
	}

	start := time.Now()
	units, err := o.summarizer.Summarize(ctx2, req)
	if err != nil {
		if !o.allowFallback {
			return nil, engineerr.Wrap(err, engineerr.CodeCompressionFailed, "summarizer invocation failed")
		}
		o.log.Warn("summarizer failed, degrading to truncation summary",
			"sessionId", sessionID, "error", err)
		units = truncationSummary(messages, ratio)
		settings.FallbackUsed = true
	}
	processingTime := time.Since(start)

	synthMessages := synthesizeMessages(messages, units)

	compressed := renderPlainText(synthMessages)
	report := keepit.Verify(allMarkers, decisions, compressed, keepit.DefaultVerifyOptions())
	if len(report.Missing) > 0 {
		o.log.Warn("keepit markers missing after compression", "sessionId", sessionID, "missing", len(report.Missing))
	}

	inputTokens := o.countMessages(messages)
	outputTokens := o.countSynth(synthMessages)

	mlock2 := lockmgr.NewManifestLock(o.layout.ManifestLockPath(projectID), o.lockStale)
	unlock2, err := mlock2.Acquire()
	if err != nil {
		return nil, err
	}
	defer unlock2()

	m, err = o.manifests.Load(projectID)
	if err != nil {
		return nil, err
	}
	sess, err = manifest.GetSession(m, sessionID)
	if err != nil {
		return nil, err
	}

	part := nextPartNumber(d)
	level := deriveLevel(settings)
	for _, existing := range sess.Compressions {
		if existing.PartNumber == part && existing.CompressionLevel == level {
			return nil, engineerr.New(engineerr.KindConflict, engineerr.CodeDuplicateVersion,
				fmt.Sprintf("part %d already has a %s version (%s)", part, level, existing.VersionID),
				map[string]any{"partNumber": part, "compressionLevel": string(level), "versionId": existing.VersionID})
		}
	}

	versionID := version.NextVersionID(sess.Compressions)
	rec := &model.VersionRecord{
		VersionID:        versionID,
		CreatedAt:        time.Now(),
		Settings:         settings,
		InputTokens:      inputTokens,
		InputMessages:    len(messages),
		OutputTokens:     outputTokens,
		OutputMessages:   len(synthMessages),
		CompressionRatio: ratioOf(inputTokens, outputTokens),
		ProcessingTimeMs: processingTime.Milliseconds(),
		KeepitStats:      keepitStatsOf(decisions),
		TierResults:      tierResultsOf(settings, messages, inputTokens, outputTokens),
		PartNumber:       part,
		CompressionLevel: level,
		MessageRange: model.MessageRange{
			StartIndex:     d.StartIndex,
			EndIndex:       d.EndIndex,
			MessageCount:   len(messages),
			StartTimestamp: d.StartTimestamp,
			EndTimestamp:   d.EndTimestamp,
		},
		IsFullSession: d.IsFirstPart,
	}
	rec.File = version.Filename(*rec)

	if err := o.writeFiles(projectID, sessionID, rec, synthMessages); err != nil {
		return nil, err
	}

	markAllMarkers(sess, decisions, versionID)
	sess.Compressions = append(sess.Compressions, rec)
	sess.LastAccessed = time.Now()
	if err := manifest.SetSession(m, sess); err != nil {
		return nil, err
	}

	if err := o.manifests.Save(projectID, m); err != nil {
		return nil, err
	}

	return rec, nil
}

func (o *Orchestrator) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if o.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return o.tracer.Start(ctx, name)
}

func effectiveRatio(s model.CompressionSettings) int {
	if s.Mode == model.ModeUniform {
		return s.CompactionRatio
	}
	switch s.TierPreset {
	case model.TierGentle:
		return 3
	case model.TierAggressive:
		return 20
	default:
		return 10
	}
}

func deriveLevel(s model.CompressionSettings) model.CompressionLevel {
	if s.Mode == model.ModeUniform {
		switch s.Aggressiveness {
		case model.AggressivenessMinimal:
			return model.LevelLight
		case model.AggressivenessAggressive:
			return model.LevelAggressive
		default:
			return model.LevelModerate
		}
	}
	if len(s.CustomTiers) > 0 {
		return model.LevelModerate
	}
	switch s.TierPreset {
	case model.TierGentle:
		return model.LevelLight
	case model.TierAggressive:
		return model.LevelAggressive
	default:
		return model.LevelModerate
	}
}

// ratioOf is inputTokens/outputTokens rounded to two decimals.
func ratioOf(input, output int) float64 {
	if output == 0 {
		return 0
	}
	return math.Round(float64(input)/float64(output)*100) / 100
}

func nextPartNumber(d delta.Result) int {
	if d.IsFirstPart {
		return 1
	}
	return d.PreviousPartNumber + 1
}

func versionRecordsOf(sess *model.Session) []model.VersionRecord {
	out := make([]model.VersionRecord, 0, len(sess.Compressions))
	for _, rec := range sess.Compressions {
		out = append(out, *rec)
	}
	return out
}

func keepitStatsOf(decisions []keepit.DecayDecision) model.KeepitStats {
	stats := model.KeepitStats{}
	for _, d := range decisions {
		if d.Survives {
			stats.Preserved++
		} else {
			stats.Summarized++
		}
		stats.Weights = append(stats.Weights, d.Marker.Weight)
	}
	return stats
}

func markAllMarkers(sess *model.Session, decisions []keepit.DecayDecision, versionID string) {
	byID := make(map[string]*model.KeepitMarker, len(sess.KeepitMarkers))
	for _, mk := range sess.KeepitMarkers {
		byID[mk.MarkerID] = mk
	}
	for _, d := range decisions {
		existing, ok := byID[d.Marker.MarkerID]
		if !ok {
			sess.KeepitMarkers = append(sess.KeepitMarkers, d.Marker)
			existing = d.Marker
			byID[d.Marker.MarkerID] = existing
		}
		if d.Survives {
			existing.SurvivedIn = append(existing.SurvivedIn, versionID)
		} else {
			existing.SummarizedIn = append(existing.SummarizedIn, versionID)
		}
	}
}

func (o *Orchestrator) countMessages(msgs []capability.Message) int {
	total := 0
	for _, m := range msgs {
		total += o.estimator.CountMessage(m.Text())
	}
	return total
}

func (o *Orchestrator) countSynth(msgs []capability.Message) int {
	return o.countMessages(msgs)
}

func renderPlainText(msgs []capability.Message) string {
	out := ""
	for _, m := range msgs {
		out += m.Text() + "\n\n"
	}
	return out
}

// tierResultsOf partitions the input slice by each tier's endPercent
// and records per-tier message counts and estimated output-token
// shares. Uniform compressions have no tiers and record nothing.
func tierResultsOf(settings model.CompressionSettings, messages []capability.Message, inputTokens, outputTokens int) []model.TierResult {
	if settings.Mode != model.ModeTiered {
		return nil
	}

	tiers := settings.CustomTiers
	if len(tiers) == 0 {
		tiers = config.DefaultTierPresets()[settings.TierPreset]
	}
	if len(tiers) == 0 {
		return nil
	}

	n := len(messages)
	results := make([]model.TierResult, 0, len(tiers))
	prevEnd := 0
	for _, t := range tiers {
		end := n * t.EndPercent / 100
		if end > n {
			end = n
		}
		count := end - prevEnd
		if count < 0 {
			count = 0
		}
		share := 0
		if n > 0 {
			share = outputTokens * count / n
		}
		results = append(results, model.TierResult{Tier: t, MessageCount: count, OutputTokens: share})
		prevEnd = end
	}
	return results
}

// truncationSummary is the degraded-mode summarizer: one unit per
// expected output message, each carrying a truncated excerpt of its
// source messages. Deterministic, so a fallback version is reproducible.
func truncationSummary(messages []capability.Message, ratio int) []capability.SummaryUnit {
	target := expectedOutputCount(len(messages), ratio)
	if target < 1 {
		target = 1
	}

	const excerptLen = 200
	units := make([]capability.SummaryUnit, 0, target)
	per := (len(messages) + target - 1) / target
	for start := 0; start < len(messages); start += per {
		end := start + per
		if end > len(messages) {
			end = len(messages)
		}
		group := messages[start:end]

		text := group[0].Text()
		if len(text) > excerptLen {
			text = text[:excerptLen] + "…"
		}
		units = append(units, capability.SummaryUnit{
			Role:    group[0].Type,
			Summary: fmt.Sprintf("[%d message(s) truncated] %s", len(group), text),
		})
	}
	return units
}

// expectedOutputCount is the uniform-mode target: ratio 0 passes
// messages through unchanged, ratio 1 requests same-count verbosity
// reduction, else ceil(n/ratio).
func expectedOutputCount(n, ratio int) int {
	switch ratio {
	case 0:
		return n
	case 1:
		return n
	default:
		return int(math.Ceil(float64(n) / float64(ratio)))
	}
}
