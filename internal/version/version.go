// Package version implements the per-session version registry:
// filename grammar, listing (with the synthetic "original"
// pseudo-version), content retrieval, and deletion.
package version

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"dev.helix.memory/internal/cache"
	"dev.helix.memory/internal/engineerr"
	"dev.helix.memory/internal/model"
	"dev.helix.memory/internal/storage"
)

// OriginalVersionID is the synthetic pseudo-version representing the
// untouched transcript.
const OriginalVersionID = "original"

// presetForLevel maps a CompressionLevel to the filename preset token.
func presetForLevel(level model.CompressionLevel) string {
	switch level {
	case model.LevelLight:
		return "light"
	case model.LevelAggressive:
		return "aggressive"
	default:
		return "moderate"
	}
}

// Filename builds the stable
// `<versionId>_<mode>-<preset>_<kTokens>k[_partN]` grammar.
func Filename(rec model.VersionRecord) string {
	kTokens := rec.OutputTokens / 1000
	if rec.OutputTokens%1000*2 >= 1000 {
		kTokens++
	}
	if kTokens < 1 {
		kTokens = 1
	}

	base := fmt.Sprintf("%s_%s-%s_%dk", rec.VersionID, rec.Settings.Mode, presetForLevel(rec.CompressionLevel), kTokens)
	if rec.PartNumber > 1 {
		base = fmt.Sprintf("%s_part%d", base, rec.PartNumber)
	}
	return base
}

// NextVersionID returns the next monotonic, zero-padded versionId for
// a session given its existing compression records.
func NextVersionID(existing []*model.VersionRecord) string {
	next := len(existing) + 1
	for _, rec := range existing {
		var n int
		if _, err := fmt.Sscanf(rec.VersionID, "v%d", &n); err == nil && n >= next {
			next = n + 1
		}
	}
	return fmt.Sprintf("v%03d", next)
}

var filenamePattern = regexp.MustCompile(`^(v\d{3})_`)

// ParseVersionIDFromFilename recovers the v<NNN> id from a version
// filename (with or without its .md/.jsonl extension). Empty string
// when the name doesn't follow the grammar.
func ParseVersionIDFromFilename(name string) string {
	m := filenamePattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return ""
	}
	return m[1]
}

// Entry is one row of listVersions: a stored record (or the synthetic
// "original") annotated with current on-disk file sizes.
type Entry struct {
	Record     model.VersionRecord
	IsOriginal bool
}

// Registry resolves version records against the filesystem.
type Registry struct {
	layout *storage.Layout
	cache  *cache.MetadataCache
}

// RegistryOption configures a Registry at construction time.
type RegistryOption func(*Registry)

// WithCache attaches a metadata cache fronting the per-version stat()
// calls List makes; composition planning re-reads the same sessions
// repeatedly while allocating budgets, so the hot path skips the disk.
func WithCache(c *cache.MetadataCache) RegistryOption {
	return func(r *Registry) { r.cache = c }
}

// New constructs a Registry backed by the given storage layout.
func New(layout *storage.Layout, opts ...RegistryOption) *Registry {
	r := &Registry{layout: layout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// List returns the synthetic "original" pseudo-version followed by the
// session's stored records, each with fileSizes refreshed from disk
// (or from the metadata cache when one is attached and still current).
func (r *Registry) List(projectID string, session *model.Session) []Entry {
	entries := make([]Entry, 0, len(session.Compressions)+1)

	entries = append(entries, Entry{
		IsOriginal: true,
		Record: model.VersionRecord{
			VersionID:     OriginalVersionID,
			InputTokens:   session.OriginalTokens,
			OutputTokens:  session.OriginalTokens,
			InputMessages: session.OriginalMessages,
			OutputMessages: session.OriginalMessages,
			IsFullSession: true,
			MessageRange: model.MessageRange{
				StartIndex:     0,
				EndIndex:       session.OriginalMessages,
				MessageCount:   session.OriginalMessages,
				StartTimestamp: session.FirstTimestamp,
				EndTimestamp:   session.LastTimestamp,
			},
		},
	})

	if cached, ok := r.cachedRecords(projectID, session); ok {
		for _, rec := range cached {
			entries = append(entries, Entry{Record: rec})
		}
		return entries
	}

	records := make([]model.VersionRecord, 0, len(session.Compressions))
	for _, rec := range session.Compressions {
		labelLegacy(rec)
		cp := *rec
		cp.FileSizes = r.statSizes(projectID, session.SessionID, *rec)
		records = append(records, cp)
		entries = append(entries, Entry{Record: cp})
	}

	if r.cache != nil {
		_ = r.cache.Put(context.Background(), projectID, session.SessionID, records)
	}

	return entries
}

// cachedRecords returns the session's annotated records from the cache
// when the cached list still matches the manifest's version ids.
func (r *Registry) cachedRecords(projectID string, session *model.Session) ([]model.VersionRecord, bool) {
	if r.cache == nil {
		return nil, false
	}
	e, ok := r.cache.Get(context.Background(), projectID, session.SessionID)
	if !ok || len(e.Versions) != len(session.Compressions) {
		return nil, false
	}
	for i, rec := range session.Compressions {
		if e.Versions[i].VersionID != rec.VersionID {
			return nil, false
		}
	}
	return e.Versions, true
}

// labelLegacy applies the lazy legacy labeling policy: a record created
// before parts existed unmarshals with partNumber 0 and is labeled as
// the full-session part 1 the first time it is read. The manifest picks
// the label up on its next save.
func labelLegacy(rec *model.VersionRecord) {
	if rec.PartNumber == 0 {
		rec.PartNumber = 1
		rec.IsFullSession = true
	}
}

// Get resolves one version by id, "original" included.
func (r *Registry) Get(projectID string, session *model.Session, versionID string) (Entry, error) {
	for _, e := range r.List(projectID, session) {
		if e.Record.VersionID == versionID {
			return e, nil
		}
	}
	return Entry{}, engineerr.New(engineerr.KindNotFound, engineerr.CodeVersionNotFound,
		fmt.Sprintf("version %s not found", versionID), map[string]any{"versionId": versionID})
}

// Format is the closed set of retrievable content formats.
type Format string

const (
	FormatMarkdown Format = "md"
	FormatJSONL    Format = "jsonl"
)

// GetContent opens the requested format's file for streaming read. The
// caller owns the returned ReadCloser. For "original" + jsonl, the
// engine-owned transcript copy is returned directly; markdown has no
// original rendering.
func (r *Registry) GetContent(projectID string, session *model.Session, versionID string, format Format) (io.ReadCloser, error) {
	if versionID == OriginalVersionID {
		if format != FormatJSONL {
			return nil, engineerr.New(engineerr.KindBadRequest, engineerr.CodeInvalidFormat,
				"the original version has no markdown rendering", nil)
		}
		return r.openStreaming(r.layout.OriginalFile(projectID, session.SessionID))
	}

	entry, err := r.Get(projectID, session, versionID)
	if err != nil {
		return nil, err
	}

	dir := r.layout.SummariesDir(projectID, session.SessionID)
	ext := ".md"
	if format == FormatJSONL {
		ext = ".jsonl"
	}
	return r.openStreaming(filepath.Join(dir, entry.Record.File+ext))
}

// openStreaming wraps the file in a buffered reader so large JSONL
// files are streamed rather than loaded whole into memory.
func (r *Registry) openStreaming(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, engineerr.New(engineerr.KindNotFound, engineerr.CodeFileNotFound,
				fmt.Sprintf("file %s not found", path), map[string]any{"path": path})
		}
		return nil, engineerr.Wrap(err, engineerr.CodeFilesystemError, "opening version content")
	}
	return &bufferedReadCloser{br: bufio.NewReaderSize(f, 64*1024), f: f}, nil
}

type bufferedReadCloser struct {
	br *bufio.Reader
	f  *os.File
}

func (b *bufferedReadCloser) Read(p []byte) (int, error) { return b.br.Read(p) }
func (b *bufferedReadCloser) Close() error                { return b.f.Close() }

// Delete removes both files for a stored version and drops it from
// the session's compressions list. Refuses "original" outright, and
// refuses any version referenced by a composition unless force is set.
func (r *Registry) Delete(projectID string, session *model.Session, compositions map[string]*model.Composition, versionID string, force bool) error {
	if versionID == OriginalVersionID {
		return engineerr.New(engineerr.KindBadRequest, engineerr.CodeCannotDeleteOriginal,
			"the original version cannot be deleted", nil)
	}

	idx := -1
	for i, rec := range session.Compressions {
		if rec.VersionID == versionID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return engineerr.New(engineerr.KindNotFound, engineerr.CodeVersionNotFound,
			fmt.Sprintf("version %s not found", versionID), map[string]any{"versionId": versionID})
	}

	if !force {
		var blockedBy []string
		for _, comp := range compositions {
			for _, c := range comp.Components {
				if c.SessionID == session.SessionID && c.VersionID == versionID {
					blockedBy = append(blockedBy, comp.CompositionID)
				}
			}
		}
		if len(blockedBy) > 0 {
			return engineerr.VersionInUseError(versionID, blockedBy)
		}
	}

	rec := session.Compressions[idx]
	dir := r.layout.SummariesDir(projectID, session.SessionID)
	_ = os.Remove(filepath.Join(dir, rec.File+".md"))
	_ = os.Remove(filepath.Join(dir, rec.File+".jsonl"))

	session.Compressions = append(session.Compressions[:idx], session.Compressions[idx+1:]...)
	if r.cache != nil {
		r.cache.Invalidate(context.Background(), projectID, session.SessionID)
	}
	return nil
}

func (r *Registry) statSizes(projectID, sessionID string, rec model.VersionRecord) model.FileSizes {
	dir := r.layout.SummariesDir(projectID, sessionID)
	sizes := model.FileSizes{}
	if fi, err := os.Stat(filepath.Join(dir, rec.File+".md")); err == nil {
		sizes.MarkdownBytes = fi.Size()
	}
	if fi, err := os.Stat(filepath.Join(dir, rec.File+".jsonl")); err == nil {
		sizes.JSONLBytes = fi.Size()
	}
	return sizes
}
