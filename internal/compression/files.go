package compression

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dev.helix.memory/internal/capability"
	"dev.helix.memory/internal/engineerr"
	"dev.helix.memory/internal/model"
)

// jsonlRecord is one line of a version's .jsonl file: the message
// plus summarization bookkeeping.
type jsonlRecord struct {
	Type            string    `json:"type"`
	UUID            string    `json:"uuid"`
	ParentUUID      string    `json:"parentUuid,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Message         msgBody   `json:"message"`
	IsSummarized    bool      `json:"isSummarized,omitempty"`
	SummarizedCount int       `json:"summarizedCount,omitempty"`
	SummarizedFrom  []string  `json:"summarizedFrom,omitempty"`
}

type msgBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonlHeader struct {
	Type          string    `json:"type"`
	VersionID     string    `json:"versionId"`
	GeneratedAt   time.Time `json:"generatedAt"`
	MessageCount  int       `json:"messageCount"`
}

// writeFiles writes a version's .md and .jsonl files atomically
// (temp + rename), creating the session's summaries directory if
// needed.
func (o *Orchestrator) writeFiles(projectID, sessionID string, rec *model.VersionRecord, messages []capability.Message) error {
	dir := o.layout.SummariesDir(projectID, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return engineerr.Wrap(err, engineerr.CodeFilesystemError, "creating summaries directory")
	}

	mdPath := filepath.Join(dir, rec.File+".md")
	jsonlPath := filepath.Join(dir, rec.File+".jsonl")

	md := renderMarkdown(rec, messages)
	if err := writeAtomicFile(mdPath, []byte(md)); err != nil {
		return err
	}

	jsonl, err := renderJSONL(rec, messages)
	if err != nil {
		os.Remove(mdPath)
		return err
	}
	if err := writeAtomicFile(jsonlPath, jsonl); err != nil {
		os.Remove(mdPath)
		return err
	}

	if mdInfo, err := os.Stat(mdPath); err == nil {
		rec.FileSizes.MarkdownBytes = mdInfo.Size()
	}
	if jsonlInfo, err := os.Stat(jsonlPath); err == nil {
		rec.FileSizes.JSONLBytes = jsonlInfo.Size()
	}

	return nil
}

func writeAtomicFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return engineerr.Wrap(err, engineerr.CodeFilesystemError, "writing temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return engineerr.Wrap(err, engineerr.CodeFilesystemError, "renaming into place")
	}
	return nil
}

func renderMarkdown(rec *model.VersionRecord, messages []capability.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Version %s\n\n", rec.VersionID)
	fmt.Fprintf(&b, "- created: %s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- mode: %s\n", rec.Settings.Mode)
	fmt.Fprintf(&b, "- compressionRatio: %.2f\n", rec.CompressionRatio)
	fmt.Fprintf(&b, "- outputMessages: %d\n\n", len(messages))

	for i, m := range messages {
		fmt.Fprintf(&b, "## [%d] %s — %s\n\n%s\n\n", i+1, m.Type, m.Timestamp.Format(time.RFC3339), m.Text())
	}
	return b.String()
}

func renderJSONL(rec *model.VersionRecord, messages []capability.Message) ([]byte, error) {
	var b strings.Builder

	header := jsonlHeader{Type: "header", VersionID: rec.VersionID, GeneratedAt: rec.CreatedAt, MessageCount: len(messages)}
	headerLine, err := json.Marshal(header)
	if err != nil {
		return nil, engineerr.Wrap(err, engineerr.CodeFilesystemError, "marshaling jsonl header")
	}
	b.Write(headerLine)
	b.WriteByte('\n')

	for _, m := range messages {
		line := jsonlRecord{
			Type:       "message",
			UUID:       m.UUID,
			ParentUUID: m.ParentUUID,
			Timestamp:  m.Timestamp,
			Message:    msgBody{Role: string(m.Type), Content: m.Text()},
			IsSummarized: true,
		}
		data, err := json.Marshal(line)
		if err != nil {
			return nil, engineerr.Wrap(err, engineerr.CodeFilesystemError, "marshaling jsonl record")
		}
		b.Write(data)
		b.WriteByte('\n')
	}

	return []byte(b.String()), nil
}
