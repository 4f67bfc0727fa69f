package compose

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dev.helix.memory/internal/capability"
	"dev.helix.memory/internal/engineerr"
	"dev.helix.memory/internal/model"
)

type jsonlLine struct {
	Type       string    `json:"type"`
	UUID       string    `json:"uuid"`
	ParentUUID string    `json:"parentUuid"`
	Timestamp  time.Time `json:"timestamp"`
	Message    struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// parseJSONLMessages reads a version's .jsonl content, skipping the
// header line, into capability.Messages.
func parseJSONLMessages(r io.Reader) ([]capability.Message, error) {
	var out []capability.Message
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec jsonlLine
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.Type != "message" {
			continue
		}
		out = append(out, capability.Message{
			UUID:       rec.UUID,
			ParentUUID: rec.ParentUUID,
			Type:       capability.Role(rec.Message.Role),
			Timestamp:  rec.Timestamp,
			Content:    []capability.ContentBlock{{Type: "text", Text: rec.Message.Content}},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, engineerr.Wrap(err, engineerr.CodeFilesystemError, "scanning jsonl content")
	}
	return out, nil
}

// writeComposedOutputs writes composed/<name>/{<name>.md, <name>.jsonl,
// composition.json} per the requested format, always emitting the
// provenance sidecar.
func writeComposedOutputs(dir, name string, comp *model.Composition, components []renderedComponent, format model.OutputFormat) (model.OutputFiles, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.OutputFiles{}, engineerr.Wrap(err, engineerr.CodeFilesystemError, "creating composed directory")
	}

	files := model.OutputFiles{}

	if format == model.FormatMD || format == model.FormatBoth || format == "" {
		path := filepath.Join(dir, name+".md")
		if err := os.WriteFile(path, []byte(renderComposedMarkdown(comp, components)), 0o644); err != nil {
			return files, engineerr.Wrap(err, engineerr.CodeFilesystemError, "writing composed markdown")
		}
		files.Markdown = path
	}

	if format == model.FormatJSONL || format == model.FormatBoth {
		path := filepath.Join(dir, name+".jsonl")
		if err := os.WriteFile(path, renderComposedJSONL(comp, components), 0o644); err != nil {
			return files, engineerr.Wrap(err, engineerr.CodeFilesystemError, "writing composed jsonl")
		}
		files.JSONL = path
	}

	metaPath := filepath.Join(dir, "composition.json")
	payload, err := json.MarshalIndent(comp, "", "  ")
	if err != nil {
		return files, engineerr.Wrap(err, engineerr.CodeFilesystemError, "marshaling composition.json")
	}
	if err := os.WriteFile(metaPath, payload, 0o644); err != nil {
		return files, engineerr.Wrap(err, engineerr.CodeFilesystemError, "writing composition.json")
	}
	files.Metadata = metaPath

	return files, nil
}

func renderComposedMarkdown(comp *model.Composition, components []renderedComponent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", comp.Name)
	fmt.Fprintf(&b, "## Table of Contents\n\n")
	for _, rc := range components {
		fmt.Fprintf(&b, "- %s (%s)\n", rc.sessionID, rc.selection.VersionID)
	}
	b.WriteString("\n")

	for _, rc := range components {
		fmt.Fprintf(&b, "## Session %s\n\n", rc.sessionID)
		fmt.Fprintf(&b, "| version | tokens | messages |\n|---|---|---|\n")
		fmt.Fprintf(&b, "| %s | %d | %d |\n\n", rc.selection.VersionID, rc.selection.TokenContribution, rc.selection.MessageContribution)
		for _, m := range rc.messages {
			fmt.Fprintf(&b, "**%s** (%s): %s\n\n", m.Type, m.Timestamp.Format(time.RFC3339), m.Text())
		}
	}
	return b.String()
}

func renderComposedJSONL(comp *model.Composition, components []renderedComponent) []byte {
	var b strings.Builder

	header, _ := json.Marshal(map[string]any{
		"type":          "header",
		"compositionId": comp.CompositionID,
		"generatedAt":   comp.CreatedAt,
	})
	b.Write(header)
	b.WriteByte('\n')

	for _, rc := range components {
		boundary, _ := json.Marshal(map[string]any{"type": "session-boundary", "sessionId": rc.sessionID})
		b.Write(boundary)
		b.WriteByte('\n')

		for i, m := range rc.messages {
			line, _ := json.Marshal(map[string]any{
				"type":             "message",
				"uuid":             m.UUID,
				"sessionId":        rc.sessionID,
				"compositionOrder": rc.selection.Order*100000 + i,
				"message":          map[string]any{"role": string(m.Type), "content": m.Text()},
				"timestamp":        m.Timestamp,
			})
			b.Write(line)
			b.WriteByte('\n')
		}
	}
	return []byte(b.String())
}
