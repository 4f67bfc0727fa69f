package compose

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.memory/internal/capability"
	"dev.helix.memory/internal/model"
)

func TestParseJSONLMessages_SkipsHeaderAndNonMessageLines(t *testing.T) {
	content := `{"type":"header","versionId":"v1"}
{"type":"message","uuid":"m1","message":{"role":"user","content":"hi"}}
{"type":"message","uuid":"m2","message":{"role":"assistant","content":"hello"}}
`
	msgs, err := parseJSONLMessages(strings.NewReader(content))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].UUID)
	assert.Equal(t, "hi", msgs[0].Text())
}

func TestParseJSONLMessages_SkipsMalformedLines(t *testing.T) {
	content := "not json\n{\"type\":\"message\",\"uuid\":\"m1\",\"message\":{\"role\":\"user\",\"content\":\"hi\"}}\n"
	msgs, err := parseJSONLMessages(strings.NewReader(content))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestWriteComposedOutputs_WritesRequestedFormats(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my-comp")
	comp := &model.Composition{CompositionID: "c1", Name: "my comp"}
	components := []renderedComponent{
		{
			sessionID: "sess1",
			selection: model.ComponentSelection{VersionID: "v1", TokenContribution: 10, MessageContribution: 1},
			messages: []capability.Message{
				{UUID: "m1", Type: capability.RoleUser, Content: []capability.ContentBlock{{Type: "text", Text: "hi"}}},
			},
		},
	}

	files, err := writeComposedOutputs(dir, "my-comp", comp, components, model.FormatBoth)
	require.NoError(t, err)

	assert.FileExists(t, files.Markdown)
	assert.FileExists(t, files.JSONL)
	assert.FileExists(t, files.Metadata)
	assert.Equal(t, filepath.Join(dir, "my-comp.md"), files.Markdown)
	assert.Equal(t, filepath.Join(dir, "my-comp.jsonl"), files.JSONL)
	assert.Equal(t, filepath.Join(dir, "composition.json"), files.Metadata)

	md, err := os.ReadFile(files.Markdown)
	require.NoError(t, err)
	assert.Contains(t, string(md), "my comp")
	assert.Contains(t, string(md), "sess1")
}

func TestWriteComposedOutputs_MDOnlySkipsJSONL(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my-comp")
	comp := &model.Composition{CompositionID: "c1", Name: "n"}

	files, err := writeComposedOutputs(dir, "my-comp", comp, nil, model.FormatMD)
	require.NoError(t, err)
	assert.NotEmpty(t, files.Markdown)
	assert.Empty(t, files.JSONL)
	assert.NotEmpty(t, files.Metadata)
}
