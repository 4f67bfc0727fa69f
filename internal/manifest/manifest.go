// Package manifest implements the single authoritative,
// concurrently-accessed, crash-safe document for one project. Every
// mutation goes through Load/Save under the caller's manifest lock;
// this package never acquires the lock itself (see internal/lockmgr),
// it only assumes one is held.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"dev.helix.memory/internal/engineerr"
	"dev.helix.memory/internal/model"
	"dev.helix.memory/internal/storage"
)

// CurrentVersion is the schema version new manifests are created at.
const CurrentVersion = "1.0.0"

// schemaDoc is the JSON Schema enforced on every save, layered on top
// of the hand-written structural checks in validate() below. It
// covers shape (types, required fields); validate() covers the
// cross-field invariants schema validation can't express (map keys
// matching their values' ids, non-negative counts, a known preset).
const schemaDoc = `{
  "type": "object",
  "required": ["version", "projectId", "sessions", "compositions", "settings"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "projectId": {"type": "string", "minLength": 1},
    "sessions": {"type": "object"},
    "compositions": {"type": "object"},
    "settings": {
      "type": "object",
      "required": ["defaultCompressionPreset"],
      "properties": {
        "defaultCompressionPreset": {"enum": ["light", "standard", "aggressive", "custom"]},
        "autoRegister": {"type": "boolean"},
        "keepitDecayEnabled": {"type": "boolean"}
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaDoc))
	if err != nil {
		panic(errors.Wrap(err, "unmarshal manifest schema"))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("manifest.json", doc); err != nil {
		panic(errors.Wrap(err, "add manifest schema resource"))
	}
	schema, err := c.Compile("manifest.json")
	if err != nil {
		panic(errors.Wrap(err, "compile manifest schema"))
	}
	return schema
}

// Store loads, validates, migrates, and atomically saves one
// project's manifest.
type Store struct {
	layout *storage.Layout
}

// New constructs a Store backed by the given storage layout.
func New(layout *storage.Layout) *Store {
	return &Store{layout: layout}
}

// Load reads a project's manifest, running schema migrations (§9) if
// its version is older than CurrentVersion. The caller must hold the
// project's manifest lock.
func (s *Store) Load(projectID string) (*model.Manifest, error) {
	path := s.layout.ManifestPath(projectID)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s.newManifest(projectID), nil
	}
	if err != nil {
		return nil, engineerr.Wrap(err, engineerr.CodeFilesystemError, "reading manifest")
	}

	var m model.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, engineerr.ManifestCorruptionError(err, path)
	}

	if cmpVersion(m.Version, CurrentVersion) < 0 {
		migrated, err := s.migrate(projectID, &m)
		if err != nil {
			return nil, err
		}
		// Write the migrated document back so a read-only caller still
		// leaves the manifest at the current schema.
		if err := s.Save(projectID, migrated); err != nil {
			return nil, err
		}
		return migrated, nil
	}

	return &m, nil
}

// Save validates, then writes the manifest atomically (temp file,
// fsync, rename), updating lastModified. The caller must hold the
// project's manifest lock across both Load and Save for a
// read-modify-write cycle.
func (s *Store) Save(projectID string, m *model.Manifest) error {
	m.LastModified = time.Now()

	if err := validate(m); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return engineerr.Wrap(err, engineerr.CodeFilesystemError, "marshaling manifest")
	}

	if err := compiledSchema.Validate(toAny(payload)); err != nil {
		return engineerr.New(engineerr.KindBadRequest, engineerr.CodeValidationFailed,
			fmt.Sprintf("manifest failed schema validation: %v", err), nil)
	}

	path := s.layout.ManifestPath(projectID)
	return writeAtomic(path, payload)
}

func toAny(payload []byte) any {
	var v any
	_ = json.Unmarshal(payload, &v)
	return v
}

// writeAtomic writes data to a sibling temp file, fsyncs it, then
// renames it over path. On any failure the temp file is removed so a
// crash never leaves a stray partial write behind.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return engineerr.Wrap(err, engineerr.CodeFilesystemError, "creating manifest temp file")
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return engineerr.Wrap(err, engineerr.CodeFilesystemError, "writing manifest temp file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return engineerr.Wrap(err, engineerr.CodeFilesystemError, "fsyncing manifest temp file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return engineerr.Wrap(err, engineerr.CodeFilesystemError, "closing manifest temp file")
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return engineerr.Wrap(err, engineerr.CodeFilesystemError, "renaming manifest into place")
	}
	return nil
}

func (s *Store) newManifest(projectID string) *model.Manifest {
	now := time.Now()
	return &model.Manifest{
		Version:      CurrentVersion,
		ProjectID:    projectID,
		CreatedAt:    now,
		LastModified: now,
		Sessions:     map[string]*model.Session{},
		Compositions: map[string]*model.Composition{},
		Settings: model.Settings{
			DefaultCompressionPreset: model.PresetStandard,
			AutoRegister:             false,
			KeepitDecayEnabled:       true,
		},
	}
}

// validate enforces the hand-written structural invariants, the ones
// a JSON Schema can't express, like a map key agreeing with the value
// it points to.
func validate(m *model.Manifest) error {
	if m.Version == "" || m.ProjectID == "" {
		return engineerr.New(engineerr.KindBadRequest, engineerr.CodeValidationFailed,
			"manifest version and projectId must be non-empty", nil)
	}

	for key, sess := range m.Sessions {
		if sess == nil {
			return engineerr.New(engineerr.KindBadRequest, engineerr.CodeValidationFailed,
				fmt.Sprintf("session %q is nil", key), nil)
		}
		if sess.SessionID != key {
			return engineerr.New(engineerr.KindBadRequest, engineerr.CodeValidationFailed,
				fmt.Sprintf("session map key %q does not match sessionId %q", key, sess.SessionID), nil)
		}
		if sess.OriginalTokens < 0 || sess.OriginalMessages < 0 {
			return engineerr.New(engineerr.KindBadRequest, engineerr.CodeValidationFailed,
				fmt.Sprintf("session %q has negative token/message counts", key), nil)
		}
	}

	for id, comp := range m.Compositions {
		if comp == nil {
			return engineerr.New(engineerr.KindBadRequest, engineerr.CodeValidationFailed,
				fmt.Sprintf("composition %q is nil", id), nil)
		}
		if comp.CompositionID != id {
			return engineerr.New(engineerr.KindBadRequest, engineerr.CodeValidationFailed,
				fmt.Sprintf("composition map key %q does not match compositionId %q", id, comp.CompositionID), nil)
		}
	}

	switch m.Settings.DefaultCompressionPreset {
	case model.PresetLight, model.PresetStandard, model.PresetAggressive, model.PresetCustom:
	default:
		return engineerr.New(engineerr.KindBadRequest, engineerr.CodeValidationFailed,
			fmt.Sprintf("invalid defaultCompressionPreset %q", m.Settings.DefaultCompressionPreset), nil)
	}

	return nil
}

// cmpVersion compares two "x.y.z" semver strings. Returns <0, 0, >0.
// Deliberately minimal: the engine only ever compares against its own
// small migration ladder, not arbitrary semver ranges.
func cmpVersion(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < 3; i++ {
		var na, nb int
		if i < len(pa) {
			fmt.Sscanf(pa[i], "%d", &na)
		}
		if i < len(pb) {
			fmt.Sscanf(pb[i], "%d", &nb)
		}
		if na != nb {
			return na - nb
		}
	}
	return 0
}
