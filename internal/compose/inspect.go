package compose

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"

	"dev.helix.memory/internal/engineerr"
	"dev.helix.memory/internal/model"
)

// Inspect runs a gojq query over a composition's provenance record
// (the same document written to composition.json), letting an
// operator ask questions like ".components[] | select(.sessionId ==
// \"s1\")" without a bespoke query surface.
func Inspect(comp *model.Composition, query string) ([]any, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, engineerr.New(engineerr.KindBadRequest, engineerr.CodeValidationFailed,
			fmt.Sprintf("invalid query: %v", err), nil)
	}

	payload, err := json.Marshal(comp)
	if err != nil {
		return nil, engineerr.Wrap(err, engineerr.CodeFilesystemError, "marshaling composition for inspection")
	}
	var input any
	if err := json.Unmarshal(payload, &input); err != nil {
		return nil, engineerr.Wrap(err, engineerr.CodeFilesystemError, "re-decoding composition for inspection")
	}

	var results []any
	iter := parsed.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if e, isErr := v.(error); isErr {
			return nil, engineerr.New(engineerr.KindBadRequest, engineerr.CodeValidationFailed,
				fmt.Sprintf("query execution failed: %v", e), nil)
		}
		results = append(results, v)
	}
	return results, nil
}
