// Package tokencount estimates token counts for transcript and
// summary text via tiktoken-go, the same cl100k_base encoding used
// across the corpus as an approximation for non-OpenAI models.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// encodingName is cl100k_base; tiktoken has no Claude-specific
// encoding so this is the closest available approximation.
const encodingName = "cl100k_base"

// Estimator counts tokens for arbitrary text.
type Estimator struct {
	enc *tiktoken.Tiktoken
	mu  sync.RWMutex
}

var (
	global     *Estimator
	globalOnce sync.Once
)

// Get returns the process-wide estimator, falling back to a
// chars/4 approximation if the encoding can't be loaded.
func Get() *Estimator {
	globalOnce.Do(func() {
		e, err := New()
		if err != nil {
			global = &Estimator{}
			return
		}
		global = e
	})
	return global
}

// New constructs an Estimator, loading the cl100k_base encoding.
func New() (*Estimator, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, err
	}
	return &Estimator{enc: enc}, nil
}

// Count returns text's token count, or a chars/4 fallback if the
// encoding failed to load.
func (e *Estimator) Count(text string) int {
	if e == nil || e.enc == nil {
		return len(text) / 4
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.enc.Encode(text, nil, nil))
}

// Estimate is a convenience wrapper around the global estimator.
func Estimate(text string) int {
	return Get().Count(text)
}

// perMessageOverhead accounts for role/structure tokens tiktoken's raw
// text encoding doesn't capture.
const perMessageOverhead = 4

// CountMessage estimates one message's total token cost.
func (e *Estimator) CountMessage(text string) int {
	return e.Count(text) + perMessageOverhead
}
