package engine

import (
	"errors"

	"github.com/sells-group/alphascore/internal/model"
	"github.com/sells-group/alphascore/internal/store"
)

// Result is the outcome of one score calculation.
//
// Err is set when no score could be computed; Score is then meaningless and
// callers should apply a fallback. AuditErr and WriteErr report failures
// after the score was computed: the score is valid, but the components row
// or the signal's alpha_score may not have been persisted.
type Result struct {
	SignalID   string
	Trigger    model.Trigger
	Score      float64
	Components *model.Components

	Err      error
	AuditErr error
	WriteErr error
}

// OK reports whether a score was computed.
func (r Result) OK() bool { return r.Err == nil }

// NotFound reports whether the signal does not exist.
func (r Result) NotFound() bool { return errors.Is(r.Err, store.ErrNotFound) }

// ScoreOr returns Score, or fallback when no score was computed.
func (r Result) ScoreOr(fallback float64) float64 {
	if r.Err != nil {
		return fallback
	}
	return r.Score
}
