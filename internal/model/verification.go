package model

import "time"

// Verdict is a verifier's judgment on a signal.
type Verdict string

const (
	VerdictConfirm Verdict = "confirm"
	VerdictReject  Verdict = "reject"
	VerdictRefine  Verdict = "refine" // partially correct
)

// Score maps the verdict onto the 0-100 consensus scale. Unknown verdicts
// count as rejections.
func (v Verdict) Score() float64 {
	switch v {
	case VerdictConfirm:
		return 100
	case VerdictRefine:
		return 70
	case VerdictReject:
		return 0
	default:
		return 0
	}
}

// Verification is one verifier's vote on a signal.
type Verification struct {
	ID                 string    `json:"id"`
	SignalID           string    `json:"signal_id"`
	VerifierID         string    `json:"verifier_id"`
	Verdict            Verdict   `json:"verdict"`
	ConfidenceLevel    float64   `json:"confidence_level"`
	RefinementNotes    string    `json:"refinement_notes,omitempty"`
	SuggestedTicker    string    `json:"suggested_ticker,omitempty"`
	SuggestedSentiment Sentiment `json:"suggested_sentiment,omitempty"`
	RewardEarned       float64   `json:"reward_earned"`
	CreatedAt          time.Time `json:"created_at"`
}
