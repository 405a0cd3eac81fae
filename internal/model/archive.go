package model

import "time"

// Outcome classifies how an archived signal played out in the market.
type Outcome string

const (
	OutcomeHighlyAccurate    Outcome = "highly_accurate"
	OutcomeAccurate          Outcome = "accurate"
	OutcomePartiallyAccurate Outcome = "partially_accurate"
	OutcomeNeutral           Outcome = "neutral"
	OutcomeInaccurate        Outcome = "inaccurate"
)

// DefaultOutcomeScores is the standard outcome-to-score mapping used by the
// historical similarity scorer.
func DefaultOutcomeScores() map[Outcome]float64 {
	return map[Outcome]float64{
		OutcomeHighlyAccurate:    100,
		OutcomeAccurate:          80,
		OutcomePartiallyAccurate: 60,
		OutcomeNeutral:           40,
		OutcomeInaccurate:        20,
	}
}

// ArchiveEntry is a historical signal with its realized outcome. Price
// fields are filled by an external tracker and may be nil.
type ArchiveEntry struct {
	ID                    string    `json:"id"`
	SignalID              string    `json:"signal_id"`
	AssetTicker           string    `json:"asset_ticker"`
	SignalTimestamp       time.Time `json:"signal_timestamp"`
	PriceAtSignal         *float64  `json:"price_at_signal,omitempty"`
	Movement24h           *float64  `json:"movement_24h,omitempty"`
	Movement7d            *float64  `json:"movement_7d,omitempty"`
	OutcomeClassification *Outcome  `json:"outcome_classification,omitempty"`
	ArchivedAt            time.Time `json:"archived_at"`
}

// ArchiveQuery selects archived signals for one ticker, newest first.
type ArchiveQuery struct {
	Ticker string
	Since  time.Time
	Limit  int
}
