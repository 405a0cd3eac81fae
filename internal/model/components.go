package model

import "time"

// Trigger records why a score was computed.
type Trigger string

const (
	TriggerCreated      Trigger = "created"
	TriggerVerification Trigger = "verification"
	TriggerBatch        Trigger = "batch"
	TriggerManual       Trigger = "manual"
)

// ParseTrigger maps a string to a Trigger, defaulting to TriggerManual.
func ParseTrigger(s string) Trigger {
	switch t := Trigger(s); t {
	case TriggerCreated, TriggerVerification, TriggerBatch, TriggerManual:
		return t
	default:
		return TriggerManual
	}
}

// ComponentsVersion is stamped into every components row.
const ComponentsVersion = "1.0"

// Weights are the blend weights of the five sub-scores. They sum to 1.
type Weights struct {
	Spotter    float64 `json:"spotter" yaml:"spotter" mapstructure:"spotter"`
	Community  float64 `json:"community" yaml:"community" mapstructure:"community"`
	Velocity   float64 `json:"velocity" yaml:"velocity" mapstructure:"velocity"`
	Platform   float64 `json:"platform" yaml:"platform" mapstructure:"platform"`
	Similarity float64 `json:"similarity" yaml:"similarity" mapstructure:"similarity"`
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.Spotter + w.Community + w.Velocity + w.Platform + w.Similarity
}

// SubScores holds one scoring run's five component scores, each in [0,100].
type SubScores struct {
	SpotterCredibility    float64 `json:"spotter_credibility"`
	CommunityVerification float64 `json:"community_verification"`
	SentimentVelocity     float64 `json:"sentiment_velocity"`
	PlatformSignal        float64 `json:"platform_signal"`
	HistoricalSimilarity  float64 `json:"historical_similarity"`
}

// Blend returns the weighted sum of the sub-scores.
func (s SubScores) Blend(w Weights) float64 {
	return s.SpotterCredibility*w.Spotter +
		s.CommunityVerification*w.Community +
		s.SentimentVelocity*w.Velocity +
		s.PlatformSignal*w.Platform +
		s.HistoricalSimilarity*w.Similarity
}

// CalculationMetadata is the free-form blob stored with each components row.
type CalculationMetadata struct {
	Timestamp      time.Time `json:"timestamp"`
	Version        string    `json:"version"`
	Trigger        Trigger   `json:"trigger,omitempty"`
	VerificationID string    `json:"verification_id,omitempty"`
	PolicyHash     string    `json:"policy_hash,omitempty"`
	Verifications  int       `json:"verifications"`
	ArchiveRows    int       `json:"archive_rows"`
}

// Components is one append-only audit row of a scoring run.
type Components struct {
	ID           string              `json:"id"`
	SignalID     string              `json:"signal_id"`
	Scores       SubScores           `json:"scores"`
	Weights      Weights             `json:"weights"`
	FinalScore   float64             `json:"final_alpha_score"`
	CalculatedAt time.Time           `json:"calculation_timestamp"`
	Metadata     CalculationMetadata `json:"calculation_metadata"`
}
