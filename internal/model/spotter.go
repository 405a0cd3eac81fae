package model

import "time"

// Tier is a spotter's reputation bracket.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// Multiplier returns the credibility multiplier for the tier. Unknown tiers
// get the bronze multiplier.
func (t Tier) Multiplier() float64 {
	switch t {
	case TierPlatinum:
		return 1.5
	case TierGold:
		return 1.2
	case TierSilver:
		return 1.0
	case TierBronze:
		return 0.8
	default:
		return 0.8
	}
}

// Spotter is the user role that submits signals. The engine treats it as
// read-only.
type Spotter struct {
	ID                  string             `json:"id"`
	UserID              string             `json:"user_id"`
	DisplayName         string             `json:"display_name,omitempty"`
	CredibilityScore    float64            `json:"credibility_score"`
	TotalSignalsLogged  int                `json:"total_signals_logged"`
	AccurateSignals     int                `json:"accurate_signals"`
	AccuracyRate        float64            `json:"accuracy_rate"`
	CurrentTier         Tier               `json:"current_tier"`
	SpecializationAreas []string           `json:"specialization_areas,omitempty"`
	PlatformExpertise   map[string]float64 `json:"platform_expertise,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
}
