package scorer

import (
	"math"
	"time"
	"unicode/utf8"

	"github.com/sells-group/alphascore/internal/model"
)

// clamp bounds v to [0,100]. NaN maps to 0.
func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(100, v)
}

// SpotterCredibility scores a spotter's track record.
func SpotterCredibility(sp *model.Spotter) float64 {
	if sp == nil {
		return UnknownSpotterScore
	}

	score := sp.CredibilityScore
	if sp.TotalSignalsLogged > 0 {
		bonus := (sp.AccuracyRate / 100) * 20
		score = math.Min(100, score+bonus)
	}
	score *= sp.CurrentTier.Multiplier()

	return clamp(score)
}

// CommunityVerification returns the confidence-weighted mean of verdict
// scores.
func CommunityVerification(vs []model.Verification) float64 {
	if len(vs) == 0 {
		return NoVerificationScore
	}

	var total, weight float64
	for _, v := range vs {
		w := math.Max(0, math.Min(100, v.ConfidenceLevel)) / 100
		total += v.Verdict.Score() * w
		weight += w
	}
	if weight <= 0 {
		return NoVerificationScore
	}
	return clamp(total / weight)
}

// Time decay of the velocity score: linear over one week down to a floor.
const (
	decayHours = 168.0
	decayFloor = 0.3
)

// TimeFactor returns the recency multiplier for content first posted at
// origin. Future timestamps count as fresh; a zero origin gets the floor.
func TimeFactor(origin, now time.Time) float64 {
	if origin.IsZero() {
		return decayFloor
	}
	hours := math.Max(0, now.Sub(origin).Hours())
	return math.Max(decayFloor, 1-hours/decayHours)
}

// SentimentVelocity scores virality, recency and sentiment extremity.
func SentimentVelocity(sig *model.Signal, table PlatformTable, now time.Time) float64 {
	m := sig.ViralityMetrics
	if m == nil {
		return NoViralityScore
	}

	views := float64(max(m.ViewCount(), 1))
	engagementRate := float64(m.Engagement()) / views * 100

	origin := sig.OriginTimestamp
	if origin.IsZero() {
		origin = sig.CreatedAt
	}
	timeFactor := TimeFactor(origin, now)

	viralityScore := 100.0
	if threshold := table.Lookup(sig.Platform).MinViralityThreshold; threshold > 0 {
		viralityScore = math.Min(100, views/threshold*50)
	}

	score := (engagementRate*0.4 + viralityScore*0.6) * timeFactor
	if sig.Sentiment.IsExtreme() {
		score *= 1.2
	}
	return clamp(score)
}

// minReasoningChars is the length above which reasoning earns a bonus.
const minReasoningChars = 100

// PlatformSignal scores platform trust plus content-quality add-ons.
func PlatformSignal(sig *model.Signal, table PlatformTable) float64 {
	prof := table.Lookup(sig.Platform)

	score := prof.TrustFactor * 100 * prof.Multiplier
	if sig.ScreenshotURL != "" {
		score += 10
	}
	if utf8.RuneCountInString(sig.Reasoning) > minReasoningChars {
		score += 10
	}
	if sig.AssetTicker != "" {
		score += 5
	}
	return clamp(score)
}

// HistoricalSimilarity averages the outcome scores of archived rows. Rows
// without a classification are skipped; with none left the neutral default
// applies.
func HistoricalSimilarity(entries []model.ArchiveEntry, hp HistoryPolicy) float64 {
	var total float64
	var n int
	for _, e := range entries {
		if e.OutcomeClassification == nil || *e.OutcomeClassification == "" {
			continue
		}
		score, ok := hp.OutcomeScores[*e.OutcomeClassification]
		if !ok {
			score = hp.UnknownOutcomeScore
		}
		total += score
		n++
	}
	if n == 0 {
		return NoHistoryScore
	}
	return clamp(total / float64(n))
}
