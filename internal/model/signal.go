// Package model defines the scoring domain: signals, spotters, verifications,
// archived outcomes and the component audit rows written by the engine.
package model

import (
	"strings"
	"time"
)

// Platform is the social platform a signal was spotted on.
type Platform string

const (
	PlatformTikTok    Platform = "tiktok"
	PlatformReddit    Platform = "reddit"
	PlatformDiscord   Platform = "discord"
	PlatformTwitter   Platform = "twitter"
	PlatformYouTube   Platform = "youtube"
	PlatformInstagram Platform = "instagram"
	PlatformOther     Platform = "other"
)

// Platforms lists every known platform in display order.
var Platforms = []Platform{
	PlatformTikTok, PlatformReddit, PlatformDiscord, PlatformTwitter,
	PlatformYouTube, PlatformInstagram, PlatformOther,
}

// ParsePlatform maps a stored platform string to a Platform. Unknown values
// map to PlatformOther.
func ParsePlatform(s string) Platform {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PlatformTikTok, PlatformReddit, PlatformDiscord, PlatformTwitter,
		PlatformYouTube, PlatformInstagram, PlatformOther:
		return p
	default:
		return PlatformOther
	}
}

// Sentiment is the 5-point directional call attached to a signal.
type Sentiment string

const (
	SentimentVeryBullish Sentiment = "very_bullish"
	SentimentBullish     Sentiment = "bullish"
	SentimentNeutral     Sentiment = "neutral"
	SentimentBearish     Sentiment = "bearish"
	SentimentVeryBearish Sentiment = "very_bearish"
)

// IsExtreme reports whether the sentiment is at either end of the scale.
func (s Sentiment) IsExtreme() bool {
	return s == SentimentVeryBullish || s == SentimentVeryBearish
}

// AssetType classifies the instrument a signal refers to.
type AssetType string

const (
	AssetStock     AssetType = "stock"
	AssetCrypto    AssetType = "crypto"
	AssetETF       AssetType = "etf"
	AssetOption    AssetType = "option"
	AssetCommodity AssetType = "commodity"
)

// SignalStatus tracks the verification lifecycle of a signal. The engine
// reads it but never transitions it.
type SignalStatus string

const (
	SignalStatusPending   SignalStatus = "pending"
	SignalStatusVerifying SignalStatus = "verifying"
	SignalStatusVerified  SignalStatus = "verified"
	SignalStatusRejected  SignalStatus = "rejected"
	SignalStatusExpired   SignalStatus = "expired"
)

// ViralityMetrics holds engagement counters of the source post. Every
// counter is optional.
type ViralityMetrics struct {
	Views    *int64 `json:"views,omitempty"`
	Likes    *int64 `json:"likes,omitempty"`
	Shares   *int64 `json:"shares,omitempty"`
	Comments *int64 `json:"comments,omitempty"`
}

// ViewCount returns views, or 0 when unset.
func (m *ViralityMetrics) ViewCount() int64 { return count(m.Views) }

// Engagement returns likes + shares + comments, treating unset counters as 0.
func (m *ViralityMetrics) Engagement() int64 {
	return count(m.Likes) + count(m.Shares) + count(m.Comments)
}

func count(v *int64) int64 {
	if v == nil || *v < 0 {
		return 0
	}
	return *v
}

// Signal is a single spotted trend.
type Signal struct {
	ID               string           `json:"id"`
	SpotterID        string           `json:"spotter_id"`
	Platform         Platform         `json:"platform"`
	SourceURL        string           `json:"source_url"`
	AssetTicker      string           `json:"asset_ticker,omitempty"`
	AssetType        AssetType        `json:"asset_type,omitempty"`
	Sentiment        Sentiment        `json:"sentiment"`
	Reasoning        string           `json:"reasoning"`
	ScreenshotURL    string           `json:"screenshot_url,omitempty"`
	ViralityMetrics  *ViralityMetrics `json:"virality_metrics,omitempty"`
	SignalStrength   float64          `json:"signal_strength"`
	AlphaScore       *float64         `json:"alpha_score,omitempty"`
	Status           SignalStatus     `json:"status"`
	BaseReward       float64          `json:"base_reward"`
	PerformanceBonus float64          `json:"performance_bonus"`
	TotalPayout      float64          `json:"total_payout"`
	CreatedAt        time.Time        `json:"created_at"`
	OriginTimestamp  time.Time        `json:"origin_timestamp"`
}

// SignalBundle is a signal joined with its spotter and verifications.
// Spotter is nil when the owning spotter row cannot be resolved.
type SignalBundle struct {
	Signal        Signal         `json:"signal"`
	Spotter       *Spotter       `json:"spotter,omitempty"`
	Verifications []Verification `json:"verifications"`
}
