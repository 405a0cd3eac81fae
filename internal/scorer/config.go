// Package scorer implements the five AlphaScore sub-scorers and the policy
// that parameterizes them.
package scorer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/alphascore/internal/model"
)

// Neutral defaults used when a scorer has nothing to go on.
const (
	UnknownSpotterScore = 25.0
	NoVerificationScore = 50.0
	NoViralityScore     = 30.0
	NoHistoryScore      = 50.0
)

// PlatformProfile describes how much a platform is trusted and what counts
// as viral there.
type PlatformProfile struct {
	Multiplier           float64 `json:"multiplier" yaml:"multiplier"`
	MinViralityThreshold float64 `json:"min_virality_threshold" yaml:"min_virality_threshold"`
	TrustFactor          float64 `json:"trust_factor" yaml:"trust_factor"`
}

// PlatformTable maps platforms to profiles. PlatformOther is the fallback.
type PlatformTable map[model.Platform]PlatformProfile

var otherProfile = PlatformProfile{Multiplier: 0.70, MinViralityThreshold: 0, TrustFactor: 0.50}

// DefaultPlatformTable returns the standard per-platform weights.
func DefaultPlatformTable() PlatformTable {
	return PlatformTable{
		model.PlatformTikTok:    {Multiplier: 1.50, MinViralityThreshold: 10_000, TrustFactor: 0.70},
		model.PlatformReddit:    {Multiplier: 1.20, MinViralityThreshold: 1_000, TrustFactor: 0.80},
		model.PlatformDiscord:   {Multiplier: 1.30, MinViralityThreshold: 100, TrustFactor: 0.75},
		model.PlatformTwitter:   {Multiplier: 1.00, MinViralityThreshold: 5_000, TrustFactor: 0.60},
		model.PlatformYouTube:   {Multiplier: 0.90, MinViralityThreshold: 50_000, TrustFactor: 0.65},
		model.PlatformInstagram: {Multiplier: 0.80, MinViralityThreshold: 10_000, TrustFactor: 0.55},
		model.PlatformOther:     otherProfile,
	}
}

// Lookup returns the profile for p, falling back to the table's "other"
// entry and then to the built-in "other" profile.
func (t PlatformTable) Lookup(p model.Platform) PlatformProfile {
	if prof, ok := t[p]; ok {
		return prof
	}
	if prof, ok := t[model.PlatformOther]; ok {
		return prof
	}
	return otherProfile
}

// HistoryPolicy bounds the archive lookup of the similarity scorer.
type HistoryPolicy struct {
	Window              time.Duration
	Limit               int
	OutcomeScores       map[model.Outcome]float64
	UnknownOutcomeScore float64
}

// Policy is the complete, injectable scoring configuration.
type Policy struct {
	Weights   model.Weights
	Platforms PlatformTable
	History   HistoryPolicy
}

// DefaultWeights returns the standard blend weights (sum = 1).
func DefaultWeights() model.Weights {
	return model.Weights{
		Spotter:    0.25,
		Community:  0.20,
		Velocity:   0.25,
		Platform:   0.15,
		Similarity: 0.15,
	}
}

// DefaultPolicy returns a Policy with the standard weights, platform table
// and a 30-day / 10-row history window.
func DefaultPolicy() Policy {
	return Policy{
		Weights:   DefaultWeights(),
		Platforms: DefaultPlatformTable(),
		History: HistoryPolicy{
			Window:              30 * 24 * time.Hour,
			Limit:               10,
			OutcomeScores:       model.DefaultOutcomeScores(),
			UnknownOutcomeScore: 40,
		},
	}
}

// weightTolerance absorbs float rounding in configured weights.
const weightTolerance = 1e-9

// Validate checks that a Policy is internally consistent.
func (p Policy) Validate() error {
	var errs []string

	weights := map[string]float64{
		"spotter":    p.Weights.Spotter,
		"community":  p.Weights.Community,
		"velocity":   p.Weights.Velocity,
		"platform":   p.Weights.Platform,
		"similarity": p.Weights.Similarity,
	}
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch w := weights[name]; {
		case !finite(w):
			errs = append(errs, fmt.Sprintf("weight %s must be a finite number", name))
		case w < 0:
			errs = append(errs, fmt.Sprintf("weight %s must be >= 0", name))
		}
	}
	if sum := p.Weights.Sum(); math.Abs(sum-1) > weightTolerance {
		errs = append(errs, fmt.Sprintf("weights must sum to 1, got %.6f", sum))
	}

	for _, platform := range model.Platforms {
		prof, ok := p.Platforms[platform]
		if !ok {
			continue
		}
		switch {
		case !finite(prof.Multiplier) || !finite(prof.TrustFactor) || !finite(prof.MinViralityThreshold):
			errs = append(errs, fmt.Sprintf("platform %s must have finite values", platform))
		case prof.Multiplier < 0 || prof.TrustFactor < 0 || prof.MinViralityThreshold < 0:
			errs = append(errs, fmt.Sprintf("platform %s must not have negative values", platform))
		}
	}

	if p.History.Window <= 0 {
		errs = append(errs, "history window must be > 0")
	}
	if p.History.Limit <= 0 {
		errs = append(errs, "history limit must be > 0")
	}
	for outcome, score := range p.History.OutcomeScores {
		if !finite(score) || score < 0 || score > 100 {
			errs = append(errs, fmt.Sprintf("outcome %s score must be between 0 and 100", outcome))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: policy validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Hash returns a short SHA-256 of the policy so audit rows can be tied to
// the configuration that produced them.
func (p Policy) Hash() string {
	data, err := json.Marshal(policyFile{
		Weights:   &p.Weights,
		Platforms: p.platformsByName(),
		History: &historyFile{
			WindowDays:    p.History.Window.Hours() / 24,
			Limit:         p.History.Limit,
			OutcomeScores: p.outcomesByName(),
		},
	})
	if err != nil {
		return ""
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:8])
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// policyFile is the YAML shape of a policy override file. Absent sections
// keep the base policy's values.
type policyFile struct {
	Weights   *model.Weights             `json:"weights,omitempty" yaml:"weights,omitempty"`
	Platforms map[string]PlatformProfile `json:"platforms,omitempty" yaml:"platforms,omitempty"`
	History   *historyFile               `json:"history,omitempty" yaml:"history,omitempty"`
}

type historyFile struct {
	WindowDays    float64            `json:"window_days,omitempty" yaml:"window_days,omitempty"`
	Limit         int                `json:"limit,omitempty" yaml:"limit,omitempty"`
	OutcomeScores map[string]float64 `json:"outcome_scores,omitempty" yaml:"outcome_scores,omitempty"`
}

// LoadPolicyFile overlays the YAML file at path onto base and validates the
// result.
func LoadPolicyFile(path string, base Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, eris.Wrapf(err, "scorer: read policy file %s", path)
	}
	return ParsePolicy(data, base)
}

// ParsePolicy overlays YAML policy data onto base and validates the result.
func ParsePolicy(data []byte, base Policy) (Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Policy{}, eris.Wrap(err, "scorer: parse policy")
	}

	p := base.clone()
	if f.Weights != nil {
		p.Weights = *f.Weights
	}
	var unknown []string
	for name, prof := range f.Platforms {
		platform, ok := lookupPlatform(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		p.Platforms[platform] = prof
	}
	if f.History != nil {
		if f.History.WindowDays > 0 {
			p.History.Window = time.Duration(f.History.WindowDays * float64(24*time.Hour))
		}
		if f.History.Limit > 0 {
			p.History.Limit = f.History.Limit
		}
		for name, score := range f.History.OutcomeScores {
			outcome := model.Outcome(strings.ToLower(strings.TrimSpace(name)))
			if _, ok := model.DefaultOutcomeScores()[outcome]; !ok {
				unknown = append(unknown, name)
				continue
			}
			p.History.OutcomeScores[outcome] = score
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Policy{}, eris.Errorf("scorer: policy validation failed: unknown names %s", strings.Join(unknown, ", "))
	}

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// lookupPlatform matches name against the known platforms, ignoring case.
func lookupPlatform(name string) (model.Platform, bool) {
	want := model.Platform(strings.ToLower(strings.TrimSpace(name)))
	for _, platform := range model.Platforms {
		if platform == want {
			return platform, true
		}
	}
	return "", false
}

// MarshalYAML renders the policy in the override-file format.
func (p Policy) MarshalYAML() (any, error) {
	return policyFile{
		Weights:   &p.Weights,
		Platforms: p.platformsByName(),
		History: &historyFile{
			WindowDays:    p.History.Window.Hours() / 24,
			Limit:         p.History.Limit,
			OutcomeScores: p.outcomesByName(),
		},
	}, nil
}

func (p Policy) clone() Policy {
	c := p
	c.Platforms = make(PlatformTable, len(p.Platforms))
	for k, v := range p.Platforms {
		c.Platforms[k] = v
	}
	c.History.OutcomeScores = make(map[model.Outcome]float64, len(p.History.OutcomeScores))
	for k, v := range p.History.OutcomeScores {
		c.History.OutcomeScores[k] = v
	}
	return c
}

func (p Policy) platformsByName() map[string]PlatformProfile {
	out := make(map[string]PlatformProfile, len(p.Platforms))
	for k, v := range p.Platforms {
		out[string(k)] = v
	}
	return out
}

func (p Policy) outcomesByName() map[string]float64 {
	out := make(map[string]float64, len(p.History.OutcomeScores))
	for k, v := range p.History.OutcomeScores {
		out[string(k)] = v
	}
	return out
}
