package scorer

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/alphascore/internal/model"
)

// ArchiveReader looks up archived signals for the similarity scorer.
type ArchiveReader interface {
	ListArchive(ctx context.Context, q model.ArchiveQuery) ([]model.ArchiveEntry, error)
}

// Detail carries per-run facts that are recorded alongside the scores.
type Detail struct {
	ArchiveRows int
	ArchiveErr  error
}

// Scorer runs all five sub-scorers for a signal bundle.
type Scorer struct {
	policy  Policy
	archive ArchiveReader
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithLookupTimeout bounds the archive round trip.
func WithLookupTimeout(d time.Duration) Option {
	return func(s *Scorer) { s.timeout = d }
}

// WithClock overrides the time source used for decay and the archive window.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// New creates a Scorer. archive may be nil, in which case the similarity
// score is always the neutral default.
func New(policy Policy, archive ArchiveReader, opts ...Option) *Scorer {
	s := &Scorer{policy: policy, archive: archive, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the policy the scorer was built with.
func (s *Scorer) Policy() Policy { return s.policy }

// Score computes the five sub-scores for b.
func (s *Scorer) Score(ctx context.Context, b *model.SignalBundle) (model.SubScores, Detail) {
	now := s.now()
	sim, detail := s.similarity(ctx, &b.Signal, now)

	return model.SubScores{
		SpotterCredibility:    SpotterCredibility(b.Spotter),
		CommunityVerification: CommunityVerification(b.Verifications),
		SentimentVelocity:     SentimentVelocity(&b.Signal, s.policy.Platforms, now),
		PlatformSignal:        PlatformSignal(&b.Signal, s.policy.Platforms),
		HistoricalSimilarity:  sim,
	}, detail
}

// similarity degrades to the neutral default on any lookup failure.
func (s *Scorer) similarity(ctx context.Context, sig *model.Signal, now time.Time) (float64, Detail) {
	ticker := strings.TrimSpace(sig.AssetTicker)
	if s.archive == nil || ticker == "" {
		return NoHistoryScore, Detail{}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	entries, err := s.archive.ListArchive(ctx, model.ArchiveQuery{
		Ticker: ticker,
		Since:  now.Add(-s.policy.History.Window),
		Limit:  s.policy.History.Limit,
	})
	if err != nil {
		zap.L().Warn("scorer: archive lookup failed, using neutral similarity",
			zap.String("signal_id", sig.ID),
			zap.String("ticker", ticker),
			zap.Error(err),
		)
		return NoHistoryScore, Detail{ArchiveErr: err}
	}

	return HistoricalSimilarity(entries, s.policy.History), Detail{ArchiveRows: len(entries)}
}
