// Package engine orchestrates AlphaScore calculations: it loads a signal,
// runs the sub-scorers, appends the audit row and writes the score back.
package engine

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/alphascore/internal/model"
	"github.com/sells-group/alphascore/internal/resilience"
	"github.com/sells-group/alphascore/internal/scorer"
	"github.com/sells-group/alphascore/internal/store"
)

// DefaultBatchSize is the number of signals scored concurrently in a batch.
const DefaultBatchSize = 5

// Options tunes an Engine. Zero values select the defaults.
type Options struct {
	// StoreTimeout bounds every individual store round trip. 0 disables it.
	StoreTimeout time.Duration

	// Retry controls retries of transient store errors.
	Retry resilience.RetryConfig

	// BatchSize bounds in-flight calculations in a batch. Default 5.
	BatchSize int

	// RatePerSec throttles batch calculations. 0 means unlimited.
	RatePerSec float64

	// FallbackScore is returned by CalculateAlphaScore on failure.
	FallbackScore float64

	Metrics *Metrics
	Clock   func() time.Time
}

// Engine computes AlphaScores. It holds no per-signal state and is safe for
// concurrent use.
type Engine struct {
	repo    store.Repository
	scorer  *scorer.Scorer
	policy  scorer.Policy
	hash    string
	opts    Options
	limiter *rate.Limiter
	now     func() time.Time
}

// New creates an Engine over repo using policy.
func New(repo store.Repository, policy scorer.Policy, opts Options) (*Engine, error) {
	if repo == nil {
		return nil, eris.New("engine: repository is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, eris.Wrap(err, "engine: invalid policy")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.RatePerSec < 0 {
		return nil, eris.New("engine: rate per second must be >= 0")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	e := &Engine{
		repo:   repo,
		policy: policy,
		hash:   policy.Hash(),
		opts:   opts,
		now:    opts.Clock,
	}
	if opts.RatePerSec > 0 {
		burst := int(math.Ceil(opts.RatePerSec))
		e.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	e.scorer = scorer.New(policy, retryingArchive{e}, scorer.WithClock(opts.Clock))
	return e, nil
}

// Policy returns the scoring policy in effect.
func (e *Engine) Policy() scorer.Policy { return e.policy }

// Calculate computes, records and writes back the score for one signal.
func (e *Engine) Calculate(ctx context.Context, signalID string, trigger model.Trigger) Result {
	return e.calculate(ctx, signalID, trigger, "")
}

// CalculateAlphaScore returns the signal's score, or the configured fallback
// score when it cannot be computed. It never fails.
func (e *Engine) CalculateAlphaScore(ctx context.Context, signalID string) float64 {
	return e.Calculate(ctx, signalID, model.TriggerManual).ScoreOr(e.opts.FallbackScore)
}

// Recalculate recomputes a signal's score after a new verification. The
// whole score is recomputed; a new components row is appended.
func (e *Engine) Recalculate(ctx context.Context, signalID, verificationID string) Result {
	return e.calculate(ctx, signalID, model.TriggerVerification, verificationID)
}

// UpdateScoreWithNewVerification is Recalculate with the fallback applied.
func (e *Engine) UpdateScoreWithNewVerification(ctx context.Context, signalID, verificationID string) float64 {
	return e.Recalculate(ctx, signalID, verificationID).ScoreOr(e.opts.FallbackScore)
}

// ProcessBatch scores the distinct ids in input order. Signals are processed
// in sequential chunks of BatchSize, the members of a chunk concurrently.
// A failing signal never affects the others.
func (e *Engine) ProcessBatch(ctx context.Context, signalIDs []string) []Result {
	ids := dedupe(signalIDs)
	results := make([]Result, len(ids))
	if len(ids) == 0 {
		return results
	}
	e.opts.Metrics.batch(len(ids))

	log := zap.L().With(zap.Int("signals", len(ids)), zap.Int("batch_size", e.opts.BatchSize))
	log.Info("engine: processing batch")

	for start := 0; start < len(ids); start += e.opts.BatchSize {
		end := min(start+e.opts.BatchSize, len(ids))

		var g errgroup.Group
		g.SetLimit(e.opts.BatchSize)
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = e.batchOne(ctx, ids[i])
				return nil // one failure must not cancel its siblings
			})
		}
		_ = g.Wait()
	}

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	log.Info("engine: batch complete", zap.Int("failed", failed))
	return results
}

// ProcessSignalBatch is ProcessBatch keyed by signal id with the fallback
// score applied to failures.
func (e *Engine) ProcessSignalBatch(ctx context.Context, signalIDs []string) map[string]float64 {
	results := e.ProcessBatch(ctx, signalIDs)
	out := make(map[string]float64, len(results))
	for _, r := range results {
		out[r.SignalID] = r.ScoreOr(e.opts.FallbackScore)
	}
	return out
}

func (e *Engine) batchOne(ctx context.Context, signalID string) Result {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return Result{
				SignalID: signalID,
				Trigger:  model.TriggerBatch,
				Err:      eris.Wrap(err, "engine: rate limit wait"),
			}
		}
	}
	return e.Calculate(ctx, signalID, model.TriggerBatch)
}

func (e *Engine) calculate(ctx context.Context, signalID string, trigger model.Trigger, verificationID string) Result {
	start := time.Now()
	e.opts.Metrics.inFlight(1)
	defer e.opts.Metrics.inFlight(-1)

	res := e.compute(ctx, signalID, trigger, verificationID)
	e.opts.Metrics.observe(res, time.Since(start).Seconds())
	return res
}

func (e *Engine) compute(ctx context.Context, signalID string, trigger model.Trigger, verificationID string) Result {
	res := Result{SignalID: signalID, Trigger: trigger}
	log := zap.L().With(zap.String("signal_id", signalID), zap.String("trigger", string(trigger)))

	if signalID == "" {
		res.Err = eris.Wrap(store.ErrNotFound, "engine: empty signal id")
		return res
	}

	bundle, err := withRetry(ctx, e, "get_signal", signalID, func(ctx context.Context) (*model.SignalBundle, error) {
		return e.repo.GetSignalBundle(ctx, signalID)
	})
	if err != nil {
		res.Err = eris.Wrapf(err, "engine: load signal %s", signalID)
		log.Error("engine: calculation failed", zap.Error(err))
		return res
	}

	scores, detail := e.scorer.Score(ctx, bundle)
	final := clampScore(scores.Blend(e.policy.Weights))
	now := e.now().UTC()

	comp := &model.Components{
		ID:           uuid.New().String(),
		SignalID:     signalID,
		Scores:       scores,
		Weights:      e.policy.Weights,
		FinalScore:   final,
		CalculatedAt: now,
		Metadata: model.CalculationMetadata{
			Timestamp:      now,
			Version:        model.ComponentsVersion,
			Trigger:        trigger,
			VerificationID: verificationID,
			PolicyHash:     e.hash,
			Verifications:  len(bundle.Verifications),
			ArchiveRows:    detail.ArchiveRows,
		},
	}
	res.Score = final
	res.Components = comp

	if _, err := withRetry(ctx, e, "insert_components", signalID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.repo.InsertComponents(ctx, comp)
	}); err != nil {
		res.AuditErr = eris.Wrapf(err, "engine: record components for %s", signalID)
		log.Warn("engine: components row not stored", zap.Error(err))
	}

	if _, err := withRetry(ctx, e, "update_alpha_score", signalID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.repo.UpdateAlphaScore(ctx, signalID, final)
	}); err != nil {
		res.WriteErr = eris.Wrapf(err, "engine: write alpha score for %s", signalID)
		log.Warn("engine: alpha score not written", zap.Error(err))
	}

	log.Debug("engine: score calculated",
		zap.Float64("score", final),
		zap.Int("verifications", len(bundle.Verifications)),
		zap.Int("archive_rows", detail.ArchiveRows),
	)
	return res
}

// withRetry runs one store round trip under the per-call timeout, retrying
// transient errors.
func withRetry[T any](ctx context.Context, e *Engine, op, signalID string, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg := e.opts.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger(op, signalID)
	}
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (T, error) {
		if e.opts.StoreTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.opts.StoreTimeout)
			defer cancel()
		}
		return fn(ctx)
	})
}

// retryingArchive gives the similarity scorer the same per-attempt timeout
// and retry treatment as the engine's own round trips.
type retryingArchive struct{ e *Engine }

func (a retryingArchive) ListArchive(ctx context.Context, q model.ArchiveQuery) ([]model.ArchiveEntry, error) {
	return withRetry(ctx, a.e, "list_archive", q.Ticker, func(ctx context.Context) ([]model.ArchiveEntry, error) {
		return a.e.repo.ListArchive(ctx, q)
	})
}

// clampScore bounds a blended score to [0, 100]; NaN maps to 0.
func clampScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(100, v)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
