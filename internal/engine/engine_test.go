package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/alphascore/internal/model"
	"github.com/sells-group/alphascore/internal/resilience"
	"github.com/sells-group/alphascore/internal/scorer"
	"github.com/sells-group/alphascore/internal/store"
)

var testNow = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

// fakeRepo wraps a MemoryStore with injectable failures and latency.
type fakeRepo struct {
	*store.MemoryStore

	mu         sync.Mutex
	getErrs    []error // consumed one per call
	insertErr  error
	updateErr  error
	archiveErr error
	delay      time.Duration

	// archiveStalls is how many ListArchive calls block until ctx is done.
	archiveStalls int64
	archiveCalls  atomic.Int64

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	getCalls    atomic.Int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{MemoryStore: store.NewMemory()}
}

func (f *fakeRepo) nextGetErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.getErrs) == 0 {
		return nil
	}
	err := f.getErrs[0]
	f.getErrs = f.getErrs[1:]
	return err
}

func (f *fakeRepo) GetSignalBundle(ctx context.Context, id string) (*model.SignalBundle, error) {
	f.getCalls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.nextGetErr(); err != nil {
		return nil, err
	}
	return f.MemoryStore.GetSignalBundle(ctx, id)
}

func (f *fakeRepo) ListArchive(ctx context.Context, q model.ArchiveQuery) ([]model.ArchiveEntry, error) {
	if f.archiveCalls.Add(1) <= f.archiveStalls {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.archiveErr != nil {
		return nil, f.archiveErr
	}
	return f.MemoryStore.ListArchive(ctx, q)
}

func (f *fakeRepo) InsertComponents(ctx context.Context, c *model.Components) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	return f.MemoryStore.InsertComponents(ctx, c)
}

func (f *fakeRepo) UpdateAlphaScore(ctx context.Context, id string, score float64) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.MemoryStore.UpdateAlphaScore(ctx, id, score)
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func newTestEngine(t *testing.T, repo store.Repository, opts Options) *Engine {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return testNow }
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fastRetry()
	}
	e, err := New(repo, scorer.DefaultPolicy(), opts)
	require.NoError(t, err)
	return e
}

// plainSignal scores 25/50/30/100/50 with default policy: 46.25 overall.
func plainSignal(id string) model.Signal {
	return model.Signal{
		ID:        id,
		SpotterID: "missing-spotter",
		Platform:  model.PlatformTikTok,
		Sentiment: model.SentimentBullish,
		Reasoning: "short",
		CreatedAt: testNow.Add(-time.Hour),
	}
}

const plainScore = 46.25

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, scorer.DefaultPolicy(), Options{})
	assert.Error(t, err)

	bad := scorer.DefaultPolicy()
	bad.Weights.Spotter = 0.5
	_, err = New(newFakeRepo(), bad, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights must sum to 1")

	nan := scorer.DefaultPolicy()
	nan.Weights.Spotter = math.NaN()
	_, err = New(newFakeRepo(), nan, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weight spotter must be a finite number")

	_, err = New(newFakeRepo(), scorer.DefaultPolicy(), Options{RatePerSec: -1})
	assert.Error(t, err)

	e, err := New(newFakeRepo(), scorer.DefaultPolicy(), Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, e.opts.BatchSize)
}

func TestCalculate_ComputesRecordsAndWritesBack(t *testing.T) {
	repo := newFakeRepo()
	repo.PutSignal(plainSignal("sig-1"))
	e := newTestEngine(t, repo, Options{})

	res := e.Calculate(context.Background(), "sig-1", model.TriggerCreated)
	require.NoError(t, res.Err)
	assert.True(t, res.OK())
	assert.NoError(t, res.AuditErr)
	assert.NoError(t, res.WriteErr)
	assert.InDelta(t, plainScore, res.Score, 1e-9)

	require.NotNil(t, res.Components)
	c := res.Components
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "sig-1", c.SignalID)
	assert.InDelta(t, 25.0, c.Scores.SpotterCredibility, 1e-9)
	assert.InDelta(t, 50.0, c.Scores.CommunityVerification, 1e-9)
	assert.InDelta(t, 30.0, c.Scores.SentimentVelocity, 1e-9)
	assert.InDelta(t, 100.0, c.Scores.PlatformSignal, 1e-9)
	assert.InDelta(t, 50.0, c.Scores.HistoricalSimilarity, 1e-9)
	assert.Equal(t, scorer.DefaultWeights(), c.Weights)
	assert.Equal(t, testNow, c.CalculatedAt)
	assert.Equal(t, model.ComponentsVersion, c.Metadata.Version)
	assert.Equal(t, model.TriggerCreated, c.Metadata.Trigger)
	assert.Equal(t, scorer.DefaultPolicy().Hash(), c.Metadata.PolicyHash)

	latest, err := repo.LatestComponents(context.Background(), "sig-1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, latest.ID)

	sig, ok := repo.Signal("sig-1")
	require.True(t, ok)
	require.NotNil(t, sig.AlphaScore)
	assert.InDelta(t, plainScore, *sig.AlphaScore, 1e-9)
}

func TestCalculate_DoesNotChangeStatus(t *testing.T) {
	repo := newFakeRepo()
	sig := plainSignal("sig-1")
	sig.Status = model.SignalStatusVerifying
	repo.PutSignal(sig)
	e := newTestEngine(t, repo, Options{})

	require.NoError(t, e.Calculate(context.Background(), "sig-1", model.TriggerManual).Err)
	got, _ := repo.Signal("sig-1")
	assert.Equal(t, model.SignalStatusVerifying, got.Status)
}

func TestCalculate_NotFound(t *testing.T) {
	repo := newFakeRepo()
	e := newTestEngine(t, repo, Options{})

	res := e.Calculate(context.Background(), "nope", model.TriggerManual)
	require.Error(t, res.Err)
	assert.True(t, res.NotFound())
	assert.Nil(t, res.Components)
	assert.Zero(t, e.CalculateAlphaScore(context.Background(), "nope"))

	rows, err := repo.ListComponents(context.Background(), "nope", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)

	empty := e.Calculate(context.Background(), "", model.TriggerManual)
	assert.True(t, empty.NotFound())
}

func TestCalculate_StoreFailureFallsBack(t *testing.T) {
	repo := newFakeRepo()
	repo.PutSignal(plainSignal("sig-1"))
	boom := errors.New("relation does not exist")
	repo.getErrs = []error{boom, boom}

	e := newTestEngine(t, repo, Options{FallbackScore: 12})

	res := e.Calculate(context.Background(), "sig-1", model.TriggerManual)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, boom)
	assert.False(t, res.NotFound())
	assert.Equal(t, 12.0, res.ScoreOr(12))
	assert.Equal(t, int64(1), repo.getCalls.Load(), "non-transient errors are not retried")

	// Second call consumes the remaining error through the public boundary.
	assert.Equal(t, 12.0, e.CalculateAlphaScore(context.Background(), "sig-1"))
}

func TestCalculate_RetriesTransientErrors(t *testing.T) {
	repo := newFakeRepo()
	repo.PutSignal(plainSignal("sig-1"))
	repo.getErrs = []error{resilience.NewTransientError(errors.New("conn reset"))}

	e := newTestEngine(t, repo, Options{})

	res := e.Calculate(context.Background(), "sig-1", model.TriggerManual)
	require.NoError(t, res.Err)
	assert.InDelta(t, plainScore, res.Score, 1e-9)
	assert.Equal(t, int64(2), repo.getCalls.Load())
}

func TestCalculate_StoreTimeoutIsFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.PutSignal(plainSignal("sig-1"))
	repo.delay = 200 * time.Millisecond

	e := newTestEngine(t, repo, Options{
		StoreTimeout: 5 * time.Millisecond,
		Retry:        resilience.RetryConfig{MaxAttempts: 1},
	})

	start := time.Now()
	res := e.Calculate(context.Background(), "sig-1", model.TriggerManual)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Zero(t, e.CalculateAlphaScore(context.Background(), "sig-1"))
}

func TestCalculate_AuditFailureKeepsScore(t *testing.T) {
	repo := newFakeRepo()
	repo.PutSignal(plainSignal("sig-1"))
	repo.insertErr = errors.New("insert failed")

	e := newTestEngine(t, repo, Options{})

	res := e.Calculate(context.Background(), "sig-1", model.TriggerManual)
	require.NoError(t, res.Err)
	require.Error(t, res.AuditErr)
	assert.NoError(t, res.WriteErr)
	assert.InDelta(t, plainScore, res.Score, 1e-9)

	sig, _ := repo.Signal("sig-1")
	require.NotNil(t, sig.AlphaScore)
	assert.InDelta(t, plainScore, *sig.AlphaScore, 1e-9)
}

func TestCalculate_WriteFailureKeepsScore(t *testing.T) {
	repo := newFakeRepo()
	repo.PutSignal(plainSignal("sig-1"))
	repo.updateErr = errors.New("update failed")

	e := newTestEngine(t, repo, Options{})

	res := e.Calculate(context.Background(), "sig-1", model.TriggerManual)
	require.NoError(t, res.Err)
	assert.NoError(t, res.AuditErr)
	require.Error(t, res.WriteErr)
	assert.InDelta(t, plainScore, res.Score, 1e-9)
	assert.InDelta(t, plainScore, e.CalculateAlphaScore(context.Background(), "sig-1"), 1e-9)
}

func TestCalculate_ArchiveFailureDegradesSimilarity(t *testing.T) {
	repo := newFakeRepo()
	sig := plainSignal("sig-1")
	sig.AssetTicker = "NVDA"
	repo.PutSignal(sig)
	repo.archiveErr = errors.New("archive down")

	e := newTestEngine(t, repo, Options{})

	res := e.Calculate(context.Background(), "sig-1", model.TriggerManual)
	require.NoError(t, res.Err)
	assert.InDelta(t, scorer.NoHistoryScore, res.Components.Scores.HistoricalSimilarity, 1e-9)
}

func TestCalculate_ArchiveTimeoutIsRetried(t *testing.T) {
	repo := newFakeRepo()
	sig := plainSignal("sig-1")
	sig.AssetTicker = "NVDA"
	repo.PutSignal(sig)
	accurate := model.OutcomeAccurate
	repo.PutArchive(model.ArchiveEntry{ID: "a1", AssetTicker: "NVDA", SignalTimestamp: testNow.Add(-24 * time.Hour), OutcomeClassification: &accurate})
	repo.archiveStalls = 1

	e := newTestEngine(t, repo, Options{StoreTimeout: 20 * time.Millisecond})

	res := e.Calculate(context.Background(), "sig-1", model.TriggerManual)
	require.NoError(t, res.Err)
	assert.Equal(t, int64(2), repo.archiveCalls.Load())
	assert.InDelta(t, 80.0, res.Components.Scores.HistoricalSimilarity, 1e-9)
	assert.Equal(t, 1, res.Components.Metadata.ArchiveRows)
}

func TestClampScore(t *testing.T) {
	assert.Zero(t, clampScore(math.NaN()))
	assert.Zero(t, clampScore(-3))
	assert.InDelta(t, 100.0, clampScore(math.Inf(1)), 1e-9)
	assert.InDelta(t, 46.25, clampScore(46.25), 1e-9)
}

func TestCalculate_UsesArchiveHistory(t *testing.T) {
	repo := newFakeRepo()
	sig := plainSignal("sig-1")
	sig.AssetTicker = "NVDA"
	repo.PutSignal(sig)

	accurate := model.OutcomeHighlyAccurate
	inaccurate := model.OutcomeInaccurate
	repo.PutArchive(model.ArchiveEntry{ID: "a1", AssetTicker: "NVDA", SignalTimestamp: testNow.Add(-24 * time.Hour), OutcomeClassification: &accurate})
	repo.PutArchive(model.ArchiveEntry{ID: "a2", AssetTicker: "NVDA", SignalTimestamp: testNow.Add(-48 * time.Hour), OutcomeClassification: &inaccurate})
	repo.PutArchive(model.ArchiveEntry{ID: "old", AssetTicker: "NVDA", SignalTimestamp: testNow.Add(-40 * 24 * time.Hour), OutcomeClassification: &inaccurate})

	e := newTestEngine(t, repo, Options{})

	res := e.Calculate(context.Background(), "sig-1", model.TriggerManual)
	require.NoError(t, res.Err)
	assert.InDelta(t, 60.0, res.Components.Scores.HistoricalSimilarity, 1e-9)
	assert.Equal(t, 2, res.Components.Metadata.ArchiveRows)
}

func TestRecalculate_AppendsAndTagsVerification(t *testing.T) {
	repo := newFakeRepo()
	repo.PutSignal(plainSignal("sig-1"))
	e := newTestEngine(t, repo, Options{})
	ctx := context.Background()

	first := e.Calculate(ctx, "sig-1", model.TriggerCreated)
	require.NoError(t, first.Err)

	repo.PutVerification(model.Verification{
		ID: "ver-1", SignalID: "sig-1", Verdict: model.VerdictConfirm, ConfidenceLevel: 100,
	})
	second := e.Recalculate(ctx, "sig-1", "ver-1")
	require.NoError(t, second.Err)

	// Community goes 50 -> 100 at weight 0.20.
	assert.InDelta(t, plainScore+10, second.Score, 1e-9)
	assert.Equal(t, model.TriggerVerification, second.Components.Metadata.Trigger)
	assert.Equal(t, "ver-1", second.Components.Metadata.VerificationID)
	assert.Equal(t, 1, second.Components.Metadata.Verifications)

	rows, err := repo.ListComponents(ctx, "sig-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	ids := []string{rows[0].ID, rows[1].ID}
	assert.ElementsMatch(t, []string{first.Components.ID, second.Components.ID}, ids)
	assert.NotEqual(t, rows[0].ID, rows[1].ID)

	assert.InDelta(t, plainScore+10, e.UpdateScoreWithNewVerification(ctx, "sig-1", "ver-1"), 1e-9)
	rows, _ = repo.ListComponents(ctx, "sig-1", 0)
	assert.Len(t, rows, 3)
}

func TestUpdateScoreWithNewVerification_Fallback(t *testing.T) {
	e := newTestEngine(t, newFakeRepo(), Options{FallbackScore: 7})
	assert.Equal(t, 7.0, e.UpdateScoreWithNewVerification(context.Background(), "missing", "ver-1"))
}

func TestProcessBatch_OrderDedupeAndBound(t *testing.T) {
	repo := newFakeRepo()
	repo.delay = 10 * time.Millisecond
	var ids []string
	for i := range 12 {
		id := fmt.Sprintf("sig-%02d", i)
		ids = append(ids, id)
		repo.PutSignal(plainSignal(id))
	}
	input := append([]string{}, ids...)
	input = append(input, "sig-03", "missing", "sig-00")

	e := newTestEngine(t, repo, Options{})
	results := e.ProcessBatch(context.Background(), input)

	require.Len(t, results, 13)
	for i, id := range ids {
		assert.Equal(t, id, results[i].SignalID)
		assert.Equal(t, model.TriggerBatch, results[i].Trigger)
		require.NoError(t, results[i].Err)
		assert.InDelta(t, plainScore, results[i].Score, 1e-9)
	}
	assert.Equal(t, "missing", results[12].SignalID)
	assert.True(t, results[12].NotFound())

	assert.LessOrEqual(t, repo.maxInFlight.Load(), int64(DefaultBatchSize))
	assert.Greater(t, repo.maxInFlight.Load(), int64(1))
}

func TestProcessBatch_CustomBatchSize(t *testing.T) {
	repo := newFakeRepo()
	repo.delay = 5 * time.Millisecond
	var ids []string
	for i := range 7 {
		id := fmt.Sprintf("sig-%d", i)
		ids = append(ids, id)
		repo.PutSignal(plainSignal(id))
	}

	e := newTestEngine(t, repo, Options{BatchSize: 2})
	results := e.ProcessBatch(context.Background(), ids)
	require.Len(t, results, 7)
	assert.LessOrEqual(t, repo.maxInFlight.Load(), int64(2))
}

func TestProcessBatch_Empty(t *testing.T) {
	e := newTestEngine(t, newFakeRepo(), Options{})
	assert.Empty(t, e.ProcessBatch(context.Background(), nil))
	assert.Empty(t, e.ProcessSignalBatch(context.Background(), []string{}))
}

func TestProcessBatch_RateLimited(t *testing.T) {
	repo := newFakeRepo()
	for i := range 3 {
		repo.PutSignal(plainSignal(fmt.Sprintf("sig-%d", i)))
	}
	e := newTestEngine(t, repo, Options{RatePerSec: 1000})

	results := e.ProcessBatch(context.Background(), []string{"sig-0", "sig-1", "sig-2"})
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
}

func TestProcessBatch_CancelledContext(t *testing.T) {
	repo := newFakeRepo()
	repo.PutSignal(plainSignal("sig-0"))
	repo.PutSignal(plainSignal("sig-1"))
	e := newTestEngine(t, repo, Options{RatePerSec: 0.001})

	// Burst of 1 lets one through; the other would wait past the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	results := e.ProcessBatch(ctx, []string{"sig-0", "sig-1"})
	require.Len(t, results, 2)

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			assert.False(t, r.NotFound())
		}
	}
	assert.Equal(t, 1, failed)
}

func TestProcessSignalBatch_OneEntryPerDistinctID(t *testing.T) {
	repo := newFakeRepo()
	repo.PutSignal(plainSignal("a"))
	repo.PutSignal(plainSignal("b"))
	e := newTestEngine(t, repo, Options{FallbackScore: 0})

	got := e.ProcessSignalBatch(context.Background(), []string{"a", "b", "a", "ghost"})
	require.Len(t, got, 3)
	assert.InDelta(t, plainScore, got["a"], 1e-9)
	assert.InDelta(t, plainScore, got["b"], 1e-9)
	assert.Zero(t, got["ghost"])
}

func TestScoreAlwaysInRange(t *testing.T) {
	repo := newFakeRepo()
	e := newTestEngine(t, repo, Options{})
	ctx := context.Background()

	big := int64(1 << 40)
	zero := int64(0)
	tiers := []model.Tier{model.TierBronze, model.TierSilver, model.TierGold, model.TierPlatinum, "diamond"}
	sentiments := []model.Sentiment{model.SentimentVeryBullish, model.SentimentNeutral, model.SentimentVeryBearish}

	n := 0
	for _, platform := range append(model.Platforms, "myspace") {
		for _, tier := range tiers {
			for _, sent := range sentiments {
				n++
				id := fmt.Sprintf("s-%d", n)
				spotterID := fmt.Sprintf("sp-%d", n)
				repo.PutSpotter(model.Spotter{
					ID: spotterID, CredibilityScore: 100, TotalSignalsLogged: 10,
					AccuracyRate: 100, CurrentTier: tier,
				})
				metrics := &model.ViralityMetrics{Views: &big, Likes: &big, Shares: &big, Comments: &big}
				if n%2 == 0 {
					metrics = &model.ViralityMetrics{Views: &zero}
				}
				repo.PutSignal(model.Signal{
					ID: id, SpotterID: spotterID, Platform: platform, Sentiment: sent,
					AssetTicker: "BTC", ScreenshotURL: "https://x/y.png",
					Reasoning:       string(make([]byte, 200)),
					ViralityMetrics: metrics,
					CreatedAt:       testNow.Add(-time.Duration(n) * time.Hour),
					OriginTimestamp: testNow.Add(time.Duration(n%3-1) * time.Hour),
				})
				repo.PutVerification(model.Verification{SignalID: id, Verdict: model.VerdictConfirm, ConfidenceLevel: 250})

				res := e.Calculate(ctx, id, model.TriggerManual)
				require.NoError(t, res.Err)
				assert.GreaterOrEqual(t, res.Score, 0.0, id)
				assert.LessOrEqual(t, res.Score, 100.0, id)
			}
		}
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "")

	repo := newFakeRepo()
	repo.PutSignal(plainSignal("sig-1"))
	e := newTestEngine(t, repo, Options{Metrics: m})
	ctx := context.Background()

	e.Calculate(ctx, "sig-1", model.TriggerCreated)
	e.Calculate(ctx, "missing", model.TriggerManual)
	repo.updateErr = errors.New("write failed")
	e.Calculate(ctx, "sig-1", model.TriggerCreated)
	e.ProcessBatch(ctx, []string{"sig-1"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Calculations.WithLabelValues("created", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Calculations.WithLabelValues("created", "degraded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Calculations.WithLabelValues("manual", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Calculations.WithLabelValues("batch", "degraded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failures.WithLabelValues("load")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Failures.WithLabelValues("write")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlight))

	count, err := testutil.GatherAndCount(reg, "alphascore_engine_final_score")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observe(Result{Trigger: model.TriggerManual}, 0.1)
		m.batch(3)
		m.inFlight(1)
	})
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, dedupe([]string{"a", "b", "a", "c", "b"}))
	assert.Empty(t, dedupe(nil))
}
