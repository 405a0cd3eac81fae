package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/alphascore/internal/db"
	"github.com/sells-group/alphascore/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

var _ Store = (*PostgresStore)(nil)

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	selectSignalSQL = `SELECT s.id, s.spotter_id, s.platform, s.source_url,
		COALESCE(s.asset_ticker, ''), COALESCE(s.asset_type, ''), s.sentiment,
		COALESCE(s.reasoning, ''), COALESCE(s.screenshot_url, ''), s.virality_metrics,
		COALESCE(s.signal_strength, 0), s.alpha_score, s.status,
		COALESCE(s.base_reward, 0), COALESCE(s.performance_bonus, 0), COALESCE(s.total_payout, 0),
		s.created_at, COALESCE(s.origin_timestamp, s.created_at),
		COALESCE(sp.id, ''), COALESCE(sp.user_id, ''), COALESCE(sp.display_name, ''),
		COALESCE(sp.credibility_score, 0), COALESCE(sp.total_signals_logged, 0),
		COALESCE(sp.accurate_signals, 0), COALESCE(sp.accuracy_rate, 0), COALESCE(sp.current_tier, '')
	FROM alpha_signals s
	LEFT JOIN spotters sp ON sp.id = s.spotter_id
	WHERE s.id = $1`

	selectVerificationsSQL = `SELECT id, signal_id, verifier_id, verdict, COALESCE(confidence_level, 0),
		COALESCE(refinement_notes, ''), COALESCE(suggested_ticker, ''), COALESCE(suggested_sentiment, ''),
		COALESCE(reward_earned, 0), created_at
	FROM signal_verifications
	WHERE signal_id = $1
	ORDER BY created_at`

	selectArchiveSQL = `SELECT id, COALESCE(signal_id, ''), asset_ticker, signal_timestamp,
		price_at_signal, movement_24h, movement_7d, COALESCE(outcome_classification, ''), archived_at
	FROM alpha_archive
	WHERE asset_ticker = $1 AND signal_timestamp >= $2
	ORDER BY signal_timestamp DESC
	LIMIT $3`

	insertComponentsSQL = `INSERT INTO alphascore_components (
		id, signal_id,
		spotter_credibility_score, community_verification_score, sentiment_velocity_score,
		platform_signal_score, historical_similarity_score,
		spotter_credibility_weight, community_verification_weight, sentiment_velocity_weight,
		platform_signal_weight, historical_similarity_weight,
		final_alpha_score, calculation_timestamp, calculation_metadata
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	updateAlphaScoreSQL = `UPDATE alpha_signals SET alpha_score = $1 WHERE id = $2`

	selectComponentsSQL = `SELECT id, signal_id,
		spotter_credibility_score, community_verification_score, sentiment_velocity_score,
		platform_signal_score, historical_similarity_score,
		spotter_credibility_weight, community_verification_weight, sentiment_velocity_weight,
		platform_signal_weight, historical_similarity_weight,
		final_alpha_score, calculation_timestamp, calculation_metadata
	FROM alphascore_components
	WHERE signal_id = $1
	ORDER BY calculation_timestamp DESC
	LIMIT $2`
)

// preparedStatements lists queries to prepare on each new connection. These
// are the round trips of every scoring run.
var preparedStatements = map[string]string{
	"select_signal":        selectSignalSQL,
	"select_verifications": selectVerificationsSQL,
	"select_archive":       selectArchiveSQL,
	"insert_components":    insertComponentsSQL,
	"update_alpha_score":   updateAlphaScoreSQL,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS spotters (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id              TEXT NOT NULL,
	display_name         TEXT,
	credibility_score    DOUBLE PRECISION NOT NULL DEFAULT 50,
	total_signals_logged INTEGER NOT NULL DEFAULT 0,
	accurate_signals     INTEGER NOT NULL DEFAULT 0,
	accuracy_rate        DOUBLE PRECISION NOT NULL DEFAULT 0,
	current_tier         TEXT NOT NULL DEFAULT 'bronze',
	specialization_areas TEXT[] NOT NULL DEFAULT '{}',
	platform_expertise   JSONB NOT NULL DEFAULT '{}',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS alpha_signals (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	spotter_id        TEXT NOT NULL,
	platform          TEXT NOT NULL DEFAULT 'other',
	source_url        TEXT NOT NULL DEFAULT '',
	asset_ticker      TEXT,
	asset_type        TEXT,
	sentiment         TEXT NOT NULL DEFAULT 'neutral',
	reasoning         TEXT,
	screenshot_url    TEXT,
	virality_metrics  JSONB,
	signal_strength   DOUBLE PRECISION,
	alpha_score       DOUBLE PRECISION CHECK (alpha_score BETWEEN 0 AND 100),
	status            TEXT NOT NULL DEFAULT 'pending',
	base_reward       DOUBLE PRECISION,
	performance_bonus DOUBLE PRECISION,
	total_payout      DOUBLE PRECISION,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	origin_timestamp  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS signal_verifications (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	signal_id           TEXT NOT NULL REFERENCES alpha_signals(id),
	verifier_id         TEXT NOT NULL,
	verdict             TEXT NOT NULL,
	confidence_level    DOUBLE PRECISION,
	refinement_notes    TEXT,
	suggested_ticker    TEXT,
	suggested_sentiment TEXT,
	reward_earned       DOUBLE PRECISION,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS alpha_archive (
	id                     TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	signal_id              TEXT,
	asset_ticker           TEXT NOT NULL,
	signal_timestamp       TIMESTAMPTZ NOT NULL,
	price_at_signal        DOUBLE PRECISION,
	movement_24h           DOUBLE PRECISION,
	movement_7d            DOUBLE PRECISION,
	outcome_classification TEXT,
	archived_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS alphascore_components (
	id                            TEXT PRIMARY KEY,
	signal_id                     TEXT NOT NULL,
	spotter_credibility_score     DOUBLE PRECISION NOT NULL,
	community_verification_score  DOUBLE PRECISION NOT NULL,
	sentiment_velocity_score      DOUBLE PRECISION NOT NULL,
	platform_signal_score         DOUBLE PRECISION NOT NULL,
	historical_similarity_score   DOUBLE PRECISION NOT NULL,
	spotter_credibility_weight    DOUBLE PRECISION NOT NULL,
	community_verification_weight DOUBLE PRECISION NOT NULL,
	sentiment_velocity_weight     DOUBLE PRECISION NOT NULL,
	platform_signal_weight        DOUBLE PRECISION NOT NULL,
	historical_similarity_weight  DOUBLE PRECISION NOT NULL,
	final_alpha_score             DOUBLE PRECISION NOT NULL,
	calculation_timestamp         TIMESTAMPTZ NOT NULL DEFAULT now(),
	calculation_metadata          JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_signal_verifications_signal_id ON signal_verifications(signal_id);
CREATE INDEX IF NOT EXISTS idx_alpha_archive_ticker_ts ON alpha_archive(asset_ticker, signal_timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_alphascore_components_signal_ts ON alphascore_components(signal_id, calculation_timestamp DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetSignalBundle(ctx context.Context, signalID string) (*model.SignalBundle, error) {
	var (
		b         model.SignalBundle
		sig       = &b.Signal
		sp        model.Spotter
		platform  string
		assetType string
		sentiment string
		status    string
		tier      string
		virality  []byte
	)

	err := s.pool.QueryRow(ctx, selectSignalSQL, signalID).Scan(
		&sig.ID, &sig.SpotterID, &platform, &sig.SourceURL,
		&sig.AssetTicker, &assetType, &sentiment,
		&sig.Reasoning, &sig.ScreenshotURL, &virality,
		&sig.SignalStrength, &sig.AlphaScore, &status,
		&sig.BaseReward, &sig.PerformanceBonus, &sig.TotalPayout,
		&sig.CreatedAt, &sig.OriginTimestamp,
		&sp.ID, &sp.UserID, &sp.DisplayName,
		&sp.CredibilityScore, &sp.TotalSignalsLogged,
		&sp.AccurateSignals, &sp.AccuracyRate, &tier,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: signal %s", signalID)
		}
		return nil, eris.Wrapf(err, "postgres: get signal %s", signalID)
	}

	sig.Platform = model.ParsePlatform(platform)
	sig.AssetType = model.AssetType(assetType)
	sig.Sentiment = model.Sentiment(sentiment)
	sig.Status = model.SignalStatus(status)
	if sig.ViralityMetrics, err = decodeVirality(virality); err != nil {
		return nil, eris.Wrapf(err, "postgres: decode virality for signal %s", signalID)
	}
	if sp.ID != "" {
		sp.CurrentTier = model.Tier(tier)
		b.Spotter = &sp
	}

	b.Verifications, err = s.listVerifications(ctx, signalID)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) listVerifications(ctx context.Context, signalID string) ([]model.Verification, error) {
	rows, err := s.pool.Query(ctx, selectVerificationsSQL, signalID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list verifications for %s", signalID)
	}
	defer rows.Close()

	var out []model.Verification
	for rows.Next() {
		var v model.Verification
		var verdict, suggested string
		if err := rows.Scan(
			&v.ID, &v.SignalID, &v.VerifierID, &verdict, &v.ConfidenceLevel,
			&v.RefinementNotes, &v.SuggestedTicker, &suggested,
			&v.RewardEarned, &v.CreatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan verification")
		}
		v.Verdict = model.Verdict(verdict)
		v.SuggestedSentiment = model.Sentiment(suggested)
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list verifications iterate")
}

func (s *PostgresStore) ListArchive(ctx context.Context, q model.ArchiveQuery) ([]model.ArchiveEntry, error) {
	rows, err := s.pool.Query(ctx, selectArchiveSQL, q.Ticker, q.Since.UTC(), q.Limit)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list archive for %s", q.Ticker)
	}
	defer rows.Close()

	var out []model.ArchiveEntry
	for rows.Next() {
		var e model.ArchiveEntry
		var outcome string
		if err := rows.Scan(
			&e.ID, &e.SignalID, &e.AssetTicker, &e.SignalTimestamp,
			&e.PriceAtSignal, &e.Movement24h, &e.Movement7d, &outcome, &e.ArchivedAt,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan archive entry")
		}
		if outcome != "" {
			o := model.Outcome(outcome)
			e.OutcomeClassification = &o
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list archive iterate")
}

func (s *PostgresStore) InsertComponents(ctx context.Context, c *model.Components) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal calculation metadata")
	}

	_, err = s.pool.Exec(ctx, insertComponentsSQL,
		c.ID, c.SignalID,
		c.Scores.SpotterCredibility, c.Scores.CommunityVerification, c.Scores.SentimentVelocity,
		c.Scores.PlatformSignal, c.Scores.HistoricalSimilarity,
		c.Weights.Spotter, c.Weights.Community, c.Weights.Velocity,
		c.Weights.Platform, c.Weights.Similarity,
		c.FinalScore, c.CalculatedAt.UTC(), meta,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert components for %s", c.SignalID)
	}
	return nil
}

func (s *PostgresStore) UpdateAlphaScore(ctx context.Context, signalID string, score float64) error {
	tag, err := s.pool.Exec(ctx, updateAlphaScoreSQL, score, signalID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update alpha score %s", signalID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: signal %s", signalID)
	}
	return nil
}

func (s *PostgresStore) LatestComponents(ctx context.Context, signalID string) (*model.Components, error) {
	rows, err := s.ListComponents(ctx, signalID, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "postgres: components for %s", signalID)
	}
	return &rows[0], nil
}

func (s *PostgresStore) ListComponents(ctx context.Context, signalID string, limit int) ([]model.Components, error) {
	rows, err := s.pool.Query(ctx, selectComponentsSQL, signalID, listLimit(limit))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list components for %s", signalID)
	}
	defer rows.Close()

	var out []model.Components
	for rows.Next() {
		var c model.Components
		var meta []byte
		if err := rows.Scan(
			&c.ID, &c.SignalID,
			&c.Scores.SpotterCredibility, &c.Scores.CommunityVerification, &c.Scores.SentimentVelocity,
			&c.Scores.PlatformSignal, &c.Scores.HistoricalSimilarity,
			&c.Weights.Spotter, &c.Weights.Community, &c.Weights.Velocity,
			&c.Weights.Platform, &c.Weights.Similarity,
			&c.FinalScore, &c.CalculatedAt, &meta,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan components")
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &c.Metadata); err != nil {
				return nil, eris.Wrapf(err, "postgres: unmarshal metadata for %s", c.ID)
			}
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list components iterate")
}

var archiveUpsert = db.UpsertConfig{
	Table: "alpha_archive",
	Columns: []string{
		"id", "signal_id", "asset_ticker", "signal_timestamp", "price_at_signal",
		"movement_24h", "movement_7d", "outcome_classification", "archived_at",
	},
	ConflictKeys: []string{"id"},
}

// ImportArchive bulk upserts entries by id through COPY.
func (s *PostgresStore) ImportArchive(ctx context.Context, entries []model.ArchiveEntry) (int64, error) {
	rows := make([][]any, len(entries))
	for i, e := range entries {
		var outcome any
		if e.OutcomeClassification != nil {
			outcome = string(*e.OutcomeClassification)
		}
		archived := e.ArchivedAt
		if archived.IsZero() {
			archived = time.Now()
		}
		rows[i] = []any{
			e.ID, e.SignalID, e.AssetTicker, e.SignalTimestamp.UTC(), e.PriceAtSignal,
			e.Movement24h, e.Movement7d, outcome, archived.UTC(),
		}
	}
	n, err := db.BulkUpsert(ctx, s.pool, archiveUpsert, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: import archive")
	}
	return n, nil
}

// decodeVirality parses a JSON virality blob. Empty or null means no metrics.
func decodeVirality(raw []byte) (*model.ViralityMetrics, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var m model.ViralityMetrics
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
