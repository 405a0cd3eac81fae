package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/alphascore/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is meant for
// local runs and tests; timestamps are stored as fixed-width UTC text so
// they sort lexically.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// sqliteTimeLayout is fixed width so string comparison matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS spotters (
	id                   TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL,
	display_name         TEXT NOT NULL DEFAULT '',
	credibility_score    REAL NOT NULL DEFAULT 50,
	total_signals_logged INTEGER NOT NULL DEFAULT 0,
	accurate_signals     INTEGER NOT NULL DEFAULT 0,
	accuracy_rate        REAL NOT NULL DEFAULT 0,
	current_tier         TEXT NOT NULL DEFAULT 'bronze',
	created_at           TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS alpha_signals (
	id                TEXT PRIMARY KEY,
	spotter_id        TEXT NOT NULL,
	platform          TEXT NOT NULL DEFAULT 'other',
	source_url        TEXT NOT NULL DEFAULT '',
	asset_ticker      TEXT NOT NULL DEFAULT '',
	asset_type        TEXT NOT NULL DEFAULT '',
	sentiment         TEXT NOT NULL DEFAULT 'neutral',
	reasoning         TEXT NOT NULL DEFAULT '',
	screenshot_url    TEXT NOT NULL DEFAULT '',
	virality_metrics  TEXT,
	signal_strength   REAL NOT NULL DEFAULT 0,
	alpha_score       REAL,
	status            TEXT NOT NULL DEFAULT 'pending',
	base_reward       REAL NOT NULL DEFAULT 0,
	performance_bonus REAL NOT NULL DEFAULT 0,
	total_payout      REAL NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL,
	origin_timestamp  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS signal_verifications (
	id                  TEXT PRIMARY KEY,
	signal_id           TEXT NOT NULL REFERENCES alpha_signals(id),
	verifier_id         TEXT NOT NULL,
	verdict             TEXT NOT NULL,
	confidence_level    REAL NOT NULL DEFAULT 0,
	refinement_notes    TEXT NOT NULL DEFAULT '',
	suggested_ticker    TEXT NOT NULL DEFAULT '',
	suggested_sentiment TEXT NOT NULL DEFAULT '',
	reward_earned       REAL NOT NULL DEFAULT 0,
	created_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS alpha_archive (
	id                     TEXT PRIMARY KEY,
	signal_id              TEXT NOT NULL DEFAULT '',
	asset_ticker           TEXT NOT NULL,
	signal_timestamp       TEXT NOT NULL,
	price_at_signal        REAL,
	movement_24h           REAL,
	movement_7d            REAL,
	outcome_classification TEXT NOT NULL DEFAULT '',
	archived_at            TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS alphascore_components (
	id                            TEXT PRIMARY KEY,
	signal_id                     TEXT NOT NULL,
	spotter_credibility_score     REAL NOT NULL,
	community_verification_score  REAL NOT NULL,
	sentiment_velocity_score      REAL NOT NULL,
	platform_signal_score         REAL NOT NULL,
	historical_similarity_score   REAL NOT NULL,
	spotter_credibility_weight    REAL NOT NULL,
	community_verification_weight REAL NOT NULL,
	sentiment_velocity_weight     REAL NOT NULL,
	platform_signal_weight        REAL NOT NULL,
	historical_similarity_weight  REAL NOT NULL,
	final_alpha_score             REAL NOT NULL,
	calculation_timestamp         TEXT NOT NULL,
	calculation_metadata          TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_signal_verifications_signal_id ON signal_verifications(signal_id);
CREATE INDEX IF NOT EXISTS idx_alpha_archive_ticker_ts ON alpha_archive(asset_ticker, signal_timestamp);
CREATE INDEX IF NOT EXISTS idx_alphascore_components_signal_ts ON alphascore_components(signal_id, calculation_timestamp);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetSignalBundle(ctx context.Context, signalID string) (*model.SignalBundle, error) {
	var (
		b                   model.SignalBundle
		sig                 = &b.Signal
		sp                  model.Spotter
		platform, tier      string
		assetType, sent     string
		status              string
		createdAt, originAt string
		virality            sql.NullString
		alpha               sql.NullFloat64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.spotter_id, s.platform, s.source_url, s.asset_ticker, s.asset_type,
			s.sentiment, s.reasoning, s.screenshot_url, s.virality_metrics, s.signal_strength,
			s.alpha_score, s.status, s.base_reward, s.performance_bonus, s.total_payout,
			s.created_at, s.origin_timestamp,
			COALESCE(sp.id, ''), COALESCE(sp.user_id, ''), COALESCE(sp.display_name, ''),
			COALESCE(sp.credibility_score, 0), COALESCE(sp.total_signals_logged, 0),
			COALESCE(sp.accurate_signals, 0), COALESCE(sp.accuracy_rate, 0), COALESCE(sp.current_tier, '')
		FROM alpha_signals s
		LEFT JOIN spotters sp ON sp.id = s.spotter_id
		WHERE s.id = ?`, signalID,
	).Scan(
		&sig.ID, &sig.SpotterID, &platform, &sig.SourceURL, &sig.AssetTicker, &assetType,
		&sent, &sig.Reasoning, &sig.ScreenshotURL, &virality, &sig.SignalStrength,
		&alpha, &status, &sig.BaseReward, &sig.PerformanceBonus, &sig.TotalPayout,
		&createdAt, &originAt,
		&sp.ID, &sp.UserID, &sp.DisplayName,
		&sp.CredibilityScore, &sp.TotalSignalsLogged,
		&sp.AccurateSignals, &sp.AccuracyRate, &tier,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: signal %s", signalID)
		}
		return nil, eris.Wrapf(err, "sqlite: get signal %s", signalID)
	}

	sig.Platform = model.ParsePlatform(platform)
	sig.AssetType = model.AssetType(assetType)
	sig.Sentiment = model.Sentiment(sent)
	sig.Status = model.SignalStatus(status)
	if alpha.Valid {
		v := alpha.Float64
		sig.AlphaScore = &v
	}
	if sig.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse created_at for %s", signalID)
	}
	if sig.OriginTimestamp, err = parseTime(originAt); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse origin_timestamp for %s", signalID)
	}
	if sig.OriginTimestamp.IsZero() {
		sig.OriginTimestamp = sig.CreatedAt
	}
	if virality.Valid {
		if sig.ViralityMetrics, err = decodeVirality([]byte(virality.String)); err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode virality for signal %s", signalID)
		}
	}
	if sp.ID != "" {
		sp.CurrentTier = model.Tier(tier)
		b.Spotter = &sp
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, signal_id, verifier_id, verdict, confidence_level, refinement_notes,
			suggested_ticker, suggested_sentiment, reward_earned, created_at
		FROM signal_verifications WHERE signal_id = ? ORDER BY created_at`, signalID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list verifications for %s", signalID)
	}
	defer rows.Close()

	for rows.Next() {
		var v model.Verification
		var verdict, suggested, created string
		if err := rows.Scan(
			&v.ID, &v.SignalID, &v.VerifierID, &verdict, &v.ConfidenceLevel, &v.RefinementNotes,
			&v.SuggestedTicker, &suggested, &v.RewardEarned, &created,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan verification")
		}
		v.Verdict = model.Verdict(verdict)
		v.SuggestedSentiment = model.Sentiment(suggested)
		if v.CreatedAt, err = parseTime(created); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse verification created_at")
		}
		b.Verifications = append(b.Verifications, v)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list verifications iterate")
	}
	return &b, nil
}

func (s *SQLiteStore) ListArchive(ctx context.Context, q model.ArchiveQuery) ([]model.ArchiveEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, signal_id, asset_ticker, signal_timestamp, price_at_signal, movement_24h,
			movement_7d, outcome_classification, archived_at
		FROM alpha_archive
		WHERE asset_ticker = ? AND signal_timestamp >= ?
		ORDER BY signal_timestamp DESC
		LIMIT ?`, q.Ticker, formatTime(q.Since), q.Limit)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list archive for %s", q.Ticker)
	}
	defer rows.Close()

	var out []model.ArchiveEntry
	for rows.Next() {
		var e model.ArchiveEntry
		var ts, archived, outcome string
		var price, m24, m7 sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.SignalID, &e.AssetTicker, &ts, &price, &m24, &m7, &outcome, &archived); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan archive entry")
		}
		if e.SignalTimestamp, err = parseTime(ts); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse signal_timestamp")
		}
		if e.ArchivedAt, err = parseTime(archived); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse archived_at")
		}
		e.PriceAtSignal = nullFloat(price)
		e.Movement24h = nullFloat(m24)
		e.Movement7d = nullFloat(m7)
		if outcome != "" {
			o := model.Outcome(outcome)
			e.OutcomeClassification = &o
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list archive iterate")
}

func (s *SQLiteStore) InsertComponents(ctx context.Context, c *model.Components) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal calculation metadata")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alphascore_components (
			id, signal_id,
			spotter_credibility_score, community_verification_score, sentiment_velocity_score,
			platform_signal_score, historical_similarity_score,
			spotter_credibility_weight, community_verification_weight, sentiment_velocity_weight,
			platform_signal_weight, historical_similarity_weight,
			final_alpha_score, calculation_timestamp, calculation_metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SignalID,
		c.Scores.SpotterCredibility, c.Scores.CommunityVerification, c.Scores.SentimentVelocity,
		c.Scores.PlatformSignal, c.Scores.HistoricalSimilarity,
		c.Weights.Spotter, c.Weights.Community, c.Weights.Velocity,
		c.Weights.Platform, c.Weights.Similarity,
		c.FinalScore, formatTime(c.CalculatedAt), string(meta),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert components for %s", c.SignalID)
	}
	return nil
}

func (s *SQLiteStore) UpdateAlphaScore(ctx context.Context, signalID string, score float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alpha_signals SET alpha_score = ? WHERE id = ?`, score, signalID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update alpha score %s", signalID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: signal %s", signalID)
	}
	return nil
}

func (s *SQLiteStore) LatestComponents(ctx context.Context, signalID string) (*model.Components, error) {
	rows, err := s.ListComponents(ctx, signalID, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: components for %s", signalID)
	}
	return &rows[0], nil
}

func (s *SQLiteStore) ListComponents(ctx context.Context, signalID string, limit int) ([]model.Components, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, signal_id,
			spotter_credibility_score, community_verification_score, sentiment_velocity_score,
			platform_signal_score, historical_similarity_score,
			spotter_credibility_weight, community_verification_weight, sentiment_velocity_weight,
			platform_signal_weight, historical_similarity_weight,
			final_alpha_score, calculation_timestamp, calculation_metadata
		FROM alphascore_components
		WHERE signal_id = ?
		ORDER BY calculation_timestamp DESC, rowid DESC
		LIMIT ?`, signalID, listLimit(limit))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list components for %s", signalID)
	}
	defer rows.Close()

	var out []model.Components
	for rows.Next() {
		var c model.Components
		var calculated, meta string
		if err := rows.Scan(
			&c.ID, &c.SignalID,
			&c.Scores.SpotterCredibility, &c.Scores.CommunityVerification, &c.Scores.SentimentVelocity,
			&c.Scores.PlatformSignal, &c.Scores.HistoricalSimilarity,
			&c.Weights.Spotter, &c.Weights.Community, &c.Weights.Velocity,
			&c.Weights.Platform, &c.Weights.Similarity,
			&c.FinalScore, &calculated, &meta,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan components")
		}
		if c.CalculatedAt, err = parseTime(calculated); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse calculation_timestamp")
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
				return nil, eris.Wrapf(err, "sqlite: unmarshal metadata for %s", c.ID)
			}
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list components iterate")
}

// PutSpotter inserts or replaces a spotter row.
func (s *SQLiteStore) PutSpotter(ctx context.Context, sp *model.Spotter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO spotters (id, user_id, display_name, credibility_score,
			total_signals_logged, accurate_signals, accuracy_rate, current_tier, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.UserID, sp.DisplayName, sp.CredibilityScore,
		sp.TotalSignalsLogged, sp.AccurateSignals, sp.AccuracyRate, string(sp.CurrentTier), formatTime(sp.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: put spotter %s", sp.ID)
}

// PutSignal inserts or replaces a signal row.
func (s *SQLiteStore) PutSignal(ctx context.Context, sig *model.Signal) error {
	var virality any
	if sig.ViralityMetrics != nil {
		data, err := json.Marshal(sig.ViralityMetrics)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal virality")
		}
		virality = string(data)
	}
	var alpha any
	if sig.AlphaScore != nil {
		alpha = *sig.AlphaScore
	}
	origin := ""
	if !sig.OriginTimestamp.IsZero() {
		origin = formatTime(sig.OriginTimestamp)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO alpha_signals (id, spotter_id, platform, source_url, asset_ticker,
			asset_type, sentiment, reasoning, screenshot_url, virality_metrics, signal_strength,
			alpha_score, status, base_reward, performance_bonus, total_payout, created_at, origin_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.SpotterID, string(sig.Platform), sig.SourceURL, sig.AssetTicker,
		string(sig.AssetType), string(sig.Sentiment), sig.Reasoning, sig.ScreenshotURL, virality, sig.SignalStrength,
		alpha, string(sig.Status), sig.BaseReward, sig.PerformanceBonus, sig.TotalPayout,
		formatTime(sig.CreatedAt), origin,
	)
	return eris.Wrapf(err, "sqlite: put signal %s", sig.ID)
}

// PutVerification inserts or replaces a verification row.
func (s *SQLiteStore) PutVerification(ctx context.Context, v *model.Verification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO signal_verifications (id, signal_id, verifier_id, verdict,
			confidence_level, refinement_notes, suggested_ticker, suggested_sentiment, reward_earned, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.SignalID, v.VerifierID, string(v.Verdict), v.ConfidenceLevel, v.RefinementNotes,
		v.SuggestedTicker, string(v.SuggestedSentiment), v.RewardEarned, formatTime(v.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: put verification %s", v.ID)
}

const putArchiveSQL = `
	INSERT OR REPLACE INTO alpha_archive (id, signal_id, asset_ticker, signal_timestamp,
		price_at_signal, movement_24h, movement_7d, outcome_classification, archived_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PutArchive inserts or replaces an archive row.
func (s *SQLiteStore) PutArchive(ctx context.Context, e *model.ArchiveEntry) error {
	return putArchive(ctx, s.db, e)
}

func putArchive(ctx context.Context, x execer, e *model.ArchiveEntry) error {
	outcome := ""
	if e.OutcomeClassification != nil {
		outcome = string(*e.OutcomeClassification)
	}
	_, err := x.ExecContext(ctx, putArchiveSQL,
		e.ID, e.SignalID, e.AssetTicker, formatTime(e.SignalTimestamp),
		floatArg(e.PriceAtSignal), floatArg(e.Movement24h), floatArg(e.Movement7d), outcome, formatTime(e.ArchivedAt),
	)
	return eris.Wrapf(err, "sqlite: put archive %s", e.ID)
}

// ImportArchive writes entries in one transaction.
func (s *SQLiteStore) ImportArchive(ctx context.Context, entries []model.ArchiveEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import archive begin")
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range entries {
		if err := putArchive(ctx, tx, &entries[i]); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: import archive commit")
	}
	return int64(len(entries)), nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func floatArg(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
