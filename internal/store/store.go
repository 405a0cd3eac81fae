// Package store persists and retrieves the data the AlphaScore engine reads
// and the audit rows it writes.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/alphascore/internal/model"
)

// ErrNotFound is returned when a signal or components row does not exist.
var ErrNotFound = eris.New("not found")

// SignalReader fetches a signal joined with its spotter and verifications.
type SignalReader interface {
	GetSignalBundle(ctx context.Context, signalID string) (*model.SignalBundle, error)
}

// ArchiveReader lists archived signals for a ticker, newest first.
type ArchiveReader interface {
	ListArchive(ctx context.Context, q model.ArchiveQuery) ([]model.ArchiveEntry, error)
}

// ComponentWriter appends a components row. Rows are never updated.
type ComponentWriter interface {
	InsertComponents(ctx context.Context, c *model.Components) error
}

// ScoreWriter writes the final score onto the signal.
type ScoreWriter interface {
	UpdateAlphaScore(ctx context.Context, signalID string, score float64) error
}

// Repository is everything the engine needs from the data store.
type Repository interface {
	SignalReader
	ArchiveReader
	ComponentWriter
	ScoreWriter
}

// ComponentLog reads the append-only components log.
type ComponentLog interface {
	// LatestComponents returns the newest row for a signal, or ErrNotFound.
	LatestComponents(ctx context.Context, signalID string) (*model.Components, error)
	// ListComponents returns up to limit rows for a signal, newest first.
	ListComponents(ctx context.Context, signalID string, limit int) ([]model.Components, error)
}

// ArchiveWriter bulk loads resolved signals into the outcome archive.
// Entries are keyed by id; re-importing an id overwrites it.
type ArchiveWriter interface {
	ImportArchive(ctx context.Context, entries []model.ArchiveEntry) (int64, error)
}

// Store is a complete storage backend.
type Store interface {
	Repository
	ComponentLog
	ArchiveWriter

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// defaultListLimit caps ListComponents when no limit is given.
const defaultListLimit = 100

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
