package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/alphascore/internal/model"
)

// MemoryStore is an in-memory Store for local runs and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	signals       map[string]model.Signal
	spotters      map[string]model.Spotter
	verifications map[string][]model.Verification // keyed by signal_id
	archive       []model.ArchiveEntry
	components    []model.Components // append order
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		signals:       make(map[string]model.Signal),
		spotters:      make(map[string]model.Spotter),
		verifications: make(map[string][]model.Verification),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Ping(context.Context) error    { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

// PutSignal stores a copy of sig.
func (s *MemoryStore) PutSignal(sig model.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[sig.ID] = sig
}

// PutSpotter stores a copy of sp.
func (s *MemoryStore) PutSpotter(sp model.Spotter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spotters[sp.ID] = sp
}

// PutVerification appends a verification to its signal.
func (s *MemoryStore) PutVerification(v model.Verification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifications[v.SignalID] = append(s.verifications[v.SignalID], v)
}

// PutArchive appends an archive entry.
func (s *MemoryStore) PutArchive(e model.ArchiveEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archive = append(s.archive, e)
}

// ImportArchive replaces entries with matching ids and appends the rest.
func (s *MemoryStore) ImportArchive(_ context.Context, entries []model.ArchiveEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := make(map[string]int, len(s.archive))
	for i, e := range s.archive {
		index[e.ID] = i
	}
	for _, e := range entries {
		if i, ok := index[e.ID]; ok {
			s.archive[i] = e
			continue
		}
		index[e.ID] = len(s.archive)
		s.archive = append(s.archive, e)
	}
	return int64(len(entries)), nil
}

func (s *MemoryStore) GetSignalBundle(_ context.Context, signalID string) (*model.SignalBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig, ok := s.signals[signalID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: signal %s", signalID)
	}
	b := &model.SignalBundle{
		Signal:        sig,
		Verifications: append([]model.Verification(nil), s.verifications[signalID]...),
	}
	b.Signal.Platform = model.ParsePlatform(string(sig.Platform))
	if sp, ok := s.spotters[sig.SpotterID]; ok {
		b.Spotter = &sp
	}
	return b, nil
}

func (s *MemoryStore) ListArchive(_ context.Context, q model.ArchiveQuery) ([]model.ArchiveEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ArchiveEntry
	for _, e := range s.archive {
		if e.AssetTicker == q.Ticker && !e.SignalTimestamp.Before(q.Since) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SignalTimestamp.After(out[j].SignalTimestamp)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) InsertComponents(_ context.Context, c *model.Components) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components = append(s.components, *c)
	return nil
}

func (s *MemoryStore) UpdateAlphaScore(_ context.Context, signalID string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig, ok := s.signals[signalID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: signal %s", signalID)
	}
	sig.AlphaScore = &score
	s.signals[signalID] = sig
	return nil
}

func (s *MemoryStore) LatestComponents(ctx context.Context, signalID string) (*model.Components, error) {
	rows, _ := s.ListComponents(ctx, signalID, 1)
	if len(rows) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "memory: components for %s", signalID)
	}
	return &rows[0], nil
}

// ListComponents returns rows newest first; rows with equal timestamps keep
// reverse insertion order.
func (s *MemoryStore) ListComponents(_ context.Context, signalID string, limit int) ([]model.Components, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Components
	for i := len(s.components) - 1; i >= 0; i-- {
		if s.components[i].SignalID == signalID {
			out = append(out, s.components[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CalculatedAt.After(out[j].CalculatedAt)
	})
	if limit = listLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Signal returns the stored signal, for inspection in tests and the CLI.
func (s *MemoryStore) Signal(signalID string) (model.Signal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.signals[signalID]
	return sig, ok
}
