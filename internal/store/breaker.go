package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/sells-group/alphascore/internal/model"
)

// BreakerConfig controls the store circuit breaker.
type BreakerConfig struct {
	Name                string
	ConsecutiveFailures uint32
	Interval            time.Duration
	Timeout             time.Duration
}

// GuardedRepository trips a circuit breaker after repeated store failures
// so a down database fails scoring fast instead of piling up timeouts.
type GuardedRepository struct {
	next Repository
	cb   *gobreaker.CircuitBreaker
}

// NewGuardedRepository wraps next with a circuit breaker.
func NewGuardedRepository(next Repository, cfg BreakerConfig) *GuardedRepository {
	if cfg.Name == "" {
		cfg.Name = "store"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	st := gobreaker.Settings{
		Name:     cfg.Name,
		Interval: cfg.Interval,
		Timeout:  cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			zap.L().Warn("store: circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &GuardedRepository{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

// State returns the breaker state.
func (g *GuardedRepository) State() gobreaker.State { return g.cb.State() }

func (g *GuardedRepository) GetSignalBundle(ctx context.Context, signalID string) (*model.SignalBundle, error) {
	v, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.GetSignalBundle(ctx, signalID)
	})
	if err != nil {
		return nil, breakerErr(err)
	}
	return v.(*model.SignalBundle), nil
}

func (g *GuardedRepository) ListArchive(ctx context.Context, q model.ArchiveQuery) ([]model.ArchiveEntry, error) {
	v, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.ListArchive(ctx, q)
	})
	if err != nil {
		return nil, breakerErr(err)
	}
	return v.([]model.ArchiveEntry), nil
}

func (g *GuardedRepository) InsertComponents(ctx context.Context, c *model.Components) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.next.InsertComponents(ctx, c)
	})
	return breakerErr(err)
}

func (g *GuardedRepository) UpdateAlphaScore(ctx context.Context, signalID string, score float64) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.next.UpdateAlphaScore(ctx, signalID, score)
	})
	return breakerErr(err)
}

func breakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return eris.Wrap(err, "store: circuit open")
	}
	return err
}
