package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/alphascore/internal/model"
)

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) (Store, seeder) {
		m := NewMemory()
		return m, seeder{
			spotter:      m.PutSpotter,
			signal:       m.PutSignal,
			verification: m.PutVerification,
			archive:      m.PutArchive,
		}
	})
}

func TestMemoryStore_BundleIsACopy(t *testing.T) {
	m := NewMemory()
	m.PutSignal(model.Signal{ID: "s"})
	m.PutVerification(model.Verification{ID: "v", SignalID: "s"})

	b, err := m.GetSignalBundle(context.Background(), "s")
	require.NoError(t, err)
	b.Verifications[0].ID = "changed"

	again, err := m.GetSignalBundle(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Verifications[0].ID)
}

func TestMemoryStore_ConcurrentWrites(t *testing.T) {
	m := NewMemory()
	m.PutSignal(model.Signal{ID: "s"})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.InsertComponents(ctx, &model.Components{SignalID: "s", FinalScore: float64(i)})
			_ = m.UpdateAlphaScore(ctx, "s", float64(i))
		}()
	}
	wg.Wait()

	rows, err := m.ListComponents(ctx, "s", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 20)

	seen := make(map[string]bool)
	for _, r := range rows {
		assert.False(t, seen[r.ID], fmt.Sprintf("duplicate id %s", r.ID))
		seen[r.ID] = true
	}
	sig, ok := m.Signal("s")
	require.True(t, ok)
	assert.NotNil(t, sig.AlphaScore)
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	assert.NoError(t, m.Ping(ctx))
	assert.NoError(t, m.Migrate(ctx))
	assert.NoError(t, m.Close())
}
