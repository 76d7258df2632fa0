package pool_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/meterproxy/internal/domain"
	"github.com/davidbz/meterproxy/internal/pool"
)

// fakeHealth is a settable HealthReporter.
type fakeHealth struct {
	mu     sync.Mutex
	states map[string]domain.HealthState
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{states: make(map[string]domain.HealthState)}
}

func (f *fakeHealth) set(id string, state domain.HealthState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = state
}

func (f *fakeHealth) State(id string) domain.HealthState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id]
}

func (f *fakeHealth) Snapshot() []domain.EndpointStatus {
	return nil
}

func endpoints(ids ...string) []domain.Endpoint {
	out := make([]domain.Endpoint, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Endpoint{ID: id, BaseURL: "https://" + id + ".example.com"})
	}
	return out
}

func selectIDs(t *testing.T, p *pool.Pool, n int, excluding domain.EndpointSet) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		e, err := p.Select(context.Background(), excluding)
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	return ids
}

func TestNewPool(t *testing.T) {
	t.Run("should reject an empty pool", func(t *testing.T) {
		_, err := pool.NewPool(nil, newFakeHealth())
		require.Error(t, err)
	})

	t.Run("should reject duplicate ids", func(t *testing.T) {
		_, err := pool.NewPool(endpoints("a", "a"), newFakeHealth())
		require.Error(t, err)
		require.Contains(t, err.Error(), "already registered")
	})

	t.Run("should reject a nil health reporter", func(t *testing.T) {
		_, err := pool.NewPool(endpoints("a"), nil)
		require.Error(t, err)
	})
}

func TestPool_Select(t *testing.T) {
	t.Run("should return each healthy endpoint exactly once per round", func(t *testing.T) {
		for k := 1; k <= 5; k++ {
			ids := make([]string, 0, k)
			for i := 0; i < k; i++ {
				ids = append(ids, string(rune('a'+i)))
			}
			p, err := pool.NewPool(endpoints(ids...), newFakeHealth())
			require.NoError(t, err)

			for round := 0; round < 3; round++ {
				require.ElementsMatch(t, ids, selectIDs(t, p, k, nil))
			}
		}
	})

	t.Run("should cycle in configuration order", func(t *testing.T) {
		p, err := pool.NewPool(endpoints("a", "b", "c"), newFakeHealth())
		require.NoError(t, err)

		require.Equal(t, []string{"a", "b", "c", "a", "b"}, selectIDs(t, p, 5, nil))
	})

	t.Run("should prefer healthy over degraded", func(t *testing.T) {
		health := newFakeHealth()
		health.set("a", domain.Degraded)
		p, err := pool.NewPool(endpoints("a", "b", "c"), health)
		require.NoError(t, err)

		require.Equal(t, []string{"b", "c", "b", "c"}, selectIDs(t, p, 4, nil))
	})

	t.Run("should use degraded endpoints when no healthy one is left", func(t *testing.T) {
		health := newFakeHealth()
		health.set("a", domain.Degraded)
		health.set("b", domain.Unhealthy)
		health.set("c", domain.Degraded)
		p, err := pool.NewPool(endpoints("a", "b", "c"), health)
		require.NoError(t, err)

		require.Equal(t, []string{"a", "c", "a", "c"}, selectIDs(t, p, 4, nil))
	})

	t.Run("should never return an unhealthy endpoint", func(t *testing.T) {
		health := newFakeHealth()
		health.set("a", domain.Unhealthy)
		health.set("c", domain.Unhealthy)
		p, err := pool.NewPool(endpoints("a", "b", "c"), health)
		require.NoError(t, err)

		require.Equal(t, []string{"b", "b", "b"}, selectIDs(t, p, 3, nil))
	})

	t.Run("should never return an excluded endpoint", func(t *testing.T) {
		p, err := pool.NewPool(endpoints("a", "b", "c"), newFakeHealth())
		require.NoError(t, err)

		excluding := domain.EndpointSet{}
		excluding.Add("b")

		for _, id := range selectIDs(t, p, 6, excluding) {
			require.NotEqual(t, "b", id)
		}
	})

	t.Run("should fall back to a degraded endpoint when healthy ones are excluded", func(t *testing.T) {
		health := newFakeHealth()
		health.set("b", domain.Degraded)
		p, err := pool.NewPool(endpoints("a", "b"), health)
		require.NoError(t, err)

		excluding := domain.EndpointSet{}
		excluding.Add("a")

		e, err := p.Select(context.Background(), excluding)
		require.NoError(t, err)
		require.Equal(t, "b", e.ID)
	})

	t.Run("should fail when every endpoint is unhealthy", func(t *testing.T) {
		health := newFakeHealth()
		health.set("a", domain.Unhealthy)
		health.set("b", domain.Unhealthy)
		p, err := pool.NewPool(endpoints("a", "b"), health)
		require.NoError(t, err)

		_, err = p.Select(context.Background(), nil)
		require.ErrorIs(t, err, domain.ErrNoEndpointAvailable)
	})

	t.Run("should fail when every endpoint is excluded", func(t *testing.T) {
		p, err := pool.NewPool(endpoints("a", "b"), newFakeHealth())
		require.NoError(t, err)

		excluding := domain.EndpointSet{}
		excluding.Add("a")
		excluding.Add("b")

		_, err = p.Select(context.Background(), excluding)
		require.ErrorIs(t, err, domain.ErrNoEndpointAvailable)
	})

	t.Run("should not pick the same endpoint twice in a row unless it is the only one", func(t *testing.T) {
		health := newFakeHealth()
		p, err := pool.NewPool(endpoints("a", "b", "c"), health)
		require.NoError(t, err)

		ids := selectIDs(t, p, 10, nil)
		for i := 1; i < len(ids); i++ {
			require.NotEqual(t, ids[i-1], ids[i])
		}
	})
}

func TestPool_ConcurrentSelect(t *testing.T) {
	p, err := pool.NewPool(endpoints("a", "b", "c", "d"), newFakeHealth())
	require.NoError(t, err)

	const workers, perWorker = 8, 100

	var mu sync.Mutex
	counts := map[string]int{}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				e, selectErr := p.Select(context.Background(), nil)
				if selectErr != nil {
					continue
				}
				mu.Lock()
				counts[e.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.Equal(t, workers*perWorker/4, counts[id], id)
	}
}

func TestPool_GetAndList(t *testing.T) {
	p, err := pool.NewPool(endpoints("a", "b"), newFakeHealth())
	require.NoError(t, err)

	e, ok := p.Get("b")
	require.True(t, ok)
	require.Equal(t, "https://b.example.com", e.BaseURL)

	_, ok = p.Get("zzz")
	require.False(t, ok)

	require.Len(t, p.List(), 2)
}
