package affinity_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcnelson/persistence-stack/internal/affinity"
	"github.com/bcnelson/persistence-stack/internal/domain"
)

func TestUnit_RunsInSubmissionOrder(t *testing.T) {
	u := affinity.NewUnit("ordered")
	defer u.Close()

	var (
		mu  sync.Mutex
		got []int
	)
	for i := range 50 {
		require.NoError(t, u.Submit(context.Background(), func(context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, u.Run(context.Background(), func(context.Context) error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestUnit_RunCarriesUnitAndValues(t *testing.T) {
	u := affinity.NewUnit("carrier")
	defer u.Close()

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "value")

	err := u.Run(ctx, func(ctx context.Context) error {
		assert.Same(t, u, affinity.FromContext(ctx))
		assert.Equal(t, "value", ctx.Value(key{}))

		// Nested Run on the same unit executes inline instead of deadlocking.
		return u.Run(ctx, func(context.Context) error { return errors.New("inner") })
	})
	assert.EqualError(t, err, "inner")
}

func TestUnit_RunRecoversPanics(t *testing.T) {
	u := affinity.NewUnit("panicky")
	defer u.Close()

	err := u.Run(context.Background(), func(context.Context) error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// The unit keeps serving work.
	assert.NoError(t, u.Run(context.Background(), func(context.Context) error { return nil }))
}

func TestUnit_CloseDrainsQueue(t *testing.T) {
	u := affinity.NewUnit("draining")

	ran := make(chan struct{}, 1)
	require.NoError(t, u.Submit(context.Background(), func(context.Context) {
		time.Sleep(10 * time.Millisecond)
		ran <- struct{}{}
	}))
	u.Close()

	select {
	case <-ran:
	default:
		t.Fatal("queued work did not run before Close returned")
	}
	assert.ErrorIs(t, u.Submit(context.Background(), func(context.Context) {}), affinity.ErrUnitClosed)
}

func TestRegistry_FirstBindWins(t *testing.T) {
	r := affinity.NewRegistry()
	a := affinity.NewUnit("a")
	b := affinity.NewUnit("b")
	defer a.Close()
	defer b.Close()

	assert.Same(t, a, r.Bind("node", a))
	assert.Same(t, a, r.Bind("node", b))

	bound, ok := r.Bound("node")
	require.True(t, ok)
	assert.Same(t, a, bound)
}

func TestRegistry_Check(t *testing.T) {
	r := affinity.NewRegistry()
	a := affinity.NewUnit("a")
	b := affinity.NewUnit("b")
	defer a.Close()
	defer b.Close()

	// First touch binds.
	require.NoError(t, r.Check("node", a))
	require.NoError(t, r.Check("node", a))

	err := r.Check("node", b)
	var tce *domain.ThreadConfinementError
	require.ErrorAs(t, err, &tce)
	assert.Equal(t, "node", tce.NodeID)
	assert.Equal(t, a.String(), tce.Bound)
	assert.Equal(t, b.String(), tce.Caller)

	assert.ErrorIs(t, r.Check("node", nil), domain.ErrThreadConfinement)
	assert.ErrorIs(t, r.Check("unbound", nil), domain.ErrThreadConfinement)

	r.Release("node")
	assert.NoError(t, r.Check("node", b), "released node can be rebound")
	assert.Equal(t, 1, r.Len())
}
