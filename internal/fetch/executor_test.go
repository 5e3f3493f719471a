package fetch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcnelson/persistence-stack/internal/affinity"
	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/fetch"
	"github.com/bcnelson/persistence-stack/internal/logging"
	"github.com/bcnelson/persistence-stack/internal/model"
	"github.com/bcnelson/persistence-stack/internal/stack"
)

func testModel() *model.Model {
	return &model.Model{
		Name:    "notes",
		Version: 1,
		Entities: []model.Entity{
			{Name: "Note", Attributes: []model.Attribute{
				{Name: "title", Type: "string", Required: true},
				{Name: "rank", Type: "integer"},
			}},
		},
	}
}

func newUnit(t *testing.T, name string) *affinity.Unit {
	t.Helper()
	u := affinity.NewUnit(name, affinity.WithUnitLogger(logging.Discard()))
	t.Cleanup(u.Close)
	return u
}

// seededRoot returns a root bound to u holding notes ranked 1 to 3.
func seededRoot(t *testing.T, u *affinity.Unit) *stack.Node {
	t.Helper()
	root, err := stack.NewRoot(context.Background(), testModel(),
		[]domain.StoreDescriptor{domain.Descriptor{Kind: domain.StoreTypeMemory}},
		stack.WithRegistry(affinity.NewRegistry()),
		stack.WithLogger(logging.Discard()),
		stack.WithUnit(u),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = u.Run(context.Background(), func(ctx context.Context) error { return root.Cleanup(ctx) })
	})

	require.NoError(t, u.Run(context.Background(), func(ctx context.Context) error {
		for i, title := range []string{"one", "two", "three"} {
			if _, err := root.Insert(ctx, "Note", map[string]any{"title": title, "rank": i + 1}); err != nil {
				return err
			}
		}
		return root.Save(ctx)
	}))
	return root
}

func newExecutor() *fetch.Executor {
	return fetch.NewExecutor(fetch.WithLogger(logging.Discard()))
}

func titles(objs []*stack.Object) []any {
	out := make([]any, 0, len(objs))
	for _, o := range objs {
		v, _ := o.Get("title")
		out = append(out, v)
	}
	return out
}

func TestFetch_FromOtherUnitCallsBackOnCallerUnit(t *testing.T) {
	nodeUnit, callerUnit := newUnit(t, "node"), newUnit(t, "caller")
	root := seededRoot(t, nodeUnit)
	exec := newExecutor()

	type delivery struct {
		objects []*stack.Object
		err     error
	}
	got := make(chan delivery, 1)
	gate := make(chan struct{})
	require.NoError(t, callerUnit.Submit(context.Background(), func(ctx context.Context) {
		exec.Fetch(ctx, root, domain.FetchRequest{
			Entity:    "Note",
			Predicate: "rank >= 2",
			SortBy:    []domain.SortKey{{Attribute: "rank", Descending: true}},
		}, func(objs []*stack.Object, err error) {
			got <- delivery{objects: objs, err: err}
		})
		// Keep the caller's unit busy: a callback posted to it has to wait.
		<-gate
	}))

	assert.Never(t, func() bool { return len(got) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	close(gate)

	select {
	case d := <-got:
		require.NoError(t, d.err)
		assert.Equal(t, []any{"three", "two"}, titles(d.objects))
		for _, obj := range d.objects {
			assert.Same(t, root, obj.Node())
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestFetch_WithoutCallerUnitCallsBackOnNodeUnit(t *testing.T) {
	nodeUnit := newUnit(t, "node")
	root := seededRoot(t, nodeUnit)
	exec := newExecutor()

	got := make(chan int, 1)
	exec.Fetch(context.Background(), root, domain.FetchRequest{Entity: "Note"}, func(objs []*stack.Object, err error) {
		got <- len(objs)
	})

	select {
	case n := <-got:
		assert.Equal(t, 3, n)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestFetch_SameUnitRunsInline(t *testing.T) {
	u := newUnit(t, "node")
	root := seededRoot(t, u)
	exec := newExecutor()

	var (
		called bool
		count  int
	)
	require.NoError(t, u.Run(context.Background(), func(ctx context.Context) error {
		exec.Fetch(ctx, root, domain.FetchRequest{Entity: "Note", Limit: 2}, func(objs []*stack.Object, err error) {
			called = true
			count = len(objs)
		})
		if !called {
			return assert.AnError
		}
		return nil
	}))
	assert.Equal(t, 2, count)
}

func TestFetchMany_PartialFailure(t *testing.T) {
	u := newUnit(t, "node")
	root := seededRoot(t, u)
	exec := newExecutor()

	results, err := exec.FetchManySync(context.Background(), root, []domain.FetchRequest{
		{Entity: "Note", Predicate: `title == "one"`},
		{Entity: "Note", Predicate: "rank >>> 1"},
		{Key: "top", Entity: "Note", SortBy: []domain.SortKey{{Attribute: "rank", Descending: true}}, Limit: 1},
	})

	var pfe *domain.PartialFetchError
	require.ErrorAs(t, err, &pfe)
	assert.Equal(t, root.ID(), pfe.NodeID)
	assert.Equal(t, []string{"#2"}, pfe.FailedKeys())
	assert.ErrorIs(t, pfe.Failed["#2"], domain.ErrInvalidInput)

	require.Len(t, results, 2)
	assert.Equal(t, []any{"one"}, titles(results["#1"]))
	assert.Equal(t, []any{"three"}, titles(results["top"]))
}

func TestFetchMany_DuplicateKeys(t *testing.T) {
	u := newUnit(t, "node")
	root := seededRoot(t, u)
	exec := newExecutor()

	results, err := exec.FetchManySync(context.Background(), root, []domain.FetchRequest{
		{Key: "all", Entity: "Note"},
		{Key: "all", Entity: "Note", Limit: 1},
	})
	var pfe *domain.PartialFetchError
	require.ErrorAs(t, err, &pfe)
	assert.Equal(t, []string{"#2"}, pfe.FailedKeys())
	assert.Len(t, results["all"], 3)
}

func TestFetchSync_FromOtherUnitDoesNotDeadlock(t *testing.T) {
	nodeUnit, callerUnit := newUnit(t, "node"), newUnit(t, "caller")
	root := seededRoot(t, nodeUnit)
	exec := newExecutor()

	var count int
	require.NoError(t, callerUnit.Run(context.Background(), func(ctx context.Context) error {
		objs, err := exec.FetchSync(ctx, root, domain.FetchRequest{Entity: "Note"})
		count = len(objs)
		return err
	}))
	assert.Equal(t, 3, count)
}

func TestFetch_UnboundCallerOnUnboundNodeIsConfinementError(t *testing.T) {
	root, err := stack.NewRoot(context.Background(), testModel(),
		[]domain.StoreDescriptor{domain.Descriptor{Kind: domain.StoreTypeMemory}},
		stack.WithRegistry(affinity.NewRegistry()),
		stack.WithLogger(logging.Discard()),
	)
	require.NoError(t, err)

	_, err = newExecutor().FetchSync(context.Background(), root, domain.FetchRequest{Entity: "Note"})
	assert.ErrorIs(t, err, domain.ErrThreadConfinement)
}

func TestAwait_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fetch.Await(ctx, func(func(int, error)) {})
	assert.ErrorIs(t, err, context.Canceled)

	v, err := fetch.Await(context.Background(), func(deliver func(int, error)) { deliver(42, nil) })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
