// Package fetch runs queries against stack nodes from any execution unit.
//
// A fetch always executes on the node's own unit. When it is issued from
// another unit the work is posted to the node's unit and the result is
// posted back to the caller's unit, so neither unit blocks on the other.
package fetch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bcnelson/persistence-stack/internal/affinity"
	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/query"
	"github.com/bcnelson/persistence-stack/internal/stack"
)

// Executor dispatches fetch requests. It is safe for concurrent use.
type Executor struct {
	cache  query.ProgramCache
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithCache sets the compiled predicate cache.
func WithCache(cache query.ProgramCache) Option {
	return func(e *Executor) { e.cache = cache }
}

// WithLogger sets the executor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor creates an Executor with a fresh predicate cache.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		cache:  query.NewMapCache(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fetch runs req against node and hands the result to onResult.
//
// On the node's unit, or against a node that is not bound yet, the fetch
// and the callback run inline. From another unit the callback runs on the
// caller's unit; from outside any unit it runs on the node's unit.
func (e *Executor) Fetch(ctx context.Context, node *stack.Node, req domain.FetchRequest, onResult func([]*stack.Object, error)) {
	e.dispatch(ctx, node,
		func(ctx context.Context) func() {
			objects, err := e.execute(ctx, node, req)
			return func() { onResult(objects, err) }
		},
		func(err error) { onResult(nil, err) },
	)
}

// FetchMany runs every request against the same state of node, in order,
// and hands the combined result to onResult keyed by request key. Requests
// without a key are keyed "#1", "#2" and so on by position. When some
// requests fail, the successful ones are still delivered together with a
// *domain.PartialFetchError naming the failed keys.
func (e *Executor) FetchMany(ctx context.Context, node *stack.Node, reqs []domain.FetchRequest, onResult func(map[string][]*stack.Object, error)) {
	e.dispatch(ctx, node,
		func(ctx context.Context) func() {
			results, err := e.executeMany(ctx, node, reqs)
			return func() { onResult(results, err) }
		},
		func(err error) { onResult(nil, err) },
	)
}

// FetchSync is Fetch for callers that wait for the result, such as HTTP
// handlers. It never waits on the caller's own unit.
func (e *Executor) FetchSync(ctx context.Context, node *stack.Node, req domain.FetchRequest) ([]*stack.Object, error) {
	ctx = detach(ctx, node)
	return Await(ctx, func(deliver func([]*stack.Object, error)) {
		e.Fetch(ctx, node, req, deliver)
	})
}

// FetchManySync is FetchMany for callers that wait for the result.
func (e *Executor) FetchManySync(ctx context.Context, node *stack.Node, reqs []domain.FetchRequest) (map[string][]*stack.Object, error) {
	ctx = detach(ctx, node)
	return Await(ctx, func(deliver func(map[string][]*stack.Object, error)) {
		e.FetchMany(ctx, node, reqs, deliver)
	})
}

// Await calls start and blocks until the callback it is given fires or ctx
// is done. Work already dispatched is not canceled.
func Await[T any](ctx context.Context, start func(deliver func(T, error))) (T, error) {
	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	start(func(v T, err error) { ch <- result{value: v, err: err} })

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// detach drops the caller's unit from ctx unless it is the node's, so the
// callback is not posted to a unit that is blocked waiting for it.
func detach(ctx context.Context, node *stack.Node) context.Context {
	caller := affinity.FromContext(ctx)
	if caller == nil {
		return ctx
	}
	if target, ok := node.Unit(); ok && target != caller {
		return affinity.WithUnit(ctx, nil)
	}
	return ctx
}

// dispatch runs work on node's unit and the continuation it returns on the
// caller's unit. fail reports work that could not be dispatched.
func (e *Executor) dispatch(ctx context.Context, node *stack.Node, work func(context.Context) func(), fail func(error)) {
	caller := affinity.FromContext(ctx)
	target, bound := node.Unit()
	if !bound || target == caller {
		work(ctx)()
		return
	}

	err := target.Submit(ctx, func(nodeCtx context.Context) {
		deliver := work(nodeCtx)
		if caller == nil {
			deliver()
			return
		}
		if err := caller.Submit(ctx, func(context.Context) { deliver() }); err != nil {
			e.logger.WarnContext(nodeCtx, "caller unit closed, delivering fetch result on the stack's unit",
				slog.String("stack_id", node.ID()),
				slog.String("caller", caller.String()),
			)
			deliver()
		}
	})
	if err != nil {
		fail(fmt.Errorf("dispatching fetch to stack %s: %w", node.ID(), err))
	}
}

func (e *Executor) execute(ctx context.Context, node *stack.Node, req domain.FetchRequest) ([]*stack.Object, error) {
	plan, err := query.Compile(req, e.cache)
	if err != nil {
		return nil, err
	}
	return node.Execute(ctx, plan)
}

func (e *Executor) executeMany(ctx context.Context, node *stack.Node, reqs []domain.FetchRequest) (map[string][]*stack.Object, error) {
	results := make(map[string][]*stack.Object, len(reqs))
	failed := make(map[string]error)
	seen := make(map[string]struct{}, len(reqs))

	for i, req := range reqs {
		position := fmt.Sprintf("#%d", i+1)
		key := req.Key
		if key == "" {
			key = position
		}
		if _, dup := seen[key]; dup {
			failed[position] = fmt.Errorf("%w: duplicate request key %q", domain.ErrInvalidInput, key)
			continue
		}
		seen[key] = struct{}{}

		objects, err := e.execute(ctx, node, req)
		if err != nil {
			failed[key] = err
			continue
		}
		results[key] = objects
	}

	if len(failed) > 0 {
		perr := &domain.PartialFetchError{NodeID: node.ID(), Failed: failed}
		e.logger.WarnContext(ctx, "fetch partially failed",
			slog.String("stack_id", node.ID()),
			slog.Any("failed", perr.FailedKeys()),
		)
		return results, perr
	}
	return results, nil
}
