// Package affinity confines stacks to execution units.
//
// A Unit is a serial queue served by one goroutine: work submitted to it runs
// in submission order, one item at a time. The unit a piece of code runs on
// travels in its context.Context, so confinement checks are explicit:
//
//	u := affinity.NewUnit("import")
//	defer u.Close()
//	err := u.Run(ctx, func(ctx context.Context) error {
//	    // affinity.FromContext(ctx) == u
//	    return node.Save(ctx)
//	})
package affinity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrUnitClosed is returned when work is submitted to a closed unit.
var ErrUnitClosed = errors.New("affinity: execution unit is closed")

type unitKey struct{}

// WithUnit returns a context that reports u as the current execution unit.
func WithUnit(ctx context.Context, u *Unit) context.Context {
	return context.WithValue(ctx, unitKey{}, u)
}

// FromContext returns the execution unit carried by ctx, or nil.
func FromContext(ctx context.Context) *Unit {
	u, _ := ctx.Value(unitKey{}).(*Unit)
	return u
}

type job struct {
	ctx context.Context
	fn  func(ctx context.Context)
}

// Unit is a serial execution unit.
type Unit struct {
	id     string
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []job
	closed bool
	done   chan struct{}
}

// UnitOption configures a Unit.
type UnitOption func(*Unit)

// WithUnitLogger sets the logger used to report panics in submitted work.
func WithUnitLogger(logger *slog.Logger) UnitOption {
	return func(u *Unit) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// NewUnit starts a new execution unit.
func NewUnit(name string, opts ...UnitOption) *Unit {
	u := &Unit{
		id:     uuid.New().String(),
		name:   name,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	u.cond = sync.NewCond(&u.mu)
	for _, opt := range opts {
		opt(u)
	}
	go u.loop()
	return u
}

// ID returns the unit's unique id.
func (u *Unit) ID() string { return u.id }

// Name returns the name the unit was created with.
func (u *Unit) Name() string { return u.name }

// String renders the unit for logs and errors.
func (u *Unit) String() string {
	if u == nil {
		return "<none>"
	}
	return u.name + "/" + u.id
}

func (u *Unit) loop() {
	defer close(u.done)
	for {
		u.mu.Lock()
		for len(u.queue) == 0 && !u.closed {
			u.cond.Wait()
		}
		if len(u.queue) == 0 {
			u.mu.Unlock()
			return
		}
		j := u.queue[0]
		u.queue[0] = job{}
		u.queue = u.queue[1:]
		u.mu.Unlock()

		u.execute(j)
	}
}

func (u *Unit) execute(j job) {
	defer func() {
		if r := recover(); r != nil {
			u.logger.Error("panic in execution unit",
				slog.String("unit", u.String()),
				slog.Any("panic", r),
			)
		}
	}()
	j.fn(j.ctx)
}

// Submit enqueues fn. It never blocks; fn runs later on the unit with a
// context that keeps ctx's values, drops its cancellation, and carries u.
func (u *Unit) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return fmt.Errorf("%w: %s", ErrUnitClosed, u)
	}
	u.queue = append(u.queue, job{
		ctx: WithUnit(context.WithoutCancel(ctx), u),
		fn:  fn,
	})
	u.cond.Signal()
	return nil
}

// Run executes fn on the unit and waits for it. When ctx already carries u,
// fn runs inline. If ctx is canceled while waiting, Run returns ctx.Err()
// but fn still runs to completion.
func (u *Unit) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if FromContext(ctx) == u {
		return fn(ctx)
	}

	result := make(chan error, 1)
	err := u.Submit(ctx, func(ctx context.Context) {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic on unit %s: %v", u, r)
			}
			result <- err
		}()
		err = fn(ctx)
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, lets queued work finish and waits for the
// unit's goroutine to exit. It must not be called from work running on u.
func (u *Unit) Close() {
	u.mu.Lock()
	u.closed = true
	u.cond.Broadcast()
	u.mu.Unlock()
	<-u.done
}
