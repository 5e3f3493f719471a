// Package stack implements hierarchical persistence contexts.
//
// A root Node owns a coordinator and its stores. Child nodes are isolated
// units of work whose saves merge into their parent's context; only a root
// save makes changes durable. Every node is confined to the execution unit
// it is bound to (see package affinity): the unit carried by the context of
// its constructor, or otherwise the first unit that uses it.
package stack

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"
	"weak"

	"github.com/google/uuid"

	"github.com/bcnelson/persistence-stack/internal/affinity"
	"github.com/bcnelson/persistence-stack/internal/coordinator"
	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/logging"
	"github.com/bcnelson/persistence-stack/internal/model"
	"github.com/bcnelson/persistence-stack/internal/service"
)

// State is the lifecycle state of a node.
type State int

const (
	StateCreated State = iota
	StateActive
	StateCleanedUp
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateCleanedUp:
		return "cleaned_up"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Node is a persistence context in a parent/child hierarchy.
type Node struct {
	id       string
	parentID string
	parent   weak.Pointer[Node]
	model    *model.Model
	coord    *coordinator.Coordinator
	registry *affinity.Registry
	logger   *slog.Logger
	cascade  bool
	wipe     bool
	autoSave *service.AutoSaveService

	mu       sync.RWMutex
	state    State
	objects  map[domain.ObjectID]*Object
	inserted map[domain.ObjectID]struct{}
	order    []domain.ObjectID
	updated  map[domain.ObjectID]struct{}
	deleted  map[domain.ObjectID]*Object
	original map[domain.ObjectID]map[string]any
	children map[string]struct{}
	// renamed maps the temporary identities this node's saves replaced to
	// their permanent form.
	renamed map[domain.ObjectID]domain.ObjectID
}

// Option configures a Node.
type Option func(*options)

type options struct {
	registry  *affinity.Registry
	logger    *slog.Logger
	unit      *affinity.Unit
	cascade   bool
	autoSave  time.Duration
	wipe      bool
	coordOpts []coordinator.Option
}

// WithRegistry binds the node in r instead of affinity.Default().
// Children inherit their parent's registry.
func WithRegistry(r *affinity.Registry) Option {
	return func(o *options) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithLogger sets the node's logger. Children inherit their parent's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithUnit binds the node to u at construction.
func WithUnit(u *affinity.Unit) Option {
	return func(o *options) { o.unit = u }
}

// WithCascadingSave makes a child's save continue with its parent's save,
// on the parent's unit, once the merge is done.
func WithCascadingSave() Option {
	return func(o *options) { o.cascade = true }
}

// WithAutoSave makes a root save itself debounce after the last merge from
// a child. Failures are logged.
func WithAutoSave(debounce time.Duration) Option {
	return func(o *options) { o.autoSave = debounce }
}

// WithDeleteStoresOnCleanup makes a root delete every store's physical
// resource on cleanup.
func WithDeleteStoresOnCleanup() Option {
	return func(o *options) { o.wipe = true }
}

// WithCoordinatorOptions passes options to the root's coordinator.
func WithCoordinatorOptions(opts ...coordinator.Option) Option {
	return func(o *options) { o.coordOpts = append(o.coordOpts, opts...) }
}

func newNode(m *model.Model, o options) *Node {
	return &Node{
		id:       uuid.New().String(),
		model:    m,
		registry: o.registry,
		logger:   o.logger,
		cascade:  o.cascade,
		wipe:     o.wipe,
		objects:  make(map[domain.ObjectID]*Object),
		inserted: make(map[domain.ObjectID]struct{}),
		updated:  make(map[domain.ObjectID]struct{}),
		deleted:  make(map[domain.ObjectID]*Object),
		original: make(map[domain.ObjectID]map[string]any),
		children: make(map[string]struct{}),
		renamed:  make(map[domain.ObjectID]domain.ObjectID),
	}
}

func (n *Node) bind(ctx context.Context, u *affinity.Unit) {
	if u == nil {
		u = affinity.FromContext(ctx)
	}
	if u != nil {
		n.registry.Bind(n.id, u)
	}
}

// NewRoot attaches descriptors to a new coordinator for m and returns a
// parentless node that owns it. When an attach fails, the stores attached
// so far are released and the *domain.StoreAttachError is returned.
func NewRoot(ctx context.Context, m *model.Model, descriptors []domain.StoreDescriptor, opts ...Option) (*Node, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: model is required", domain.ErrInvalidInput)
	}
	o := options{registry: affinity.Default(), logger: logging.FromContext(ctx)}
	for _, opt := range opts {
		opt(&o)
	}

	coordOpts := append([]coordinator.Option{coordinator.WithLogger(o.logger)}, o.coordOpts...)
	coord, err := coordinator.New(ctx, m, descriptors, coordOpts...)
	if err != nil {
		if cerr := coord.Cleanup(ctx); cerr != nil {
			o.logger.WarnContext(ctx, "releasing partially attached stores failed", slog.Any("error", cerr))
		}
		return nil, err
	}

	n := newNode(m, o)
	n.coord = coord
	if o.autoSave > 0 {
		n.autoSave = service.NewAutoSaveService(n, o.autoSave, o.logger)
	}
	n.bind(ctx, o.unit)

	o.logger.InfoContext(ctx, "root stack created",
		slog.String("stack_id", n.id),
		slog.String("model", m.Name),
		slog.Int("stores", len(descriptors)),
	)
	return n, nil
}

type childRef struct {
	id       string
	parent   weak.Pointer[Node]
	registry *affinity.Registry
}

// releaseChild runs when a child is collected without being cleaned up.
func releaseChild(ref childRef) {
	ref.registry.Release(ref.id)
	if p := ref.parent.Value(); p != nil {
		p.forgetChild(ref.id)
	}
}

// NewChild creates a node whose context is a child of parent's context.
// It fails with *domain.InvalidParentError when parent is cleaned up.
func NewChild(ctx context.Context, parent *Node, opts ...Option) (*Node, error) {
	if parent == nil {
		return nil, &domain.InvalidParentError{Reason: "parent is nil"}
	}
	o := options{registry: parent.registry, logger: parent.logger}
	for _, opt := range opts {
		opt(&o)
	}

	parent.mu.Lock()
	if parent.state == StateCleanedUp {
		parent.mu.Unlock()
		return nil, &domain.InvalidParentError{ParentID: parent.id, Reason: "parent is cleaned up"}
	}
	n := newNode(parent.model, o)
	n.parentID = parent.id
	n.parent = weak.Make(parent)
	parent.children[n.id] = struct{}{}
	parent.mu.Unlock()

	runtime.AddCleanup(n, releaseChild, childRef{id: n.id, parent: n.parent, registry: n.registry})
	n.bind(ctx, o.unit)

	n.logger.DebugContext(ctx, "child stack created",
		slog.String("stack_id", n.id),
		slog.String("parent_id", parent.id),
	)
	return n, nil
}

// ID returns the node's unique id.
func (n *Node) ID() string { return n.id }

// IsRoot reports whether the node owns a coordinator.
func (n *Node) IsRoot() bool { return n.coord != nil }

// Parent returns the parent node, or nil for a root or a collected parent.
func (n *Node) Parent() *Node { return n.parent.Value() }

// Model returns the model shared by the node's family.
func (n *Node) Model() *model.Model { return n.model }

// State returns the node's lifecycle state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Unit returns the execution unit the node is bound to.
func (n *Node) Unit() (*affinity.Unit, bool) {
	return n.registry.Bound(n.id)
}

// Children returns the ids of the node's live children.
func (n *Node) Children() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]string, 0, len(n.children))
	for id := range n.children {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Root returns the root of the node's lineage, or nil when an ancestor has
// been collected.
func (n *Node) Root() *Node {
	cur := n
	for cur.coord == nil {
		cur = cur.parent.Value()
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Coordinator returns the coordinator of the node's lineage.
func (n *Node) Coordinator() *coordinator.Coordinator {
	if root := n.Root(); root != nil {
		return root.coord
	}
	return nil
}

// AutoSave returns the root's auto-save service, or nil.
func (n *Node) AutoSave() *service.AutoSaveService { return n.autoSave }

func (n *Node) String() string {
	if n.coord != nil {
		return "root/" + n.id
	}
	return "child/" + n.id
}

// enter checks that op may run: the node is not cleaned up and ctx carries
// the node's unit. It runs before any state change.
func (n *Node) enter(ctx context.Context, op string) error {
	n.mu.RLock()
	closed := n.state == StateCleanedUp
	n.mu.RUnlock()
	if closed {
		return &domain.StackClosedError{NodeID: n.id, Op: op}
	}
	if err := n.registry.Check(n.id, affinity.FromContext(ctx)); err != nil {
		n.logger.WarnContext(ctx, "stack used outside its execution unit",
			slog.String("stack_id", n.id),
			slog.String("operation", op),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

// activate must be called with n.mu held.
func (n *Node) activate() {
	if n.state == StateCreated {
		n.state = StateActive
	}
}

func (n *Node) forgetChild(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.children, id)
}

// Cleanup tears the node down. A root detaches its stores, which
// invalidates every identity sourced from them; a child discards its
// context. A node with live children fails with
// *domain.DescendantsActiveError. Cleaning up twice is a no-op.
func (n *Node) Cleanup(ctx context.Context) error {
	n.mu.RLock()
	closed := n.state == StateCleanedUp
	n.mu.RUnlock()
	if closed {
		return nil
	}
	if err := n.enter(ctx, "cleanup"); err != nil {
		return err
	}

	n.mu.Lock()
	if n.state == StateCleanedUp {
		n.mu.Unlock()
		return nil
	}
	if len(n.children) > 0 {
		ids := make([]string, 0, len(n.children))
		for id := range n.children {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		n.mu.Unlock()
		return &domain.DescendantsActiveError{NodeID: n.id, Children: ids}
	}
	discarded := len(n.inserted) + len(n.updated) + len(n.deleted)
	n.state = StateCleanedUp
	clear(n.objects)
	clear(n.inserted)
	clear(n.updated)
	clear(n.deleted)
	clear(n.original)
	clear(n.renamed)
	n.order = nil
	n.mu.Unlock()

	n.registry.Release(n.id)
	if n.autoSave != nil {
		n.autoSave.Stop()
	}

	var err error
	if n.coord != nil {
		var opts []coordinator.CleanupOption
		if n.wipe {
			opts = append(opts, coordinator.WithDeleteStores())
		}
		if cerr := n.coord.Cleanup(ctx, opts...); cerr != nil {
			err = &domain.CleanupError{NodeID: n.id, Cause: cerr}
		}
	} else if p := n.parent.Value(); p != nil {
		p.forgetChild(n.id)
	}

	n.logger.InfoContext(ctx, "stack cleaned up",
		slog.String("stack_id", n.id),
		slog.Bool("root", n.coord != nil),
		slog.Int("discarded_changes", discarded),
	)
	return err
}
