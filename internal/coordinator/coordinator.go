// Package coordinator owns the physical stores behind a root stack and is
// the only path by which changes become durable.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/model"
	"github.com/bcnelson/persistence-stack/internal/storage"

	// Default backends.
	_ "github.com/bcnelson/persistence-stack/internal/storage/memory"
	_ "github.com/bcnelson/persistence-stack/internal/storage/sql"
)

// ErrNoStoreForEntity is returned when no attached store hosts an entity.
var ErrNoStoreForEntity = errors.New("no attached store hosts entity")

// StoreInfo describes one attached store.
type StoreInfo struct {
	ID         string            `json:"id"`
	Descriptor domain.Descriptor `json:"descriptor"`
}

type attachedStore struct {
	id      string
	desc    domain.Descriptor
	backend storage.Backend
}

// Coordinator owns zero or more attached stores for one model.
// It is safe for concurrent use; mutation is expected to come only from the
// root stack's save and cleanup.
type Coordinator struct {
	model  *model.Model
	open   storage.Opener
	logger *slog.Logger

	mu     sync.RWMutex
	stores []*attachedStore
	closed bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOpener replaces the backend opener, which defaults to storage.Open.
func WithOpener(open storage.Opener) Option {
	return func(c *Coordinator) {
		if open != nil {
			c.open = open
		}
	}
}

// New creates a coordinator and attaches descriptors in order. On the first
// failure it returns the partially attached coordinator together with a
// *domain.StoreAttachError; the caller must Cleanup it.
func New(ctx context.Context, m *model.Model, descriptors []domain.StoreDescriptor, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		model:  m,
		open:   storage.Open,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, sd := range descriptors {
		if err := c.Attach(ctx, sd); err != nil {
			return c, err
		}
	}
	return c, nil
}

// Model returns the coordinator's model.
func (c *Coordinator) Model() *model.Model {
	return c.model
}

// Attach opens the backend for sd and adds it after the existing stores.
func (c *Coordinator) Attach(ctx context.Context, sd domain.StoreDescriptor) error {
	if sd == nil {
		return &domain.StoreAttachError{Cause: fmt.Errorf("%w: store descriptor is nil", domain.ErrInvalidInput)}
	}
	desc := domain.DescriptorOf(sd)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return &domain.StoreAttachError{Descriptor: desc, Cause: domain.ErrStackClosed}
	}
	for _, s := range c.stores {
		if s.desc.Key() == desc.Key() {
			return &domain.DuplicateStoreError{Descriptor: desc, StoreID: s.id}
		}
	}
	if desc.Type() == "" {
		return &domain.StoreAttachError{Descriptor: desc, Cause: fmt.Errorf("%w: store type is required", domain.ErrInvalidInput)}
	}
	if cfg := desc.Configuration(); cfg != "" && !c.model.HasConfiguration(cfg) {
		return &domain.StoreAttachError{
			Descriptor: desc,
			Cause:      fmt.Errorf("%w: model %s has no configuration %q", domain.ErrInvalidInput, c.model.Name, cfg),
		}
	}

	backend, err := c.open(ctx, desc, c.model)
	if err != nil {
		return &domain.StoreAttachError{Descriptor: desc, Cause: err}
	}

	s := &attachedStore{id: uuid.New().String(), desc: desc, backend: backend}
	c.stores = append(c.stores, s)

	c.logger.InfoContext(ctx, "store attached",
		slog.String("store_id", s.id),
		slog.String("type", desc.Type()),
		slog.String("location", desc.URL()),
		slog.String("configuration", desc.Configuration()),
	)
	return nil
}

// Stores lists the attached stores in attach order.
func (c *Coordinator) Stores() []StoreInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	infos := make([]StoreInfo, 0, len(c.stores))
	for _, s := range c.stores {
		infos = append(infos, StoreInfo{ID: s.id, Descriptor: s.desc})
	}
	return infos
}

// IsLive reports whether storeID is currently attached. Identities of
// stores that are not live are dangling.
func (c *Coordinator) IsLive(storeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.find(storeID) != nil
}

// IsClosed reports whether Cleanup has run.
func (c *Coordinator) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Coordinator) find(storeID string) *attachedStore {
	for _, s := range c.stores {
		if s.id == storeID {
			return s
		}
	}
	return nil
}

// storeFor returns the first store whose configuration hosts entity.
func (c *Coordinator) storeFor(entity string) (*attachedStore, error) {
	for _, s := range c.stores {
		if c.model.Hosts(s.desc.Configuration(), entity) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrNoStoreForEntity, entity)
}

// NewIdentity mints a permanent identity for a new object of entity in the
// store that hosts it.
func (c *Coordinator) NewIdentity(entity string) (domain.ObjectID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, err := c.storeFor(entity)
	if err != nil {
		return domain.ObjectID{}, err
	}
	return domain.ObjectID{StoreID: s.id, Entity: entity, Key: uuid.New().String()}, nil
}

// Load returns the committed records of entity from every store hosting it.
func (c *Coordinator) Load(ctx context.Context, entity string) ([]domain.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []domain.Record
	for _, s := range c.stores {
		if !c.model.Hosts(s.desc.Configuration(), entity) {
			continue
		}
		records, err := s.backend.Load(ctx, entity)
		if err != nil {
			return nil, fmt.Errorf("loading %s from store %s: %w", entity, s.id, err)
		}
		for i := range records {
			records[i].ID.StoreID = s.id
		}
		out = append(out, records...)
	}
	return out, nil
}

// Get returns one committed record.
func (c *Coordinator) Get(ctx context.Context, id domain.ObjectID) (domain.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.find(id.StoreID)
	if s == nil {
		return domain.Record{}, &domain.DanglingIdentityError{ID: id}
	}
	rec, err := s.backend.Get(ctx, id.Entity, id.Key)
	if err != nil {
		return domain.Record{}, err
	}
	rec.ID.StoreID = s.id
	return rec, nil
}

// Save writes changes, one transaction per store. It returns the failures
// keyed by store id; stores that are absent from the result committed.
// Stores are not rolled back when another store fails.
func (c *Coordinator) Save(ctx context.Context, changes domain.ChangeSet) map[string]error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	failures := make(map[string]error)
	parts := make(map[string]*domain.ChangeSet)
	var order []string
	part := func(id domain.ObjectID) *domain.ChangeSet {
		p, ok := parts[id.StoreID]
		if !ok {
			p = &domain.ChangeSet{}
			parts[id.StoreID] = p
			order = append(order, id.StoreID)
		}
		return p
	}
	for _, rec := range changes.Inserted {
		p := part(rec.ID)
		p.Inserted = append(p.Inserted, rec)
	}
	for _, rec := range changes.Updated {
		p := part(rec.ID)
		p.Updated = append(p.Updated, rec)
	}
	for _, id := range changes.Deleted {
		p := part(id)
		p.Deleted = append(p.Deleted, id)
	}

	for _, storeID := range order {
		p := parts[storeID]
		s := c.find(storeID)
		if s == nil {
			failures[storeID] = fmt.Errorf("%w: store %s is not attached", domain.ErrDanglingIdentity, storeID)
			continue
		}
		if err := storage.Apply(ctx, s.backend, *p); err != nil {
			failures[storeID] = err
			c.logger.ErrorContext(ctx, "store save failed",
				slog.String("operation", "Coordinator.Save"),
				slog.String("store_id", storeID),
				slog.Int("changes", p.Len()),
				slog.Any("error", err),
			)
			continue
		}
		c.logger.DebugContext(ctx, "store saved",
			slog.String("store_id", storeID),
			slog.Int("changes", p.Len()),
		)
	}
	return failures
}

// CleanupOption configures Cleanup.
type CleanupOption func(*cleanupOptions)

type cleanupOptions struct {
	deleteStores bool
}

// WithDeleteStores deletes every store's physical resource, not only those
// whose descriptor asks for it.
func WithDeleteStores() CleanupOption {
	return func(o *cleanupOptions) { o.deleteStores = true }
}

// Cleanup detaches every store, deleting the physical resource where
// requested, and invalidates all identities. Calling it again is a no-op.
func (c *Coordinator) Cleanup(ctx context.Context, opts ...CleanupOption) error {
	var o cleanupOptions
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs error
	for _, s := range c.stores {
		var err error
		if o.deleteStores || s.desc.Bool(domain.OptionDeleteOnCleanup) {
			err = s.backend.Destroy(ctx)
		} else {
			err = s.backend.Close()
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("store %s: %w", s.id, err))
		}
	}
	c.logger.InfoContext(ctx, "stores detached", slog.Int("stores", len(c.stores)))
	c.stores = nil
	return errs
}
