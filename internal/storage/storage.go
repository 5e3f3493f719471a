package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/model"
)

// Backend is one physical store attached to a coordinator. Records passed in
// and out carry the entity and key of their identity; the store id is owned
// by the coordinator and ignored by backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Close releases the backend's connection.
	Close() error

	// Destroy closes the backend and deletes its physical resource.
	Destroy(ctx context.Context) error

	// Load returns every committed record of entity.
	Load(ctx context.Context, entity string) ([]domain.Record, error)

	// Get returns one committed record.
	Get(ctx context.Context, entity, key string) (domain.Record, error)

	// Transaction support
	BeginTx(ctx context.Context) (Transaction, error)
}

// Transaction groups the writes of one save against a single backend.
type Transaction interface {
	Insert(ctx context.Context, rec domain.Record) error
	Update(ctx context.Context, rec domain.Record) error
	Delete(ctx context.Context, entity, key string) error
	Commit() error
	Rollback() error
}

// Opener creates a backend for a descriptor and model.
type Opener func(ctx context.Context, desc domain.Descriptor, m *model.Model) (Backend, error)

var (
	openersMu sync.RWMutex
	openers   = make(map[string]Opener)
)

// Register makes an opener available for a store type. Backend packages
// call it from init.
func Register(storeType string, open Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[storeType] = open
}

// Open creates a backend using the opener registered for desc.Type().
func Open(ctx context.Context, desc domain.Descriptor, m *model.Model) (Backend, error) {
	openersMu.RLock()
	open, ok := openers[desc.Type()]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedStore, desc.Type())
	}
	return open(ctx, desc, m)
}

// Apply writes changes through a single transaction, rolling back on the
// first failure.
func Apply(ctx context.Context, b Backend, changes domain.ChangeSet) error {
	tx, err := b.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := applyTx(ctx, tx, changes); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func applyTx(ctx context.Context, tx Transaction, changes domain.ChangeSet) error {
	for _, rec := range changes.Inserted {
		if err := tx.Insert(ctx, rec); err != nil {
			return fmt.Errorf("inserting %s: %w", rec.ID, err)
		}
	}
	for _, rec := range changes.Updated {
		if err := tx.Update(ctx, rec); err != nil {
			return fmt.Errorf("updating %s: %w", rec.ID, err)
		}
	}
	for _, id := range changes.Deleted {
		if err := tx.Delete(ctx, id.Entity, id.Key); err != nil {
			return fmt.Errorf("deleting %s: %w", id, err)
		}
	}
	return nil
}
