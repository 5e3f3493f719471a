package stack

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/query"
)

// Insert adds a new object of entity to the node's context under a
// temporary identity.
func (n *Node) Insert(ctx context.Context, entity string, attrs map[string]any) (*Object, error) {
	if err := n.enter(ctx, "insert"); err != nil {
		return nil, err
	}
	if err := n.model.ValidateAttributes(entity, attrs, false); err != nil {
		return nil, err
	}

	obj := &Object{node: n, id: domain.NewTemporaryID(entity), attrs: maps.Clone(attrs)}
	if obj.attrs == nil {
		obj.attrs = make(map[string]any)
	}

	n.mu.Lock()
	n.activate()
	n.objects[obj.id] = obj
	n.inserted[obj.id] = struct{}{}
	n.order = append(n.order, obj.id)
	n.mu.Unlock()

	n.logger.DebugContext(ctx, "object inserted",
		slog.String("stack_id", n.id),
		slog.String("object_id", obj.id.String()),
	)
	return obj, nil
}

// Update sets attributes on obj. A nil value removes the attribute.
func (n *Node) Update(ctx context.Context, obj *Object, attrs map[string]any) error {
	if err := n.enter(ctx, "update"); err != nil {
		return err
	}
	if err := n.owns(obj); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if obj.deleted {
		return fmt.Errorf("%w: object %s was deleted", domain.ErrNotFound, obj.id)
	}

	next := maps.Clone(obj.attrs)
	for k, v := range attrs {
		if v == nil {
			delete(next, k)
			continue
		}
		next[k] = v
	}
	if err := n.model.ValidateAttributes(obj.id.Entity, next, false); err != nil {
		return err
	}

	n.activate()
	id := obj.id
	if !n.isDirty(id) {
		n.original[id] = obj.attrs
		n.updated[id] = struct{}{}
	}
	obj.attrs = next
	return nil
}

// Delete removes obj from the node's context. Deleting an object inserted
// in this context discards it. Deleting twice is a no-op.
func (n *Node) Delete(ctx context.Context, obj *Object) error {
	if err := n.enter(ctx, "delete"); err != nil {
		return err
	}
	if err := n.owns(obj); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if obj.deleted {
		return nil
	}
	n.activate()

	id := obj.id
	obj.deleted = true
	delete(n.objects, id)
	if n.isInserted(id) {
		n.dropInsert(id)
		return nil
	}
	if _, ok := n.original[id]; !ok {
		n.original[id] = maps.Clone(obj.attrs)
	}
	delete(n.updated, id)
	n.deleted[id] = obj
	return nil
}

// Object returns the node's instance of the object identified by id,
// loading it through the parent chain when the context has not seen it.
// Identities from a store that is no longer attached fail with
// *domain.DanglingIdentityError; temporary identities only resolve in the
// context that created them.
func (n *Node) Object(ctx context.Context, id domain.ObjectID) (*Object, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: empty object identity", domain.ErrInvalidInput)
	}
	if err := n.enter(ctx, "object"); err != nil {
		return nil, err
	}
	if !id.IsTemporary() {
		if c := n.Coordinator(); c == nil || !c.IsLive(id.StoreID) {
			return nil, &domain.DanglingIdentityError{ID: id}
		}
	}

	n.mu.RLock()
	obj, ok := n.objects[id]
	_, gone := n.deleted[id]
	n.mu.RUnlock()
	switch {
	case gone:
		return nil, fmt.Errorf("%w: object %s was deleted", domain.ErrNotFound, id)
	case ok:
		return obj, nil
	case id.IsTemporary():
		return nil, fmt.Errorf("%w: temporary identity %s is not registered in stack %s", domain.ErrNotFound, id, n.id)
	}

	rec, err := n.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return n.materialize([]domain.Record{rec})[0], nil
}

// Execute runs a compiled fetch against the node's context: committed
// records as seen through every ancestor, overlaid with this context's
// pending changes.
func (n *Node) Execute(ctx context.Context, plan *query.Plan) ([]*Object, error) {
	if err := n.enter(ctx, "fetch"); err != nil {
		return nil, err
	}
	entity := plan.Request.Entity
	if _, ok := n.model.Entity(entity); !ok {
		return nil, fmt.Errorf("%w: unknown entity %q", domain.ErrInvalidInput, entity)
	}

	records, err := n.records(ctx, entity)
	if err != nil {
		return nil, err
	}
	matched, err := plan.Apply(records)
	if err != nil {
		return nil, err
	}
	return n.materialize(matched), nil
}

// HasChanges reports whether the context has pending changes.
func (n *Node) HasChanges() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.inserted)+len(n.updated)+len(n.deleted) > 0
}

// Rollback discards the context's pending changes. Updated and deleted
// objects get their last saved attributes back.
func (n *Node) Rollback(ctx context.Context) error {
	if err := n.enter(ctx, "rollback"); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.activate()

	for id := range n.inserted {
		if obj, ok := n.objects[id]; ok {
			obj.deleted = true
			delete(n.objects, id)
		}
	}
	for id := range n.updated {
		obj := n.objects[id]
		if orig, ok := n.original[id]; ok {
			obj.attrs = orig
			continue
		}
		// Merged from a child without a prior instance here.
		delete(n.objects, id)
	}
	for id, obj := range n.deleted {
		if obj == nil {
			continue
		}
		if orig, ok := n.original[id]; ok {
			obj.attrs = orig
		}
		obj.deleted = false
		n.objects[id] = obj
	}

	clear(n.inserted)
	clear(n.updated)
	clear(n.deleted)
	clear(n.original)
	n.order = nil
	return nil
}

func (n *Node) owns(obj *Object) error {
	if obj == nil {
		return fmt.Errorf("%w: object is nil", domain.ErrInvalidInput)
	}
	if obj.node != n {
		return fmt.Errorf("%w: object belongs to stack %s, not %s", domain.ErrInvalidInput, obj.node.id, n.id)
	}
	return nil
}

// The helpers below expect n.mu to be held.

func (n *Node) isInserted(id domain.ObjectID) bool {
	_, ok := n.inserted[id]
	return ok
}

func (n *Node) isDirty(id domain.ObjectID) bool {
	if n.isInserted(id) {
		return true
	}
	_, ok := n.updated[id]
	return ok
}

func (n *Node) dropInsert(id domain.ObjectID) {
	delete(n.inserted, id)
	n.order = slices.DeleteFunc(n.order, func(o domain.ObjectID) bool { return o == id })
}

// records returns the records of entity visible in the context: the
// parent's view (or the stores, for a root) with this context's changes on
// top. Pending inserts follow in insertion order.
func (n *Node) records(ctx context.Context, entity string) ([]domain.Record, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var (
		base []domain.Record
		err  error
	)
	if n.coord != nil {
		base, err = n.coord.Load(ctx, entity)
	} else {
		parent := n.parent.Value()
		if parent == nil {
			return nil, &domain.InvalidParentError{ParentID: n.parentID, Reason: "parent is gone"}
		}
		base, err = parent.records(ctx, entity)
	}
	if err != nil {
		return nil, err
	}

	out := make([]domain.Record, 0, len(base)+len(n.order))
	for _, rec := range base {
		if _, gone := n.deleted[rec.ID]; gone {
			continue
		}
		if n.isInserted(rec.ID) {
			continue
		}
		if _, dirty := n.updated[rec.ID]; dirty {
			out = append(out, n.objects[rec.ID].record())
			continue
		}
		out = append(out, rec)
	}
	for _, id := range n.order {
		if id.Entity == entity {
			out = append(out, n.objects[id].record())
		}
	}
	return out, nil
}

// lookup returns the record for id as visible in the context.
func (n *Node) lookup(ctx context.Context, id domain.ObjectID) (domain.Record, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if _, gone := n.deleted[id]; gone {
		return domain.Record{}, fmt.Errorf("%w: object %s was deleted", domain.ErrNotFound, id)
	}
	if obj, ok := n.objects[id]; ok && n.isDirty(id) {
		return obj.record(), nil
	}
	if n.coord != nil {
		return n.coord.Get(ctx, id)
	}
	parent := n.parent.Value()
	if parent == nil {
		return domain.Record{}, &domain.InvalidParentError{ParentID: n.parentID, Reason: "parent is gone"}
	}
	return parent.lookup(ctx, id)
}

// materialize returns the context's instances for records, registering
// new ones. Instances without pending changes are refreshed.
func (n *Node) materialize(records []domain.Record) []*Object {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.activate()

	out := make([]*Object, 0, len(records))
	for _, rec := range records {
		obj, ok := n.objects[rec.ID]
		switch {
		case !ok:
			obj = &Object{node: n, id: rec.ID, attrs: rec.Clone().Attributes}
			if obj.attrs == nil {
				obj.attrs = make(map[string]any)
			}
			n.objects[rec.ID] = obj
		case !n.isDirty(rec.ID):
			obj.attrs = rec.Clone().Attributes
		}
		out = append(out, obj)
	}
	return out
}
