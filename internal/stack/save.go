package stack

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/bcnelson/persistence-stack/internal/coordinator"
	"github.com/bcnelson/persistence-stack/internal/domain"
)

// Save commits the context's pending changes one level up.
//
// A root writes them to its stores, one transaction per store. Stores that
// fail are reported in (*domain.SaveError).StoreFailures and their changes
// stay pending, so a retry only resends those; stores that succeeded are
// not rolled back.
//
// A child gives temporary identities their permanent form and merges its
// changes into the parent's context, where they are pending until the
// parent saves. With WithCascadingSave the parent's save follows on the
// parent's unit.
func (n *Node) Save(ctx context.Context) error {
	if err := n.enter(ctx, "save"); err != nil {
		return err
	}
	if n.coord != nil {
		return n.saveRoot(ctx)
	}
	return n.saveChild(ctx)
}

func (n *Node) saveRoot(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.activate()

	if err := n.assignPermanentIDs(n.coord); err != nil {
		return &domain.SaveError{NodeID: n.id, Cause: err}
	}
	changes := n.changeSet()
	if changes.IsEmpty() {
		return nil
	}

	failures := n.coord.Save(ctx, changes)
	n.settle(changes, failures)
	if len(failures) > 0 {
		n.logger.ErrorContext(ctx, "stack save incomplete",
			slog.String("stack_id", n.id),
			slog.Int("changes", changes.Len()),
			slog.Int("failed_stores", len(failures)),
		)
		return &domain.SaveError{NodeID: n.id, StoreFailures: failures}
	}

	n.logger.InfoContext(ctx, "stack saved",
		slog.String("stack_id", n.id),
		slog.Int("inserted", len(changes.Inserted)),
		slog.Int("updated", len(changes.Updated)),
		slog.Int("deleted", len(changes.Deleted)),
	)
	return nil
}

func (n *Node) saveChild(ctx context.Context) error {
	parent := n.parent.Value()
	if parent == nil {
		return &domain.SaveError{
			NodeID: n.id,
			Cause:  &domain.InvalidParentError{ParentID: n.parentID, Reason: "parent is gone"},
		}
	}
	coord := n.Coordinator()
	if coord == nil {
		return &domain.SaveError{
			NodeID: n.id,
			Cause:  &domain.InvalidParentError{ParentID: n.parentID, Reason: "lineage has no root"},
		}
	}

	n.mu.Lock()
	n.activate()
	n.adoptPermanentIDs()
	if err := n.assignPermanentIDs(coord); err != nil {
		n.mu.Unlock()
		return &domain.SaveError{NodeID: n.id, Cause: err}
	}
	changes := n.changeSet()
	if !changes.IsEmpty() {
		if err := parent.merge(ctx, n.id, changes); err != nil {
			n.mu.Unlock()
			return &domain.SaveError{NodeID: n.id, Cause: err}
		}
		n.settle(changes, nil)
	}
	n.mu.Unlock()

	n.logger.DebugContext(ctx, "child stack saved",
		slog.String("stack_id", n.id),
		slog.String("parent_id", parent.id),
		slog.Int("changes", changes.Len()),
	)

	if !n.cascade {
		return nil
	}
	return n.cascadeTo(ctx, parent)
}

// cascadeTo saves parent on its own unit.
func (n *Node) cascadeTo(ctx context.Context, parent *Node) error {
	save := func(ctx context.Context) error { return parent.Save(ctx) }

	var err error
	if u, ok := parent.Unit(); ok {
		err = u.Run(ctx, save)
	} else {
		err = save(ctx)
	}
	if err == nil {
		return nil
	}

	var saveErr *domain.SaveError
	if errors.As(err, &saveErr) && saveErr.Child == "" {
		cascaded := *saveErr
		cascaded.Child = n.id
		return &cascaded
	}
	return &domain.SaveError{NodeID: parent.id, Child: n.id, Cause: err}
}

// merge applies a child's saved changes to n's context. Changes to the same
// object from different children apply in arrival order, the last one
// winning. Temporary identities that n or an ancestor has already made
// permanent are rewritten first.
func (n *Node) merge(ctx context.Context, childID string, changes domain.ChangeSet) error {
	n.mu.Lock()
	if n.state == StateCleanedUp {
		n.mu.Unlock()
		return &domain.StackClosedError{NodeID: n.id, Op: "merge"}
	}
	changes, err := n.resolveTemporary(changes)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	n.adoptPermanentIDs()
	n.activate()
	for _, rec := range changes.Inserted {
		n.mergeRecord(rec, true)
	}
	for _, rec := range changes.Updated {
		n.mergeRecord(rec, false)
	}
	for _, id := range changes.Deleted {
		n.mergeDelete(id)
	}
	n.mu.Unlock()

	n.logger.DebugContext(ctx, "merged child changes",
		slog.String("stack_id", n.id),
		slog.String("child_id", childID),
		slog.Int("changes", changes.Len()),
	)
	if n.autoSave != nil {
		n.autoSave.TriggerSave()
	}
	return nil
}

// mergeRecord expects n.mu to be held.
func (n *Node) mergeRecord(rec domain.Record, inserted bool) {
	id := rec.ID
	obj, ok := n.objects[id]
	switch {
	case ok:
		if !n.isDirty(id) {
			if _, saved := n.original[id]; !saved {
				n.original[id] = obj.attrs
			}
		}
	case n.deleted[id] != nil:
		obj = n.deleted[id]
		obj.deleted = false
		n.objects[id] = obj
	default:
		obj = &Object{node: n, id: id}
		n.objects[id] = obj
	}
	obj.attrs = rec.Clone().Attributes
	if obj.attrs == nil {
		obj.attrs = make(map[string]any)
	}
	delete(n.deleted, id)

	switch {
	case n.isInserted(id):
	case inserted:
		n.inserted[id] = struct{}{}
		n.order = append(n.order, id)
	default:
		n.updated[id] = struct{}{}
	}
}

// mergeDelete expects n.mu to be held.
func (n *Node) mergeDelete(id domain.ObjectID) {
	obj := n.objects[id]
	if obj != nil {
		obj.deleted = true
		delete(n.objects, id)
	}
	if n.isInserted(id) {
		n.dropInsert(id)
		return
	}
	if obj != nil {
		if _, saved := n.original[id]; !saved {
			n.original[id] = maps.Clone(obj.attrs)
		}
	}
	delete(n.updated, id)
	n.deleted[id] = obj
}

// assignPermanentIDs gives every pending insert with a temporary identity
// a permanent one. It expects n.mu to be held.
func (n *Node) assignPermanentIDs(coord *coordinator.Coordinator) error {
	for i, id := range n.order {
		if !id.IsTemporary() {
			continue
		}
		permanent, err := coord.NewIdentity(id.Entity)
		if err != nil {
			return err
		}
		obj := n.objects[id]
		obj.id = permanent
		delete(n.objects, id)
		n.objects[permanent] = obj
		delete(n.inserted, id)
		n.inserted[permanent] = struct{}{}
		n.order[i] = permanent
		n.renamed[id] = permanent
	}
	return nil
}

// permanentFor returns the permanent identity n or one of its ancestors
// gave the temporary id. It expects n.mu to be held; ancestors are
// read-locked one at a time, child before parent.
func (n *Node) permanentFor(id domain.ObjectID) (domain.ObjectID, bool) {
	if p, ok := n.renamed[id]; ok {
		return p, true
	}
	for cur := n.parent.Value(); cur != nil; cur = cur.parent.Value() {
		cur.mu.RLock()
		p, ok := cur.renamed[id]
		cur.mu.RUnlock()
		if ok {
			return p, true
		}
	}
	return domain.ObjectID{}, false
}

// adoptPermanentIDs re-keys instances this context holds under a temporary
// identity that an ancestor has since made permanent. It expects n.mu to be
// held.
func (n *Node) adoptPermanentIDs() {
	var stale []domain.ObjectID
	for id := range n.objects {
		if id.IsTemporary() && !n.isInserted(id) {
			stale = append(stale, id)
		}
	}
	for id := range n.deleted {
		if id.IsTemporary() {
			stale = append(stale, id)
		}
	}

	for _, id := range stale {
		permanent, ok := n.permanentFor(id)
		if !ok {
			continue
		}
		if obj, ok := n.objects[id]; ok {
			obj.id = permanent
			delete(n.objects, id)
			n.objects[permanent] = obj
		}
		if _, ok := n.updated[id]; ok {
			delete(n.updated, id)
			n.updated[permanent] = struct{}{}
		}
		if obj, ok := n.deleted[id]; ok {
			if obj != nil {
				obj.id = permanent
			}
			delete(n.deleted, id)
			n.deleted[permanent] = obj
		}
		if attrs, ok := n.original[id]; ok {
			delete(n.original, id)
			n.original[permanent] = attrs
		}
	}
}

// resolveTemporary rewrites the temporary identities in a child's changes
// that are not pending inserts of n. A root rejects one it cannot map to a
// permanent identity, since no store would accept it. It expects n.mu to be
// held.
func (n *Node) resolveTemporary(changes domain.ChangeSet) (domain.ChangeSet, error) {
	resolve := func(id domain.ObjectID) (domain.ObjectID, error) {
		if !id.IsTemporary() || n.isInserted(id) {
			return id, nil
		}
		if permanent, ok := n.permanentFor(id); ok {
			return permanent, nil
		}
		if n.coord != nil {
			return id, fmt.Errorf("%w: temporary identity %s is unknown to stack %s", domain.ErrNotFound, id, n.id)
		}
		return id, nil
	}
	resolveRecords := func(records []domain.Record) ([]domain.Record, error) {
		if records == nil {
			return nil, nil
		}
		out := make([]domain.Record, len(records))
		for i, rec := range records {
			id, err := resolve(rec.ID)
			if err != nil {
				return nil, err
			}
			out[i] = domain.Record{ID: id, Attributes: rec.Attributes}
		}
		return out, nil
	}

	var (
		out domain.ChangeSet
		err error
	)
	if out.Inserted, err = resolveRecords(changes.Inserted); err != nil {
		return domain.ChangeSet{}, err
	}
	if out.Updated, err = resolveRecords(changes.Updated); err != nil {
		return domain.ChangeSet{}, err
	}
	for _, id := range changes.Deleted {
		resolved, err := resolve(id)
		if err != nil {
			return domain.ChangeSet{}, err
		}
		out.Deleted = append(out.Deleted, resolved)
	}
	return out, nil
}

// changeSet snapshots the pending changes. It expects n.mu to be held.
func (n *Node) changeSet() domain.ChangeSet {
	var changes domain.ChangeSet
	for _, id := range n.order {
		changes.Inserted = append(changes.Inserted, n.objects[id].record())
	}
	for _, id := range sortedIDs(maps.Keys(n.updated)) {
		changes.Updated = append(changes.Updated, n.objects[id].record())
	}
	changes.Deleted = sortedIDs(maps.Keys(n.deleted))
	return changes
}

// settle clears the pending state of changes that were committed, that is
// all of them except those routed to a store in failures. It expects n.mu
// to be held.
func (n *Node) settle(changes domain.ChangeSet, failures map[string]error) {
	committed := func(id domain.ObjectID) bool {
		_, failed := failures[id.StoreID]
		return !failed
	}
	for _, rec := range changes.Inserted {
		if committed(rec.ID) {
			n.dropInsert(rec.ID)
		}
	}
	for _, rec := range changes.Updated {
		if committed(rec.ID) {
			delete(n.updated, rec.ID)
			delete(n.original, rec.ID)
		}
	}
	for _, id := range changes.Deleted {
		if committed(id) {
			delete(n.deleted, id)
			delete(n.original, id)
		}
	}
}

func sortedIDs(keys iter.Seq[domain.ObjectID]) []domain.ObjectID {
	ids := slices.Collect(keys)
	slices.SortFunc(ids, func(a, b domain.ObjectID) int {
		return strings.Compare(a.String(), b.String())
	})
	return ids
}
