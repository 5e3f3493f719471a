package stack

import (
	"maps"

	"github.com/bcnelson/persistence-stack/internal/domain"
)

// Object is the instance of a persisted object inside one node's context.
// The same identity has a distinct Object in every context that uses it.
type Object struct {
	node    *Node
	id      domain.ObjectID
	attrs   map[string]any
	deleted bool
}

// ID returns the object's identity. A temporary identity is replaced by a
// permanent one when the owning node saves.
func (o *Object) ID() domain.ObjectID {
	o.node.mu.RLock()
	defer o.node.mu.RUnlock()
	return o.id
}

// Entity returns the object's entity name.
func (o *Object) Entity() string {
	return o.ID().Entity
}

// Node returns the node whose context owns the object.
func (o *Object) Node() *Node { return o.node }

// Get returns one attribute value.
func (o *Object) Get(name string) (any, bool) {
	o.node.mu.RLock()
	defer o.node.mu.RUnlock()
	v, ok := o.attrs[name]
	return v, ok
}

// Attributes returns a copy of the object's attributes.
func (o *Object) Attributes() map[string]any {
	o.node.mu.RLock()
	defer o.node.mu.RUnlock()
	return maps.Clone(o.attrs)
}

// IsDeleted reports whether the object was deleted from its context.
func (o *Object) IsDeleted() bool {
	o.node.mu.RLock()
	defer o.node.mu.RUnlock()
	return o.deleted
}

// record snapshots the object. The caller holds o.node.mu.
func (o *Object) record() domain.Record {
	return domain.Record{ID: o.id, Attributes: maps.Clone(o.attrs)}
}
