// Package identity converts between object instances and their identities
// so objects can be handed from one stack to another.
package identity

import (
	"context"
	"errors"

	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/stack"
)

// IdentitiesOf returns the identities of objects in order.
func IdentitiesOf(objects []*stack.Object) []domain.ObjectID {
	ids := make([]domain.ObjectID, 0, len(objects))
	for _, obj := range objects {
		ids = append(ids, obj.ID())
	}
	return ids
}

// Resolved is the outcome of resolving one identity. Exactly one of Object
// and Err is set.
type Resolved struct {
	ID     domain.ObjectID
	Object *stack.Object
	Err    error
}

// Dangling reports whether the identity's store is no longer attached.
func (r Resolved) Dangling() bool {
	return errors.Is(r.Err, domain.ErrDanglingIdentity)
}

// ObjectsOf resolves ids to node's instances, element by element and in
// order. It must run on node's unit. Once a root is cleaned up, the
// identities of its detached stores resolve as dangling.
func ObjectsOf(ctx context.Context, node *stack.Node, ids []domain.ObjectID) []Resolved {
	out := make([]Resolved, 0, len(ids))
	for _, id := range ids {
		obj, err := node.Object(ctx, id)
		var closed *domain.StackClosedError
		if errors.As(err, &closed) && !id.IsTemporary() && !isLive(node, id) {
			err = &domain.DanglingIdentityError{ID: id}
		}
		out = append(out, Resolved{ID: id, Object: obj, Err: err})
	}
	return out
}

func isLive(node *stack.Node, id domain.ObjectID) bool {
	c := node.Coordinator()
	return c != nil && c.IsLive(id.StoreID)
}

// Policy decides what Collect does with identities that did not resolve
// because their object or store is gone.
type Policy int

const (
	// SkipDangling drops dangling and missing identities.
	SkipDangling Policy = iota
	// AbortOnDangling fails on the first element that did not resolve.
	AbortOnDangling
)

// Collect returns the resolved objects under policy. Errors other than a
// dangling or missing identity always abort.
func Collect(resolved []Resolved, policy Policy) ([]*stack.Object, error) {
	out := make([]*stack.Object, 0, len(resolved))
	for _, r := range resolved {
		if r.Err == nil {
			out = append(out, r.Object)
			continue
		}
		gone := r.Dangling() || errors.Is(r.Err, domain.ErrNotFound)
		if gone && policy == SkipDangling {
			continue
		}
		return nil, r.Err
	}
	return out, nil
}

// MergeSequences concatenates seqs in order.
func MergeSequences[T any](seqs [][]T) []T {
	total := 0
	for _, s := range seqs {
		total += len(s)
	}
	out := make([]T, 0, total)
	for _, s := range seqs {
		out = append(out, s...)
	}
	return out
}

// Flatten joins a combined fetch result in key order. An object matched
// by several requests appears once, at its first position.
func Flatten(results map[string][]*stack.Object, keys []string) []*stack.Object {
	seqs := make([][]*stack.Object, 0, len(keys))
	for _, k := range keys {
		seqs = append(seqs, results[k])
	}

	seen := make(map[*stack.Object]struct{})
	var out []*stack.Object
	for _, obj := range MergeSequences(seqs) {
		if _, dup := seen[obj]; dup {
			continue
		}
		seen[obj] = struct{}{}
		out = append(out, obj)
	}
	return out
}
