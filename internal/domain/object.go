package domain

import (
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"
)

// IDScheme prefixes the printable form of an ObjectID.
const IDScheme = "x-stack://"

// ObjectID identifies an object within the stores of one coordinator lineage.
// Temporary IDs are handed out on insert and have no StoreID; they are
// replaced by a permanent ID when the inserting context is saved.
type ObjectID struct {
	StoreID string `json:"store,omitempty"`
	Entity  string `json:"entity"`
	Key     string `json:"key"`
}

// NewTemporaryID returns a fresh temporary identity for entity.
func NewTemporaryID(entity string) ObjectID {
	return ObjectID{Entity: entity, Key: "t" + uuid.New().String()}
}

// IsTemporary reports whether the ID has not been assigned to a store yet.
func (id ObjectID) IsTemporary() bool {
	return id.StoreID == ""
}

// IsZero reports whether the ID is the zero value.
func (id ObjectID) IsZero() bool {
	return id == ObjectID{}
}

// String returns the printable form, e.g. x-stack://<store>/<entity>/<key>.
func (id ObjectID) String() string {
	return IDScheme + id.StoreID + "/" + id.Entity + "/" + id.Key
}

// ParseObjectID parses the printable form produced by String.
func ParseObjectID(s string) (ObjectID, error) {
	rest, ok := strings.CutPrefix(s, IDScheme)
	if !ok {
		return ObjectID{}, fmt.Errorf("%w: object id %q lacks %s prefix", ErrInvalidInput, s, IDScheme)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return ObjectID{}, fmt.Errorf("%w: malformed object id %q", ErrInvalidInput, s)
	}
	return ObjectID{StoreID: parts[0], Entity: parts[1], Key: parts[2]}, nil
}

// Record is a value snapshot of an object's state.
type Record struct {
	ID         ObjectID       `json:"id"`
	Attributes map[string]any `json:"attributes"`
}

// Clone returns a copy whose attribute map is not shared with r.
func (r Record) Clone() Record {
	return Record{ID: r.ID, Attributes: maps.Clone(r.Attributes)}
}

// ChangeSet is the set of committed changes a context hands to its parent
// or to the coordinator.
type ChangeSet struct {
	Inserted []Record
	Updated  []Record
	Deleted  []ObjectID
}

// IsEmpty reports whether the change set carries no changes.
func (c ChangeSet) IsEmpty() bool {
	return len(c.Inserted) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// Len returns the total number of changed objects.
func (c ChangeSet) Len() int {
	return len(c.Inserted) + len(c.Updated) + len(c.Deleted)
}
