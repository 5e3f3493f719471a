package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Common errors used throughout the application.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidInput      = errors.New("invalid input")
	ErrModelLoad         = errors.New("model load failed")
	ErrModelMismatch     = errors.New("store was created for a different model")
	ErrUnsupportedStore  = errors.New("unsupported store type")
	ErrStoreAttach       = errors.New("store attach failed")
	ErrDuplicateStore    = errors.New("store already attached")
	ErrInvalidParent     = errors.New("invalid parent stack")
	ErrSave              = errors.New("save failed")
	ErrDescendantsActive = errors.New("stack has active descendants")
	ErrThreadConfinement = errors.New("stack used outside its execution unit")
	ErrPartialFetch      = errors.New("fetch partially failed")
	ErrDanglingIdentity  = errors.New("object identity is dangling")
	ErrStackClosed       = errors.New("stack is closed")
	ErrCleanup           = errors.New("cleanup failed")
)

// Error codes for standardized API error responses.
const (
	ErrCodeResourceNotFound      = "RESOURCE_NOT_FOUND"
	ErrCodeResourceAlreadyExists = "RESOURCE_ALREADY_EXISTS"
	ErrCodeInvalidInput          = "INVALID_INPUT"
	ErrCodeValidationError       = "VALIDATION_ERROR"
	ErrCodeSaveFailed            = "SAVE_FAILED"
	ErrCodePartialFetch          = "PARTIAL_FETCH"
	ErrCodeStackClosed           = "STACK_CLOSED"
	ErrCodeInternalError         = "INTERNAL_ERROR"
)

// StandardError represents a standardized error response from the API.
type StandardError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// StandardErrorResponse wraps a StandardError for JSON responses.
type StandardErrorResponse struct {
	Error StandardError `json:"error"`
}

// ModelLoadError reports a model that could not be resolved from its locator.
type ModelLoadError struct {
	Locator string
	Cause   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("loading model %q: %v", e.Locator, e.Cause)
}

func (e *ModelLoadError) Unwrap() []error { return []error{ErrModelLoad, e.Cause} }

// StoreAttachError reports the first descriptor a coordinator failed to attach.
type StoreAttachError struct {
	Descriptor Descriptor
	Cause      error
}

func (e *StoreAttachError) Error() string {
	return fmt.Sprintf("attaching store %s: %v", e.Descriptor, e.Cause)
}

func (e *StoreAttachError) Unwrap() []error { return []error{ErrStoreAttach, e.Cause} }

// DuplicateStoreError is returned when an equal descriptor is attached twice.
type DuplicateStoreError struct {
	Descriptor Descriptor
	StoreID    string
}

func (e *DuplicateStoreError) Error() string {
	return fmt.Sprintf("store %s already attached as %s", e.Descriptor, e.StoreID)
}

func (e *DuplicateStoreError) Unwrap() error { return ErrDuplicateStore }

// InvalidParentError is returned when a child is created under an unusable parent.
type InvalidParentError struct {
	ParentID string
	Reason   string
}

func (e *InvalidParentError) Error() string {
	return fmt.Sprintf("invalid parent stack %s: %s", e.ParentID, e.Reason)
}

func (e *InvalidParentError) Unwrap() error { return ErrInvalidParent }

// SaveError describes a save that did not fully complete.
// StoreFailures is keyed by store id and is only populated for root saves.
// When a cascading child save fails in an ancestor, Child names the node
// whose save started the cascade.
type SaveError struct {
	NodeID        string
	Child         string
	StoreFailures map[string]error
	Cause         error
}

func (e *SaveError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "saving stack %s", e.NodeID)
	if e.Child != "" {
		fmt.Fprintf(&b, " (cascaded from %s)", e.Child)
	}
	if len(e.StoreFailures) > 0 {
		ids := make([]string, 0, len(e.StoreFailures))
		for id := range e.StoreFailures {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		parts := make([]string, 0, len(ids))
		for _, id := range ids {
			parts = append(parts, fmt.Sprintf("store %s: %v", id, e.StoreFailures[id]))
		}
		b.WriteString(": ")
		b.WriteString(strings.Join(parts, "; "))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *SaveError) Unwrap() []error {
	errs := []error{ErrSave}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// DescendantsActiveError is returned when a node is cleaned up before its children.
type DescendantsActiveError struct {
	NodeID   string
	Children []string
}

func (e *DescendantsActiveError) Error() string {
	return fmt.Sprintf("stack %s has %d active children: %s", e.NodeID, len(e.Children), strings.Join(e.Children, ", "))
}

func (e *DescendantsActiveError) Unwrap() error { return ErrDescendantsActive }

// ThreadConfinementError is returned when a node is used from an execution
// unit other than the one it is bound to. Caller is empty when the call did
// not come from any unit.
type ThreadConfinementError struct {
	NodeID string
	Bound  string
	Caller string
}

func (e *ThreadConfinementError) Error() string {
	caller := e.Caller
	if caller == "" {
		caller = "<none>"
	}
	return fmt.Sprintf("stack %s is bound to unit %s, called from unit %s", e.NodeID, e.Bound, caller)
}

func (e *ThreadConfinementError) Unwrap() error { return ErrThreadConfinement }

// PartialFetchError lists the requests of a batch that failed, by request key.
type PartialFetchError struct {
	NodeID string
	Failed map[string]error
}

// FailedKeys returns the failed request keys in sorted order.
func (e *PartialFetchError) FailedKeys() []string {
	keys := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *PartialFetchError) Error() string {
	keys := e.FailedKeys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Failed[k]))
	}
	return fmt.Sprintf("fetching on stack %s: %d requests failed: %s", e.NodeID, len(keys), strings.Join(parts, "; "))
}

func (e *PartialFetchError) Unwrap() error { return ErrPartialFetch }

// DanglingIdentityError is returned for an identity whose store is gone.
type DanglingIdentityError struct {
	ID ObjectID
}

func (e *DanglingIdentityError) Error() string {
	return fmt.Sprintf("identity %s: store %s is not attached", e.ID, e.ID.StoreID)
}

func (e *DanglingIdentityError) Unwrap() error { return ErrDanglingIdentity }

// StackClosedError is returned by every operation on a cleaned up node.
type StackClosedError struct {
	NodeID string
	Op     string
}

func (e *StackClosedError) Error() string {
	return fmt.Sprintf("%s: stack %s is closed", e.Op, e.NodeID)
}

func (e *StackClosedError) Unwrap() error { return ErrStackClosed }

// CleanupError aggregates the failures met while tearing a node down.
type CleanupError struct {
	NodeID string
	Cause  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleaning up stack %s: %v", e.NodeID, e.Cause)
}

func (e *CleanupError) Unwrap() []error { return []error{ErrCleanup, e.Cause} }
