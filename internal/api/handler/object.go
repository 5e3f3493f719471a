package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bcnelson/persistence-stack/internal/affinity"
	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/fetch"
	"github.com/bcnelson/persistence-stack/internal/stack"
)

// ObjectResponse is the JSON form of a stack object.
type ObjectResponse struct {
	ID         string         `json:"id"`
	Entity     string         `json:"entity"`
	StoreID    string         `json:"store_id,omitempty"`
	Key        string         `json:"key"`
	Attributes map[string]any `json:"attributes"`
}

// WriteObjectRequest is the body of object create and update requests.
// On update, a null attribute value removes the attribute.
type WriteObjectRequest struct {
	Attributes map[string]any `json:"attributes"`
}

func toObjectResponse(obj *stack.Object) ObjectResponse {
	id := obj.ID()
	return ObjectResponse{
		ID:         id.String(),
		Entity:     id.Entity,
		StoreID:    id.StoreID,
		Key:        id.Key,
		Attributes: obj.Attributes(),
	}
}

func toObjectResponses(objs []*stack.Object) []ObjectResponse {
	out := make([]ObjectResponse, 0, len(objs))
	for _, obj := range objs {
		out = append(out, toObjectResponse(obj))
	}
	return out
}

// ObjectHandler handles object endpoints. Reads go against the root stack.
// Every write runs in a child stack of its own, on an execution unit of its
// own, and is saved into the root before the response is written.
type ObjectHandler struct {
	root     *stack.Node
	rootUnit *affinity.Unit
	exec     *fetch.Executor
	cascade  bool
	logger   *slog.Logger
}

// NewObjectHandler creates a new ObjectHandler. rootUnit must be the unit
// root is bound to. With cascade set, child saves cascade to the stores;
// otherwise the root is saved explicitly unless it auto-saves.
func NewObjectHandler(root *stack.Node, rootUnit *affinity.Unit, exec *fetch.Executor, cascade bool, logger *slog.Logger) *ObjectHandler {
	return &ObjectHandler{root: root, rootUnit: rootUnit, exec: exec, cascade: cascade, logger: logger}
}

// List lists the objects of an entity.
// Supported query parameters: where (predicate), sort (attr,-attr), limit.
func (h *ObjectHandler) List(w http.ResponseWriter, r *http.Request) {
	req, err := fetchRequestFromQuery(chi.URLParam(r, "entity"), r)
	if err != nil {
		handleError(w, r, err)
		return
	}

	objs, err := h.exec.FetchSync(r.Context(), h.root, req)
	if err != nil {
		handleError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, toObjectResponses(objs))
}

// Get gets one object by identity.
func (h *ObjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := objectIDFromPath(r)

	var resp ObjectResponse
	err := h.rootUnit.Run(r.Context(), func(ctx context.Context) error {
		obj, err := h.root.Object(ctx, id)
		if err != nil {
			return err
		}
		resp = toObjectResponse(obj)
		return nil
	})
	if err != nil {
		handleError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// Create inserts a new object.
func (h *ObjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")

	var req WriteObjectRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}

	var resp ObjectResponse
	err := h.write(r.Context(), func(ctx context.Context, child *stack.Node) error {
		obj, err := child.Insert(ctx, entity, req.Attributes)
		if err != nil {
			return err
		}
		if err := child.Save(ctx); err != nil {
			return err
		}
		// Saving replaced the temporary id.
		resp = toObjectResponse(obj)
		return nil
	})
	if err != nil {
		handleError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, resp)
}

// Update changes attributes of an object.
func (h *ObjectHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := objectIDFromPath(r)

	var req WriteObjectRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}

	var resp ObjectResponse
	err := h.write(r.Context(), func(ctx context.Context, child *stack.Node) error {
		obj, err := child.Object(ctx, id)
		if err != nil {
			return err
		}
		if err := child.Update(ctx, obj, req.Attributes); err != nil {
			return err
		}
		if err := child.Save(ctx); err != nil {
			return err
		}
		resp = toObjectResponse(obj)
		return nil
	})
	if err != nil {
		handleError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// Delete deletes an object.
func (h *ObjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := objectIDFromPath(r)

	err := h.write(r.Context(), func(ctx context.Context, child *stack.Node) error {
		obj, err := child.Object(ctx, id)
		if err != nil {
			return err
		}
		if err := child.Delete(ctx, obj); err != nil {
			return err
		}
		return child.Save(ctx)
	})
	if err != nil {
		handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// write runs fn in a fresh child of the root on a unit of its own, then
// makes sure the merged changes reach the stores.
func (h *ObjectHandler) write(ctx context.Context, fn func(ctx context.Context, child *stack.Node) error) error {
	u := affinity.NewUnit("request", affinity.WithUnitLogger(h.logger))
	defer u.Close()

	err := u.Run(ctx, func(ctx context.Context) error {
		var opts []stack.Option
		opts = append(opts, stack.WithUnit(u))
		if h.cascade {
			opts = append(opts, stack.WithCascadingSave())
		}
		child, err := stack.NewChild(ctx, h.root, opts...)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := child.Cleanup(ctx); cerr != nil {
				h.logger.WarnContext(ctx, "cleaning up request stack failed", slog.Any("error", cerr))
			}
		}()
		return fn(ctx, child)
	})
	if err != nil || h.cascade {
		return err
	}
	if h.root.AutoSave() != nil {
		return nil
	}
	return h.rootUnit.Run(ctx, h.root.Save)
}

func objectIDFromPath(r *http.Request) domain.ObjectID {
	return domain.ObjectID{
		StoreID: chi.URLParam(r, "store_id"),
		Entity:  chi.URLParam(r, "entity"),
		Key:     chi.URLParam(r, "key"),
	}
}

// fetchRequestFromQuery builds a fetch request from list query parameters.
func fetchRequestFromQuery(entity string, r *http.Request) (domain.FetchRequest, error) {
	q := r.URL.Query()
	req := domain.FetchRequest{
		Entity:    entity,
		Predicate: q.Get("where"),
	}

	if sort := q.Get("sort"); sort != "" {
		for _, part := range strings.Split(sort, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			key := domain.SortKey{Attribute: part}
			if name, ok := strings.CutPrefix(part, "-"); ok {
				key = domain.SortKey{Attribute: name, Descending: true}
			}
			req.SortBy = append(req.SortBy, key)
		}
	}

	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return domain.FetchRequest{}, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidInput)
		}
		req.Limit = n
	}

	return req, nil
}
