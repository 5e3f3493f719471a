package handler

import (
	"context"
	"net/http"

	"github.com/bcnelson/persistence-stack/internal/affinity"
	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/identity"
	"github.com/bcnelson/persistence-stack/internal/stack"
)

// ResolveRequest lists printable object ids (x-stack://store/entity/key).
type ResolveRequest struct {
	IDs []string `json:"ids"`
	// SkipDangling drops ids whose store or object is gone instead of
	// failing the request.
	SkipDangling bool `json:"skip_dangling,omitempty"`
}

// ResolveResponse holds the resolved objects in request order.
type ResolveResponse struct {
	Objects []ObjectResponse `json:"objects"`
}

// IdentityHandler resolves identities against the root stack.
type IdentityHandler struct {
	root     *stack.Node
	rootUnit *affinity.Unit
}

// NewIdentityHandler creates a new IdentityHandler.
func NewIdentityHandler(root *stack.Node, rootUnit *affinity.Unit) *IdentityHandler {
	return &IdentityHandler{root: root, rootUnit: rootUnit}
}

// Resolve turns identities back into objects.
func (h *IdentityHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}

	ids := make([]domain.ObjectID, 0, len(req.IDs))
	for _, s := range req.IDs {
		id, err := domain.ParseObjectID(s)
		if err != nil {
			respondStandardError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, err.Error(), "ids", nil)
			return
		}
		ids = append(ids, id)
	}

	policy := identity.AbortOnDangling
	if req.SkipDangling {
		policy = identity.SkipDangling
	}

	var resp ResolveResponse
	err := h.rootUnit.Run(r.Context(), func(ctx context.Context) error {
		objs, err := identity.Collect(identity.ObjectsOf(ctx, h.root, ids), policy)
		if err != nil {
			return err
		}
		resp.Objects = toObjectResponses(objs)
		return nil
	})
	if err != nil {
		handleError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}
