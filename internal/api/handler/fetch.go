package handler

import (
	"errors"
	"net/http"

	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/fetch"
	"github.com/bcnelson/persistence-stack/internal/stack"
)

// FetchBatchRequest is the body of a batched fetch.
type FetchBatchRequest struct {
	Requests []domain.FetchRequest `json:"requests"`
}

// FetchBatchResponse holds results by request key. Errors lists the keys
// that failed; the other requests still return their results.
type FetchBatchResponse struct {
	Results map[string][]ObjectResponse `json:"results"`
	Errors  map[string]string           `json:"errors,omitempty"`
}

// FetchHandler handles batched fetches against the root stack.
type FetchHandler struct {
	root *stack.Node
	exec *fetch.Executor
}

// NewFetchHandler creates a new FetchHandler.
func NewFetchHandler(root *stack.Node, exec *fetch.Executor) *FetchHandler {
	return &FetchHandler{root: root, exec: exec}
}

// Batch runs several fetch requests at once.
func (h *FetchHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var req FetchBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if len(req.Requests) == 0 {
		respondStandardError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput,
			"at least one request is required", "requests", nil)
		return
	}

	results, err := h.exec.FetchManySync(r.Context(), h.root, req.Requests)
	var partial *domain.PartialFetchError
	if err != nil && !errors.As(err, &partial) {
		handleError(w, r, err)
		return
	}

	resp := FetchBatchResponse{Results: make(map[string][]ObjectResponse, len(results))}
	for key, objs := range results {
		resp.Results[key] = toObjectResponses(objs)
	}
	if partial != nil {
		resp.Errors = make(map[string]string, len(partial.Failed))
		for key, ferr := range partial.Failed {
			resp.Errors[key] = ferr.Error()
		}
	}

	respondJSON(w, http.StatusOK, resp)
}
