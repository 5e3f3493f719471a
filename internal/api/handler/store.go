package handler

import (
	"net/http"
	"net/url"

	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/stack"
)

// StoreResponse describes one store attached to the root stack.
type StoreResponse struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	URL           string `json:"url,omitempty"`
	Configuration string `json:"configuration,omitempty"`
}

// StoreHandler handles store and model endpoints.
type StoreHandler struct {
	root *stack.Node
}

// NewStoreHandler creates a new StoreHandler.
func NewStoreHandler(root *stack.Node) *StoreHandler {
	return &StoreHandler{root: root}
}

// List lists the attached stores in attach order.
func (h *StoreHandler) List(w http.ResponseWriter, r *http.Request) {
	coord := h.root.Coordinator()
	if coord == nil || coord.IsClosed() {
		handleError(w, r, domain.ErrStackClosed)
		return
	}

	stores := coord.Stores()
	resp := make([]StoreResponse, 0, len(stores))
	for _, s := range stores {
		resp = append(resp, StoreResponse{
			ID:            s.ID,
			Type:          s.Descriptor.Type(),
			URL:           redactURL(s.Descriptor.URL()),
			Configuration: s.Descriptor.Configuration(),
		})
	}

	respondJSON(w, http.StatusOK, resp)
}

// Model describes the model the root stack was created with.
func (h *StoreHandler) Model(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.root.Model())
}

// redactURL hides the password of URLs that carry credentials.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
