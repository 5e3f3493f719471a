package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bcnelson/persistence-stack/internal/affinity"
	"github.com/bcnelson/persistence-stack/internal/api/handler"
	"github.com/bcnelson/persistence-stack/internal/api/middleware"
	"github.com/bcnelson/persistence-stack/internal/fetch"
	"github.com/bcnelson/persistence-stack/internal/stack"
)

// Options configures the router.
type Options struct {
	// RootUnit is the execution unit the root stack is bound to.
	RootUnit *affinity.Unit
	Executor *fetch.Executor
	// CascadeSaves makes every write save through to the stores.
	CascadeSaves bool
	APIToken     string
	Logger       *slog.Logger
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(root *stack.Node, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Executor == nil {
		opts.Executor = fetch.NewExecutor(fetch.WithLogger(opts.Logger))
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(opts.Logger))

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if root.State() == stack.StateCleanedUp {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"closed"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// API routes (auth required when a token is configured, JSON Content-Type)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ContentType)
		r.Use(middleware.Auth(opts.APIToken))

		storeHandler := handler.NewStoreHandler(root)
		r.Get("/model", storeHandler.Model)
		r.Get("/stores", storeHandler.List)

		fetchHandler := handler.NewFetchHandler(root, opts.Executor)
		r.Post("/fetches", fetchHandler.Batch)

		identityHandler := handler.NewIdentityHandler(root, opts.RootUnit)
		r.Post("/identities/resolve", identityHandler.Resolve)

		objectHandler := handler.NewObjectHandler(root, opts.RootUnit, opts.Executor, opts.CascadeSaves, opts.Logger)
		r.Route("/objects/{entity}", func(r chi.Router) {
			r.Get("/", objectHandler.List)
			r.Post("/", objectHandler.Create)
			r.Get("/{store_id}/{key}", objectHandler.Get)
			r.Put("/{store_id}/{key}", objectHandler.Update)
			r.Delete("/{store_id}/{key}", objectHandler.Delete)
		})
	})

	return r
}
