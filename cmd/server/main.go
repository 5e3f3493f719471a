package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bcnelson/persistence-stack/internal/affinity"
	"github.com/bcnelson/persistence-stack/internal/api"
	"github.com/bcnelson/persistence-stack/internal/config"
	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/fetch"
	"github.com/bcnelson/persistence-stack/internal/logging"
	"github.com/bcnelson/persistence-stack/internal/model"
	"github.com/bcnelson/persistence-stack/internal/stack"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(logger)
	ctx := logging.WithLogger(context.Background(), logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m, err := model.Default().Resolve(ctx, cfg.Stack.ModelURL)
	if err != nil {
		return err
	}

	descs, err := cfg.Stack.Descriptors()
	if err != nil {
		return err
	}
	// Create data directories if needed (for SQLite)
	for _, d := range descs {
		if err := ensureDataDir(d); err != nil {
			return err
		}
	}

	// The root stack lives on its own execution unit for the process lifetime.
	mainUnit := affinity.NewUnit("main", affinity.WithUnitLogger(logger))
	defer mainUnit.Close()

	opts := []stack.Option{
		stack.WithUnit(mainUnit),
		stack.WithLogger(logger),
	}
	if cfg.Stack.AutoSaveDebounce > 0 {
		opts = append(opts, stack.WithAutoSave(cfg.Stack.AutoSaveDebounce))
	}
	if cfg.Stack.DeleteOnCleanup {
		opts = append(opts, stack.WithDeleteStoresOnCleanup())
	}

	storeDescs := make([]domain.StoreDescriptor, 0, len(descs))
	for _, d := range descs {
		storeDescs = append(storeDescs, d)
	}
	root, err := stack.NewRoot(ctx, m, storeDescs, opts...)
	if err != nil {
		return err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		err := mainUnit.Run(cleanupCtx, func(ctx context.Context) error {
			if root.HasChanges() {
				if err := root.Save(ctx); err != nil {
					logger.ErrorContext(ctx, "final save failed", slog.Any("error", err))
				}
			}
			return root.Cleanup(ctx)
		})
		if err != nil {
			logger.ErrorContext(ctx, "cleaning up root stack failed", slog.Any("error", err))
		}
	}()

	// Create router
	router := api.NewRouter(root, api.Options{
		RootUnit:     mainUnit,
		Executor:     fetch.NewExecutor(fetch.WithLogger(logger)),
		CascadeSaves: cfg.Stack.CascadeSaves,
		APIToken:     cfg.Server.APIToken,
		Logger:       logger,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoContext(ctx, "starting persistence stack server",
		slog.String("addr", cfg.Server.Addr()),
		slog.String("model", m.Name),
		slog.Int("stores", len(descs)),
	)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-serverErr:
		return err
	case <-sigCtx.Done():
	}

	logger.InfoContext(ctx, "shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.InfoContext(ctx, "server stopped")
	return nil
}

// ensureDataDir creates the parent directory of a SQLite database file.
func ensureDataDir(d domain.Descriptor) error {
	if d.Type() != domain.StoreTypeSQLite {
		return nil
	}
	path := d.URL()
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
