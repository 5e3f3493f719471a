package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/logging"
)

// Loader reads a model from a resolved location.
type Loader interface {
	Load(ctx context.Context, location *url.URL) (*Model, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, location *url.URL) (*Model, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, location *url.URL) (*Model, error) {
	return f(ctx, location)
}

// Registry resolves models by locator and caches them for the process lifetime.
// It is safe for concurrent use.
type Registry struct {
	loader Loader

	mu     sync.RWMutex
	models map[string]*Model
	group  singleflight.Group
}

// NewRegistry creates a Registry. A nil loader selects the YAML file loader.
func NewRegistry(loader Loader) *Registry {
	if loader == nil {
		loader = YAMLFileLoader{}
	}
	return &Registry{
		loader: loader,
		models: make(map[string]*Model),
	}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry backed by the YAML file loader.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(nil)
	})
	return defaultRegistry
}

// Resolve returns the cached model for locator, loading it on first use.
// Failures are reported as *domain.ModelLoadError and are not cached.
func (r *Registry) Resolve(ctx context.Context, locator string) (*Model, error) {
	r.mu.RLock()
	m, ok := r.models[locator]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	v, err, _ := r.group.Do(locator, func() (any, error) {
		r.mu.RLock()
		m, ok := r.models[locator]
		r.mu.RUnlock()
		if ok {
			return m, nil
		}

		m, err := r.load(ctx, locator)
		if err != nil {
			return nil, &domain.ModelLoadError{Locator: locator, Cause: err}
		}

		r.mu.Lock()
		r.models[locator] = m
		r.mu.Unlock()

		logging.FromContext(ctx).DebugContext(ctx, "model resolved",
			slog.String("locator", locator),
			slog.String("model", m.Name),
			slog.Int("version", m.Version),
		)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Model), nil
}

// Register caches m under locator without loading it.
func (r *Registry) Register(locator string, m *Model) error {
	if err := m.Validate(); err != nil {
		return &domain.ModelLoadError{Locator: locator, Cause: err}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[locator] = m
	return nil
}

func (r *Registry) load(ctx context.Context, locator string) (*Model, error) {
	location, err := ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	m, err := r.loader.Load(ctx, location)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("loader returned no model")
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("validating model: %w", err)
	}
	return m, nil
}

// ParseLocator accepts a URL or a bare file path.
func ParseLocator(locator string) (*url.URL, error) {
	if strings.TrimSpace(locator) == "" {
		return nil, errors.New("model locator is empty")
	}
	if !strings.Contains(locator, "://") {
		abs, err := filepath.Abs(locator)
		if err != nil {
			return nil, fmt.Errorf("resolving model path: %w", err)
		}
		return &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}, nil
	}
	u, err := url.Parse(locator)
	if err != nil {
		return nil, fmt.Errorf("parsing model locator: %w", err)
	}
	return u, nil
}

// YAMLFileLoader reads models from YAML files on disk.
type YAMLFileLoader struct{}

// Load reads and decodes a file:// location.
func (YAMLFileLoader) Load(_ context.Context, location *url.URL) (*Model, error) {
	if location.Scheme != "file" {
		return nil, fmt.Errorf("unsupported model scheme %q", location.Scheme)
	}
	data, err := os.ReadFile(filepath.FromSlash(location.Path))
	if err != nil {
		return nil, fmt.Errorf("reading model: %w", err)
	}
	return Decode(data)
}

// Decode parses a YAML model definition.
func Decode(data []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding model: %w", err)
	}
	return &m, nil
}
