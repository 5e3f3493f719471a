package model

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/validation"
)

const notesYAML = `
name: notes
version: 2
entities:
  - name: Note
    attributes:
      - name: title
        type: string
        required: true
      - name: rank
        type: integer
  - name: Tag
    attributes:
      - name: label
        type: string
configurations:
  Tags: [Tag]
`

func notesModel(t *testing.T) *Model {
	t.Helper()
	m, err := Decode([]byte(notesYAML))
	require.NoError(t, err)
	require.NoError(t, m.Validate())
	return m
}

func TestDecode(t *testing.T) {
	m := notesModel(t)

	assert.Equal(t, "notes", m.Name)
	assert.Equal(t, 2, m.Version)
	assert.Equal(t, []string{"Note", "Tag"}, m.EntityNames())

	note, ok := m.Entity("Note")
	require.True(t, ok)
	title, ok := note.Attribute("title")
	require.True(t, ok)
	assert.True(t, title.Required)

	assert.True(t, m.HasConfiguration("Tags"))
	assert.True(t, m.Hosts("Tags", "Tag"))
	assert.False(t, m.Hosts("Tags", "Note"))
	assert.True(t, m.Hosts("", "Note"))
	assert.False(t, m.Hosts("", "Ghost"))

	_, err := Decode([]byte("entities: ["))
	assert.Error(t, err)
}

func TestModelValidate(t *testing.T) {
	tests := []struct {
		name string
		m    Model
	}{
		{"no name", Model{Version: 1, Entities: []Entity{{Name: "Note"}}}},
		{"bad version", Model{Name: "n", Entities: []Entity{{Name: "Note"}}}},
		{"no entities", Model{Name: "n", Version: 1}},
		{"duplicate entity", Model{Name: "n", Version: 1, Entities: []Entity{{Name: "Note"}, {Name: "Note"}}}},
		{"reserved attribute", Model{Name: "n", Version: 1, Entities: []Entity{
			{Name: "Note", Attributes: []Attribute{{Name: "id", Type: "string"}}},
		}}},
		{"unknown type", Model{Name: "n", Version: 1, Entities: []Entity{
			{Name: "Note", Attributes: []Attribute{{Name: "title", Type: "blob"}}},
		}}},
		{"configuration names unknown entity", Model{
			Name: "n", Version: 1,
			Entities:       []Entity{{Name: "Note"}},
			Configurations: map[string][]string{"Archive": {"Ghost"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			var verrs validation.ValidationErrors
			assert.ErrorAs(t, err, &verrs)
		})
	}
}

func TestValidateAttributes(t *testing.T) {
	m := notesModel(t)

	assert.NoError(t, m.ValidateAttributes("Note", map[string]any{"title": "a", "rank": 3}, false))
	assert.NoError(t, m.ValidateAttributes("Note", map[string]any{"rank": float64(3)}, true))

	err := m.ValidateAttributes("Note", map[string]any{"rank": 1.5}, false)
	var verrs validation.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 2, "rank has the wrong type and title is missing")

	err = m.ValidateAttributes("Note", map[string]any{"title": "a", "color": "red"}, false)
	assert.ErrorAs(t, err, &verrs)

	err = m.ValidateAttributes("Ghost", nil, true)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestParseLocator(t *testing.T) {
	u, err := ParseLocator("configs/model.yaml")
	require.NoError(t, err)
	assert.Equal(t, "file", u.Scheme)
	assert.True(t, filepath.IsAbs(filepath.FromSlash(u.Path)))

	u, err = ParseLocator("https://models.example.com/notes.yaml")
	require.NoError(t, err)
	assert.Equal(t, "https", u.Scheme)

	_, err = ParseLocator("  ")
	assert.Error(t, err)
}

func TestRegistry_ResolveFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(notesYAML), 0o644))

	r := NewRegistry(nil)
	m1, err := r.Resolve(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "notes", m1.Name)

	// Later resolutions return the cached instance even if the file is gone.
	require.NoError(t, os.Remove(path))
	m2, err := r.Resolve(context.Background(), path)
	require.NoError(t, err)
	assert.Same(t, m1, m2)
}

func TestRegistry_LoadsOncePerLocator(t *testing.T) {
	m := notesModel(t)
	var loads atomic.Int32
	release := make(chan struct{})
	r := NewRegistry(LoaderFunc(func(ctx context.Context, location *url.URL) (*Model, error) {
		loads.Add(1)
		<-release
		return m, nil
	}))

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*Model, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = r.Resolve(context.Background(), "mem://notes")
		}()
	}
	// Let the callers pile up on the in-flight load.
	assert.Eventually(t, func() bool { return loads.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
	for _, got := range results {
		assert.Same(t, m, got)
	}
}

func TestRegistry_FailuresAreNotCached(t *testing.T) {
	m := notesModel(t)
	var fail atomic.Bool
	fail.Store(true)
	r := NewRegistry(LoaderFunc(func(ctx context.Context, location *url.URL) (*Model, error) {
		if fail.Load() {
			return nil, errors.New("unreachable")
		}
		return m, nil
	}))

	_, err := r.Resolve(context.Background(), "mem://notes")
	var mle *domain.ModelLoadError
	require.ErrorAs(t, err, &mle)
	assert.Equal(t, "mem://notes", mle.Locator)
	assert.ErrorIs(t, err, domain.ErrModelLoad)

	fail.Store(false)
	got, err := r.Resolve(context.Background(), "mem://notes")
	require.NoError(t, err)
	assert.Same(t, m, got)
}

func TestRegistry_InvalidModel(t *testing.T) {
	r := NewRegistry(LoaderFunc(func(ctx context.Context, location *url.URL) (*Model, error) {
		return &Model{Name: "broken"}, nil
	}))
	_, err := r.Resolve(context.Background(), "mem://broken")
	assert.ErrorIs(t, err, domain.ErrModelLoad)

	_, err = NewRegistry(nil).Resolve(context.Background(), "https://models.example.com/notes.yaml")
	assert.ErrorIs(t, err, domain.ErrModelLoad, "the file loader rejects other schemes")

	assert.ErrorIs(t, r.Register("mem://broken", &Model{}), domain.ErrModelLoad)
	require.NoError(t, r.Register("mem://notes", notesModel(t)))
	got, err := r.Resolve(context.Background(), "mem://notes")
	require.NoError(t, err)
	assert.Equal(t, "notes", got.Name)
}
