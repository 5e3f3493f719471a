package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/model"
	"github.com/bcnelson/persistence-stack/internal/storage"
	"github.com/bcnelson/persistence-stack/internal/storage/memory"
)

func testModel(version int) *model.Model {
	return &model.Model{
		Name:    "notes",
		Version: version,
		Entities: []model.Entity{
			{Name: "Note", Attributes: []model.Attribute{{Name: "title", Type: "string"}}},
		},
	}
}

func record(key, title string) domain.Record {
	return domain.Record{
		ID:         domain.ObjectID{Entity: "Note", Key: key},
		Attributes: map[string]any{"title": title},
	}
}

func TestStore_ApplyAndLoad(t *testing.T) {
	ctx := context.Background()
	s := memory.New(testModel(1))

	err := storage.Apply(ctx, s, domain.ChangeSet{
		Inserted: []domain.Record{record("b", "second"), record("a", "first")},
	})
	require.NoError(t, err)

	records, err := s.Load(ctx, "Note")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].ID.Key)
	assert.Equal(t, "first", records[0].Attributes["title"])

	err = storage.Apply(ctx, s, domain.ChangeSet{
		Updated: []domain.Record{record("a", "renamed")},
		Deleted: []domain.ObjectID{{Entity: "Note", Key: "b"}},
	})
	require.NoError(t, err)

	rec, err := s.Get(ctx, "Note", "a")
	require.NoError(t, err)
	assert.Equal(t, "renamed", rec.Attributes["title"])

	_, err = s.Get(ctx, "Note", "b")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_CommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := memory.New(testModel(1))

	err := storage.Apply(ctx, s, domain.ChangeSet{
		Inserted: []domain.Record{record("a", "first")},
		Updated:  []domain.Record{record("missing", "nope")},
	})
	require.ErrorIs(t, err, domain.ErrNotFound)

	records, err := s.Load(ctx, "Note")
	require.NoError(t, err)
	assert.Empty(t, records, "failed transaction must not leave partial writes")
}

func TestStore_DuplicateInsert(t *testing.T) {
	ctx := context.Background()
	s := memory.New(testModel(1))

	require.NoError(t, storage.Apply(ctx, s, domain.ChangeSet{Inserted: []domain.Record{record("a", "x")}}))
	err := storage.Apply(ctx, s, domain.ChangeSet{Inserted: []domain.Record{record("a", "y")}})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestStore_NamedDatasetIsShared(t *testing.T) {
	ctx := context.Background()
	desc := domain.Descriptor{Kind: domain.StoreTypeMemory, Location: t.Name()}

	first, err := memory.Open(desc, testModel(1))
	require.NoError(t, err)
	require.NoError(t, storage.Apply(ctx, first, domain.ChangeSet{Inserted: []domain.Record{record("a", "x")}}))
	require.NoError(t, first.Close())

	second, err := memory.Open(desc, testModel(1))
	require.NoError(t, err)
	records, err := second.Load(ctx, "Note")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, err = memory.Open(desc, testModel(2))
	assert.ErrorIs(t, err, domain.ErrModelMismatch)

	require.NoError(t, second.Destroy(ctx))
	third, err := memory.Open(desc, testModel(2))
	require.NoError(t, err, "destroyed dataset must not constrain the model")
	records, err = third.Load(ctx, "Note")
	require.NoError(t, err)
	assert.Empty(t, records)
	require.NoError(t, third.Destroy(ctx))
}

func TestStore_ReadOnlyAndClosed(t *testing.T) {
	ctx := context.Background()

	ro, err := memory.Open(domain.Descriptor{
		Kind: domain.StoreTypeMemory,
		Opts: map[string]any{storage.OptionReadOnly: true},
	}, testModel(1))
	require.NoError(t, err)
	_, err = ro.BeginTx(ctx)
	assert.ErrorIs(t, err, storage.ErrReadOnly)

	s := memory.New(testModel(1))
	require.NoError(t, s.Close())
	_, err = s.Load(ctx, "Note")
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestOpen_ByType(t *testing.T) {
	b, err := storage.Open(context.Background(), domain.Descriptor{Kind: domain.StoreTypeMemory}, testModel(1))
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, b)

	_, err = storage.Open(context.Background(), domain.Descriptor{Kind: "carrier-pigeon"}, testModel(1))
	assert.ErrorIs(t, err, domain.ErrUnsupportedStore)
}
