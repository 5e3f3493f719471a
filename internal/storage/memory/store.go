package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/model"
	"github.com/bcnelson/persistence-stack/internal/storage"
)

func init() {
	storage.Register(domain.StoreTypeMemory, func(_ context.Context, desc domain.Descriptor, m *model.Model) (storage.Backend, error) {
		return Open(desc, m)
	})
}

// dataset holds the records of one memory store. Named datasets outlive the
// Store that opened them until destroyed, so a later root can reopen them.
type dataset struct {
	mu sync.RWMutex

	modelName    string
	modelVersion int
	records      map[string]map[string]map[string]any // entity -> key -> attributes
}

var (
	namedMu sync.Mutex
	named   = make(map[string]*dataset)
)

// Store is an in-memory backend. An empty location gives a private dataset;
// a non-empty location names a dataset shared by every store opened on it
// within the process.
type Store struct {
	name     string
	data     *dataset
	readOnly bool

	mu     sync.Mutex
	closed bool
}

// New creates a private in-memory store for m.
func New(m *model.Model) *Store {
	return &Store{data: newDataset(m)}
}

// Open creates a store for desc, reusing the named dataset if it exists.
func Open(desc domain.Descriptor, m *model.Model) (*Store, error) {
	s := &Store{name: desc.URL(), readOnly: desc.Bool(storage.OptionReadOnly)}
	if s.name == "" {
		s.data = newDataset(m)
		return s, nil
	}

	namedMu.Lock()
	defer namedMu.Unlock()
	ds, ok := named[s.name]
	if !ok {
		ds = newDataset(m)
		named[s.name] = ds
	}
	if ds.modelName != m.Name || ds.modelVersion != m.Version {
		return nil, fmt.Errorf("%w: dataset %q holds %s v%d, want %s v%d",
			domain.ErrModelMismatch, s.name, ds.modelName, ds.modelVersion, m.Name, m.Version)
	}
	s.data = ds
	return s, nil
}

func newDataset(m *model.Model) *dataset {
	return &dataset{
		modelName:    m.Name,
		modelVersion: m.Version,
		records:      make(map[string]map[string]map[string]any),
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Destroy drops the dataset, including a named one.
func (s *Store) Destroy(ctx context.Context) error {
	if err := s.Close(); err != nil {
		return err
	}
	if s.name != "" {
		namedMu.Lock()
		if named[s.name] == s.data {
			delete(named, s.name)
		}
		namedMu.Unlock()
	}
	s.data.mu.Lock()
	s.data.records = make(map[string]map[string]map[string]any)
	s.data.mu.Unlock()
	return nil
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

func (s *Store) Load(ctx context.Context, entity string) ([]domain.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	rows := s.data.records[entity]
	result := make([]domain.Record, 0, len(rows))
	for key, attrs := range rows {
		result = append(result, domain.Record{
			ID:         domain.ObjectID{Entity: entity, Key: key},
			Attributes: maps.Clone(attrs),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID.Key < result[j].ID.Key
	})
	return result, nil
}

func (s *Store) Get(ctx context.Context, entity, key string) (domain.Record, error) {
	if err := s.checkOpen(); err != nil {
		return domain.Record{}, err
	}
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	attrs, ok := s.data.records[entity][key]
	if !ok {
		return domain.Record{}, domain.ErrNotFound
	}
	return domain.Record{
		ID:         domain.ObjectID{Entity: entity, Key: key},
		Attributes: maps.Clone(attrs),
	}, nil
}

func (s *Store) BeginTx(ctx context.Context) (storage.Transaction, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if s.readOnly {
		return nil, storage.ErrReadOnly
	}
	return &Tx{store: s}, nil
}

type op struct {
	kind byte // 'i', 'u', 'd'
	rec  domain.Record
}

// Tx buffers writes and applies them atomically on Commit.
type Tx struct {
	store *Store
	ops   []op
	done  bool
}

func (t *Tx) Insert(ctx context.Context, rec domain.Record) error {
	t.ops = append(t.ops, op{kind: 'i', rec: rec.Clone()})
	return nil
}

func (t *Tx) Update(ctx context.Context, rec domain.Record) error {
	t.ops = append(t.ops, op{kind: 'u', rec: rec.Clone()})
	return nil
}

func (t *Tx) Delete(ctx context.Context, entity, key string) error {
	t.ops = append(t.ops, op{kind: 'd', rec: domain.Record{ID: domain.ObjectID{Entity: entity, Key: key}}})
	return nil
}

// Commit validates every buffered write before applying any of them.
func (t *Tx) Commit() error {
	if t.done {
		return storage.ErrTxDone
	}
	t.done = true
	if err := t.store.checkOpen(); err != nil {
		return err
	}

	ds := t.store.data
	ds.mu.Lock()
	defer ds.mu.Unlock()

	// Check against the state the transaction would see as it goes.
	exists := func(id domain.ObjectID) bool {
		_, ok := ds.records[id.Entity][id.Key]
		return ok
	}
	staged := make(map[domain.ObjectID]bool)
	for _, o := range t.ops {
		id := o.rec.ID
		present, seen := staged[id]
		if !seen {
			present = exists(id)
		}
		switch o.kind {
		case 'i':
			if present {
				return fmt.Errorf("%s: %w", id, domain.ErrAlreadyExists)
			}
			staged[id] = true
		case 'u':
			if !present {
				return fmt.Errorf("%s: %w", id, domain.ErrNotFound)
			}
		case 'd':
			staged[id] = false
		}
	}

	for _, o := range t.ops {
		id := o.rec.ID
		switch o.kind {
		case 'i', 'u':
			rows, ok := ds.records[id.Entity]
			if !ok {
				rows = make(map[string]map[string]any)
				ds.records[id.Entity] = rows
			}
			rows[id.Key] = o.rec.Attributes
		case 'd':
			delete(ds.records[id.Entity], id.Key)
		}
	}
	return nil
}

func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.ops = nil
	return nil
}
