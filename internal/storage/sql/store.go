package sql

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/model"
	"github.com/bcnelson/persistence-stack/internal/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

func init() {
	open := func(ctx context.Context, desc domain.Descriptor, m *model.Model) (storage.Backend, error) {
		return Open(ctx, desc, m)
	}
	storage.Register(domain.StoreTypeSQLite, open)
	storage.Register(domain.StoreTypePostgres, open)
}

// isUniqueViolation checks if an error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite
	if strings.Contains(errStr, "UNIQUE constraint failed") {
		return true
	}
	// PostgreSQL
	if strings.Contains(errStr, "duplicate key value violates unique constraint") {
		return true
	}
	return false
}

// wrapUniqueError converts UNIQUE violations to domain.ErrAlreadyExists.
func wrapUniqueError(err error) error {
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

// Store implements storage.Backend using SQL. Objects of every entity live
// in one table with their attributes encoded as JSON.
type Store struct {
	db       *sqlx.DB
	driver   string
	path     string // sqlite file, empty for postgres
	readOnly bool
}

// Open connects to the store described by desc, runs migrations and checks
// that the database was created for model m.
func Open(ctx context.Context, desc domain.Descriptor, m *model.Model) (*Store, error) {
	driver := desc.Type()
	dsn, path, err := dataSource(desc)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if driver == domain.StoreTypeSQLite {
		// SQLite only supports one writer at a time.
		db.SetMaxOpenConns(1)
	}

	if err := migrate(ctx, db, driver); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, driver: driver, path: path, readOnly: desc.Bool(storage.OptionReadOnly)}
	if err := s.checkModel(ctx, m); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// dataSource derives the driver DSN from the descriptor location.
func dataSource(desc domain.Descriptor) (dsn, path string, err error) {
	loc := desc.URL()
	switch desc.Type() {
	case domain.StoreTypeSQLite:
		path = strings.TrimPrefix(loc, "file://")
		if path == "" {
			return "", "", fmt.Errorf("%w: sqlite3 store requires a location", domain.ErrInvalidInput)
		}
		return path + "?_busy_timeout=5000&_foreign_keys=on", path, nil
	case domain.StoreTypePostgres:
		if loc == "" {
			return "", "", fmt.Errorf("%w: postgres store requires a location", domain.ErrInvalidInput)
		}
		return loc, "", nil
	default:
		return "", "", fmt.Errorf("%w: %q", domain.ErrUnsupportedStore, desc.Type())
	}
}

func migrate(ctx context.Context, db *sqlx.DB, driver string) error {
	fsys, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("opening migrations: %w", err)
	}
	dialect := goose.DialectSQLite3
	if driver == domain.StoreTypePostgres {
		dialect = goose.DialectPostgres
	}
	provider, err := goose.NewProvider(dialect, db.DB, fsys)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// checkModel records the model on first open and rejects a different one later.
func (s *Store) checkModel(ctx context.Context, m *model.Model) error {
	var meta struct {
		Name    string `db:"model_name"`
		Version int    `db:"model_version"`
	}
	err := s.db.GetContext(ctx, &meta, `SELECT model_name, model_version FROM model_meta WHERE id = 1`)
	if err == sql.ErrNoRows {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO model_meta (id, model_name, model_version, created_at) VALUES (1, $1, $2, $3)`,
			m.Name, m.Version, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("recording model: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading model: %w", err)
	}
	if meta.Name != m.Name || meta.Version != m.Version {
		return fmt.Errorf("%w: database holds %s v%d, want %s v%d",
			domain.ErrModelMismatch, meta.Name, meta.Version, m.Name, m.Version)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Destroy drops the store's tables and, for SQLite, removes the file.
func (s *Store) Destroy(ctx context.Context) error {
	if s.driver == domain.StoreTypeSQLite {
		if err := s.db.Close(); err != nil {
			return err
		}
		for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
			if err := os.Remove(s.path + suffix); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing %s: %w", s.path+suffix, err)
			}
		}
		return nil
	}

	for _, table := range []string{"objects", "model_meta", "goose_db_version"} {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			s.db.Close()
			return fmt.Errorf("dropping %s: %w", table, err)
		}
	}
	return s.db.Close()
}

// BeginTx starts a new transaction.
func (s *Store) BeginTx(ctx context.Context) (storage.Transaction, error) {
	if s.readOnly {
		return nil, storage.ErrReadOnly
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Tx wraps a database transaction.
type Tx struct {
	tx *sqlx.Tx
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback rolls back the transaction.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// helper to get the correct database interface
type dbInterface interface {
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type objectRow struct {
	Entity     string `db:"entity"`
	Key        string `db:"object_key"`
	Attributes string `db:"attributes"`
}

func (r objectRow) record() (domain.Record, error) {
	attrs := make(map[string]any)
	if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
		return domain.Record{}, fmt.Errorf("decoding %s/%s: %w", r.Entity, r.Key, err)
	}
	return domain.Record{
		ID:         domain.ObjectID{Entity: r.Entity, Key: r.Key},
		Attributes: attrs,
	}, nil
}

func encodeAttributes(attrs map[string]any) (string, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encoding attributes: %w", err)
	}
	return string(data), nil
}

// ============================================
// Reads
// ============================================

func loadObjects(ctx context.Context, db dbInterface, entity string) ([]domain.Record, error) {
	var rows []objectRow
	err := db.SelectContext(ctx, &rows,
		`SELECT entity, object_key, attributes FROM objects WHERE entity = $1 ORDER BY object_key`, entity)
	if err != nil {
		return nil, err
	}
	records := make([]domain.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) Load(ctx context.Context, entity string) ([]domain.Record, error) {
	return loadObjects(ctx, s.db, entity)
}

func getObject(ctx context.Context, db dbInterface, entity, key string) (domain.Record, error) {
	var row objectRow
	err := db.GetContext(ctx, &row,
		`SELECT entity, object_key, attributes FROM objects WHERE entity = $1 AND object_key = $2`, entity, key)
	if err == sql.ErrNoRows {
		return domain.Record{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Record{}, err
	}
	return row.record()
}

func (s *Store) Get(ctx context.Context, entity, key string) (domain.Record, error) {
	return getObject(ctx, s.db, entity, key)
}

// ============================================
// Writes
// ============================================

func insertObject(ctx context.Context, db dbInterface, rec domain.Record) error {
	attrs, err := encodeAttributes(rec.Attributes)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO objects (entity, object_key, attributes, updated_at) VALUES ($1, $2, $3, $4)`,
		rec.ID.Entity, rec.ID.Key, attrs, time.Now().UTC())
	return wrapUniqueError(err)
}

func (t *Tx) Insert(ctx context.Context, rec domain.Record) error {
	return insertObject(ctx, t.tx, rec)
}

func updateObject(ctx context.Context, db dbInterface, rec domain.Record) error {
	attrs, err := encodeAttributes(rec.Attributes)
	if err != nil {
		return err
	}
	result, err := db.ExecContext(ctx,
		`UPDATE objects SET attributes = $1, updated_at = $2 WHERE entity = $3 AND object_key = $4`,
		attrs, time.Now().UTC(), rec.ID.Entity, rec.ID.Key)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *Tx) Update(ctx context.Context, rec domain.Record) error {
	return updateObject(ctx, t.tx, rec)
}

func deleteObject(ctx context.Context, db dbInterface, entity, key string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM objects WHERE entity = $1 AND object_key = $2`, entity, key)
	return err
}

func (t *Tx) Delete(ctx context.Context, entity, key string) error {
	return deleteObject(ctx, t.tx, entity, key)
}
