// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package kvstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/harborstackd/harborstackd/internal/logging"
)

// ErrTableNotFound is returned for operations against an undeclared table.
var ErrTableNotFound = errors.New("kvstore: table not found")

// ErrItemNotFound is the "missing" marker for Get on an absent key pair.
var ErrItemNotFound = errors.New("kvstore: item not found")

// KeySchema declares a table's partition key and optional sort key.
type KeySchema struct {
	PartitionKey string
	SortKey      string // empty when the table has no sort key
}

// SecondaryIndex declares one index over a non-key attribute.
type SecondaryIndex struct {
	Name         string
	PartitionKey string
	SortKey      string
}

// TableSpec is everything needed to create a logical table.
type TableSpec struct {
	Name    string
	Schema  KeySchema
	Indexes []SecondaryIndex
}

// Item is a stored row: the key attribute values plus the full document.
type Item map[string]interface{}

// Options tunes the embedded engine.
type Options struct {
	MaxMemory string // e.g. "256MB"; empty = engine default
	Threads   int    // 0 = runtime.NumCPU()
	InMemory  bool   // true bypasses the file layout (persist=false)
}

// Store owns one DuckDB handle per logical table.
type Store struct {
	dataDir string
	opts    Options

	mu     sync.RWMutex
	tables map[string]*table
}

type table struct {
	spec TableSpec
	db   *sql.DB
}

// New opens the kv root under dataDir/kv. Tables are created on demand
// via CreateTable.
func New(dataDir string, opts Options) (*Store, error) {
	if !opts.InMemory {
		if err := os.MkdirAll(filepath.Join(dataDir, "kv"), 0o750); err != nil {
			return nil, fmt.Errorf("kvstore: create root: %w", err)
		}
	}
	return &Store{dataDir: dataDir, opts: opts, tables: make(map[string]*table)}, nil
}

// CreateTable opens <data>/kv/<name>.db and creates the item table and
// one index table per secondary index. Re-creating an existing logical
// table is a no-op so provider Start stays idempotent.
func (s *Store) CreateTable(spec TableSpec) error {
	if err := validIdent(spec.Name); err != nil {
		return err
	}
	if spec.Schema.PartitionKey == "" {
		return fmt.Errorf("kvstore: table %q has no partition key", spec.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[spec.Name]; ok {
		return nil
	}

	threads := s.opts.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	dsn := ":memory:"
	if !s.opts.InMemory {
		dsn = filepath.Join(s.dataDir, "kv", spec.Name+".db")
	}
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&autoinstall_known_extensions=false&autoload_known_extensions=false", dsn, threads)
	if s.opts.MaxMemory != "" {
		connStr += "&max_memory=" + s.opts.MaxMemory
	}
	db, err := sql.Open("duckdb", connStr)
	if err != nil {
		return fmt.Errorf("kvstore: open %q: %w", spec.Name, err)
	}
	// One writer per file keeps DuckDB's single-writer model honest.
	db.SetMaxOpenConns(1)

	ddl := `CREATE TABLE IF NOT EXISTS items (pk VARCHAR NOT NULL, sk VARCHAR NOT NULL DEFAULT '', doc JSON NOT NULL, PRIMARY KEY (pk, sk))`
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return fmt.Errorf("kvstore: create table %q: %w", spec.Name, err)
	}
	for _, idx := range spec.Indexes {
		if err := validIdent(idx.Name); err != nil {
			_ = db.Close()
			return err
		}
		_, err := db.Exec(fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (ipk VARCHAR NOT NULL, isk VARCHAR NOT NULL DEFAULT '', pk VARCHAR NOT NULL, sk VARCHAR NOT NULL DEFAULT '')`, idxTable(idx.Name)))
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("kvstore: create index %q on %q: %w", idx.Name, spec.Name, err)
		}
	}

	s.tables[spec.Name] = &table{spec: spec, db: db}
	logging.Debug().Str("table", spec.Name).Int("indexes", len(spec.Indexes)).Msg("kvstore: table ready")
	return nil
}

// TableNames lists declared tables.
func (s *Store) TableNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tables))
	for name := range s.tables {
		out = append(out, name)
	}
	return out
}

// Schema returns the key schema for a declared table.
func (s *Store) Schema(tableName string) (KeySchema, error) {
	t, err := s.table(tableName)
	if err != nil {
		return KeySchema{}, err
	}
	return t.spec.Schema, nil
}

// Put upserts item into tableName. The item must carry the partition key
// (and the sort key, when the schema declares one) as string-convertible
// values.
func (s *Store) Put(tableName string, item Item) error {
	t, err := s.table(tableName)
	if err != nil {
		return err
	}
	pk, sk, err := t.keyOf(item)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("kvstore: encode item: %w", err)
	}

	tx, err := t.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO items (pk, sk, doc) VALUES (?, ?, ?)`, pk, sk, string(doc)); err != nil {
		return fmt.Errorf("kvstore: put into %q: %w", tableName, err)
	}
	for _, idx := range t.spec.Indexes {
		ipk, ok := stringAttr(item, idx.PartitionKey)
		if !ok {
			continue // item doesn't project into this index
		}
		isk := ""
		if idx.SortKey != "" {
			isk, _ = stringAttr(item, idx.SortKey)
		}
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE pk = ? AND sk = ?`, idxTable(idx.Name)), pk, sk); err != nil {
			return err
		}
		if _, err := tx.Exec(fmt.Sprintf(`INSERT INTO %s (ipk, isk, pk, sk) VALUES (?, ?, ?, ?)`, idxTable(idx.Name)), ipk, isk, pk, sk); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Get fetches the item for the exact key pair, or ErrItemNotFound.
func (s *Store) Get(tableName string, key Item) (Item, error) {
	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}
	pk, sk, err := t.keyOf(key)
	if err != nil {
		return nil, err
	}
	var doc string
	row := t.db.QueryRow(`SELECT doc FROM items WHERE pk = ? AND sk = ?`, pk, sk)
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	var item Item
	if err := json.Unmarshal([]byte(doc), &item); err != nil {
		return nil, fmt.Errorf("kvstore: decode item: %w", err)
	}
	return item, nil
}

// Delete removes the item for the key pair. Missing items are a no-op.
func (s *Store) Delete(tableName string, key Item) error {
	t, err := s.table(tableName)
	if err != nil {
		return err
	}
	pk, sk, err := t.keyOf(key)
	if err != nil {
		return err
	}
	tx, err := t.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM items WHERE pk = ? AND sk = ?`, pk, sk); err != nil {
		return err
	}
	for _, idx := range t.spec.Indexes {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE pk = ? AND sk = ?`, idxTable(idx.Name)), pk, sk); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Query returns every item sharing partitionValue, ordered by sort key.
// When indexName is non-empty the lookup goes through that index's table
// instead of the primary key.
func (s *Store) Query(tableName, indexName, partitionValue string) ([]Item, error) {
	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if indexName == "" {
		rows, err = t.db.Query(`SELECT doc FROM items WHERE pk = ? ORDER BY sk`, partitionValue)
	} else {
		found := false
		for _, idx := range t.spec.Indexes {
			if idx.Name == indexName {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("kvstore: %w: index %q on %q", ErrTableNotFound, indexName, tableName)
		}
		rows, err = t.db.Query(fmt.Sprintf(
			`SELECT i.doc FROM items i JOIN %s x ON i.pk = x.pk AND i.sk = x.sk WHERE x.ipk = ? ORDER BY x.isk`, idxTable(indexName)), partitionValue)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Item
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var item Item
		if err := json.Unmarshal([]byte(doc), &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Scan returns every item in the table, capped at limit (0 = unlimited).
func (s *Store) Scan(tableName string, limit int) ([]Item, error) {
	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}
	q := `SELECT doc FROM items ORDER BY pk, sk`
	if limit > 0 {
		q = fmt.Sprintf("%s LIMIT %d", q, limit)
	}
	rows, err := t.db.Query(q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Item
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var item Item
		if err := json.Unmarshal([]byte(doc), &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Reset truncates every table's rows, keeping the schemas.
func (s *Store) Reset() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var errs []error
	for name, t := range s.tables {
		if _, err := t.db.Exec(`DELETE FROM items`); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		for _, idx := range t.spec.Indexes {
			if _, err := t.db.Exec(fmt.Sprintf(`DELETE FROM %s`, idxTable(idx.Name))); err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", name, idx.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Close releases every table's handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for name, t := range s.tables {
		if err := t.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(s.tables, name)
	}
	return errors.Join(errs...)
}

func (s *Store) table(name string) (*table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTableNotFound, name)
	}
	return t, nil
}

func (t *table) keyOf(item Item) (pk, sk string, err error) {
	pk, ok := stringAttr(item, t.spec.Schema.PartitionKey)
	if !ok {
		return "", "", fmt.Errorf("kvstore: item missing partition key %q", t.spec.Schema.PartitionKey)
	}
	if t.spec.Schema.SortKey != "" {
		sk, ok = stringAttr(item, t.spec.Schema.SortKey)
		if !ok {
			return "", "", fmt.Errorf("kvstore: item missing sort key %q", t.spec.Schema.SortKey)
		}
	}
	return pk, sk, nil
}

func stringAttr(item Item, attr string) (string, bool) {
	v, ok := item[attr]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return fmt.Sprintf("%v", s), true
	case int:
		return fmt.Sprintf("%d", s), true
	case bool:
		return fmt.Sprintf("%t", s), true
	default:
		return "", false
	}
}

// idxTable maps an index name to its SQL table, folding characters that
// are legal in resource names but not in bare SQL identifiers.
func idxTable(name string) string {
	return "idx_" + strings.ReplaceAll(name, "-", "_")
}

// validIdent rejects names that can't be spliced into DDL safely.
func validIdent(name string) error {
	if name == "" {
		return errors.New("kvstore: empty identifier")
	}
	for _, r := range name {
		ok := r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return fmt.Errorf("kvstore: invalid identifier %q", name)
		}
	}
	return nil
}
