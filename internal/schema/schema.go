// Package schema describes stores and indexes and extracts keys from records.
package schema

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/myuser/unidb/internal/dberr"
	"github.com/myuser/unidb/internal/key"
)

// Index is a secondary index over a store. A KeyPath with more than one
// field builds a composite (array) key.
type Index struct {
	Name       string   `json:"name"`
	KeyPath    []string `json:"keyPath"`
	Unique     bool     `json:"unique,omitempty"`
	MultiEntry bool     `json:"multiEntry,omitempty"`
}

// Store is an object store. Records are JSON objects. With a KeyPath the
// primary key is read from the record; otherwise it is given out of line.
type Store struct {
	Name          string   `json:"name"`
	KeyPath       string   `json:"keyPath,omitempty"`
	AutoIncrement bool     `json:"autoIncrement,omitempty"`
	Indexes       []*Index `json:"indexes,omitempty"`
}

// Database is the schema of a database.
type Database struct {
	Name   string   `json:"name"`
	Stores []*Store `json:"stores"`
}

// Load reads a JSON schema file.
func Load(path string) (*Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read schema %s", path)
	}
	var db Database
	if err := json.Unmarshal(data, &db); err != nil {
		return nil, errors.Wrapf(err, "parse schema %s", path)
	}
	if err := db.Validate(); err != nil {
		return nil, err
	}
	return &db, nil
}

// Validate checks names are present and unique.
func (d *Database) Validate() error {
	seen := map[string]bool{}
	for _, s := range d.Stores {
		if s.Name == "" {
			return dberr.Argument("store without a name")
		}
		if seen[s.Name] {
			return dberr.Argument("duplicate store %s", s.Name)
		}
		seen[s.Name] = true
		idx := map[string]bool{}
		for _, i := range s.Indexes {
			if i.Name == "" || len(i.KeyPath) == 0 {
				return dberr.Argument("index of store %s needs a name and a key path", s.Name)
			}
			if idx[i.Name] {
				return dberr.Argument("duplicate index %s.%s", s.Name, i.Name)
			}
			if i.MultiEntry && len(i.KeyPath) > 1 {
				return dberr.Argument("multi-entry index %s.%s cannot be composite", s.Name, i.Name)
			}
			idx[i.Name] = true
		}
	}
	return nil
}

// Store looks up a store by name.
func (d *Database) Store(name string) (*Store, error) {
	for _, s := range d.Stores {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, dberr.Argument("store %s not found", name)
}

// Index looks up an index of a store.
func (d *Database) Index(store, index string) (*Store, *Index, error) {
	s, err := d.Store(store)
	if err != nil {
		return nil, nil, err
	}
	i := s.Index(index)
	if i == nil {
		return nil, nil, dberr.Argument("index %s.%s not found", store, index)
	}
	return s, i, nil
}

// StoreNames lists every store.
func (d *Database) StoreNames() []string {
	names := make([]string, len(d.Stores))
	for i, s := range d.Stores {
		names[i] = s.Name
	}
	return names
}

func (s *Store) Index(name string) *Index {
	for _, i := range s.Indexes {
		if i.Name == name {
			return i
		}
	}
	return nil
}

// IndexOn returns the first single-field index over field.
func (s *Store) IndexOn(field string) *Index {
	for _, i := range s.Indexes {
		if len(i.KeyPath) == 1 && i.KeyPath[0] == field {
			return i
		}
	}
	return nil
}

// PrimaryKey extracts the in-line primary key of record. ok is false when
// the store has no key path or the record lacks it.
func (s *Store) PrimaryKey(record any) (any, bool) {
	if s.KeyPath == "" {
		return nil, false
	}
	v, ok := Field(record, s.KeyPath)
	if !ok {
		return nil, false
	}
	k, err := key.Normalize(v)
	if err != nil {
		return nil, false
	}
	return k, true
}

// Keys returns the index keys record produces. Records missing a field, or
// holding an invalid key there, are not indexed.
func (i *Index) Keys(record any) []any {
	if len(i.KeyPath) > 1 {
		parts := make([]any, 0, len(i.KeyPath))
		for _, p := range i.KeyPath {
			v, ok := Field(record, p)
			if !ok {
				return nil
			}
			parts = append(parts, v)
		}
		k, err := key.Normalize(parts)
		if err != nil {
			return nil
		}
		return []any{k}
	}

	v, ok := Field(record, i.KeyPath[0])
	if !ok {
		return nil
	}
	if arr, isArr := v.([]any); isArr && i.MultiEntry {
		var out []any
		for _, e := range arr {
			k, err := key.Normalize(e)
			if err != nil {
				continue
			}
			dup := false
			for _, o := range out {
				if key.Equal(o, k) {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, k)
			}
		}
		return out
	}
	k, err := key.Normalize(v)
	if err != nil {
		return nil
	}
	return []any{k}
}

// Field reads a dotted path from a record.
func Field(record any, path string) (any, bool) {
	cur := record
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

// SetField writes a dotted path into a record, creating nested objects.
func SetField(record map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	m := record
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}
