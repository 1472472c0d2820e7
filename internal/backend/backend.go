// Package backend binds the cursor and transaction contracts to concrete
// storage engines and implements record and index maintenance on top of
// their raw bucket access.
package backend

import (
	"fmt"
	"strings"

	"github.com/myuser/unidb/internal/backend/bolt"
	"github.com/myuser/unidb/internal/backend/memory"
	"github.com/myuser/unidb/internal/backend/sqlstore"
	"github.com/myuser/unidb/internal/cursor"
	"github.com/myuser/unidb/internal/dberr"
	"github.com/myuser/unidb/internal/logger"
	"github.com/myuser/unidb/internal/schema"
	"github.com/myuser/unidb/internal/tr"
)

// Type selects a storage backend.
type Type int

const (
	// TypeBolt is the native transactional store with seekable cursors.
	TypeBolt Type = iota
	// TypeSQL stores buckets as tables and pages through them with SQL.
	TypeSQL
	// TypeMemory keeps buckets in ordered trees, optionally journaled to a WAL.
	TypeMemory
)

func (t Type) String() string {
	switch t {
	case TypeBolt:
		return "bolt"
	case TypeSQL:
		return "sql"
	case TypeMemory:
		return "memory"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType parses the names produced by Type.String.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "bolt", "bbolt":
		return TypeBolt, nil
	case "sql", "sqlite":
		return TypeSQL, nil
	case "memory", "mem", "":
		return TypeMemory, nil
	}
	return TypeMemory, dberr.Argument("unknown backend %q", s)
}

// KV is the raw bucket access every backend transaction provides. Keys
// within a bucket are ordered bytewise.
type KV interface {
	// Get returns nil when k is missing.
	Get(bucket string, k []byte) ([]byte, error)
	Put(bucket string, k, v []byte) error
	Delete(bucket string, k []byte) error
	Clear(bucket string) error
	Seeker(bucket string) (cursor.Seeker, error)
	Writable() bool
}

// Storage is an open backend.
type Storage interface {
	tr.Storage
	Close() error
}

// Options configures Open.
type Options struct {
	Type Type
	// Path is the database file. The memory backend runs without a journal
	// when it is empty.
	Path string
	// PageSize is the number of rows the SQL backend fetches per query.
	PageSize int
	// Compress enables zstd compression of memory journal entries.
	Compress bool
	Logger   *logger.Logger
}

const metaBucket = "meta"

// StoreBucket names the bucket holding the records of a store.
func StoreBucket(store string) string { return "s:" + store }

// IndexBucket names the bucket holding the entries of an index.
func IndexBucket(store, index string) string { return "i:" + store + ":" + index }

// Buckets lists every bucket a schema needs.
func Buckets(d *schema.Database) []string {
	out := []string{metaBucket}
	for _, s := range d.Stores {
		out = append(out, StoreBucket(s.Name))
		for _, i := range s.Indexes {
			out = append(out, IndexBucket(s.Name, i.Name))
		}
	}
	return out
}

// Open opens the backend selected by opts.Type with the buckets of d.
func Open(opts Options, d *schema.Database) (Storage, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Noop()
	}
	log := opts.Logger.WithBackend(opts.Type.String())
	buckets := Buckets(d)
	switch opts.Type {
	case TypeBolt:
		if opts.Path == "" {
			return nil, dberr.Argument("bolt backend needs a path")
		}
		s, err := bolt.Open(opts.Path, buckets, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case TypeSQL:
		path := opts.Path
		if path == "" {
			path = ":memory:"
		}
		s, err := sqlstore.Open(path, buckets, opts.PageSize, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case TypeMemory:
		s, err := memory.Open(opts.Path, buckets, opts.Compress, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, dberr.Argument("unknown backend %d", int(opts.Type))
}
