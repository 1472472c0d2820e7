// Package db is the database operator: it owns a backend, a schema and a
// transaction thread, and exposes record operations, iterator queries and
// scans as requests on that thread.
package db

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/pkg/errors"

	"github.com/myuser/unidb/internal/algo"
	"github.com/myuser/unidb/internal/backend"
	"github.com/myuser/unidb/internal/cursor"
	"github.com/myuser/unidb/internal/dberr"
	"github.com/myuser/unidb/internal/iterator"
	"github.com/myuser/unidb/internal/key"
	"github.com/myuser/unidb/internal/logger"
	"github.com/myuser/unidb/internal/scan"
	"github.com/myuser/unidb/internal/schema"
	"github.com/myuser/unidb/internal/tr"
)

// DefaultParallelSize is the thread count of a parallel policy when none is
// configured.
const DefaultParallelSize = 4

type Options struct {
	Backend backend.Type
	Path    string

	Policy       tr.Policy
	ParallelSize int
	// MaxQueue bounds each thread's request queue. Zero is unbounded.
	MaxQueue int

	PageSize int
	Compress bool
	Logger   *logger.Logger
}

// DB is a database operator. Branches share the storage of the DB they were
// made from but run their own thread.
type DB struct {
	name    string
	schema  *schema.Database
	storage backend.Storage
	exec    *backend.Executor
	thread  tr.Thread
	engine  *scan.Engine
	log     *logger.Logger
	opts    Options

	root *DB

	mu       sync.Mutex
	branches []*DB
	closed   bool
}

// Open opens the backend described by opts for d.
func Open(d *schema.Database, opts Options) (*DB, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logger.Noop()
	}
	st, err := backend.Open(backend.Options{
		Type:     opts.Backend,
		Path:     opts.Path,
		PageSize: opts.PageSize,
		Compress: opts.Compress,
		Logger:   opts.Logger,
	}, d)
	if err != nil {
		return nil, err
	}
	db, err := build(d, st, backend.NewExecutor(d), "main", opts)
	if err != nil {
		st.Close()
		return nil, err
	}
	opts.Logger.Info("database opened", "name", d.Name, "backend", opts.Backend.String(), "policy", opts.Policy.String())
	return db, nil
}

func build(d *schema.Database, st backend.Storage, exec *backend.Executor, name string, opts Options) (*DB, error) {
	size := opts.ParallelSize
	if size <= 0 {
		size = DefaultParallelSize
	}
	thread, err := tr.NewThread(st, opts.Policy, size,
		tr.WithName(name),
		tr.WithMaxQueue(opts.MaxQueue),
		tr.WithLogger(opts.Logger),
	)
	if err != nil {
		return nil, err
	}
	return &DB{
		name:    name,
		schema:  d,
		storage: st,
		exec:    exec,
		thread:  thread,
		engine:  scan.New(thread, exec, scan.WithSchema(d), scan.WithLogger(opts.Logger)),
		log:     opts.Logger,
		opts:    opts,
	}, nil
}

// Branch returns a DB on the same storage driven by a new thread with the
// given policy. Branches are closed with the DB they came from.
func (db *DB) Branch(policy tr.Policy, size int) (*DB, error) {
	root := db.rootDB()
	root.mu.Lock()
	defer root.mu.Unlock()
	if root.closed {
		return nil, dberr.InvalidState("database %s is closed", db.schema.Name)
	}
	opts := db.opts
	opts.Policy, opts.ParallelSize = policy, size
	b, err := build(db.schema, db.storage, db.exec, fmt.Sprintf("%s-%d", root.name, len(root.branches)+1), opts)
	if err != nil {
		return nil, err
	}
	b.root = root
	root.branches = append(root.branches, b)
	return b, nil
}

func (db *DB) rootDB() *DB {
	if db.root != nil {
		return db.root
	}
	return db
}

func (db *DB) Name() string                { return db.name }
func (db *DB) Schema() *schema.Database    { return db.schema }
func (db *DB) Thread() tr.Thread           { return db.thread }
func (db *DB) Executor() *backend.Executor { return db.exec }

// Storage returns the backend shared by the DB and its branches.
func (db *DB) Storage() backend.Storage { return db.storage }

// Close waits for the thread to drain. Closing the DB returned by Open also
// closes its branches and the storage.
func (db *DB) Close(ctx context.Context) error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	branches := db.branches
	db.mu.Unlock()
	if db.root != nil {
		return db.thread.Close(ctx)
	}

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, b := range branches {
		keep(b.Close(ctx))
	}
	keep(db.thread.Close(ctx))
	keep(db.storage.Close())
	db.log.Info("database closed", "name", db.schema.Name)
	return first
}

func (db *DB) checkStores(stores []string) error {
	if len(stores) == 0 {
		return dberr.Argument("a transaction needs at least one store")
	}
	for _, s := range stores {
		if _, err := db.schema.Store(s); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) do(ctx context.Context, stores []string, mode tr.Mode, fn func(tx tr.Tx, label string) (any, error)) *tr.Request {
	if err := db.checkStores(stores); err != nil {
		return tr.Failed(err)
	}
	return db.thread.Exec(ctx, func(_ context.Context, tx tr.Tx, label string) (any, error) {
		return fn(tx, label)
	}, stores, mode)
}

// Run executes fn in a transaction over stores. Requests made with the ctx
// handed to fn join that transaction.
func (db *DB) Run(ctx context.Context, fn tr.Func, stores []string, mode tr.Mode) *tr.Request {
	if fn == nil {
		return tr.Failed(dberr.Argument("run needs a function"))
	}
	if err := db.checkStores(stores); err != nil {
		return tr.Failed(err)
	}
	return db.thread.Exec(ctx, fn, stores, mode)
}

// Abort aborts the transaction scope carried by ctx.
func (db *DB) Abort(ctx context.Context) error {
	return db.thread.Abort(ctx)
}

// Add inserts value and resolves to its primary key. It fails with a
// ConstraintError when the key exists.
func (db *DB) Add(ctx context.Context, store string, value, pk any) *tr.Request {
	return db.do(ctx, []string{store}, tr.ReadWrite, func(tx tr.Tx, _ string) (any, error) {
		return db.exec.Add(tx, store, value, pk)
	})
}

// Put inserts or replaces value and resolves to its primary key.
func (db *DB) Put(ctx context.Context, store string, value, pk any) *tr.Request {
	return db.do(ctx, []string{store}, tr.ReadWrite, func(tx tr.Tx, _ string) (any, error) {
		return db.exec.Put(tx, store, value, pk)
	})
}

// PutAll writes every value in one transaction and resolves to their keys.
func (db *DB) PutAll(ctx context.Context, store string, values []any) *tr.Request {
	return db.do(ctx, []string{store}, tr.ReadWrite, func(tx tr.Tx, _ string) (any, error) {
		keys := make([]any, len(values))
		for i, v := range values {
			k, err := db.exec.Put(tx, store, v, nil)
			if err != nil {
				return nil, errors.Wrapf(err, "put record %d", i)
			}
			keys[i] = k
		}
		return keys, nil
	})
}

// Get resolves to the record stored under pk, or fails with
// dberr.ErrNotFound.
func (db *DB) Get(ctx context.Context, store string, pk any) *tr.Request {
	return db.do(ctx, []string{store}, tr.ReadOnly, func(tx tr.Tx, _ string) (any, error) {
		return db.exec.Get(tx, store, pk)
	})
}

func (db *DB) Remove(ctx context.Context, store string, pk any) *tr.Request {
	return db.do(ctx, []string{store}, tr.ReadWrite, func(tx tr.Tx, _ string) (any, error) {
		return nil, db.exec.Delete(tx, store, pk)
	})
}

func (db *DB) Clear(ctx context.Context, store string) *tr.Request {
	return db.do(ctx, []string{store}, tr.ReadWrite, func(tx tr.Tx, _ string) (any, error) {
		return nil, db.exec.Clear(tx, store)
	})
}

// Count resolves to the number of entries of a store, or of one of its
// indexes when index is set, within rng.
func (db *DB) Count(ctx context.Context, store, index string, rng *key.Range) *tr.Request {
	if index != "" {
		if _, _, err := db.schema.Index(store, index); err != nil {
			return tr.Failed(err)
		}
	}
	return db.do(ctx, []string{store}, tr.ReadOnly, func(tx tr.Tx, _ string) (any, error) {
		return db.exec.Count(tx, store, index, rng)
	})
}

// Keys resolves to the effective keys it visits, skipping offset matches
// and stopping after limit when limit is positive.
func (db *DB) Keys(ctx context.Context, it *iterator.Iterator, limit, offset int) *tr.Request {
	return db.collect(ctx, it, limit, offset, func(pos cursor.Position) any { return pos.Key })
}

// Values resolves to the records a value iterator visits. Key iterators
// yield primary keys instead.
func (db *DB) Values(ctx context.Context, it *iterator.Iterator, limit, offset int) *tr.Request {
	return db.collect(ctx, it, limit, offset, func(pos cursor.Position) any {
		if it.KeyOnly() {
			return pos.PrimaryKey
		}
		return pos.Value
	})
}

func (db *DB) collect(ctx context.Context, it *iterator.Iterator, limit, offset int, pick func(cursor.Position) any) *tr.Request {
	if it == nil {
		return tr.Failed(dberr.Argument("iterator required"))
	}
	if offset < 0 {
		return tr.Failed(dberr.Argument("negative offset %d", offset))
	}
	if err := it.Validate(db.schema); err != nil {
		return tr.Failed(err)
	}
	return db.do(ctx, it.Stores(), tr.ReadOnly, func(tx tr.Tx, label string) (any, error) {
		out := []any{}
		skipped := 0
		err := db.walk(tx, label, it, cursor.MethodValues, func(s *iterator.Session) (bool, error) {
			if skipped < offset {
				skipped++
				return true, nil
			}
			out = append(out, pick(s.Position()))
			return limit <= 0 || len(out) < limit, nil
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	})
}

// Open runs fn on every position of it inside one transaction of the given
// mode. fn may update or clear the current record through the session when
// mode is ReadWrite; returning false stops the walk. The request resolves to
// the number of positions handed to fn.
func (db *DB) Open(ctx context.Context, it *iterator.Iterator, mode tr.Mode, fn func(s *iterator.Session) (bool, error)) *tr.Request {
	if it == nil || fn == nil {
		return tr.Failed(dberr.Argument("open needs an iterator and a callback"))
	}
	if err := it.Validate(db.schema); err != nil {
		return tr.Failed(err)
	}
	mth := cursor.MethodValues
	if mode == tr.ReadWrite {
		mth = cursor.MethodUpdate
	}
	return db.do(ctx, it.Stores(), mode, func(tx tr.Tx, label string) (any, error) {
		n := 0
		err := db.walk(tx, label, it, mth, func(s *iterator.Session) (bool, error) {
			n++
			return fn(s)
		})
		if err != nil {
			return nil, err
		}
		return n, nil
	})
}

// walk visits the positions of it that pass its joins.
func (db *DB) walk(tx tr.Tx, label string, it *iterator.Iterator, mth cursor.Method, fn func(s *iterator.Session) (bool, error)) error {
	s, err := it.Iterate(tx, label, db.exec, mth)
	if err != nil {
		return err
	}
	defer s.Exit()
	for pos := s.Position(); !pos.Exhausted(); {
		ok, err := db.matches(tx, it, pos)
		if err != nil {
			return err
		}
		if ok {
			more, err := fn(s)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		if pos, err = s.Advance(1); err != nil {
			return err
		}
	}
	return nil
}

// matches applies the equi-joins of it to the record at pos.
func (db *DB) matches(tx tr.Tx, it *iterator.Iterator, pos cursor.Position) (bool, error) {
	own := pos.Value
	for _, j := range it.Joins() {
		var rec any
		switch {
		case j.Store != it.Store():
			r, err := db.exec.Get(tx, j.Store, pos.PrimaryKey)
			if errors.Is(err, dberr.ErrNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			rec = r
		case own != nil && !it.KeyOnly():
			rec = own
		default:
			r, err := db.exec.Get(tx, it.Store(), pos.PrimaryKey)
			if err != nil {
				return false, err
			}
			own, rec = r, r
		}
		v, ok := schema.Field(rec, j.Field)
		if !ok || !sameValue(v, j.Value) {
			return false, nil
		}
	}
	return true, nil
}

func sameValue(a, b any) bool {
	na, errA := key.Normalize(a)
	nb, errB := key.Normalize(b)
	if errA == nil && errB == nil {
		return key.Equal(na, nb)
	}
	return reflect.DeepEqual(a, b)
}

// Scan runs solver over iters. See scan.Engine.Scan.
func (db *DB) Scan(ctx context.Context, solver scan.Solver, iters ...*iterator.Iterator) *tr.Request {
	return db.engine.Scan(ctx, solver, iters...)
}

// List intersects key iterators with a sorted merge and resolves to the
// matching records of the first iterator's store, at most limit of them when
// limit is positive.
func (db *DB) List(ctx context.Context, limit int, iters ...*iterator.Iterator) *tr.Request {
	if len(iters) == 0 {
		return tr.Failed(dberr.Argument("list needs at least one iterator"))
	}
	var stores []string
	for _, it := range iters {
		for _, s := range it.Stores() {
			if !contains(stores, s) {
				stores = append(stores, s)
			}
		}
	}
	store := iters[0].Store()
	return db.Run(ctx, func(ctx context.Context, tx tr.Tx, label string) (any, error) {
		out := &algo.Collector{Limit: limit}
		if _, err := db.engine.Scan(ctx, &algo.SortedMerge{Sink: out.Add}, iters...).Peek(); err != nil {
			return nil, err
		}
		records := make([]any, 0, len(out.Rows))
		for _, pk := range out.First() {
			r, err := db.exec.Get(tx, store, pk)
			if err != nil {
				return nil, errors.Wrapf(err, "list %s", store)
			}
			records = append(records, r)
		}
		return records, nil
	}, stores, tr.ReadOnly)
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
