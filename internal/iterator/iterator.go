// Package iterator describes scans over a store or one of its indexes.
//
// An Iterator is an immutable description: store, optional index, key range,
// direction and whether values are loaded. Executing it produces a Session,
// which owns the backend cursor and remembers the last position so the scan
// can be resumed in a later transaction.
package iterator

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/myuser/unidb/internal/cursor"
	"github.com/myuser/unidb/internal/dberr"
	"github.com/myuser/unidb/internal/key"
	"github.com/myuser/unidb/internal/schema"
	"github.com/myuser/unidb/internal/tr"
)

// Executor materializes backend cursors inside a transaction.
type Executor interface {
	GetCursor(tx tr.Tx, label, store, index string, rng *key.Range, dir cursor.Direction, keyOnly bool, mth cursor.Method) (cursor.Cursor, error)
}

// EquiJoin restricts results to records whose Field equals Value. When Store
// is another store, the record of that store sharing the primary key is
// tested instead.
type EquiJoin struct {
	Store string
	Field string
	Value any
}

// Options is the generic Iterator description accepted by New.
type Options struct {
	Store string
	// Index is empty for primary key iterators.
	Index string
	// IndexKeyPath optionally records the key path of Index for display.
	IndexKeyPath []string
	Range        *key.Range
	Direction    cursor.Direction
	KeyOnly      bool
}

// Iterator is an immutable scan description.
type Iterator struct {
	store   string
	index   string
	keyPath []string
	rng     *key.Range
	dir     cursor.Direction
	keyOnly bool
	joins   []EquiJoin

	seeded   bool
	seedKey  any
	seedPKey any
}

// New validates opts and returns the Iterator it describes.
func New(opts Options) (*Iterator, error) {
	if opts.Store == "" {
		return nil, dberr.Argument("iterator needs a store")
	}
	switch opts.Direction {
	case cursor.Next, cursor.NextUnique, cursor.Prev, cursor.PrevUnique:
	default:
		return nil, dberr.Argument("invalid direction %d", int(opts.Direction))
	}
	var rng *key.Range
	if opts.Range != nil {
		cp := *opts.Range
		if err := cp.Validate(); err != nil {
			return nil, err
		}
		rng = &cp
	}
	return &Iterator{
		store:   opts.Store,
		index:   opts.Index,
		keyPath: append([]string(nil), opts.IndexKeyPath...),
		rng:     rng,
		dir:     opts.Direction,
		keyOnly: opts.KeyOnly,
	}, nil
}

// NewKeyIterator iterates the primary keys of store.
func NewKeyIterator(store string, rng *key.Range, reverse bool) (*Iterator, error) {
	return New(Options{Store: store, Range: rng, Direction: cursor.MakeDirection(reverse, false), KeyOnly: true})
}

// NewValueIterator iterates the records of store.
func NewValueIterator(store string, rng *key.Range, reverse bool) (*Iterator, error) {
	return New(Options{Store: store, Range: rng, Direction: cursor.MakeDirection(reverse, false)})
}

// NewIndexIterator iterates the keys of an index. rng applies to index keys.
func NewIndexIterator(store, index string, rng *key.Range, reverse, unique bool) (*Iterator, error) {
	return New(Options{Store: store, Index: index, Range: rng, Direction: cursor.MakeDirection(reverse, unique), KeyOnly: true})
}

// NewIndexValueIterator iterates the records of store in index order.
func NewIndexValueIterator(store, index string, rng *key.Range, reverse, unique bool) (*Iterator, error) {
	return New(Options{Store: store, Index: index, Range: rng, Direction: cursor.MakeDirection(reverse, unique)})
}

func (it *Iterator) Store() string               { return it.store }
func (it *Iterator) Index() string               { return it.index }
func (it *Iterator) IsIndex() bool               { return it.index != "" }
func (it *Iterator) KeyOnly() bool               { return it.keyOnly }
func (it *Iterator) Direction() cursor.Direction { return it.dir }
func (it *Iterator) Range() *key.Range           { return it.rng }
func (it *Iterator) Joins() []EquiJoin           { return append([]EquiJoin(nil), it.joins...) }

// IndexKeyPath is the key path of the index, when known.
func (it *Iterator) IndexKeyPath() []string { return append([]string(nil), it.keyPath...) }

// Seed returns the position the iterator resumes after, if any.
func (it *Iterator) Seed() (k, pk any, ok bool) {
	return it.seedKey, it.seedPKey, it.seeded
}

// Stores lists the iterator store followed by joined stores.
func (it *Iterator) Stores() []string {
	out := []string{it.store}
	for _, j := range it.joins {
		if !contains(out, j.Store) {
			out = append(out, j.Store)
		}
	}
	return out
}

// Validate checks the store and index exist in d.
func (it *Iterator) Validate(d *schema.Database) error {
	st, err := d.Store(it.store)
	if err != nil {
		return err
	}
	if it.index != "" && st.Index(it.index) == nil {
		return dberr.Argument("index %s.%s not found", it.store, it.index)
	}
	for _, j := range it.joins {
		if _, err := d.Store(j.Store); err != nil {
			return err
		}
	}
	return nil
}

func (it *Iterator) clone() *Iterator {
	cp := *it
	cp.joins = append([]EquiJoin(nil), it.joins...)
	return &cp
}

// Resume returns an Iterator that continues strictly after (k, pk).
func (it *Iterator) Resume(k, pk any) *Iterator {
	cp := it.clone()
	cp.seeded, cp.seedKey, cp.seedPKey = true, k, pk
	return cp
}

// Reverse returns the Iterator walking the other way with the same uniqueness.
func (it *Iterator) Reverse() *Iterator {
	cp := it.clone()
	cp.dir = it.dir.Flip()
	return cp
}

// Join restricts results by a field of store.
func (it *Iterator) Join(store, field string, value any) *Iterator {
	cp := it.clone()
	cp.joins = append(cp.joins, EquiJoin{Store: store, Field: field, Value: value})
	return cp
}

// Restrict restricts results by a field of the iterator's own records.
func (it *Iterator) Restrict(field string, value any) *Iterator {
	return it.Join(it.store, field, value)
}

// Equal reports whether two iterators describe the same scan.
func (it *Iterator) Equal(o *Iterator) bool {
	if it == nil || o == nil {
		return it == o
	}
	if it.store != o.store || it.index != o.index || it.dir != o.dir || it.keyOnly != o.keyOnly ||
		it.seeded != o.seeded || len(it.joins) != len(o.joins) {
		return false
	}
	if !it.rng.Equal(o.rng) || !key.Equal(it.seedKey, o.seedKey) || !key.Equal(it.seedPKey, o.seedPKey) {
		return false
	}
	for i, j := range it.joins {
		p := o.joins[i]
		if j.Store != p.Store || j.Field != p.Field || !reflect.DeepEqual(j.Value, p.Value) {
			return false
		}
	}
	return true
}

func (it *Iterator) String() string {
	var b strings.Builder
	b.WriteString(it.store)
	if it.index != "" {
		b.WriteString(":" + it.index)
	}
	if it.rng != nil {
		b.WriteString(" " + it.rng.String())
	}
	b.WriteString(" " + it.dir.String())
	if it.keyOnly {
		b.WriteString(" keys")
	} else {
		b.WriteString(" values")
	}
	for _, j := range it.joins {
		fmt.Fprintf(&b, " %s.%s=%s", j.Store, j.Field, key.Format(j.Value))
	}
	if it.seeded {
		fmt.Fprintf(&b, " after %s/%s", key.Format(it.seedKey), key.Format(it.seedPKey))
	}
	return b.String()
}

// Iterate opens a Session on a fresh cursor inside tx. A resumed Iterator
// starts strictly after its seed.
func (it *Iterator) Iterate(tx tr.Tx, label string, exec Executor, mth cursor.Method) (*Session, error) {
	s := NewSession(it)
	if _, err := s.Iterate(tx, label, exec, mth); err != nil {
		return nil, err
	}
	return s, nil
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
