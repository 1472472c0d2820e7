// Package memory is the flat key-value backend: each bucket is an ordered
// in-memory tree, and committed transactions are journaled to a WAL when a
// path is given.
package memory

import (
	"bytes"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/myuser/unidb/internal/cursor"
	"github.com/myuser/unidb/internal/logger"
	"github.com/myuser/unidb/internal/metrics"
	"github.com/myuser/unidb/internal/tr"
	"github.com/myuser/unidb/internal/wal"
)

const degree = 32

type item struct {
	key   []byte
	value []byte
}

func (i *item) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*item).key) < 0
}

type opKind string

const (
	opPut    opKind = "put"
	opDelete opKind = "del"
	opClear  opKind = "clear"
)

// op is one journaled mutation. A WAL entry holds the ops of one transaction.
type op struct {
	Kind   opKind `json:"op"`
	Bucket string `json:"b"`
	Key    []byte `json:"k,omitempty"`
	Value  []byte `json:"v,omitempty"`
}

// Store holds the committed trees. Transactions work on copy-on-write clones
// and install them on commit; one read-write transaction runs at a time.
type Store struct {
	mu     sync.Mutex
	trees  map[string]*btree.BTree
	writer sync.Mutex

	journal *wal.WAL
	log     *logger.Logger
}

// Open creates the buckets and, when path is not empty, replays the journal
// at path.
func Open(path string, buckets []string, compress bool, log *logger.Logger) (*Store, error) {
	s := &Store{trees: make(map[string]*btree.BTree), log: log}
	for _, b := range buckets {
		s.trees[b] = btree.New(degree)
	}
	if path == "" {
		return s, nil
	}
	j, err := wal.Open(path, wal.WithCompression(compress))
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %s", path)
	}
	entries := 0
	err = j.Iterate(func(data []byte) error {
		var ops []op
		if err := json.Unmarshal(data, &ops); err != nil {
			return errors.Wrap(err, "decode journal entry")
		}
		apply(s.trees, ops)
		entries++
		return nil
	})
	if err != nil {
		j.Close()
		return nil, errors.Wrapf(err, "replay journal %s", path)
	}
	s.journal = j
	log.Debug("journal replayed", "path", path, "entries", entries)
	return s, nil
}

func apply(trees map[string]*btree.BTree, ops []op) {
	for _, o := range ops {
		t, ok := trees[o.Bucket]
		if !ok || o.Kind == opClear {
			t = btree.New(degree)
			trees[o.Bucket] = t
		}
		switch o.Kind {
		case opPut:
			t.ReplaceOrInsert(&item{key: o.Key, value: o.Value})
		case opDelete:
			t.Delete(&item{key: o.Key})
		}
	}
}

func (s *Store) snapshot() map[string]*btree.BTree {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*btree.BTree, len(s.trees))
	for b, t := range s.trees {
		out[b] = t.Clone()
	}
	return out
}

// Transaction runs process against a snapshot of the committed trees.
func (s *Store) Transaction(process func(tx tr.Tx), stores []string, mode tr.Mode, completed func(tr.Event, error)) {
	if mode == tr.ReadWrite {
		s.writer.Lock()
	}
	ev, err := s.run(process, mode)
	if mode == tr.ReadWrite {
		s.writer.Unlock()
	}
	completed(ev, err)
}

func (s *Store) run(process func(tx tr.Tx), mode tr.Mode) (ev tr.Event, err error) {
	t := &Tx{trees: s.snapshot(), writable: mode == tr.ReadWrite}
	defer func() {
		if p := recover(); p != nil {
			ev, err = tr.EventError, errors.Errorf("transaction panicked: %v", p)
		}
	}()
	process(t)

	if t.aborted.Load() {
		return tr.EventAbort, nil
	}
	if !t.writable || len(t.ops) == 0 {
		return tr.EventComplete, nil
	}
	if s.journal != nil {
		data, err := json.Marshal(t.ops)
		if err != nil {
			return tr.EventError, errors.Wrap(err, "encode journal entry")
		}
		if err := s.journal.Append(data); err != nil {
			return tr.EventError, errors.Wrap(err, "append journal entry")
		}
		metrics.Inc(metrics.WALAppends)
	}
	s.mu.Lock()
	s.trees = t.trees
	s.mu.Unlock()
	return tr.EventComplete, nil
}

// Compact rewrites the journal as a single entry holding the committed state.
func (s *Store) Compact() error {
	if s.journal == nil {
		return nil
	}
	s.writer.Lock()
	defer s.writer.Unlock()

	var ops []op
	for b, t := range s.snapshot() {
		ops = append(ops, op{Kind: opClear, Bucket: b})
		t.Ascend(func(i btree.Item) bool {
			it := i.(*item)
			ops = append(ops, op{Kind: opPut, Bucket: b, Key: it.key, Value: it.value})
			return true
		})
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return errors.Wrap(err, "encode journal snapshot")
	}
	if err := s.journal.Reset(); err != nil {
		return errors.Wrap(err, "reset journal")
	}
	if err := s.journal.Append(data); err != nil {
		return errors.Wrap(err, "append journal snapshot")
	}
	s.log.Info("journal compacted", "path", s.journal.Path(), "ops", len(ops))
	return nil
}

func (s *Store) Close() error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}

// Tx is a transaction over cloned trees.
type Tx struct {
	trees    map[string]*btree.BTree
	writable bool
	ops      []op
	aborted  atomic.Bool
}

func (t *Tx) Abort() { t.aborted.Store(true) }

func (t *Tx) Writable() bool { return t.writable }

func (t *Tx) tree(bucket string) (*btree.BTree, error) {
	tree, ok := t.trees[bucket]
	if !ok {
		return nil, errors.Errorf("bucket %s not found", bucket)
	}
	return tree, nil
}

func (t *Tx) write(o op) error {
	if !t.writable {
		return errors.Errorf("write to %s in a read-only transaction", o.Bucket)
	}
	if _, err := t.tree(o.Bucket); err != nil {
		return err
	}
	t.ops = append(t.ops, o)
	apply(t.trees, []op{o})
	return nil
}

func (t *Tx) Get(bucket string, k []byte) ([]byte, error) {
	tree, err := t.tree(bucket)
	if err != nil {
		return nil, err
	}
	if i := tree.Get(&item{key: k}); i != nil {
		return i.(*item).value, nil
	}
	return nil, nil
}

func (t *Tx) Put(bucket string, k, v []byte) error {
	return t.write(op{Kind: opPut, Bucket: bucket, Key: append([]byte{}, k...), Value: append([]byte{}, v...)})
}

func (t *Tx) Delete(bucket string, k []byte) error {
	return t.write(op{Kind: opDelete, Bucket: bucket, Key: append([]byte{}, k...)})
}

func (t *Tx) Clear(bucket string) error {
	return t.write(op{Kind: opClear, Bucket: bucket})
}

func (t *Tx) Seeker(bucket string) (cursor.Seeker, error) {
	if _, err := t.tree(bucket); err != nil {
		return nil, err
	}
	return &seeker{tx: t, bucket: bucket}, nil
}

// seeker walks a bucket tree. It looks the tree up on every move so it
// sees writes made through the same transaction, including Clear.
type seeker struct {
	tx     *Tx
	bucket string
	cur    []byte
}

func (s *seeker) Seek(target []byte, reverse bool) ([]byte, []byte, error) {
	tree := s.tx.trees[s.bucket]
	var found *item
	switch {
	case !reverse && target == nil:
		if i := tree.Min(); i != nil {
			found = i.(*item)
		}
	case !reverse:
		tree.AscendGreaterOrEqual(&item{key: target}, func(i btree.Item) bool {
			found = i.(*item)
			return false
		})
	case target == nil:
		if i := tree.Max(); i != nil {
			found = i.(*item)
		}
	default:
		found = below(tree, target)
	}
	return s.land(found)
}

func (s *seeker) Step(reverse bool) ([]byte, []byte, error) {
	if s.cur == nil {
		return nil, nil, nil
	}
	tree := s.tx.trees[s.bucket]
	if reverse {
		return s.land(below(tree, s.cur))
	}
	var found *item
	tree.AscendGreaterOrEqual(&item{key: s.cur}, func(i btree.Item) bool {
		it := i.(*item)
		if bytes.Equal(it.key, s.cur) {
			return true
		}
		found = it
		return false
	})
	return s.land(found)
}

// below returns the last item strictly less than k.
func below(tree *btree.BTree, k []byte) *item {
	var found *item
	tree.DescendLessOrEqual(&item{key: k}, func(i btree.Item) bool {
		it := i.(*item)
		if bytes.Equal(it.key, k) {
			return true
		}
		found = it
		return false
	})
	return found
}

func (s *seeker) land(it *item) ([]byte, []byte, error) {
	if it == nil {
		s.cur = nil
		return nil, nil, nil
	}
	s.cur = it.key
	return it.key, it.value, nil
}

func (s *seeker) Close() error { return nil }
