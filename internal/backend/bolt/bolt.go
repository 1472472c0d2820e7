// Package bolt is the native transactional backend: buckets map to bolt
// buckets and cursors drive bolt's seekable cursors.
package bolt

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/myuser/unidb/internal/cursor"
	"github.com/myuser/unidb/internal/logger"
	"github.com/myuser/unidb/internal/tr"
)

// Store is an open bolt database.
type Store struct {
	path string
	db   *bolt.DB
	log  *logger.Logger
}

// Open opens the database at path and creates any missing bucket.
func Open(path string, buckets []string, log *logger.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt database %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug("bolt database open", "path", path, "buckets", len(buckets))
	return &Store{path: path, db: db, log: log}, nil
}

// Transaction runs process in one bolt transaction. Read-only
// transactions are always rolled back; read-write ones commit unless aborted.
func (s *Store) Transaction(process func(tx tr.Tx), stores []string, mode tr.Mode, completed func(tr.Event, error)) {
	ev, err := s.run(process, mode)
	completed(ev, err)
}

func (s *Store) run(process func(tx tr.Tx), mode tr.Mode) (ev tr.Event, err error) {
	btx, err := s.db.Begin(mode == tr.ReadWrite)
	if err != nil {
		return tr.EventError, errors.Wrap(err, "begin bolt transaction")
	}
	t := &Tx{tx: btx}
	defer func() {
		if p := recover(); p != nil {
			btx.Rollback()
			ev, err = tr.EventError, errors.Errorf("transaction panicked: %v", p)
		}
	}()
	process(t)

	switch {
	case t.aborted.Load():
		btx.Rollback()
		return tr.EventAbort, nil
	case !btx.Writable():
		btx.Rollback()
		return tr.EventComplete, nil
	}
	if err := btx.Commit(); err != nil {
		return tr.EventError, errors.Wrap(err, "commit bolt transaction")
	}
	return tr.EventComplete, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is a bolt transaction exposing raw bucket access.
type Tx struct {
	tx      *bolt.Tx
	aborted atomic.Bool
}

func (t *Tx) Abort() { t.aborted.Store(true) }

func (t *Tx) Writable() bool { return t.tx.Writable() }

func (t *Tx) bucket(name string) (*bolt.Bucket, error) {
	b := t.tx.Bucket([]byte(name))
	if b == nil {
		return nil, errors.Errorf("bucket %s not found", name)
	}
	return b, nil
}

func (t *Tx) Get(bucket string, k []byte) ([]byte, error) {
	b, err := t.bucket(bucket)
	if err != nil {
		return nil, err
	}
	v := b.Get(k)
	if v == nil {
		return nil, nil
	}
	return append([]byte{}, v...), nil
}

// Put copies k and v; bolt needs them valid until commit.
func (t *Tx) Put(bucket string, k, v []byte) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	return errors.Wrapf(b.Put(append([]byte{}, k...), append([]byte{}, v...)), "put into %s", bucket)
}

func (t *Tx) Delete(bucket string, k []byte) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	return errors.Wrapf(b.Delete(k), "delete from %s", bucket)
}

func (t *Tx) Clear(bucket string) error {
	if err := t.tx.DeleteBucket([]byte(bucket)); err != nil && err != bolt.ErrBucketNotFound {
		return errors.Wrapf(err, "clear %s", bucket)
	}
	_, err := t.tx.CreateBucket([]byte(bucket))
	return errors.Wrapf(err, "clear %s", bucket)
}

func (t *Tx) Seeker(bucket string) (cursor.Seeker, error) {
	b, err := t.bucket(bucket)
	if err != nil {
		return nil, err
	}
	return &seeker{c: b.Cursor()}, nil
}

type seeker struct {
	c *bolt.Cursor
}

func (s *seeker) Seek(target []byte, reverse bool) ([]byte, []byte, error) {
	var k, v []byte
	switch {
	case !reverse && target == nil:
		k, v = s.c.First()
	case !reverse:
		k, v = s.c.Seek(target)
	case target == nil:
		k, v = s.c.Last()
	default:
		// Seek lands on the first key >= target; the entry before it is
		// the last one below target.
		if k, _ = s.c.Seek(target); k == nil {
			k, v = s.c.Last()
		} else {
			k, v = s.c.Prev()
		}
	}
	return k, v, nil
}

func (s *seeker) Step(reverse bool) ([]byte, []byte, error) {
	var k, v []byte
	if reverse {
		k, v = s.c.Prev()
	} else {
		k, v = s.c.Next()
	}
	return k, v, nil
}

func (s *seeker) Close() error { return nil }
