// Package sqlstore keeps every bucket in its own SQLite table and serves
// cursors by paging through the table with keyset queries.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/myuser/unidb/internal/cursor"
	"github.com/myuser/unidb/internal/logger"
	"github.com/myuser/unidb/internal/metrics"
	"github.com/myuser/unidb/internal/tr"
)

// DefaultPageSize is the number of rows a cursor fetches per query.
const DefaultPageSize = 64

// Store is an open SQLite database.
type Store struct {
	db   *sql.DB
	page int
	log  *logger.Logger
}

// Open opens the database at path (":memory:" for a private in-memory one)
// and creates a table per bucket.
func Open(path string, buckets []string, pageSize int, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite database %s", path)
	}
	// A single connection serializes transactions and keeps an in-memory
	// database alive between them.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, b := range buckets {
		q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (k BLOB PRIMARY KEY, v BLOB) WITHOUT ROWID`, table(b))
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "create table for %s", b)
		}
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	log.Debug("sqlite database open", "path", path, "buckets", len(buckets), "page", pageSize)
	return &Store{db: db, page: pageSize, log: log}, nil
}

func table(bucket string) string {
	return `"` + strings.ReplaceAll(bucket, `"`, `""`) + `"`
}

// Transaction runs process inside one SQL transaction.
func (s *Store) Transaction(process func(tx tr.Tx), stores []string, mode tr.Mode, completed func(tr.Event, error)) {
	ev, err := s.run(process, mode)
	completed(ev, err)
}

func (s *Store) run(process func(tx tr.Tx), mode tr.Mode) (ev tr.Event, err error) {
	stx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return tr.EventError, errors.Wrap(err, "begin sql transaction")
	}
	t := &Tx{tx: stx, writable: mode == tr.ReadWrite, page: s.page}
	defer func() {
		if p := recover(); p != nil {
			stx.Rollback()
			ev, err = tr.EventError, errors.Errorf("transaction panicked: %v", p)
		}
	}()
	process(t)

	switch {
	case t.aborted.Load():
		stx.Rollback()
		return tr.EventAbort, nil
	case !t.writable:
		stx.Rollback()
		return tr.EventComplete, nil
	}
	if err := stx.Commit(); err != nil {
		return tr.EventError, errors.Wrap(err, "commit sql transaction")
	}
	return tr.EventComplete, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is a SQL transaction exposing bucket tables.
type Tx struct {
	tx       *sql.Tx
	writable bool
	page     int
	aborted  atomic.Bool
}

func (t *Tx) Abort() { t.aborted.Store(true) }

func (t *Tx) Writable() bool { return t.writable }

func (t *Tx) check(bucket string) error {
	if !t.writable {
		return errors.Errorf("write to %s in a read-only transaction", bucket)
	}
	return nil
}

func (t *Tx) Get(bucket string, k []byte) ([]byte, error) {
	var v []byte
	err := t.tx.QueryRow(fmt.Sprintf(`SELECT v FROM %s WHERE k = ?`, table(bucket)), k).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, errors.Wrapf(err, "get from %s", bucket)
}

func (t *Tx) Put(bucket string, k, v []byte) error {
	if err := t.check(bucket); err != nil {
		return err
	}
	_, err := t.tx.Exec(fmt.Sprintf(`INSERT OR REPLACE INTO %s (k, v) VALUES (?, ?)`, table(bucket)), k, v)
	return errors.Wrapf(err, "put into %s", bucket)
}

func (t *Tx) Delete(bucket string, k []byte) error {
	if err := t.check(bucket); err != nil {
		return err
	}
	_, err := t.tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE k = ?`, table(bucket)), k)
	return errors.Wrapf(err, "delete from %s", bucket)
}

func (t *Tx) Clear(bucket string) error {
	if err := t.check(bucket); err != nil {
		return err
	}
	_, err := t.tx.Exec(fmt.Sprintf(`DELETE FROM %s`, table(bucket)))
	return errors.Wrapf(err, "clear %s", bucket)
}

func (t *Tx) Seeker(bucket string) (cursor.Seeker, error) {
	return &seeker{tx: t.tx, table: table(bucket), page: t.page}, nil
}

type row struct {
	k, v []byte
}

// seeker buffers one page of rows and fetches the next page after the last
// key it returned.
type seeker struct {
	tx    *sql.Tx
	table string
	page  int

	rows    []row
	pos     int
	reverse bool
}

func (s *seeker) Seek(target []byte, reverse bool) ([]byte, []byte, error) {
	op := ">="
	if reverse {
		op = "<"
	}
	if err := s.fetch(op, target, reverse); err != nil {
		return nil, nil, err
	}
	return s.current()
}

func (s *seeker) Step(reverse bool) ([]byte, []byte, error) {
	if s.pos >= len(s.rows) {
		return nil, nil, nil
	}
	if reverse == s.reverse && s.pos+1 < len(s.rows) {
		s.pos++
		return s.current()
	}
	if reverse == s.reverse && len(s.rows) < s.page {
		s.pos = len(s.rows)
		return nil, nil, nil
	}
	op := ">"
	if reverse {
		op = "<"
	}
	if err := s.fetch(op, s.rows[s.pos].k, reverse); err != nil {
		return nil, nil, err
	}
	return s.current()
}

func (s *seeker) current() ([]byte, []byte, error) {
	if s.pos >= len(s.rows) {
		return nil, nil, nil
	}
	r := s.rows[s.pos]
	return r.k, r.v, nil
}

func (s *seeker) fetch(op string, after []byte, reverse bool) error {
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	q := `SELECT k, v FROM ` + s.table
	var args []any
	if after != nil {
		q += ` WHERE k ` + op + ` ?`
		args = append(args, after)
	}
	q += ` ORDER BY k ` + order + ` LIMIT ?`
	args = append(args, s.page)

	rs, err := s.tx.Query(q, args...)
	if err != nil {
		return errors.Wrapf(err, "page %s", s.table)
	}
	defer rs.Close()
	var out []row
	for rs.Next() {
		var r row
		if err := rs.Scan(&r.k, &r.v); err != nil {
			return errors.Wrapf(err, "scan %s", s.table)
		}
		out = append(out, r)
	}
	if err := rs.Err(); err != nil {
		return errors.Wrapf(err, "page %s", s.table)
	}
	metrics.Inc(metrics.SQLPages)
	s.rows, s.pos, s.reverse = out, 0, reverse
	return nil
}

func (s *seeker) Close() error {
	s.rows = nil
	return nil
}
