// Package scan drives several iterators in lockstep inside one read-only
// transaction. After every round a Solver looks at the current keys and
// values of all cursors and says how each cursor moves next.
package scan

import (
	"context"
	"time"

	"github.com/myuser/unidb/internal/cursor"
	"github.com/myuser/unidb/internal/dberr"
	"github.com/myuser/unidb/internal/iterator"
	"github.com/myuser/unidb/internal/logger"
	"github.com/myuser/unidb/internal/metrics"
	"github.com/myuser/unidb/internal/schema"
	"github.com/myuser/unidb/internal/tr"
)

// Solver decides the next move of every cursor from the current round.
// keys[i] is nil when cursor i is exhausted. The slices are copies and may
// be retained.
type Solver interface {
	Solve(keys, values []any) Advancement
	// StopOnAnyExhausted ends the scan as soon as one cursor is exhausted.
	// Otherwise the scan only ends when all are, or when the Solver stops it.
	StopOnAnyExhausted() bool
}

// Beginner is implemented by Solvers that inspect the iterators before the
// scan opens its transaction. An error fails the scan.
type Beginner interface {
	Begin(iterators []*iterator.Iterator) error
}

// Func adapts a function to a Solver that stops on the first exhausted cursor.
type Func func(keys, values []any) Advancement

func (f Func) Solve(keys, values []any) Advancement { return f(keys, values) }
func (f Func) StopOnAnyExhausted() bool             { return true }

// Result is what a finished scan resolves to.
type Result struct {
	Rounds int
	Moves  int
	// Resume holds, per iterator, the Iterator continuing after the last
	// position the scan saw.
	Resume []*iterator.Iterator
}

// Engine runs scans on a thread.
type Engine struct {
	thread tr.Thread
	exec   iterator.Executor
	schema *schema.Database
	log    *logger.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithSchema validates iterators against d before a scan is queued.
func WithSchema(d *schema.Database) Option {
	return func(e *Engine) { e.schema = d }
}

func New(thread tr.Thread, exec iterator.Executor, opts ...Option) *Engine {
	e := &Engine{thread: thread, exec: exec, log: logger.Noop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Scan queues a read-only request over the stores of iters that drives one
// cursor per iterator through solver. The request resolves to a *Result.
// ctx may carry an open transaction scope, in which case the scan joins it
// when compatible.
func (e *Engine) Scan(ctx context.Context, solver Solver, iters ...*iterator.Iterator) *tr.Request {
	if len(iters) == 0 {
		return tr.Failed(dberr.Argument("scan needs at least one iterator"))
	}
	if solver == nil {
		return tr.Failed(dberr.Argument("scan needs a solver"))
	}
	var stores []string
	for _, it := range iters {
		if e.schema != nil {
			if err := it.Validate(e.schema); err != nil {
				return tr.Failed(err)
			}
		}
		for _, s := range it.Stores() {
			if !contains(stores, s) {
				stores = append(stores, s)
			}
		}
	}
	if b, ok := solver.(Beginner); ok {
		if err := b.Begin(iters); err != nil {
			return tr.Failed(err)
		}
	}
	return e.thread.Exec(ctx, func(ctx context.Context, tx tr.Tx, label string) (any, error) {
		res, err := e.run(ctx, tx, label, solver, iters)
		if err != nil {
			return nil, err
		}
		return res, nil
	}, stores, tr.ReadOnly)
}

func (e *Engine) run(ctx context.Context, tx tr.Tx, label string, solver Solver, iters []*iterator.Iterator) (res *Result, err error) {
	start := time.Now()
	n := len(iters)
	res = &Result{}
	sessions := make([]*iterator.Session, 0, n)
	defer func() {
		for _, s := range sessions {
			s.Exit()
		}
		res.Resume = make([]*iterator.Iterator, n)
		for i, it := range iters {
			res.Resume[i] = it
			if i < len(sessions) {
				res.Resume[i] = sessions[i].Resume()
			}
		}
		metrics.Inc(metrics.ScanRuns)
		e.log.LogScan(ctx, label, n, res.Rounds, time.Since(start), err)
	}()

	keys := make([]any, n)
	values := make([]any, n)
	set := func(i int, pos cursor.Position) {
		keys[i], values[i] = pos.Key, valueOf(iters[i], pos)
	}

	for i, it := range iters {
		s := iterator.NewSession(it)
		pos, err := s.Iterate(tx, label, e.exec, method(it))
		if err != nil {
			return res, err
		}
		sessions = append(sessions, s)
		set(i, pos)
		res.Moves++
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		exhausted := 0
		for _, k := range keys {
			if k == nil {
				exhausted++
			}
		}
		if exhausted == n || (exhausted > 0 && solver.StopOnAnyExhausted()) {
			return res, nil
		}

		res.Rounds++
		metrics.Inc(metrics.ScanRounds)
		adv := solver.Solve(append([]any(nil), keys...), append([]any(nil), values...))
		if adv.Stop() {
			return res, nil
		}
		actions, err := adv.Actions(n)
		if err != nil {
			return res, err
		}

		moved := 0
		for i, a := range actions {
			if a.Kind == Hold {
				continue
			}
			if keys[i] == nil && a.Kind != Restart {
				return res, dberr.Internal("%s on exhausted iterator %d (%s)", a.Kind, i, iters[i])
			}
			keys[i], values[i] = nil, nil
			pos, err := move(sessions[i], a)
			if err != nil {
				return res, err
			}
			set(i, pos)
			moved++
		}
		res.Moves += moved
		metrics.Add(metrics.CursorMoves, int64(moved))
		if moved == 0 {
			return res, nil
		}
	}
}

func move(s *iterator.Session, a Action) (cursor.Position, error) {
	switch a.Kind {
	case Advance:
		return s.Advance(1)
	case Continue:
		return s.ContinueEffectiveKey(a.Key)
	case ContinuePrimary:
		return s.ContinuePrimaryKey(a.Key)
	case Restart:
		return s.Restart()
	}
	return cursor.Position{}, dberr.Internal("unknown action %s", a.Kind)
}

func method(it *iterator.Iterator) cursor.Method {
	if it.KeyOnly() {
		return cursor.MethodKeys
	}
	return cursor.MethodValues
}

// valueOf is the value a Solver sees: the record for value iterators, the
// primary key for index key iterators and the key itself otherwise.
func valueOf(it *iterator.Iterator, pos cursor.Position) any {
	switch {
	case pos.Exhausted():
		return nil
	case !it.KeyOnly():
		return pos.Value
	case it.IsIndex():
		return pos.PrimaryKey
	}
	return pos.Key
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
