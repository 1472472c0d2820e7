// Package algo holds Solvers for the scan engine: a nested loop join, a
// sorted merge intersection and a zig-zag merge over composite indexes.
package algo

import (
	"github.com/myuser/unidb/internal/dberr"
	"github.com/myuser/unidb/internal/iterator"
	"github.com/myuser/unidb/internal/key"
	"github.com/myuser/unidb/internal/scan"
)

// Sink receives every match a Solver finds. Returning false stops the scan.
type Sink func(keys, values []any) bool

// Collector is a Sink that keeps matched values, up to Limit rows when
// Limit is positive.
type Collector struct {
	Limit int
	Rows  [][]any
}

// Add is the Sink.
func (c *Collector) Add(keys, values []any) bool {
	c.Rows = append(c.Rows, append([]any(nil), values...))
	return c.Limit <= 0 || len(c.Rows) < c.Limit
}

// First returns the first value of every row.
func (c *Collector) First() []any {
	out := make([]any, len(c.Rows))
	for i, r := range c.Rows {
		out[i] = r[0]
	}
	return out
}

func emit(sink Sink, keys, values []any) bool {
	return sink == nil || sink(keys, values)
}

// NestedLoop emits the cartesian product of its iterators. The last
// iterator varies fastest; when it runs out it restarts and the one before
// it advances. It needs at least one record in every iterator after the
// first to produce anything.
type NestedLoop struct {
	Sink Sink
}

func (n *NestedLoop) StopOnAnyExhausted() bool { return false }

func (n *NestedLoop) Solve(keys, values []any) scan.Advancement {
	first := -1
	for i, k := range keys {
		if k == nil {
			first = i
			break
		}
	}
	switch first {
	case -1:
		if !emit(n.Sink, keys, values) {
			return scan.StopAll()
		}
		actions := make([]scan.Action, len(keys))
		actions[len(keys)-1] = scan.AdvanceAction()
		return scan.Vector(actions...)
	case 0:
		return scan.StopAll()
	}
	actions := make([]scan.Action, len(keys))
	actions[first-1] = scan.AdvanceAction()
	for i := first; i < len(keys); i++ {
		actions[i] = scan.RestartAction()
	}
	return scan.Vector(actions...)
}

// SortedMerge intersects key iterators on the values the engine reports for
// them: primary keys for index iterators, keys for store iterators. Every
// iterator must yield those values in order, which holds for index
// iterators over a single index key and for store key iterators. All
// iterators must share one direction.
type SortedMerge struct {
	Sink Sink

	index   []bool
	reverse bool
}

func (m *SortedMerge) StopOnAnyExhausted() bool { return true }

// Begin checks the iterators can be merged.
func (m *SortedMerge) Begin(iters []*iterator.Iterator) error {
	m.index = make([]bool, len(iters))
	for i, it := range iters {
		if !it.KeyOnly() {
			return dberr.Argument("sorted merge needs key iterators, %s loads values", it)
		}
		if it.Direction().Unique() {
			return dberr.Argument("sorted merge cannot continue unique iterator %s", it)
		}
		if i > 0 && it.Direction().Reverse() != m.reverse {
			return dberr.Argument("sorted merge iterators must share one direction")
		}
		m.reverse = it.Direction().Reverse()
		m.index[i] = it.IsIndex()
	}
	return nil
}

func (m *SortedMerge) Solve(keys, values []any) scan.Advancement {
	target := values[0]
	for _, v := range values[1:] {
		if c := key.Compare(v, target); (c > 0) != m.reverse && c != 0 {
			target = v
		}
	}
	actions := make([]scan.Action, len(values))
	behind := 0
	for i, v := range values {
		if key.Equal(v, target) {
			continue
		}
		behind++
		if i < len(m.index) && m.index[i] {
			actions[i] = scan.ContinuePrimaryTo(target)
		} else {
			actions[i] = scan.ContinueTo(target)
		}
	}
	if behind == 0 {
		if !emit(m.Sink, keys, values) {
			return scan.StopAll()
		}
		return scan.AdvanceAll()
	}
	return scan.Vector(actions...)
}

// ZigzagMerge intersects composite index iterators that each scan a
// starts-with range. Effective keys are arrays made of the range prefix
// followed by a postfix; the merge matches records whose postfixes are equal,
// skipping lagging cursors straight to the leading postfix.
type ZigzagMerge struct {
	Sink Sink

	prefixes [][]any
	reverse  bool
}

func (z *ZigzagMerge) StopOnAnyExhausted() bool { return true }

// Begin reads the prefix of every iterator's range.
func (z *ZigzagMerge) Begin(iters []*iterator.Iterator) error {
	z.prefixes = make([][]any, len(iters))
	for i, it := range iters {
		rng := it.Range()
		if !it.IsIndex() || !rng.IsPrefix() {
			return dberr.Argument("zig-zag merge needs index iterators over starts-with ranges, got %s", it)
		}
		prefix, ok := rng.Lower.([]any)
		if !ok {
			return dberr.Argument("zig-zag merge needs an array prefix, got %s", key.Format(rng.Lower))
		}
		if it.Direction().Unique() {
			return dberr.Argument("zig-zag merge cannot use unique iterator %s", it)
		}
		if i > 0 && it.Direction().Reverse() != z.reverse {
			return dberr.Argument("zig-zag merge iterators must share one direction")
		}
		z.reverse = it.Direction().Reverse()
		z.prefixes[i] = prefix
	}
	return nil
}

func (z *ZigzagMerge) postfix(i int, k any) []any {
	arr, ok := k.([]any)
	if !ok || len(arr) < len(z.prefixes[i]) {
		return nil
	}
	return arr[len(z.prefixes[i]):]
}

func (z *ZigzagMerge) Solve(keys, values []any) scan.Advancement {
	posts := make([]any, len(keys))
	for i, k := range keys {
		p := z.postfix(i, k)
		if p == nil {
			return scan.StopAll()
		}
		posts[i] = p
	}
	target := posts[0]
	for _, p := range posts[1:] {
		if c := key.Compare(p, target); (c > 0) != z.reverse && c != 0 {
			target = p
		}
	}
	actions := make([]scan.Action, len(keys))
	behind := 0
	for i, p := range posts {
		if key.Equal(p, target) {
			continue
		}
		behind++
		next := append(append([]any(nil), z.prefixes[i]...), target.([]any)...)
		actions[i] = scan.ContinueTo(next)
	}
	if behind > 0 {
		return scan.Vector(actions...)
	}
	// Equal postfixes still need equal primary keys: records sharing a
	// postfix are visited in primary key order.
	return (&SortedMerge{Sink: z.Sink, index: allTrue(len(keys)), reverse: z.reverse}).Solve(keys, values)
}

func allTrue(n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = true
	}
	return out
}
