// Package planner turns a conjunctive query over one store into iterators.
// Equalities on the primary key or an indexed field become key iterators
// that are intersected with a sorted merge; what no index can serve is left
// as a filter on the loaded records.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/myuser/unidb/internal/dberr"
	"github.com/myuser/unidb/internal/iterator"
	"github.com/myuser/unidb/internal/key"
	"github.com/myuser/unidb/internal/schema"
)

// Condition compares a record field with a literal.
type Condition struct {
	Field string
	// Op is one of =, <, <=, > and >=.
	Op    string
	Value any
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.Field, c.Op, key.Format(c.Value))
}

// Match reports whether record satisfies c. Fields holding values that are
// not valid keys never match.
func (c Condition) Match(record any) bool {
	v, ok := schema.Field(record, c.Field)
	if !ok {
		return false
	}
	nv, err := key.Normalize(v)
	if err != nil {
		return false
	}
	cmp := key.Compare(nv, c.Value)
	switch c.Op {
	case "=":
		return cmp == 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

// Query is a conjunction of conditions over one store.
type Query struct {
	Store   string
	Where   []Condition
	Reverse bool
	Limit   int
	Offset  int
}

type PlanType int

const (
	// PlanScan walks one value iterator.
	PlanScan PlanType = iota
	// PlanMerge intersects key iterators and loads the matching records.
	PlanMerge
)

func (t PlanType) String() string {
	switch t {
	case PlanScan:
		return "scan"
	case PlanMerge:
		return "merge"
	}
	return fmt.Sprintf("PlanType(%d)", int(t))
}

// Plan is an executable query.
type Plan struct {
	Type      PlanType
	Store     string
	Iterators []*iterator.Iterator
	// Filters are checked on every loaded record.
	Filters []Condition
	Limit   int
	Offset  int
}

func (p *Plan) String() string {
	var b strings.Builder
	b.WriteString(p.Type.String())
	b.WriteString("(")
	for i, it := range p.Iterators {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(it.String())
	}
	b.WriteString(")")
	for _, f := range p.Filters {
		fmt.Fprintf(&b, " filter(%s)", f)
	}
	if p.Offset > 0 {
		fmt.Fprintf(&b, " offset %d", p.Offset)
	}
	if p.Limit > 0 {
		fmt.Fprintf(&b, " limit %d", p.Limit)
	}
	return b.String()
}

// Match applies the plan's filters to record.
func (p *Plan) Match(record any) bool {
	for _, f := range p.Filters {
		if !f.Match(record) {
			return false
		}
	}
	return true
}

var ops = map[string]bool{"=": true, "<": true, "<=": true, ">": true, ">=": true}

// Analyze plans q against d.
func Analyze(d *schema.Database, q Query) (*Plan, error) {
	st, err := d.Store(q.Store)
	if err != nil {
		return nil, err
	}
	if q.Limit < 0 || q.Offset < 0 {
		return nil, dberr.Argument("negative limit or offset")
	}
	where := make([]Condition, 0, len(q.Where))
	for _, c := range q.Where {
		if !ops[c.Op] {
			return nil, dberr.Argument("unsupported operator %q on %s", c.Op, c.Field)
		}
		v, err := key.Normalize(c.Value)
		if err != nil {
			return nil, dberr.Argument("%s: %v", c.Field, err)
		}
		where = append(where, Condition{Field: c.Field, Op: c.Op, Value: v})
	}

	p := &Plan{Store: q.Store, Limit: q.Limit, Offset: q.Offset}
	iters, rest, err := equalities(st, where, q.Reverse)
	if err != nil {
		return nil, err
	}
	if len(iters) > 1 {
		p.Type, p.Iterators, p.Filters = PlanMerge, iters, rest
		return p, nil
	}

	p.Type = PlanScan
	if len(iters) == 1 {
		it, err := valued(st, iters[0])
		if err != nil {
			return nil, err
		}
		p.Iterators, p.Filters = []*iterator.Iterator{it}, rest
		return p, nil
	}
	it, rest, err := ranged(st, where, q.Reverse)
	if err != nil {
		return nil, err
	}
	p.Iterators, p.Filters = []*iterator.Iterator{it}, rest
	return p, nil
}

// equalities builds one key iterator per equality an index can serve. A
// composite index whose fields are all constrained by equalities is
// preferred over single-field indexes. The remaining conditions are
// returned unchanged.
func equalities(st *schema.Store, where []Condition, reverse bool) ([]*iterator.Iterator, []Condition, error) {
	eq := map[string]any{}
	for _, c := range where {
		if c.Op != "=" {
			continue
		}
		if prev, ok := eq[c.Field]; ok && !key.Equal(prev, c.Value) {
			// Contradiction: keep both as filters so nothing matches.
			return nil, where, nil
		}
		eq[c.Field] = c.Value
	}

	used := map[string]bool{}
	var iters []*iterator.Iterator
	add := func(index string, v any) error {
		rng, err := key.Only(v)
		if err != nil {
			return err
		}
		var it *iterator.Iterator
		if index == "" {
			it, err = iterator.NewKeyIterator(st.Name, rng, reverse)
		} else {
			it, err = iterator.NewIndexIterator(st.Name, index, rng, reverse, false)
		}
		if err != nil {
			return err
		}
		iters = append(iters, it)
		return nil
	}

	for _, idx := range compositeCandidates(st, eq) {
		covered := true
		for _, f := range idx.KeyPath {
			if used[f] {
				covered = false
			}
		}
		if !covered {
			continue
		}
		parts := make([]any, len(idx.KeyPath))
		for i, f := range idx.KeyPath {
			parts[i] = eq[f]
			used[f] = true
		}
		if err := add(idx.Name, parts); err != nil {
			return nil, nil, err
		}
	}

	fields := make([]string, 0, len(eq))
	for f := range eq {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		if used[f] {
			continue
		}
		switch {
		case f == st.KeyPath:
			if err := add("", eq[f]); err != nil {
				return nil, nil, err
			}
		case st.IndexOn(f) != nil:
			if err := add(st.IndexOn(f).Name, eq[f]); err != nil {
				return nil, nil, err
			}
		default:
			continue
		}
		used[f] = true
	}

	var rest []Condition
	for _, c := range where {
		if c.Op == "=" && used[c.Field] {
			continue
		}
		rest = append(rest, c)
	}
	return iters, rest, nil
}

// compositeCandidates lists composite indexes fully covered by eq, widest
// first.
func compositeCandidates(st *schema.Store, eq map[string]any) []*schema.Index {
	var out []*schema.Index
	for _, idx := range st.Indexes {
		if len(idx.KeyPath) < 2 || idx.MultiEntry {
			continue
		}
		ok := true
		for _, f := range idx.KeyPath {
			if _, has := eq[f]; !has {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, idx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].KeyPath) > len(out[j].KeyPath) })
	return out
}

// valued turns a key iterator into the value iterator over the same range.
func valued(st *schema.Store, it *iterator.Iterator) (*iterator.Iterator, error) {
	reverse := it.Direction().Reverse()
	if it.IsIndex() {
		return iterator.NewIndexValueIterator(st.Name, it.Index(), it.Range(), reverse, false)
	}
	return iterator.NewValueIterator(st.Name, it.Range(), reverse)
}

// ranged picks a range scan for queries without usable equalities: the
// primary key when it is bounded, else the first bounded indexed field,
// else the whole store.
func ranged(st *schema.Store, where []Condition, reverse bool) (*iterator.Iterator, []Condition, error) {
	bounds := map[string][]int{}
	var order []string
	for i, c := range where {
		if c.Op == "=" {
			continue
		}
		if _, seen := bounds[c.Field]; !seen {
			order = append(order, c.Field)
		}
		bounds[c.Field] = append(bounds[c.Field], i)
	}

	pick := ""
	if _, ok := bounds[st.KeyPath]; ok && st.KeyPath != "" {
		pick = st.KeyPath
	} else {
		for _, f := range order {
			if idx := st.IndexOn(f); idx != nil && !idx.MultiEntry {
				pick = f
				break
			}
		}
	}
	if pick == "" {
		it, err := iterator.NewValueIterator(st.Name, nil, reverse)
		return it, where, err
	}

	rng, consumed, err := rangeOf(where, bounds[pick])
	if err != nil {
		return nil, nil, err
	}
	var rest []Condition
	for i, c := range where {
		if !consumed[i] {
			rest = append(rest, c)
		}
	}
	var it *iterator.Iterator
	if pick == st.KeyPath {
		it, err = iterator.NewValueIterator(st.Name, rng, reverse)
	} else {
		it, err = iterator.NewIndexValueIterator(st.Name, st.IndexOn(pick).Name, rng, reverse, false)
	}
	return it, rest, err
}

// rangeOf folds the bounds where[i] for i in on into a key range, keeping
// the tightest lower and upper bound. It reports which conditions the range
// replaces.
func rangeOf(where []Condition, on []int) (*key.Range, map[int]bool, error) {
	lo, hi := -1, -1
	for _, i := range on {
		switch where[i].Op {
		case ">", ">=":
			if lo < 0 || tighterLower(where[i], where[lo]) {
				lo = i
			}
		case "<", "<=":
			if hi < 0 || tighterUpper(where[i], where[hi]) {
				hi = i
			}
		}
	}
	consumed := map[int]bool{}
	var (
		rng *key.Range
		err error
	)
	switch {
	case lo >= 0 && hi >= 0:
		c := key.Compare(where[lo].Value, where[hi].Value)
		if c > 0 || (c == 0 && (where[lo].Op == ">" || where[hi].Op == "<")) {
			// Empty: the bounds stay as filters and match nothing.
			return nil, consumed, nil
		}
		rng, err = key.Where(where[lo].Op, where[lo].Value, where[hi].Op, where[hi].Value)
	case lo >= 0:
		rng, err = key.Where(where[lo].Op, where[lo].Value, "", nil)
	case hi >= 0:
		rng, err = key.Where(where[hi].Op, where[hi].Value, "", nil)
	}
	if err != nil {
		return nil, nil, err
	}
	// Looser bounds on the same field are implied by the range.
	for _, i := range on {
		consumed[i] = true
	}
	return rng, consumed, nil
}

func tighterLower(a, b Condition) bool {
	c := key.Compare(a.Value, b.Value)
	return c > 0 || (c == 0 && a.Op == ">")
}

func tighterUpper(a, b Condition) bool {
	c := key.Compare(a.Value, b.Value)
	return c < 0 || (c == 0 && a.Op == "<")
}
