package sql

import (
	"context"

	"github.com/myuser/unidb/internal/db"
	"github.com/myuser/unidb/internal/dberr"
	"github.com/myuser/unidb/internal/iterator"
	"github.com/myuser/unidb/internal/planner"
	"github.com/myuser/unidb/internal/schema"
	"github.com/myuser/unidb/internal/tr"
)

// Row is one result row, ordered like Result.Columns.
type Row []any

type Result struct {
	Columns []string
	Rows    []Row
	// Plan is the physical plan a SELECT ran with.
	Plan *planner.Plan
}

// Query flattens a SELECT plan into a planner query and its projection.
func Query(plan PlanNode) (planner.Query, []string, error) {
	var (
		q    planner.Query
		cols []string
	)
	for n := plan; n != nil; {
		switch x := n.(type) {
		case *ProjectNode:
			cols, n = x.Columns, x.Input
		case *LimitNode:
			q.Limit, q.Offset, n = x.Limit, x.Offset, x.Input
		case *FilterNode:
			q.Where, n = append(q.Where, x.Conditions...), x.Input
		case *ScanNode:
			q.Store, q.Reverse = x.Table, x.Reverse
			n = nil
		default:
			return q, nil, dberr.Argument("not a query plan: %s", n)
		}
	}
	if q.Store == "" {
		return q, nil, dberr.Argument("query plan without a table")
	}
	return q, cols, nil
}

// Execute runs a logical plan against d.
func Execute(ctx context.Context, plan PlanNode, d *db.DB) (*Result, error) {
	if n, ok := plan.(*InsertNode); ok {
		return executeInsert(ctx, n, d)
	}
	q, cols, err := Query(plan)
	if err != nil {
		return nil, err
	}
	p, err := planner.Analyze(d.Schema(), q)
	if err != nil {
		return nil, err
	}
	records, err := Run(ctx, p, d)
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: cols, Plan: p}
	for _, r := range records {
		res.Rows = append(res.Rows, project(r, cols))
	}
	return res, nil
}

// Run executes a physical plan and returns the matching records.
func Run(ctx context.Context, p *planner.Plan, d *db.DB) ([]any, error) {
	switch p.Type {
	case planner.PlanMerge:
		limit := 0
		if len(p.Filters) == 0 && p.Limit > 0 {
			limit = p.Limit + p.Offset
		}
		v, err := d.List(ctx, limit, p.Iterators...).Wait(ctx)
		if err != nil {
			return nil, err
		}
		return window(filter(v.([]any), p), p.Offset, p.Limit), nil

	case planner.PlanScan:
		if len(p.Filters) == 0 {
			v, err := d.Values(ctx, p.Iterators[0], p.Limit, p.Offset).Wait(ctx)
			if err != nil {
				return nil, err
			}
			return v.([]any), nil
		}
		var out []any
		skipped := 0
		_, err := d.Open(ctx, p.Iterators[0], tr.ReadOnly, func(s *iterator.Session) (bool, error) {
			rec := s.Position().Value
			if !p.Match(rec) {
				return true, nil
			}
			if skipped < p.Offset {
				skipped++
				return true, nil
			}
			out = append(out, rec)
			return p.Limit == 0 || len(out) < p.Limit, nil
		}).Wait(ctx)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, dberr.Internal("unknown plan type %s", p.Type)
}

func filter(records []any, p *planner.Plan) []any {
	if len(p.Filters) == 0 {
		return records
	}
	out := records[:0]
	for _, r := range records {
		if p.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

func window(records []any, offset, limit int) []any {
	if offset >= len(records) {
		return nil
	}
	records = records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

func project(record any, cols []string) Row {
	row := make(Row, 0, len(cols))
	for _, c := range cols {
		if c == "*" {
			row = append(row, record)
			continue
		}
		v, _ := schema.Field(record, c)
		row = append(row, v)
	}
	return row
}

func executeInsert(ctx context.Context, n *InsertNode, d *db.DB) (*Result, error) {
	values := make([]any, len(n.Rows))
	for i, row := range n.Rows {
		rec := map[string]any{}
		for j, c := range n.Columns {
			schema.SetField(rec, c, row[j])
		}
		values[i] = rec
	}
	v, err := d.PutAll(ctx, n.Table, values).Wait(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: []string{"key"}}
	for _, k := range v.([]any) {
		res.Rows = append(res.Rows, Row{k})
	}
	return res, nil
}
