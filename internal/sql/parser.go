package sql

import (
	"strconv"

	"github.com/blastrain/vitess-sqlparser/sqlparser"

	"github.com/myuser/unidb/internal/dberr"
	"github.com/myuser/unidb/internal/planner"
)

// ParseToPlan parses a SQL string and returns a logical plan. SELECT
// supports a single table, a conjunction of comparisons between columns
// and literals, ORDER BY ... DESC and LIMIT. INSERT needs a column list.
func ParseToPlan(sql string) (PlanNode, error) {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, dberr.Argument("parse %q: %v", sql, err)
	}

	switch s := stmt.(type) {
	case *sqlparser.Select:
		return buildSelectPlan(s)
	case *sqlparser.Insert:
		return buildInsertPlan(s)
	default:
		return nil, dberr.Argument("unsupported statement type: %T", stmt)
	}
}

func buildSelectPlan(stmt *sqlparser.Select) (PlanNode, error) {
	if len(stmt.From) != 1 {
		return nil, dberr.Argument("SELECT needs exactly one table")
	}
	aliasedTable, ok := stmt.From[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return nil, dberr.Argument("complex FROM clauses not supported")
	}
	scan := &ScanNode{Table: sqlparser.String(aliasedTable.Expr)}
	for _, o := range stmt.OrderBy {
		if o.Direction == sqlparser.DescScr {
			scan.Reverse = true
		}
	}
	node := PlanNode(scan)

	if stmt.Where != nil {
		conds, err := conditions(stmt.Where.Expr, nil)
		if err != nil {
			return nil, err
		}
		node = &FilterNode{Input: node, Conditions: conds}
	}

	if stmt.Limit != nil {
		lim := &LimitNode{Input: node}
		var err error
		if lim.Limit, err = count(stmt.Limit.Rowcount); err != nil {
			return nil, err
		}
		if lim.Offset, err = count(stmt.Limit.Offset); err != nil {
			return nil, err
		}
		node = lim
	}

	var cols []string
	for _, expr := range stmt.SelectExprs {
		switch e := expr.(type) {
		case *sqlparser.StarExpr:
			cols = append(cols, "*")
		case *sqlparser.AliasedExpr:
			col, ok := e.Expr.(*sqlparser.ColName)
			if !ok {
				return nil, dberr.Argument("unsupported select expression %s", sqlparser.String(e))
			}
			cols = append(cols, col.Name.String())
		default:
			return nil, dberr.Argument("unsupported select expression %s", sqlparser.String(expr))
		}
	}

	return &ProjectNode{Input: node, Columns: cols}, nil
}

// conditions flattens a tree of ANDed comparisons.
func conditions(expr sqlparser.Expr, out []planner.Condition) ([]planner.Condition, error) {
	switch e := expr.(type) {
	case *sqlparser.AndExpr:
		out, err := conditions(e.Left, out)
		if err != nil {
			return nil, err
		}
		return conditions(e.Right, out)
	case *sqlparser.ParenExpr:
		return conditions(e.Expr, out)
	case *sqlparser.ComparisonExpr:
		op := e.Operator
		left, right := e.Left, e.Right
		if _, ok := left.(*sqlparser.ColName); !ok {
			left, right, op = right, left, mirror(op)
		}
		col, ok := left.(*sqlparser.ColName)
		if !ok {
			return nil, dberr.Argument("condition %s compares no column", sqlparser.String(e))
		}
		switch op {
		case sqlparser.EqualStr, sqlparser.LessThanStr, sqlparser.LessEqualStr,
			sqlparser.GreaterThanStr, sqlparser.GreaterEqualStr:
		default:
			return nil, dberr.Argument("unsupported operator %s", e.Operator)
		}
		v, err := literal(right)
		if err != nil {
			return nil, err
		}
		return append(out, planner.Condition{Field: col.Name.String(), Op: op, Value: v}), nil
	}
	return nil, dberr.Argument("unsupported condition %s", sqlparser.String(expr))
}

func mirror(op string) string {
	switch op {
	case sqlparser.LessThanStr:
		return sqlparser.GreaterThanStr
	case sqlparser.LessEqualStr:
		return sqlparser.GreaterEqualStr
	case sqlparser.GreaterThanStr:
		return sqlparser.LessThanStr
	case sqlparser.GreaterEqualStr:
		return sqlparser.LessEqualStr
	}
	return op
}

// literal converts a SQL literal to a key value: strings stay strings and
// numbers become float64.
func literal(expr sqlparser.Expr) (any, error) {
	switch v := expr.(type) {
	case *sqlparser.SQLVal:
		switch v.Type {
		case sqlparser.StrVal:
			return string(v.Val), nil
		case sqlparser.IntVal, sqlparser.FloatVal:
			f, err := strconv.ParseFloat(string(v.Val), 64)
			if err != nil {
				return nil, dberr.Argument("bad number %s", v.Val)
			}
			return f, nil
		}
	case *sqlparser.UnaryExpr:
		if v.Operator == sqlparser.UMinusStr {
			x, err := literal(v.Expr)
			if err != nil {
				return nil, err
			}
			if f, ok := x.(float64); ok {
				return -f, nil
			}
		}
	}
	return nil, dberr.Argument("unsupported literal %s", sqlparser.String(expr))
}

func count(expr sqlparser.Expr) (int, error) {
	if expr == nil {
		return 0, nil
	}
	v, ok := expr.(*sqlparser.SQLVal)
	if !ok || v.Type != sqlparser.IntVal {
		return 0, dberr.Argument("LIMIT needs integers, got %s", sqlparser.String(expr))
	}
	n, err := strconv.Atoi(string(v.Val))
	if err != nil || n < 0 {
		return 0, dberr.Argument("bad LIMIT value %s", v.Val)
	}
	return n, nil
}

func buildInsertPlan(stmt *sqlparser.Insert) (PlanNode, error) {
	tableNameStr := sqlparser.String(stmt.Table)

	var cols []string
	for _, col := range stmt.Columns {
		cols = append(cols, col.String())
	}
	if len(cols) == 0 {
		return nil, dberr.Argument("INSERT into %s needs a column list", tableNameStr)
	}

	rowsVals, ok := stmt.Rows.(sqlparser.Values)
	if !ok {
		return nil, dberr.Argument("INSERT from SELECT not supported")
	}

	rows := make([][]any, 0, len(rowsVals))
	for i, row := range rowsVals {
		if len(row) != len(cols) {
			return nil, dberr.Argument("row %d has %d values for %d columns", i, len(row), len(cols))
		}
		vals := make([]any, len(row))
		for j, expr := range row {
			v, err := literal(expr)
			if err != nil {
				return nil, err
			}
			vals[j] = v
		}
		rows = append(rows, vals)
	}

	return &InsertNode{
		Table:   tableNameStr,
		Columns: cols,
		Rows:    rows,
	}, nil
}
