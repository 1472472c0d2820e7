package sql

import (
	"fmt"
	"strings"

	"github.com/myuser/unidb/internal/planner"
)

type NodeType int

const (
	NodeScan NodeType = iota
	NodeFilter
	NodeLimit
	NodeProject
	NodeInsert
)

type PlanNode interface {
	Type() NodeType
	String() string
	Children() []PlanNode
}

type ScanNode struct {
	Table string
	// Reverse walks the store backwards (ORDER BY ... DESC).
	Reverse bool
}

func (n *ScanNode) Type() NodeType { return NodeScan }
func (n *ScanNode) String() string {
	if n.Reverse {
		return fmt.Sprintf("Scan(%s desc)", n.Table)
	}
	return fmt.Sprintf("Scan(%s)", n.Table)
}
func (n *ScanNode) Children() []PlanNode { return nil }

type FilterNode struct {
	Input      PlanNode
	Conditions []planner.Condition
}

func (n *FilterNode) Type() NodeType { return NodeFilter }
func (n *FilterNode) String() string {
	parts := make([]string, len(n.Conditions))
	for i, c := range n.Conditions {
		parts[i] = c.String()
	}
	return fmt.Sprintf("Filter(%s)", strings.Join(parts, " and "))
}
func (n *FilterNode) Children() []PlanNode { return []PlanNode{n.Input} }

type LimitNode struct {
	Input  PlanNode
	Limit  int
	Offset int
}

func (n *LimitNode) Type() NodeType       { return NodeLimit }
func (n *LimitNode) String() string       { return fmt.Sprintf("Limit(%d, %d)", n.Offset, n.Limit) }
func (n *LimitNode) Children() []PlanNode { return []PlanNode{n.Input} }

type ProjectNode struct {
	Input   PlanNode
	Columns []string
}

func (n *ProjectNode) Type() NodeType       { return NodeProject }
func (n *ProjectNode) String() string       { return fmt.Sprintf("Project(%v)", n.Columns) }
func (n *ProjectNode) Children() []PlanNode { return []PlanNode{n.Input} }

type InsertNode struct {
	Table   string
	Columns []string
	Rows    [][]any
}

func (n *InsertNode) Type() NodeType       { return NodeInsert }
func (n *InsertNode) String() string       { return fmt.Sprintf("Insert(%s, %d rows)", n.Table, len(n.Rows)) }
func (n *InsertNode) Children() []PlanNode { return nil }

// Explain renders a plan tree, one node per line.
func Explain(n PlanNode) string {
	var b strings.Builder
	var walk func(PlanNode, int)
	walk = func(n PlanNode, depth int) {
		fmt.Fprintf(&b, "%s%s\n", strings.Repeat("  ", depth), n)
		for _, c := range n.Children() {
			walk(c, depth+1)
		}
	}
	walk(n, 0)
	return b.String()
}
