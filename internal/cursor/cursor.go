// Package cursor defines the backend-neutral cursor contract and a shared
// implementation that backends drive through a Seeker.
package cursor

import (
	"fmt"
	"strings"

	"github.com/myuser/unidb/internal/dberr"
)

// Direction is the iteration direction and uniqueness of a cursor.
type Direction int

const (
	Next Direction = iota
	NextUnique
	Prev
	PrevUnique
)

// Reverse reports whether the direction walks keys in descending order.
func (d Direction) Reverse() bool { return d == Prev || d == PrevUnique }

// Unique reports whether only the first record of each effective key is delivered.
func (d Direction) Unique() bool { return d == NextUnique || d == PrevUnique }

// Flip reverses the direction and keeps uniqueness.
func (d Direction) Flip() Direction {
	switch d {
	case Next:
		return Prev
	case NextUnique:
		return PrevUnique
	case Prev:
		return Next
	}
	return NextUnique
}

func (d Direction) String() string {
	switch d {
	case Next:
		return "next"
	case NextUnique:
		return "nextunique"
	case Prev:
		return "prev"
	case PrevUnique:
		return "prevunique"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// MakeDirection builds a direction from its two flags.
func MakeDirection(reverse, unique bool) Direction {
	switch {
	case reverse && unique:
		return PrevUnique
	case reverse:
		return Prev
	case unique:
		return NextUnique
	}
	return Next
}

// ParseDirection parses the names produced by Direction.String.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "", "next":
		return Next, nil
	case "nextunique":
		return NextUnique, nil
	case "prev":
		return Prev, nil
	case "prevunique":
		return PrevUnique, nil
	}
	return Next, dberr.Argument("invalid direction %q", s)
}

// Method names what the caller intends to read through a cursor.
type Method int

const (
	MethodValues Method = iota
	MethodKeys
	MethodPrimaryKeys
	MethodCount
	MethodUpdate
)

func (m Method) String() string {
	switch m {
	case MethodValues:
		return "values"
	case MethodKeys:
		return "keys"
	case MethodPrimaryKeys:
		return "primaryKeys"
	case MethodCount:
		return "count"
	case MethodUpdate:
		return "update"
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// State is the lifecycle state of a cursor.
type State int

const (
	Unopened State = iota
	Open
	Exhausted
	Disposed
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case Open:
		return "open"
	case Exhausted:
		return "exhausted"
	case Disposed:
		return "disposed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Position is what a cursor move delivers. A nil Key means the cursor is
// exhausted. Value is nil for key-only cursors.
type Position struct {
	Key        any
	PrimaryKey any
	Value      any
}

// Exhausted reports whether p is the end-of-iteration position.
func (p Position) Exhausted() bool { return p.Key == nil }

// Cursor is a pull-based cursor over one store or index inside a single
// physical transaction. Every move returns exactly one Position; the
// exhausted position is returned once, after which only Restart and Close
// are accepted.
type Cursor interface {
	// Open delivers the first position. With a resume key the first
	// position is strictly after (resumeKey, resumePrimaryKey).
	Open(resumeKey, resumePrimaryKey any) (Position, error)
	// Advance skips n records.
	Advance(n int) (Position, error)
	// ContinueEffectiveKey moves to the first position whose effective key
	// reaches k. A nil k advances by one.
	ContinueEffectiveKey(k any) (Position, error)
	// ContinuePrimaryKey keeps the effective key and moves the primary key
	// pointer to pk.
	ContinuePrimaryKey(pk any) (Position, error)
	// Restart reopens the cursor at the range start, or strictly after
	// (k, pk) when k is given.
	Restart(k, pk any) (Position, error)
	// Update replaces the record at the current position.
	Update(value any) error
	// Clear deletes the record at the current position.
	Clear() error
	Position() Position
	State() State
	Label() string
	Close() error
}
