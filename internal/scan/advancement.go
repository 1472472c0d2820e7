package scan

import (
	"fmt"

	"github.com/myuser/unidb/internal/dberr"
	"github.com/myuser/unidb/internal/key"
)

// ActionKind is what the engine does with one cursor after a round.
type ActionKind int

const (
	// Hold leaves the cursor where it is.
	Hold ActionKind = iota
	// Advance moves the cursor by one record.
	Advance
	// Continue moves the cursor to an effective key.
	Continue
	// ContinuePrimary moves an index cursor to a primary key within its
	// current effective key.
	ContinuePrimary
	// Restart reopens the cursor at the start of its iterator.
	Restart
)

func (k ActionKind) String() string {
	switch k {
	case Hold:
		return "hold"
	case Advance:
		return "advance"
	case Continue:
		return "continue"
	case ContinuePrimary:
		return "continuePrimary"
	case Restart:
		return "restart"
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// Action is the instruction for one cursor.
type Action struct {
	Kind ActionKind
	Key  any
}

func HoldAction() Action              { return Action{Kind: Hold} }
func AdvanceAction() Action           { return Action{Kind: Advance} }
func RestartAction() Action           { return Action{Kind: Restart} }
func ContinueTo(k any) Action         { return Action{Kind: Continue, Key: k} }
func ContinuePrimaryTo(pk any) Action { return Action{Kind: ContinuePrimary, Key: pk} }

// Advancement is a Solver's answer for one round. The zero value advances
// every cursor by one, like AdvanceAll.
type Advancement struct {
	all     bool
	stop    bool
	actions []Action
	err     error
}

// AdvanceAll advances every cursor by one.
func AdvanceAll() Advancement { return Advancement{all: true} }

// StopAll ends the scan.
func StopAll() Advancement { return Advancement{stop: true} }

// Vector gives one action per cursor. Missing trailing actions hold, so an
// empty Vector moves nothing and ends the scan.
func Vector(actions ...Action) Advancement {
	return Advancement{actions: append([]Action{}, actions...)}
}

// FromSlice reads a loose per-cursor vector: nil holds, true advances, false
// restarts and any other value continues to that effective key.
func FromSlice(v []any) Advancement {
	actions := make([]Action, len(v))
	for i, e := range v {
		switch x := e.(type) {
		case nil:
			actions[i] = HoldAction()
		case bool:
			if x {
				actions[i] = AdvanceAction()
			} else {
				actions[i] = RestartAction()
			}
		default:
			k, err := key.Normalize(x)
			if err != nil {
				return Advancement{err: dberr.InternalWrap(err, fmt.Sprintf("advancement slot %d", i))}
			}
			actions[i] = ContinueTo(k)
		}
	}
	return Advancement{actions: actions}
}

// Explicit lists per-cursor instructions by kind. For one cursor, Restart
// wins over Continue, which wins over ContinuePrimary, which wins over
// Advance. A nil key holds.
type Explicit struct {
	Advance         []bool
	Continue        []any
	ContinuePrimary []any
	Restart         []bool
}

// Advancement converts e.
func (e Explicit) Advancement() Advancement {
	n := max(len(e.Advance), len(e.Continue), len(e.ContinuePrimary), len(e.Restart))
	actions := make([]Action, n)
	for i := range actions {
		switch {
		case i < len(e.Restart) && e.Restart[i]:
			actions[i] = RestartAction()
		case i < len(e.Continue) && e.Continue[i] != nil:
			actions[i] = ContinueTo(e.Continue[i])
		case i < len(e.ContinuePrimary) && e.ContinuePrimary[i] != nil:
			actions[i] = ContinuePrimaryTo(e.ContinuePrimary[i])
		case i < len(e.Advance) && e.Advance[i]:
			actions[i] = AdvanceAction()
		}
	}
	return Advancement{actions: actions}
}

// Stop reports whether a ends the scan.
func (a Advancement) Stop() bool { return a.stop }

// Actions expands a into exactly n actions.
func (a Advancement) Actions(n int) ([]Action, error) {
	if a.err != nil {
		return nil, a.err
	}
	out := make([]Action, n)
	switch {
	case a.stop:
		return out, nil
	case a.all, a.actions == nil:
		for i := range out {
			out[i] = AdvanceAction()
		}
		return out, nil
	}
	if len(a.actions) > n {
		return nil, dberr.Internal("advancement has %d actions for %d cursors", len(a.actions), n)
	}
	copy(out, a.actions)
	return out, nil
}

func (a Advancement) String() string {
	switch {
	case a.err != nil:
		return "invalid(" + a.err.Error() + ")"
	case a.stop:
		return "stop"
	case a.all, a.actions == nil:
		return "advance-all"
	}
	return fmt.Sprint(a.actions)
}
