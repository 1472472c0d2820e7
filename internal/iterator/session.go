package iterator

import (
	"fmt"

	"github.com/myuser/unidb/internal/cursor"
	"github.com/myuser/unidb/internal/dberr"
	"github.com/myuser/unidb/internal/tr"
)

// State is the execution state of a Session.
type State int

const (
	// Initial sessions have never opened a cursor.
	Initial State = iota
	// Working sessions hold an open cursor.
	Working
	// Resting sessions exited their cursor and can be resumed.
	Resting
	// Completed sessions saw the cursor exhaust.
	Completed
)

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case Working:
		return "working"
	case Resting:
		return "resting"
	case Completed:
		return "completed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session is one execution of an Iterator. Its cursor lives inside a single
// transaction; Iterate reopens a fresh cursor in a later transaction,
// positioned after the last record seen.
type Session struct {
	it    *Iterator
	cur   cursor.Cursor
	state State
	pos   cursor.Position

	last    cursor.Position
	hasLast bool
	moves   int
}

// NewSession returns an Initial session of it.
func NewSession(it *Iterator) *Session {
	s := &Session{it: it}
	if k, pk, ok := it.Seed(); ok {
		s.last, s.hasLast = cursor.Position{Key: k, PrimaryKey: pk}, true
	}
	return s
}

func (s *Session) Iterator() *Iterator      { return s.it }
func (s *Session) State() State             { return s.state }
func (s *Session) Position() cursor.Position { return s.pos }

// Moves is the number of cursor moves made through the session.
func (s *Session) Moves() int { return s.moves }

// Iterate opens a fresh cursor in tx and returns its first position. After a
// previous execution it continues strictly after the last position seen.
func (s *Session) Iterate(tx tr.Tx, label string, exec Executor, mth cursor.Method) (cursor.Position, error) {
	if s.state == Working {
		return cursor.Position{}, dberr.InvalidState("iterator %s is already working", s.it)
	}
	if s.cur != nil {
		s.cur.Close()
		s.cur = nil
	}
	it := s.it
	c, err := exec.GetCursor(tx, label, it.store, it.index, it.rng, it.dir, it.keyOnly, mth)
	if err != nil {
		return cursor.Position{}, err
	}
	var k, pk any
	if s.hasLast {
		k, pk = s.last.Key, s.last.PrimaryKey
	}
	prev := s.state
	s.cur, s.state = c, Working
	pos, err := s.record(c.Open(k, pk))
	if err != nil {
		c.Close()
		s.cur, s.state = nil, prev
		return cursor.Position{}, err
	}
	return pos, nil
}

func (s *Session) record(pos cursor.Position, err error) (cursor.Position, error) {
	if err != nil {
		return cursor.Position{}, err
	}
	s.moves++
	s.pos = pos
	if pos.Exhausted() {
		s.state = Completed
		return pos, nil
	}
	s.last, s.hasLast = pos, true
	return pos, nil
}

func (s *Session) open() (cursor.Cursor, error) {
	if s.cur == nil || (s.state != Working && s.state != Completed) {
		return nil, dberr.InvalidState("iterator %s has no open cursor", s.it)
	}
	return s.cur, nil
}

func (s *Session) Advance(n int) (cursor.Position, error) {
	c, err := s.open()
	if err != nil {
		return cursor.Position{}, err
	}
	return s.record(c.Advance(n))
}

func (s *Session) ContinueEffectiveKey(k any) (cursor.Position, error) {
	c, err := s.open()
	if err != nil {
		return cursor.Position{}, err
	}
	return s.record(c.ContinueEffectiveKey(k))
}

func (s *Session) ContinuePrimaryKey(pk any) (cursor.Position, error) {
	c, err := s.open()
	if err != nil {
		return cursor.Position{}, err
	}
	return s.record(c.ContinuePrimaryKey(pk))
}

// Restart reopens the cursor where the Iterator starts: the range start, or
// after the Iterator's resume seed.
func (s *Session) Restart() (cursor.Position, error) {
	c, err := s.open()
	if err != nil {
		return cursor.Position{}, err
	}
	k, pk, _ := s.it.Seed()
	s.state = Working
	return s.record(c.Restart(k, pk))
}

// Update replaces the record at the current position.
func (s *Session) Update(value any) error {
	c, err := s.open()
	if err != nil {
		return err
	}
	return c.Update(value)
}

// Clear deletes the record at the current position.
func (s *Session) Clear() error {
	c, err := s.open()
	if err != nil {
		return err
	}
	return c.Clear()
}

// Exit closes the cursor. A session that has not completed becomes Resting.
func (s *Session) Exit() error {
	if s.cur == nil {
		return nil
	}
	err := s.cur.Close()
	s.cur = nil
	if s.state == Working {
		s.state = Resting
	}
	return err
}

// Resume returns the Iterator continuing after the last position seen, or
// the session's Iterator when nothing was seen.
func (s *Session) Resume() *Iterator {
	if !s.hasLast {
		return s.it
	}
	return s.it.Resume(s.last.Key, s.last.PrimaryKey)
}

// Reset forgets the execution so the next Iterate starts over.
func (s *Session) Reset() error {
	if s.state == Working {
		return dberr.InvalidState("cannot reset working iterator %s", s.it)
	}
	k, pk, seeded := s.it.Seed()
	s.state, s.pos, s.moves = Initial, cursor.Position{}, 0
	s.last, s.hasLast = cursor.Position{Key: k, PrimaryKey: pk}, seeded
	return nil
}
