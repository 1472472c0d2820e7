package cursor

import (
	"bytes"

	"github.com/myuser/unidb/internal/dberr"
	"github.com/myuser/unidb/internal/key"
)

// Seeker is the one primitive a backend must provide: positioned reads over
// the raw, byte-ordered entries of a single bucket.
//
// Seek returns the first entry >= target when reverse is false, and the last
// entry < target when reverse is true. A nil target means the first
// (forward) or last (reverse) entry. Step moves one entry from the last
// returned one. Both return a nil k when no entry is left.
type Seeker interface {
	Seek(target []byte, reverse bool) (k, v []byte, err error)
	Step(reverse bool) (k, v []byte, err error)
	Close() error
}

// Records gives a cursor access to the primary records of its store.
type Records interface {
	// Decode decodes a raw primary record value.
	Decode(raw []byte) (any, error)
	// Lookup loads the record stored under the encoded primary key.
	Lookup(pk []byte) (any, error)
	Put(pk, value any) error
	Delete(pk any) error
	Writable() bool
}

// Config describes the cursor a backend wants built.
//
// Entries of a store bucket are keyed by the encoded primary key. Entries of
// an index bucket are keyed by the encoded index key followed by the encoded
// primary key.
type Config struct {
	Label     string
	Store     string
	Index     string
	Range     *key.Range
	Direction Direction
	KeyOnly   bool
	Seeker    Seeker
	Records   Records
}

// Base implements Cursor on top of a Seeker.
type Base struct {
	cfg    Config
	lo, hi []byte

	state State
	pos   Position
	entry []byte
	eff   []byte
	pk    []byte

	// dirty is set after a mutation; the next step repositions by seeking.
	dirty bool
}

var _ Cursor = (*Base)(nil)

// New returns an unopened cursor.
func New(cfg Config) *Base {
	lo, hi := cfg.Range.Bounds()
	return &Base{cfg: cfg, lo: lo, hi: hi}
}

func (c *Base) isIndex() bool { return c.cfg.Index != "" }

func (c *Base) name() string {
	if c.isIndex() {
		return c.cfg.Store + "." + c.cfg.Index
	}
	return c.cfg.Store
}

func (c *Base) Label() string       { return c.cfg.Label }
func (c *Base) State() State        { return c.state }
func (c *Base) Position() Position  { return c.pos }
func (c *Base) Direction() Direction { return c.cfg.Direction }

func (c *Base) Open(resumeKey, resumePrimaryKey any) (Position, error) {
	switch c.state {
	case Disposed:
		return Position{}, dberr.InvalidState("cursor %s is disposed", c.name())
	case Open, Exhausted:
		return Position{}, dberr.InvalidState("cursor %s is already open", c.name())
	}
	c.state = Open
	c.dirty = false
	return c.openAt(resumeKey, resumePrimaryKey)
}

func (c *Base) Restart(k, pk any) (Position, error) {
	if c.state == Disposed {
		return Position{}, dberr.InvalidState("cursor %s is disposed", c.name())
	}
	c.state = Open
	c.dirty = false
	return c.openAt(k, pk)
}

func (c *Base) openAt(resumeKey, resumePrimaryKey any) (Position, error) {
	rev := c.cfg.Direction.Reverse()
	if resumeKey == nil {
		if rev {
			return c.seek(c.hi, true)
		}
		return c.seek(c.lo, false)
	}
	ek, err := key.Encode(resumeKey)
	if err != nil {
		return Position{}, err
	}
	target := ek
	if c.isIndex() && !c.cfg.Direction.Unique() && resumePrimaryKey != nil {
		ep, err := key.Encode(resumePrimaryKey)
		if err != nil {
			return Position{}, err
		}
		target = append(ek, ep...)
		if !rev {
			target = key.Successor(target)
		}
	} else if !rev {
		if target = key.PrefixEnd(ek); target == nil {
			return c.exhaust()
		}
	}
	return c.seek(c.clamp(target, rev), rev)
}

// clamp keeps a seek target inside the range bounds.
func (c *Base) clamp(target []byte, rev bool) []byte {
	if rev {
		if c.hi != nil && (target == nil || bytes.Compare(target, c.hi) > 0) {
			return c.hi
		}
		return target
	}
	if c.lo != nil && bytes.Compare(target, c.lo) < 0 {
		return c.lo
	}
	return target
}

func (c *Base) checkMovable() error {
	switch c.state {
	case Disposed:
		return dberr.InvalidState("cursor %s is disposed", c.name())
	case Unopened:
		return dberr.InvalidState("cursor %s is not open", c.name())
	case Exhausted:
		return dberr.InvalidState("cursor %s is exhausted", c.name())
	}
	return nil
}

func (c *Base) Advance(n int) (Position, error) {
	if err := c.checkMovable(); err != nil {
		return Position{}, err
	}
	if n < 1 {
		return Position{}, dberr.Argument("advance count must be positive, got %d", n)
	}
	var (
		pos Position
		err error
	)
	for i := 0; i < n; i++ {
		if pos, err = c.step(); err != nil || pos.Exhausted() {
			return pos, err
		}
	}
	return pos, nil
}

func (c *Base) step() (Position, error) {
	rev := c.cfg.Direction.Reverse()
	if c.isIndex() {
		switch c.cfg.Direction {
		case NextUnique:
			target := key.PrefixEnd(c.eff)
			if target == nil {
				return c.exhaust()
			}
			return c.seek(target, false)
		case PrevUnique:
			return c.seek(c.eff, true)
		}
	}
	if c.dirty {
		c.dirty = false
		if rev {
			return c.seek(c.entry, true)
		}
		return c.seek(key.Successor(c.entry), false)
	}
	k, v, err := c.cfg.Seeker.Step(rev)
	if err != nil {
		return Position{}, err
	}
	return c.land(k, v)
}

func (c *Base) ContinueEffectiveKey(k any) (Position, error) {
	if k == nil {
		return c.Advance(1)
	}
	if err := c.checkMovable(); err != nil {
		return Position{}, err
	}
	ek, err := key.Encode(k)
	if err != nil {
		return Position{}, err
	}
	rev := c.cfg.Direction.Reverse()
	cmp := bytes.Compare(ek, c.eff)
	if (!rev && cmp <= 0) || (rev && cmp >= 0) {
		return Position{}, dberr.Internal("continue key %s is not ahead of %s on %s", key.Format(k), key.Format(c.pos.Key), c.name())
	}
	c.dirty = false
	if rev {
		return c.seek(c.clamp(key.PrefixEnd(ek), true), true)
	}
	return c.seek(c.clamp(ek, false), false)
}

func (c *Base) ContinuePrimaryKey(pk any) (Position, error) {
	if err := c.checkMovable(); err != nil {
		return Position{}, err
	}
	if c.cfg.Direction.Unique() {
		return Position{}, dberr.InvalidAccess("continue primary key on unique cursor %s", c.name())
	}
	if !c.isIndex() {
		return c.ContinueEffectiveKey(pk)
	}
	ep, err := key.Encode(pk)
	if err != nil {
		return Position{}, err
	}
	rev := c.cfg.Direction.Reverse()
	cmp := bytes.Compare(ep, c.pk)
	if (!rev && cmp <= 0) || (rev && cmp >= 0) {
		return Position{}, dberr.Internal("continue primary key %s is not ahead of %s on %s", key.Format(pk), key.Format(c.pos.PrimaryKey), c.name())
	}
	c.dirty = false
	target := append(append([]byte{}, c.eff...), ep...)
	if rev {
		return c.seek(key.Successor(target), true)
	}
	return c.seek(target, false)
}

func (c *Base) seek(target []byte, rev bool) (Position, error) {
	k, v, err := c.cfg.Seeker.Seek(target, rev)
	if err != nil {
		return Position{}, err
	}
	return c.land(k, v)
}

func (c *Base) inRange(k []byte) bool {
	if c.lo != nil && bytes.Compare(k, c.lo) < 0 {
		return false
	}
	if c.hi != nil && bytes.Compare(k, c.hi) >= 0 {
		return false
	}
	return true
}

func (c *Base) land(k, v []byte) (Position, error) {
	if k == nil || !c.inRange(k) {
		return c.exhaust()
	}
	effKey, rest, err := key.Decode(k)
	if err != nil {
		return Position{}, dberr.InternalWrap(err, "decode entry of "+c.name())
	}
	if c.isIndex() && c.cfg.Direction == PrevUnique {
		// Deliver the lowest primary key of each effective key.
		eff := k[:len(k)-len(rest)]
		if k, v, err = c.cfg.Seeker.Seek(eff, false); err != nil {
			return Position{}, err
		}
		if k == nil {
			return c.exhaust()
		}
		if effKey, rest, err = key.Decode(k); err != nil {
			return Position{}, dberr.InternalWrap(err, "decode entry of "+c.name())
		}
	}

	c.entry = append(c.entry[:0], k...)
	c.eff = c.entry[:len(k)-len(rest)]
	pos := Position{Key: effKey}
	if c.isIndex() {
		c.pk = c.entry[len(c.eff):]
		if pos.PrimaryKey, err = key.DecodeAll(c.pk); err != nil {
			return Position{}, dberr.InternalWrap(err, "decode primary key of "+c.name())
		}
	} else {
		c.pk = c.eff
		pos.PrimaryKey = effKey
	}

	if !c.cfg.KeyOnly {
		if c.cfg.Records == nil {
			return Position{}, dberr.Internal("value cursor %s has no record access", c.name())
		}
		if c.isIndex() {
			pos.Value, err = c.cfg.Records.Lookup(c.pk)
		} else {
			pos.Value, err = c.cfg.Records.Decode(v)
		}
		if err != nil {
			return Position{}, err
		}
	}
	c.pos = pos
	return pos, nil
}

func (c *Base) exhaust() (Position, error) {
	c.state = Exhausted
	c.pos = Position{}
	c.entry = c.entry[:0]
	c.eff, c.pk = nil, nil
	return Position{}, nil
}

func (c *Base) writable() error {
	switch {
	case c.state == Disposed:
		return dberr.InvalidState("cursor %s is disposed", c.name())
	case c.state != Open:
		return dberr.InvalidAccess("cursor %s has no current record", c.name())
	case c.cfg.Records == nil || !c.cfg.Records.Writable():
		return dberr.InvalidState("cursor %s belongs to a read-only transaction", c.name())
	}
	return nil
}

func (c *Base) Update(value any) error {
	if err := c.writable(); err != nil {
		return err
	}
	if err := c.cfg.Records.Put(c.pos.PrimaryKey, value); err != nil {
		return err
	}
	c.dirty = true
	if !c.cfg.KeyOnly {
		c.pos.Value = value
	}
	return nil
}

func (c *Base) Clear() error {
	if err := c.writable(); err != nil {
		return err
	}
	if err := c.cfg.Records.Delete(c.pos.PrimaryKey); err != nil {
		return err
	}
	c.dirty = true
	return nil
}

func (c *Base) Close() error {
	if c.state == Disposed {
		return dberr.InvalidState("cursor %s is disposed", c.name())
	}
	c.state = Disposed
	c.pos = Position{}
	return c.cfg.Seeker.Close()
}
