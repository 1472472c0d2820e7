package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/pkg/errors"

	"github.com/myuser/unidb/internal/cursor"
	"github.com/myuser/unidb/internal/dberr"
	"github.com/myuser/unidb/internal/key"
	"github.com/myuser/unidb/internal/schema"
	"github.com/myuser/unidb/internal/tr"
)

// Executor runs record operations and opens cursors inside backend
// transactions. It is backend-neutral: everything goes through KV.
type Executor struct {
	schema *schema.Database
}

func NewExecutor(d *schema.Database) *Executor {
	return &Executor{schema: d}
}

func (e *Executor) Schema() *schema.Database { return e.schema }

func kvOf(tx tr.Tx) (KV, error) {
	kv, ok := tx.(KV)
	if !ok {
		return nil, dberr.Internal("transaction %T has no bucket access", tx)
	}
	return kv, nil
}

// GetCursor opens an unopened cursor over a store, or over one of its
// indexes when index is not empty.
func (e *Executor) GetCursor(tx tr.Tx, label, store, index string, rng *key.Range, dir cursor.Direction, keyOnly bool, mth cursor.Method) (cursor.Cursor, error) {
	st, err := e.schema.Store(store)
	if err != nil {
		return nil, err
	}
	bucket := StoreBucket(store)
	if index != "" {
		if st.Index(index) == nil {
			return nil, dberr.Argument("index %s.%s not found", store, index)
		}
		bucket = IndexBucket(store, index)
	}
	kv, err := kvOf(tx)
	if err != nil {
		return nil, err
	}
	if mth == cursor.MethodUpdate && !kv.Writable() {
		return nil, dberr.InvalidState("update cursor on %s needs a read-write transaction", store)
	}
	sk, err := kv.Seeker(bucket)
	if err != nil {
		return nil, err
	}
	return cursor.New(cursor.Config{
		Label:     label,
		Store:     store,
		Index:     index,
		Range:     rng,
		Direction: dir,
		KeyOnly:   keyOnly || mth == cursor.MethodCount,
		Seeker:    sk,
		Records:   &records{e: e, kv: kv, st: st},
	}), nil
}

// Put writes value, replacing any record with the same primary key, and
// returns the primary key. pk is only given for stores with out-of-line keys.
func (e *Executor) Put(tx tr.Tx, store string, value, pk any) (any, error) {
	return e.write(tx, store, value, pk, false)
}

// Add is Put that fails with ConstraintError when the primary key exists.
func (e *Executor) Add(tx tr.Tx, store string, value, pk any) (any, error) {
	return e.write(tx, store, value, pk, true)
}

func (e *Executor) write(tx tr.Tx, store string, value, pk any, add bool) (any, error) {
	st, err := e.schema.Store(store)
	if err != nil {
		return nil, err
	}
	kv, err := kvOf(tx)
	if err != nil {
		return nil, err
	}
	return e.put(kv, st, value, pk, add)
}

// Get returns the record stored under pk, or dberr.ErrNotFound.
func (e *Executor) Get(tx tr.Tx, store string, pk any) (any, error) {
	st, err := e.schema.Store(store)
	if err != nil {
		return nil, err
	}
	kv, err := kvOf(tx)
	if err != nil {
		return nil, err
	}
	enc, err := key.Encode(pk)
	if err != nil {
		return nil, err
	}
	return (&records{e: e, kv: kv, st: st}).Lookup(enc)
}

// Delete removes the record stored under pk. Missing records are ignored.
func (e *Executor) Delete(tx tr.Tx, store string, pk any) error {
	st, err := e.schema.Store(store)
	if err != nil {
		return err
	}
	kv, err := kvOf(tx)
	if err != nil {
		return err
	}
	return e.remove(kv, st, pk)
}

// Clear removes every record of a store together with its index entries.
func (e *Executor) Clear(tx tr.Tx, store string) error {
	st, err := e.schema.Store(store)
	if err != nil {
		return err
	}
	kv, err := kvOf(tx)
	if err != nil {
		return err
	}
	if !kv.Writable() {
		return dberr.InvalidState("clear %s in a read-only transaction", store)
	}
	if err := kv.Clear(StoreBucket(store)); err != nil {
		return err
	}
	for _, idx := range st.Indexes {
		if err := kv.Clear(IndexBucket(store, idx.Name)); err != nil {
			return err
		}
	}
	return nil
}

// Count counts the entries of a store or index within rng.
func (e *Executor) Count(tx tr.Tx, store, index string, rng *key.Range) (int, error) {
	c, err := e.GetCursor(tx, "", store, index, rng, cursor.Next, true, cursor.MethodCount)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	n := 0
	pos, err := c.Open(nil, nil)
	for ; err == nil && !pos.Exhausted(); pos, err = c.Advance(1) {
		n++
	}
	return n, err
}

func (e *Executor) put(kv KV, st *schema.Store, value, pk any, add bool) (any, error) {
	if !kv.Writable() {
		return nil, dberr.InvalidState("write to %s in a read-only transaction", st.Name)
	}
	var err error
	if st.KeyPath != "" {
		if pk != nil {
			return nil, dberr.Argument("store %s uses in-line keys; do not pass a key", st.Name)
		}
		k, ok := st.PrimaryKey(value)
		if !ok {
			if !st.AutoIncrement {
				return nil, dberr.Argument("record for %s has no valid key at %s", st.Name, st.KeyPath)
			}
			rec, isMap := value.(map[string]any)
			if !isMap {
				return nil, dberr.Argument("auto-increment store %s needs object records", st.Name)
			}
			if k, err = e.nextKey(kv, st); err != nil {
				return nil, err
			}
			schema.SetField(rec, st.KeyPath, k)
		}
		pk = k
	} else if pk == nil {
		if !st.AutoIncrement {
			return nil, dberr.Argument("store %s needs an out-of-line key", st.Name)
		}
		if pk, err = e.nextKey(kv, st); err != nil {
			return nil, err
		}
	}
	if pk, err = key.Normalize(pk); err != nil {
		return nil, err
	}
	if st.AutoIncrement {
		if err := e.bumpKey(kv, st, pk); err != nil {
			return nil, err
		}
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, dberr.Argument("record for %s is not serializable: %v", st.Name, err)
	}
	// Index keys are taken from the decoded form so they match what a
	// later read sees.
	var stored any
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, errors.Wrap(err, "decode record")
	}

	encPK := key.MustEncode(pk)
	bucket := StoreBucket(st.Name)
	old, err := kv.Get(bucket, encPK)
	if err != nil {
		return nil, err
	}
	if old != nil && add {
		return nil, &dberr.ConstraintError{Store: st.Name, Key: pk}
	}

	for _, idx := range st.Indexes {
		if !idx.Unique {
			continue
		}
		for _, ik := range idx.Keys(stored) {
			owner, err := e.indexOwner(kv, st, idx, ik)
			if err != nil {
				return nil, err
			}
			if owner != nil && !bytes.Equal(owner, encPK) {
				return nil, &dberr.ConstraintError{Store: st.Name, Index: idx.Name, Key: ik}
			}
		}
	}

	if old != nil {
		prev, err := decodeValue(old)
		if err != nil {
			return nil, err
		}
		if err := e.unindex(kv, st, prev, encPK); err != nil {
			return nil, err
		}
	}
	for _, idx := range st.Indexes {
		for _, ik := range idx.Keys(stored) {
			if err := kv.Put(IndexBucket(st.Name, idx.Name), append(key.MustEncode(ik), encPK...), encPK); err != nil {
				return nil, err
			}
		}
	}
	if err := kv.Put(bucket, encPK, raw); err != nil {
		return nil, err
	}
	return pk, nil
}

func (e *Executor) remove(kv KV, st *schema.Store, pk any) error {
	if !kv.Writable() {
		return dberr.InvalidState("delete from %s in a read-only transaction", st.Name)
	}
	encPK, err := key.Encode(pk)
	if err != nil {
		return err
	}
	bucket := StoreBucket(st.Name)
	old, err := kv.Get(bucket, encPK)
	if err != nil || old == nil {
		return err
	}
	prev, err := decodeValue(old)
	if err != nil {
		return err
	}
	if err := e.unindex(kv, st, prev, encPK); err != nil {
		return err
	}
	return kv.Delete(bucket, encPK)
}

func (e *Executor) unindex(kv KV, st *schema.Store, record any, encPK []byte) error {
	for _, idx := range st.Indexes {
		for _, ik := range idx.Keys(record) {
			if err := kv.Delete(IndexBucket(st.Name, idx.Name), append(key.MustEncode(ik), encPK...)); err != nil {
				return err
			}
		}
	}
	return nil
}

// indexOwner returns the encoded primary key holding ik in idx, or nil.
func (e *Executor) indexOwner(kv KV, st *schema.Store, idx *schema.Index, ik any) ([]byte, error) {
	sk, err := kv.Seeker(IndexBucket(st.Name, idx.Name))
	if err != nil {
		return nil, err
	}
	defer sk.Close()
	enc := key.MustEncode(ik)
	k, _, err := sk.Seek(enc, false)
	if err != nil || k == nil || !bytes.HasPrefix(k, enc) {
		return nil, err
	}
	return append([]byte{}, k[len(enc):]...), nil
}

func (e *Executor) counter(kv KV, st *schema.Store) (uint64, error) {
	raw, err := kv.Get(metaBucket, []byte(st.Name))
	if err != nil || len(raw) != 8 {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (e *Executor) setCounter(kv KV, st *schema.Store, n uint64) error {
	return kv.Put(metaBucket, []byte(st.Name), binary.BigEndian.AppendUint64(nil, n))
}

func (e *Executor) nextKey(kv KV, st *schema.Store) (any, error) {
	n, err := e.counter(kv, st)
	if err != nil {
		return nil, err
	}
	return float64(n + 1), nil
}

// bumpKey raises the key generator past an explicit numeric key.
func (e *Executor) bumpKey(kv KV, st *schema.Store, pk any) error {
	f, ok := pk.(float64)
	if !ok || f < 1 || f > 1<<53 {
		return nil
	}
	n, err := e.counter(kv, st)
	if err != nil {
		return err
	}
	if next := uint64(math.Floor(f)); next > n {
		return e.setCounter(kv, st, next)
	}
	return nil
}

func decodeValue(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.Wrap(err, "decode record")
	}
	return v, nil
}

// records is the cursor.Records of one store inside one transaction.
type records struct {
	e  *Executor
	kv KV
	st *schema.Store
}

func (r *records) Decode(raw []byte) (any, error) { return decodeValue(raw) }

func (r *records) Lookup(pk []byte) (any, error) {
	raw, err := r.kv.Get(StoreBucket(r.st.Name), pk)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		k, _ := key.DecodeAll(pk)
		return nil, errors.Wrapf(dberr.ErrNotFound, "%s %s", r.st.Name, key.Format(k))
	}
	return decodeValue(raw)
}

// Put replaces the record at pk. Records of in-line key stores must keep their key.
func (r *records) Put(pk, value any) error {
	if r.st.KeyPath == "" {
		_, err := r.e.put(r.kv, r.st, value, pk, false)
		return err
	}
	k, ok := r.st.PrimaryKey(value)
	if !ok || !key.Equal(k, pk) {
		return dberr.Argument("update must keep primary key %s of %s", key.Format(pk), r.st.Name)
	}
	_, err := r.e.put(r.kv, r.st, value, nil, false)
	return err
}

func (r *records) Delete(pk any) error { return r.e.remove(r.kv, r.st, pk) }

func (r *records) Writable() bool { return r.kv.Writable() }
