package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuser/unidb/internal/algo"
	"github.com/myuser/unidb/internal/backend"
	"github.com/myuser/unidb/internal/dberr"
	"github.com/myuser/unidb/internal/iterator"
	"github.com/myuser/unidb/internal/key"
	"github.com/myuser/unidb/internal/schema"
	"github.com/myuser/unidb/internal/tr"
)

func zoo() *schema.Database {
	return &schema.Database{Name: "zoo", Stores: []*schema.Store{
		{
			Name:    "animals",
			KeyPath: "id",
			Indexes: []*schema.Index{
				{Name: "color", KeyPath: []string{"color"}},
				{Name: "legs", KeyPath: []string{"legs"}},
				{Name: "name", KeyPath: []string{"name"}, Unique: true},
			},
		},
		{Name: "plants", KeyPath: "name"},
		{Name: "owners", KeyPath: "id"},
	}}
}

func open(t *testing.T, typ backend.Type, policy tr.Policy) *DB {
	path := ""
	if typ == backend.TypeBolt {
		path = filepath.Join(t.TempDir(), "zoo.db")
	}
	d, err := Open(zoo(), Options{Backend: typ, Path: path, Policy: policy, PageSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close(context.Background()) })
	return d
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func wait(t *testing.T, r *tr.Request) (any, error) {
	return r.Wait(waitCtx(t))
}

func load(t *testing.T, d *DB, store string, rows ...map[string]any) {
	values := make([]any, len(rows))
	for i, r := range rows {
		values[i] = r
	}
	_, err := wait(t, d.PutAll(context.Background(), store, values))
	require.NoError(t, err)
}

func only(t *testing.T, index string, v any) *iterator.Iterator {
	rng, err := key.Only(v)
	require.NoError(t, err)
	it, err := iterator.NewIndexIterator("animals", index, rng, false, false)
	require.NoError(t, err)
	return it
}

func TestListIntersectsIndexes(t *testing.T) {
	for _, typ := range []backend.Type{backend.TypeBolt, backend.TypeSQL, backend.TypeMemory} {
		t.Run(typ.String(), func(t *testing.T) {
			d := open(t, typ, tr.PolicySerial)
			load(t, d, "animals",
				map[string]any{"id": 1, "color": "red", "legs": 4, "name": "cow"},
				map[string]any{"id": 2, "color": "red", "legs": 2, "name": "hen"},
				map[string]any{"id": 3, "color": "blue", "legs": 4, "name": "whale"},
			)

			v, err := wait(t, d.List(context.Background(), 0, only(t, "color", "red"), only(t, "legs", 4)))
			require.NoError(t, err)
			want := []any{map[string]any{"id": 1.0, "color": "red", "legs": 4.0, "name": "cow"}}
			if diff := cmp.Diff(want, v); diff != "" {
				t.Errorf("List() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRecordOperations(t *testing.T) {
	ctx := context.Background()
	d := open(t, backend.TypeMemory, tr.PolicySerial)

	pk, err := wait(t, d.Add(ctx, "animals", map[string]any{"id": 1, "name": "cow", "color": "brown"}, nil))
	require.NoError(t, err)
	assert.Equal(t, 1.0, pk)

	_, err = wait(t, d.Add(ctx, "animals", map[string]any{"id": 1, "name": "bull"}, nil))
	assert.True(t, dberr.IsConstraint(err))
	_, err = wait(t, d.Put(ctx, "animals", map[string]any{"id": 2, "name": "cow"}, nil))
	assert.True(t, dberr.IsConstraint(err), "name is unique")

	_, err = wait(t, d.Put(ctx, "animals", map[string]any{"id": 1, "name": "cow", "color": "black"}, nil))
	require.NoError(t, err)
	rec, err := wait(t, d.Get(ctx, "animals", 1))
	require.NoError(t, err)
	assert.Equal(t, "black", rec.(map[string]any)["color"])

	n, err := wait(t, d.Count(ctx, "animals", "", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = wait(t, d.Remove(ctx, "animals", 1))
	require.NoError(t, err)
	_, err = wait(t, d.Get(ctx, "animals", 1))
	assert.True(t, errors.Is(err, dberr.ErrNotFound))

	load(t, d, "plants", map[string]any{"name": "fern"}, map[string]any{"name": "moss"})
	_, err = wait(t, d.Clear(ctx, "plants"))
	require.NoError(t, err)
	n, err = wait(t, d.Count(ctx, "plants", "", nil))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRejectsUnknownNames(t *testing.T) {
	ctx := context.Background()
	d := open(t, backend.TypeMemory, tr.PolicySerial)

	_, err := wait(t, d.Get(ctx, "fish", 1))
	assert.True(t, dberr.IsArgument(err))
	_, err = wait(t, d.Count(ctx, "animals", "teeth", nil))
	assert.True(t, dberr.IsArgument(err))
	_, err = wait(t, d.Run(ctx, nil, []string{"animals"}, tr.ReadOnly))
	assert.True(t, dberr.IsArgument(err))
	_, err = wait(t, d.Run(ctx, func(context.Context, tr.Tx, string) (any, error) { return nil, nil }, nil, tr.ReadOnly))
	assert.True(t, dberr.IsArgument(err))

	_, err = Open(zoo(), Options{Backend: backend.TypeBolt})
	assert.Error(t, err, "bolt needs a path")
}

func TestKeysAndValues(t *testing.T) {
	ctx := context.Background()
	d := open(t, backend.TypeSQL, tr.PolicySerial)
	load(t, d, "animals",
		map[string]any{"id": 1, "color": "red", "legs": 4, "name": "cow"},
		map[string]any{"id": 2, "color": "red", "legs": 2, "name": "hen"},
		map[string]any{"id": 3, "color": "blue", "legs": 4, "name": "whale"},
		map[string]any{"id": 4, "color": "red", "legs": 4, "name": "dog"},
		map[string]any{"id": 5, "color": "red", "legs": 8, "name": "spider"},
	)
	load(t, d, "owners", map[string]any{"id": 2, "farm": "east"}, map[string]any{"id": 4, "farm": "west"}, map[string]any{"id": 5, "farm": "east"})

	names, err := iterator.NewIndexIterator("animals", "name", nil, false, false)
	require.NoError(t, err)
	keys, err := wait(t, d.Keys(ctx, names, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, []any{"dog", "hen"}, keys)

	pks, err := wait(t, d.Values(ctx, names, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 4.0, 2.0, 5.0, 3.0}, pks, "key iterators yield primary keys")

	red := only(t, "color", "red")
	vals, err := iterator.NewIndexValueIterator("animals", "color", red.Range(), true, false)
	require.NoError(t, err)
	recs, err := wait(t, d.Values(ctx, vals.Restrict("legs", 4), 0, 0))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "dog", recs.([]any)[0].(map[string]any)["name"])
	assert.Equal(t, "cow", recs.([]any)[1].(map[string]any)["name"])

	// The join reads the owners record sharing the animal's primary key.
	east, err := wait(t, d.Values(ctx, red.Join("owners", "farm", "east"), 0, 0))
	require.NoError(t, err)
	assert.Equal(t, []any{2.0, 5.0}, east)

	_, err = wait(t, d.Keys(ctx, names, 0, -1))
	assert.True(t, dberr.IsArgument(err))
}

func TestOpenUpdatesAndClears(t *testing.T) {
	for _, typ := range []backend.Type{backend.TypeBolt, backend.TypeSQL, backend.TypeMemory} {
		t.Run(typ.String(), func(t *testing.T) {
			ctx := context.Background()
			d := open(t, typ, tr.PolicySerial)
			load(t, d, "animals",
				map[string]any{"id": 1, "color": "red", "legs": 4, "name": "cow"},
				map[string]any{"id": 2, "color": "red", "legs": 2, "name": "hen"},
				map[string]any{"id": 3, "color": "blue", "legs": 4, "name": "whale"},
			)

			all, err := iterator.NewValueIterator("animals", nil, false)
			require.NoError(t, err)
			n, err := wait(t, d.Open(ctx, all, tr.ReadWrite, func(s *iterator.Session) (bool, error) {
				rec := s.Position().Value.(map[string]any)
				if rec["legs"] == 2.0 {
					return true, s.Clear()
				}
				rec["color"] = "green"
				return true, s.Update(rec)
			}))
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			green, err := wait(t, d.Values(ctx, only(t, "color", "green"), 0, 0))
			require.NoError(t, err)
			assert.Equal(t, []any{1.0, 3.0}, green)
			_, err = wait(t, d.Get(ctx, "animals", 2))
			assert.True(t, errors.Is(err, dberr.ErrNotFound))

			first := 0
			_, err = wait(t, d.Open(ctx, all, tr.ReadOnly, func(s *iterator.Session) (bool, error) {
				first++
				return false, nil
			}))
			require.NoError(t, err)
			assert.Equal(t, 1, first)

			_, err = wait(t, d.Open(ctx, all, tr.ReadOnly, func(s *iterator.Session) (bool, error) {
				return false, s.Clear()
			}))
			assert.Error(t, err, "read-only walks cannot clear")
		})
	}
}

func TestAbortRollsBackWhileSiblingCommits(t *testing.T) {
	d := open(t, backend.TypeMemory, tr.PolicySerial)
	sibling, err := d.Branch(tr.PolicyParallel, 2)
	require.NoError(t, err)

	var put, get, other *tr.Request
	var peeked any
	outer := d.Run(context.Background(), func(ctx context.Context, tx tr.Tx, label string) (any, error) {
		put = d.Put(ctx, "animals", map[string]any{"id": 9, "name": "yak"}, nil)
		v, err := put.Peek()
		if err != nil {
			return nil, err
		}
		peeked = v
		other = sibling.Put(context.Background(), "plants", map[string]any{"name": "fern"}, nil)
		if err := d.Abort(ctx); err != nil {
			return nil, err
		}
		get = d.Get(ctx, "animals", 9)
		return nil, nil
	}, []string{"animals"}, tr.ReadWrite)

	_, err = wait(t, outer)
	assert.True(t, dberr.IsAbort(err))
	assert.Equal(t, 9.0, peeked)
	_, err = wait(t, put)
	assert.True(t, dberr.IsAbort(err))
	_, err = wait(t, get)
	assert.True(t, errors.Is(err, dberr.ErrNotFound), "got %v", err)

	_, err = wait(t, other)
	require.NoError(t, err)
	fern, err := wait(t, d.Get(context.Background(), "plants", "fern"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "fern"}, fern)
}

func TestRunJoinsRequests(t *testing.T) {
	d := open(t, backend.TypeBolt, tr.PolicySerial)
	v, err := wait(t, d.Run(context.Background(), func(ctx context.Context, tx tr.Tx, label string) (any, error) {
		if _, err := d.Put(ctx, "animals", map[string]any{"id": 1, "name": "cow"}, nil).Peek(); err != nil {
			return nil, err
		}
		return d.Get(ctx, "animals", 1).Peek()
	}, []string{"animals"}, tr.ReadWrite))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": 1.0, "name": "cow"}, v)
	assert.Equal(t, 1, d.Thread().TxCount())
}

func TestBranchPolicies(t *testing.T) {
	ctx := context.Background()
	d := open(t, backend.TypeMemory, tr.PolicySerial)
	single, err := d.Branch(tr.PolicySingle, 0)
	require.NoError(t, err)

	_, err = wait(t, single.Put(ctx, "plants", map[string]any{"name": "ivy"}, nil))
	require.NoError(t, err)
	_, err = wait(t, single.Get(ctx, "plants", "ivy"))
	assert.True(t, dberr.IsInvalidState(err), "a single thread runs one transaction")

	_, err = wait(t, d.Get(ctx, "plants", "ivy"))
	require.NoError(t, err, "branches share storage")

	require.NoError(t, d.Close(ctx))
	_, err = d.Branch(tr.PolicySerial, 0)
	assert.True(t, dberr.IsInvalidState(err))
}

func TestScanNestedLoop(t *testing.T) {
	d := open(t, backend.TypeMemory, tr.PolicyParallel)
	load(t, d, "animals",
		map[string]any{"id": 1, "name": "cow"},
		map[string]any{"id": 2, "name": "hen"},
	)
	load(t, d, "plants", map[string]any{"name": "fern"}, map[string]any{"name": "moss"})

	animals, err := iterator.NewKeyIterator("animals", nil, false)
	require.NoError(t, err)
	plants, err := iterator.NewKeyIterator("plants", nil, false)
	require.NoError(t, err)
	out := &algo.Collector{}
	_, err = wait(t, d.Scan(context.Background(), &algo.NestedLoop{Sink: out.Add}, animals, plants))
	require.NoError(t, err)
	assert.Equal(t, [][]any{{1.0, "fern"}, {1.0, "moss"}, {2.0, "fern"}, {2.0, "moss"}}, out.Rows)
}
