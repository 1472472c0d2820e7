package algo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuser/unidb/internal/backend"
	"github.com/myuser/unidb/internal/dberr"
	"github.com/myuser/unidb/internal/iterator"
	"github.com/myuser/unidb/internal/key"
	"github.com/myuser/unidb/internal/scan"
	"github.com/myuser/unidb/internal/schema"
	"github.com/myuser/unidb/internal/tr"
)

func animalsSchema() *schema.Database {
	return &schema.Database{Name: "zoo", Stores: []*schema.Store{{
		Name:    "animals",
		KeyPath: "id",
		Indexes: []*schema.Index{
			{Name: "color", KeyPath: []string{"color"}},
			{Name: "legs", KeyPath: []string{"legs"}},
			{Name: "color, name", KeyPath: []string{"color", "name"}},
			{Name: "legs, name", KeyPath: []string{"legs", "name"}},
		},
	}}}
}

func setup(t *testing.T, typ backend.Type, rows []map[string]any) *scan.Engine {
	d := animalsSchema()
	path := ""
	if typ == backend.TypeBolt {
		path = filepath.Join(t.TempDir(), "zoo.db")
	}
	s, err := backend.Open(backend.Options{Type: typ, Path: path}, d)
	require.NoError(t, err)
	exec := backend.NewExecutor(d)
	thread := tr.NewSerial(s)
	t.Cleanup(func() {
		thread.Close(context.Background())
		s.Close()
	})

	_, err = thread.Exec(context.Background(), func(ctx context.Context, tx tr.Tx, label string) (any, error) {
		for _, r := range rows {
			if _, err := exec.Add(tx, "animals", r, nil); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}, []string{"animals"}, tr.ReadWrite).Wait(waitCtx(t))
	require.NoError(t, err)
	return scan.New(thread, exec, scan.WithSchema(d))
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func indexOnly(t *testing.T, index string, v any, reverse bool) *iterator.Iterator {
	rng, err := key.Only(v)
	require.NoError(t, err)
	it, err := iterator.NewIndexIterator("animals", index, rng, reverse, false)
	require.NoError(t, err)
	return it
}

func run(t *testing.T, e *scan.Engine, solver scan.Solver, iters ...*iterator.Iterator) error {
	_, err := e.Scan(context.Background(), solver, iters...).Wait(waitCtx(t))
	return err
}

func TestSortedMergeIntersection(t *testing.T) {
	rows := []map[string]any{
		{"id": 1, "color": "red", "legs": 4},
		{"id": 2, "color": "red", "legs": 2},
		{"id": 3, "color": "blue", "legs": 4},
	}
	for _, typ := range []backend.Type{backend.TypeBolt, backend.TypeSQL, backend.TypeMemory} {
		t.Run(typ.String(), func(t *testing.T) {
			e := setup(t, typ, rows)
			out := &Collector{}
			err := run(t, e, &SortedMerge{Sink: out.Add},
				indexOnly(t, "color", "red", false),
				indexOnly(t, "legs", 4, false))
			require.NoError(t, err)
			assert.Equal(t, []any{1.0}, out.First())
		})
	}
}

func zooRows() []map[string]any {
	return []map[string]any{
		{"id": 1, "color": "red", "name": "cow", "legs": 4},
		{"id": 2, "color": "red", "name": "chicken", "legs": 2},
		{"id": 3, "color": "blue", "name": "whale", "legs": 0},
		{"id": 4, "color": "red", "name": "dog", "legs": 4},
		{"id": 5, "color": "white", "name": "horse", "legs": 4},
		{"id": 6, "color": "red", "name": "spider", "legs": 8},
		{"id": 7, "color": "white", "name": "cat", "legs": 4},
		{"id": 8, "color": "red", "name": "fox", "legs": 4},
	}
}

func TestSortedMergeDirectionsAndLimit(t *testing.T) {
	e := setup(t, backend.TypeMemory, zooRows())

	out := &Collector{}
	require.NoError(t, run(t, e, &SortedMerge{Sink: out.Add},
		indexOnly(t, "color", "red", true),
		indexOnly(t, "legs", 4, true)))
	assert.Equal(t, []any{8.0, 4.0, 1.0}, out.First())

	limited := &Collector{Limit: 2}
	require.NoError(t, run(t, e, &SortedMerge{Sink: limited.Add},
		indexOnly(t, "color", "red", false),
		indexOnly(t, "legs", 4, false)))
	assert.Equal(t, []any{1.0, 4.0}, limited.First())

	// A store key iterator merges on primary keys too.
	rng, err := key.Bound(2, 7, false, false)
	require.NoError(t, err)
	ids, err := iterator.NewKeyIterator("animals", rng, false)
	require.NoError(t, err)
	three := &Collector{}
	require.NoError(t, run(t, e, &SortedMerge{Sink: three.Add},
		ids,
		indexOnly(t, "legs", 4, false),
		indexOnly(t, "color", "white", false)))
	assert.Equal(t, []any{5.0, 7.0}, three.First())
}

func TestSortedMergeRejectsUnmergeableIterators(t *testing.T) {
	e := setup(t, backend.TypeMemory, nil)
	values, err := iterator.NewValueIterator("animals", nil, false)
	require.NoError(t, err)
	err = run(t, e, &SortedMerge{}, values)
	assert.True(t, dberr.IsArgument(err))

	err = run(t, e, &SortedMerge{}, indexOnly(t, "color", "red", false), indexOnly(t, "legs", 4, true))
	assert.True(t, dberr.IsArgument(err))
}

func TestZigzagMerge(t *testing.T) {
	for _, typ := range []backend.Type{backend.TypeBolt, backend.TypeSQL, backend.TypeMemory} {
		t.Run(typ.String(), func(t *testing.T) {
			e := setup(t, typ, zooRows())
			starts := func(index string, prefix any, reverse bool) *iterator.Iterator {
				rng, err := key.Starts([]any{prefix})
				require.NoError(t, err)
				it, err := iterator.NewIndexIterator("animals", index, rng, reverse, false)
				require.NoError(t, err)
				return it
			}

			out := &Collector{}
			require.NoError(t, run(t, e, &ZigzagMerge{Sink: out.Add},
				starts("color, name", "red", false),
				starts("legs, name", 4, false)))
			// Matches come in name order: cow, dog, fox.
			assert.Equal(t, []any{1.0, 4.0, 8.0}, out.First())

			rev := &Collector{}
			require.NoError(t, run(t, e, &ZigzagMerge{Sink: rev.Add},
				starts("color, name", "white", true),
				starts("legs, name", 4, true)))
			// horse, cat
			assert.Equal(t, []any{5.0, 7.0}, rev.First())
		})
	}
}

func TestZigzagMergeNeedsPrefixRanges(t *testing.T) {
	e := setup(t, backend.TypeMemory, nil)
	err := run(t, e, &ZigzagMerge{}, indexOnly(t, "color", "red", false))
	assert.True(t, dberr.IsArgument(err))
}

func TestNestedLoop(t *testing.T) {
	e := setup(t, backend.TypeMemory, zooRows())
	ids := func(lo, hi int) *iterator.Iterator {
		rng, err := key.Bound(lo, hi, false, false)
		require.NoError(t, err)
		it, err := iterator.NewKeyIterator("animals", rng, false)
		require.NoError(t, err)
		return it
	}

	out := &Collector{}
	require.NoError(t, run(t, e, &NestedLoop{Sink: out.Add}, ids(1, 2), ids(3, 4)))
	assert.Equal(t, [][]any{{1.0, 3.0}, {1.0, 4.0}, {2.0, 3.0}, {2.0, 4.0}}, out.Rows)

	triple := &Collector{Limit: 5}
	require.NoError(t, run(t, e, &NestedLoop{Sink: triple.Add}, ids(1, 2), ids(3, 4), ids(5, 6)))
	assert.Equal(t, [][]any{
		{1.0, 3.0, 5.0}, {1.0, 3.0, 6.0}, {1.0, 4.0, 5.0}, {1.0, 4.0, 6.0}, {2.0, 3.0, 5.0},
	}, triple.Rows)

	empty := &Collector{}
	require.NoError(t, run(t, e, &NestedLoop{Sink: empty.Add}, ids(1, 3), ids(20, 30)))
	assert.Empty(t, empty.Rows)
}
