package scan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuser/unidb/internal/backend"
	"github.com/myuser/unidb/internal/dberr"
	"github.com/myuser/unidb/internal/iterator"
	"github.com/myuser/unidb/internal/key"
	"github.com/myuser/unidb/internal/metrics"
	"github.com/myuser/unidb/internal/schema"
	"github.com/myuser/unidb/internal/tr"
)

func zoo() *schema.Database {
	return &schema.Database{Name: "zoo", Stores: []*schema.Store{{
		Name:    "animals",
		KeyPath: "id",
		Indexes: []*schema.Index{{Name: "color", KeyPath: []string{"color"}}},
	}}}
}

func setup(t *testing.T) (*Engine, *tr.Serial) {
	d := zoo()
	s, err := backend.Open(backend.Options{Type: backend.TypeMemory}, d)
	require.NoError(t, err)
	exec := backend.NewExecutor(d)
	thread := tr.NewSerial(s, tr.WithName("scan"))
	t.Cleanup(func() {
		thread.Close(context.Background())
		s.Close()
	})

	colors := []string{"red", "blue", "red", "white", "red"}
	_, err = thread.Exec(context.Background(), func(ctx context.Context, tx tr.Tx, label string) (any, error) {
		for i, c := range colors {
			if _, err := exec.Put(tx, "animals", map[string]any{"id": i + 1, "color": c}, nil); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}, []string{"animals"}, tr.ReadWrite).Wait(waitCtx(t))
	require.NoError(t, err)
	return New(thread, exec, WithSchema(d)), thread
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func keyIter(t *testing.T, lo, hi int) *iterator.Iterator {
	rng, err := key.Bound(lo, hi, false, false)
	require.NoError(t, err)
	it, err := iterator.NewKeyIterator("animals", rng, false)
	require.NoError(t, err)
	return it
}

// recorder remembers every round it is shown.
type recorder struct {
	stopOnAny bool
	answer    func(round int, keys, values []any) Advancement
	rounds    [][]any
}

func (r *recorder) StopOnAnyExhausted() bool { return r.stopOnAny }

func (r *recorder) Solve(keys, values []any) Advancement {
	r.rounds = append(r.rounds, keys)
	return r.answer(len(r.rounds), keys, values)
}

func wait(t *testing.T, req *tr.Request) (*Result, error) {
	v, err := req.Wait(waitCtx(t))
	res, _ := v.(*Result)
	return res, err
}

func TestScanStopsWhenAnyIteratorIsExhausted(t *testing.T) {
	e, _ := setup(t)
	rec := &recorder{stopOnAny: true, answer: func(int, []any, []any) Advancement { return AdvanceAll() }}

	before := metrics.Get(metrics.ScanRuns)
	res, err := wait(t, e.Scan(context.Background(), rec, keyIter(t, 1, 2), keyIter(t, 1, 5)))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, [][]any{{1.0, 1.0}, {2.0, 2.0}}, rec.rounds)
	assert.Equal(t, before+1, metrics.Get(metrics.ScanRuns))

	require.Len(t, res.Resume, 2)
	assert.True(t, keyIter(t, 1, 2).Resume(2.0, 2.0).Equal(res.Resume[0]))
	assert.True(t, keyIter(t, 1, 5).Resume(3.0, 3.0).Equal(res.Resume[1]))
}

func TestScanRunsUntilAllExhausted(t *testing.T) {
	e, _ := setup(t)
	rec := &recorder{answer: func(_ int, keys, _ []any) Advancement {
		v := make([]any, len(keys))
		for i, k := range keys {
			if k != nil {
				v[i] = true
			}
		}
		return FromSlice(v)
	}}
	res, err := wait(t, e.Scan(context.Background(), rec, keyIter(t, 1, 1), keyIter(t, 1, 3)))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rounds)
	assert.Equal(t, [][]any{{1.0, 1.0}, {nil, 2.0}, {nil, 3.0}}, rec.rounds)
}

func TestScanAdvancingExhaustedIteratorFails(t *testing.T) {
	e, _ := setup(t)
	rec := &recorder{answer: func(int, []any, []any) Advancement { return AdvanceAll() }}
	res, err := wait(t, e.Scan(context.Background(), rec, keyIter(t, 1, 1), keyIter(t, 1, 3)))
	assert.True(t, dberr.IsInternal(err), "got %v", err)
	assert.Nil(t, res)
	assert.Len(t, rec.rounds, 2, "solver output before the failure is kept")
}

func TestScanWithoutMovesResolves(t *testing.T) {
	e, _ := setup(t)
	rec := &recorder{answer: func(int, []any, []any) Advancement { return Vector() }}
	res, err := wait(t, e.Scan(context.Background(), rec, keyIter(t, 1, 5)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, 1, res.Moves)
}

func TestScanContinueAndRestart(t *testing.T) {
	e, _ := setup(t)
	rec := &recorder{answer: func(round int, keys, _ []any) Advancement {
		switch round {
		case 1:
			return FromSlice([]any{4, nil})
		case 2:
			return Explicit{Restart: []bool{true}, Advance: []bool{true, true}}.Advancement()
		case 3:
			return Vector(HoldAction(), ContinueTo(5))
		}
		return StopAll()
	}}
	_, err := wait(t, e.Scan(context.Background(), rec, keyIter(t, 1, 5), keyIter(t, 1, 5)))
	require.NoError(t, err)
	assert.Equal(t, [][]any{{1.0, 1.0}, {4.0, 1.0}, {1.0, 2.0}, {1.0, 5.0}}, rec.rounds)
}

func TestScanIndexValues(t *testing.T) {
	e, _ := setup(t)
	rng, err := key.Only("red")
	require.NoError(t, err)
	keys, err := iterator.NewIndexIterator("animals", "color", rng, false, false)
	require.NoError(t, err)
	vals, err := iterator.NewIndexValueIterator("animals", "color", rng, true, false)
	require.NoError(t, err)

	var seen [][]any
	solver := Func(func(k, v []any) Advancement {
		seen = append(seen, []any{k[0], v[0], v[1].(map[string]any)["id"]})
		return AdvanceAll()
	})
	_, err = wait(t, e.Scan(context.Background(), solver, keys, vals))
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"red", 1.0, 5.0}, {"red", 3.0, 3.0}, {"red", 5.0, 1.0}}, seen)
}

type failingBeginner struct{ Func }

func (failingBeginner) Begin([]*iterator.Iterator) error { return dberr.Argument("no") }

func TestScanRejectsBadInput(t *testing.T) {
	e, _ := setup(t)
	ctx := context.Background()
	all := Func(func([]any, []any) Advancement { return AdvanceAll() })

	_, err := wait(t, e.Scan(ctx, all))
	assert.True(t, dberr.IsArgument(err))

	_, err = wait(t, e.Scan(ctx, nil, keyIter(t, 1, 2)))
	assert.True(t, dberr.IsArgument(err))

	missing, err := iterator.NewKeyIterator("plants", nil, false)
	require.NoError(t, err)
	_, err = wait(t, e.Scan(ctx, all, missing))
	assert.True(t, dberr.IsArgument(err))

	_, err = wait(t, e.Scan(ctx, failingBeginner{all}, keyIter(t, 1, 2)))
	assert.True(t, dberr.IsArgument(err))

	bad := Func(func([]any, []any) Advancement { return FromSlice([]any{map[string]int{}}) })
	_, err = wait(t, e.Scan(ctx, bad, keyIter(t, 1, 2)))
	assert.True(t, dberr.IsInternal(err))
}

func TestScanJoinsOpenTransaction(t *testing.T) {
	e, thread := setup(t)
	all := Func(func([]any, []any) Advancement { return AdvanceAll() })

	it := keyIter(t, 2, 4)
	var inner *tr.Request
	outer := thread.Exec(context.Background(), func(ctx context.Context, tx tr.Tx, label string) (any, error) {
		inner = e.Scan(ctx, all, it)
		return inner.Peek()
	}, []string{"animals"}, tr.ReadOnly)

	v, err := outer.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 3, v.(*Result).Rounds)
	assert.Equal(t, outer.Label(), inner.Label())
	assert.Equal(t, 2, thread.TxCount(), "setup and the scan each used one transaction")
}

func TestAdvancementActions(t *testing.T) {
	acts, err := AdvanceAll().Actions(2)
	require.NoError(t, err)
	assert.Equal(t, []Action{AdvanceAction(), AdvanceAction()}, acts)

	acts, err = Advancement{}.Actions(2)
	require.NoError(t, err)
	assert.Equal(t, []Action{AdvanceAction(), AdvanceAction()}, acts)

	acts, err = Vector().Actions(2)
	require.NoError(t, err)
	assert.Equal(t, []Action{HoldAction(), HoldAction()}, acts)

	acts, err = Explicit{
		Advance:         []bool{true, true, true, true},
		Continue:        []any{"a", "b"},
		ContinuePrimary: []any{nil, 7, 8},
		Restart:         []bool{true},
	}.Advancement().Actions(5)
	require.NoError(t, err)
	assert.Equal(t, []Action{RestartAction(), ContinueTo("b"), ContinuePrimaryTo(8), AdvanceAction(), HoldAction()}, acts)

	acts, err = FromSlice([]any{true, false, nil, 3}).Actions(4)
	require.NoError(t, err)
	assert.Equal(t, []Action{AdvanceAction(), RestartAction(), HoldAction(), ContinueTo(3.0)}, acts)

	_, err = Vector(HoldAction(), HoldAction()).Actions(1)
	assert.True(t, dberr.IsInternal(err))

	assert.True(t, StopAll().Stop())
	assert.Equal(t, "advance-all", AdvanceAll().String())
}
