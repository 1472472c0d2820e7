package backend

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuser/unidb/internal/backend/memory"
	"github.com/myuser/unidb/internal/cursor"
	"github.com/myuser/unidb/internal/dberr"
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
				{Name: "name", KeyPath: []string{"name"}, Unique: true},
				{Name: "tags", KeyPath: []string{"tags"}, MultiEntry: true},
			},
		},
		{Name: "notes", AutoIncrement: true},
	}}
}

var animals = []map[string]any{
	{"id": 1, "color": "blue", "name": "whale", "tags": []any{"sea", "big"}},
	{"id": 2, "color": "red", "name": "crab", "tags": []any{"sea"}},
	{"id": 3, "color": "red", "name": "fox"},
	{"id": 4, "color": "white", "name": "owl", "tags": []any{"air"}},
	{"id": 5, "color": "red", "name": "robin", "tags": []any{"air", "air"}},
}

type backendCase struct {
	name string
	open func(t *testing.T) Storage
}

func backends() []backendCase {
	openWith := func(typ Type, file string) func(t *testing.T) Storage {
		return func(t *testing.T) Storage {
			path := ""
			if file != "" {
				path = filepath.Join(t.TempDir(), file)
			}
			s, err := Open(Options{Type: typ, Path: path, PageSize: 2}, zoo())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return []backendCase{
		{"bolt", openWith(TypeBolt, "zoo.db")},
		{"sql", openWith(TypeSQL, "")},
		{"memory", openWith(TypeMemory, "")},
		{"memory-journal", openWith(TypeMemory, "zoo.wal")},
	}
}

// run executes fn in one transaction and aborts it when fn fails.
func run(s Storage, mode tr.Mode, fn func(tx tr.Tx) error) (tr.Event, error) {
	var (
		ev    tr.Event
		fnErr error
		txErr error
	)
	s.Transaction(func(tx tr.Tx) {
		if fnErr = fn(tx); fnErr != nil {
			tx.Abort()
		}
	}, nil, mode, func(e tr.Event, err error) {
		ev, txErr = e, err
	})
	if fnErr != nil {
		return ev, fnErr
	}
	return ev, txErr
}

func load(t *testing.T, s Storage, e *Executor) {
	_, err := run(s, tr.ReadWrite, func(tx tr.Tx) error {
		for _, a := range animals {
			if _, err := e.Add(tx, "animals", a, nil); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

type entry struct {
	Key, PK any
}

func collect(t *testing.T, s Storage, e *Executor, index string, rng *key.Range, dir cursor.Direction) []entry {
	var out []entry
	_, err := run(s, tr.ReadOnly, func(tx tr.Tx) error {
		c, err := e.GetCursor(tx, "t", "animals", index, rng, dir, true, cursor.MethodKeys)
		if err != nil {
			return err
		}
		defer c.Close()
		pos, err := c.Open(nil, nil)
		for ; err == nil && !pos.Exhausted(); pos, err = c.Advance(1) {
			out = append(out, entry{pos.Key, pos.PrimaryKey})
		}
		return err
	})
	require.NoError(t, err)
	return out
}

func TestBackends(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			s := bc.open(t)
			e := NewExecutor(zoo())
			load(t, s, e)

			t.Run("get", func(t *testing.T) {
				var got any
				_, err := run(s, tr.ReadOnly, func(tx tr.Tx) error {
					var err error
					got, err = e.Get(tx, "animals", 3)
					return err
				})
				require.NoError(t, err)
				assert.Equal(t, "fox", got.(map[string]any)["name"])

				_, err = run(s, tr.ReadOnly, func(tx tr.Tx) error {
					_, err := e.Get(tx, "animals", 42)
					return err
				})
				assert.True(t, errors.Is(err, dberr.ErrNotFound))
			})

			t.Run("index directions", func(t *testing.T) {
				assert.Equal(t, []entry{
					{"blue", 1.0}, {"red", 2.0}, {"red", 3.0}, {"red", 5.0}, {"white", 4.0},
				}, collect(t, s, e, "color", nil, cursor.Next))
				assert.Equal(t, []entry{
					{"white", 4.0}, {"red", 5.0}, {"red", 3.0}, {"red", 2.0}, {"blue", 1.0},
				}, collect(t, s, e, "color", nil, cursor.Prev))
				assert.Equal(t, []entry{
					{"blue", 1.0}, {"red", 2.0}, {"white", 4.0},
				}, collect(t, s, e, "color", nil, cursor.NextUnique))
				assert.Equal(t, []entry{
					{"white", 4.0}, {"red", 2.0}, {"blue", 1.0},
				}, collect(t, s, e, "color", nil, cursor.PrevUnique))
			})

			t.Run("ranges", func(t *testing.T) {
				only, err := key.Only("red")
				require.NoError(t, err)
				assert.Len(t, collect(t, s, e, "color", only, cursor.Next), 3)

				upper, err := key.UpperBound(3, true)
				require.NoError(t, err)
				assert.Equal(t, []entry{{2.0, 2.0}, {1.0, 1.0}}, collect(t, s, e, "", upper, cursor.Prev))
			})

			t.Run("multi entry", func(t *testing.T) {
				assert.Equal(t, []entry{
					{"air", 4.0}, {"air", 5.0}, {"big", 1.0}, {"sea", 1.0}, {"sea", 2.0},
				}, collect(t, s, e, "tags", nil, cursor.Next))
			})

			t.Run("constraints", func(t *testing.T) {
				_, err := run(s, tr.ReadWrite, func(tx tr.Tx) error {
					_, err := e.Add(tx, "animals", map[string]any{"id": 1, "name": "squid"}, nil)
					return err
				})
				assert.True(t, dberr.IsConstraint(err))

				_, err = run(s, tr.ReadWrite, func(tx tr.Tx) error {
					_, err := e.Put(tx, "animals", map[string]any{"id": 9, "name": "fox"}, nil)
					return err
				})
				var ce *dberr.ConstraintError
				require.True(t, errors.As(err, &ce))
				assert.Equal(t, "name", ce.Index)

				// Replacing a record keeps its own unique entry.
				_, err = run(s, tr.ReadWrite, func(tx tr.Tx) error {
					_, err := e.Put(tx, "animals", map[string]any{"id": 3, "color": "red", "name": "fox"}, nil)
					return err
				})
				assert.NoError(t, err)
			})

			t.Run("abort rolls back", func(t *testing.T) {
				ev, err := run(s, tr.ReadWrite, func(tx tr.Tx) error {
					if _, err := e.Put(tx, "animals", map[string]any{"id": 10, "color": "green", "name": "frog"}, nil); err != nil {
						return err
					}
					tx.Abort()
					return nil
				})
				require.NoError(t, err)
				assert.Equal(t, tr.EventAbort, ev)

				var n int
				_, err = run(s, tr.ReadOnly, func(tx tr.Tx) error {
					n, err = e.Count(tx, "animals", "", nil)
					return err
				})
				require.NoError(t, err)
				assert.Equal(t, 5, n)
			})

			t.Run("auto increment", func(t *testing.T) {
				var keys []any
				_, err := run(s, tr.ReadWrite, func(tx tr.Tx) error {
					for _, text := range []string{"a", "b"} {
						k, err := e.Add(tx, "notes", map[string]any{"text": text}, nil)
						if err != nil {
							return err
						}
						keys = append(keys, k)
					}
					if _, err := e.Put(tx, "notes", map[string]any{"text": "c"}, 10); err != nil {
						return err
					}
					k, err := e.Add(tx, "notes", map[string]any{"text": "d"}, nil)
					keys = append(keys, k)
					return err
				})
				require.NoError(t, err)
				assert.Equal(t, []any{1.0, 2.0, 11.0}, keys)
			})

			t.Run("cursor update and clear", func(t *testing.T) {
				_, err := run(s, tr.ReadWrite, func(tx tr.Tx) error {
					rng, err := key.Only("red")
					if err != nil {
						return err
					}
					c, err := e.GetCursor(tx, "u", "animals", "color", rng, cursor.Next, false, cursor.MethodUpdate)
					if err != nil {
						return err
					}
					defer c.Close()
					pos, err := c.Open(nil, nil)
					for ; err == nil && !pos.Exhausted(); pos, err = c.Advance(1) {
						rec := pos.Value.(map[string]any)
						if rec["name"] == "crab" {
							if err := c.Clear(); err != nil {
								return err
							}
							continue
						}
						rec["color"] = "pink"
						if err := c.Update(rec); err != nil {
							return err
						}
					}
					return err
				})
				require.NoError(t, err)
				assert.Equal(t, []entry{
					{"blue", 1.0}, {"pink", 3.0}, {"pink", 5.0}, {"white", 4.0},
				}, collect(t, s, e, "color", nil, cursor.Next))
			})

			t.Run("clear", func(t *testing.T) {
				_, err := run(s, tr.ReadWrite, func(tx tr.Tx) error {
					return e.Clear(tx, "animals")
				})
				require.NoError(t, err)
				assert.Empty(t, collect(t, s, e, "color", nil, cursor.Next))
				assert.Empty(t, collect(t, s, e, "", nil, cursor.Next))
			})
		})
	}
}

func TestReadOnlyTransactionRejectsWrites(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			s := bc.open(t)
			e := NewExecutor(zoo())
			_, err := run(s, tr.ReadOnly, func(tx tr.Tx) error {
				_, err := e.Put(tx, "animals", animals[0], nil)
				return err
			})
			assert.True(t, dberr.IsInvalidState(err))
		})
	}
}

func TestMemoryJournalReplay(t *testing.T) {
	for _, compress := range []bool{false, true} {
		path := filepath.Join(t.TempDir(), "zoo.wal")
		opts := Options{Type: TypeMemory, Path: path, Compress: compress}
		e := NewExecutor(zoo())

		s, err := Open(opts, zoo())
		require.NoError(t, err)
		load(t, s, e)
		_, err = run(s, tr.ReadWrite, func(tx tr.Tx) error {
			return e.Delete(tx, "animals", 2)
		})
		require.NoError(t, err)
		require.NoError(t, s.(*memory.Store).Compact())
		_, err = run(s, tr.ReadWrite, func(tx tr.Tx) error {
			return e.Delete(tx, "animals", 4)
		})
		require.NoError(t, err)
		require.NoError(t, s.Close())

		s, err = Open(opts, zoo())
		require.NoError(t, err)
		assert.Equal(t, []entry{
			{"blue", 1.0}, {"red", 3.0}, {"red", 5.0},
		}, collect(t, s, e, "color", nil, cursor.Next), "compress=%v", compress)
		require.NoError(t, s.Close())
	}
}

func TestParseType(t *testing.T) {
	for in, want := range map[string]Type{"bolt": TypeBolt, "sqlite": TypeSQL, "memory": TypeMemory} {
		got, err := ParseType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.NotEmpty(t, got.String())
	}
	_, err := ParseType("oracle")
	assert.True(t, dberr.IsArgument(err))
}
