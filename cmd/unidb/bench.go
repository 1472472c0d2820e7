package main

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/myuser/unidb/internal/dberr"
)

func newBenchCommand(a *app) *cobra.Command {
	var (
		concurrency int
		duration    time.Duration
		store       string
		field       string
		keys        int
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a mixed INSERT and SELECT workload against one store",
		Long: `Bench starts concurrent workers that for the given duration each pick a
random primary key and either insert a record under it or select it back,
half of the time each. It reports throughput and the first few errors.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.open()
			if err != nil {
				return err
			}
			defer closeDB(d, a.log)

			s, err := d.Schema().Store(store)
			if err != nil {
				return err
			}
			if s.KeyPath == "" {
				return dberr.Argument("bench needs a store with a key path, %s has none", store)
			}

			fmt.Fprintf(a.stdout, "Starting benchmark: %d workers, %v duration, store %s\n", concurrency, duration, store)
			var ops, failures atomic.Int64
			var mu sync.Mutex
			ctx := cmd.Context()
			start := time.Now()
			deadline := start.Add(duration)

			var wg sync.WaitGroup
			for i := 0; i < concurrency; i++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					rnd := rand.New(rand.NewSource(int64(id) + start.UnixNano()))
					for ctx.Err() == nil && time.Now().Before(deadline) {
						pk := rnd.Intn(keys)
						var stmt string
						if rnd.Float32() < 0.5 {
							stmt = fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (%d, 'val%d')", store, s.KeyPath, field, pk, rnd.Intn(1000))
						} else {
							stmt = fmt.Sprintf("SELECT * FROM %s WHERE %s = %d", store, s.KeyPath, pk)
						}
						if err := runSQL(ctx, io.Discard, d, stmt, false); err != nil {
							if n := failures.Add(1); n <= 5 {
								mu.Lock()
								fmt.Fprintf(a.stdout, "Error: %v\n", err)
								mu.Unlock()
							}
							continue
						}
						ops.Add(1)
					}
				}(i)
			}
			wg.Wait()
			elapsed := time.Since(start)

			fmt.Fprintln(a.stdout, "Benchmark finished.")
			fmt.Fprintf(a.stdout, "Total ops: %d\n", ops.Load())
			fmt.Fprintf(a.stdout, "Errors: %d\n", failures.Load())
			fmt.Fprintf(a.stdout, "Duration: %v\n", elapsed.Round(time.Millisecond))
			fmt.Fprintf(a.stdout, "RPS: %.2f\n", float64(ops.Load())/elapsed.Seconds())
			return nil
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&concurrency, "concurrency", 10, "number of concurrent workers")
	fl.DurationVar(&duration, "duration", 10*time.Second, "how long to run")
	fl.StringVar(&store, "store", "", "store to write and read")
	fl.StringVar(&field, "field", "value", "field the inserted records carry besides the key")
	fl.IntVar(&keys, "keys", 10000, "number of distinct primary keys")
	cmd.MarkFlagRequired("store")
	return cmd
}
