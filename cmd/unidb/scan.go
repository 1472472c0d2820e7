package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/myuser/unidb/internal/cursor"
	"github.com/myuser/unidb/internal/iterator"
	"github.com/myuser/unidb/internal/key"
	"github.com/myuser/unidb/internal/tr"
)

type scanFlags struct {
	index     string
	reverse   bool
	unique    bool
	keys      bool
	limit     int
	offset    int
	only      string
	prefix    string
	lower     string
	upper     string
	lowerOpen bool
	upperOpen bool
	count     bool
}

func newScanCommand(a *app) *cobra.Command {
	var f scanFlags
	cmd := &cobra.Command{
		Use:   "scan <store>",
		Short: "Walk a store or one of its indexes",
		Long: `Scan walks store in primary key order, or in the order of --index,
printing one JSON document per record. Range bounds are JSON literals;
anything that is not valid JSON is taken as a string.`,
		Example: `  unidb scan animals --index legs --lower 3 --limit 10
  unidb scan animals --index color --unique --keys
  unidb scan animals --prefix '["red"]' --index "color, legs"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rng, err := f.keyRange()
			if err != nil {
				return err
			}
			d, err := a.open()
			if err != nil {
				return err
			}
			defer closeDB(d, a.log)

			opts := iterator.Options{
				Store:     args[0],
				Index:     f.index,
				Range:     rng,
				Direction: cursor.MakeDirection(f.reverse, f.unique),
				KeyOnly:   f.keys,
			}
			if f.index != "" {
				if _, idx, err := d.Schema().Index(args[0], f.index); err == nil {
					opts.IndexKeyPath = idx.KeyPath
				}
			}
			it, err := iterator.New(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if f.count {
				n, err := d.Count(ctx, args[0], f.index, rng).Wait(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, n)
				return nil
			}
			a.log.Debug("scanning", "iterator", it.String())
			var req *tr.Request
			if f.keys {
				req = d.Keys(ctx, it, f.limit, f.offset)
			} else {
				req = d.Values(ctx, it, f.limit, f.offset)
			}
			v, err := req.Wait(ctx)
			if err != nil {
				return err
			}
			return printLines(a.stdout, v.([]any))
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.index, "index", "i", "", "index to walk instead of the primary key")
	fl.BoolVarP(&f.reverse, "reverse", "r", false, "walk in descending order")
	fl.BoolVarP(&f.unique, "unique", "u", false, "skip repeated keys")
	fl.BoolVarP(&f.keys, "keys", "k", false, "print keys instead of records")
	fl.IntVarP(&f.limit, "limit", "n", 0, "stop after this many results, 0 for no limit")
	fl.IntVar(&f.offset, "offset", 0, "skip this many results first")
	fl.StringVar(&f.only, "only", "", "restrict to this single key")
	fl.StringVar(&f.prefix, "prefix", "", "restrict to array keys starting with this array")
	fl.StringVar(&f.lower, "lower", "", "lower bound")
	fl.StringVar(&f.upper, "upper", "", "upper bound")
	fl.BoolVar(&f.lowerOpen, "lower-open", false, "exclude the lower bound")
	fl.BoolVar(&f.upperOpen, "upper-open", false, "exclude the upper bound")
	fl.BoolVar(&f.count, "count", false, "print how many keys the range holds")
	cmd.MarkFlagsMutuallyExclusive("only", "prefix", "lower")
	cmd.MarkFlagsMutuallyExclusive("only", "prefix", "upper")
	return cmd
}

func (f *scanFlags) keyRange() (*key.Range, error) {
	switch {
	case f.only != "":
		return key.Only(literal(f.only))
	case f.prefix != "":
		return key.Starts(literal(f.prefix))
	case f.lower != "" && f.upper != "":
		return key.Bound(literal(f.lower), literal(f.upper), f.lowerOpen, f.upperOpen)
	case f.lower != "":
		return key.LowerBound(literal(f.lower), f.lowerOpen)
	case f.upper != "":
		return key.UpperBound(literal(f.upper), f.upperOpen)
	}
	return nil, nil
}

// literal decodes s as JSON, falling back to the raw string.
func literal(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
