package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newLoadCommand(a *app) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "load <store> [file]",
		Short: "Put JSON records into a store",
		Long: `Load reads JSON records from file, or standard input when file is
omitted or "-", and puts them into store. The input may hold one array of
records or a stream of records.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := a.stdin
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			records, err := readRecords(in)
			if err != nil {
				return err
			}

			d, err := a.open()
			if err != nil {
				return err
			}
			defer closeDB(d, a.log)

			ctx := cmd.Context()
			if batch <= 0 {
				batch = len(records)
			}
			loaded := 0
			for start := 0; start < len(records); start += batch {
				end := min(start+batch, len(records))
				if _, err := d.PutAll(ctx, args[0], records[start:end]).Wait(ctx); err != nil {
					return errors.Wrapf(err, "load records %d-%d", start, end-1)
				}
				loaded = end
			}
			fmt.Fprintf(a.stdout, "loaded %d records into %s\n", loaded, args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 1000, "records per transaction, 0 for a single transaction")
	return cmd
}

// readRecords decodes every JSON value in r, flattening top-level arrays.
func readRecords(r io.Reader) ([]any, error) {
	dec := json.NewDecoder(r)
	var out []any
	for {
		var v any
		err := dec.Decode(&v)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "decode records")
		}
		if arr, ok := v.([]any); ok {
			out = append(out, arr...)
		} else {
			out = append(out, v)
		}
	}
}
