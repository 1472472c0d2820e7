package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/myuser/unidb/internal/db"
	"github.com/myuser/unidb/internal/sql"
)

func newQueryCommand(a *app) *cobra.Command {
	var explain bool
	cmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a SELECT or INSERT statement",
		Example: `  unidb query "SELECT name FROM animals WHERE color = 'red' AND legs = 4"
  unidb query --explain "SELECT * FROM animals ORDER BY id DESC LIMIT 10"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.open()
			if err != nil {
				return err
			}
			defer closeDB(d, a.log)
			return runSQL(cmd.Context(), a.stdout, d, strings.Join(args, " "), explain)
		},
	}
	cmd.Flags().BoolVar(&explain, "explain", false, "print the logical and physical plans before the rows")
	return cmd
}

func runSQL(ctx context.Context, w io.Writer, d *db.DB, stmt string, explain bool) error {
	plan, err := sql.ParseToPlan(stmt)
	if err != nil {
		return err
	}
	if explain {
		fmt.Fprint(w, sql.Explain(plan))
	}
	res, err := sql.Execute(ctx, plan, d)
	if err != nil {
		return err
	}
	if explain && res.Plan != nil {
		fmt.Fprintf(w, "plan: %s\n", res.Plan)
	}
	return printResult(w, res)
}
