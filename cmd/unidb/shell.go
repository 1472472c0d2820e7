package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/myuser/unidb/internal/db"
	"github.com/myuser/unidb/internal/metrics"
)

const prompt = "unidb> "

var dotCommands = []string{".count", ".explain", ".help", ".metrics", ".quit", ".stores"}

// prompter reads one line of input.
type prompter interface {
	Prompt(p string) (string, error)
}

// plainPrompter reads lines from a non-terminal reader.
type plainPrompter struct {
	sc *bufio.Scanner
}

func (p *plainPrompter) Prompt(string) (string, error) {
	if !p.sc.Scan() {
		if err := p.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return p.sc.Text(), nil
}

func newShellCommand(a *app) *cobra.Command {
	var history string
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive SQL shell",
		Long: `Shell reads SQL statements and dot commands until .quit or end of input.

  .stores          list the stores of the schema
  .count <store>   count the records of a store
  .explain <sql>   print the plans of a statement, then run it
  .metrics         dump the metrics collected so far
  .quit            leave the shell`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.open()
			if err != nil {
				return err
			}
			defer closeDB(d, a.log)

			in, done := a.newPrompter(d, history)
			defer done()
			return a.repl(cmd.Context(), d, in)
		},
	}
	home, _ := os.UserHomeDir()
	cmd.Flags().StringVar(&history, "history", filepath.Join(home, ".unidb_history"), "history file, empty to disable")
	return cmd
}

// newPrompter uses liner on a terminal and a line scanner otherwise.
func (a *app) newPrompter(d *db.DB, history string) (prompter, func()) {
	if a.stdin != os.Stdin {
		return &plainPrompter{sc: bufio.NewScanner(a.stdin)}, func() {}
	}
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(completer(d.Schema().StoreNames()))
	if history != "" {
		if f, err := os.Open(history); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}
	return &historyPrompter{State: line}, func() {
		if history != "" {
			if f, err := os.Create(history); err == nil {
				line.WriteHistory(f)
				f.Close()
			} else {
				a.log.Warn("write shell history", "path", history, "error", err)
			}
		}
		line.Close()
	}
}

// historyPrompter records every non-empty line it reads.
type historyPrompter struct {
	*liner.State
}

func (h *historyPrompter) Prompt(p string) (string, error) {
	s, err := h.State.Prompt(p)
	if err == nil && strings.TrimSpace(s) != "" {
		h.AppendHistory(s)
	}
	return s, err
}

func completer(stores []string) liner.Completer {
	words := append(append([]string(nil), dotCommands...), stores...)
	sort.Strings(words)
	return func(line string) []string {
		head, last := "", line
		if i := strings.LastIndexByte(line, ' '); i >= 0 {
			head, last = line[:i+1], line[i+1:]
		}
		var out []string
		for _, w := range words {
			if strings.HasPrefix(w, last) {
				out = append(out, head+w)
			}
		}
		return out
	}
}

func (a *app) repl(ctx context.Context, d *db.DB, in prompter) error {
	for {
		input, err := in.Prompt(prompt)
		if err == io.EOF || err == liner.ErrPromptAborted {
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSuffix(strings.TrimSpace(input), ";")
		if input == "" {
			continue
		}
		quit, err := a.eval(ctx, d, input)
		if err != nil {
			fmt.Fprintf(a.stdout, "error: %v\n", err)
		}
		if quit || ctx.Err() != nil {
			return nil
		}
	}
}

func (a *app) eval(ctx context.Context, d *db.DB, input string) (bool, error) {
	if !strings.HasPrefix(input, ".") {
		return false, runSQL(ctx, a.stdout, d, input, false)
	}
	name, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case ".quit", ".exit":
		return true, nil
	case ".help":
		fmt.Fprintln(a.stdout, strings.Join(dotCommands, " "))
	case ".stores":
		for _, s := range d.Schema().StoreNames() {
			fmt.Fprintln(a.stdout, s)
		}
	case ".count":
		n, err := d.Count(ctx, rest, "", nil).Wait(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(a.stdout, n)
	case ".explain":
		return false, runSQL(ctx, a.stdout, d, rest, true)
	case ".metrics":
		return false, metrics.WriteText(a.stdout)
	default:
		return false, fmt.Errorf("unknown command %s, try .help", name)
	}
	return false, nil
}
