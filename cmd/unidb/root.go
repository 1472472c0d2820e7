package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/myuser/unidb/internal/config"
	"github.com/myuser/unidb/internal/db"
	"github.com/myuser/unidb/internal/logger"
	"github.com/myuser/unidb/internal/metrics"
	"github.com/myuser/unidb/internal/schema"
)

// app carries what every subcommand shares once flags are parsed.
type app struct {
	stdin          io.Reader
	stdout, stderr io.Writer

	cfg     config.Config
	log     *logger.Logger
	metrics *http.Server
}

// NewRootCommand builds the unidb command tree.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	rc := &cobra.Command{
		Use:   "unidb",
		Short: "unidb drives an indexed record database over bolt, sqlite or memory storage",
		Long: `unidb opens a database described by a JSON schema on one of three
storage backends and loads, queries or scans its stores.

Settings come from flags, UNIDB_* environment variables and an optional
configuration file, in that order of priority.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown()
		},
	}
	flags := rc.PersistentFlags()
	config.Flags(flags)
	flags.StringP("config", "c", "", "configuration file (yaml, toml or json)")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address while the command runs")

	rc.AddCommand(
		newLoadCommand(a),
		newQueryCommand(a),
		newScanCommand(a),
		newShellCommand(a),
		newBenchCommand(a),
	)
	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

func (a *app) setup(cmd *cobra.Command) error {
	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	cfg, err := config.Load(cmd.Flags(), file)
	if err != nil {
		return err
	}
	log, err := cfg.Logger()
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log

	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metrics.Handler)
	a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	a.log.Info("serving metrics", "addr", addr)
	return nil
}

func (a *app) teardown() error {
	if a.metrics == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.metrics.Shutdown(ctx)
}

// open loads the schema and opens the configured database.
func (a *app) open() (*db.DB, error) {
	d, err := schema.Load(a.cfg.Schema)
	if err != nil {
		return nil, err
	}
	opts, err := a.cfg.DBOptions(a.log)
	if err != nil {
		return nil, err
	}
	return db.Open(d, opts)
}

func closeDB(d *db.DB, log *logger.Logger) {
	if err := d.Close(context.Background()); err != nil {
		log.Error("close database", "error", err)
	}
}
