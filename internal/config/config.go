// Package config loads unidb settings from command line flags, UNIDB_
// environment variables and an optional config file, in that priority order.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/myuser/unidb/internal/backend"
	"github.com/myuser/unidb/internal/db"
	"github.com/myuser/unidb/internal/logger"
	"github.com/myuser/unidb/internal/tr"
)

// EnvPrefix prefixes environment variables: UNIDB_MAX_QUEUE sets max-queue.
const EnvPrefix = "UNIDB"

type Config struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	Schema  string `mapstructure:"schema"`

	Thread       string `mapstructure:"thread"`
	ParallelSize int    `mapstructure:"parallel-size"`
	MaxQueue     int    `mapstructure:"max-queue"`

	SQLPageSize int  `mapstructure:"sql-page-size"`
	WALCompress bool `mapstructure:"wal-compress"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
}

func Default() Config {
	return Config{
		Backend:      backend.TypeMemory.String(),
		Schema:       "schema.json",
		Thread:       tr.PolicySerial.String(),
		ParallelSize: db.DefaultParallelSize,
		SQLPageSize:  64,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// Flags registers one flag per setting, defaulting to Default().
func Flags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("backend", d.Backend, "storage backend: bolt, sql or memory")
	fs.String("path", d.Path, "database file; empty keeps sql and memory stores in memory")
	fs.String("schema", d.Schema, "JSON schema file")
	fs.String("thread", d.Thread, "transaction thread policy: serial, parallel or single")
	fs.Int("parallel-size", d.ParallelSize, "threads of the parallel policy")
	fs.Int("max-queue", d.MaxQueue, "per-thread request queue bound, 0 for unbounded")
	fs.Int("sql-page-size", d.SQLPageSize, "rows fetched per page by sql cursors")
	fs.Bool("wal-compress", d.WALCompress, "zstd-compress memory store journal entries")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.String("log-format", d.LogFormat, "text or json")
}

// Load resolves the configuration. fs may be nil; file may be empty.
func Load(fs *pflag.FlagSet, file string) (Config, error) {
	v := viper.New()
	defaults := defaultValues()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if file != "" {
		f := viper.New()
		f.SetConfigFile(file)
		if err := f.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("error reading configuration file '%s': %v", file, err)
		}
		for _, k := range f.AllKeys() {
			if _, ok := defaults[k]; !ok {
				return Config{}, fmt.Errorf("invalid option in configuration file: %v", k)
			}
		}
		if err := v.MergeConfigMap(f.AllSettings()); err != nil {
			return Config{}, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func defaultValues() map[string]any {
	d := Default()
	return map[string]any{
		"backend":       d.Backend,
		"path":          d.Path,
		"schema":        d.Schema,
		"thread":        d.Thread,
		"parallel-size": d.ParallelSize,
		"max-queue":     d.MaxQueue,
		"sql-page-size": d.SQLPageSize,
		"wal-compress":  d.WALCompress,
		"log-level":     d.LogLevel,
		"log-format":    d.LogFormat,
	}
}

// Validate checks every enumerated setting parses.
func (c Config) Validate() error {
	if _, err := backend.ParseType(c.Backend); err != nil {
		return err
	}
	if _, err := tr.ParsePolicy(c.Thread); err != nil {
		return err
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.ParallelSize < 0 || c.MaxQueue < 0 || c.SQLPageSize < 0 {
		return fmt.Errorf("parallel-size, max-queue and sql-page-size must not be negative")
	}
	return nil
}

// Logger builds the logger the settings describe.
func (c Config) Logger() (*logger.Logger, error) {
	return logger.FromConfig(c.LogLevel, c.LogFormat)
}

// DBOptions converts c into options for db.Open.
func (c Config) DBOptions(log *logger.Logger) (db.Options, error) {
	typ, err := backend.ParseType(c.Backend)
	if err != nil {
		return db.Options{}, err
	}
	policy, err := tr.ParsePolicy(c.Thread)
	if err != nil {
		return db.Options{}, err
	}
	return db.Options{
		Backend:      typ,
		Path:         c.Path,
		Policy:       policy,
		ParallelSize: c.ParallelSize,
		MaxQueue:     c.MaxQueue,
		PageSize:     c.SQLPageSize,
		Compress:     c.WALCompress,
		Logger:       log,
	}, nil
}
