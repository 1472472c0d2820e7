package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuser/unidb/internal/backend"
	"github.com/myuser/unidb/internal/tr"
)

func writeFile(t *testing.T, name, body string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadPriority(t *testing.T) {
	file := writeFile(t, "unidb.yaml", "backend: bolt\npath: /tmp/zoo.db\nmax-queue: 3\nthread: single\n")
	t.Setenv("UNIDB_MAX_QUEUE", "7")
	t.Setenv("UNIDB_THREAD", "serial")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse([]string{"--thread", "parallel", "--parallel-size", "2"}))

	c, err := Load(fs, file)
	require.NoError(t, err)
	assert.Equal(t, "bolt", c.Backend, "from the file")
	assert.Equal(t, "/tmp/zoo.db", c.Path)
	assert.Equal(t, 7, c.MaxQueue, "environment beats the file")
	assert.Equal(t, "parallel", c.Thread, "flags beat the environment")
	assert.Equal(t, 2, c.ParallelSize)

	opts, err := c.DBOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, backend.TypeBolt, opts.Backend)
	assert.Equal(t, tr.PolicyParallel, opts.Policy)
	assert.Equal(t, 64, opts.PageSize)
}

func TestLoadRejects(t *testing.T) {
	_, err := Load(nil, writeFile(t, "bad.yaml", "backend: memory\ncolour: red\n"))
	assert.ErrorContains(t, err, "invalid option")

	_, err = Load(nil, writeFile(t, "bad.json", `{"backend": "tape"}`))
	assert.Error(t, err)

	_, err = Load(nil, filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	t.Setenv("UNIDB_LOG_LEVEL", "chatty")
	_, err = Load(nil, "")
	assert.Error(t, err)
}
