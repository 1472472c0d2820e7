package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const farmSchema = `{
  "name": "farm",
  "stores": [{
    "name": "animals",
    "keyPath": "id",
    "indexes": [
      {"name": "legs", "keyPath": ["legs"]},
      {"name": "name", "keyPath": ["name"], "unique": true}
    ]
  }]
}`

const farmRecords = `[
  {"id": 1, "name": "cow", "legs": 4, "color": "red"},
  {"id": 2, "name": "hen", "legs": 2}
]
{"id": 3, "name": "dog", "legs": 4}
`

type cli struct {
	t    *testing.T
	base []string
}

func newCLI(t *testing.T) *cli {
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "schema.json")
	require.NoError(t, os.WriteFile(schemaPath, []byte(farmSchema), 0o644))
	return &cli{t: t, base: []string{
		"--backend", "bolt",
		"--path", filepath.Join(dir, "farm.db"),
		"--schema", schemaPath,
		"--log-level", "warn",
	}}
}

func (c *cli) run(stdin string, args ...string) string {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand(strings.NewReader(stdin), &stdout, &stderr)
	cmd.SetArgs(append(args, c.base...))
	require.NoError(c.t, cmd.ExecuteContext(ctx), stderr.String())
	return stdout.String()
}

func TestLoadQueryScan(t *testing.T) {
	c := newCLI(t)

	out := c.run(farmRecords, "load", "animals")
	assert.Equal(t, "loaded 3 records into animals\n", out)

	out = c.run("", "query", "SELECT name FROM animals WHERE legs = 2")
	assert.Contains(t, out, `"hen"`)
	assert.NotContains(t, out, `"cow"`)
	assert.Contains(t, out, "(1 rows)")

	out = c.run("", "query", "--explain", "SELECT * FROM animals WHERE legs = 4")
	assert.Contains(t, out, "Filter(")
	assert.Contains(t, out, "plan: scan(animals:legs [4,4] next values)")

	out = c.run("", "scan", "animals", "--index", "legs", "--only", "4", "--unique", "--keys")
	assert.Equal(t, "4\n", out)

	out = c.run("", "scan", "animals", "--lower", "2", "--limit", "1")
	assert.Equal(t, `{"id":2,"legs":2,"name":"hen"}`+"\n", out)

	out = c.run("", "scan", "animals", "--index", "legs", "--only", "4", "--count")
	assert.Equal(t, "2\n", out)
}

func TestShell(t *testing.T) {
	c := newCLI(t)
	c.run(farmRecords, "load", "animals", "-")

	out := c.run(".stores\n.count animals\nSELECT id FROM animals WHERE name = 'cow';\n.bogus\n.quit\nSELECT 1\n", "shell")
	lines := strings.Split(out, "\n")
	assert.Equal(t, "animals", lines[0])
	assert.Equal(t, "3", lines[1])
	assert.Contains(t, out, "\n1\n")
	assert.Contains(t, out, "error: unknown command .bogus")
	assert.NotContains(t, out, "SELECT 1")
}

func TestCompleter(t *testing.T) {
	complete := completer([]string{"animals", "plants"})
	assert.Equal(t, []string{".count"}, complete(".co"))
	assert.Equal(t, []string{".count animals"}, complete(".count an"))
	assert.Empty(t, complete("zz"))
}

func TestBench(t *testing.T) {
	c := newCLI(t)
	out := c.run("", "bench", "--store", "animals", "--field", "color", "--concurrency", "2", "--duration", "50ms", "--keys", "20")
	assert.Contains(t, out, "Benchmark finished.")
	assert.Contains(t, out, "Errors: 0\n")
}
