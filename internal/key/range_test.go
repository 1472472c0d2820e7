package key

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuser/unidb/internal/dberr"
)

func TestRangeValidation(t *testing.T) {
	tests := []struct {
		name    string
		build   func() (*Range, error)
		wantErr bool
	}{
		{"only", func() (*Range, error) { return Only(1) }, false},
		{"bound", func() (*Range, error) { return Bound(1, 5, false, true) }, false},
		{"lower above upper", func() (*Range, error) { return Bound(5, 1, false, false) }, true},
		{"equal open", func() (*Range, error) { return Bound(3, 3, true, false) }, true},
		{"invalid key", func() (*Range, error) { return LowerBound(true, false) }, true},
		{"starts number", func() (*Range, error) { return Starts(3) }, true},
		{"bad op", func() (*Range, error) { return Where("!=", 1, "", nil) }, true},
		{"where between", func() (*Range, error) { return Where(">", 1, "<=", 4) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := tt.build()
			if tt.wantErr {
				assert.True(t, dberr.IsArgument(err), "want ArgumentError, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, r)
		})
	}

	bad := &Range{Lower: "z", Upper: "a"}
	assert.True(t, dberr.IsArgument(bad.Validate()))
}

func TestRangeContains(t *testing.T) {
	between, err := Where(">", 1, "<=", 4)
	require.NoError(t, err)
	assert.False(t, between.Contains(1))
	assert.True(t, between.Contains(1.5))
	assert.True(t, between.Contains(4))
	assert.False(t, between.Contains(4.1))
	assert.False(t, between.Contains("2"))

	only, err := Only("cat")
	require.NoError(t, err)
	assert.True(t, only.Contains("cat"))
	assert.False(t, only.Contains("cats"))

	starts, err := Starts("ca")
	require.NoError(t, err)
	for _, k := range []string{"ca", "cat", "cats", "ca\x00"} {
		assert.True(t, starts.Contains(k), k)
	}
	for _, k := range []string{"c", "cb", "b"} {
		assert.False(t, starts.Contains(k), k)
	}

	arr, err := Starts([]any{"red"})
	require.NoError(t, err)
	assert.True(t, arr.Contains([]any{"red"}))
	assert.True(t, arr.Contains([]any{"red", "cow"}))
	assert.False(t, arr.Contains([]any{"reddish", "cow"}))
	assert.False(t, arr.Contains("red"))

	var all *Range
	assert.True(t, all.Contains(42))
}

func TestRangeEqualAndString(t *testing.T) {
	a, _ := Bound(1, 2, true, false)
	b, _ := Bound(1.0, 2, true, false)
	c, _ := Bound(1, 2, false, false)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.Equal(t, "(1,2]", a.String())

	s, _ := Starts("x")
	assert.Equal(t, `^"x"`, s.String())
}
