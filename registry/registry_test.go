package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref, path, symbol string
	}{
		{"echo", "echo", DefaultSymbol},
		{"apps.echo:Bot", "apps.echo", "Bot"},
		{"greeter:", "greeter", DefaultSymbol},
		{"  spaced  ", "spaced", DefaultSymbol},
	}
	for _, tt := range tests {
		path, symbol := ParseRef(tt.ref)
		assert.Equal(t, tt.path, path, tt.ref)
		assert.Equal(t, tt.symbol, symbol, tt.ref)
	}
}

func TestResolve_FirstLoadThenReload(t *testing.T) {
	r := New[string]()
	runs := 0
	require.NoError(t, r.Provide("apps.echo", func() (map[string]string, error) {
		runs++
		return map[string]string{DefaultSymbol: "v1"}, nil
	}))

	first, err := r.Resolve("echo")
	require.NoError(t, err)
	assert.Equal(t, "v1", first.Value)
	assert.Equal(t, "apps.echo", first.Path)
	assert.Equal(t, uint64(1), first.Generation)

	second, err := r.Resolve("apps.echo:Application")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Generation)
	assert.Equal(t, 2, runs, "every resolve after the first re-runs initialization")
}

func TestResolve_HotSwap(t *testing.T) {
	r := New[string]()
	require.NoError(t, r.ProvideSymbols("apps.echo", map[string]string{DefaultSymbol: "old"}))

	before, err := r.Resolve("echo")
	require.NoError(t, err)

	require.NoError(t, r.ProvideSymbols("apps.echo", map[string]string{DefaultSymbol: "new"}))
	after, err := r.Resolve("echo")
	require.NoError(t, err)

	assert.Equal(t, "old", before.Value, "values already handed out keep their version")
	assert.Equal(t, "new", after.Value)
}

func TestResolve_Errors(t *testing.T) {
	r := New[int]()
	require.NoError(t, r.ProvideSymbols("apps.nums", map[string]int{"One": 1}))
	boom := errors.New("boom")
	require.NoError(t, r.Provide("apps.broken", func() (map[string]int, error) { return nil, boom }))
	require.NoError(t, r.Provide("apps.panics", func() (map[string]int, error) { panic("init") }))

	_, err := r.Resolve("missing")
	assert.ErrorIs(t, err, ErrModuleNotFound)
	assert.ErrorIs(t, err, ErrResolution)

	_, err = r.Resolve("nums")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	assert.ErrorIs(t, err, ErrResolution)

	_, err = r.Resolve("broken")
	assert.ErrorIs(t, err, ErrResolution)
	assert.ErrorIs(t, err, boom)

	_, err = r.Resolve("panics")
	assert.ErrorIs(t, err, ErrResolution)

	_, err = r.Resolve(":Application")
	assert.ErrorIs(t, err, ErrEmptyReference)

	assert.ErrorIs(t, r.Provide("x", nil), ErrNilLoader)
}

func TestResolve_FailedReloadKeepsCachedUnit(t *testing.T) {
	r := New[string]()
	fail := false
	require.NoError(t, r.Provide("apps.flaky", func() (map[string]string, error) {
		if fail {
			return nil, errors.New("syntax error")
		}
		return map[string]string{DefaultSymbol: "ok"}, nil
	}))

	_, err := r.Resolve("flaky")
	require.NoError(t, err)

	fail = true
	_, err = r.Resolve("flaky")
	require.Error(t, err)

	loaded := r.Loaded()
	require.Len(t, loaded, 1)
	assert.Equal(t, uint64(1), loaded[0].Generation)
}

func TestNamespaces(t *testing.T) {
	r := New[string](WithNamespaces())
	require.NoError(t, r.ProvideSymbols("apps.echo", map[string]string{DefaultSymbol: "x"}))

	_, err := r.Resolve("echo")
	assert.ErrorIs(t, err, ErrModuleNotFound, "fallback disabled")

	r = New[string](WithNamespaces("plugins", "apps"))
	require.NoError(t, r.ProvideSymbols("apps.echo", map[string]string{DefaultSymbol: "x"}))
	got, err := r.Resolve("echo")
	require.NoError(t, err)
	assert.Equal(t, "apps.echo", got.Path)
}

func TestLoadedAndPaths(t *testing.T) {
	r := New[string]()
	require.NoError(t, r.ProvideSymbols("apps.b", map[string]string{"Application": "b", "Other": "o"}))
	require.NoError(t, r.ProvideSymbols("apps.a", map[string]string{"Application": "a"}))

	assert.Equal(t, []string{"apps.a", "apps.b"}, r.Paths())
	assert.Empty(t, r.Loaded())

	_, err := r.Resolve("b")
	require.NoError(t, err)
	loaded := r.Loaded()
	require.Len(t, loaded, 1)
	assert.Equal(t, "apps.b", loaded[0].Path)
	assert.Equal(t, []string{"Application", "Other"}, loaded[0].Symbols)
	assert.False(t, loaded[0].LoadedAt.IsZero())
}
