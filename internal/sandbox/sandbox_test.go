package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelativeWorkspacePath(t *testing.T) {
	valid := map[string]string{
		"readme.md":                         "readme.md",
		"src/app.ts":                        "src/app.ts",
		"./src//nested/app.ts":              "src/nested/app.ts",
		"/home/user/workspace/main.py":      "main.py",
		"/home/user/workspace/pkg/./mod.go": "pkg/mod.go",
		`win\style\path.txt`:                "win/style/path.txt",
	}
	for in, want := range valid {
		got, err := RelativeWorkspacePath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "  ", "/etc/passwd", "../escape", "a/../../b", "src/../app.ts", "/home/user/workspace", "/home/user/workspaces/x"} {
		_, err := RelativeWorkspacePath(in)
		assert.ErrorIs(t, err, ErrInvalidPath, in)
	}
}

func TestMemoryCache(t *testing.T) {
	cache := NewMemoryCache()
	_, ok := cache.Get("c")
	assert.False(t, ok)

	sb := &fakeSandbox{id: "sb-1"}
	cache.Set("c", Handle{Sandbox: sb})
	got, ok := cache.Get("c")
	require.True(t, ok)
	assert.Equal(t, "sb-1", got.Sandbox.ID())
	assert.Equal(t, 1, cache.Len())

	cache.Invalidate("c")
	cache.Invalidate("c")
	_, ok = cache.Get("c")
	assert.False(t, ok)
	assert.Zero(t, cache.Len())
}

func TestNopCache(t *testing.T) {
	var cache Cache = NopCache{}
	cache.Set("c", Handle{Sandbox: &fakeSandbox{id: "x"}})
	_, ok := cache.Get("c")
	assert.False(t, ok)
}
