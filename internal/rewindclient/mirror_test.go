package rewindclient

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	files map[string]string
	reads int
}

func (s *fakeSource) ListTree(_ context.Context, conversationID, _ string) (Tree, error) {
	paths := make([]string, 0, len(s.files))
	for path := range s.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	tree := Tree{ConversationID: conversationID}
	for _, path := range paths {
		tree.Entries = append(tree.Entries, TreeEntry{Path: path, Size: len(s.files[path])})
	}
	return tree, nil
}

func (s *fakeSource) ReadFile(_ context.Context, conversationID, path string) (File, error) {
	s.reads++
	return File{ConversationID: conversationID, Path: path, Content: s.files[path]}, nil
}

func readLocal(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func TestMirrorWritesAndPrunes(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	source := &fakeSource{files: map[string]string{
		"readme.md":                       "Hello",
		"/home/user/workspace/src/app.go": "package app",
		"../escape.txt":                   "nope",
	}}
	opts := MirrorOptions{ConversationID: "conv_1", LocalRoot: root}

	result, err := Mirror(ctx, source, opts)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"readme.md", "src/app.go"}, result.Written)
	assert.Equal(t, "Hello", readLocal(t, root, "readme.md"))
	assert.Equal(t, "package app", readLocal(t, root, "src/app.go"))
	_, err = os.Stat(filepath.Join(filepath.Dir(root), "escape.txt"))
	assert.True(t, os.IsNotExist(err))

	again, err := Mirror(ctx, source, opts)
	require.NoError(t, err)
	assert.Empty(t, again.Written)
	assert.Equal(t, 2, again.Unchanged)

	delete(source.files, "/home/user/workspace/src/app.go")
	source.files["readme.md"] = "Hello World"
	rolled, err := Mirror(ctx, source, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"readme.md"}, rolled.Written)
	assert.Equal(t, []string{"src/app.go"}, rolled.Removed)
	assert.Equal(t, "Hello World", readLocal(t, root, "readme.md"))
	_, err = os.Stat(filepath.Join(root, "src", "app.go"))
	assert.True(t, os.IsNotExist(err))
}

func TestMirrorKeepsLocallyModifiedStaleFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	source := &fakeSource{files: map[string]string{"notes.txt": "v1"}}
	opts := MirrorOptions{ConversationID: "conv_1", LocalRoot: root}

	_, err := Mirror(ctx, source, opts)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("edited locally"), 0o644))

	delete(source.files, "notes.txt")
	result, err := Mirror(ctx, source, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes.txt"}, result.Kept)
	assert.Empty(t, result.Removed)
	assert.Equal(t, "edited locally", readLocal(t, root, "notes.txt"))
}

func TestMirrorRewritesLocallyChangedFile(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	source := &fakeSource{files: map[string]string{"a.txt": "remote"}}
	opts := MirrorOptions{ConversationID: "conv_1", LocalRoot: root}

	_, err := Mirror(ctx, source, opts)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("drift"), 0o644))

	result, err := Mirror(ctx, source, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, result.Written)
	assert.Equal(t, "remote", readLocal(t, root, "a.txt"))
}

func TestMirrorValidatesOptions(t *testing.T) {
	_, err := Mirror(context.Background(), &fakeSource{}, MirrorOptions{LocalRoot: t.TempDir()})
	assert.Error(t, err)
	_, err = Mirror(context.Background(), &fakeSource{}, MirrorOptions{ConversationID: "c"})
	assert.Error(t, err)
}
