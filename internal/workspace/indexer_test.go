package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestIndex_VisitsEveryRegularFileAtAnyDepth(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.py"), "def hello():\n    print('Hello')\n")
	writeFile(t, filepath.Join(root, "pkg", "b.py"), "def world():\n    print('World')\n")
	writeFile(t, filepath.Join(root, "pkg", "deep", "er", "c.txt"), "x")
	writeFile(t, filepath.Join(root, ".hidden", "d"), "")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty", "dir"), 0o755))

	stats, err := NewIndexer(nil).Index(context.Background(), root, filepath.Join(root, ".chroma"))

	require.NoError(t, err)
	assert.Equal(t, 4, stats.Files)
	assert.Equal(t, 0, stats.Failed)
}

func TestIndex_ManyFilesReportsProgress(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 25; i++ {
		writeFile(t, filepath.Join(root, fmt.Sprintf("d%d", i%3), fmt.Sprintf("f%d.go", i)), "package x")
	}

	stats, err := NewIndexer(nil).Index(context.Background(), root, "")

	require.NoError(t, err)
	assert.Equal(t, 25, stats.Files)
}

func TestIndex_SkipsSymlinks(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.txt")
	writeFile(t, target, "content")
	require.NoError(t, os.Symlink(target, filepath.Join(root, "link.txt")))

	stats, err := NewIndexer(nil).Index(context.Background(), root, "")

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
}

func TestIndex_FollowsSymlinkedRoot(t *testing.T) {
	real := t.TempDir()
	writeFile(t, filepath.Join(real, "a.py"), "a = 1")
	writeFile(t, filepath.Join(real, "sub", "b.py"), "b = 2")
	root := filepath.Join(t.TempDir(), "workspace")
	require.NoError(t, os.Symlink(real, root))

	stats, err := NewIndexer(nil).Index(context.Background(), root, "")

	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
}

func TestIndex_MissingWorkspace(t *testing.T) {
	_, err := NewIndexer(nil).Index(context.Background(), filepath.Join(t.TempDir(), "nope"), "")

	assert.ErrorIs(t, err, ErrWorkspaceNotFound)
}

func TestIndex_CancelledContext(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a"), "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewIndexer(nil).Index(ctx, root, "")

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetrieve_ReturnsEmptyResultsWithMetadata(t *testing.T) {
	res := Retrieve("print hello", 2)

	assert.NotNil(t, res.Results)
	assert.Empty(t, res.Results)
	assert.Equal(t, "print hello", res.Metadata.Query)
	assert.Equal(t, 2, res.Metadata.NResults)
}
