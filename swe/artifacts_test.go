package swe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactStore_Write(t *testing.T) {
	root := t.TempDir()
	s := NewArtifactStore(root)

	art, err := s.Write("/todo/docs/analysis.md", "# Analysis\n")
	require.NoError(t, err)
	assert.Equal(t, Artifact{Path: "todo/docs/analysis.md", Size: 11}, art)

	data, err := os.ReadFile(filepath.Join(root, "todo", "docs", "analysis.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Analysis\n", string(data))

	_, err = s.Write("todo/docs/analysis.md", "v2")
	require.NoError(t, err)
	got, err := s.Read("./todo/docs/analysis.md")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)

	entries, err := os.ReadDir(filepath.Join(root, "todo", "docs"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestArtifactStore_RejectsEscapes(t *testing.T) {
	s := NewArtifactStore(t.TempDir())
	for _, p := range []string{"../x", "a/../../x", "", "   ", "/", "todo/../../etc/passwd"} {
		_, err := s.Write(p, "x")
		assert.ErrorIs(t, err, ErrPathEscape, "path %q", p)
	}

	clean, _, err := s.Resolve("a/./b/../c.txt")
	require.NoError(t, err)
	assert.Equal(t, "a/c.txt", clean)
}

func TestNewArtifactStore_DefaultRoot(t *testing.T) {
	assert.Equal(t, "output", NewArtifactStore("").Root)
}

func TestStructureUpdate(t *testing.T) {
	got := StructureUpdate(Artifact{Path: "p/a.go", Size: 3}, Artifact{Path: "p/b.go", Size: 5})
	assert.Equal(t, map[string]any{
		"p/a.go": map[string]any{"size": 3},
		"p/b.go": map[string]any{"size": 5},
	}, got)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "todo_cli", Slug(" Todo CLI "))
	assert.Equal(t, "2._storage", Slug("2. Storage"))
	assert.Equal(t, "a_b_c", Slug("a/b\\c"))
	assert.Equal(t, "_x", Slug("..x"))
	assert.Equal(t, "untitled", Slug(""))
}
