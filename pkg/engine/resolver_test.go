package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ringo380/inferno/pkg/backend"
)

func writeFile(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("stub"), 0o644))
}

func TestModelDirectoryResolveAndList(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "llama.gguf")
	writeFile(t, dir, "bert.onnx")
	writeFile(t, dir, "notes.txt")

	m := newModelDirectory(dir)

	meta, err := m.Resolve("llama")
	require.NoError(t, err)
	require.Equal(t, backend.KindGguf, meta.Kind)

	meta, err = m.Resolve("bert")
	require.NoError(t, err)
	require.Equal(t, backend.KindOnnx, meta.Kind)

	_, err = m.Resolve("missing")
	require.Error(t, err)

	list := m.List()
	require.Len(t, list, 2)
	require.Equal(t, "bert", list[0].ID)
	require.Equal(t, "llama", list[1].ID)
}

func TestModelDirectoryListIgnoresNonModelFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "readme.md")

	m := newModelDirectory(dir)
	require.Empty(t, m.List())
}
