package web

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssetsEmbedded(t *testing.T) {
	data, err := fs.ReadFile(Assets(""), "index.html")
	require.NoError(t, err)
	assert.Contains(t, string(data), "foreman")
	assert.Contains(t, string(data), "/api/sessions")
}

func TestAssetsMissingDevDirFallsBack(t *testing.T) {
	_, err := fs.Stat(Assets("/nonexistent/dist"), "index.html")
	assert.NoError(t, err)
}

func TestAssetsDevDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("dev build"), 0o644))

	data, err := fs.ReadFile(Assets(dir), "index.html")
	require.NoError(t, err)
	assert.Equal(t, "dev build", string(data))
}
