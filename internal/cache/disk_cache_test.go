package cache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskGetPath(t *testing.T) {
	d := NewGenericDisk("/tmp/cache")

	tests := []struct {
		name       string
		key        string
		wantPrefix string
	}{
		{
			name:       "simple URL",
			key:        "https://example.com/api/users",
			wantPrefix: "/tmp/cache/v1/example.com/api/users/",
		},
		{
			name:       "default port is dropped",
			key:        "http://example.com:80/index.html",
			wantPrefix: "/tmp/cache/v1/example.com/index.html/",
		},
		{
			name:       "root path",
			key:        "https://example.com/",
			wantPrefix: "/tmp/cache/v1/example.com/",
		},
		{
			name:       "parent segments stay inside the namespace",
			key:        "http://example.com/../../etc/passwd",
			wantPrefix: "/tmp/cache/v1/example.com/etc/passwd/",
		},
		{
			name:       "not a URL",
			key:        "plain-key",
			wantPrefix: "/tmp/cache/v1/_/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.getPath("v1", tt.key)
			assert.True(t, strings.HasPrefix(got, tt.wantPrefix), "getPath() = %s, want prefix %s", got, tt.wantPrefix)
			assert.True(t, strings.HasSuffix(got, ".bin"))
		})
	}

	// query strings end up in distinct files
	assert.NotEqual(t, d.getPath("v1", "https://example.com/a?x=1"), d.getPath("v1", "https://example.com/a?x=2"))
}

func TestDiskInit(t *testing.T) {
	tempDir := t.TempDir()
	cacheDir := filepath.Join(tempDir, "new", "cache", "dir")

	d := NewGenericDisk(cacheDir)
	require.NoError(t, d.Init())

	// Verify directory was created
	if _, err := os.Stat(cacheDir); os.IsNotExist(err) {
		t.Fatalf("Cache directory was not created")
	}
}

func TestDiskFileLayout(t *testing.T) {
	tempDir := t.TempDir()
	d := NewGenericDisk(tempDir)
	require.NoError(t, d.Init())
	require.NoError(t, d.CreateNamespace("product-query-v1"))

	key := "http://localhost:8000/index.html"
	require.NoError(t, d.Set("product-query-v1", key, []byte("<html></html>")))

	path := d.getPath("product-query-v1", key)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, key+"\n<html></html>", string(raw))

	// no temporary files are left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDiskSetDoesNotRecreateDroppedNamespace(t *testing.T) {
	tempDir := t.TempDir()
	d := NewGenericDisk(tempDir)
	require.NoError(t, d.Init())
	require.NoError(t, d.CreateNamespace("v1"))

	dropped, err := d.DropNamespace("v1")
	require.NoError(t, err)
	require.True(t, dropped)

	err = d.Set("v1", "http://localhost:8000/deep/nested/page.html", []byte("late"))
	assert.ErrorIs(t, err, ErrNoNamespace)

	_, err = os.Stat(d.namespaceDir("v1"))
	assert.True(t, os.IsNotExist(err), "namespace directory must stay deleted")
}

func TestMkdirUnder(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ns")

	err := mkdirUnder(root, filepath.Join(root, "host", "path"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(root)
	assert.True(t, os.IsNotExist(err), "root is never created")

	require.NoError(t, os.Mkdir(root, 0755))
	require.NoError(t, mkdirUnder(root, filepath.Join(root, "host", "path")))
	require.NoError(t, mkdirUnder(root, filepath.Join(root, "host", "path")), "existing directories are fine")
	info, err := os.Stat(filepath.Join(root, "host", "path"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
