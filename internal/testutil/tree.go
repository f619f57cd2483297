package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// WriteTree creates the entries below root. A key ending in "/" is a
// directory, a value starting with "-> " makes a symlink to the rest of the
// value, anything else is the content of a regular file.
func WriteTree(t *testing.T, root string, entries map[string]string) {
	t.Helper()

	for name, value := range entries {
		path := filepath.Join(root, filepath.FromSlash(name))
		if strings.HasSuffix(name, "/") {
			require.NoError(t, os.MkdirAll(path, 0755))
			continue
		}

		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		if target, ok := strings.CutPrefix(value, "-> "); ok {
			require.NoError(t, os.Symlink(target, path))
			continue
		}
		require.NoError(t, os.WriteFile(path, []byte(value), 0644))
	}
}

// ListTree returns the slash separated paths below root, directories with a
// trailing slash.
func ListTree(t *testing.T, root string) []string {
	t.Helper()

	var paths []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || path == root {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			rel += "/"
		}
		paths = append(paths, rel)
		return nil
	})
	require.NoError(t, err)
	return paths
}
