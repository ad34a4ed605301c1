package builder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextManifest(t *testing.T) {
	t.Run("dot selects the whole context", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "a.py", "a")
		writeFile(t, dir, "sub/b.py", "b")

		m, err := contextManifest(dir, []string{"."})
		require.NoError(t, err)
		assert.Contains(t, m, "a.py")
		assert.Contains(t, m, "sub/b.py")
	})

	t.Run("named paths select only their subtree", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "a.py", "a")
		writeFile(t, dir, "sub/b.py", "b")
		writeFile(t, dir, "subother/c.py", "c")

		m, err := contextManifest(dir, []string{"sub"})
		require.NoError(t, err)
		assert.Contains(t, m, "sub/b.py")
		assert.NotContains(t, m, "a.py")
		assert.NotContains(t, m, "subother/c.py", "prefix match must respect path boundaries")
	})
}

func TestCopyContext(t *testing.T) {
	t.Run("dot copies the context contents into the workdir", func(t *testing.T) {
		src := t.TempDir()
		writeFile(t, src, "main.py", "m")
		writeFile(t, src, "pkg/mod.py", "p")

		dst := filepath.Join(t.TempDir(), "app")
		require.NoError(t, copyContext(src, []string{"."}, dst))

		data, err := os.ReadFile(filepath.Join(dst, "main.py"))
		require.NoError(t, err)
		assert.Equal(t, "m", string(data))
		_, err = os.Stat(filepath.Join(dst, "pkg", "mod.py"))
		assert.NoError(t, err)
	})

	t.Run("named paths keep their place in the tree", func(t *testing.T) {
		src := t.TempDir()
		writeFile(t, src, "conf/settings.toml", "s")

		dst := filepath.Join(t.TempDir(), "app")
		require.NoError(t, copyContext(src, []string{"conf"}, dst))

		_, err := os.Stat(filepath.Join(dst, "conf", "settings.toml"))
		assert.NoError(t, err)
	})

	t.Run("copying a single file works", func(t *testing.T) {
		src := t.TempDir()
		writeFile(t, src, "pyproject.toml", "x")

		dst := filepath.Join(t.TempDir(), "app")
		require.NoError(t, copyContext(src, []string{"pyproject.toml"}, dst))

		data, err := os.ReadFile(filepath.Join(dst, "pyproject.toml"))
		require.NoError(t, err)
		assert.Equal(t, "x", string(data))
	})
}
