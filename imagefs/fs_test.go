package imagefs

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinybuild/tinybuild/layer"
)

func commitLayer(t *testing.T, store *layer.Store, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
	m, err := layer.Snapshot(root)
	require.NoError(t, err)
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	buf := &bytes.Buffer{}
	require.NoError(t, layer.Pack(root, paths, buf))
	digest, err := store.ImportBlob(buf)
	require.NoError(t, err)
	return digest
}

func TestNew(t *testing.T) {
	t.Run("builds the path table from the layer chain", func(t *testing.T) {
		store, err := layer.OpenStore(t.TempDir())
		require.NoError(t, err)
		digest := commitLayer(t, store, map[string]string{
			"app/web_exercise_02.py": "print('ok')",
			"app/pyproject.toml":     "[tool.poetry]",
		})

		root, err := New(store, layer.Image{Name: "app", Layers: []string{digest}})
		require.NoError(t, err)

		require.Contains(t, root.refs, "app")
		assert.True(t, root.refs["app"].dir)

		ref := root.refs["app/web_exercise_02.py"]
		assert.Equal(t, digest, ref.blob)
		assert.Equal(t, int64(len("print('ok')")), ref.size)
	})

	t.Run("later layers shadow earlier paths", func(t *testing.T) {
		store, err := layer.OpenStore(t.TempDir())
		require.NoError(t, err)
		first := commitLayer(t, store, map[string]string{"etc/conf": "old"})
		second := commitLayer(t, store, map[string]string{"etc/conf": "new and longer"})

		root, err := New(store, layer.Image{Name: "app", Layers: []string{first, second}})
		require.NoError(t, err)

		ref := root.refs["etc/conf"]
		assert.Equal(t, second, ref.blob)
		assert.Equal(t, int64(len("new and longer")), ref.size)
	})

	t.Run("absolute entry names index and load under the same key", func(t *testing.T) {
		store, err := layer.OpenStore(t.TempDir())
		require.NoError(t, err)

		// Base tarballs sometimes name their entries /app/x.py.
		content := "print('absolute')"
		buf := &bytes.Buffer{}
		tw := tar.NewWriter(buf)
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: "/app/", Typeflag: tar.TypeDir, Mode: 0755,
		}))
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: "/app/x.py", Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(content)),
		}))
		_, err = tw.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, tw.Close())

		digest, err := store.ImportBlob(buf)
		require.NoError(t, err)

		root, err := New(store, layer.Image{Name: "app", Layers: []string{digest}})
		require.NoError(t, err)

		ref, ok := root.refs["app/x.py"]
		require.True(t, ok)

		f := &file{store: store, blob: ref.blob, path: "app/x.py"}
		require.NoError(t, f.load())
		assert.Equal(t, content, string(f.data))
	})

	t.Run("missing blob fails", func(t *testing.T) {
		store, err := layer.OpenStore(t.TempDir())
		require.NoError(t, err)

		_, err = New(store, layer.Image{Name: "app", Layers: []string{"deadbeef"}})
		require.Error(t, err)
	})
}

func TestFileLoad(t *testing.T) {
	t.Run("loads content from the backing blob on demand", func(t *testing.T) {
		store, err := layer.OpenStore(t.TempDir())
		require.NoError(t, err)
		digest := commitLayer(t, store, map[string]string{"app/main.py": "print('lazy')"})

		f := &file{store: store, blob: digest, path: "app/main.py"}
		require.NoError(t, f.load())
		assert.Equal(t, "print('lazy')", string(f.data))
	})

	t.Run("reports a path absent from the blob", func(t *testing.T) {
		store, err := layer.OpenStore(t.TempDir())
		require.NoError(t, err)
		digest := commitLayer(t, store, map[string]string{"app/main.py": "x"})

		f := &file{store: store, blob: digest, path: "app/ghost.py"}
		require.Error(t, f.load())
	})
}
