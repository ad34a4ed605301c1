package builder

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBase(t *testing.T) {
	t.Run("a file scheme reference resolves to the local tarball", func(t *testing.T) {
		base := makeBaseTar(t)

		rc, err := openBase(context.Background(), t.TempDir(), "file://"+base)
		require.NoError(t, err)
		defer rc.Close()

		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		want, err := os.ReadFile(base)
		require.NoError(t, err)
		assert.Equal(t, want, data)
	})

	t.Run("a relative path resolves against the build context", func(t *testing.T) {
		contextDir := t.TempDir()
		require.NoError(t, os.WriteFile(contextDir+"/base.tar.gz", []byte("rootfs"), 0644))

		rc, err := openBase(context.Background(), contextDir, "base.tar.gz")
		require.NoError(t, err)
		defer rc.Close()

		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "rootfs", string(data))
	})
}

func TestResolveBaseHTTP(t *testing.T) {
	serveBase := func(t *testing.T) (*httptest.Server, *atomic.Int32) {
		t.Helper()
		data, err := os.ReadFile(makeBaseTar(t))
		require.NoError(t, err)

		hits := &atomic.Int32{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.Write(data)
		}))
		t.Cleanup(server.Close)
		return server, hits
	}

	t.Run("builds from a base served over http", func(t *testing.T) {
		server, hits := serveBase(t)
		fake := &fakeSandbox{}
		b := newBuilder(t, fake)

		res, err := b.Build(context.Background(), makeContext(t), parseManifest(t, server.URL+"/base.tar.gz"), "app")
		require.NoError(t, err)
		assert.Len(t, res.Image.Layers, 5)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("a warm rebuild skips the download", func(t *testing.T) {
		server, hits := serveBase(t)
		fake := &fakeSandbox{}
		b := newBuilder(t, fake)
		contextDir := makeContext(t)
		ref := server.URL + "/base.tar.gz"

		_, err := b.Build(context.Background(), contextDir, parseManifest(t, ref), "app")
		require.NoError(t, err)

		res, err := b.Build(context.Background(), contextDir, parseManifest(t, ref), "app")
		require.NoError(t, err)
		assert.Equal(t, 4, res.CacheHits)
		assert.Equal(t, int32(1), hits.Load(), "pinned base must not be re-fetched")
	})

	t.Run("a non-200 response is unresolvable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		t.Cleanup(server.Close)
		fake := &fakeSandbox{}
		b := newBuilder(t, fake)

		_, err := b.Build(context.Background(), makeContext(t), parseManifest(t, server.URL+"/missing.tar.gz"), "app")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBaseUnresolvable))
		assert.Empty(t, fake.commands())
	})
}

func TestBuildWithFileScheme(t *testing.T) {
	t.Run("a file scheme base builds like a plain path", func(t *testing.T) {
		fake := &fakeSandbox{}
		b := newBuilder(t, fake)

		res, err := b.Build(context.Background(), makeContext(t), parseManifest(t, "file://"+makeBaseTar(t)), "app")
		require.NoError(t, err)
		assert.Len(t, res.Image.Layers, 5)
	})
}
