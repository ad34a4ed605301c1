package builder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const fetchTimeout = 5 * time.Minute

var baseClient = &http.Client{
	Transport: &http.Transport{
		ResponseHeaderTimeout: fetchTimeout,
	},
	Timeout: fetchTimeout,
}

// resolveBase fetches the pinned base rootfs tarball and imports it into the
// store. Relative paths resolve against the build context. Any failure here
// is ErrBaseUnresolvable: the build aborts before committing anything.
//
// Remote refs are pinned, so once fetched the ref->digest mapping is cached
// and warm rebuilds skip the download entirely. Local paths are cheap to
// re-hash and may change between builds, so they are always re-imported.
func (b *Builder) resolveBase(ctx context.Context, contextDir, ref string) (string, error) {
	cacheKey := stepDigest("", "BASEREF "+ref)
	if isRemote(ref) {
		if digest, ok := b.cachedLayer(cacheKey); ok {
			return digest, nil
		}
	}

	rc, err := openBase(ctx, contextDir, ref)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrBaseUnresolvable, ref, err)
	}
	defer rc.Close()

	digest, err := b.Store.ImportBlob(rc)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrBaseUnresolvable, ref, err)
	}
	if isRemote(ref) {
		if err := b.DB.SaveLayer(cacheKey, digest, "BASE "+ref); err != nil {
			b.logger().Warn("could not cache base ref", "err", err)
		}
	}
	return digest, nil
}

func isRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

func openBase(ctx context.Context, contextDir, ref string) (io.ReadCloser, error) {
	if isRemote(ref) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, err
		}
		resp, err := baseClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status %s", resp.Status)
		}
		return resp.Body, nil
	}

	path := strings.TrimPrefix(ref, "file://")
	if !filepath.IsAbs(path) {
		path = filepath.Join(contextDir, filepath.FromSlash(path))
	}
	return os.Open(path)
}
