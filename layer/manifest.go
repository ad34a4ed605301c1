package layer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Manifest records every path under a rootfs with its content hash. Snapshots
// of successive build steps are diffed to produce the step's layer.
type Manifest map[string]Entry

// Entry describes one path. Exactly one of IsDir, Link or Hash is meaningful.
type Entry struct {
	Hash  string
	Link  string
	Mode  int64
	Size  int64
	IsDir bool
}

// Snapshot walks root and hashes every regular file. Paths are slash-separated
// and relative to root. Sockets and device nodes are skipped since a layer
// cannot represent them.
func Snapshot(root string) (Manifest, error) {
	m := Manifest{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			m[rel] = Entry{IsDir: true, Mode: int64(info.Mode().Perm())}
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			m[rel] = Entry{Link: link}
		case info.Mode().IsRegular():
			hash, err := hashFile(p)
			if err != nil {
				return err
			}
			m[rel] = Entry{Hash: hash, Mode: int64(info.Mode().Perm()), Size: info.Size()}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", root, err)
	}
	return m, nil
}

// Diff returns the paths added or changed between prev and next, sorted.
// Deletions are not represented; layers are additive.
func Diff(prev, next Manifest) []string {
	var out []string
	for p, e := range next {
		if old, ok := prev[p]; !ok || old != e {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Digest is a stable hash over the whole manifest, independent of map order.
// It feeds step cache keys.
func (m Manifest) Digest() string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		e := m[p]
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00%d\x00%t\n", p, e.Hash, e.Link, e.Mode, e.Size, e.IsDir)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
