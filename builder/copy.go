package builder

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/tinybuild/tinybuild/layer"
)

// contextManifest snapshots the parts of the build context selected by the
// copy list. Its digest feeds the workspace step's cache key, so any change
// to a copied file invalidates the layer.
func contextManifest(contextDir string, copies []string) (layer.Manifest, error) {
	full, err := layer.Snapshot(contextDir)
	if err != nil {
		return nil, err
	}
	for _, c := range copies {
		if path.Clean(c) == "." {
			return full, nil
		}
	}
	selected := layer.Manifest{}
	for p, e := range full {
		for _, c := range copies {
			if underPath(p, path.Clean(c)) {
				selected[p] = e
				break
			}
		}
	}
	return selected, nil
}

func underPath(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// copyContext materializes the workspace: each copy entry is copied verbatim
// from the context into dst. "." copies the context's contents; a named path
// keeps its place in the tree.
func copyContext(contextDir string, copies []string, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	for _, c := range copies {
		clean := path.Clean(c)
		src := filepath.Join(contextDir, filepath.FromSlash(clean))
		target := dst
		if clean != "." {
			target = filepath.Join(dst, filepath.FromSlash(clean))
		}
		if err := copyTree(src, target); err != nil {
			return fmt.Errorf("copy %s: %w", c, err)
		}
	}
	return nil
}

func copyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyEntry(src, dst, info)
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		}
		return copyEntry(p, target, info)
	})
}

func copyEntry(src, dst string, info os.FileInfo) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		link, err := os.Readlink(src)
		if err != nil {
			return err
		}
		os.Remove(dst)
		return os.Symlink(link, dst)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
