package layer

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Pack writes the given root-relative paths as a gzipped tarball. Paths are
// emitted sorted so identical content produces an identical blob.
func Pack(root string, paths []string, w io.Writer) error {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, p := range sorted {
		full := filepath.Join(root, filepath.FromSlash(p))
		info, err := os.Lstat(full)
		if err != nil {
			return fmt.Errorf("pack %s: %w", p, err)
		}
		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(full); err != nil {
				return fmt.Errorf("pack %s: %w", p, err)
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("pack %s: %w", p, err)
		}
		hdr.Name = p
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("pack %s: %w", p, err)
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(full)
			if err != nil {
				return fmt.Errorf("pack %s: %w", p, err)
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return fmt.Errorf("pack %s: %w", p, err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// NewTarReader wraps r in a tar reader, transparently ungzipping when the
// stream starts with the gzip magic. Base tarballs arrive either way.
func NewTarReader(r io.Reader) (*tar.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("read tar: %w", err)
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		return tar.NewReader(gz), nil
	}
	return tar.NewReader(br), nil
}

// Unpack extracts a layer tarball into dst, overwriting existing paths so a
// later layer shadows an earlier one. Entries escaping dst are rejected.
func Unpack(r io.Reader, dst string) error {
	reader, err := NewTarReader(r)
	if err != nil {
		return err
	}
	cleanDst := filepath.Clean(dst)

	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target, err := securePath(cleanDst, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode).Perm()|0700); err != nil {
				return fmt.Errorf("unpack %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("unpack %s: %w", header.Name, err)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode).Perm())
			if err != nil {
				return fmt.Errorf("unpack %s: %w", header.Name, err)
			}
			if _, err := io.Copy(out, reader); err != nil {
				out.Close()
				return fmt.Errorf("unpack %s: %w", header.Name, err)
			}
			out.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("unpack %s: %w", header.Name, err)
			}
			os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("unpack %s: %w", header.Name, err)
			}
		case tar.TypeLink:
			source, err := securePath(cleanDst, header.Linkname)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("unpack %s: %w", header.Name, err)
			}
			os.Remove(target)
			if err := os.Link(source, target); err != nil {
				return fmt.Errorf("unpack %s: %w", header.Name, err)
			}
		default:
			// character/block devices, fifos: skipped
		}
	}
	return nil
}

func securePath(dst, name string) (string, error) {
	target := filepath.Join(dst, filepath.FromSlash(name))
	if target != dst && !strings.HasPrefix(target, dst+string(os.PathSeparator)) {
		return "", fmt.Errorf("tar entry %q escapes destination", name)
	}
	return target, nil
}
