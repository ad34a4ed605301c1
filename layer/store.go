// Package layer implements the content-addressed layer store: immutable
// tarball blobs keyed by their sha256 digest, per-step rootfs manifests used
// to diff layers, and the image configs that reference them.
package layer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store is an on-disk blob and image store rooted at a single directory.
type Store struct {
	root string
}

// Image is the committed result of a build: an ordered layer chain plus the
// run-time config. Later layers shadow earlier ones at overlapping paths.
type Image struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
	Layers  []string  `json:"layers"`
	Config  RunConfig `json:"config"`
}

// RunConfig is the baked-in state the run phase needs: the entrypoint, the
// working directory and the image environment.
type RunConfig struct {
	Entrypoint []string `json:"entrypoint"`
	WorkingDir string   `json:"working_dir"`
	Env        []string `json:"env,omitempty"`
}

// OpenStore opens (creating if needed) the store at root.
func OpenStore(root string) (*Store, error) {
	for _, dir := range []string{filepath.Join(root, "blobs"), filepath.Join(root, "images")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

// BlobPath is the on-disk location of a blob, existing or not.
func (s *Store) BlobPath(digest string) string {
	return filepath.Join(s.root, "blobs", digest)
}

func (s *Store) HasBlob(digest string) bool {
	_, err := os.Stat(s.BlobPath(digest))
	return err == nil
}

func (s *Store) OpenBlob(digest string) (io.ReadCloser, error) {
	f, err := os.Open(s.BlobPath(digest))
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", digest, err)
	}
	return f, nil
}

// ImportBlob streams r into the store and returns its content digest. The
// import is atomic: the blob appears under its final name only once fully
// written, and re-importing identical content is a no-op.
func (s *Store) ImportBlob(r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.root, "blob-*")
	if err != nil {
		return "", fmt.Errorf("import blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("import blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("import blob: %w", err)
	}

	digest := hex.EncodeToString(h.Sum(nil))
	dst := s.BlobPath(digest)
	if s.HasBlob(digest) {
		return digest, nil
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("import blob: %w", err)
	}
	return digest, nil
}

// SaveImage writes the image config under its name, replacing any previous
// image of the same name.
func (s *Store) SaveImage(img Image) error {
	if err := checkImageName(img.Name); err != nil {
		return err
	}
	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return fmt.Errorf("save image %s: %w", img.Name, err)
	}
	path := filepath.Join(s.root, "images", img.Name+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("save image %s: %w", img.Name, err)
	}
	return nil
}

// LoadImage reads a named image config.
func (s *Store) LoadImage(name string) (Image, error) {
	if err := checkImageName(name); err != nil {
		return Image{}, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, "images", name+".json"))
	if err != nil {
		return Image{}, fmt.Errorf("load image %s: %w", name, err)
	}
	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return Image{}, fmt.Errorf("load image %s: %w", name, err)
	}
	return img, nil
}

func checkImageName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid image name %q", name)
	}
	return nil
}
