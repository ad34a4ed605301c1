// Package imagefs exposes a built image as a read-only FUSE filesystem backed
// by the layer blobs in the store, so the provisioned tree can be inspected
// without running it.
package imagefs

import (
	"archive/tar"
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"syscall"

	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/tinybuild/tinybuild/layer"
)

// entryPath normalizes a tar entry name to the slash-relative form the path
// table is keyed by. Base tarballs sometimes carry absolute entry names.
func entryPath(name string) string {
	return path.Clean(strings.TrimPrefix(name, "/"))
}

// fileRef points a path at the newest layer blob that provides it.
type fileRef struct {
	blob string
	link string
	size int64
	mode uint32
	dir  bool
}

// FS is the root of the image filesystem.
type FS struct {
	fusefs.Inode

	store *layer.Store
	refs  map[string]fileRef
}

var _ = (fusefs.NodeOnAdder)((*FS)(nil))
var _ = (fusefs.NodeStatfser)((*FS)(nil))

// New scans the image's layer chain and builds the path table. Later layers
// shadow earlier ones, matching run-time materialization.
func New(store *layer.Store, img layer.Image) (*FS, error) {
	refs := map[string]fileRef{}
	for _, digest := range img.Layers {
		if err := scanLayer(store, digest, refs); err != nil {
			return nil, err
		}
	}
	return &FS{store: store, refs: refs}, nil
}

func scanLayer(store *layer.Store, digest string, refs map[string]fileRef) error {
	rc, err := store.OpenBlob(digest)
	if err != nil {
		return err
	}
	defer rc.Close()

	reader, err := layer.NewTarReader(rc)
	if err != nil {
		return err
	}
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := entryPath(header.Name)
		if name == "." || name == ".." || strings.HasPrefix(name, "../") {
			continue
		}
		switch header.Typeflag {
		case tar.TypeDir:
			refs[name] = fileRef{dir: true, mode: uint32(header.Mode)}
		case tar.TypeReg:
			refs[name] = fileRef{blob: digest, size: header.Size, mode: uint32(header.Mode)}
		case tar.TypeSymlink, tar.TypeLink:
			refs[name] = fileRef{link: header.Linkname}
		}
	}
}

// OnAdd populates the whole inode tree up front; file content stays in the
// blobs until a file is opened.
func (r *FS) OnAdd(ctx context.Context) {
	paths := make([]string, 0, len(r.refs))
	for p := range r.refs {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		ref := r.refs[p]
		switch {
		case ref.dir:
			r.mkdirAll(ctx, p)
		case ref.link != "":
			parent := r.mkdirAll(ctx, path.Dir(p))
			node := &symlink{target: ref.link}
			parent.AddChild(path.Base(p),
				r.NewPersistentInode(ctx, node, fusefs.StableAttr{Mode: syscall.S_IFLNK}), false)
		default:
			parent := r.mkdirAll(ctx, path.Dir(p))
			node := &file{
				store: r.store,
				blob:  ref.blob,
				path:  p,
				attr:  fuse.Attr{Mode: ref.mode, Size: uint64(ref.size)},
			}
			parent.AddChild(path.Base(p),
				r.NewPersistentInode(ctx, node, fusefs.StableAttr{}), false)
		}
	}
}

func (r *FS) mkdirAll(ctx context.Context, p string) *fusefs.Inode {
	node := r.EmbeddedInode()
	if p == "." || p == "/" {
		return node
	}
	for _, part := range strings.Split(p, "/") {
		child := node.GetChild(part)
		if child == nil {
			child = node.NewPersistentInode(ctx, &fusefs.Inode{}, fusefs.StableAttr{Mode: syscall.S_IFDIR})
			node.AddChild(part, child, false)
		}
		node = child
	}
	return node
}

func (r *FS) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	*out = fuse.StatfsOut{
		Bsize:  4096,
		Blocks: 1 << 30,
		Bavail: 0,
		Bfree:  0,
	}
	return 0
}

type symlink struct {
	fusefs.Inode
	target string
}

var _ = (fusefs.NodeReadlinker)((*symlink)(nil))

func (s *symlink) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return []byte(s.target), 0
}

// Mount mounts the image read-only at mountpoint. The caller waits on the
// returned server.
func Mount(mountpoint string, store *layer.Store, img layer.Image) (*fuse.Server, error) {
	root, err := New(store, img)
	if err != nil {
		return nil, err
	}
	opts := &fusefs.Options{
		MountOptions: fuse.MountOptions{
			FsName: "tinybuild:" + img.Name,
			Name:   "tinybuild",
		},
	}
	return fusefs.Mount(mountpoint, root, opts)
}
