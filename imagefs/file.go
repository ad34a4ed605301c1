package imagefs

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"

	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/tinybuild/tinybuild/layer"
)

// file is a regular file whose content lives in a layer blob. The blob is
// scanned lazily on first open and the content kept for later reads.
type file struct {
	fusefs.Inode

	store *layer.Store
	blob  string
	path  string
	attr  fuse.Attr

	mu   sync.Mutex
	data []byte
}

var _ = (fusefs.NodeOpener)((*file)(nil))
var _ = (fusefs.NodeReader)((*file)(nil))
var _ = (fusefs.NodeGetattrer)((*file)(nil))

func (f *file) Open(ctx context.Context, flags uint32) (fusefs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		if err := f.load(); err != nil {
			return nil, 0, syscall.EIO
		}
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *file) load() error {
	rc, err := f.store.OpenBlob(f.blob)
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
			break
		}
		if err != nil {
			return err
		}
		if header.Typeflag != tar.TypeReg || entryPath(header.Name) != f.path {
			continue
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			return err
		}
		f.data = data
		return nil
	}
	return fmt.Errorf("%s not found in blob %s", f.path, f.blob)
}

func (f *file) Read(ctx context.Context, fh fusefs.FileHandle, dest []byte, offset int64) (fuse.ReadResult, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		return fuse.ReadResultData(nil), syscall.EIO
	}
	if offset < 0 || int(offset) >= len(f.data) {
		return fuse.ReadResultData(nil), 0
	}
	end := min(int(offset)+len(dest), len(f.data))
	return fuse.ReadResultData(f.data[offset:end]), 0
}

func (f *file) Getattr(ctx context.Context, fh fusefs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = f.attr.Mode
	out.Nlink = 1
	out.Size = f.attr.Size
	const bs = 512
	out.Blksize = bs
	out.Blocks = (out.Size + bs - 1) / bs
	return 0
}
