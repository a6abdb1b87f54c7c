package blk

import (
	"fmt"
	"os"
)

// FileBackend is a Backend over a plain host file: the realm's block
// image, opened whole, offset zero, as spec.md's block image format
// requires. It has no O_DIRECT or readahead tuning of its own; the
// host page cache does that job.
type FileBackend struct {
	f *os.File
}

// OpenFileBackend opens path read-write for a virtio-blk device. There
// is no read-only guest mode in this version.
func OpenFileBackend(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("blk: open image %s: %w", path, err)
	}
	return &FileBackend{f: f}, nil
}

func (b *FileBackend) ReadAt(p []byte, off int64) (int, error)  { return b.f.ReadAt(p, off) }
func (b *FileBackend) WriteAt(p []byte, off int64) (int, error) { return b.f.WriteAt(p, off) }
func (b *FileBackend) Sync() error                              { return b.f.Sync() }

// Size reports the image's capacity in 512-byte sectors, truncating any
// partial trailing sector per spec.md's block image format (raw,
// offset 0, whole file, no header or tail).
func (b *FileBackend) Size() int64 {
	fi, err := b.f.Stat()
	if err != nil {
		return 0
	}
	return fi.Size() / 512
}

// Close releases the backing file descriptor, called during VM
// teardown after the device's last in-flight request has drained.
func (b *FileBackend) Close() error { return b.f.Close() }
