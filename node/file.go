package node

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
)

// FileNode is a Node backed by an *os.File: the source or target of a backup
// job resolved to an ordinary path rather than a nested image format.
//
// It generalizes RawImage's io.ReaderAt + io.Closer over a raw backing
// file to the writable, zero-fill, discard and allocation-tracking
// surface a copy-before-write filter needs. Go has no portable SEEK_HOLE, so
// allocation is tracked in memory the way MemNode does rather than queried
// from the filesystem; a freshly Register-ed FileNode over an existing file
// starts fully allocated, matching the common case of backing up a file that
// already holds real data end to end.
type FileNode struct {
	mu          sync.RWMutex
	file        *os.File
	size        int64
	granularity int64
	allocated   []bool
	readOnly    bool
}

// OpenFileNode opens path for a source node: read-only, no allocation
// tracking (Allocated always reports true, matching RawImage's behavior of
// never distinguishing holes from data).
func OpenFileNode(path string, granularity int64) (*FileNode, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, NewError("node.OpenFileNode", KindIoRead, true, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, NewError("node.OpenFileNode", KindIoRead, true, err)
	}
	if granularity <= 0 {
		granularity = 4096
	}
	return &FileNode{file: f, size: info.Size(), granularity: granularity, readOnly: true}, nil
}

// CreateFileNode creates (or truncates) path as a writable target node of
// the given size, fully unallocated, the state a fresh backup target is expected
// of a fresh target before the first cluster lands on it.
func CreateFileNode(path string, size, granularity int64) (*FileNode, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, NewError("node.CreateFileNode", KindIoWrite, false, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, NewError("node.CreateFileNode", KindIoWrite, false, err)
	}
	if granularity <= 0 {
		granularity = 4096
	}
	units := (size + granularity - 1) / granularity
	return &FileNode{
		file:        f,
		size:        size,
		granularity: granularity,
		allocated:   make([]bool, units),
	}, nil
}

func (f *FileNode) Close() error {
	return f.file.Close()
}

func (f *FileNode) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.file.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, NewError("node.FileNode.ReadAt", KindIoRead, true, err)
	}
	return n, err
}

func (f *FileNode) setAllocatedLocked(off, length int64) {
	if f.allocated == nil {
		return
	}
	start := off / f.granularity
	end := (off + length + f.granularity - 1) / f.granularity
	for i := start; i < end && i < int64(len(f.allocated)); i++ {
		f.allocated[i] = true
	}
}

func (f *FileNode) clearAllocatedLocked(off, length int64) {
	if f.allocated == nil {
		return
	}
	start := off / f.granularity
	end := (off + length + f.granularity - 1) / f.granularity
	for i := start; i < end && i < int64(len(f.allocated)); i++ {
		f.allocated[i] = false
	}
}

func (f *FileNode) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, NewError("node.FileNode.WriteAt", KindReadOnly, false, nil)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.file.WriteAt(p, off)
	if err != nil {
		return n, NewError("node.FileNode.WriteAt", KindIoWrite, false, err)
	}
	f.setAllocatedLocked(off, int64(len(p)))
	return n, nil
}

func (f *FileNode) WriteZeroesAt(ctx context.Context, off, length int64) error {
	if f.readOnly {
		return NewError("node.FileNode.WriteZeroesAt", KindReadOnly, false, nil)
	}
	zero := make([]byte, 64*1024)
	remaining := length
	at := off
	for remaining > 0 {
		chunk := int64(len(zero))
		if remaining < chunk {
			chunk = remaining
		}
		if _, err := f.file.WriteAt(zero[:chunk], at); err != nil {
			return NewError("node.FileNode.WriteZeroesAt", KindIoWrite, false, err)
		}
		at += chunk
		remaining -= chunk
	}
	f.mu.Lock()
	f.setAllocatedLocked(off, length)
	f.mu.Unlock()
	return nil
}

// DiscardAt marks [off, off+length) unallocated. It does not punch an
// actual hole in the underlying file (that requires a platform-specific
// fallocate call this module does not carry a dependency for); it only
// updates the in-memory allocation map later Allocated calls consult.
func (f *FileNode) DiscardAt(ctx context.Context, off, length int64) error {
	if f.readOnly {
		return NewError("node.FileNode.DiscardAt", KindReadOnly, false, nil)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearAllocatedLocked(off, length)
	return nil
}

func (f *FileNode) Flush(ctx context.Context) error {
	if err := f.file.Sync(); err != nil {
		return NewError("node.FileNode.Flush", KindIoWrite, false, err)
	}
	return nil
}

func (f *FileNode) Size() int64 { return f.size }

func (f *FileNode) NaturalGranularity() int64 { return f.granularity }

func (f *FileNode) Allocated(ctx context.Context, off, length int64) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.allocated == nil {
		return true, nil
	}
	start := off / f.granularity
	end := (off + length + f.granularity - 1) / f.granularity
	for i := start; i < end && i < int64(len(f.allocated)); i++ {
		if f.allocated[i] {
			return true, nil
		}
	}
	return false, nil
}
