package node

import (
	"context"
	"fmt"
	"sync"
)

// MemNode is an in-memory Node, used by tests and by cmd/cbwdemo to exercise
// the filter and copy engine without touching the filesystem.
type MemNode struct {
	mu          sync.RWMutex
	data        []byte
	allocated   []bool // per-granularity allocation map
	granularity int64
}

// NewMemNode creates a zero-filled in-memory node of the given size. Every
// byte starts out "allocated" unless MarkUnallocated is used afterward.
func NewMemNode(size int64, granularity int64) *MemNode {
	if granularity <= 0 {
		granularity = 4096
	}
	units := (size + granularity - 1) / granularity
	alloc := make([]bool, units)
	for i := range alloc {
		alloc[i] = true
	}
	return &MemNode{
		data:        make([]byte, size),
		allocated:   alloc,
		granularity: granularity,
	}
}

// Fill sets every byte of the node to v. Test helper.
func (m *MemNode) Fill(v byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.data {
		m.data[i] = v
	}
}

// MarkUnallocated clears the allocation bits for [off, off+length), used to
// simulate a sparse source for sync=top / skip_unallocated tests.
func (m *MemNode) MarkUnallocated(off, length int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setAllocatedLocked(off, length, false)
}

func (m *MemNode) setAllocatedLocked(off, length int64, v bool) {
	start := off / m.granularity
	end := (off + length + m.granularity - 1) / m.granularity
	for i := start; i < end && i < int64(len(m.allocated)); i++ {
		m.allocated[i] = v
	}
}

func (m *MemNode) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off >= int64(len(m.data)) {
		return 0, fmt.Errorf("node: read offset %d out of range", off)
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *MemNode) WriteAt(_ context.Context, p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("node: write [%d,%d) out of range", off, off+int64(len(p)))
	}
	n := copy(m.data[off:], p)
	m.setAllocatedLocked(off, int64(len(p)), true)
	return n, nil
}

func (m *MemNode) WriteZeroesAt(_ context.Context, off, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off+length > int64(len(m.data)) {
		return fmt.Errorf("node: write-zeroes [%d,%d) out of range", off, off+length)
	}
	clear(m.data[off : off+length])
	m.setAllocatedLocked(off, length, true)
	return nil
}

func (m *MemNode) DiscardAt(_ context.Context, off, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off+length > int64(len(m.data)) {
		return fmt.Errorf("node: discard [%d,%d) out of range", off, off+length)
	}
	m.setAllocatedLocked(off, length, false)
	return nil
}

func (m *MemNode) Flush(context.Context) error { return nil }

func (m *MemNode) Size() int64 { return int64(len(m.data)) }

func (m *MemNode) NaturalGranularity() int64 { return m.granularity }

func (m *MemNode) Allocated(_ context.Context, off, length int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := off / m.granularity
	end := (off + length + m.granularity - 1) / m.granularity
	for i := start; i < end && i < int64(len(m.allocated)); i++ {
		if m.allocated[i] {
			return true, nil
		}
	}
	return false, nil
}
