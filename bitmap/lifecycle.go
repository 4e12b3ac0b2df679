package bitmap

import (
	"fmt"

	"github.com/blockbackup/cbw/node"
)

// CreateSuccessor creates an anonymous child bitmap of identical size and
// granularity, freezes the parent (disabled=true, busy=true) and attaches
// it as b.successor. The child's disabled flag starts equal to the
// parent's value just before freezing, mirroring
// bdrv_dirty_bitmap_create_successor in original_source/block/dirty-bitmap.c.
func (b *Bitmap) CreateSuccessor() (*Bitmap, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busy {
		return nil, node.NewError("bitmap.CreateSuccessor", node.KindBusy, false, nil)
	}
	if b.successor != nil {
		return nil, node.NewError("bitmap.CreateSuccessor", node.KindBusy, false,
			fmt.Errorf("bitmap %q already has a successor", b.name))
	}
	child := &Bitmap{
		sizeBytes:   b.sizeBytes,
		granularity: b.granularity,
		words:       make([]uint64, len(b.words)),
		disabled:    b.disabled,
	}
	b.disabled = true
	b.busy = true
	b.successor = child
	return child, nil
}

// Abdicate transfers b's name and persistent flag to its successor, clears
// them on b, releases b, and returns the successor as the new owner of the
// name. Requires a successor to exist.
func (b *Bitmap) Abdicate() (*Bitmap, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.successor == nil {
		return nil, node.NewError("bitmap.Abdicate", node.KindBadArgument, false,
			fmt.Errorf("bitmap %q has no successor", b.name))
	}
	child := b.successor
	child.mu.Lock()
	child.name = b.name
	child.persistent = b.persistent
	child.mu.Unlock()
	b.name = ""
	b.persistent = false
	b.successor = nil
	return child, nil
}

// Reclaim merges the successor back into b (logical OR), releases the
// successor, and clears b.busy; b.disabled takes the successor's value,
// per bdrv_reclaim_dirty_bitmap_locked.
func (b *Bitmap) Reclaim() (*Bitmap, error) {
	b.mu.Lock()
	if b.successor == nil {
		b.mu.Unlock()
		return nil, node.NewError("bitmap.Reclaim", node.KindBadArgument, false,
			fmt.Errorf("bitmap %q has no successor", b.name))
	}
	child := b.successor
	b.mu.Unlock()

	if err := Merge(b, child, nil); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	child.mu.RLock()
	b.disabled = child.disabled
	child.mu.RUnlock()
	b.busy = false
	b.successor = nil
	return b, nil
}

// Iterator walks the dirty bits of a Bitmap snapshot-style; it holds a
// reference against the bitmap's activeIterators count so Truncate and
// CheckRelease can detect outstanding readers.
type Iterator struct {
	b    *Bitmap
	next uint64
	end  uint64
}

// NewIterator opens an Iterator over the bitmap's full range and
// increments activeIterators. Callers must call Close when done.
func (b *Bitmap) NewIterator() *Iterator {
	b.incIterators()
	return &Iterator{b: b, next: 0, end: b.sizeBytes}
}

func (b *Bitmap) incIterators() {
	b.mu.Lock()
	b.activeIterators++
	b.mu.Unlock()
}

// Close releases the iterator's hold on activeIterators.
func (it *Iterator) Close() {
	it.b.mu.Lock()
	it.b.activeIterators--
	it.b.mu.Unlock()
}

// Next returns the next dirty offset, or ok=false once exhausted.
func (it *Iterator) Next() (offset uint64, ok bool) {
	off, found := it.b.NextDirty(it.next, it.end)
	if !found {
		return 0, false
	}
	it.next = off + it.b.granularity
	return off, true
}
