// Package bitmap implements the dirty-bitmap component of the backup
// subsystem: a per-node set of dirty regions with a successor/freeze
// lifecycle, directly generalizing freeClusterBitmap's free-cluster
// bitmap from "which clusters are free" to "which regions are dirty and
// need copying".
package bitmap

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/blockbackup/cbw/node"
)

// Bitmap is a dirty-region tracker over granularity-sized cells spanning
// [0, sizeBytes). It carries the lifecycle fields a dirty bitmap needs:
// disabled/busy/readonly/persistent/inconsistent/skipStore, plus an
// optional successor that freezes the parent while it exists.
type Bitmap struct {
	mu sync.RWMutex

	name        string
	sizeBytes   uint64
	granularity uint64
	words       []uint64

	disabled     bool
	busy         bool
	readonly     bool
	persistent   bool
	inconsistent bool
	skipStore    bool

	successor *Bitmap

	activeIterators int32
}

// New creates a Bitmap covering sizeBytes at the given granularity.
// granularity must be a power of two; sizeBytes need not be aligned to it;
// the trailing partial cell is tracked like any other.
func New(sizeBytes, granularity uint64, opts ...Option) (*Bitmap, error) {
	if granularity == 0 || granularity&(granularity-1) != 0 {
		return nil, node.NewError("bitmap.New", node.KindBadArgument, false,
			fmt.Errorf("granularity %d is not a power of two", granularity))
	}
	o := defaultBitmapOptions()
	for _, opt := range opts {
		opt(o)
	}
	if len(o.name) > MaxNameLength {
		return nil, node.NewError("bitmap.New", node.KindBadArgument, false,
			fmt.Errorf("name %q exceeds %d bytes", o.name, MaxNameLength))
	}
	cells := (sizeBytes + granularity - 1) / granularity
	words := (cells + 63) / 64
	return &Bitmap{
		name:        o.name,
		sizeBytes:   sizeBytes,
		granularity: granularity,
		words:       make([]uint64, words),
		persistent:  o.persistent,
		disabled:    o.disabled,
	}, nil
}

func (b *Bitmap) cellOf(off uint64) uint64 { return off / b.granularity }

func (b *Bitmap) numCells() uint64 { return (b.sizeBytes + b.granularity - 1) / b.granularity }

// Name returns the bitmap's user-visible name, empty for an anonymous
// bitmap (e.g. a freshly created successor).
func (b *Bitmap) Name() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.name
}

// Granularity returns the bitmap's cell size in bytes.
func (b *Bitmap) Granularity() uint64 { return b.granularity }

// Size returns the covered address range in bytes.
func (b *Bitmap) Size() uint64 { return b.sizeBytes }

// Set marks [off, off+length) dirty. off and length must be multiples of
// the bitmap's granularity.
func (b *Bitmap) Set(off, length uint64) error {
	return b.setRange("bitmap.Set", off, length, true)
}

// Reset clears [off, off+length).
func (b *Bitmap) Reset(off, length uint64) error {
	return b.setRange("bitmap.Reset", off, length, false)
}

func (b *Bitmap) setRange(op string, off, length uint64, value bool) error {
	if off%b.granularity != 0 || length%b.granularity != 0 {
		return node.NewError(op, node.KindBadArgument, false,
			fmt.Errorf("range [%d,%d) not aligned to granularity %d", off, off+length, b.granularity))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readonly {
		return node.NewError(op, node.KindReadOnly, false, nil)
	}
	start := b.cellOf(off)
	end := b.cellOf(off + length)
	for c := start; c < end && c < b.numCells(); c++ {
		wordIdx := c / 64
		bitIdx := c % 64
		if value {
			b.words[wordIdx] |= 1 << bitIdx
		} else {
			b.words[wordIdx] &^= 1 << bitIdx
		}
	}
	return nil
}

// Get reports whether the cell containing off is dirty.
func (b *Bitmap) Get(off uint64) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c := b.cellOf(off)
	if c >= b.numCells() {
		return false, node.NewError("bitmap.Get", node.KindBadArgument, false,
			fmt.Errorf("offset %d out of range", off))
	}
	return b.words[c/64]&(1<<(c%64)) != 0, nil
}

// Count returns the number of dirty bits.
func (b *Bitmap) Count() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n uint64
	for _, w := range b.words {
		n += uint64(bits.OnesCount64(w))
	}
	return n
}

// NextDirty returns the offset of the next dirty cell at or after off,
// within [off, limit). ok is false if none exists.
func (b *Bitmap) NextDirty(off, limit uint64) (uint64, bool) {
	return b.nextBit(off, limit, true)
}

// NextZero returns the offset of the next clean cell at or after off,
// within [off, limit).
func (b *Bitmap) NextZero(off, limit uint64) (uint64, bool) {
	return b.nextBit(off, limit, false)
}

func (b *Bitmap) nextBit(off, limit uint64, want bool) (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := b.numCells()
	endCell := total
	if limit/b.granularity < endCell {
		endCell = limit / b.granularity
	}
	for c := b.cellOf(off); c < endCell; c++ {
		set := b.words[c/64]&(1<<(c%64)) != 0
		if set == want {
			return c * b.granularity, true
		}
	}
	return 0, false
}

// NextDirtyArea finds the next run of dirty cells starting at or after off,
// bounded by limit, returning its start offset and byte length.
func (b *Bitmap) NextDirtyArea(off, limit uint64) (start, length uint64, ok bool) {
	s, found := b.NextDirty(off, limit)
	if !found {
		return 0, 0, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := b.numCells()
	endCell := total
	if limit/b.granularity < endCell {
		endCell = limit / b.granularity
	}
	c := b.cellOf(s)
	for c < endCell && b.words[c/64]&(1<<(c%64)) != 0 {
		c++
	}
	return s, c*b.granularity - s, true
}

// Merge OR-combines src into dest, optionally cloning dest into backup
// first. Both bitmaps must share size_bytes and dest must not be readonly
// or either side inconsistent.
func Merge(dest, src, backup *Bitmap) error {
	if dest.sizeBytes != src.sizeBytes {
		return node.NewError("bitmap.Merge", node.KindBadArgument, false,
			fmt.Errorf("size mismatch: dest=%d src=%d", dest.sizeBytes, src.sizeBytes))
	}
	dest.mu.Lock()
	defer dest.mu.Unlock()
	src.mu.RLock()
	defer src.mu.RUnlock()
	if dest.readonly {
		return node.NewError("bitmap.Merge", node.KindReadOnly, false, nil)
	}
	if dest.inconsistent || src.inconsistent {
		return node.NewError("bitmap.Merge", node.KindInconsistent, false, nil)
	}
	if backup != nil {
		backup.mu.Lock()
		backup.words = append([]uint64(nil), dest.words...)
		backup.mu.Unlock()
	}
	for i, w := range src.words {
		dest.words[i] |= w
	}
	return nil
}

// Truncate resizes every bitmap in bitmaps to newSize. Every bitmap must be
// idle: not busy, no successor, zero active iterators.
func Truncate(bitmaps []*Bitmap, newSize uint64) error {
	for _, b := range bitmaps {
		b.mu.Lock()
		if b.busy || b.successor != nil || atomic.LoadInt32(&b.activeIterators) != 0 {
			b.mu.Unlock()
			return node.NewError("bitmap.Truncate", node.KindBusy, false,
				fmt.Errorf("bitmap %q is busy, has a successor, or has active iterators", b.name))
		}
		b.mu.Unlock()
	}
	for _, b := range bitmaps {
		b.mu.Lock()
		cells := (newSize + b.granularity - 1) / b.granularity
		words := (cells + 63) / 64
		if words > uint64(len(b.words)) {
			grown := make([]uint64, words)
			copy(grown, b.words)
			b.words = grown
		} else {
			b.words = b.words[:words]
		}
		b.sizeBytes = newSize
		b.mu.Unlock()
	}
	return nil
}
