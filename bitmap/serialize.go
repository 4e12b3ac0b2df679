package bitmap

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/blockbackup/cbw/node"
)

// SerializationCoverage returns how many bytes of bitmap address range a
// single chunkSize-byte wire chunk covers at the given granularity,
// generalizing bitmaps.go's on-disk table/byte layout math
// (bits-per-byte * granularity) to a flat word stream instead of a qcow2
// bitmap table.
func SerializationCoverage(granularity uint64, chunkSize int) uint64 {
	return uint64(chunkSize) * 8 * granularity
}

// SerializePart writes the bitmap's bits covering [off, off+length) to w as
// a big-endian uint64 word stream, the same byte-order convention
// bitmaps.go uses for on-disk tables.
func (b *Bitmap) SerializePart(w io.Writer, off, length uint64) error {
	if off%b.granularity != 0 || length%b.granularity != 0 {
		return node.NewError("bitmap.SerializePart", node.KindBadArgument, false,
			fmt.Errorf("range [%d,%d) not aligned to granularity %d", off, off+length, b.granularity))
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	startWord := b.cellOf(off) / 64
	endWord := (b.cellOf(off+length) + 63) / 64
	if endWord > uint64(len(b.words)) {
		endWord = uint64(len(b.words))
	}
	buf := make([]byte, 8)
	for i := startWord; i < endWord; i++ {
		binary.BigEndian.PutUint64(buf, b.words[i])
		if _, err := w.Write(buf); err != nil {
			return node.NewError("bitmap.SerializePart", node.KindIoWrite, false, err)
		}
	}
	return nil
}

// DeserializePart reads a word stream written by SerializePart back into
// [off, off+length), overwriting any existing bits there.
func (b *Bitmap) DeserializePart(r io.Reader, off, length uint64) error {
	if off%b.granularity != 0 || length%b.granularity != 0 {
		return node.NewError("bitmap.DeserializePart", node.KindBadArgument, false,
			fmt.Errorf("range [%d,%d) not aligned to granularity %d", off, off+length, b.granularity))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readonly {
		return node.NewError("bitmap.DeserializePart", node.KindReadOnly, false, nil)
	}
	startWord := b.cellOf(off) / 64
	endWord := (b.cellOf(off+length) + 63) / 64
	if endWord > uint64(len(b.words)) {
		endWord = uint64(len(b.words))
	}
	buf := make([]byte, 8)
	for i := startWord; i < endWord; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return node.NewError("bitmap.DeserializePart", node.KindIoRead, true, err)
		}
		b.words[i] = binary.BigEndian.Uint64(buf)
	}
	return nil
}
