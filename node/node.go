// Package node provides the block-graph abstraction shared by the block-copy
// engine, the CBW filter and the backup job: a fixed-size, randomly
// addressable extent that can be read, written, zero-filled and discarded.
//
// It generalizes the BackingStore interface (a plain io.ReaderAt+io.Closer
// over either a raw file or a nested image) to the read/write/discard
// surface a copy-before-write filter requires.
package node

import (
	"context"
	"io"
)

// Node is one vertex of the block graph: a source or target disk as seen by
// the copy engine and the CBW filter.
type Node interface {
	io.ReaderAt

	// WriteAt writes p at off, returning the number of bytes written.
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)

	// WriteZeroesAt zero-fills [off, off+length).
	WriteZeroesAt(ctx context.Context, off, length int64) error

	// DiscardAt tells the node that [off, off+length) no longer holds
	// meaningful data.
	DiscardAt(ctx context.Context, off, length int64) error

	// Flush commits any buffered writes.
	Flush(ctx context.Context) error

	// Size returns the node's fixed extent length in bytes.
	Size() int64

	// NaturalGranularity is the node's preferred I/O alignment (e.g. the
	// target's own cluster size); the block-copy engine folds this into its
	// cluster-size derivation.
	NaturalGranularity() int64

	// Allocated reports whether any part of [off, off+length) is backed by
	// real storage on this node. Used by skip_unallocated copy and sync=top.
	Allocated(ctx context.Context, off, length int64) (bool, error)
}

// WriteFlags is the write_flags bitset attached to target writes and to
// filter operations.
type WriteFlags uint32

const (
	FlagFUA WriteFlags = 1 << iota
	FlagSerialising
	FlagCompressed
	FlagWriteUnchanged
	FlagMayUnmap
)

func (f WriteFlags) Has(bit WriteFlags) bool { return f&bit != 0 }
