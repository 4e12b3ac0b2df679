// Package cbwfilter implements the copy-before-write filter: a node that
// sits above a live disk ("source") and a fleecing/backup destination
// ("target"); every guest write first copies the old data it is about to
// overwrite into target, then proceeds against source.
//
// Ported from cbw_do_copy_before_write/cbw_co_preadv_snapshot/
// cbw_co_pdiscard_snapshot in original_source/block/copy-before-write.c. The
// single mutex guarding accessBitmap/doneBitmap/frozenReadReqs mirrors the
// "one mutex per cohesive piece of state, released across I/O" shape
// qcow2.go uses for l1Mu/refcountTableLock.
package cbwfilter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blockbackup/cbw/bitmap"
	"github.com/blockbackup/cbw/blockcopy"
	"github.com/blockbackup/cbw/node"
	"github.com/blockbackup/cbw/reqlist"
)

// Filter is the CBW filter state of the original spec: owned block-copy
// engine plus the access/done bitmap pair and frozen-read tracking needed
// by external fleecing readers.
type Filter struct {
	mu sync.Mutex

	source, target node.Node
	bcs            *blockcopy.Engine

	accessBitmap   *bitmap.Bitmap
	doneBitmap     *bitmap.Bitmap
	frozenReadReqs reqlist.List

	onCbwError    ErrorPolicy
	timeout       time.Duration
	discardSource bool

	snapshotError error

	inFlight int64
}

// Append constructs a Filter above source, backed by target, along with
// the blockcopy.Engine it owns. The returned Engine is exposed so a backup
// job composing the same filter can drive sync_mode-specific bitmap setup.
func Append(source, target node.Node, opts ...Option) (*Filter, *blockcopy.Engine, error) {
	o := defaultFilterOptions()
	for _, opt := range opts {
		opt(o)
	}

	engOpts := append([]blockcopy.Option{blockcopy.WithDiscardSource(o.discardSource)}, o.blockcopy...)
	bcs, err := blockcopy.New(source, target, engOpts...)
	if err != nil {
		return nil, nil, err
	}

	size := uint64(source.Size())
	cluster := bcs.ClusterSize()
	access, err := bitmap.New(size, cluster)
	if err != nil {
		return nil, nil, err
	}
	// access_bitmap starts as a copy of copy_bitmap: every cluster still
	// dirty there is readable by a fleecing client (source still holds the
	// live data). A zero bit denies the read outright, set only once
	// PDiscardSnapshot punches a range out.
	if err := bitmap.Merge(access, bcs.Bitmap(), nil); err != nil {
		return nil, nil, err
	}
	done, err := bitmap.New(size, cluster)
	if err != nil {
		return nil, nil, err
	}

	f := &Filter{
		source:        source,
		target:        target,
		bcs:           bcs,
		accessBitmap:  access,
		doneBitmap:    done,
		onCbwError:    o.onError,
		timeout:       o.timeout,
		discardSource: o.discardSource,
	}
	return f, bcs, nil
}

// Drop waits until no copy-before-write call is in progress. The counter it
// polls covers only CBW calls still inside Copy; a Copy that timed out has
// already returned, so nothing runs on in the background. Drop releases
// nothing else.
func (f *Filter) Drop() {
	for atomic.LoadInt64(&f.inFlight) > 0 {
		time.Sleep(time.Millisecond)
	}
}

// PReadAt delegates to source, unchanged (cbw_co_preadv).
func (f *Filter) PReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	return f.source.ReadAt(p, off)
}

// doCopyBeforeWrite implements cbw_do_copy_before_write.
func (f *Filter) doCopyBeforeWrite(ctx context.Context, off, length int64, flags node.WriteFlags) error {
	if flags.Has(node.FlagWriteUnchanged) {
		return nil
	}

	f.mu.Lock()
	if f.snapshotError != nil {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	cluster := int64(f.bcs.ClusterSize())
	alignedOff := off - off%cluster
	alignedEnd := off + length
	if rem := alignedEnd % cluster; rem != 0 {
		alignedEnd += cluster - rem
	}

	atomic.AddInt64(&f.inFlight, 1)
	err := f.bcs.Copy(ctx, uint64(alignedOff), uint64(alignedEnd-alignedOff), true, f.timeout)
	atomic.AddInt64(&f.inFlight, -1)

	if err != nil {
		if f.onCbwError == BreakGuestWrite {
			return err
		}
		f.mu.Lock()
		if f.snapshotError == nil {
			f.snapshotError = err
		}
		f.mu.Unlock()
		return nil
	}

	f.mu.Lock()
	f.doneBitmap.Set(uint64(alignedOff), uint64(alignedEnd-alignedOff))
	f.frozenReadReqs.WaitAll(ctx, uint64(alignedOff), uint64(alignedEnd-alignedOff), f.mu.Unlock, f.mu.Lock)
	f.mu.Unlock()

	return nil
}

// PWriteAt runs the copy-before-write path, then forwards the write to source.
func (f *Filter) PWriteAt(ctx context.Context, p []byte, off int64, flags node.WriteFlags) (int, error) {
	if err := f.doCopyBeforeWrite(ctx, off, int64(len(p)), flags); err != nil {
		return 0, err
	}
	return f.source.WriteAt(ctx, p, off)
}

// PWriteZeroes runs the copy-before-write path, then zero-fills source.
func (f *Filter) PWriteZeroes(ctx context.Context, off, length int64, flags node.WriteFlags) error {
	if err := f.doCopyBeforeWrite(ctx, off, length, flags); err != nil {
		return err
	}
	return f.source.WriteZeroesAt(ctx, off, length)
}

// PDiscard runs the copy-before-write path, then discards on source.
func (f *Filter) PDiscard(ctx context.Context, off, length int64) error {
	if err := f.doCopyBeforeWrite(ctx, off, length, 0); err != nil {
		return err
	}
	return f.source.DiscardAt(ctx, off, length)
}

// Flush delegates to source.
func (f *Filter) Flush(ctx context.Context) error {
	return f.source.Flush(ctx)
}

// snapshotReadLock implements cbw_snapshot_read_lock: it reports whether
// the given cluster-aligned range may be read by a fleecing client at all
// (access_bitmap), and whether it has already been copied to target
// (done_bitmap). When not yet done it registers a frozen_read_reqs entry so
// a concurrent copy-before-write, once its copy to target has finished,
// waits for the read before letting its guest write reach source.
func (f *Filter) snapshotReadLock(off, length uint64) (allowed, fromTarget bool, req *reqlist.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for b := off; b < off+length; {
		ok, _ := f.accessBitmap.Get(b)
		if !ok {
			return false, false, nil
		}
		b += f.bcs.ClusterSize()
	}

	done := true
	for b := off; b < off+length; {
		ok, _ := f.doneBitmap.Get(b)
		if !ok {
			done = false
			break
		}
		b += f.bcs.ClusterSize()
	}
	if done {
		return true, true, nil
	}

	return true, false, f.frozenReadReqs.Insert(off, length)
}

func (f *Filter) snapshotReadUnlock(req *reqlist.Request) {
	if req == nil {
		return
	}
	f.mu.Lock()
	f.frozenReadReqs.Remove(req)
	f.mu.Unlock()
}

// PReadSnapshot serves a fleecing client's read of the point-in-time image:
// a zero accessBitmap bit refuses a range a client has punched out via
// PDiscardSnapshot, doneBitmap routes already-copied clusters to target,
// everything else reads from source under a frozen_read_reqs entry so a
// racing copy-before-write waits for it. Once a BreakSnapshot failure has
// recorded the sticky snapshot error, every read fails with that error.
func (f *Filter) PReadSnapshot(ctx context.Context, p []byte, off int64) (int, error) {
	f.mu.Lock()
	serr := f.snapshotError
	f.mu.Unlock()
	if serr != nil {
		return 0, serr
	}

	cluster := int64(f.bcs.ClusterSize())
	alignedOff := off - off%cluster
	alignedEnd := off + int64(len(p))
	if rem := alignedEnd % cluster; rem != 0 {
		alignedEnd += cluster - rem
	}

	allowed, fromTarget, req := f.snapshotReadLock(uint64(alignedOff), uint64(alignedEnd-alignedOff))
	if !allowed {
		return 0, node.NewError("cbwfilter.PReadSnapshot", node.KindPermissionDenied, true, nil)
	}
	defer f.snapshotReadUnlock(req)

	if fromTarget {
		return f.target.ReadAt(p, off)
	}
	return f.source.ReadAt(p, off)
}

// PDiscardSnapshot implements cbw_co_pdiscard_snapshot: it narrows
// [off, off+length) inward to whole clusters, then resets the
// corresponding access_bitmap range to deny reads and resets the engine's
// copy_bitmap range, and discards target, so a later PReadSnapshot over the
// same range is refused instead of serving stale data.
func (f *Filter) PDiscardSnapshot(ctx context.Context, off, length int64) error {
	cluster := int64(f.bcs.ClusterSize())
	alignedOff := off
	if rem := alignedOff % cluster; rem != 0 {
		alignedOff += cluster - rem
	}
	alignedEnd := off + length
	if rem := alignedEnd % cluster; rem != 0 {
		alignedEnd -= rem
	}
	if alignedEnd <= alignedOff {
		return nil
	}

	f.mu.Lock()
	f.accessBitmap.Reset(uint64(alignedOff), uint64(alignedEnd-alignedOff))
	f.bcs.Reset(uint64(alignedOff), uint64(alignedEnd-alignedOff))
	f.mu.Unlock()

	return f.target.DiscardAt(ctx, alignedOff, alignedEnd-alignedOff)
}

// SnapshotBlockStatus reports, for the cluster containing off, whether a
// fleecing client would read allocated data and whether that data comes
// from target (already copied) or source (not yet copied, still live).
// Once the sticky snapshot error is set, it fails with that error.
func (f *Filter) SnapshotBlockStatus(ctx context.Context, off, length int64) (allocated bool, fromTarget bool, err error) {
	cluster := int64(f.bcs.ClusterSize())
	alignedOff := off - off%cluster

	f.mu.Lock()
	serr := f.snapshotError
	readable, _ := f.accessBitmap.Get(uint64(alignedOff))
	done, _ := f.doneBitmap.Get(uint64(alignedOff))
	f.mu.Unlock()

	if serr != nil {
		return false, false, serr
	}

	if !readable {
		return false, false, node.NewError("cbwfilter.SnapshotBlockStatus", node.KindPermissionDenied, true, nil)
	}
	if done {
		ok, aerr := f.target.Allocated(ctx, alignedOff, cluster)
		return ok, true, aerr
	}
	ok, aerr := f.source.Allocated(ctx, alignedOff, cluster)
	return ok, false, aerr
}
