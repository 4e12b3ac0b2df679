// Package blockcopy implements the block-copy engine: the component that
// walks a dirty bitmap and moves cluster-sized extents from a source node
// to a target node, deduplicating concurrent copies of the same range via
// an in-flight request list.
//
// Public surface follows block_copy_state_new/_set_progress_callback/
// _reset_unallocated/block_copy from include/block/block-copy.h; the
// per-copy scratch buffer reuses the clusterPool sync.Pool /
// getClusterBuffer/putClusterBuffer idiom from qcow2.go.
package blockcopy

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/blockbackup/cbw/bitmap"
	"github.com/blockbackup/cbw/node"
	"github.com/blockbackup/cbw/reqlist"
)

func atomicIncr(v *int64) { atomic.AddInt64(v, 1) }
func atomicDecr(v *int64) { atomic.AddInt64(v, -1) }

// ProgressMeter is a sink for cumulative byte counts, installed via
// SetProgressMeter; backupjob uses it to drive its rate limiter.
type ProgressMeter interface {
	AddProgress(bytes uint64)
}

// Engine is the block-copy state: a cluster_size, a copy_bitmap, and an
// in-flight request list guarding concurrent copies of the same cluster.
type Engine struct {
	mu sync.Mutex

	source, target node.Node

	clusterSize uint64
	copyBitmap  *bitmap.Bitmap
	inFlight    reqlist.List

	discardSource    bool
	skipUnallocated  bool
	writeFlags       WriteFlags
	copySize         uint64
	inFlightCounter  int64

	progressCb    func(n uint64)
	progressMeter ProgressMeter

	clusterPool sync.Pool
}

func roundUpPow2(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	p := uint64(1)
	for p < v {
		p <<= 1
	}
	return p
}

// New creates an Engine. cluster_size is derived as
// max(minClusterSize, target.NaturalGranularity(), SectorSize), rounded up
// to a power of two. If WithBitmap is given, copy_bitmap starts as a copy
// of that bitmap's dirty set; otherwise copy_bitmap starts all-ones over
// source.Size().
func New(source, target node.Node, opts ...Option) (*Engine, error) {
	o := defaultEngineOptions()
	for _, opt := range opts {
		opt(o)
	}

	cluster := o.minClusterSize
	if target.NaturalGranularity() > cluster {
		cluster = target.NaturalGranularity()
	}
	if cluster < SectorSize {
		cluster = SectorSize
	}
	cluster = roundUpPow2(cluster)

	size := uint64(source.Size())
	cb, err := bitmap.New(size, cluster)
	if err != nil {
		return nil, node.NewError("blockcopy.New", node.KindBadArgument, false, err)
	}
	if o.bitmap != nil {
		if err := bitmap.Merge(cb, o.bitmap, nil); err != nil {
			return nil, err
		}
	} else {
		if err := cb.Set(0, size); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		source:        source,
		target:        target,
		clusterSize:   cluster,
		copyBitmap:    cb,
		discardSource: o.discardSource,
		writeFlags:    o.writeFlags,
		copySize:      o.copySize,
	}
	e.clusterPool.New = func() any { return make([]byte, cluster) }
	return e, nil
}

// SetProgressCallback installs fn to be invoked with the number of bytes
// read from source for every extent copied.
func (e *Engine) SetProgressCallback(fn func(bytes uint64)) {
	e.mu.Lock()
	e.progressCb = fn
	e.mu.Unlock()
}

// SetProgressMeter installs an additional cumulative progress sink.
func (e *Engine) SetProgressMeter(pm ProgressMeter) {
	e.mu.Lock()
	e.progressMeter = pm
	e.mu.Unlock()
}

// InFlight returns the number of extents currently reserved by a running
// Copy. Copy releases its count before it returns, on success, on error and
// on timeout alike, so a Copy that timed out leaves nothing counted here and
// no target write continues after it returns.
func (e *Engine) InFlight() int64 {
	return atomic.LoadInt64(&e.inFlightCounter)
}

// ClusterSize returns the engine's fixed cluster size.
func (e *Engine) ClusterSize() uint64 { return e.clusterSize }

// Bitmap returns the engine's copy_bitmap.
func (e *Engine) Bitmap() *bitmap.Bitmap { return e.copyBitmap }

// SetSkipUnallocated toggles skip_unallocated: when true, clusters found
// unallocated in the source at copy time are skipped (bit cleared, no I/O).
func (e *Engine) SetSkipUnallocated(b bool) {
	e.mu.Lock()
	e.skipUnallocated = b
	e.mu.Unlock()
}

// Reset unconditionally clears copy_bitmap over [off, off+length),
// regardless of in-flight copies; callers are responsible for this being
// semantically safe.
func (e *Engine) Reset(off, length uint64) {
	e.copyBitmap.Reset(off, length)
}

// ResetUnallocated queries the source's allocation map starting at off;
// count reports the length of the extent, cluster by cluster and capped at
// the copy size, whose allocation status matches the cluster at off. If
// that extent is unallocated in the source, the corresponding copy_bitmap
// range is cleared. It reports success even when nothing needed clearing.
func (e *Engine) ResetUnallocated(ctx context.Context, off uint64) (count uint64, err error) {
	limit := uint64(e.source.Size()) - off
	if limit > e.copySize {
		limit = e.copySize
	}
	var allocated bool
	for count < limit {
		step := min(e.clusterSize, limit-count)
		a, err := e.source.Allocated(ctx, int64(off+count), int64(step))
		if err != nil {
			return 0, node.NewError("blockcopy.ResetUnallocated", node.KindIoRead, true, err)
		}
		if count > 0 && a != allocated {
			break
		}
		allocated = a
		count += step
	}
	if !allocated {
		e.copyBitmap.Reset(off, count)
	}
	return count, nil
}

func (e *Engine) getBuffer() []byte {
	buf, _ := e.clusterPool.Get().([]byte)
	return buf
}

func (e *Engine) putBuffer(buf []byte) {
	e.clusterPool.Put(buf) //nolint:staticcheck // []byte underlying array is heap-allocated
}

// Copy is the heart of the engine: it aligns [off, off+length) outward to
// cluster_size, then walks the dirty runs of copy_bitmap within that range,
// reserving, reading and writing each extent in turn.
func (e *Engine) Copy(ctx context.Context, off, length uint64, isWriteNotifier bool, timeout time.Duration) error {
	const op = "blockcopy.Copy"

	start := off - off%e.clusterSize
	end := off + length
	if rem := end % e.clusterSize; rem != 0 {
		end += e.clusterSize - rem
	}

	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		e.mu.Lock()
		a, n, ok := e.copyBitmap.NextDirtyArea(start, end)
		if !ok {
			e.mu.Unlock()
			return nil
		}
		b := a + n

		// The foreground CBW path (isWriteNotifier=true) and the background
		// job loop both wait on the same in-flight list before reserving a
		// range: a prior copy may clear the bitmap bits this one was about
		// to reserve.
		if e.inFlight.WaitOne(ctx, a, b-a, e.mu.Unlock, e.mu.Lock) {
			e.mu.Unlock()
			if ctx.Err() != nil {
				return node.NewError(op, node.KindTimeout, false, ctx.Err())
			}
			continue
		}

		r := e.inFlight.Insert(a, b-a)
		atomicIncr(&e.inFlightCounter)

		if e.skipUnallocated {
			allocated, err := e.source.Allocated(ctx, int64(a), int64(b-a))
			if err != nil {
				e.inFlight.Remove(r)
				atomicDecr(&e.inFlightCounter)
				e.mu.Unlock()
				return node.NewError(op, node.KindIoRead, true, err)
			}
			if !allocated {
				e.copyBitmap.Reset(a, b-a)
				e.reportProgress(b - a)
				e.inFlight.Remove(r)
				atomicDecr(&e.inFlightCounter)
				e.mu.Unlock()
				continue
			}
		}

		extentLen := b - a
		if extentLen > e.copySize {
			extentLen = e.copySize
			e.inFlight.Shrink(r, extentLen)
		}
		e.mu.Unlock()

		buf := e.getBuffer()
		if uint64(cap(buf)) < extentLen {
			buf = make([]byte, extentLen)
		}
		buf = buf[:extentLen]

		n, rerr := e.source.ReadAt(buf, int64(a))
		if rerr != nil && uint64(n) < extentLen {
			e.mu.Lock()
			e.inFlight.Remove(r)
			atomicDecr(&e.inFlightCounter)
			e.mu.Unlock()
			e.putBuffer(buf)
			return node.NewError(op, node.KindIoRead, true, rerr)
		}

		flags := e.writeFlags
		payload := buf
		if flags.Has(FlagCompressed) {
			compressed, cerr := compressPayload(buf)
			if cerr == nil {
				payload = compressed
			}
		}

		if _, werr := e.target.WriteAt(ctx, payload, int64(a)); werr != nil {
			e.mu.Lock()
			e.inFlight.Remove(r)
			atomicDecr(&e.inFlightCounter)
			e.mu.Unlock()
			e.putBuffer(buf)
			return node.NewError(op, node.KindIoWrite, false, werr)
		}
		e.putBuffer(buf)

		e.mu.Lock()
		e.copyBitmap.Reset(a, extentLen)
		if e.discardSource {
			e.source.DiscardAt(ctx, int64(a), int64(extentLen))
		}
		e.inFlight.Remove(r)
		atomicDecr(&e.inFlightCounter)
		e.mu.Unlock()

		e.reportProgress(extentLen)

		select {
		case <-ctx.Done():
			return node.NewError(op, node.KindTimeout, false, ctx.Err())
		default:
		}
	}
}

func (e *Engine) reportProgress(n uint64) {
	e.mu.Lock()
	cb := e.progressCb
	pm := e.progressMeter
	e.mu.Unlock()
	if cb != nil {
		cb(n)
	}
	if pm != nil {
		pm.AddProgress(n)
	}
}

func compressPayload(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	enc, err := zstd.NewWriter(&out)
	if err != nil {
		return nil, fmt.Errorf("blockcopy: zstd writer: %w", err)
	}
	if _, err := enc.Write(buf); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
