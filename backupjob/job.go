// Package backupjob implements the backup job: the component that drives a
// block-copy engine and a copy-before-write filter together to produce a
// point-in-time copy of a disk while the guest keeps writing to it.
//
// Ported from original_source/block/backup.c (backup_job_create,
// backup_run, backup_loop, backup_do_cow, backup_init_bcs_bitmap,
// backup_cleanup_sync_bitmap, yield_and_check, backup_error_action).
package backupjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/blockbackup/cbw/bitmap"
	"github.com/blockbackup/cbw/blockcopy"
	"github.com/blockbackup/cbw/cbwfilter"
	"github.com/blockbackup/cbw/node"
)

// Job is a running (or paused, or finished) backup from source to target.
type Job struct {
	id string

	source, target node.Node
	filter          *cbwfilter.Filter
	engine          *blockcopy.Engine

	syncMode   SyncMode
	bitmapMode BitmapMode
	syncBitmap *bitmap.Bitmap

	onSourceError ErrorAction
	onTargetError ErrorAction

	limiter   rateLimiter
	bytesRead uint64

	logger *slog.Logger

	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}

	cancel context.CancelFunc
}

// Create builds a Job wired to a fresh cbwfilter.Filter and the
// blockcopy.Engine it owns, without starting it.
func Create(source, target node.Node, opts ...Option) (*Job, error) {
	o := defaultJobOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.syncMode == SyncBitmap && o.syncBitmap == nil {
		return nil, node.NewError("backupjob.Create", node.KindBadArgument, false,
			fmt.Errorf("sync mode Bitmap requires WithSyncBitmap"))
	}
	if o.syncBitmap != nil && o.bitmapMode != BitmapSyncNever {
		if _, err := o.syncBitmap.CreateSuccessor(); err != nil {
			return nil, err
		}
	}

	id := o.id
	if id == "" {
		id = uuid.NewString()
	}

	var writeFlags blockcopy.WriteFlags
	if o.compress {
		writeFlags |= blockcopy.FlagCompressed
	}

	filterOpts := []cbwfilter.Option{
		cbwfilter.WithTimeout(o.cbwTimeout),
		cbwfilter.WithDiscardSource(o.discardSource),
		cbwfilter.WithEngineOptions(
			blockcopy.WithMinClusterSize(o.clusterSize),
			blockcopy.WithWriteFlags(writeFlags),
		),
	}
	filter, engine, err := cbwfilter.Append(source, target, filterOpts...)
	if err != nil {
		return nil, err
	}

	j := &Job{
		id:            id,
		source:        source,
		target:        target,
		filter:        filter,
		engine:        engine,
		syncMode:      o.syncMode,
		bitmapMode:    o.bitmapMode,
		syncBitmap:    o.syncBitmap,
		onSourceError: o.onSourceError,
		onTargetError: o.onTargetError,
		logger:        slog.Default().With("job", id),
		resumeCh:      make(chan struct{}),
	}
	j.limiter.setSpeed(o.speed, 100*time.Millisecond)
	engine.SetProgressMeter(j)
	return j, nil
}

// AddProgress implements blockcopy.ProgressMeter.
func (j *Job) AddProgress(n uint64) {
	atomic.AddUint64(&j.bytesRead, n)
}

// ID returns the job's identifier.
func (j *Job) ID() string { return j.id }

// Filter returns the copy-before-write filter the job's guest writes must
// be routed through.
func (j *Job) Filter() *cbwfilter.Filter { return j.filter }

// initBitmap implements backup_init_bcs_bitmap: it seeds the engine's
// copy_bitmap according to sync mode before the first copy runs.
func (j *Job) initBitmap(ctx context.Context) error {
	size := uint64(j.source.Size())
	switch j.syncMode {
	case SyncBitmap:
		j.engine.Bitmap().Reset(0, size)
		if err := bitmap.Merge(j.engine.Bitmap(), j.syncBitmap, nil); err != nil {
			return err
		}
	case SyncTop:
		j.engine.SetSkipUnallocated(true)
		j.engine.Bitmap().Set(0, size)
	default:
		j.engine.Bitmap().Set(0, size)
	}
	return nil
}

// yieldAndCheck implements yield_and_check: it sleeps out whatever the
// rate limiter demands for the bytes read so far, then reports whether the
// job was cancelled while sleeping.
func (j *Job) yieldAndCheck(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}

	j.mu.Lock()
	for j.paused {
		resumeCh := j.resumeCh
		j.mu.Unlock()
		select {
		case <-resumeCh:
		case <-ctx.Done():
			return true
		}
		j.mu.Lock()
	}
	j.mu.Unlock()

	n := atomic.SwapUint64(&j.bytesRead, 0)
	delay := j.limiter.calculate(n)
	if delay <= 0 {
		return ctx.Err() != nil
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return true
	}
	return ctx.Err() != nil
}

// backupLoop implements backup_loop: it walks the dirty extents of
// copy_bitmap in cluster-sized steps, copying each and retrying per the
// source/target error policy.
func (j *Job) backupLoop(ctx context.Context) error {
	cluster := j.engine.ClusterSize()
	size := uint64(j.source.Size())

	for off := uint64(0); off < size; {
		start, _, ok := j.engine.Bitmap().NextDirtyArea(off, size)
		if !ok {
			break
		}
		off = start

		for {
			if j.yieldAndCheck(ctx) {
				return context.Canceled
			}

			err := j.engine.Copy(ctx, off, cluster, false, 0)
			if err == nil {
				break
			}

			action := j.errorAction(err)
			switch action {
			case ErrorIgnore:
				j.logger.Warn("backup cluster copy failed, ignoring", "offset", off, "err", err)
				break
			case ErrorStop:
				j.logger.Warn("backup cluster copy failed, pausing", "offset", off, "err", err)
				j.Pause()
				continue
			default:
				return err
			}
			break
		}

		off += cluster
	}
	return nil
}

func (j *Job) errorAction(err error) ErrorAction {
	isRead := false
	var nerr *node.Error
	if errors.As(err, &nerr) {
		isRead = nerr.IsRead
	}
	if isRead {
		return j.onSourceError
	}
	return j.onTargetError
}

// Run drives the job to completion (or cancellation). SyncNone mode never
// returns until ctx is cancelled, since all copying happens through the
// filter's copy-before-write path as guest writes arrive.
func (j *Job) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	j.mu.Lock()
	j.cancel = cancel
	j.mu.Unlock()
	defer cancel()

	if err := j.initBitmap(ctx); err != nil {
		return err
	}

	if j.syncMode == SyncTop {
		size := uint64(j.source.Size())
		for off := uint64(0); off < size; {
			if j.yieldAndCheck(ctx) {
				return context.Canceled
			}
			count, err := j.engine.ResetUnallocated(ctx, off)
			if err != nil {
				return err
			}
			off += count
		}
		j.engine.SetSkipUnallocated(false)
	}

	var runErr error
	if j.syncMode == SyncNone {
		<-ctx.Done()
		if !errors.Is(ctx.Err(), context.Canceled) {
			runErr = ctx.Err()
		}
	} else {
		runErr = j.backupLoop(ctx)
	}

	j.cleanupSyncBitmap(runErr)
	return runErr
}

// cleanupSyncBitmap implements backup_cleanup_sync_bitmap: on success (or
// BitmapSyncAlways) the caller's sync bitmap is abdicated to its successor;
// on failure with BitmapSyncAlways the engine's still-dirty copy_bitmap is
// merged back into that successor so the clusters the run never reached
// stay marked for the next incremental pass. Otherwise the successor is
// reclaimed back into the parent so nothing is lost. BitmapSyncNever never
// created a successor (see Create), so it has nothing to clean up here.
func (j *Job) cleanupSyncBitmap(runErr error) {
	if j.syncBitmap == nil || j.bitmapMode == BitmapSyncNever {
		return
	}

	if runErr == nil || j.bitmapMode == BitmapSyncAlways {
		child, err := j.syncBitmap.Abdicate()
		if err != nil {
			j.logger.Error("sync bitmap abdicate failed", "err", err)
			return
		}
		if runErr != nil && j.bitmapMode == BitmapSyncAlways {
			if err := bitmap.Merge(child, j.engine.Bitmap(), nil); err != nil {
				j.logger.Error("sync bitmap re-merge after failure failed", "err", err)
			}
		}
		j.syncBitmap = child
	} else {
		if _, err := j.syncBitmap.Reclaim(); err != nil {
			j.logger.Error("sync bitmap reclaim failed", "err", err)
		}
	}
}

// Checkpoint implements backup_do_checkpoint: valid only in SyncNone mode,
// it re-marks the whole disk dirty so a subsequent incremental pass (or
// another job reusing this bitmap) copies it again.
func (j *Job) Checkpoint() error {
	if j.syncMode != SyncNone {
		return node.NewError("backupjob.Checkpoint", node.KindUnsupported, false,
			fmt.Errorf("checkpoint is only supported in sync=none mode"))
	}
	return j.engine.Bitmap().Set(0, uint64(j.source.Size()))
}

// Pause stops backupLoop from issuing further copies until Resume is called.
func (j *Job) Pause() {
	j.mu.Lock()
	j.paused = true
	j.mu.Unlock()
}

// Resume releases a paused job.
func (j *Job) Resume() {
	j.mu.Lock()
	if j.paused {
		j.paused = false
		close(j.resumeCh)
		j.resumeCh = make(chan struct{})
	}
	j.mu.Unlock()
}

// Cancel stops the job; Run returns once the current copy step finishes.
func (j *Job) Cancel() {
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Progress reports how many bytes of the disk are no longer dirty in the
// engine's copy_bitmap (done) against the total disk size.
func (j *Job) Progress() (done, total uint64) {
	total = uint64(j.source.Size())
	remaining := j.engine.Bitmap().Count() * j.engine.Bitmap().Granularity()
	if remaining > total {
		remaining = total
	}
	return total - remaining, total
}
