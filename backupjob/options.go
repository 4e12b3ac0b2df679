package backupjob

import (
	"time"

	"github.com/blockbackup/cbw/bitmap"
)

// SyncMode selects which clusters a backup job copies, mirroring
// MirrorSyncMode from original_source/block/backup.c.
type SyncMode int

const (
	// SyncFull copies every cluster regardless of prior state.
	SyncFull SyncMode = iota
	// SyncTop copies only clusters allocated in source, skipping holes.
	SyncTop
	// SyncNone copies nothing proactively; only copy-before-write keeps
	// the target consistent as the guest writes.
	SyncNone
	// SyncBitmap copies only clusters marked dirty in a caller-supplied
	// bitmap.
	SyncBitmap
)

// BitmapMode decides what happens to the sync bitmap when the job ends,
// mirroring BitmapSyncMode.
type BitmapMode int

const (
	// BitmapSyncOnSuccess clears the synced bitmap only if the job
	// completed without error.
	BitmapSyncOnSuccess BitmapMode = iota
	// BitmapSyncNever leaves the bitmap untouched; the job only reads it.
	BitmapSyncNever
	// BitmapSyncAlways clears the bitmap regardless of outcome, merging
	// back whatever the job didn't manage to copy.
	BitmapSyncAlways
)

// ErrorAction decides what a job does when a source or target I/O fails,
// mirroring BlockErrorAction.
type ErrorAction int

const (
	// ErrorReport stops the job and surfaces the error.
	ErrorReport ErrorAction = iota
	// ErrorIgnore logs and continues as if the extent had copied.
	ErrorIgnore
	// ErrorStop pauses the job, awaiting Resume.
	ErrorStop
)

// Option configures a Job at construction time.
type Option func(*jobOptions)

type jobOptions struct {
	id string

	syncMode   SyncMode
	bitmapMode BitmapMode
	syncBitmap *bitmap.Bitmap

	onSourceError ErrorAction
	onTargetError ErrorAction

	speed         uint64
	clusterSize   uint64
	compress      bool
	discardSource bool

	cbwTimeout time.Duration
}

func defaultJobOptions() *jobOptions {
	return &jobOptions{
		syncMode:      SyncFull,
		bitmapMode:    BitmapSyncOnSuccess,
		onSourceError: ErrorReport,
		onTargetError: ErrorReport,
		clusterSize:   DefaultClusterSize,
	}
}

// DefaultClusterSize is BACKUP_CLUSTER_SIZE_DEFAULT: the floor cluster
// size used when the target reports nothing better.
const DefaultClusterSize = 1 << 16

// WithID sets the job's identifier; Create generates a uuid when omitted.
func WithID(id string) Option {
	return func(o *jobOptions) { o.id = id }
}

// WithSyncMode selects the copy strategy.
func WithSyncMode(m SyncMode) Option {
	return func(o *jobOptions) { o.syncMode = m }
}

// WithSyncBitmap supplies the dirty bitmap driving SyncBitmap mode.
func WithSyncBitmap(b *bitmap.Bitmap, mode BitmapMode) Option {
	return func(o *jobOptions) {
		o.syncBitmap = b
		o.bitmapMode = mode
	}
}

// WithErrorActions sets the source/target error policy.
func WithErrorActions(onSource, onTarget ErrorAction) Option {
	return func(o *jobOptions) {
		o.onSourceError = onSource
		o.onTargetError = onTarget
	}
}

// WithSpeed caps the job's throughput in bytes/second; 0 means unlimited.
func WithSpeed(bytesPerSec uint64) Option {
	return func(o *jobOptions) { o.speed = bytesPerSec }
}

// WithClusterSize overrides the floor cluster size derived for the engine.
func WithClusterSize(size uint64) Option {
	return func(o *jobOptions) { o.clusterSize = size }
}

// WithCompress turns on zstd compression of copied payloads.
func WithCompress(c bool) Option {
	return func(o *jobOptions) { o.compress = c }
}

// WithDiscardSource requests the source cluster be discarded after a
// successful copy.
func WithDiscardSource(d bool) Option {
	return func(o *jobOptions) { o.discardSource = d }
}

// WithCBWTimeout bounds how long a guest write waits on copy-before-write.
func WithCBWTimeout(d time.Duration) Option {
	return func(o *jobOptions) { o.cbwTimeout = d }
}
