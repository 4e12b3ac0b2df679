package backupjob

import (
	"context"
	"testing"
	"time"

	"github.com/blockbackup/cbw/bitmap"
	"github.com/blockbackup/cbw/node"
)

// failingTargetNode fails WriteAt at and beyond failAt, to force a backup
// loop error partway through.
type failingTargetNode struct {
	*node.MemNode
	failAt int64
}

func (f *failingTargetNode) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off >= f.failAt {
		return 0, node.NewError("test.WriteAt", node.KindIoWrite, false, nil)
	}
	return f.MemNode.WriteAt(ctx, p, off)
}

func TestRunFullSyncCopiesEverything(t *testing.T) {
	src := node.NewMemNode(4096*4, 4096)
	src.Fill(0x55)
	dst := node.NewMemNode(4096*4, 4096)

	job, err := Create(src, dst, WithSyncMode(SyncFull), WithClusterSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	buf := make([]byte, 4096*4)
	dst.ReadAt(buf, 0)
	for _, b := range buf {
		if b != 0x55 {
			t.Fatalf("expected full sync to copy every cluster, got %x", b)
		}
	}

	done, total := job.Progress()
	if done != total {
		t.Fatalf("expected progress done == total after full sync, got %d/%d", done, total)
	}
}

func TestRunTopSyncSkipsUnallocated(t *testing.T) {
	src := node.NewMemNode(4096*4, 4096)
	src.Fill(0x66)
	src.MarkUnallocated(4096, 4096)
	dst := node.NewMemNode(4096*4, 4096)

	job, err := Create(src, dst, WithSyncMode(SyncTop), WithClusterSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	buf := make([]byte, 4096)
	dst.ReadAt(buf, 0)
	for _, b := range buf {
		if b != 0x66 {
			t.Fatalf("expected allocated cluster copied, got %x", b)
		}
	}
}

func TestRunBitmapSyncOnlyCopiesDirtyBits(t *testing.T) {
	src := node.NewMemNode(4096*4, 4096)
	src.Fill(0x77)
	dst := node.NewMemNode(4096*4, 4096)

	bm, err := bitmap.New(4096*4, 4096)
	if err != nil {
		t.Fatalf("bitmap.New: %v", err)
	}
	if err := bm.Set(4096*2, 4096); err != nil {
		t.Fatalf("Set: %v", err)
	}

	job, err := Create(src, dst, WithSyncMode(SyncBitmap), WithSyncBitmap(bm, BitmapSyncOnSuccess), WithClusterSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	buf := make([]byte, 4096)
	dst.ReadAt(buf, 4096*2)
	for _, b := range buf {
		if b != 0x77 {
			t.Fatalf("expected dirty-bitmap cluster copied, got %x", b)
		}
	}

	buf2 := make([]byte, 4096)
	dst.ReadAt(buf2, 0)
	for _, b := range buf2 {
		if b != 0 {
			t.Fatalf("expected clusters outside the sync bitmap left untouched, got %x", b)
		}
	}
}

func TestBitmapSyncAlwaysRemergesUncopiedBitsOnFailure(t *testing.T) {
	src := node.NewMemNode(4096*3, 4096)
	src.Fill(0x77)
	dst := &failingTargetNode{MemNode: node.NewMemNode(4096*3, 4096), failAt: 4096 * 2}

	bm, err := bitmap.New(4096*3, 4096)
	if err != nil {
		t.Fatalf("bitmap.New: %v", err)
	}
	if err := bm.Set(0, 4096*3); err != nil {
		t.Fatalf("Set: %v", err)
	}

	job, err := Create(src, dst, WithSyncMode(SyncBitmap), WithSyncBitmap(bm, BitmapSyncAlways),
		WithClusterSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := job.Run(ctx); err == nil {
		t.Fatal("expected the run to fail once the target write fails")
	}

	ok, err := job.syncBitmap.Get(4096 * 2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected the uncopied cluster to still be dirty in the sync bitmap after an Always-mode failure")
	}
}

func TestRunNoneSyncWaitsForCancellation(t *testing.T) {
	src := node.NewMemNode(4096, 4096)
	dst := node.NewMemNode(4096, 4096)

	job, err := Create(src, dst, WithSyncMode(SyncNone), WithClusterSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- job.Run(ctx) }()

	select {
	case <-done:
		cancel()
		t.Fatal("expected sync=none job to block until cancelled")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected job to return after cancellation")
	}
}

func TestCheckpointOnlyValidInSyncNone(t *testing.T) {
	src := node.NewMemNode(4096, 4096)
	dst := node.NewMemNode(4096, 4096)

	job, err := Create(src, dst, WithSyncMode(SyncFull), WithClusterSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := job.Checkpoint(); err == nil {
		t.Fatal("expected checkpoint to fail outside sync=none mode")
	}

	noneJob, err := Create(src, dst, WithSyncMode(SyncNone), WithClusterSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := noneJob.Checkpoint(); err != nil {
		t.Fatalf("expected checkpoint to succeed in sync=none mode: %v", err)
	}
}

func TestPauseResumeHaltsBackupLoop(t *testing.T) {
	src := node.NewMemNode(4096*8, 4096)
	src.Fill(0x99)
	dst := node.NewMemNode(4096*8, 4096)

	job, err := Create(src, dst, WithSyncMode(SyncFull), WithClusterSize(4096))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	job.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- job.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	doneCount, _ := job.Progress()
	if doneCount != 0 {
		t.Fatalf("expected a paused job to make no progress, got %d bytes done", doneCount)
	}

	job.Resume()
	<-done
}
