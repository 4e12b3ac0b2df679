package cbwfilter

import (
	"context"
	"testing"

	"github.com/blockbackup/cbw/node"
)

func TestPWriteAtCopiesOldDataBeforeOverwrite(t *testing.T) {
	ctx := context.Background()
	src := node.NewMemNode(4096, 4096)
	src.Fill(0x11)
	dst := node.NewMemNode(4096, 4096)

	f, _, err := Append(src, dst)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := f.PWriteAt(ctx, make([]byte, 4096), 0, 0); err != nil {
		t.Fatalf("PWriteAt: %v", err)
	}

	buf := make([]byte, 4096)
	dst.ReadAt(buf, 0)
	for _, b := range buf {
		if b != 0x11 {
			t.Fatalf("expected target to hold pre-write data 0x11, got %x", b)
		}
	}

	out := make([]byte, 4096)
	src.ReadAt(out, 0)
	for _, b := range out {
		if b != 0 {
			t.Fatalf("expected source overwritten with zeroes, got %x", b)
		}
	}
}

func TestPWriteAtWriteUnchangedSkipsCopy(t *testing.T) {
	ctx := context.Background()
	src := node.NewMemNode(4096, 4096)
	src.Fill(0x22)
	dst := node.NewMemNode(4096, 4096)

	f, _, err := Append(src, dst)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := f.PWriteAt(ctx, make([]byte, 4096), 0, node.FlagWriteUnchanged); err != nil {
		t.Fatalf("PWriteAt: %v", err)
	}

	buf := make([]byte, 4096)
	dst.ReadAt(buf, 0)
	for _, b := range buf {
		if b != 0 {
			t.Fatalf("expected no copy-before-write for an unchanged write, target got %x", b)
		}
	}
}

func TestPReadSnapshotServesSourceBeforeCopyAndTargetAfter(t *testing.T) {
	ctx := context.Background()
	src := node.NewMemNode(4096, 4096)
	src.Fill(0x33)
	dst := node.NewMemNode(4096, 4096)

	f, _, err := Append(src, dst)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	buf := make([]byte, 4096)
	if _, err := f.PReadSnapshot(ctx, buf, 0); err != nil {
		t.Fatalf("PReadSnapshot before copy: %v", err)
	}
	for _, b := range buf {
		if b != 0x33 {
			t.Fatalf("expected snapshot read to reach source before copy, got %x", b)
		}
	}

	if _, err := f.PWriteAt(ctx, make([]byte, 4096), 0, 0); err != nil {
		t.Fatalf("PWriteAt: %v", err)
	}

	buf2 := make([]byte, 4096)
	if _, err := f.PReadSnapshot(ctx, buf2, 0); err != nil {
		t.Fatalf("PReadSnapshot after copy: %v", err)
	}
	for _, b := range buf2 {
		if b != 0x33 {
			t.Fatalf("expected snapshot read to reach target after copy, got %x", b)
		}
	}
}

func TestPDiscardSnapshotDeniesFurtherReads(t *testing.T) {
	ctx := context.Background()
	src := node.NewMemNode(4096, 4096)
	dst := node.NewMemNode(4096, 4096)

	f, _, err := Append(src, dst)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := f.PDiscardSnapshot(ctx, 0, 4096); err != nil {
		t.Fatalf("PDiscardSnapshot: %v", err)
	}

	buf := make([]byte, 4096)
	_, err = f.PReadSnapshot(ctx, buf, 0)
	if node.KindOf(err) != node.KindPermissionDenied {
		t.Fatalf("expected permission-denied after discard, got %v", err)
	}
}

func TestSnapshotBlockStatusTracksCopyProgress(t *testing.T) {
	ctx := context.Background()
	src := node.NewMemNode(4096, 4096)
	dst := node.NewMemNode(4096, 4096)

	f, _, err := Append(src, dst)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	_, fromTarget, err := f.SnapshotBlockStatus(ctx, 0, 4096)
	if err != nil {
		t.Fatalf("SnapshotBlockStatus before copy: %v", err)
	}
	if fromTarget {
		t.Fatal("expected block status to report source before any copy")
	}

	if _, err := f.PWriteAt(ctx, make([]byte, 4096), 0, 0); err != nil {
		t.Fatalf("PWriteAt: %v", err)
	}

	_, fromTarget, err = f.SnapshotBlockStatus(ctx, 0, 4096)
	if err != nil {
		t.Fatalf("SnapshotBlockStatus after copy: %v", err)
	}
	if !fromTarget {
		t.Fatal("expected block status to report target after copy-before-write ran")
	}
}

func TestBreakSnapshotPolicyLetsGuestWriteProceed(t *testing.T) {
	ctx := context.Background()
	src := node.NewMemNode(4096, 4096)
	dst := &failingTargetNode{MemNode: node.NewMemNode(4096, 4096)}

	f, _, err := Append(src, dst, WithErrorPolicy(BreakSnapshot))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := f.PWriteAt(ctx, make([]byte, 4096), 0, 0); err != nil {
		t.Fatalf("expected guest write to proceed under BreakSnapshot, got %v", err)
	}

	buf := make([]byte, 4096)
	if _, err := src.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
}

func TestBreakGuestWritePolicyFailsWrite(t *testing.T) {
	ctx := context.Background()
	src := node.NewMemNode(4096, 4096)
	dst := &failingTargetNode{MemNode: node.NewMemNode(4096, 4096)}

	f, _, err := Append(src, dst, WithErrorPolicy(BreakGuestWrite))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := f.PWriteAt(ctx, make([]byte, 4096), 0, 0); err == nil {
		t.Fatal("expected guest write to fail under BreakGuestWrite when copy fails")
	}
}

type failingTargetNode struct {
	*node.MemNode
}

func (f *failingTargetNode) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	return 0, context.DeadlineExceeded
}
