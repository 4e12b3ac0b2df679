package bitmap

import (
	"bytes"
	"testing"
)

func TestSetResetGet(t *testing.T) {
	b, err := New(1<<20, 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Set(0, 4096); err != nil {
		t.Fatalf("Set: %v", err)
	}
	dirty, _ := b.Get(0)
	if !dirty {
		t.Fatal("expected dirty")
	}
	if err := b.Reset(0, 4096); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	dirty, _ = b.Get(0)
	if dirty {
		t.Fatal("expected clean after reset")
	}
}

func TestUnalignedRejected(t *testing.T) {
	b, _ := New(1<<20, 4096)
	if err := b.Set(100, 4096); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestNextDirtyArea(t *testing.T) {
	b, _ := New(1<<20, 4096)
	b.Set(4096*2, 4096*3)
	start, length, ok := b.NextDirtyArea(0, 1<<20)
	if !ok || start != 4096*2 || length != 4096*3 {
		t.Fatalf("got start=%d length=%d ok=%v", start, length, ok)
	}
}

func TestCountAndNextZero(t *testing.T) {
	b, _ := New(4096*8, 4096)
	b.Set(0, 4096*8)
	b.Reset(4096*3, 4096)
	if got := b.Count(); got != 7 {
		t.Fatalf("expected 7 dirty cells, got %d", got)
	}
	off, ok := b.NextZero(0, 4096*8)
	if !ok || off != 4096*3 {
		t.Fatalf("expected next zero at %d, got %d ok=%v", 4096*3, off, ok)
	}
}

func TestCreateSuccessorAbdicateReclaim(t *testing.T) {
	parent, _ := New(4096*4, 4096, WithName("backup-0"), WithPersistent(true))
	parent.Set(0, 4096)

	child, err := parent.CreateSuccessor()
	if err != nil {
		t.Fatalf("CreateSuccessor: %v", err)
	}
	if !parent.Busy() || !parent.Disabled() {
		t.Fatal("parent must be busy+disabled once a successor exists")
	}
	if child.Name() != "" {
		t.Fatal("successor must start anonymous")
	}

	child.Set(4096, 4096)
	reclaimed, err := parent.Reclaim()
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if reclaimed.Busy() {
		t.Fatal("expected busy cleared after reclaim")
	}
	if dirty, _ := reclaimed.Get(0); !dirty {
		t.Fatal("expected parent bit preserved through reclaim")
	}
	if dirty, _ := reclaimed.Get(4096); !dirty {
		t.Fatal("expected child bit merged in through reclaim")
	}
}

func TestAbdicateTransfersName(t *testing.T) {
	parent, _ := New(4096*4, 4096, WithName("backup-0"), WithPersistent(true))
	child, err := parent.CreateSuccessor()
	if err != nil {
		t.Fatalf("CreateSuccessor: %v", err)
	}
	newOwner, err := parent.Abdicate()
	if err != nil {
		t.Fatalf("Abdicate: %v", err)
	}
	if newOwner != child {
		t.Fatal("expected abdicate to return the successor")
	}
	if newOwner.Name() != "backup-0" || !newOwner.Persistent() {
		t.Fatal("expected name and persistent flag transferred to successor")
	}
	if parent.Name() != "" || parent.Persistent() {
		t.Fatal("expected parent's name/persistent cleared")
	}
}

func TestMergeRequiresMatchingSize(t *testing.T) {
	a, _ := New(4096*4, 4096)
	b, _ := New(4096*8, 4096)
	if err := Merge(a, b, nil); err == nil {
		t.Fatal("expected size-mismatch error")
	}
}

func TestMergeWithBackup(t *testing.T) {
	dest, _ := New(4096*4, 4096)
	dest.Set(0, 4096)
	src, _ := New(4096*4, 4096)
	src.Set(4096, 4096)
	backup, _ := New(4096*4, 4096)

	if err := Merge(dest, src, backup); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if dirty, _ := backup.Get(0); !dirty {
		t.Fatal("expected backup to capture dest's pre-merge state")
	}
	if dirty, _ := backup.Get(4096); dirty {
		t.Fatal("backup must reflect dest before the OR, not after")
	}
	if dirty, _ := dest.Get(4096); !dirty {
		t.Fatal("expected dest merged with src")
	}
}

func TestIteratorBlocksTruncate(t *testing.T) {
	b, _ := New(4096*4, 4096)
	it := b.NewIterator()
	if err := Truncate([]*Bitmap{b}, 4096*8); err == nil {
		t.Fatal("expected truncate to fail with an active iterator")
	}
	it.Close()
	if err := Truncate([]*Bitmap{b}, 4096*8); err != nil {
		t.Fatalf("expected truncate to succeed once iterator closed: %v", err)
	}
	if b.Size() != 4096*8 {
		t.Fatalf("expected resized bitmap, got size %d", b.Size())
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	b, _ := New(4096*128, 4096)
	b.Set(4096*3, 4096*5)

	var buf bytes.Buffer
	if err := b.SerializePart(&buf, 0, 4096*128); err != nil {
		t.Fatalf("SerializePart: %v", err)
	}

	dst, _ := New(4096*128, 4096)
	if err := dst.DeserializePart(&buf, 0, 4096*128); err != nil {
		t.Fatalf("DeserializePart: %v", err)
	}
	if dst.Count() != b.Count() {
		t.Fatalf("expected matching dirty counts, got %d vs %d", dst.Count(), b.Count())
	}
	for _, off := range []uint64{0, 4096 * 3, 4096 * 7, 4096 * 100} {
		want, _ := b.Get(off)
		got, _ := dst.Get(off)
		if want != got {
			t.Fatalf("mismatch at offset %d: want %v got %v", off, want, got)
		}
	}
}

func TestReadonlyRejectsSet(t *testing.T) {
	b, _ := New(4096*4, 4096)
	b.SetReadonly(true)
	if err := b.Set(0, 4096); err == nil {
		t.Fatal("expected readonly bitmap to reject Set")
	}
}

func TestMarkInconsistentForcesFlags(t *testing.T) {
	b, _ := New(4096*4, 4096)
	b.MarkInconsistent()
	if !b.Persistent() || !b.Disabled() {
		t.Fatal("expected inconsistent to force persistent+disabled")
	}
	if err := b.CheckRelease(); err != nil {
		t.Fatalf("expected CheckRelease to accept a consistent inconsistent bitmap: %v", err)
	}
}
