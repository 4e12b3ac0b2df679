package bitmap

import (
	"fmt"

	"github.com/blockbackup/cbw/node"
)

// Disabled reports whether implicit set-on-write is ignored.
func (b *Bitmap) Disabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.disabled
}

// SetDisabled toggles the disabled flag directly, for callers that need to
// temporarily suspend implicit dirtying.
func (b *Bitmap) SetDisabled(d bool) {
	b.mu.Lock()
	b.disabled = d
	b.mu.Unlock()
}

// Busy reports whether the bitmap is reserved against external
// modification (e.g. because a successor exists).
func (b *Bitmap) Busy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.busy
}

// SetBusy marks the bitmap busy or idle. A caller must not mark a bitmap
// idle while the block-copy engine or backup job still references it.
func (b *Bitmap) SetBusy(busy bool) {
	b.mu.Lock()
	b.busy = busy
	b.mu.Unlock()
}

// Readonly reports whether modification is rejected outright.
func (b *Bitmap) Readonly() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.readonly
}

// SetReadonly marks the bitmap readonly.
func (b *Bitmap) SetReadonly(ro bool) { b.mu.Lock(); b.readonly = ro; b.mu.Unlock() }

// Persistent reports the storage hand-off flag.
func (b *Bitmap) Persistent() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.persistent
}

// Inconsistent reports whether the bitmap's content can no longer be
// trusted; inconsistent implies persistent and disabled.
func (b *Bitmap) Inconsistent() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.inconsistent
}

// MarkInconsistent sets the inconsistent flag and forces persistent and
// disabled to true alongside it, since an inconsistent bitmap is only
// ever meaningful when frozen and handed off rather than live.
func (b *Bitmap) MarkInconsistent() {
	b.mu.Lock()
	b.inconsistent = true
	b.persistent = true
	b.disabled = true
	b.mu.Unlock()
}

// SkipStore reports the skip_store storage hand-off flag.
func (b *Bitmap) SkipStore() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.skipStore
}

// SetSkipStore toggles skip_store.
func (b *Bitmap) SetSkipStore(v bool) { b.mu.Lock(); b.skipStore = v; b.mu.Unlock() }

// Successor returns the bitmap's successor, or nil.
func (b *Bitmap) Successor() *Bitmap {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.successor
}

// ActiveIterators returns the current outstanding-iterator count.
func (b *Bitmap) ActiveIterators() int32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.activeIterators
}

// CheckRelease validates invariants (i)-(iii) before a bitmap is released,
// returning an error describing whichever invariant is violated.
func (b *Bitmap) CheckRelease() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.successor != nil && !(b.busy && b.disabled) {
		return node.NewError("bitmap.CheckRelease", node.KindInconsistent, false,
			fmt.Errorf("bitmap %q has a successor but is not busy+disabled", b.name))
	}
	if b.activeIterators > 0 {
		return node.NewError("bitmap.CheckRelease", node.KindBusy, false,
			fmt.Errorf("bitmap %q has %d active iterators", b.name, b.activeIterators))
	}
	if b.inconsistent && !(b.persistent && b.disabled) {
		return node.NewError("bitmap.CheckRelease", node.KindInconsistent, false,
			fmt.Errorf("bitmap %q is inconsistent but not persistent+disabled", b.name))
	}
	return nil
}
