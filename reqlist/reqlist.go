// Package reqlist implements the in-flight request list shared by the
// block-copy engine and the CBW filter: a list of reserved byte ranges
// that later callers can detect conflicts against and block on, ported
// from original_source/block/reqlist.c.
//
// QEMU's coroutine CoQueue (a per-request wait list resumed in a batch by
// qemu_co_queue_restart_all) becomes a channel that is closed to broadcast
// a wake to every blocked goroutine: closing a channel wakes every
// receiver, which is the Go equivalent of restarting every coroutine
// parked on that queue. As the original reqlist.h documents, the API
// itself holds no lock: the caller supplies (and releases, across a wait)
// whatever mutex protects the list and the ranges in it.
package reqlist

import (
	"context"
)

// Request is one reserved byte range, an intrusive member of a List.
type Request struct {
	Offset, Bytes uint64

	list   *List
	prev   *Request
	next   *Request
	wakeCh chan struct{}
}

// List is an intrusive doubly-linked list of Requests. It is not
// thread-safe on its own; callers serialize access with their own lock and
// release that lock only via the unlock/relock hooks passed to WaitOne/WaitAll.
type List struct {
	head *Request
}

// Insert reserves [off, off+bytes) and links it into the list. Callers
// must have already proven there is no conflict via FindConflict.
func (l *List) Insert(off, bytes uint64) *Request {
	r := &Request{
		Offset: off,
		Bytes:  bytes,
		list:   l,
		wakeCh: make(chan struct{}),
	}
	r.next = l.head
	if l.head != nil {
		l.head.prev = r
	}
	l.head = r
	return r
}

func overlap(aOff, aLen, bOff, bLen uint64) bool {
	return aOff < bOff+bLen && bOff < aOff+aLen
}

// FindConflict returns any Request overlapping [off, off+bytes), or nil.
func (l *List) FindConflict(off, bytes uint64) *Request {
	for r := l.head; r != nil; r = r.next {
		if overlap(off, bytes, r.Offset, r.Bytes) {
			return r
		}
	}
	return nil
}

// WaitOne blocks on the wait_queue of the first Request conflicting with
// [off, off+bytes), releasing the caller's lock via unlock and
// reacquiring it via relock before returning. It returns true if it
// actually waited (a conflict existed), false if there was nothing to
// wait on. A cancelled ctx ends the wait early, but WaitOne still returns
// true when a conflict existed; the caller checks ctx.Err() to tell a
// cancellation from a wake.
func (l *List) WaitOne(ctx context.Context, off, bytes uint64, unlock, relock func()) bool {
	r := l.FindConflict(off, bytes)
	if r == nil {
		return false
	}
	ch := r.wakeCh
	unlock()
	select {
	case <-ch:
	case <-ctx.Done():
	}
	relock()
	return true
}

// WaitAll repeats WaitOne until no conflict remains. The caller must
// ensure no new conflicting Request is produced while it waits, or
// WaitAll may never return, the same caveat reqlist.c documents.
func (l *List) WaitAll(ctx context.Context, off, bytes uint64, unlock, relock func()) {
	for l.WaitOne(ctx, off, bytes, unlock, relock) {
		if ctx.Err() != nil {
			return
		}
	}
}

// Shrink reduces r's interval to newBytes (0 < newBytes < r.Bytes) and
// wakes every waiter parked on it; some may recheck and find they no
// longer conflict.
func (l *List) Shrink(r *Request, newBytes uint64) {
	if newBytes == r.Bytes {
		return
	}
	r.Bytes = newBytes
	l.wake(r)
}

// Remove unlinks r from the list and wakes every waiter parked on it.
func (l *List) Remove(r *Request) {
	if r.prev != nil {
		r.prev.next = r.next
	} else if l.head == r {
		l.head = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	}
	r.prev, r.next = nil, nil
	l.wake(r)
}

func (l *List) wake(r *Request) {
	old := r.wakeCh
	r.wakeCh = make(chan struct{})
	close(old)
}
