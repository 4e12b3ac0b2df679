package cbwfilter

import (
	"time"

	"github.com/blockbackup/cbw/blockcopy"
)

// ErrorPolicy decides what a failed copy-before-write does to the guest
// write that triggered it.
type ErrorPolicy int

const (
	// BreakGuestWrite fails the guest write outright.
	BreakGuestWrite ErrorPolicy = iota
	// BreakSnapshot lets the guest write proceed but poisons the snapshot
	// side with a sticky error.
	BreakSnapshot
)

// Option configures a Filter at construction time.
type Option func(*filterOptions)

type filterOptions struct {
	onError       ErrorPolicy
	timeout       time.Duration
	discardSource bool
	blockcopy     []blockcopy.Option
}

func defaultFilterOptions() *filterOptions {
	return &filterOptions{onError: BreakGuestWrite}
}

// WithErrorPolicy sets on_cbw_error.
func WithErrorPolicy(p ErrorPolicy) Option {
	return func(o *filterOptions) { o.onError = p }
}

// WithTimeout sets cbw_timeout_ns (0 means infinite).
func WithTimeout(d time.Duration) Option {
	return func(o *filterOptions) { o.timeout = d }
}

// WithDiscardSource passes discard_source through to the underlying engine.
func WithDiscardSource(d bool) Option {
	return func(o *filterOptions) { o.discardSource = d }
}

// WithEngineOptions passes additional options through to blockcopy.New.
func WithEngineOptions(opts ...blockcopy.Option) Option {
	return func(o *filterOptions) { o.blockcopy = append(o.blockcopy, opts...) }
}
