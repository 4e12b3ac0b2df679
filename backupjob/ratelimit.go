package backupjob

import (
	"sync"
	"time"
)

// rateLimiter reproduces ratelimit_calculate_delay/ratelimit_set_speed from
// original_source/include/qemu/ratelimit.h as a slice-based limiter: a job
// dispatches up to sliceQuota bytes per sliceDuration before a call to
// calculate starts returning a delay to wait out.
type rateLimiter struct {
	mu sync.Mutex

	nextSlice time.Time
	quota     uint64
	dispatchd uint64
	sliceDur  time.Duration
}

func (r *rateLimiter) setSpeed(bytesPerSec uint64, slice time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sliceDur = slice
	r.quota = uint64(float64(bytesPerSec) * slice.Seconds())
}

// calculate mirrors ratelimit_calculate_delay: it folds n bytes into the
// current slice and returns how long the caller should sleep before those
// bytes are considered dispatched.
func (r *rateLimiter) calculate(n uint64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.quota == 0 {
		return 0
	}

	now := time.Now()
	if r.nextSlice.Before(now) {
		r.nextSlice = now.Add(r.sliceDur)
		r.dispatchd = 0
	}
	if r.dispatchd == 0 || r.dispatchd+n <= r.quota {
		r.dispatchd += n
		return 0
	}
	r.dispatchd = n
	return r.nextSlice.Sub(now)
}
