package services

import (
	"sync"
	"time"

	"github.com/autobb888/vap-dispatcher/internal/core/domain"
)

// RateLimiter guards job admission: a sliding 60s window on acceptance
// timestamps, plus a queue-length cap. All mutations happen under one
// mutex; critical sections are short, matching the discipline spec.md §5
// requires of the active-job table and its siblings.
type RateLimiter struct {
	mu                  sync.Mutex
	acceptTimestamps    []time.Time
	maxAcceptsPerMinute int
	queueLength         int
	maxQueuedJobs       int
}

// NewRateLimiter builds a limiter from config.
func NewRateLimiter(maxAcceptsPerMinute, maxQueuedJobs int) *RateLimiter {
	return &RateLimiter{
		maxAcceptsPerMinute: maxAcceptsPerMinute,
		maxQueuedJobs:       maxQueuedJobs,
	}
}

// AllowAccept reports whether another acceptance may be sent right now,
// given the number of accepts already recorded within the trailing 60s.
// It does not record anything — call RecordAccept after a successful
// acceptance.
func (r *RateLimiter) AllowAccept(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(now)
	return len(r.acceptTimestamps) < r.maxAcceptsPerMinute
}

// RecordAccept records that an acceptance was just sent at `now`.
func (r *RateLimiter) RecordAccept(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acceptTimestamps = append(r.acceptTimestamps, now)
}

func (r *RateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-60 * time.Second)
	kept := r.acceptTimestamps[:0]
	for _, ts := range r.acceptTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.acceptTimestamps = kept
}

// TryEnqueue reports whether there is room in the queue and, if so,
// reserves a slot and returns the 1-based position. ok is false when the
// queue is already at MaxQueuedJobs.
func (r *RateLimiter) TryEnqueue() (position int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queueLength >= r.maxQueuedJobs {
		return 0, false
	}
	r.queueLength++
	return r.queueLength, true
}

// Dequeue releases one queue slot, called when a queued job is promoted
// to starting or leaves the queue without being started.
func (r *RateLimiter) Dequeue() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queueLength > 0 {
		r.queueLength--
	}
}

// QueueLength returns the current queue length, for metrics/tests.
func (r *RateLimiter) QueueLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queueLength
}

// AcceptsInWindow returns how many acceptances are recorded within the
// trailing 60s, for tests.
func (r *RateLimiter) AcceptsInWindow(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(now)
	return len(r.acceptTimestamps)
}

// AcceptanceMessage builds the exact VAP-ACCEPT wire string spec.md
// §4.1/§6 defines; its signature covers this exact string.
func AcceptanceMessage(job domain.Job, ts int64) string {
	return "VAP-ACCEPT|Job:" + job.JobHash +
		"|Buyer:" + job.BuyerVerusID +
		"|Amt:" + formatAmount(job.Amount) + " " + job.Currency +
		"|Ts:" + formatInt64(ts) +
		"|I accept this job and commit to delivering the work."
}
