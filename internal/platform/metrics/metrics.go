package metrics

import (
	"net/http"
	"sync/atomic"
	"time"
)

// Collector keeps process-wide request counters. Conflicts (409) and rejected
// transitions (422) are counted apart from server errors.
type Collector struct {
	totalRequests   uint64
	errorRequests   uint64
	conflicts       uint64
	rejected        uint64
	rateLimited     uint64
	lockTimeouts    uint64
	totalDurationMs uint64
}

func New() *Collector {
	return &Collector{}
}

func (c *Collector) Record(status int, duration time.Duration) {
	atomic.AddUint64(&c.totalRequests, 1)
	switch {
	case status >= 500:
		atomic.AddUint64(&c.errorRequests, 1)
	case status == http.StatusConflict:
		atomic.AddUint64(&c.conflicts, 1)
	case status == http.StatusUnprocessableEntity:
		atomic.AddUint64(&c.rejected, 1)
	case status == http.StatusTooManyRequests:
		atomic.AddUint64(&c.rateLimited, 1)
	}
	atomic.AddUint64(&c.totalDurationMs, uint64(duration.Milliseconds()))
}

func (c *Collector) RecordLockTimeout() {
	atomic.AddUint64(&c.lockTimeouts, 1)
}

func (c *Collector) Snapshot() map[string]any {
	total := atomic.LoadUint64(&c.totalRequests)
	totalMs := atomic.LoadUint64(&c.totalDurationMs)
	avg := float64(0)
	if total > 0 {
		avg = float64(totalMs) / float64(total)
	}
	return map[string]any{
		"requestsTotal":     total,
		"errorsTotal":       atomic.LoadUint64(&c.errorRequests),
		"conflictsTotal":    atomic.LoadUint64(&c.conflicts),
		"rejectedTotal":     atomic.LoadUint64(&c.rejected),
		"rateLimitedTotal":  atomic.LoadUint64(&c.rateLimited),
		"lockTimeoutsTotal": atomic.LoadUint64(&c.lockTimeouts),
		"avgDurationMs":     avg,
		"totalDurationMs":   totalMs,
	}
}
