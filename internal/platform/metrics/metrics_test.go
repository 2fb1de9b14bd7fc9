package metrics

import (
	"net/http"
	"testing"
	"time"
)

func TestCollectorBuckets(t *testing.T) {
	c := New()
	c.Record(http.StatusOK, 10*time.Millisecond)
	c.Record(http.StatusConflict, 20*time.Millisecond)
	c.Record(http.StatusUnprocessableEntity, 0)
	c.Record(http.StatusTooManyRequests, 0)
	c.Record(http.StatusInternalServerError, 30*time.Millisecond)
	c.RecordLockTimeout()

	snap := c.Snapshot()
	checks := map[string]uint64{
		"requestsTotal":     5,
		"errorsTotal":       1,
		"conflictsTotal":    1,
		"rejectedTotal":     1,
		"rateLimitedTotal":  1,
		"lockTimeoutsTotal": 1,
		"totalDurationMs":   60,
	}
	for key, want := range checks {
		if got := snap[key].(uint64); got != want {
			t.Fatalf("%s: expected %d, got %d", key, want, got)
		}
	}
	if avg := snap["avgDurationMs"].(float64); avg != 12 {
		t.Fatalf("expected avg 12, got %v", avg)
	}
}
