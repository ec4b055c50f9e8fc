package api

import (
	"sync"
	"time"
)

const (
	baseDownloadTimeout = 30 * time.Second
	secondsPerMB        = 2.0
	timeoutWindowSize   = 100
)

// TimeoutTracker computes adaptive per-download total timeouts. The budget
// grows with the declared size and with the fraction of recent downloads
// that ended in a timeout:
//
//	max(base, sizeMB × 2.0s × (1 + recent_timeout_rate))
type TimeoutTracker struct {
	mu      sync.Mutex
	window  [timeoutWindowSize]bool // true = timed out
	next    int
	samples int
}

// Record adds one download outcome to the rolling window.
func (t *TimeoutTracker) Record(timedOut bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window[t.next] = timedOut
	t.next = (t.next + 1) % timeoutWindowSize
	if t.samples < timeoutWindowSize {
		t.samples++
	}
}

// FailureRate is the timeout fraction of the last 100 downloads.
func (t *TimeoutTracker) FailureRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.samples == 0 {
		return 0
	}
	failed := 0
	for i := 0; i < t.samples; i++ {
		if t.window[i] {
			failed++
		}
	}
	return float64(failed) / float64(t.samples)
}

// TotalTimeout returns the adaptive total timeout for a download of the
// given declared size.
func (t *TimeoutTracker) TotalTimeout(sizeBytes int64) time.Duration {
	sizeMB := float64(sizeBytes) / (1024 * 1024)
	budget := time.Duration(sizeMB * secondsPerMB * (1 + t.FailureRate()) * float64(time.Second))
	if budget < baseDownloadTimeout {
		return baseDownloadTimeout
	}
	return budget
}
