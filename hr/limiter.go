package hr

import "time"

// Throttling knobs for the directory client.
const (
	defaultPageSize = 100
	minPageSize     = 25
	batchLimit      = 10
	maxAttempts     = 8

	requestTimeout  = 30 * time.Second
	maxRetryDelay   = 30 * time.Second
	interPageSleep  = 350 * time.Millisecond
	interBatchSleep = 400 * time.Millisecond

	maxConsecServiceErrors = 6
)

// AdaptiveLimiter tracks consecutive service errors across requests and
// adapts the paging behavior: light throttling stretches the pause between
// pages, sustained throttling additionally halves the page size after a long
// cool-off. Successive successful responses relax the counter again.
//
// The limiter is not safe for concurrent use; it belongs to a single Client.
type AdaptiveLimiter struct {
	consecServiceErrors int
	pageSleep           time.Duration
	pageSize            int
}

// NewAdaptiveLimiter returns a limiter that starts at pageSize entries per
// page. Zero or negative values fall back to the default of 100.
func NewAdaptiveLimiter(pageSize int) *AdaptiveLimiter {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &AdaptiveLimiter{
		pageSleep: interPageSleep,
		pageSize:  pageSize,
	}
}

// NoteSuccess relaxes the error counter after a successful response.
func (l *AdaptiveLimiter) NoteSuccess() {
	if l.consecServiceErrors > 0 {
		l.consecServiceErrors--
	}
}

// NoteServiceError records a throttled response (429, 503 or 504). The third
// and fourth consecutive errors stretch the page pause. The sixth trips the
// heavy-throttle path: the page size halves (floor 25), the pause grows
// further and the counter resets. The returned duration is the cool-off the
// caller must sleep before continuing; it is zero on the light path.
func (l *AdaptiveLimiter) NoteServiceError() time.Duration {
	l.consecServiceErrors++
	if l.consecServiceErrors == 3 || l.consecServiceErrors == 4 {
		l.pageSleep = min(l.pageSleep+250*time.Millisecond, 2*time.Second)
	}
	if l.consecServiceErrors >= maxConsecServiceErrors {
		overflow := l.consecServiceErrors - maxConsecServiceErrors
		nap := 30*time.Second + 10*time.Second*time.Duration(overflow)
		l.pageSize = max(l.pageSize/2, minPageSize)
		l.pageSleep = min(l.pageSleep+500*time.Millisecond, 3*time.Second)
		l.consecServiceErrors = 0
		return nap
	}
	return 0
}

// PageSize returns the current $top value for user paging.
func (l *AdaptiveLimiter) PageSize() int { return l.pageSize }

// PageSleep returns the current pause between result pages.
func (l *AdaptiveLimiter) PageSleep() time.Duration { return l.pageSleep }
