// Package retries decides whether and when a failed run closure should
// be attempted again, based on the attempt count and time already spent
// retrying it.
package retries

import "time"

// RetryInfo describes the retry history of a run closure: how many
// attempts already failed and how long the closure has been retrying
// since its entry was last stored.
type RetryInfo struct {
	RetryCount   uint32
	LoopDuration time.Duration
}

// NextRetryDecision is the outcome of consulting a policy.
type NextRetryDecision struct {
	Retry bool
	// After is the delay before the next attempt. Only meaningful when
	// Retry is true; zero means retry immediately.
	After time.Duration
}

var doNotRetry = NextRetryDecision{}

// RetryPolicy computes the next retry decision for a failed attempt.
type RetryPolicy interface {
	Next(info RetryInfo) NextRetryDecision
}

// Infinite retries immediately, forever.
type Infinite struct{}

func (Infinite) Next(RetryInfo) NextRetryDecision {
	return NextRetryDecision{Retry: true}
}

// None never retries; every failure is final.
type None struct{}

func (None) Next(RetryInfo) NextRetryDecision { return doNotRetry }

// FixedDelay retries with a constant interval until one of the optional
// bounds is exceeded. A nil bound means unbounded.
type FixedDelay struct {
	Interval    time.Duration
	MaxAttempts *uint32
	MaxDuration *time.Duration
}

func (p FixedDelay) Next(info RetryInfo) NextRetryDecision {
	if exhausted(info, p.MaxAttempts, p.MaxDuration) {
		return doNotRetry
	}
	return NextRetryDecision{Retry: true, After: p.Interval}
}

// Exponential retries with an exponentially growing interval, capped at
// MaxInterval, until one of the optional bounds is exceeded.
type Exponential struct {
	InitialInterval time.Duration
	Factor          float64
	MaxInterval     time.Duration
	MaxAttempts     *uint32
	MaxDuration     *time.Duration
}

func (p Exponential) Next(info RetryInfo) NextRetryDecision {
	if exhausted(info, p.MaxAttempts, p.MaxDuration) {
		return doNotRetry
	}
	next := float64(p.InitialInterval)
	for i := uint32(1); i < info.RetryCount; i++ {
		next *= p.Factor
		if p.MaxInterval > 0 && next >= float64(p.MaxInterval) {
			return NextRetryDecision{Retry: true, After: p.MaxInterval}
		}
	}
	if p.MaxInterval > 0 && time.Duration(next) > p.MaxInterval {
		next = float64(p.MaxInterval)
	}
	return NextRetryDecision{Retry: true, After: time.Duration(next)}
}

// exhausted reports whether the attempt or duration bound already covers
// the failure being decided. The bounds count the attempt that just
// failed, so MaxAttempts of n permits n total attempts.
func exhausted(info RetryInfo, maxAttempts *uint32, maxDuration *time.Duration) bool {
	if maxAttempts != nil && *maxAttempts <= info.RetryCount {
		return true
	}
	if maxDuration != nil && *maxDuration <= info.LoopDuration {
		return true
	}
	return false
}
