package hubclient

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryContext describes the reconnect attempt being planned.
type RetryContext struct {
	// Attempt counts from zero for the first reconnect attempt.
	Attempt int
	// Elapsed is the time spent reconnecting so far.
	Elapsed time.Duration
	// Cause is the error that ended the previous connection or attempt.
	Cause error
}

// RetryPolicy decides whether and when to attempt the next reconnect.
type RetryPolicy interface {
	NextDelay(rc RetryContext) (time.Duration, bool)
}

// FixedDelays retries once per entry, waiting the given delay before each attempt.
type FixedDelays []time.Duration

// DefaultRetryPolicy waits 0s, 2s, 10s and 30s, then gives up.
func DefaultRetryPolicy() FixedDelays {
	return FixedDelays{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}
}

// NextDelay implements RetryPolicy.
func (d FixedDelays) NextDelay(rc RetryContext) (time.Duration, bool) {
	if rc.Attempt < 0 || rc.Attempt >= len(d) {
		return 0, false
	}
	return d[rc.Attempt], true
}

// ExponentialRetryPolicy retries with jittered exponential backoff.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy; maxAttempts <= 0 retries forever.
func NewExponentialRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// NextDelay implements RetryPolicy.
func (p *ExponentialRetryPolicy) NextDelay(rc RetryContext) (time.Duration, bool) {
	if p.maxAttempts > 0 && rc.Attempt >= p.maxAttempts {
		return 0, false
	}
	if rc.Attempt == 0 {
		return 0, true
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(rc.Attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter, true
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
