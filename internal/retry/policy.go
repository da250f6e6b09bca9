// Package retry determines when an invocation that failed with a transient
// error is attempted again.
package retry

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
)

// Policy is an exponential backoff policy for transient failures.
//
// The delay before retry n (1-based) is Initial * Multiplier^(n-1), capped at
// Max. With Jitter the delay is drawn uniformly from [0, delay].
type Policy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     bool

	// MaxAttempts is the retry budget. Zero retries forever; otherwise the
	// invocation fails once MaxAttempts attempts have failed.
	MaxAttempts int
}

// DefaultPolicy retries forever: 100ms, doubling, capped at 30s, no jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial:    100 * time.Millisecond,
		Multiplier: 2,
		Max:        30 * time.Second,
	}
}

// Validate reports an invalid policy.
func (p Policy) Validate() error {
	var errs []error
	if p.Initial <= 0 {
		errs = append(errs, fmt.Errorf("initial delay must be positive, got %s", p.Initial))
	}
	if p.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("multiplier must be >= 1, got %g", p.Multiplier))
	}
	if p.Max < p.Initial {
		errs = append(errs, fmt.Errorf("max delay %s is less than initial delay %s", p.Max, p.Initial))
	}
	if p.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max attempts must not be negative, got %d", p.MaxAttempts))
	}
	return errors.Join(errs...)
}

// Strategy returns the policy as a linger backoff strategy.
func (p Policy) Strategy() backoff.Strategy {
	var s backoff.Strategy
	if p.Multiplier == 2 {
		s = backoff.Exponential(p.Initial)
	} else {
		s = multiplied(p.Initial, p.Multiplier)
	}

	if p.Jitter {
		return backoff.WithTransforms(s, linger.FullJitter, linger.Limiter(0, p.Max))
	}
	return backoff.WithTransforms(s, linger.Limiter(0, p.Max))
}

// multiplied is an exponential strategy with an arbitrary base.
func multiplied(initial time.Duration, multiplier float64) backoff.Strategy {
	return func(_ error, n uint) time.Duration {
		d := float64(initial) * math.Pow(multiplier, float64(n))
		if d >= math.MaxInt64 || math.IsInf(d, 0) {
			return time.Duration(math.MaxInt64)
		}
		return time.Duration(d)
	}
}

// Delay returns the backoff before the next attempt, after attempt failures.
// Without jitter the delay never decreases as attempt grows.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.Strategy()(nil, p.saturate(uint(attempt-1)))
}

// saturate clamps n to the first exponent whose delay reaches Max, so that
// large attempt counts cannot overflow the duration.
func (p Policy) saturate(n uint) uint {
	if p.Multiplier <= 1 || p.Initial <= 0 || p.Max <= p.Initial {
		if p.Multiplier > 1 {
			return 0
		}
		return n
	}
	limit := math.Ceil(math.Log(float64(p.Max)/float64(p.Initial)) / math.Log(p.Multiplier))
	if float64(n) > limit {
		return uint(limit)
	}
	return n
}

// NextRetry returns when an invocation whose attempt-th attempt failed with
// cause should run again.
func (p Policy) NextRetry(now time.Time, attempt int, cause error) time.Time {
	return now.Add(p.Delay(attempt))
}

// Exhausted reports whether no retry remains after attempts failed attempts.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
