/**
 * @description
 * Amount and time arithmetic shared by every escrow component. Campaign totals,
 * contributor balances and deadlines all go through these helpers so overflow is
 * detected in exactly one place.
 */
package amount

import (
	"errors"
	"math"
	"time"
)

// SecondsPerDay is the length of one campaign day.
const SecondsPerDay int64 = 86400

var (
	ErrOverflow        = errors.New("amount overflow")
	ErrUnderflow       = errors.New("amount underflow")
	ErrInvalidDuration = errors.New("duration must be at least one day")
)

// Add returns a+b or ErrOverflow when the sum does not fit in 64 bits.
func Add(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub returns a-b or ErrUnderflow when b exceeds a.
func Sub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrUnderflow
	}
	return a - b, nil
}

// IsExpired reports whether now is strictly after the deadline.
func IsExpired(deadline, now time.Time) bool {
	return now.After(deadline)
}

// DeadlineFrom returns now + durationDays*86400 seconds, truncated to whole seconds.
func DeadlineFrom(now time.Time, durationDays int64) (time.Time, error) {
	if durationDays < 1 {
		return time.Time{}, ErrInvalidDuration
	}
	if durationDays > math.MaxInt64/SecondsPerDay {
		return time.Time{}, ErrOverflow
	}
	seconds := durationDays * SecondsPerDay
	// time.Duration is nanoseconds; guard the multiplication too.
	if seconds > int64(math.MaxInt64/int64(time.Second)) {
		return time.Time{}, ErrOverflow
	}
	base := now.Truncate(time.Second)
	deadline := base.Add(time.Duration(seconds) * time.Second)
	if deadline.Before(base) {
		return time.Time{}, ErrOverflow
	}
	return deadline, nil
}
