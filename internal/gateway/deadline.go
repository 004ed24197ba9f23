package gateway

import "time"

// Remaining returns the time left until deadline, floored at 0.
func Remaining(deadline time.Time) time.Duration {
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return d
}

// IsExpired reports whether deadline has already passed.
func IsExpired(deadline time.Time) bool {
	return !time.Now().Before(deadline)
}

// CapWait caps a proposed sleep duration to the remaining time before
// deadline, returning (0, false) if the deadline has already expired. It
// produces no error of its own: AttemptPipeline skips the retry when ok is
// false and keeps the response it already has, so no 504 is returned from
// this path.
func CapWait(wait time.Duration, deadline time.Time) (time.Duration, bool) {
	remaining := Remaining(deadline)
	if remaining <= 0 {
		return 0, false
	}
	if wait > remaining {
		return remaining, true
	}
	return wait, true
}

// SendTimeout computes the per-attempt upstream send timeout: for streaming
// requests it is the smaller of the configured stream timeout (if set) and
// the remaining deadline (otherwise the remaining deadline), for
// non-streaming requests it is always the remaining deadline. Both are
// floored at 1ms (spec §4.10.a / upstream/deadline.rs's send_timeout).
func SendTimeout(deadline time.Time, isStream bool, streamTimeout time.Duration) time.Duration {
	remaining := Remaining(deadline)
	var timeout time.Duration
	if isStream && streamTimeout > 0 {
		if remaining < streamTimeout {
			timeout = remaining
		} else {
			timeout = streamTimeout
		}
	} else {
		timeout = remaining
	}
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	return timeout
}
