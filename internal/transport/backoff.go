package transport

import "time"

// Backoff returns the delay before reconnect attempt n (zero-based):
// min(base * 2^n, max).
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	// Past 30 doublings the shift overflows; the cap applies regardless.
	if attempt > 30 {
		return max
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}
