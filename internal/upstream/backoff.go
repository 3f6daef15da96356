package upstream

import "time"

// nextBackoff doubles the current delay, capped at max, implementing spec
// §4.1's reconnect backoff: delay after k consecutive failures equals
// min(2^k * base, max).
func nextBackoff(current, max time.Duration) time.Duration {
	d := current * 2
	if d > max {
		d = max
	}
	return d
}
