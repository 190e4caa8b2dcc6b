package store

import "time"

func IsExpired(expiresAtMs, nowMs int64) bool {
	return expiresAtMs > 0 && nowMs >= expiresAtMs
}

// ExpiresAt turns a relative ttl into an absolute deadline; ttl <= 0 means
// no expiry. Sub-millisecond ttls round up so they still expire.
func ExpiresAt(nowMs int64, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	ms := ttl.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	return nowMs + ms
}
