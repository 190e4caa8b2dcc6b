package store

import "github.com/loganszeto/shardkv/internal/value"

// Entry is one stored value with its expiry (0 = none) and a version that
// starts at 1 and grows on every mutation.
type Entry struct {
	Value       value.Value
	ExpiresAtMs int64
	Version     uint64
}

func (e Entry) expired(nowMs int64) bool {
	return IsExpired(e.ExpiresAtMs, nowMs)
}
