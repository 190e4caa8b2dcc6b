package store

import (
	"errors"
	"time"

	"github.com/loganszeto/shardkv/internal/value"
)

// MaxKeyLen is the longest key the wire format can carry.
const MaxKeyLen = 1<<16 - 1

var (
	ErrNotFound     = errors.New("key not found")
	ErrTypeMismatch = errors.New("type mismatch")
	ErrOverflow     = errors.New("numeric overflow")
	ErrKeyTooLong   = errors.New("key too long")
	ErrEmptyValue   = errors.New("empty value")
)

type Store interface {
	Get(key string) (value.Value, error)
	Set(key string, v value.Value, ttl time.Duration) (value.Value, bool, error)
	Delete(key string) (bool, error)
	Exists(key string) (bool, error)
	Incr(key string, delta value.Value) (value.Value, error)
	Decr(key string, delta value.Value) (value.Value, error)
	CleanupExpired() int
	Len() int
	ShardCount() int
}

// Observer receives entries removed because their expiry passed. Calls are
// made outside any shard lock.
type Observer interface {
	OnExpire(key string, e Entry)
}

var _ Store = (*Engine)(nil)

type ObserverFunc func(key string, e Entry)

func (f ObserverFunc) OnExpire(key string, e Entry) { f(key, e) }
