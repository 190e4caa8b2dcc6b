package store

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/loganszeto/shardkv/internal/util"
	"github.com/loganszeto/shardkv/internal/value"
)

// Engine is a fixed array of shards. Every operation locks exactly one shard,
// so there is no cross-shard atomicity and no global lock.
type Engine struct {
	shards   []*Shard
	clock    util.Clock
	observer Observer
}

type Option func(*Engine)

func WithClock(c util.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func New(shardCount int, opts ...Option) (*Engine, error) {
	if shardCount <= 0 {
		return nil, fmt.Errorf("shard count must be positive, got %d", shardCount)
	}
	e := &Engine{
		shards: make([]*Shard, shardCount),
		clock:  util.RealClock{},
	}
	for i := range e.shards {
		e.shards[i] = newShard()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) ShardCount() int {
	return len(e.shards)
}

// ShardOf maps a key to its shard index. The mapping depends only on the key
// and the shard count, both fixed for the engine's lifetime.
func (e *Engine) ShardOf(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(e.shards)))
}

func (e *Engine) shardFor(key string) (*Shard, error) {
	if len(key) > MaxKeyLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrKeyTooLong, len(key))
	}
	return e.shards[e.ShardOf(key)], nil
}

func (e *Engine) Get(key string) (value.Value, error) {
	ent, err := e.Lookup(key)
	if err != nil {
		return value.Value{}, err
	}
	return ent.Value, nil
}

// Lookup is Get with the entry metadata.
func (e *Engine) Lookup(key string) (Entry, error) {
	sh, err := e.shardFor(key)
	if err != nil {
		return Entry{}, err
	}
	ent, ok := sh.get(key, e.clock.NowMs())
	if !ok {
		return Entry{}, ErrNotFound
	}
	return ent, nil
}

// Set stores v under key, replacing any previous value, and returns the
// previous live value if there was one. ttl <= 0 means no expiry.
func (e *Engine) Set(key string, v value.Value, ttl time.Duration) (value.Value, bool, error) {
	if v.IsZero() {
		return value.Value{}, false, ErrEmptyValue
	}
	sh, err := e.shardFor(key)
	if err != nil {
		return value.Value{}, false, err
	}
	now := e.clock.NowMs()
	prev, existed, dropped := sh.set(key, v, ExpiresAt(now, ttl), now)
	e.notify(key, dropped)
	if !existed {
		return value.Value{}, false, nil
	}
	return prev.Value, true, nil
}

func (e *Engine) Delete(key string) (bool, error) {
	sh, err := e.shardFor(key)
	if err != nil {
		return false, err
	}
	existed, dropped := sh.del(key, e.clock.NowMs())
	e.notify(key, dropped)
	return existed, nil
}

func (e *Engine) Exists(key string) (bool, error) {
	sh, err := e.shardFor(key)
	if err != nil {
		return false, err
	}
	_, ok := sh.get(key, e.clock.NowMs())
	return ok, nil
}

// Incr adds delta to the numeric value at key, treating an absent key as
// zero. The result keeps the stored kind; overflow is ErrOverflow and leaves
// the stored value unchanged.
func (e *Engine) Incr(key string, delta value.Value) (value.Value, error) {
	return e.apply(key, delta, false)
}

func (e *Engine) Decr(key string, delta value.Value) (value.Value, error) {
	return e.apply(key, delta, true)
}

func (e *Engine) apply(key string, delta value.Value, negate bool) (value.Value, error) {
	sh, err := e.shardFor(key)
	if err != nil {
		return value.Value{}, err
	}
	ent, dropped, err := sh.update(key, e.clock.NowMs(), func(cur value.Value) (value.Value, error) {
		return addDelta(cur, delta, negate)
	})
	if err != nil {
		return value.Value{}, err
	}
	e.notify(key, dropped)
	return ent.Value, nil
}

// CleanupExpired sweeps the shards one at a time and returns how many
// entries it removed.
func (e *Engine) CleanupExpired() int {
	total := 0
	for _, sh := range e.shards {
		removed := sh.removeExpired(e.clock.NowMs())
		total += len(removed)
		if e.observer == nil {
			continue
		}
		for k, ent := range removed {
			e.observer.OnExpire(k, ent)
		}
	}
	return total
}

// Len counts live keys. Shards are visited one after another, so under
// concurrent writes the total is approximate.
func (e *Engine) Len() int {
	now := e.clock.NowMs()
	n := 0
	for _, sh := range e.shards {
		n += sh.live(now)
	}
	return n
}

func (e *Engine) notify(key string, dropped *Entry) {
	if dropped == nil || e.observer == nil {
		return
	}
	e.observer.OnExpire(key, *dropped)
}
