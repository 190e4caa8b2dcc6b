package store

import (
	"sync"

	"github.com/loganszeto/shardkv/internal/value"
)

// Shard is one independently locked slice of the keyspace. Readers take the
// shared lock and never mutate; anything that writes takes the exclusive lock.
type Shard struct {
	mu sync.RWMutex
	m  map[string]Entry
}

func newShard() *Shard {
	return &Shard{
		m: make(map[string]Entry),
	}
}

func (s *Shard) get(key string, nowMs int64) (Entry, bool) {
	s.mu.RLock()
	ent, ok := s.m[key]
	s.mu.RUnlock()
	if !ok || ent.expired(nowMs) {
		return Entry{}, false
	}
	return ent, true
}

// set returns the live entry it replaced, if any, and any expired entry it
// dropped on the way.
func (s *Shard) set(key string, v value.Value, expiresAtMs, nowMs int64) (prev Entry, existed bool, dropped *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.m[key]
	if ok && old.expired(nowMs) {
		dropped = &old
		ok = false
	}
	var version uint64 = 1
	if ok {
		version = old.Version + 1
	}
	s.m[key] = Entry{Value: v, ExpiresAtMs: expiresAtMs, Version: version}
	return old, ok, dropped
}

func (s *Shard) del(key string, nowMs int64) (existed bool, dropped *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.m[key]
	if !ok {
		return false, nil
	}
	delete(s.m, key)
	if old.expired(nowMs) {
		return false, &old
	}
	return true, nil
}

// update applies fn to the live value under the exclusive lock. fn sees the
// zero Value when the key is absent; on error the entry is left untouched.
func (s *Shard) update(key string, nowMs int64, fn func(cur value.Value) (value.Value, error)) (Entry, *Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.m[key]
	var dropped *Entry
	if ok && old.expired(nowMs) {
		ok = false
	}
	cur := value.Value{}
	if ok {
		cur = old.Value
	}
	next, err := fn(cur)
	if err != nil {
		return Entry{}, nil, err
	}
	ent := Entry{Value: next, Version: 1}
	if ok {
		ent.ExpiresAtMs = old.ExpiresAtMs
		ent.Version = old.Version + 1
	} else if _, present := s.m[key]; present {
		dropped = &old
	}
	s.m[key] = ent
	return ent, dropped, nil
}

func (s *Shard) removeExpired(nowMs int64) map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed map[string]Entry
	for k, ent := range s.m {
		if !ent.expired(nowMs) {
			continue
		}
		if removed == nil {
			removed = make(map[string]Entry)
		}
		removed[k] = ent
		delete(s.m, k)
	}
	return removed
}

func (s *Shard) live(nowMs int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ent := range s.m {
		if !ent.expired(nowMs) {
			n++
		}
	}
	return n
}
