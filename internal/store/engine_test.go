package store

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loganszeto/shardkv/internal/util"
	"github.com/loganszeto/shardkv/internal/value"
)

func newTestEngine(t *testing.T, shards int, opts ...Option) (*Engine, *util.ManualClock) {
	t.Helper()
	clock := util.NewManualClock(1_000_000)
	e, err := New(shards, append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	return e, clock
}

// keysInDifferentShards returns two keys that hash to different shards.
func keysInDifferentShards(t *testing.T, e *Engine) (string, string) {
	t.Helper()
	first := "k0"
	for i := 1; i < 1000; i++ {
		k := fmt.Sprintf("k%d", i)
		if e.ShardOf(k) != e.ShardOf(first) {
			return first, k
		}
	}
	t.Fatal("no pair of keys in different shards")
	return "", ""
}

func TestNewRejectsBadShardCount(t *testing.T) {
	for _, n := range []int{0, -1} {
		_, err := New(n)
		assert.Error(t, err)
	}
}

func TestShardOfIsStable(t *testing.T) {
	a, _ := newTestEngine(t, 8)
	b, _ := newTestEngine(t, 8)
	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("key:%d", i)
		idx := a.ShardOf(k)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 8)
		assert.Equal(t, idx, a.ShardOf(k))
		assert.Equal(t, idx, b.ShardOf(k))
	}
	assert.Equal(t, 8, a.ShardCount())
}

func TestSetGetPreservesKindAndContent(t *testing.T) {
	e, _ := newTestEngine(t, 4)
	vals := map[string]value.Value{
		"s":   value.String("hello"),
		"i":   value.Int(-9),
		"f":   value.Float(2.5),
		"d":   value.Decimal(decimal.RequireFromString("10.01")),
		"b":   value.Bytes([]byte{1, 2, 3}),
		"l":   value.List(value.Int(1), value.String("x")),
		"m":   value.Map(map[string]value.Value{"n": value.Int(1)}),
		"Key": value.String("case sensitive"),
	}
	for k, v := range vals {
		_, existed, err := e.Set(k, v, 0)
		require.NoError(t, err)
		assert.False(t, existed)
	}
	for k, v := range vals {
		got, err := e.Get(k)
		require.NoError(t, err)
		assert.Equal(t, v.Kind(), got.Kind())
		assert.True(t, v.Equal(got), "key %s: want %s got %s", k, v, got)
	}
	_, err := e.Get("key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetReturnsPreviousAndBumpsVersion(t *testing.T) {
	e, _ := newTestEngine(t, 4)

	_, existed, err := e.Set("a", value.Int(1), 0)
	require.NoError(t, err)
	assert.False(t, existed)

	prev, existed, err := e.Set("a", value.String("two"), 0)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.True(t, prev.Equal(value.Int(1)))

	ent, err := e.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ent.Version)
	assert.Equal(t, value.KindString, ent.Value.Kind())
}

func TestSetRejectsEmptyValueAndLongKey(t *testing.T) {
	e, _ := newTestEngine(t, 2)
	_, _, err := e.Set("a", value.Value{}, 0)
	assert.ErrorIs(t, err, ErrEmptyValue)

	long := strings.Repeat("x", MaxKeyLen+1)
	_, _, err = e.Set(long, value.Int(1), 0)
	assert.ErrorIs(t, err, ErrKeyTooLong)
	_, err = e.Get(long)
	assert.ErrorIs(t, err, ErrKeyTooLong)
}

func TestDelete(t *testing.T) {
	e, _ := newTestEngine(t, 4)
	_, _, err := e.Set("a", value.Int(1), 0)
	require.NoError(t, err)

	existed, err := e.Delete("a")
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = e.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)

	existed, err = e.Delete("a")
	require.NoError(t, err)
	assert.False(t, existed)

	existed, err = e.Delete("never")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestExists(t *testing.T) {
	e, clock := newTestEngine(t, 4)
	ok, err := e.Exists("a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = e.Set("a", value.Int(1), 50*time.Millisecond)
	require.NoError(t, err)
	ok, _ = e.Exists("a")
	assert.True(t, ok)

	clock.Advance(50 * time.Millisecond)
	ok, _ = e.Exists("a")
	assert.False(t, ok)
}

func TestLazyExpiryDoesNotMutate(t *testing.T) {
	e, clock := newTestEngine(t, 1)
	_, _, err := e.Set("a", value.Int(1), 100*time.Millisecond)
	require.NoError(t, err)

	got, err := e.Get("a")
	require.NoError(t, err)
	assert.True(t, got.Equal(value.Int(1)))

	clock.Advance(99 * time.Millisecond)
	_, err = e.Get("a")
	require.NoError(t, err)

	clock.Advance(time.Millisecond)
	_, err = e.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)

	// still physically present until a sweep
	assert.Len(t, e.shards[0].m, 1)
	assert.Equal(t, 0, e.Len())
}

func TestLazyExpiryWithRealClock(t *testing.T) {
	e, err := New(4)
	require.NoError(t, err)

	_, _, err = e.Set("k", value.String("v"), 100*time.Millisecond)
	require.NoError(t, err)
	got, err := e.Get("k")
	require.NoError(t, err)
	assert.True(t, got.Equal(value.String("v")))

	time.Sleep(150 * time.Millisecond)
	_, err = e.Get("k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetOverExpiredEntryStartsFresh(t *testing.T) {
	var expired []string
	e, clock := newTestEngine(t, 2, WithObserver(ObserverFunc(func(key string, _ Entry) {
		expired = append(expired, key)
	})))
	_, _, err := e.Set("a", value.Int(1), 10*time.Millisecond)
	require.NoError(t, err)
	_, _, err = e.Set("a", value.Int(2), 10*time.Millisecond)
	require.NoError(t, err)
	clock.Advance(20 * time.Millisecond)

	_, existed, err := e.Set("a", value.Int(3), 0)
	require.NoError(t, err)
	assert.False(t, existed)

	ent, err := e.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ent.Version)
	assert.Equal(t, int64(0), ent.ExpiresAtMs)
	assert.Equal(t, []string{"a"}, expired)
}

func TestCleanupExpired(t *testing.T) {
	removed := map[string]Entry{}
	var mu sync.Mutex
	e, clock := newTestEngine(t, 4, WithObserver(ObserverFunc(func(key string, ent Entry) {
		mu.Lock()
		removed[key] = ent
		mu.Unlock()
	})))

	for i := 0; i < 10; i++ {
		_, _, err := e.Set(fmt.Sprintf("short:%d", i), value.Int(int64(i)), 10*time.Millisecond)
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		_, _, err := e.Set(fmt.Sprintf("long:%d", i), value.Int(int64(i)), time.Hour)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, _, err := e.Set(fmt.Sprintf("forever:%d", i), value.Int(int64(i)), 0)
		require.NoError(t, err)
	}

	assert.Equal(t, 0, e.CleanupExpired())

	clock.Advance(10 * time.Millisecond)
	assert.Equal(t, 10, e.CleanupExpired())
	assert.Equal(t, 0, e.CleanupExpired())
	assert.Equal(t, 8, e.Len())

	assert.Len(t, removed, 10)
	for k := range removed {
		assert.True(t, strings.HasPrefix(k, "short:"))
	}
	for i := 0; i < 5; i++ {
		_, err := e.Get(fmt.Sprintf("long:%d", i))
		assert.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := e.Get(fmt.Sprintf("forever:%d", i))
		assert.NoError(t, err)
	}
}

func TestIncrDecr(t *testing.T) {
	e, _ := newTestEngine(t, 4)

	got, err := e.Incr("n", value.Int(5))
	require.NoError(t, err)
	assert.True(t, got.Equal(value.Int(5)))

	got, err = e.Incr("n", value.Int(3))
	require.NoError(t, err)
	assert.True(t, got.Equal(value.Int(8)))

	got, err = e.Decr("n", value.Int(10))
	require.NoError(t, err)
	assert.True(t, got.Equal(value.Int(-2)))

	ent, err := e.Lookup("n")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ent.Version)

	got, err = e.Decr("fresh", value.Int(4))
	require.NoError(t, err)
	assert.True(t, got.Equal(value.Int(-4)))
}

func TestIncrOnExistingIntegerUpdatesVersion(t *testing.T) {
	e, _ := newTestEngine(t, 4)
	_, _, err := e.Set("a", value.Int(1), 0)
	require.NoError(t, err)

	got, err := e.Incr("a", value.Int(5))
	require.NoError(t, err)
	assert.True(t, got.Equal(value.Int(6)))

	ent, err := e.Lookup("a")
	require.NoError(t, err)
	assert.True(t, ent.Value.Equal(value.Int(6)))
	assert.Equal(t, uint64(2), ent.Version)
}

func TestIncrTypeMismatch(t *testing.T) {
	e, _ := newTestEngine(t, 4)
	_, _, err := e.Set("s", value.String("hello"), 0)
	require.NoError(t, err)

	_, err = e.Incr("s", value.Int(1))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	ent, err := e.Lookup("s")
	require.NoError(t, err)
	assert.True(t, ent.Value.Equal(value.String("hello")))
	assert.Equal(t, uint64(1), ent.Version)

	_, _, err = e.Set("i", value.Int(2), 0)
	require.NoError(t, err)
	_, err = e.Incr("i", value.String("x"))
	assert.ErrorIs(t, err, ErrTypeMismatch)
	got, _ := e.Get("i")
	assert.True(t, got.Equal(value.Int(2)))

	_, err = e.Incr("absent", value.Bytes([]byte("1")))
	assert.ErrorIs(t, err, ErrTypeMismatch)
	ok, _ := e.Exists("absent")
	assert.False(t, ok)
}

func TestIncrOverflowIsAnError(t *testing.T) {
	e, _ := newTestEngine(t, 4)
	_, _, err := e.Set("max", value.Int(math.MaxInt64-1), 0)
	require.NoError(t, err)

	got, err := e.Incr("max", value.Int(1))
	require.NoError(t, err)
	assert.True(t, got.Equal(value.Int(math.MaxInt64)))

	_, err = e.Incr("max", value.Int(1))
	assert.ErrorIs(t, err, ErrOverflow)
	got, _ = e.Get("max")
	assert.True(t, got.Equal(value.Int(math.MaxInt64)))

	_, _, err = e.Set("min", value.Int(math.MinInt64), 0)
	require.NoError(t, err)
	_, err = e.Decr("min", value.Int(1))
	assert.ErrorIs(t, err, ErrOverflow)
	_, err = e.Decr("zero", value.Int(math.MinInt64))
	assert.ErrorIs(t, err, ErrOverflow)

	_, _, err = e.Set("f", value.Float(math.MaxFloat64), 0)
	require.NoError(t, err)
	_, err = e.Incr("f", value.Float(math.MaxFloat64))
	assert.ErrorIs(t, err, ErrOverflow)
	got, _ = e.Get("f")
	assert.True(t, got.Equal(value.Float(math.MaxFloat64)))
}

func TestIncrKeepsStoredKind(t *testing.T) {
	e, _ := newTestEngine(t, 4)

	_, _, err := e.Set("i", value.Int(10), 0)
	require.NoError(t, err)
	got, err := e.Incr("i", value.Float(2))
	require.NoError(t, err)
	assert.True(t, got.Equal(value.Int(12)))
	_, err = e.Incr("i", value.Float(0.5))
	assert.ErrorIs(t, err, ErrTypeMismatch)
	got, err = e.Incr("i", value.Decimal(decimal.NewFromInt(3)))
	require.NoError(t, err)
	assert.True(t, got.Equal(value.Int(15)))
	_, err = e.Incr("i", value.Decimal(decimal.RequireFromString("0.1")))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, _, err = e.Set("f", value.Float(1.5), 0)
	require.NoError(t, err)
	got, err = e.Incr("f", value.Int(2))
	require.NoError(t, err)
	assert.True(t, got.Equal(value.Float(3.5)))

	_, _, err = e.Set("d", value.Decimal(decimal.RequireFromString("0.1")), 0)
	require.NoError(t, err)
	got, err = e.Incr("d", value.Decimal(decimal.RequireFromString("0.2")))
	require.NoError(t, err)
	assert.True(t, got.Equal(value.Decimal(decimal.RequireFromString("0.3"))))
	got, err = e.Decr("d", value.Int(1))
	require.NoError(t, err)
	assert.True(t, got.Equal(value.Decimal(decimal.RequireFromString("-0.7"))))

	got, err = e.Incr("newf", value.Float(0.25))
	require.NoError(t, err)
	assert.Equal(t, value.KindFloat, got.Kind())
}

func TestIncrPreservesTTL(t *testing.T) {
	e, clock := newTestEngine(t, 4)
	_, _, err := e.Set("c", value.Int(1), time.Second)
	require.NoError(t, err)
	before, _ := e.Lookup("c")

	clock.Advance(100 * time.Millisecond)
	_, err = e.Incr("c", value.Int(1))
	require.NoError(t, err)
	after, _ := e.Lookup("c")
	assert.Equal(t, before.ExpiresAtMs, after.ExpiresAtMs)

	clock.Advance(time.Second)
	got, err := e.Incr("c", value.Int(1))
	require.NoError(t, err)
	assert.True(t, got.Equal(value.Int(1)))
	fresh, _ := e.Lookup("c")
	assert.Equal(t, int64(0), fresh.ExpiresAtMs)
	assert.Equal(t, uint64(1), fresh.Version)
}

func TestDifferentShardsDoNotBlock(t *testing.T) {
	e, _ := newTestEngine(t, 4)
	blockedKey, freeKey := keysInDifferentShards(t, e)

	// Hold the first key's shard lock to simulate a slow operation there.
	held := e.shards[e.ShardOf(blockedKey)]
	held.mu.Lock()

	blockedDone := make(chan struct{})
	go func() {
		_, _, _ = e.Set(blockedKey, value.Int(1), 0)
		close(blockedDone)
	}()

	freeDone := make(chan struct{})
	go func() {
		_, _, _ = e.Set(freeKey, value.Int(2), 0)
		close(freeDone)
	}()

	select {
	case <-freeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("set on an unrelated shard blocked")
	}

	select {
	case <-blockedDone:
		t.Fatal("set on the held shard should still be waiting")
	case <-time.After(50 * time.Millisecond):
	}

	held.mu.Unlock()
	select {
	case <-blockedDone:
	case <-time.After(2 * time.Second):
		t.Fatal("set never completed after the lock was released")
	}
	got, err := e.Get(blockedKey)
	require.NoError(t, err)
	assert.True(t, got.Equal(value.Int(1)))
}

func TestConcurrentIncrIsLinearized(t *testing.T) {
	e, _ := newTestEngine(t, 8)
	const workers = 16
	const loops = 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < loops; i++ {
				_, err := e.Incr("counter", value.Int(1))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	ent, err := e.Lookup("counter")
	require.NoError(t, err)
	assert.True(t, ent.Value.Equal(value.Int(workers*loops)))
	assert.Equal(t, uint64(workers*loops), ent.Version)
}

func TestEndToEndScenario(t *testing.T) {
	e, _ := newTestEngine(t, 4)
	_, _, err := e.Set("a", value.Int(1), 0)
	require.NoError(t, err)
	_, _, err = e.Set("b", value.Int(2), 0)
	require.NoError(t, err)

	got, err := e.Get("a")
	require.NoError(t, err)
	assert.True(t, got.Equal(value.Int(1)))

	got, err = e.Incr("a", value.Int(5))
	require.NoError(t, err)
	assert.True(t, got.Equal(value.Int(6)))
	got, _ = e.Get("a")
	assert.True(t, got.Equal(value.Int(6)))

	_, err = e.Incr("b", value.String("x"))
	assert.ErrorIs(t, err, ErrTypeMismatch)
	got, _ = e.Get("b")
	assert.True(t, got.Equal(value.Int(2)))
}
