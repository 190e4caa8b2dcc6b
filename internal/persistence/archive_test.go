package persistence

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/loganszeto/shardkv/internal/store"
	"github.com/loganszeto/shardkv/internal/util"
	"github.com/loganszeto/shardkv/internal/value"
)

func sampleRecords() []Record {
	return []Record{
		{Op: OpExpired, Key: "session:1", Value: value.String("token"), ExpiresAtMs: 1_000, Version: 1},
		{Op: OpExpired, Key: "", Value: value.Int(-7), ExpiresAtMs: 2_000, Version: 4},
		{Op: OpExpired, Key: "cart", Value: value.Map(map[string]value.Value{
			"items": value.List(value.Bytes([]byte{0, 1}), value.Float(1.5)),
			"total": value.Decimal(decimal.RequireFromString("19.99")),
		}), ExpiresAtMs: 3_000, Version: 9},
	}
}

func writeArchive(t *testing.T, dir string, recs []Record) string {
	t.Helper()
	a, err := OpenArchive(dir, Options{Fsync: true})
	require.NoError(t, err)
	for _, rec := range recs {
		require.NoError(t, a.Append(rec))
	}
	n, err := a.Flush()
	require.NoError(t, err)
	assert.Equal(t, len(recs), n)
	require.NoError(t, a.Close())
	return a.Path()
}

func scanAll(t *testing.T, path string) []Record {
	t.Helper()
	var got []Record
	_, err := Scan(path, func(rec Record) error {
		got = append(got, rec)
		return nil
	})
	require.NoError(t, err)
	return got
}

func assertRecords(t *testing.T, want, got []Record) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Op, got[i].Op)
		assert.Equal(t, want[i].Key, got[i].Key)
		assert.Equal(t, want[i].ExpiresAtMs, got[i].ExpiresAtMs)
		assert.Equal(t, want[i].Version, got[i].Version)
		assert.True(t, want[i].Value.Equal(got[i].Value), "record %d value", i)
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	recs := sampleRecords()
	path := writeArchive(t, t.TempDir(), recs)
	assertRecords(t, recs, scanAll(t, path))
}

func TestArchiveAppendsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	recs := sampleRecords()
	writeArchive(t, dir, recs[:1])
	path := writeArchive(t, dir, recs[1:])
	assertRecords(t, recs, scanAll(t, path))
}

func TestScanStopsAtTornTail(t *testing.T) {
	recs := sampleRecords()
	path := writeArchive(t, t.TempDir(), recs)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	assertRecords(t, recs[:2], scanAll(t, path))
}

func TestScanStopsAtCorruptRecord(t *testing.T) {
	recs := sampleRecords()
	path := writeArchive(t, t.TempDir(), recs)

	first, err := Encode(recs[0])
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(first)+headerSize] ^= 0xff // inside the second record body
	require.NoError(t, os.WriteFile(path, data, 0o644))

	assertRecords(t, recs[:1], scanAll(t, path))
}

func TestScanMissingFile(t *testing.T) {
	n, err := Scan(ArchivePath(t.TempDir()), func(Record) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScanCallbackError(t *testing.T) {
	path := writeArchive(t, t.TempDir(), sampleRecords())
	boom := errors.New("boom")
	n, err := Scan(path, func(Record) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, n)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	data, err := Encode(sampleRecords()[0])
	require.NoError(t, err)
	data[0] = 'X'
	_, err = DecodeFrom(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestEncodeRejectsEmptyValue(t *testing.T) {
	_, err := Encode(Record{Op: OpExpired, Key: "k"})
	assert.Error(t, err)
}

func TestArchiveObservesEngineExpiry(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenArchive(dir, Options{})
	require.NoError(t, err)
	defer a.Close()

	clock := util.NewManualClock(10_000)
	e, err := store.New(4, store.WithClock(clock), store.WithObserver(a))
	require.NoError(t, err)

	_, _, err = e.Set("a", value.String("x"), time.Second)
	require.NoError(t, err)
	_, _, err = e.Set("a", value.String("y"), time.Second)
	require.NoError(t, err)
	_, _, err = e.Set("b", value.Int(1), 0)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	require.Equal(t, 1, e.CleanupExpired())

	n, err := a.Flush()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := scanAll(t, a.Path())
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Key)
	assert.True(t, got[0].Value.Equal(value.String("y")))
	assert.Equal(t, uint64(2), got[0].Version)
	assert.Equal(t, int64(11_000), got[0].ExpiresAtMs)
	assert.Zero(t, a.Failed())
}

func TestArchiveClosed(t *testing.T) {
	a, err := OpenArchive(t.TempDir(), Options{})
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.ErrorIs(t, a.Append(sampleRecords()[0]), os.ErrClosed)
	_, err = a.Flush()
	assert.ErrorIs(t, err, os.ErrClosed)

	a.OnExpire("k", store.Entry{Value: value.Int(1), Version: 1})
	assert.Equal(t, 1, a.Failed())
}

type fakeUploader struct {
	paths []string
	err   error
}

func (f *fakeUploader) Upload(_ context.Context, path string) error {
	f.paths = append(f.paths, path)
	return f.err
}

func TestPublisher(t *testing.T) {
	a, err := OpenArchive(t.TempDir(), Options{})
	require.NoError(t, err)
	defer a.Close()
	up := &fakeUploader{}
	p := NewPublisher(a, up, nil)
	ctx := context.Background()

	// Nothing pending: no upload.
	require.NoError(t, p.Publish(ctx))
	assert.Empty(t, up.paths)

	a.OnExpire("k", store.Entry{Value: value.Int(1), ExpiresAtMs: 5, Version: 1})
	require.NoError(t, p.Publish(ctx))
	assert.Equal(t, []string{a.Path()}, up.paths)
	assert.Len(t, scanAll(t, a.Path()), 1)

	up.err = errors.New("unavailable")
	a.OnExpire("k2", store.Entry{Value: value.Int(2), ExpiresAtMs: 5, Version: 1})
	assert.ErrorIs(t, p.Publish(ctx), up.err)
	assert.NotPanics(t, func() { p.AfterSweep(ctx, 1) })
}

func TestPublisherFlushesWriteRetiredEntries(t *testing.T) {
	clock := util.NewManualClock(10_000)
	a, err := OpenArchive(t.TempDir(), Options{})
	require.NoError(t, err)
	defer a.Close()
	e, err := store.New(2, store.WithClock(clock), store.WithObserver(a))
	require.NoError(t, err)
	up := &fakeUploader{}
	p := NewPublisher(a, up, nil)

	_, _, err = e.Set("session", value.String("old"), time.Second)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	_, _, err = e.Set("session", value.String("new"), 0)
	require.NoError(t, err)

	// The overwrite retired the entry, so the sweep itself finds nothing.
	require.Zero(t, e.CleanupExpired())
	p.AfterSweep(context.Background(), 0)

	got := scanAll(t, a.Path())
	require.Len(t, got, 1)
	assert.True(t, got[0].Value.Equal(value.String("old")))
	assert.Equal(t, []string{a.Path()}, up.paths)
}

func TestPublisherWithoutUploader(t *testing.T) {
	a, err := OpenArchive(t.TempDir(), Options{})
	require.NoError(t, err)
	defer a.Close()
	a.OnExpire("k", store.Entry{Value: value.Int(1), Version: 1})
	require.NoError(t, NewPublisher(a, nil, nil).Publish(context.Background()))
	assert.Len(t, scanAll(t, a.Path()), 1)
}

func TestGCSUploaderMissingFileIsNoop(t *testing.T) {
	ctx := context.Background()
	u, err := NewGCSUploader(ctx, "bucket", "expired.log", option.WithoutAuthentication())
	require.NoError(t, err)
	defer u.Close()
	assert.NoError(t, u.Upload(ctx, ArchivePath(t.TempDir())))
}

func TestGCSUploaderNeedsTarget(t *testing.T) {
	_, err := NewGCSUploader(context.Background(), "", "obj")
	assert.Error(t, err)
}
