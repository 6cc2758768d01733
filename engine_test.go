package segcache_test

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segcache/segcache"
)

func newTestEngine(t *testing.T, cfg segcache.Config) *segcache.Engine {
	t.Helper()
	e, err := segcache.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestSetGetRoundTrip(t *testing.T) {
	e := newTestEngine(t, segcache.Config{SegmentSize: 4096, HeapSize: 64 * 4096})

	require.NoError(t, e.Set([]byte("a"), []byte("hello"), 7, 3600))

	v, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(v.Value))
	require.Equal(t, uint32(7), v.Flags)

	_, err = e.Get([]byte("missing"))
	require.Equal(t, segcache.KindNotFound, segcache.Kind(err))
}

func TestAddFailsWhenKeyExists(t *testing.T) {
	e := newTestEngine(t, segcache.Config{SegmentSize: 4096, HeapSize: 64 * 4096})

	require.NoError(t, e.Add([]byte("a"), []byte("1"), 0, 60))
	err := e.Add([]byte("a"), []byte("2"), 0, 60)
	require.Equal(t, segcache.KindExists, segcache.Kind(err))

	v, _ := e.Get([]byte("a"))
	require.Equal(t, "1", string(v.Value))
}

func TestReplaceFailsWhenKeyMissing(t *testing.T) {
	e := newTestEngine(t, segcache.Config{SegmentSize: 4096, HeapSize: 64 * 4096})

	err := e.Replace([]byte("ghost"), []byte("x"), 0, 60)
	require.Equal(t, segcache.KindNotStored, segcache.Kind(err))
}

func TestCasConflictAndSuccess(t *testing.T) {
	e := newTestEngine(t, segcache.Config{SegmentSize: 4096, HeapSize: 64 * 4096})

	require.NoError(t, e.Set([]byte("a"), []byte("v1"), 0, 60))
	v, err := e.Gets([]byte("a"))
	require.NoError(t, err)

	err = e.Cas([]byte("a"), []byte("v2"), 0, 60, v.CAS+1)
	require.Equal(t, segcache.KindExists, segcache.Kind(err))

	require.NoError(t, e.Cas([]byte("a"), []byte("v2"), 0, 60, v.CAS))
	got, _ := e.Get([]byte("a"))
	require.Equal(t, "v2", string(got.Value))
}

func TestDeleteRemovesKey(t *testing.T) {
	e := newTestEngine(t, segcache.Config{SegmentSize: 4096, HeapSize: 64 * 4096})

	require.NoError(t, e.Set([]byte("a"), []byte("v"), 0, 60))
	found, err := e.Delete([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)

	found, err = e.Delete([]byte("a"))
	require.NoError(t, err)
	require.False(t, found)

	_, err = e.Get([]byte("a"))
	require.Equal(t, segcache.KindNotFound, segcache.Kind(err))
}

func TestIncrDecrNumericFastPath(t *testing.T) {
	e := newTestEngine(t, segcache.Config{SegmentSize: 4096, HeapSize: 64 * 4096})

	require.NoError(t, e.Set([]byte("counter"), []byte("10"), 0, 60))

	n, err := e.Incr([]byte("counter"), 5)
	require.NoError(t, err)
	require.Equal(t, uint64(15), n)

	n, err = e.Decr([]byte("counter"), 100)
	require.NoError(t, err)
	require.Equal(t, uint64(0), n, "decr below zero saturates")

	_, err = e.Incr([]byte("missing"), 1)
	require.Equal(t, segcache.KindNotFound, segcache.Kind(err))
}

func TestIncrOnNonNumericValueIsClientError(t *testing.T) {
	e := newTestEngine(t, segcache.Config{SegmentSize: 4096, HeapSize: 64 * 4096})

	require.NoError(t, e.Set([]byte("a"), []byte("not-a-number"), 0, 60))
	_, err := e.Incr([]byte("a"), 1)
	require.Equal(t, segcache.KindClientError, segcache.Kind(err))
}

func TestIncrOverflowIsRejectedWithoutMutatingState(t *testing.T) {
	e := newTestEngine(t, segcache.Config{SegmentSize: 4096, HeapSize: 64 * 4096})

	require.NoError(t, e.Set([]byte("n"), []byte("10"), 0, 3600))
	n, err := e.Incr([]byte("n"), 5)
	require.NoError(t, err)
	require.Equal(t, uint64(15), n)

	_, err = e.Incr([]byte("n"), math.MaxUint64)
	require.Equal(t, segcache.KindClientError, segcache.Kind(err))

	v, err := e.Get([]byte("n"))
	require.NoError(t, err)
	require.Equal(t, "15", string(v.Value), "a rejected overflow must leave the stored value untouched")
}

func TestAppendPrependOntoNumericFastPathValue(t *testing.T) {
	e := newTestEngine(t, segcache.Config{SegmentSize: 4096, HeapSize: 64 * 4096})

	// "10" parses as the numeric fast path, so its on-disk value is 8 raw
	// binary bytes, not the ASCII digits — Append/Prepend must decode it
	// back to "10" before concatenating, not splice in the binary encoding.
	require.NoError(t, e.Set([]byte("n"), []byte("10"), 0, 3600))
	require.NoError(t, e.Append([]byte("n"), []byte("x")))

	v, err := e.Get([]byte("n"))
	require.NoError(t, err)
	require.Equal(t, "10x", string(v.Value))
}

func TestAppendPrepend(t *testing.T) {
	e := newTestEngine(t, segcache.Config{SegmentSize: 4096, HeapSize: 64 * 4096})

	require.NoError(t, e.Set([]byte("a"), []byte("cd"), 0, 60))
	require.NoError(t, e.Append([]byte("a"), []byte("ef")))
	v, _ := e.Get([]byte("a"))
	require.Equal(t, "cdef", string(v.Value))

	require.NoError(t, e.Prepend([]byte("a"), []byte("ab")))
	v, _ = e.Get([]byte("a"))
	require.Equal(t, "abcdef", string(v.Value))

	err := e.Append([]byte("ghost"), []byte("x"))
	require.Equal(t, segcache.KindNotStored, segcache.Kind(err))
}

func TestFlushHidesOlderItemsOnly(t *testing.T) {
	e := newTestEngine(t, segcache.Config{SegmentSize: 4096, HeapSize: 64 * 4096})

	require.NoError(t, e.Set([]byte("old"), []byte("v"), 0, 60))
	e.Flush()
	require.NoError(t, e.Set([]byte("new"), []byte("v"), 0, 60))

	_, err := e.Get([]byte("old"))
	require.Equal(t, segcache.KindNotFound, segcache.Kind(err))

	_, err = e.Get([]byte("new"))
	require.NoError(t, err)
}

func TestOverSizeValueRejected(t *testing.T) {
	e := newTestEngine(t, segcache.Config{SegmentSize: 4096, HeapSize: 64 * 4096, MaxItemSizeBytes: 64})

	big := make([]byte, 1024)
	err := e.Set([]byte("a"), big, 0, 60)
	require.Equal(t, segcache.KindOverSize, segcache.Kind(err))
}

func TestRollsToNewSegmentWhenActiveSegmentFills(t *testing.T) {
	e := newTestEngine(t, segcache.Config{SegmentSize: 512, HeapSize: 64 * 512, MaxItemSizeBytes: 256})

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		require.NoError(t, e.Set(key, []byte("some-moderately-sized-value"), 0, 3600))
	}
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		v, err := e.Get(key)
		require.NoError(t, err, "key %d should still be reachable after rolling across segments", i)
		require.Equal(t, "some-moderately-sized-value", string(v.Value))
	}
}

func TestDataPoolPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap")
	cfg := segcache.Config{SegmentSize: 4096, HeapSize: 8 * 4096, DataPoolPath: path}

	e1, err := segcache.New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, e1.Set([]byte("durable"), []byte("v1"), 3, 3600))
	require.NoError(t, e1.Close())

	e2, err := segcache.New(context.Background(), cfg)
	require.NoError(t, err)
	defer e2.Close() //nolint:errcheck

	v, err := e2.Get([]byte("durable"))
	require.NoError(t, err, "a clean Close followed by a reopen should warm-start from the data pool")
	require.Equal(t, "v1", string(v.Value))
	require.Equal(t, uint32(3), v.Flags)

	require.NoError(t, e2.Set([]byte("durable2"), []byte("v2"), 0, 3600))
	v2, err := e2.Get([]byte("durable2"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(v2.Value))
}

func TestEvictionReclaimsUnderMemoryPressure(t *testing.T) {
	e := newTestEngine(t, segcache.Config{
		SegmentSize:      512,
		HeapSize:         4 * 512,
		MaxItemSizeBytes: 256,
		EvictionPolicy:   segcache.EvictRandom,
	})

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		err := e.Set(key, []byte("some-moderately-sized-value"), 0, 3600)
		require.NoError(t, err, "iteration %d should reclaim a segment rather than run out of memory", i)
	}
}
