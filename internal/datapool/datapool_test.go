package datapool_test

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/segcache/segcache/internal/datapool"
)

func TestOpenCreatesRightSizedHeapAndStartsDirty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap")

	d, err := datapool.Open(path, 4, 1024)
	require.NoError(t, err)
	defer d.Close() //nolint:errcheck

	_, ok, err := d.ReadSuperblock()
	require.NoError(t, err)
	require.False(t, ok, "a freshly opened data pool has no clean superblock to recover")

	_, recoveredOK := d.Recovered()
	require.False(t, recoveredOK, "nothing to recover on first-ever open")

	require.Len(t, d.SegmentBytes(3), 1024)
}

func TestWriteThenReadSuperblockRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap")

	d, err := datapool.Open(path, 2, 64)
	require.NoError(t, err)
	defer d.Close() //nolint:errcheck

	copy(d.SegmentBytes(0), []byte("hello, segment zero"))

	metas := []datapool.SegmentMeta{
		{WriteOffset: 20, TTLBucketIdx: 3, CreateAt: 1000, Sealed: true},
		{},
	}
	id := uuid.New()
	require.NoError(t, d.WriteSuperblock(id, metas, 1234))

	sb, ok, err := d.ReadSuperblock()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id.String(), sb.InstanceID)
	require.Equal(t, metas, sb.Segments)
	require.Equal(t, int64(1234), sb.SavedAtSec)
}

func TestReopenAfterCleanShutdownRecoversSuperblockOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap")

	d, err := datapool.Open(path, 2, 64)
	require.NoError(t, err)
	copy(d.SegmentBytes(0), []byte("live bytes"))
	metas := []datapool.SegmentMeta{{WriteOffset: 10}, {}}
	id := uuid.New()
	require.NoError(t, d.WriteSuperblock(id, metas, 42))
	require.NoError(t, d.Close())

	// Reopening captures the prior clean superblock via Recovered, taken
	// before Open's own markDirty overwrites the on-disk record.
	d2, err := datapool.Open(path, 2, 64)
	require.NoError(t, err)
	defer d2.Close() //nolint:errcheck

	sb, ok := d2.Recovered()
	require.True(t, ok, "a clean prior shutdown must be recoverable")
	require.Equal(t, id.String(), sb.InstanceID)
	require.Equal(t, metas, sb.Segments)

	// But a live re-read now sees the dirty marker Open just wrote: the
	// on-disk record itself is not trusted again until the next clean
	// Close.
	_, liveOK, err := d2.ReadSuperblock()
	require.NoError(t, err)
	require.False(t, liveOK, "opening a data pool always marks it dirty until the next clean Close")
}

func TestReopenAfterUncleanShutdownIsNotRecoverable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap")

	d, err := datapool.Open(path, 2, 64)
	require.NoError(t, err)
	// Simulate a crash: close without ever calling WriteSuperblock, so the
	// on-disk record stays at the dirty marker Open itself wrote.
	require.NoError(t, d.Close())

	d2, err := datapool.Open(path, 2, 64)
	require.NoError(t, err)
	defer d2.Close() //nolint:errcheck

	_, ok := d2.Recovered()
	require.False(t, ok, "an unclean shutdown leaves nothing recoverable")
}

func TestRecoveryRejectsGeometryMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap")

	d, err := datapool.Open(path, 4, 128)
	require.NoError(t, err)
	require.NoError(t, d.WriteSuperblock(uuid.New(), make([]datapool.SegmentMeta, 4), 1))
	require.NoError(t, d.Close())

	// Reopen with a different segment count: same path, incompatible
	// geometry, must not claim the old superblock is recoverable.
	d2, err := datapool.Open(path, 8, 128)
	require.NoError(t, err)
	defer d2.Close() //nolint:errcheck

	_, ok := d2.Recovered()
	require.False(t, ok)
}

func TestRecoveryRejectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap")

	d, err := datapool.Open(path, 2, 64)
	require.NoError(t, err)
	require.NoError(t, d.WriteSuperblock(uuid.New(), make([]datapool.SegmentMeta, 2), 1))

	// Mutate the heap after the superblock was written but before Close,
	// simulating corruption (or a missed flush) that leaves the checksum
	// stale relative to the bytes actually on disk.
	copy(d.SegmentBytes(0), []byte("tampered"))
	require.NoError(t, d.Close())

	d2, err := datapool.Open(path, 2, 64)
	require.NoError(t, err)
	defer d2.Close() //nolint:errcheck

	_, ok := d2.Recovered()
	require.False(t, ok)
}

func TestSecondOpenOfSameDataPoolFailsToLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap")

	d, err := datapool.Open(path, 2, 64)
	require.NoError(t, err)
	defer d.Close() //nolint:errcheck

	_, err = datapool.Open(path, 2, 64)
	require.Error(t, err)
}
