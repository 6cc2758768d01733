package hashindex_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segcache/segcache/internal/hashindex"
	"github.com/segcache/segcache/internal/segment"
)

// fakeLocator backs a tiny in-memory key table for index tests, standing
// in for the item codec's "read the key at this (segID, offset)" role.
type fakeLocator struct {
	keys map[segment.ID]map[uint32]string
}

func newFakeLocator() *fakeLocator {
	return &fakeLocator{keys: map[segment.ID]map[uint32]string{}}
}

func (f *fakeLocator) put(segID segment.ID, offset uint32, key string) {
	if f.keys[segID] == nil {
		f.keys[segID] = map[uint32]string{}
	}
	f.keys[segID][offset] = key
}

func (f *fakeLocator) KeyMatches(segID segment.ID, offset uint32, key []byte) bool {
	m, ok := f.keys[segID]
	if !ok {
		return false
	}
	return m[offset] == string(key)
}

func TestInsertLookupDelete(t *testing.T) {
	loc := newFakeLocator()
	idx := hashindex.New(4, loc)

	loc.put(1, 100, "hello")
	var pinned segment.ID
	idx.Insert([]byte("hello"), 1, 100)

	segID, offset, found := idx.Lookup([]byte("hello"), func(id segment.ID) { pinned = id })
	require.True(t, found)
	require.Equal(t, segment.ID(1), segID)
	require.Equal(t, uint32(100), offset)
	require.Equal(t, segment.ID(1), pinned)

	_, _, found = idx.Lookup([]byte("missing"), func(segment.ID) {})
	require.False(t, found)

	segID, offset, found = idx.Delete([]byte("hello"))
	require.True(t, found)
	require.Equal(t, segment.ID(1), segID)
	require.Equal(t, uint32(100), offset)

	_, _, found = idx.Lookup([]byte("hello"), func(segment.ID) {})
	require.False(t, found)
}

func TestInsertSupplantsPriorEntry(t *testing.T) {
	loc := newFakeLocator()
	idx := hashindex.New(4, loc)

	loc.put(1, 10, "k")
	idx.Insert([]byte("k"), 1, 10)

	loc.put(2, 20, "k")
	oldSeg, oldOff, hadOld := idx.Insert([]byte("k"), 2, 20)
	require.True(t, hadOld)
	require.Equal(t, segment.ID(1), oldSeg)
	require.Equal(t, uint32(10), oldOff)

	segID, offset, found := idx.Lookup([]byte("k"), func(segment.ID) {})
	require.True(t, found)
	require.Equal(t, segment.ID(2), segID)
	require.Equal(t, uint32(20), offset)
}

func TestOverflowChainingBeyondSlotsPerBucket(t *testing.T) {
	loc := newFakeLocator()
	idx := hashindex.New(0, loc) // single bucket forces overflow quickly

	const n = 50
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%d", i)
		loc.put(segment.ID(i), uint32(i), k)
		idx.Insert([]byte(k), segment.ID(i), uint32(i))
	}

	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%d", i)
		segID, offset, found := idx.Lookup([]byte(k), func(segment.ID) {})
		require.True(t, found, "key %d should be found", i)
		require.Equal(t, segment.ID(i), segID)
		require.Equal(t, uint32(i), offset)
	}
}

func TestDeleteIfAtOnlyClearsExactMatch(t *testing.T) {
	loc := newFakeLocator()
	idx := hashindex.New(4, loc)

	loc.put(1, 10, "k")
	idx.Insert([]byte("k"), 1, 10)

	// Simulate a concurrent overwrite moving the key to a new segment.
	loc.put(2, 20, "k")
	idx.Insert([]byte("k"), 2, 20)

	// Evicting the stale old location must not clear the new one.
	cleared := idx.DeleteIfAt([]byte("k"), 1, 10)
	require.False(t, cleared)

	segID, offset, found := idx.Lookup([]byte("k"), func(segment.ID) {})
	require.True(t, found)
	require.Equal(t, segment.ID(2), segID)
	require.Equal(t, uint32(20), offset)
}

func TestUpdateLocationForMerge(t *testing.T) {
	loc := newFakeLocator()
	idx := hashindex.New(4, loc)

	loc.put(1, 10, "k")
	idx.Insert([]byte("k"), 1, 10)

	loc.put(9, 500, "k") // the merge has copied the item to its destination
	ok := idx.UpdateLocation([]byte("k"), 1, 10, 9, 500)
	require.True(t, ok)

	segID, offset, found := idx.Lookup([]byte("k"), func(segment.ID) {})
	require.True(t, found)
	require.Equal(t, segment.ID(9), segID)
	require.Equal(t, uint32(500), offset)

	// Stale update (wrong old location) must be rejected.
	ok = idx.UpdateLocation([]byte("k"), 1, 10, 2, 2)
	require.False(t, ok)
}
