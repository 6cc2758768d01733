// Package hashindex implements the engine's open-addressed, bucketed hash
// table mapping key -> (segment ID, offset). It is the generalization of
// the teacher's committedBlockIndex (block/committed_block_index.go),
// which maps content IDs to pack-file locations through a merged set of
// sorted indexes; here the lookup structure is inverted to a bucketed hash
// table because the spec requires O(1) routing with tag-based early
// rejection rather than a sorted scan (spec.md §4.3, invariant 6).
package hashindex

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/segcache/segcache/internal/segment"
)

const (
	// slotsPerBucket is the number of (tag, segID, offset) entries a
	// single bucket holds before chaining to an overflow bucket. Each slot
	// takes 16 bytes, so a bucket with its lock spans a few cache lines.
	slotsPerBucket = 7

	// tagBits is the width of the short hash-derived tag stored in each
	// slot for cheap early rejection (spec.md §3 invariant 6). The
	// original Pelikan segcache derives a 3-byte (24-bit) tag from bits
	// above those used for the bucket index; SPEC_FULL keeps that split.
	tagBits = 24
	tagMask = (1 << tagBits) - 1
)

// Locator lets the index ask "does the item at this (segID, offset) have
// this exact key, and is it still live?" without knowing anything about
// item encoding itself — that stays the item package's job.
type Locator interface {
	KeyMatches(segID segment.ID, offset uint32, key []byte) bool
}

type slot struct {
	used   bool
	tag    uint32
	segID  segment.ID
	offset uint32
}

// bucket is one fixed-size group of slots plus an optional chain to
// an overflow bucket. All reads and mutations of a bucket's slots (and of
// everything hanging off its overflow chain) happen under mu — the only
// lock on the hash path (spec.md §4.3 "Lock discipline").
type bucket struct {
	mu       sync.RWMutex
	slots    [slotsPerBucket]slot
	overflow *bucket
	version  uint64
}

// Index is the open-addressed bucketed hash table described in spec.md
// §4.3. Buckets are allocated up front (2^hashPower of them); overflow
// buckets are allocated lazily and hang off their owning primary bucket,
// protected by that bucket's lock rather than one of their own.
type Index struct {
	hashPower uint
	mask      uint64
	buckets   []*bucket
	locator   Locator
}

// New creates an Index with 2^hashPower primary buckets.
func New(hashPower uint, locator Locator) *Index {
	n := uint64(1) << hashPower
	idx := &Index{
		hashPower: hashPower,
		mask:      n - 1,
		buckets:   make([]*bucket, n),
		locator:   locator,
	}
	for i := range idx.buckets {
		idx.buckets[i] = &bucket{}
	}
	return idx
}

// hashAndTag derives the bucket index and slot tag for key from a single
// 64-bit hash: the low hashPower bits select the bucket and bits 24..47
// select the tag. The two windows are disjoint for hashPower up to 24; above
// that the bucket bits overlap the tag's low bits.
func (idx *Index) hashAndTag(key []byte) (bucketIdx uint64, tag uint32) {
	h := xxhash.Sum64(key)
	bucketIdx = h & idx.mask
	tag = uint32((h >> 24) & tagMask)
	return bucketIdx, tag
}

// Lookup returns the (segID, offset) for key, pinning the segment (via
// pin) while still holding the bucket's read lock so a concurrent evictor
// — which also holds the bucket lock while it clears slots — cannot race
// with the pin (spec.md §4.3 protocol).
func (idx *Index) Lookup(key []byte, pin func(segment.ID)) (segID segment.ID, offset uint32, found bool) {
	bucketIdx, tag := idx.hashAndTag(key)
	b := idx.buckets[bucketIdx]

	b.mu.RLock()
	defer b.mu.RUnlock()

	for cur := b; cur != nil; cur = cur.overflow {
		for i := range cur.slots {
			s := &cur.slots[i]
			if !s.used || s.tag != tag {
				continue
			}
			if !idx.locator.KeyMatches(s.segID, s.offset, key) {
				continue
			}
			pin(s.segID)
			return s.segID, s.offset, true
		}
	}

	return segment.NoID, 0, false
}

// Insert publishes (segID, offset) for key, write-locking the bucket. If a
// prior slot existed for this key, its old (segID, offset) is returned so
// the caller can mark that old item deleted and subtract it from its
// segment's occupied_size — done by the caller, outside this lock, per
// spec.md §4.3 ("acquired in a fixed order to avoid cycles": bucket-lock
// first, then the old segment's lock).
func (idx *Index) Insert(key []byte, segID segment.ID, offset uint32) (oldSegID segment.ID, oldOffset uint32, hadOld bool) {
	bucketIdx, tag := idx.hashAndTag(key)
	b := idx.buckets[bucketIdx]

	b.mu.Lock()
	defer b.mu.Unlock()

	// First pass: look for an existing entry for this exact key so we can
	// supplant it in place and report its old location.
	var target *slot
	var emptySlot *slot
	last := b

	for cur := b; cur != nil; cur = cur.overflow {
		for i := range cur.slots {
			s := &cur.slots[i]
			if s.used && s.tag == tag && idx.locator.KeyMatches(s.segID, s.offset, key) {
				target = s
			}
			if !s.used && emptySlot == nil {
				emptySlot = s
			}
		}
		last = cur
	}

	if target != nil {
		oldSegID, oldOffset, hadOld = target.segID, target.offset, true
		target.segID = segID
		target.offset = offset
		target.tag = tag
		b.version++
		return oldSegID, oldOffset, hadOld
	}

	if emptySlot == nil {
		last.overflow = &bucket{}
		emptySlot = &last.overflow.slots[0]
	}

	emptySlot.used = true
	emptySlot.tag = tag
	emptySlot.segID = segID
	emptySlot.offset = offset
	b.version++

	return segment.NoID, 0, false
}

// Delete clears the slot for key, if any, returning its (segID, offset).
func (idx *Index) Delete(key []byte) (segID segment.ID, offset uint32, found bool) {
	bucketIdx, tag := idx.hashAndTag(key)
	b := idx.buckets[bucketIdx]

	b.mu.Lock()
	defer b.mu.Unlock()

	for cur := b; cur != nil; cur = cur.overflow {
		for i := range cur.slots {
			s := &cur.slots[i]
			if s.used && s.tag == tag && idx.locator.KeyMatches(s.segID, s.offset, key) {
				segID, offset = s.segID, s.offset
				*s = slot{}
				b.version++
				return segID, offset, true
			}
		}
	}

	return segment.NoID, 0, false
}

// UpdateLocation rewrites the slot pointing at (oldSegID, oldOffset) for
// key to instead point at (newSegID, newOffset), atomically with respect
// to concurrent readers — used by merge compaction (spec.md §4.4) once a
// surviving item has been copied to its destination segment. Returns false
// if the slot no longer points at the expected old location (the item was
// concurrently deleted or overwritten, in which case the merge must skip
// it rather than resurrect it).
func (idx *Index) UpdateLocation(key []byte, oldSegID segment.ID, oldOffset uint32, newSegID segment.ID, newOffset uint32) bool {
	bucketIdx, tag := idx.hashAndTag(key)
	b := idx.buckets[bucketIdx]

	b.mu.Lock()
	defer b.mu.Unlock()

	for cur := b; cur != nil; cur = cur.overflow {
		for i := range cur.slots {
			s := &cur.slots[i]
			if s.used && s.tag == tag && s.segID == oldSegID && s.offset == oldOffset {
				s.segID = newSegID
				s.offset = newOffset
				b.version++
				return true
			}
		}
	}

	return false
}

// DeleteIfAt clears the slot for key only if it still points at exactly
// (segID, offset), leaving it untouched otherwise. Used by eviction and
// merge compaction to unlink a specific copy of an item without
// clobbering a newer write that already superseded it for the same key
// (spec.md §4.2 Evict step b, §4.4 merge's re-check-under-bucket-lock).
func (idx *Index) DeleteIfAt(key []byte, segID segment.ID, offset uint32) bool {
	bucketIdx, tag := idx.hashAndTag(key)
	b := idx.buckets[bucketIdx]

	b.mu.Lock()
	defer b.mu.Unlock()

	for cur := b; cur != nil; cur = cur.overflow {
		for i := range cur.slots {
			s := &cur.slots[i]
			if s.used && s.tag == tag && s.segID == segID && s.offset == offset {
				*s = slot{}
				b.version++
				return true
			}
		}
	}

	return false
}

// NumBuckets returns the number of primary buckets (2^hashPower).
func (idx *Index) NumBuckets() int { return len(idx.buckets) }
