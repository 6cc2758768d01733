// Package ttlbucket implements the TTL-to-bucket mapping and the per-bucket
// intrusive segment chains described in spec.md §3/§4.4. It owns bucket
// bookkeeping only — allocation, rolling and reclamation policy live one
// level up, in the engine, the same way the teacher's block manager keeps
// bucket/pack-group bookkeeping separate from the storage.Storage it talks
// to (block/block_manager.go).
package ttlbucket

import (
	"sync"

	"github.com/segcache/segcache/internal/segment"
)

// Mapping constants for the piecewise TTL->bucket function (spec.md §4.4).
// The boundary values are spec.md's own illustrative four-range example
// (≤128s @ 8s, ≤2048s @ 128s, ≤32768s @ 2048s, beyond that @ 32768s). Each
// bucket is one step wide, so the first three ranges hold 16, 15 and 15
// buckets and the fourth range fills the rest up to NumBuckets.
const (
	boundary1 = 128
	step1     = 8
	numRange1 = boundary1 / step1 // 16

	boundary2 = 2048
	step2     = 128
	numRange2 = (boundary2 - boundary1) / step2 // 15

	boundary3 = 32768
	step3     = 2048
	numRange3 = (boundary3 - boundary2) / step3 // 15

	step4 = 32768

	// NumBuckets is the total number of TTL buckets. Out-of-range TTLs
	// clamp to the last one (spec.md §9 "max_ttl clamping: source clamps
	// silently; preserve this").
	NumBuckets = 1024
)

// NormalizeTTL floors ttlSeconds to 1: the engine stores no "never expire"
// sentinel, so every item gets a real, if minimal, lifetime. Exported so the
// engine can compute an item's absolute expire_at using the same floor
// IndexForTTL applies when choosing its bucket.
func NormalizeTTL(ttlSeconds int32) int32 {
	if ttlSeconds < 1 {
		return 1
	}
	return ttlSeconds
}

// IndexForTTL computes the bucket index for a TTL given in seconds. The
// function is pure, monotonic non-decreasing in ttlSeconds, and branch-
// light (four ranges, then arithmetic), as spec.md §4.4 requires.
func IndexForTTL(ttlSeconds int32) int32 {
	ttl := NormalizeTTL(ttlSeconds)

	var idx int32
	switch {
	case ttl <= boundary1:
		idx = ttl / step1
	case ttl <= boundary2:
		idx = numRange1 + (ttl-boundary1)/step2
	case ttl <= boundary3:
		idx = numRange1 + numRange2 + (ttl-boundary2)/step3
	default:
		idx = numRange1 + numRange2 + numRange3 + (ttl-boundary3)/step4
	}

	if idx >= NumBuckets {
		idx = NumBuckets - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// RepresentativeTTL returns the exclusive upper TTL bound (in seconds) of
// the range that maps to idx: the smallest TTL that maps to the next bucket
// up (idx 0 holds TTLs 1..7 and returns 8). Every item mapped into this
// bucket, other than TTLs clamped into the last one, has a TTL below this
// bound. The engine uses it as the bucket's expiration TTL, added to a
// segment's creation time, so an item written into a segment after the
// segment was created can be reclaimed with it before its own expire_at.
func RepresentativeTTL(idx int32) int32 {
	switch {
	case idx < numRange1:
		return (idx + 1) * step1
	case idx < numRange1+numRange2:
		return boundary1 + (idx-numRange1+1)*step2
	case idx < numRange1+numRange2+numRange3:
		return boundary2 + (idx-numRange1-numRange2+1)*step3
	default:
		return boundary3 + (idx-numRange1-numRange2-numRange3+1)*step4
	}
}

// Bucket is one TTL bucket's segment-chain bookkeeping: an ordered list of
// segments (head = oldest / first to expire, tail = lastSegID = the
// segment currently accepting writes).
type Bucket struct {
	mu sync.Mutex

	idx            int32
	ttl            int32
	nSeg           int32
	headSegID      segment.ID
	lastSegID      segment.ID
	nextSegToMerge segment.ID
}

// Buckets is the fixed array of all TTL buckets.
type Buckets struct {
	buckets [NumBuckets]*Bucket
}

// New creates a Buckets array with every bucket empty.
func New() *Buckets {
	b := &Buckets{}
	for i := range b.buckets {
		b.buckets[i] = &Bucket{
			idx:            int32(i),
			ttl:            RepresentativeTTL(int32(i)),
			headSegID:      segment.NoID,
			lastSegID:      segment.NoID,
			nextSegToMerge: segment.NoID,
		}
	}
	return b
}

// Get returns the bucket for the given index (as produced by IndexForTTL).
func (b *Buckets) Get(idx int32) *Bucket { return b.buckets[idx] }

// Lock/Unlock expose the bucket's mutex to callers that need to hold it
// across multiple bookkeeping calls (e.g. the roll sequence, which seals
// the tail under the lock, releases it while get_new runs, and takes it
// again to append and publish the new tail).
func (bk *Bucket) Lock()   { bk.mu.Lock() }
func (bk *Bucket) Unlock() { bk.mu.Unlock() }

// NSeg, HeadSegID, LastSegID, NextSegToMerge are accessors for callers
// already holding the bucket lock.
func (bk *Bucket) Idx() int32                { return bk.idx }
func (bk *Bucket) TTL() int32                { return bk.ttl }
func (bk *Bucket) NSeg() int32               { return bk.nSeg }
func (bk *Bucket) HeadSegID() segment.ID      { return bk.headSegID }
func (bk *Bucket) LastSegID() segment.ID      { return bk.lastSegID }
func (bk *Bucket) NextSegToMerge() segment.ID { return bk.nextSegToMerge }

// SetNextSegToMerge advances the merge cursor (spec.md §4.4).
func (bk *Bucket) SetNextSegToMerge(id segment.ID) { bk.nextSegToMerge = id }

// AppendTail links seg as the new tail (lastSegID) of the bucket's chain,
// setting seg's Prev to the old tail and the old tail's Next to seg. Must
// be called with the bucket locked.
func (bk *Bucket) AppendTail(pool *segment.Pool, seg *segment.Segment) {
	oldTail := bk.lastSegID
	seg.SetPrev(oldTail)
	seg.SetNext(segment.NoID)

	if oldTail == segment.NoID {
		bk.headSegID = seg.ID()
	} else {
		pool.Get(oldTail).SetNext(seg.ID())
	}

	bk.lastSegID = seg.ID()
	bk.nSeg++
}

// Unlink splices seg out of the chain, wherever it sits (head, tail, or
// middle — merge compaction removes runs from the middle of a chain as
// well as the head). Must be called with the bucket locked.
func (bk *Bucket) Unlink(pool *segment.Pool, seg *segment.Segment) {
	prev := seg.Prev()
	next := seg.Next()

	if prev == segment.NoID {
		bk.headSegID = next
	} else {
		pool.Get(prev).SetNext(next)
	}

	if next == segment.NoID {
		bk.lastSegID = prev
	} else {
		pool.Get(next).SetPrev(prev)
	}

	if bk.nextSegToMerge == seg.ID() {
		bk.nextSegToMerge = next
	}

	bk.nSeg--
}

// ReplaceRun splices out the consecutive run segs (as returned by the
// engine's merge candidate scan: each is segs[i].Next() == segs[i+1].ID())
// and splices replacement into their place, preserving chain order. Used
// by merge compaction (spec.md §4.4) once replacement holds every
// surviving item from the run. Must be called with the bucket locked; the
// caller frees each element of segs afterward.
func (bk *Bucket) ReplaceRun(pool *segment.Pool, segs []*segment.Segment, replacement *segment.Segment) {
	if len(segs) == 0 {
		return
	}
	first, last := segs[0], segs[len(segs)-1]
	prev := first.Prev()
	next := last.Next()

	replacement.SetPrev(prev)
	replacement.SetNext(next)

	if prev == segment.NoID {
		bk.headSegID = replacement.ID()
	} else {
		pool.Get(prev).SetNext(replacement.ID())
	}
	if next == segment.NoID {
		bk.lastSegID = replacement.ID()
	} else {
		pool.Get(next).SetPrev(replacement.ID())
	}

	bk.nSeg -= int32(len(segs) - 1)
	bk.nextSegToMerge = next
}
