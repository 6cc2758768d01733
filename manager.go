package segcache

import (
	"math/rand"

	"github.com/segcache/segcache/internal/item"
	"github.com/segcache/segcache/internal/segment"
	"github.com/segcache/segcache/internal/ttlbucket"
)

// maxReclaimAttempts bounds how many times getNew cycles through
// expire -> evict -> merge -> clock-sweep before giving up and returning
// KindNoMemory (spec.md §4.2 "get_new ... bounded retries, never an
// unbounded loop").
const maxReclaimAttempts = 4

// getNew returns a freshly allocated segment for bucketIdx, running
// reclamation (expiration, then whichever eviction strategies the
// configuration enables) if the free list is empty. Must be called without
// the TTL bucket's lock held, since reclamation needs to take other
// buckets' locks too.
func (e *Engine) getNew(bucketIdx int32, now int64) (*segment.Segment, error) {
	if s, ok := e.pool.TryAlloc(bucketIdx, now); ok {
		return s, nil
	}

	for attempt := 0; attempt < maxReclaimAttempts; attempt++ {
		e.expireSegments(now)
		if s, ok := e.pool.TryAlloc(bucketIdx, now); ok {
			return s, nil
		}

		if e.cfg.EvictionPolicy.Has(EvictRandom) && e.evictOneRandom() {
			if s, ok := e.pool.TryAlloc(bucketIdx, now); ok {
				return s, nil
			}
		}
		if e.cfg.EvictionPolicy.Has(EvictMerge) && e.mergeLowestLiveFraction(now) {
			if s, ok := e.pool.TryAlloc(bucketIdx, now); ok {
				return s, nil
			}
		}
		if e.cfg.EvictionPolicy.Has(EvictClockLRU) && e.evictOneClockSweep() {
			if s, ok := e.pool.TryAlloc(bucketIdx, now); ok {
				return s, nil
			}
		}
	}

	e.log.Warn().Int32("ttl_bucket", bucketIdx).Msg("heap exhausted, reclamation could not free a segment")
	return nil, segment.ErrNoMemory
}

// expireSegments walks every TTL bucket from its head, evicting segments
// whose representative TTL has elapsed since creation, stopping at the
// first segment that hasn't (chains are creation-ordered, so nothing after
// it can have expired either) or at the bucket's sole remaining (tail)
// segment, which is never evicted by expiration alone.
func (e *Engine) expireSegments(now int64) {
	for i := int32(0); i < ttlbucket.NumBuckets; i++ {
		e.expireBucket(i, now)
	}
}

func (e *Engine) expireBucket(idx int32, now int64) {
	bk := e.buckets.Get(idx)
	for {
		bk.Lock()
		head := bk.HeadSegID()
		if head == segment.NoID || head == bk.LastSegID() {
			bk.Unlock()
			return
		}
		seg := e.pool.Get(head)
		if seg.CreateAt()+int64(bk.TTL()) > now {
			bk.Unlock()
			return
		}
		if seg.Refcount() != 0 {
			// Pinned by an in-flight reader; skip it this round rather
			// than block the expiration sweep.
			bk.Unlock()
			return
		}
		e.unlinkAndFree(bk, seg)
		bk.Unlock()
	}
}

// unlinkAndFree implements the shared tail of eviction and expiration
// (spec.md §4.2 Evict): unlink every live item from the hash index in
// offset order, splice the segment out of its TTL bucket chain, and return
// it to the free list. Must be called with bk already locked.
func (e *Engine) unlinkAndFree(bk *ttlbucket.Bucket, seg *segment.Segment) {
	var offset uint32
	end := seg.WriteOffset()
	for offset < end {
		h, err := item.ReadHeader(seg.Data[offset:])
		if err != nil {
			break
		}
		size := uint32(item.EncodedSize(int(h.KeyLen), int(h.ValueLen), int(h.Olen), h.HasCAS))
		if size == 0 {
			break
		}
		if !h.Deleted && h.Linked {
			key := item.Key(seg.Data[offset:], h)
			e.index.DeleteIfAt(key, seg.ID(), offset)
		}
		offset += size
	}

	bk.Unlink(e.pool, seg)
	e.pool.Free(seg.ID())
}

// evictOneRandom scans from a random starting segment and evicts the first
// sealed, unpinned, non-tail segment it finds. Returns false if no eligible
// segment exists.
func (e *Engine) evictOneRandom() bool {
	n := e.pool.NumSegments()
	start := rand.Intn(n)
	for i := 0; i < n; i++ {
		id := segment.ID((start + i) % n)
		seg := e.pool.Get(id)
		if !seg.Accessible() || !seg.Sealed() || seg.Refcount() != 0 {
			continue
		}
		bk := e.buckets.Get(seg.TTLBucketIdx())
		bk.Lock()
		if bk.LastSegID() == id || seg.Refcount() != 0 {
			bk.Unlock()
			continue
		}
		e.unlinkAndFree(bk, seg)
		bk.Unlock()
		return true
	}
	return false
}

// evictOneClockSweep advances a clock hand across all segments, giving any
// segment with its reference bit set a second chance (clearing the bit
// instead of evicting it) and evicting the first eligible segment found
// with the bit already clear — the approximate-LRU policy the original
// engine calls CLOCK_LRU rather than a true per-item LRU list (SPEC_FULL.md
// SUPPLEMENTED FEATURES).
func (e *Engine) evictOneClockSweep() bool {
	n := e.pool.NumSegments()
	if n == 0 {
		return false
	}
	for sweep := 0; sweep < 2*n; sweep++ {
		hand := e.clockHand.Add(1) - 1
		id := segment.ID(hand % uint32(n))
		seg := e.pool.Get(id)
		if !seg.Accessible() || !seg.Sealed() || seg.Refcount() != 0 {
			continue
		}
		bk := e.buckets.Get(seg.TTLBucketIdx())
		bk.Lock()
		if bk.LastSegID() == id || seg.Refcount() != 0 {
			bk.Unlock()
			continue
		}
		if seg.WasAccessed() {
			seg.ClearAccessed()
			bk.Unlock()
			continue
		}
		e.unlinkAndFree(bk, seg)
		bk.Unlock()
		return true
	}
	return false
}

// mergeLowestLiveFraction picks the TTL bucket with the lowest live-byte
// fraction among those with at least MergeK sealed, unpinned segments
// starting at its merge cursor, and compacts them into one destination
// segment (spec.md §4.4). Returns false if no bucket currently qualifies.
func (e *Engine) mergeLowestLiveFraction(now int64) bool {
	bestIdx := int32(-1)
	bestFraction := 2.0 // anything real is < 2.0

	for i := int32(0); i < ttlbucket.NumBuckets; i++ {
		bk := e.buckets.Get(i)
		bk.Lock()
		segs := e.candidateMergeRunLocked(bk)
		if len(segs) >= e.cfg.MergeK {
			frac := liveFraction(segs)
			if frac < bestFraction {
				bestFraction = frac
				bestIdx = i
			}
		}
		bk.Unlock()
	}

	if bestIdx < 0 {
		return false
	}

	bk := e.buckets.Get(bestIdx)
	bk.Lock()
	segs := e.candidateMergeRunLocked(bk)
	if len(segs) < e.cfg.MergeK {
		bk.Unlock()
		return false
	}
	segs = segs[:e.cfg.MergeK]
	ok := e.mergeRunLocked(bk, segs, now)
	bk.Unlock()
	return ok
}

// candidateMergeRunLocked collects the run of sealed, unpinned segments
// starting at bk's merge cursor (or its head, if the cursor has fallen off
// the chain), stopping at the tail (never merged while still accepting
// writes) or the first pinned segment. Must be called with bk locked.
func (e *Engine) candidateMergeRunLocked(bk *ttlbucket.Bucket) []*segment.Segment {
	start := bk.NextSegToMerge()
	if start == segment.NoID {
		start = bk.HeadSegID()
	}

	var segs []*segment.Segment
	for id := start; id != segment.NoID && id != bk.LastSegID(); {
		seg := e.pool.Get(id)
		if seg.Refcount() != 0 {
			break
		}
		segs = append(segs, seg)
		id = seg.Next()
	}
	return segs
}

// liveFraction returns the average occupied-bytes fraction across segs.
func liveFraction(segs []*segment.Segment) float64 {
	if len(segs) == 0 {
		return 0
	}
	var total, occupied float64
	for _, s := range segs {
		total += float64(len(s.Data))
		occupied += float64(s.OccupiedSize())
	}
	if total == 0 {
		return 0
	}
	return occupied / total
}

// mergeKeepMinFreq is the access-frequency floor below which an item is
// dropped during a merge rather than copied forward, derived from
// MergeKeepRatio: 0 for a ratio at or below zero, 2 for 0.75 and above, 1
// otherwise.
func (e *Engine) mergeKeepMinFreq() uint32 {
	switch {
	case e.cfg.MergeKeepRatio <= 0:
		return 0
	case e.cfg.MergeKeepRatio >= 0.75:
		return 2
	default:
		return 1
	}
}

// mergeRunLocked compacts segs (a run belonging to bk, already verified
// sealed and unpinned, and chain-consecutive) into one freshly allocated
// destination segment, re-checking each item's liveness against the hash
// index as it goes (an item can be superseded or deleted by a concurrent
// writer at any point up to the UpdateLocation call), then splices the
// destination into the chain in the run's place and frees every source
// segment. Must be called with bk locked.
func (e *Engine) mergeRunLocked(bk *ttlbucket.Bucket, segs []*segment.Segment, now int64) bool {
	dst, ok := e.pool.TryAlloc(bk.Idx(), now)
	if !ok {
		return false
	}

	minFreq := e.mergeKeepMinFreq()

	for _, src := range segs {
		var offset uint32
		end := src.WriteOffset()
		for offset < end {
			h, err := item.ReadHeader(src.Data[offset:])
			if err != nil {
				break
			}
			size := uint32(item.EncodedSize(int(h.KeyLen), int(h.ValueLen), int(h.Olen), h.HasCAS))
			if size == 0 {
				break
			}
			if h.Deleted || !h.Linked {
				offset += size
				continue
			}

			key := item.Key(src.Data[offset:], h)
			if h.Freq < minFreq {
				e.index.DeleteIfAt(key, src.ID(), offset)
				offset += size
				continue
			}

			newOffset, window, rerr := dst.Reserve(size)
			if rerr != nil {
				// Destination has no room for this item; it is dropped
				// rather than copied, same as a cold item, and unlinked so
				// it doesn't dangle. Smaller items later in the run may
				// still fit.
				e.index.DeleteIfAt(key, src.ID(), offset)
				offset += size
				continue
			}
			copy(window, src.Data[offset:offset+size])
			if e.index.UpdateLocation(key, src.ID(), offset, dst.ID(), newOffset) {
				dst.AddOccupied(size)
			} else {
				// Concurrently superseded or deleted since we read it;
				// the copy at dst is now dead weight, mark it so.
				item.SetDeleted(window)
			}
			offset += size
		}
	}

	dst.Seal()
	bk.ReplaceRun(e.pool, segs, dst)

	for _, src := range segs {
		e.pool.Free(src.ID())
	}

	e.log.Debug().Int32("ttl_bucket", bk.Idx()).Int("merged", len(segs)).Msg("merge compaction completed")
	return true
}
