// Package segment owns the fixed-size append-only memory regions the
// engine's items live in: the segment array, the free list, and the
// per-segment mutators (reserve, seal, free); eviction itself lives in the
// engine. Segments are referenced by
// a 32-bit index into the pool's array (the arena+index pattern used
// throughout the teacher's block manager, block/block_manager.go) rather
// than by pointer, which is what makes eviction safe to reason about while
// readers hold pins.
package segment

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ID identifies a segment by its index in the pool's array.
type ID int32

// NoID is the sentinel value for "no segment" (list terminators).
const NoID ID = -1

// ErrFull is returned by Reserve when the segment has no room for size
// more bytes; the caller must seal this segment and roll to a new one.
var ErrFull = errors.New("segment full")

// Segment is a contiguous, fixed-size memory region. It is append-only
// while unsealed (only one writer, the TTL bucket that owns it as its
// active segment, may append) and read-only once sealed, until it is
// evicted or merged away and returned to the free list.
type Segment struct {
	id ID

	mu sync.Mutex // guards header fields not safe to touch via atomics alone

	ttlBucketIdx int32
	createAt     int64
	nextSegID    ID
	prevSegID    ID

	writeOffset  atomic.Uint32
	occupiedSize atomic.Uint32
	nItem        atomic.Uint32
	refcount     atomic.Int32

	sealed     atomic.Bool
	accessible atomic.Bool
	accessed   atomic.Bool

	// Data is the raw backing storage for this segment's items. Offsets
	// recorded in hash index slots are offsets into this slice.
	Data []byte
}

// ID returns the segment's pool index.
func (s *Segment) ID() ID { return s.id }

// TTLBucketIdx returns which TTL bucket currently owns this segment.
func (s *Segment) TTLBucketIdx() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttlBucketIdx
}

// SetTTLBucketIdx assigns the owning TTL bucket; called once when the
// segment is checked out of the free list.
func (s *Segment) SetTTLBucketIdx(idx int32) {
	s.mu.Lock()
	s.ttlBucketIdx = idx
	s.mu.Unlock()
}

// CreateAt returns the proc_sec timestamp the segment was allocated at.
func (s *Segment) CreateAt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createAt
}

// SetCreateAt stamps the segment's creation time.
func (s *Segment) SetCreateAt(sec int64) {
	s.mu.Lock()
	s.createAt = sec
	s.mu.Unlock()
}

// Next and Prev form the intrusive doubly-linked list within a TTL bucket.
func (s *Segment) Next() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSegID
}

func (s *Segment) SetNext(id ID) {
	s.mu.Lock()
	s.nextSegID = id
	s.mu.Unlock()
}

func (s *Segment) Prev() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prevSegID
}

func (s *Segment) SetPrev(id ID) {
	s.mu.Lock()
	s.prevSegID = id
	s.mu.Unlock()
}

// WriteOffset returns the current append cursor.
func (s *Segment) WriteOffset() uint32 { return s.writeOffset.Load() }

// OccupiedSize returns the sum of live item sizes (invariant P2).
func (s *Segment) OccupiedSize() uint32 { return s.occupiedSize.Load() }

// NItem returns the number of items ever written (live + deleted) to this
// segment; deleted items are not removed from the count until the segment
// itself is reclaimed.
func (s *Segment) NItem() uint32 { return s.nItem.Load() }

// Sealed reports whether the segment is read-only.
func (s *Segment) Sealed() bool { return s.sealed.Load() }

// Accessible reports whether the segment is checked out of the free list
// (false while the segment sits on the free list).
func (s *Segment) Accessible() bool { return s.accessible.Load() }

// Refcount returns the number of outstanding pins (readers + the one
// possible active writer).
func (s *Segment) Refcount() int32 { return s.refcount.Load() }

// MarkAccessed sets the clock-hand reference bit; called on every successful
// lookup that resolves to this segment.
func (s *Segment) MarkAccessed() { s.accessed.Store(true) }

// ClearAccessed clears the reference bit; called by the clock hand as it
// gives a segment a second chance instead of evicting it.
func (s *Segment) ClearAccessed() { s.accessed.Store(false) }

// WasAccessed reports the reference bit (CLOCK_LRU sweep, spec.md §4.2).
func (s *Segment) WasAccessed() bool { return s.accessed.Load() }

// Pin increments the refcount, keeping the segment alive against eviction.
// Must be called while still holding the hash index bucket lock that
// produced the (segID, offset) pair, per the spec's §4.3 protocol.
func (s *Segment) Pin() { s.refcount.Add(1) }

// Unpin releases a previously acquired Pin.
func (s *Segment) Unpin() { s.refcount.Add(-1) }

// Reserve bumps the write cursor by size bytes and returns the prior
// offset, the write window, or ErrFull if the segment has no room (the
// caller must then seal this segment and roll to a new one).
func (s *Segment) Reserve(size uint32) (offset uint32, window []byte, err error) {
	for {
		cur := s.writeOffset.Load()
		next := cur + size
		if next > uint32(len(s.Data)) {
			return 0, nil, ErrFull
		}
		if s.writeOffset.CompareAndSwap(cur, next) {
			return cur, s.Data[cur:next], nil
		}
	}
}

// AdoptWrittenBytes advances the write cursor directly to n, for data-pool
// warm start where the item bytes are already present in Data and only the
// write-offset bookkeeping needs to catch up. Must only be called before
// the segment is reachable from any other goroutine.
func (s *Segment) AdoptWrittenBytes(n uint32) { s.writeOffset.Store(n) }

// AddOccupied records size more live bytes (called once an item is linked).
func (s *Segment) AddOccupied(size uint32) {
	s.occupiedSize.Add(size)
	s.nItem.Add(1)
}

// RemoveOccupied records size fewer live bytes (called when an item at this
// segment is superseded or deleted).
func (s *Segment) RemoveOccupied(size uint32) {
	for {
		cur := s.occupiedSize.Load()
		if size > cur {
			// Defensive: never underflow occupied_size. A bug elsewhere
			// (double-delete racing with merge) should not corrupt the
			// invariant further than it already has.
			if s.occupiedSize.CompareAndSwap(cur, 0) {
				return
			}
			continue
		}
		if s.occupiedSize.CompareAndSwap(cur, cur-size) {
			return
		}
	}
}

// Seal marks the segment read-only and publishes its final write offset.
// Once sealed, no further Reserve calls should be issued against it (the
// caller is responsible for that — Seal itself does not block new writers,
// it only flips the visible flag the TTL bucket manager checks before
// routing new reservations here).
func (s *Segment) Seal() {
	s.sealed.Store(true)
	log.Debug().Int32("seg_id", int32(s.id)).Uint32("write_offset", s.writeOffset.Load()).Msg("segment sealed")
}

// MarkAccessible sets or clears the accessible flag; hash index lookups
// treat slots pointing into an inaccessible segment as misses (spec §4.3
// invariants).
func (s *Segment) MarkAccessible(v bool) { s.accessible.Store(v) }

// resetForReuse clears all header state so a reclaimed segment can be
// handed back out by the free list as if new. Data is not zeroed: item
// bytes under a cleared offset are simply unreachable until overwritten,
// matching the teacher's reuse-without-zeroing posture for pack blocks.
func (s *Segment) resetForReuse() {
	s.mu.Lock()
	s.ttlBucketIdx = -1
	s.createAt = 0
	s.nextSegID = NoID
	s.prevSegID = NoID
	s.mu.Unlock()

	s.writeOffset.Store(0)
	s.occupiedSize.Store(0)
	s.nItem.Store(0)
	s.refcount.Store(0)
	s.sealed.Store(false)
	s.accessible.Store(false)
	s.accessed.Store(false)
}
