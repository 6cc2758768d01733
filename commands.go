package segcache

import (
	"math"

	"github.com/segcache/segcache/internal/item"
	"github.com/segcache/segcache/internal/segment"
	"github.com/segcache/segcache/internal/ttlbucket"
)

// Value is the caller-facing view of a stored item.
type Value struct {
	Key   []byte
	Value []byte
	Flags uint32
	CAS   uint64
}

// Get returns the current value for key, or ErrNotFound.
func (e *Engine) Get(key []byte) (Value, error) {
	if err := validateKey(key); err != nil {
		return Value{}, wrapErr(KindClientError, "get", err)
	}

	seg, offset, h, ok := e.resolve(key)
	if !ok {
		return Value{}, ErrNotFound
	}
	defer seg.Unpin()

	return e.readValue(seg, offset, h), nil
}

// Gets is Get plus the item's CAS tag, for a later compare-and-swap.
// Equivalent to Get when CAS is disabled (Config.DisableCAS): CAS is
// reported as 0.
func (e *Engine) Gets(key []byte) (Value, error) {
	return e.Get(key)
}

// readValue decodes the stored payload at (seg, offset) into a Value,
// converting the numeric fast-path encoding back to ASCII digits so callers
// never need to know an item took that path.
func (e *Engine) readValue(seg *segment.Segment, offset uint32, h item.Header) Value {
	buf := seg.Data[offset:]
	return Value{
		Key:   append([]byte(nil), item.Key(buf, h)...),
		Value: decodeValue(buf, h),
		Flags: decodeFlags(item.Olen(buf, h)),
		CAS:   h.CAS,
	}
}

// decodeValue returns an item's logical value bytes, converting the numeric
// fast-path's 8-byte binary encoding back to ASCII digits. Every reader of a
// stored value — Get, Append/Prepend's concat, Incr/Decr — must go through
// this rather than item.Value directly, or a numeric fast-path item's raw
// binary bytes leak out as if they were the caller's own payload.
func decodeValue(buf []byte, h item.Header) []byte {
	if h.IsNum {
		if n, err := item.DecodeNumericValue(item.Value(buf, h)); err == nil {
			return item.FormatUint64(n)
		}
		return nil
	}
	return append([]byte(nil), item.Value(buf, h)...)
}

// Set unconditionally stores key/val, overwriting any existing entry.
func (e *Engine) Set(key, val []byte, flags uint32, ttlSeconds int32) error {
	_, _, _, err := e.store(key, val, flags, ttlSeconds, storeModeSet, 0)
	return err
}

// Add stores key/val only if key does not already hold a live item,
// otherwise returns ErrExists.
func (e *Engine) Add(key, val []byte, flags uint32, ttlSeconds int32) error {
	_, _, _, err := e.store(key, val, flags, ttlSeconds, storeModeAdd, 0)
	return err
}

// Replace stores key/val only if key already holds a live item, otherwise
// returns ErrNotStored.
func (e *Engine) Replace(key, val []byte, flags uint32, ttlSeconds int32) error {
	_, _, _, err := e.store(key, val, flags, ttlSeconds, storeModeReplace, 0)
	return err
}

// Cas stores key/val only if the existing item's CAS tag equals
// expectedCAS, otherwise returns ErrNotFound (no item) or ErrCASMismatch
// (tag didn't match).
func (e *Engine) Cas(key, val []byte, flags uint32, ttlSeconds int32, expectedCAS uint64) error {
	if e.cfg.DisableCAS {
		return wrapErr(KindClientError, "cas", errNoCAS)
	}
	_, _, _, err := e.store(key, val, flags, ttlSeconds, storeModeCas, expectedCAS)
	return err
}

// Append writes val immediately after the existing item's value, preserving
// its flags and TTL bucket. Returns ErrNotStored if key has no live item.
func (e *Engine) Append(key, val []byte) error {
	return e.concat(key, val, true)
}

// Prepend writes val immediately before the existing item's value,
// preserving its flags and TTL bucket. Returns ErrNotStored if key has no
// live item.
func (e *Engine) Prepend(key, val []byte) error {
	return e.concat(key, val, false)
}

func (e *Engine) concat(key, val []byte, appendMode bool) error {
	if err := validateKey(key); err != nil {
		return wrapErr(KindClientError, "concat", err)
	}

	seg, offset, h, ok := e.resolve(key)
	if !ok {
		return ErrNotStored
	}
	flags := decodeFlags(item.Olen(seg.Data[offset:], h))
	oldVal := decodeValue(seg.Data[offset:], h)

	var combined []byte
	if appendMode {
		combined = make([]byte, 0, len(oldVal)+len(val))
		combined = append(combined, oldVal...)
		combined = append(combined, val...)
	} else {
		combined = make([]byte, 0, len(oldVal)+len(val))
		combined = append(combined, val...)
		combined = append(combined, oldVal...)
	}
	ttl := bucketRemainingTTL(e, seg)
	seg.Unpin()

	_, _, _, err := e.store(key, combined, flags, ttl, storeModeSet, 0)
	return err
}

// bucketRemainingTTL reports a TTL that maps back to seg's bucket (one
// second under the bucket's representative TTL, which is the first TTL of
// the next bucket up), used so Append/Prepend re-store the combined value
// in the same TTL bucket rather than resetting to a default.
func bucketRemainingTTL(e *Engine, seg *segment.Segment) int32 {
	return e.buckets.Get(seg.TTLBucketIdx()).TTL() - 1
}

// Delete removes key's live item, if any. found reports whether there was
// one to remove.
func (e *Engine) Delete(key []byte) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, wrapErr(KindClientError, "delete", err)
	}

	segID, offset, found := e.index.Delete(key)
	if !found {
		return false, nil
	}

	seg := e.pool.Get(segID)
	if uint32(len(seg.Data)) >= offset+item.HeaderSize {
		buf := seg.Data[offset:]
		if h, err := item.ReadHeader(buf); err == nil && !h.Deleted {
			item.SetDeleted(buf)
			size := uint32(item.EncodedSize(int(h.KeyLen), int(h.ValueLen), int(h.Olen), h.HasCAS))
			seg.RemoveOccupied(size)
		}
	}
	return true, nil
}

// Incr adds delta to the numeric value stored at key and returns the new
// value. The existing item must have been stored via the numeric fast path
// (a plain unsigned base-10 integer, written by Set/Add/Replace/Cas);
// otherwise returns a KindClientError. Returns ErrNotFound if key has no
// live item.
func (e *Engine) Incr(key []byte, delta uint64) (uint64, error) {
	return e.addDelta(key, delta, true)
}

// Decr subtracts delta from the numeric value stored at key, floored at
// zero (memcached semantics: decrementing below zero saturates rather than
// wrapping or erroring), and returns the new value.
func (e *Engine) Decr(key []byte, delta uint64) (uint64, error) {
	return e.addDelta(key, delta, false)
}

func (e *Engine) addDelta(key []byte, delta uint64, positive bool) (uint64, error) {
	if err := validateKey(key); err != nil {
		return 0, wrapErr(KindClientError, "incr/decr", err)
	}

	seg, offset, h, ok := e.resolve(key)
	if !ok {
		return 0, ErrNotFound
	}

	var cur uint64
	var err error
	if h.IsNum {
		cur, err = item.DecodeNumericValue(item.Value(seg.Data[offset:], h))
	} else {
		cur, ok = item.ParseUint64(item.Value(seg.Data[offset:], h))
		if !ok {
			err = errNotNumeric
		}
	}
	flags := decodeFlags(item.Olen(seg.Data[offset:], h))
	ttl := bucketRemainingTTL(e, seg)
	seg.Unpin()
	if err != nil {
		return 0, wrapErr(KindClientError, "incr/decr", err)
	}

	var next uint64
	if positive {
		if delta > math.MaxUint64-cur {
			return 0, wrapErr(KindClientError, "incr/decr", errIncrOverflow)
		}
		next = cur + delta
	} else if delta > cur {
		next = 0
	} else {
		next = cur - delta
	}

	if _, _, _, err := e.store(key, item.FormatUint64(next), flags, ttl, storeModeSet, 0); err != nil {
		return 0, err
	}
	return next, nil
}

// Flush logically empties the cache: every item written before this call
// becomes invisible, without touching a single byte (spec.md §4.5). Items
// written afterward are unaffected. Implemented as one atomically stored
// epoch timestamp rather than per-key tombstones (SPEC_FULL.md SUPPLEMENTED
// FEATURES), so it is O(1) regardless of how many items are live.
func (e *Engine) Flush() {
	e.flushAt.Store(e.now() + 1)
}

type storeMode int

const (
	storeModeSet storeMode = iota
	storeModeAdd
	storeModeReplace
	storeModeCas
)

// store is the shared path behind Set/Add/Replace/Cas: validate, check the
// mode's precondition against any existing item, reserve space for the new
// encoding (rolling or reclaiming segments as needed), write it, link it
// into the hash index, and unlink whatever it superseded.
func (e *Engine) store(key, val []byte, flags uint32, ttlSeconds int32, mode storeMode, expectedCAS uint64) (segment.ID, uint32, item.Header, error) {
	if err := validateKey(key); err != nil {
		return segment.NoID, 0, item.Header{}, wrapErr(KindClientError, "store", err)
	}

	existingSeg, _, existingHeader, exists := e.resolve(key)
	if exists {
		defer existingSeg.Unpin()
	}

	switch mode {
	case storeModeAdd:
		if exists {
			return segment.NoID, 0, item.Header{}, ErrExists
		}
	case storeModeReplace:
		if !exists {
			return segment.NoID, 0, item.Header{}, ErrNotStored
		}
	case storeModeCas:
		if !exists {
			return segment.NoID, 0, item.Header{}, ErrNotFound
		}
		if existingHeader.CAS != expectedCAS {
			return segment.NoID, 0, item.Header{}, ErrCASMismatch
		}
	}

	hasCAS := !e.cfg.DisableCAS
	isNum := false
	var valBytes []byte
	// Values that parse as a plain unsigned decimal take the 8-byte binary
	// fast path instead of storing their ASCII digits (spec.md §4.1's
	// numeric fast path); Get decodes them back to canonical decimal, so a
	// value with leading zeros ("007") round-trips as "7", not verbatim.
	if n, ok := item.ParseUint64(val); ok && len(val) > 0 {
		isNum = true
		valBytes = item.EncodeNumericValue(n)
	} else {
		valBytes = val
	}

	encodedSize := item.EncodedSize(len(key), len(valBytes), flagOlen, hasCAS)
	if encodedSize > e.cfg.MaxItemSizeBytes {
		return segment.NoID, 0, item.Header{}, ErrOverSize
	}
	if encodedSize > e.cfg.SegmentSize {
		return segment.NoID, 0, item.Header{}, ErrOverSize
	}

	now := e.now()
	bucketIdx := ttlbucket.IndexForTTL(ttlSeconds)
	bk := e.buckets.Get(bucketIdx)

	seg, offset, window, err := e.reserveInBucket(bk, bucketIdx, uint32(encodedSize), now)
	if err != nil {
		return segment.NoID, 0, item.Header{}, wrapErr(KindNoMemory, "store", err)
	}

	// An item written after a Flush issued within this same second is
	// stamped with the flush epoch, so resolve does not count it among the
	// items that Flush hid.
	createdAt := now
	if f := e.flushAt.Load(); f > createdAt {
		createdAt = f
	}
	h := item.Header{
		KeyLen:    uint8(len(key)),
		Olen:      flagOlen,
		ValueLen:  uint32(len(valBytes)),
		CreatedAt: uint32(createdAt),
		ExpireAt:  uint32(now) + uint32(ttlbucket.NormalizeTTL(ttlSeconds)),
		HasCAS:    hasCAS,
		IsNum:     isNum,
		Linked:    true,
	}
	item.WriteHeader(window, h)
	copy(item.Olen(window, h), encodeFlags(flags))
	copy(item.Key(window, h), key)
	copy(item.Value(window, h), valBytes)
	cas := e.nextCAS()
	if hasCAS {
		item.SetCAS(window, h, cas)
		h.CAS = cas
	}
	seg.AddOccupied(uint32(encodedSize))

	oldSegID, oldOffset, hadOld := e.index.Insert(append([]byte(nil), key...), seg.ID(), offset)
	if hadOld {
		e.unlinkSuperseded(oldSegID, oldOffset)
	}

	return seg.ID(), offset, h, nil
}

// reserveInBucket reserves size bytes in bk's active (tail) segment,
// sealing and rolling to a freshly allocated one as many times as needed
// (spec.md §4.2 roll policy: seal -> get_new -> append -> publish). It
// takes bk's lock only around the chain mutations themselves, never while
// calling getNew — reclamation may need to lock other buckets (or, via a
// racing writer, this same one again from a different goroutine), and
// holding bk across that call would risk a self-deadlock the moment
// reclamation ever chose to evict from bk itself.
func (e *Engine) reserveInBucket(bk *ttlbucket.Bucket, bucketIdx int32, size uint32, now int64) (*segment.Segment, uint32, []byte, error) {
	for {
		bk.Lock()
		var seg *segment.Segment
		if id := bk.LastSegID(); id != segment.NoID {
			seg = e.pool.Get(id)
		}
		if seg != nil && !seg.Sealed() {
			if offset, window, err := seg.Reserve(size); err == nil {
				bk.Unlock()
				return seg, offset, window, nil
			}
			seg.Seal()
		}
		bk.Unlock()

		newSeg, err := e.getNew(bucketIdx, now)
		if err != nil {
			return nil, 0, nil, err
		}

		bk.Lock()
		bk.AppendTail(e.pool, newSeg)
		bk.Unlock()
		// Loop back and retry Reserve against what is now certainly a
		// non-empty tail (ours, or another writer's if one raced us).
	}
}

// unlinkSuperseded marks the item previously at (segID, offset) deleted and
// subtracts it from its segment's occupied size. Used whenever a new
// write's hash-index Insert reports it replaced an existing entry.
func (e *Engine) unlinkSuperseded(segID segment.ID, offset uint32) {
	if segID < 0 || int(segID) >= e.pool.NumSegments() {
		return
	}
	seg := e.pool.Get(segID)
	if !seg.Accessible() || uint32(len(seg.Data)) < offset+item.HeaderSize {
		return
	}
	buf := seg.Data[offset:]
	h, err := item.ReadHeader(buf)
	if err != nil || h.Deleted {
		return
	}
	item.SetDeleted(buf)
	size := uint32(item.EncodedSize(int(h.KeyLen), int(h.ValueLen), int(h.Olen), h.HasCAS))
	seg.RemoveOccupied(size)
}
