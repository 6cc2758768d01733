// Package segcache implements a segment-structured in-memory cache: a
// fixed-size arena of append-only segments indexed by a bucketed hash
// table, with TTL-bucketed segment chains, reference-counted reclamation,
// and merge-based compaction. See SPEC_FULL.md for the full design.
package segcache

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/segcache/segcache/internal/clock"
	"github.com/segcache/segcache/internal/datapool"
	"github.com/segcache/segcache/internal/hashindex"
	"github.com/segcache/segcache/internal/item"
	"github.com/segcache/segcache/internal/segment"
	"github.com/segcache/segcache/internal/ttlbucket"
)

// Engine is the cache: the segment pool (arena), the TTL bucket chains, the
// hash index, and the shared clock, wired together the way the teacher's
// repo.Repository ties together its content manager, object manager and
// manifest manager behind one constructor and one Close.
type Engine struct {
	cfg Config
	log zerolog.Logger
	id  uuid.UUID // stamped at construction; identifies this engine instance in logs and in any datapool superblock it writes

	pool    *segment.Pool
	buckets *ttlbucket.Buckets
	index   *hashindex.Index
	clock   *clock.Clock

	casCounter atomic.Uint64
	flushAt    atomic.Int64
	clockHand  atomic.Uint32

	dataPool *datapool.DataPool

	maintCancel context.CancelFunc
	maintWG     sync.WaitGroup

	closeOnce sync.Once
}

// New constructs an Engine from cfg, applying defaults to any zero-valued
// field. It allocates the entire configured heap up front (spec.md
// §9 "static heap: the pool size is fixed at startup") and starts the
// background maintenance loop (clock tick + periodic expiration sweep).
func New(ctx context.Context, cfg Config) (*Engine, error) {
	return newWithWallClock(ctx, cfg, time.Now)
}

// newWithWallClock is New with an injectable time source, so tests can
// drive expiration and merge deterministically instead of sleeping.
func newWithWallClock(ctx context.Context, cfg Config, wallNow func() time.Time) (*Engine, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, wrapErr(KindClientError, "invalid configuration", err)
	}

	e := &Engine{
		cfg: cfg,
		id:  uuid.New(),
		log: log.With().Str("component", "segcache").Logger(),
	}

	e.pool = segment.NewPool(cfg.numSegments(), cfg.SegmentSize)
	e.buckets = ttlbucket.New()
	e.index = hashindex.New(cfg.HashPower, e)
	e.clock = clock.NewWithWallClock(wallNow)
	e.casCounter.Store(1) // 0 is reserved as "no CAS assigned"

	if cfg.DataPoolPath != "" {
		dp, err := datapool.Open(cfg.DataPoolPath, cfg.numSegments(), cfg.SegmentSize)
		if err != nil {
			return nil, wrapErr(KindFatal, "opening data pool", err)
		}
		e.dataPool = dp
		if err := e.warmFromDataPool(); err != nil {
			// Best-effort recovery (spec.md §6): a corrupt or unreadable
			// data pool must not prevent the engine from starting, only
			// from resuming with prior contents.
			e.log.Warn().Err(err).Msg("data pool recovery failed, starting from an empty cache")
		}
	}

	maintCtx, cancel := context.WithCancel(ctx)
	e.maintCancel = cancel
	e.maintWG.Add(1)
	go e.maintenanceLoop(maintCtx)

	e.log.Info().
		Str("instance_id", e.id.String()).
		Str("pool_generation", e.pool.Generation().String()).
		Int("segments", cfg.numSegments()).
		Int("segment_size", cfg.SegmentSize).
		Uint("hash_power", cfg.HashPower).
		Msg("engine started")

	return e, nil
}

// InstanceID identifies this running Engine, stamped once at construction.
// It accompanies any datapool superblock this instance writes, purely for
// operational diagnostics (which process last saved this file) — it is
// never checked on warm start, since the whole point of the datapool is to
// survive a restart under a new instance.
func (e *Engine) InstanceID() uuid.UUID { return e.id }

// Close stops the maintenance loop and, if a data pool is attached, copies
// every live segment back into the mmap and writes a final clean
// superblock before unmapping. Safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.maintCancel()
		e.maintWG.Wait()
		if e.dataPool != nil {
			err = e.flushToDataPool()
		}
	})
	return err
}

// flushToDataPool copies every accessible segment's live bytes into the
// mmap and records a clean superblock, so the next Open can replay them.
func (e *Engine) flushToDataPool() error {
	metas := make([]datapool.SegmentMeta, e.pool.NumSegments())
	for id := 0; id < e.pool.NumSegments(); id++ {
		seg := e.pool.Get(segment.ID(id))
		if !seg.Accessible() {
			continue
		}
		n := seg.WriteOffset()
		copy(e.dataPool.SegmentBytes(id), seg.Data[:n])
		metas[id] = datapool.SegmentMeta{
			WriteOffset:  n,
			TTLBucketIdx: seg.TTLBucketIdx(),
			CreateAt:     seg.CreateAt(),
			Sealed:       seg.Sealed(),
		}
	}
	if err := e.dataPool.WriteSuperblock(e.id, metas, e.now()); err != nil {
		e.log.Warn().Err(err).Msg("failed to write data pool superblock, contents will not survive restart")
	}
	return e.dataPool.Close()
}

// warmFromDataPool replays a previously saved superblock's live segments
// back into the pool, the hash index, and their TTL bucket chains. Called
// once, at construction, before the maintenance loop starts, so no
// concurrent reader can observe a half-replayed segment.
func (e *Engine) warmFromDataPool() error {
	sb, ok := e.dataPool.Recovered()
	if !ok {
		return nil
	}
	e.log.Info().Str("prior_instance_id", sb.InstanceID).Msg("resuming data pool from a prior instance")

	restored := 0
	for id, meta := range sb.Segments {
		if meta.WriteOffset == 0 {
			continue
		}
		seg, ok := e.pool.ClaimForRecovery(segment.ID(id))
		if !ok {
			e.log.Warn().Int("seg_id", id).Msg("data pool recovery: segment already claimed, skipping")
			continue
		}

		seg.SetTTLBucketIdx(meta.TTLBucketIdx)
		seg.SetCreateAt(meta.CreateAt)
		copy(seg.Data[:meta.WriteOffset], e.dataPool.SegmentBytes(id)[:meta.WriteOffset])
		seg.AdoptWrittenBytes(meta.WriteOffset)

		var offset uint32
		for offset < meta.WriteOffset {
			h, herr := item.ReadHeader(seg.Data[offset:])
			if herr != nil {
				break
			}
			size := uint32(item.EncodedSize(int(h.KeyLen), int(h.ValueLen), int(h.Olen), h.HasCAS))
			if size == 0 {
				break
			}
			if !h.Deleted && h.Linked {
				key := append([]byte(nil), item.Key(seg.Data[offset:], h)...)
				e.index.Insert(key, seg.ID(), offset)
				seg.AddOccupied(size)
			}
			offset += size
		}

		if meta.Sealed {
			seg.Seal()
		}

		bk := e.buckets.Get(meta.TTLBucketIdx)
		bk.Lock()
		bk.AppendTail(e.pool, seg)
		bk.Unlock()
		restored++
	}

	e.log.Info().Int("segments_restored", restored).Msg("warmed engine from data pool")
	return nil
}

// maintenanceLoop advances the shared clock once a second and runs an
// expiration sweep every tick, the same cadence the teacher's
// content.Manager background flusher uses for its own periodic work
// (content/content_manager.go maintenanceManager).
func (e *Engine) maintenanceLoop(ctx context.Context) {
	defer e.maintWG.Done()
	e.clock.Run(ctx, func(now int64) {
		e.expireSegments(now)
	})
}

// now returns the current proc_sec clock value.
func (e *Engine) now() int64 { return e.clock.Now() }

// nextCAS returns a fresh, monotonically increasing, never-zero CAS tag.
func (e *Engine) nextCAS() uint64 { return e.casCounter.Add(1) }

// KeyMatches implements hashindex.Locator: does the item at (segID, offset)
// have this exact key and is it still live? Called while the caller holds
// the hash index bucket's lock, so it must not itself try to take any lock
// that could be held by a writer waiting on that same bucket lock. A slot
// whose offset leaves no room for a header, or whose header cannot be
// decoded, is logged and treated as a miss, or panics with ErrIndexCorrupt
// under StrictInvariants.
func (e *Engine) KeyMatches(segID segment.ID, offset uint32, key []byte) bool {
	if segID < 0 || int(segID) >= e.pool.NumSegments() {
		return false
	}
	seg := e.pool.Get(segID)
	if !seg.Accessible() {
		return false
	}
	var h item.Header
	var err error
	if uint32(len(seg.Data)) < offset+item.HeaderSize {
		err = errors.Errorf("offset %d leaves no room for an item header", offset)
	} else {
		h, err = item.ReadHeader(seg.Data[offset:])
	}
	if err != nil {
		e.log.Error().Err(err).Int32("seg_id", int32(segID)).Msg("corrupt item header behind live hash index slot")
		if e.cfg.StrictInvariants {
			panic(ErrIndexCorrupt)
		}
		return false
	}
	buf := seg.Data[offset:]
	if h.Deleted || !h.Linked {
		return false
	}
	if int(h.KeyLen) != len(key) {
		return false
	}
	return bytes.Equal(item.Key(buf, h), key)
}

// resolve looks up key, pins its segment while the index confirms the
// match, and returns the decoded header alongside it. ok is false if the
// key has no live entry or the entry predates the last Flush. The caller
// must Unpin the returned segment once done reading it.
func (e *Engine) resolve(key []byte) (seg *segment.Segment, offset uint32, h item.Header, ok bool) {
	var pinnedSeg segment.ID = segment.NoID
	segID, off, found := e.index.Lookup(key, func(id segment.ID) {
		e.pool.Get(id).Pin()
		pinnedSeg = id
	})
	if !found {
		return nil, 0, item.Header{}, false
	}
	seg = e.pool.Get(segID)
	buf := seg.Data[off:]
	hdr, err := item.ReadHeader(buf)
	if err != nil {
		seg.Unpin()
		e.log.Error().Err(err).Int32("seg_id", int32(pinnedSeg)).Msg("corrupt item header behind live hash index slot")
		if e.cfg.StrictInvariants {
			panic(ErrIndexCorrupt)
		}
		return nil, 0, item.Header{}, false
	}
	if hdr.Deleted {
		seg.Unpin()
		return nil, 0, item.Header{}, false
	}
	if flushed := e.flushAt.Load(); flushed != 0 && int64(hdr.CreatedAt) < flushed {
		seg.Unpin()
		return nil, 0, item.Header{}, false
	}
	if int64(hdr.ExpireAt) <= e.now() {
		// Expired but not yet reclaimed: expireBucket only evicts a whole
		// segment once it is no longer the bucket's tail (spec.md §4.2), so
		// a lone item in an otherwise-empty bucket relies entirely on this
		// per-item check to stop being visible once its own ttl elapses.
		seg.Unpin()
		return nil, 0, item.Header{}, false
	}
	seg.MarkAccessed()
	item.BumpFreq(buf)
	return seg, off, hdr, true
}

// validateKey applies the shared key-length check every write command
// needs before it touches the segment or the index.
func validateKey(key []byte) error {
	if len(key) == 0 || len(key) > item.MaxKeyLen {
		return errors.Errorf("key length %d outside [1, %d]", len(key), item.MaxKeyLen)
	}
	return nil
}

const flagOlen = 4 // every item reserves a 4-byte olen slot for the caller's opaque flags word.

func encodeFlags(f uint32) []byte {
	b := make([]byte, flagOlen)
	b[0] = byte(f)
	b[1] = byte(f >> 8)
	b[2] = byte(f >> 16)
	b[3] = byte(f >> 24)
	return b
}

func decodeFlags(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
