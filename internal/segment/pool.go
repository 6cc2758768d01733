package segment

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrNoMemory is returned when the pool cannot produce a free segment even
// after the caller's reclamation attempts.
var ErrNoMemory = errors.New("segcache: no memory")

// Pool owns the fixed array of segments that make up the engine's entire
// heap budget, and their free list. It is the arena half of the
// arena+index pattern: every Segment lives at a stable array slot for the
// lifetime of the process, and is referenced elsewhere only by ID.
type Pool struct {
	segSize    int
	generation uuid.UUID // stamped at construction; distinguishes one process's arena from another's in logs and datapool diagnostics

	mu   sync.Mutex
	free []ID // intrusive free list, represented as a slice-backed stack

	segments []*Segment
}

// NewPool allocates nSegs segments of segSize bytes each (segSize must be a
// power of two, per spec) and returns a Pool with all of them on the free
// list.
func NewPool(nSegs int, segSize int) *Pool {
	p := &Pool{
		segSize:    segSize,
		generation: uuid.New(),
		segments:   make([]*Segment, nSegs),
		free:       make([]ID, 0, nSegs),
	}

	for i := 0; i < nSegs; i++ {
		s := &Segment{
			id:   ID(i),
			Data: make([]byte, segSize),
		}
		s.ttlBucketIdx = -1
		s.nextSegID = NoID
		s.prevSegID = NoID
		p.segments[i] = s
		p.free = append(p.free, ID(i))
	}

	log.Debug().
		Int("segments", nSegs).
		Int("segment_size", segSize).
		Str("generation", p.generation.String()).
		Msg("segment pool initialized")

	return p
}

// SegSize returns the fixed size of every segment in the pool.
func (p *Pool) SegSize() int { return p.segSize }

// Generation returns the UUID stamped on this pool at construction.
func (p *Pool) Generation() uuid.UUID { return p.generation }

// NumSegments returns the total number of segments owned by the pool.
func (p *Pool) NumSegments() int { return len(p.segments) }

// Get returns the Segment at id. Panics on an out-of-range id, which would
// indicate a bug elsewhere (a corrupted hash-index slot or list pointer),
// matching the spec's "Fatal" classification for hash-index corruption.
func (p *Pool) Get(id ID) *Segment {
	if id < 0 || int(id) >= len(p.segments) {
		panic(errors.Errorf("segcache: invalid segment id %d", id))
	}
	return p.segments[id]
}

// NumFree reports how many segments are currently on the free list.
func (p *Pool) NumFree() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// TryAlloc pops a segment off the free list without attempting any
// reclamation. Returns false if the free list is empty; the caller (the
// TTL bucket manager) is responsible for running expiration/eviction/merge
// and retrying.
func (p *Pool) TryAlloc(ttlBucketIdx int32, createAt int64) (*Segment, bool) {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return nil, false
	}
	id := p.free[n-1]
	p.free = p.free[:n-1]
	p.mu.Unlock()

	s := p.segments[id]
	s.resetForReuse()
	s.SetTTLBucketIdx(ttlBucketIdx)
	s.SetCreateAt(createAt)
	s.MarkAccessible(true)

	return s, true
}

// ClaimForRecovery removes a specific segment id from the free list so the
// data pool's warm-start path can repopulate it directly, bypassing the
// normal "pick whatever's on top of the stack" allocation. Returns false if
// id is not currently free, which should never happen against a freshly
// constructed pool.
func (p *Pool) ClaimForRecovery(id ID) (*Segment, bool) {
	p.mu.Lock()
	idx := -1
	for i, fid := range p.free {
		if fid == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		p.mu.Unlock()
		return nil, false
	}
	p.free = append(p.free[:idx], p.free[idx+1:]...)
	p.mu.Unlock()

	s := p.segments[id]
	s.resetForReuse()
	s.MarkAccessible(true)
	return s, true
}

// Free returns a segment to the free list. The caller must have already
// unlinked every live item from the hash index and spliced the segment out
// of its TTL bucket chain (spec §4.2 Evict preconditions): refcount == 0,
// and the segment is neither sealed-but-in-use nor a bucket's active
// writer target.
func (p *Pool) Free(id ID) {
	s := p.segments[id]
	if rc := s.Refcount(); rc != 0 {
		panic(errors.Errorf("segcache: freeing segment %d with refcount %d", id, rc))
	}

	s.MarkAccessible(false)

	p.mu.Lock()
	p.free = append(p.free, id)
	p.mu.Unlock()

	log.Debug().Int32("seg_id", int32(id)).Msg("segment returned to free list")
}
