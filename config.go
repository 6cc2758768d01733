package segcache

import (
	"os"

	"github.com/pkg/errors"
)

// EvictionPolicy is a bitset of the reclamation strategies get_new is
// allowed to use once expiration alone doesn't free enough space (spec.md
// §4.2). The default enables both merge-based compaction and random
// eviction; get_new tries random eviction first and turns to merge only
// when random eviction finds no eligible segment.
type EvictionPolicy uint8

const (
	// EvictRandom evicts the first sealed, unpinned, non-tail segment found
	// scanning from a random starting segment.
	EvictRandom EvictionPolicy = 1 << iota
	// EvictMerge compacts the TTL bucket with the lowest live-byte fraction
	// among those with at least MergeK sealed segments.
	EvictMerge
	// EvictClockLRU sweeps a clock hand across all segments, approximating
	// LRU with a single reference bit per segment rather than a true
	// per-item LRU list (spec.md §9 design notes; see SPEC_FULL.md).
	EvictClockLRU
)

// Has reports whether flag is set in p.
func (p EvictionPolicy) Has(flag EvictionPolicy) bool { return p&flag != 0 }

// Config bundles every tunable the engine's constructor needs. Mirrors the
// teacher's options-struct-with-ApplyDefaults pattern (block.FormattingOptions /
// repo.NewRepositoryOptions) rather than functional options, since every one
// of these is a required-with-sane-default scalar, not an optional
// behavioral hook.
type Config struct {
	// SegmentSize is the fixed size, in bytes, of every segment. Must be a
	// power of two. Defaults to 1 MiB.
	SegmentSize int

	// HeapSize is the total bytes the engine may occupy; NumSegments is
	// derived as HeapSize/SegmentSize. Defaults to 64 MiB.
	HeapSize int64

	// HashPower sets the hash index to 2^HashPower primary buckets.
	// Defaults to 20 (1Mi buckets).
	HashPower uint

	// EvictionPolicy selects which reclamation strategies get_new may use
	// once expiration alone doesn't free a segment. Defaults to
	// EvictMerge|EvictRandom.
	EvictionPolicy EvictionPolicy

	// MergeK is the number of consecutive sealed segments merge compaction
	// combines into one destination segment. Defaults to 4.
	MergeK int

	// MergeKeepRatio sets the access-frequency floor merge compaction applies
	// to the items it copies: a negative value copies every live item, a
	// value below 0.75 drops items never read since they were written, and
	// 0.75 or more drops items read fewer than twice. It is not compared
	// against a run's occupied fraction. Zero selects the default, 0.5.
	MergeKeepRatio float64

	// DisableCAS removes the trailing 8-byte CAS tag from every item,
	// shrinking each one by 8 bytes; Gets then reports a CAS of 0 and Cas
	// returns a KindClientError. CAS is enabled by default, so the zero
	// value keeps it on.
	DisableCAS bool

	// MaxItemSizeBytes caps the encoded size of any single item (header +
	// CAS + key + value). Defaults to SegmentSize/4.
	MaxItemSizeBytes int

	// DataPoolPath, if set, names a memory-mapped file the segment heap is
	// copied into on Close and reloaded from on the next New, so the cache's
	// contents survive a clean restart (spec.md §6, best-effort). Segments
	// live in ordinary memory while the engine runs. Empty means heap-only,
	// no persistence.
	DataPoolPath string

	// StrictInvariants panics on a KindFatal condition (a hash index slot
	// pointing at a corrupt or unrecognizable item header) instead of
	// logging and treating the lookup as a miss. Off by default; also
	// enabled by setting SEGCACHE_VERIFY_INVARIANTS to a non-empty value,
	// the way the teacher gates its own block manager invariant checks
	// behind KOPIA_VERIFY_INVARIANTS.
	StrictInvariants bool
}

// setDefaults fills zero-valued fields with their documented defaults and
// returns a validation error for anything that can't be defaulted.
func (c *Config) setDefaults() error {
	if c.SegmentSize == 0 {
		c.SegmentSize = 1 << 20
	}
	if c.SegmentSize&(c.SegmentSize-1) != 0 {
		return errors.Errorf("segment size %d is not a power of two", c.SegmentSize)
	}
	if c.HeapSize == 0 {
		c.HeapSize = 64 << 20
	}
	if c.HeapSize < int64(c.SegmentSize) {
		return errors.Errorf("heap size %d is smaller than one segment (%d)", c.HeapSize, c.SegmentSize)
	}
	if c.HashPower == 0 {
		c.HashPower = 20
	}
	if c.HashPower > 32 {
		return errors.Errorf("hash power %d is unreasonably large", c.HashPower)
	}
	if c.EvictionPolicy == 0 {
		c.EvictionPolicy = EvictMerge | EvictRandom
	}
	if c.MergeK == 0 {
		c.MergeK = 4
	}
	if c.MergeK < 2 {
		return errors.Errorf("merge_k must be at least 2, got %d", c.MergeK)
	}
	if c.MergeKeepRatio == 0 {
		c.MergeKeepRatio = 0.5
	}
	if c.MaxItemSizeBytes == 0 {
		c.MaxItemSizeBytes = c.SegmentSize / 4
	}
	if c.MaxItemSizeBytes > c.SegmentSize {
		return errors.Errorf("max item size %d exceeds segment size %d", c.MaxItemSizeBytes, c.SegmentSize)
	}
	if os.Getenv("SEGCACHE_VERIFY_INVARIANTS") != "" {
		c.StrictInvariants = true
	}
	return nil
}

// numSegments returns the derived segment count for the pool.
func (c *Config) numSegments() int {
	return int(c.HeapSize / int64(c.SegmentSize))
}
