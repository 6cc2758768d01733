// Package datapool provides the engine's optional persistence layer
// (spec.md §6): a memory-mapped heap file plus a small JSON superblock
// describing which segments hold live data, rewritten atomically on a
// clean shutdown. It is grounded on the teacher's filesystem blob storage
// (blob/filesystem, which memory-maps and atomically rewrites its blobs)
// and on block/disk_block_cache.go's pattern of a checksum-verified cache
// file that the reader discards rather than trusts if it looks tampered
// with or incomplete.
package datapool

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	natomic "github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

const (
	superblockMagic   = 0x53434348 // "SCCH"
	superblockVersion = 1
)

// SegmentMeta is the per-segment bookkeeping the engine needs to replay a
// segment's live items back into the hash index and its TTL bucket chain
// on warm start.
type SegmentMeta struct {
	WriteOffset  uint32
	TTLBucketIdx int32
	CreateAt     int64
	Sealed       bool
}

// Superblock is the full on-disk recovery record, serialized as JSON next
// to the heap file.
type Superblock struct {
	Magic       uint32
	Version     uint32
	InstanceID  string // uuid of the engine instance that last wrote this superblock, for diagnostics only, never validated on read
	NumSegments int
	SegmentSize int
	SavedAtSec  int64
	Checksum    []byte
	Segments    []SegmentMeta
	Clean       bool
}

// DataPool owns the memory-mapped heap file and its companion superblock
// and lock files.
type DataPool struct {
	heapPath string
	sbPath   string

	fileLock *flock.Flock
	file     *os.File
	mm       mmap.MMap

	segSize     int
	numSegments int

	recovered   Superblock
	recoveredOK bool
}

// Open memory-maps (creating and sizing if needed) the heap file at path,
// taking an exclusive lock so only one process can own this data pool at a
// time. It immediately marks the superblock unclean so that a crash before
// the next clean Close leaves behind a recovery record the next Open will
// refuse to trust.
func Open(path string, numSegments, segSize int) (*DataPool, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "creating data pool directory")
		}
	}

	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "locking data pool")
	}
	if !locked {
		return nil, errors.Errorf("data pool %q is already open by another process", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		_ = fl.Unlock()
		return nil, errors.Wrap(err, "opening heap file")
	}

	wantSize := int64(numSegments) * int64(segSize)
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		_ = fl.Unlock()
		return nil, errors.Wrap(err, "statting heap file")
	}
	if info.Size() != wantSize {
		if err := f.Truncate(wantSize); err != nil {
			_ = f.Close()
			_ = fl.Unlock()
			return nil, errors.Wrap(err, "sizing heap file")
		}
	}

	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		_ = f.Close()
		_ = fl.Unlock()
		return nil, errors.Wrap(err, "mapping heap file")
	}

	d := &DataPool{
		heapPath:    path,
		sbPath:      path + ".superblock.json",
		fileLock:    fl,
		file:        f,
		mm:          mm,
		segSize:     segSize,
		numSegments: numSegments,
	}

	// Capture whatever clean superblock a prior, orderly Close left behind
	// before markDirty below overwrites it — this is the only chance to
	// see it, since every Open immediately invalidates the on-disk record
	// until the next clean Close.
	if sb, ok, err := d.readSuperblockFile(); err == nil {
		d.recovered, d.recoveredOK = sb, ok
	}

	if err := d.markDirty(); err != nil {
		_ = d.Close()
		return nil, errors.Wrap(err, "marking data pool dirty")
	}

	return d, nil
}

// Recovered returns the superblock this data pool found on disk at Open
// time, before Open marked it dirty. ok is false if there was nothing
// usable to recover (first run, prior unclean shutdown, or a geometry/
// checksum mismatch).
func (d *DataPool) Recovered() (Superblock, bool) {
	return d.recovered, d.recoveredOK
}

// SegmentBytes returns the mmap region backing segment id.
func (d *DataPool) SegmentBytes(id int) []byte {
	start := id * d.segSize
	return d.mm[start : start+d.segSize]
}

// checksum hashes the entire mapped heap with blake3, the same fingerprint
// primitive the teacher uses for debug integrity checks elsewhere in the
// block layer.
func (d *DataPool) checksum() []byte {
	sum := blake3.Sum256(d.mm)
	return sum[:]
}

// markDirty immediately overwrites the superblock with Clean: false, so an
// unclean shutdown (crash, kill -9) leaves a superblock ReadSuperblock will
// refuse.
func (d *DataPool) markDirty() error {
	sb := Superblock{
		Magic:       superblockMagic,
		Version:     superblockVersion,
		NumSegments: d.numSegments,
		SegmentSize: d.segSize,
		Clean:       false,
	}
	data, err := json.Marshal(sb)
	if err != nil {
		return errors.Wrap(err, "encoding superblock")
	}
	return natomic.WriteFile(d.sbPath, bytes.NewReader(data))
}

// WriteSuperblock records the final, clean state of every segment and its
// heap checksum, atomically replacing the sidecar file (github.com/
// natefinch/atomic, the same write-to-temp-then-rename primitive the
// teacher's blob/filesystem storage uses for its own blobs). Callers must
// have already copied every live segment's bytes into the mmap via
// SegmentBytes before calling this.
func (d *DataPool) WriteSuperblock(instanceID uuid.UUID, segments []SegmentMeta, savedAtSec int64) error {
	sb := Superblock{
		Magic:       superblockMagic,
		Version:     superblockVersion,
		InstanceID:  instanceID.String(),
		NumSegments: d.numSegments,
		SegmentSize: d.segSize,
		SavedAtSec:  savedAtSec,
		Checksum:    d.checksum(),
		Segments:    segments,
		Clean:       true,
	}
	data, err := json.Marshal(sb)
	if err != nil {
		return errors.Wrap(err, "encoding superblock")
	}
	return natomic.WriteFile(d.sbPath, bytes.NewReader(data))
}

// ReadSuperblock re-reads and re-validates the sidecar superblock against
// the heap's current contents. Once Open has run, the on-disk superblock
// is always dirty (see Recovered), so this mainly exists for tests that
// want to assert on the current on-disk/in-memory state directly.
func (d *DataPool) ReadSuperblock() (Superblock, bool, error) {
	return d.readSuperblockFile()
}

// readSuperblockFile loads and validates the sidecar superblock, returning
// ok=false (not an error) for any condition that means "nothing usable to
// recover": missing file, unclean shutdown, geometry mismatch, or a
// checksum that doesn't match the mapped heap bytes. Persistence is
// best-effort, so a corrupt or stale superblock must route the caller back
// to an empty cache, never fail engine construction.
func (d *DataPool) readSuperblockFile() (Superblock, bool, error) {
	data, err := os.ReadFile(d.sbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Superblock{}, false, nil
		}
		return Superblock{}, false, errors.Wrap(err, "reading superblock")
	}

	var sb Superblock
	if err := json.Unmarshal(data, &sb); err != nil {
		return Superblock{}, false, errors.Wrap(err, "decoding superblock")
	}
	if sb.Magic != superblockMagic || sb.Version != superblockVersion {
		return Superblock{}, false, nil
	}
	if sb.NumSegments != d.numSegments || sb.SegmentSize != d.segSize {
		return Superblock{}, false, nil
	}
	if !sb.Clean {
		return Superblock{}, false, nil
	}
	if !bytes.Equal(sb.Checksum, d.checksum()) {
		return Superblock{}, false, nil
	}
	return sb, true, nil
}

// Close unmaps and closes the heap file and releases the process lock. It
// does not write a superblock — callers that want a clean, recoverable
// shutdown must call WriteSuperblock first.
func (d *DataPool) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(d.mm.Flush())
	record(d.mm.Unmap())
	record(d.file.Close())
	record(d.fileLock.Unlock())
	return firstErr
}
