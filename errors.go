package segcache

import (
	"errors"
	"fmt"
)

// ErrKind classifies failures the way memcached-style commands need to
// distinguish them: callers branch on kind, not on error identity, the same
// way the teacher's storage package exposes a closed set of causes
// (block.ErrBlockNotFound and friends) behind a single typed accessor
// rather than a grab-bag of sentinel errors.
type ErrKind uint8

const (
	// KindNone is the zero value; never attached to a real error.
	KindNone ErrKind = iota
	// KindNotFound: no item for the given key.
	KindNotFound
	// KindExists: item already exists (Add) or the CAS tag didn't match
	// (Cas).
	KindExists
	// KindNotStored: the store precondition failed (Replace/Append/Prepend
	// on a missing key).
	KindNotStored
	// KindOverSize: the item's encoded size exceeds the configured maximum
	// or would not fit in any segment.
	KindOverSize
	// KindNoMemory: the heap is exhausted and reclamation could not free a
	// segment within the retry budget.
	KindNoMemory
	// KindClientError: malformed request (bad key, non-numeric incr/decr
	// target, and so on).
	KindClientError
	// KindFatal: an invariant was violated; the engine's internal state may
	// be suspect. Mirrors the teacher's "Fatal" severity for corrupted
	// on-disk structures.
	KindFatal
)

func (k ErrKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindExists:
		return "exists"
	case KindNotStored:
		return "not_stored"
	case KindOverSize:
		return "over_size"
	case KindNoMemory:
		return "no_memory"
	case KindClientError:
		return "client_error"
	case KindFatal:
		return "fatal"
	default:
		return "none"
	}
}

// CacheError is the concrete error type every engine operation returns.
// Cause, when set, is the lower-level error this one wraps, reachable
// through Unwrap.
type CacheError struct {
	Kind  ErrKind
	Msg   string
	Cause error
}

func (e *CacheError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("segcache: %s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("segcache: %s: %s", e.Kind, e.Msg)
}

func (e *CacheError) Unwrap() error { return e.Cause }

// Kind extracts the ErrKind from err, returning KindNone for nil or for an
// error this package didn't produce.
func Kind(err error) ErrKind {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindNone
}

func newErr(kind ErrKind, msg string) *CacheError {
	return &CacheError{Kind: kind, Msg: msg}
}

func wrapErr(kind ErrKind, msg string, cause error) *CacheError {
	return &CacheError{Kind: kind, Msg: msg, Cause: cause}
}

// Sentinel instances for the stateless cases, so hot paths that don't need
// a custom message can avoid an allocation.
var (
	ErrNotFound     = newErr(KindNotFound, "no such key")
	ErrExists       = newErr(KindExists, "key already exists")
	ErrNotStored    = newErr(KindNotStored, "not stored")
	ErrCASMismatch  = newErr(KindExists, "cas mismatch")
	ErrOverSize     = newErr(KindOverSize, "item exceeds maximum size")
	ErrNoMemory     = newErr(KindNoMemory, "no memory available for new segment")
	ErrBadKey       = newErr(KindClientError, "invalid key")
	ErrBadValue     = newErr(KindClientError, "invalid value")
	ErrNotANumber   = newErr(KindClientError, "value is not a valid unsigned integer")
	ErrIndexCorrupt = newErr(KindFatal, "hash index points at an inconsistent item")
)

// errNoCAS and errNotNumeric are plain causes wrapped by the commands that
// detect them, rather than top-level sentinels, since they only ever
// appear as a CacheError's Cause.
var (
	errNoCAS        = errors.New("cas is disabled for this engine")
	errNotNumeric   = errors.New("existing value is not a valid unsigned integer")
	errIncrOverflow = errors.New("incr would overflow a 64-bit unsigned integer")
)
