package nfsdb

import (
	"errors"
	"fmt"

	"nfsdb/internal/errs"
)

// Sentinel errors callers can compare against with errors.Is, grouped in
// one file. Engine errors surfaced through the DB facade wrap these where
// a sentinel applies, while still carrying the internal Kind for KindOf.
var (
	ErrClosed              = errors.New("nfsdb: journal is closed")
	ErrReadOnly            = errors.New("nfsdb: journal was opened read-only")
	ErrTimestampOutOfOrder = errors.New("nfsdb: timestamp precedes the journal's lag window")
	ErrConcurrentWriter    = errors.New("nfsdb: another writer already holds this journal")
)

// Kind re-exports the internal error taxonomy so callers outside the
// module can branch on failure category without reaching into internal/.
type Kind = errs.Kind

const (
	KindConfigError         = errs.KindConfigError
	KindStorageIoError      = errs.KindStorageIoError
	KindMappingError        = errs.KindMappingError
	KindOutOfBitHint        = errs.KindOutOfBitHint
	KindIndexKeyOutOfRange  = errs.KindIndexKeyOutOfRange
	KindTxCorruption        = errs.KindTxCorruption
	KindTimestampOutOfOrder = errs.KindTimestampOutOfOrder
	KindClosedPartition     = errs.KindClosedPartition
	KindConcurrentWriter    = errs.KindConcurrentWriter
)

// KindOf returns the Kind of err if it (or something it wraps) is an
// *errs.Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// wrapSentinel attaches the matching public sentinel to an engine error so
// errors.Is works at the API boundary; errors without a sentinel pass
// through unchanged.
func wrapSentinel(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errs.Is(err, errs.KindConcurrentWriter):
		return fmt.Errorf("%w: %w", ErrConcurrentWriter, err)
	case errs.Is(err, errs.KindTimestampOutOfOrder):
		return fmt.Errorf("%w: %w", ErrTimestampOutOfOrder, err)
	default:
		return err
	}
}
