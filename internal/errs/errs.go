// Package errs defines the fatal/recoverable error taxonomy shared by every
// storage layer in the engine, grouping related sentinel errors in one
// file per package.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can branch on failure category
// without string matching, per the error handling design.
type Kind int

const (
	// KindConfigError covers invalid schema, duplicate columns, or a
	// distinctCountHint that is not a power of two. Fatal at open.
	KindConfigError Kind = iota
	// KindStorageIoError covers an underlying read/write/map failure.
	// Aborts the current operation; the caller should close the partition.
	KindStorageIoError
	// KindMappingError covers a failed mmap/munmap call.
	KindMappingError
	// KindOutOfBitHint is returned when a caller requests more contiguous
	// bytes than a single mapping window can hold.
	KindOutOfBitHint
	// KindIndexKeyOutOfRange covers a KVIndex key outside [0, keySpace).
	KindIndexKeyOutOfRange
	// KindTxCorruption covers a bad CRC or truncated tail in the tx log.
	KindTxCorruption
	// KindTimestampOutOfOrder covers an appended timestamp older than the
	// last seen timestamp with lag disabled.
	KindTimestampOutOfOrder
	// KindClosedPartition covers an operation attempted on a closed
	// partition.
	KindClosedPartition
	// KindConcurrentWriter covers a second writer failing to acquire the
	// exclusive journal lock.
	KindConcurrentWriter
)

func (k Kind) String() string {
	switch k {
	case KindConfigError:
		return "ConfigError"
	case KindStorageIoError:
		return "StorageIoError"
	case KindMappingError:
		return "MappingError"
	case KindOutOfBitHint:
		return "OutOfBitHint"
	case KindIndexKeyOutOfRange:
		return "IndexKeyOutOfRange"
	case KindTxCorruption:
		return "TxCorruption"
	case KindTimestampOutOfOrder:
		return "TimestampOutOfOrder"
	case KindClosedPartition:
		return "ClosedPartition"
	case KindConcurrentWriter:
		return "ConcurrentWriter"
	default:
		return "Unknown"
	}
}

// Error is the engine's uniform wrapped error type. Op names the failing
// operation ("MemoryFile.GetBuffer", "KVIndex.add", ...) for diagnostics.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("nfsdb: %s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("nfsdb: %s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err (which may be nil) as an Error of the given Kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or any error it wraps) is an *Error of the
// given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// MappingError carries the context of a failed mmap/munmap call.
type MappingError struct {
	Path   string
	Offset int64
	Length int
	Err    error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("nfsdb: MappingError{path=%s offset=%d length=%d}: %v", e.Path, e.Offset, e.Length, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }
