// Package nfsdb is the public facade over the column-store engine: open a
// journal, append records through a RecordCodec, commit them into the
// visible transaction, and iterate rows back out. Internally it wires
// together internal/journal, internal/partition, internal/storage, and
// internal/symtab behind a single entry point; callers never need to
// import those packages directly.
package nfsdb

import (
	"nfsdb/internal/codec"
	"nfsdb/internal/journal"
	"nfsdb/internal/schema"
	"nfsdb/internal/storage"
)

// Mode selects whether a journal is opened for the single allowed writer
// or for any number of concurrent readers.
type Mode = storage.Mode

const (
	ReadWrite = storage.ReadWrite
	ReadOnly  = storage.ReadOnly
)

// RecordCodec and Value are re-exported so callers never import
// internal/codec directly.
type RecordCodec = codec.RecordCodec
type Value = codec.Value
type SliceRecordCodec = codec.SliceRecordCodec

// DB is a single open journal. The zero value is not usable; construct one
// with Open or OpenReadOnly.
type DB struct {
	j        *journal.Journal
	readOnly bool
	closed   bool
}

// Open opens meta for the single writer role. Only one process may hold a
// journal open for writing at a time; a second attempt fails with
// ErrConcurrentWriter.
func Open(meta *schema.JournalMetadata) (*DB, error) {
	j, err := journal.Open(meta, storage.ReadWrite)
	if err != nil {
		return nil, wrapSentinel(err)
	}
	return &DB{j: j}, nil
}

// OpenReadOnly opens meta for read access. Any number of readers may have
// the same journal open concurrently, alongside at most one writer.
func OpenReadOnly(meta *schema.JournalMetadata) (*DB, error) {
	j, err := journal.Open(meta, storage.ReadOnly)
	if err != nil {
		return nil, err
	}
	return &DB{j: j, readOnly: true}, nil
}

// Close releases every file mapping, index, and lock the journal holds.
func (db *DB) Close() error {
	if db.closed {
		return ErrClosed
	}
	db.closed = true
	return db.j.Close()
}

func (db *DB) writable() error {
	if db.closed {
		return ErrClosed
	}
	if db.readOnly {
		return ErrReadOnly
	}
	return nil
}

// Append resolves rec's timestamp (if the schema orders on one), locates
// or creates the owning partition, and appends every column's value. A
// failure while writing the columns rolls the target partition and the
// symbol tables back to the last commit, discarding every row appended to
// that partition since then, not only the failed one; a timestamp
// rejected as out of order fails before anything is written.
func (db *DB) Append(rc RecordCodec, rec any) error {
	if err := db.writable(); err != nil {
		return err
	}
	return wrapSentinel(db.j.Append(rc, rec))
}

// Commit publishes every row appended since the last Commit as visible to
// readers: it flushes columns and indexes, then atomically appends and
// fsyncs a transaction record.
func (db *DB) Commit() error {
	if err := db.writable(); err != nil {
		return err
	}
	return db.j.Commit()
}

// Rollback discards every row appended since the last Commit, truncating
// the active partition and its symbol tables back to the last published
// size.
func (db *DB) Rollback() error {
	if err := db.writable(); err != nil {
		return err
	}
	return db.j.Rollback()
}

// Truncate drops every row and symbol from the journal and publishes the
// empty state as a new transaction. Individual rows cannot be deleted;
// this is the only removal the engine supports.
func (db *DB) Truncate() error {
	if err := db.writable(); err != nil {
		return err
	}
	return db.j.Truncate()
}

// Refresh re-reads the tail of the transaction log for a newer commit from
// the writer, updating this handle's visible row count without remapping
// any file. Readers call this to observe new data.
func (db *DB) Refresh() error {
	return db.j.Refresh()
}

// Size returns the journal's total visible row count across every
// partition.
func (db *DB) Size() int64 {
	return db.j.Size()
}

// TxNumber returns the latest transaction number this handle has observed.
func (db *DB) TxNumber() uint64 {
	return db.j.TxNumber()
}

// Sweep closes any idle, non-active partition whose OpenPartitionTTL has
// elapsed; on a writable handle it also compresses that partition's
// column files at rest.
func (db *DB) Sweep() {
	db.j.Sweep()
}

// RebuildIndexes rebuilds every indexed column's KVIndex for every
// partition, e.g. after a distinctCountHint change.
func (db *DB) RebuildIndexes() error {
	for i := 0; ; i++ {
		p, err := db.j.GetPartition(i, true)
		if err != nil {
			break
		}
		if err := p.RebuildIndexes(); err != nil {
			return err
		}
	}
	return nil
}

// Iterator returns a forward cursor over every visible row, starting at
// the first partition.
func (db *DB) Iterator(rc RecordCodec) *Iterator {
	return &Iterator{db: db, rc: rc, partitionIdx: -1}
}

// BufferedIterator returns a forward cursor that decodes up to batchSize
// rows per partition access, amortizing the per-row locking of the plain
// Iterator for full scans.
func (db *DB) BufferedIterator(rc RecordCodec, batchSize int) *BufferedIterator {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &BufferedIterator{it: Iterator{db: db, rc: rc, partitionIdx: -1}, batchSize: batchSize}
}
