package nfsdb

import (
	"time"

	"nfsdb/internal/codec"
	"nfsdb/internal/schema"
)

// JournalOption configures a JournalMetadata at build time using a
// functional-options pattern, applied in order by NewJournalMetadata.
type JournalOption interface {
	apply(*schema.JournalMetadata)
}

type journalOptionFunc func(*schema.JournalMetadata)

func (f journalOptionFunc) apply(m *schema.JournalMetadata) { f(m) }

// WithPartitionType sets the time-bucketing granularity.
func WithPartitionType(pt PartitionType) JournalOption {
	return journalOptionFunc(func(m *schema.JournalMetadata) {
		m.PartitionBy = schema.PartitionType(pt)
	})
}

// WithOpenFileTTL sets how long an idle, non-active partition stays mapped
// before the sweeper closes it.
func WithOpenFileTTL(d time.Duration) JournalOption {
	return journalOptionFunc(func(m *schema.JournalMetadata) { m.OpenPartitionTTL = d })
}

// WithLag enables a lag window: timestamps that regress by up to d are
// accepted into a ".lag" partition instead of rejected outright.
func WithLag(d time.Duration) JournalOption {
	return journalOptionFunc(func(m *schema.JournalMetadata) { m.Lag = d })
}

// WithRecordHint sizes column/index bit hints for an expected row count.
func WithRecordHint(n int) JournalOption {
	return journalOptionFunc(func(m *schema.JournalMetadata) { m.RecordHint = n })
}

// WithTxCountHint records an expected number of commits in the persisted
// schema. The tx log does not use it to size any allocation.
func WithTxCountHint(n int) JournalOption {
	return journalOptionFunc(func(m *schema.JournalMetadata) { m.TxCountHint = n })
}

// WithKeyColumn names the index of the optional unique secondary-key
// column. It is stored in the persisted schema only: Append does not
// consult it, and no upsert-by-key or uniqueness check is performed.
func WithKeyColumn(i int) JournalOption {
	return journalOptionFunc(func(m *schema.JournalMetadata) { m.KeyColumn = i })
}

// WithModelClassID tags the journal with an opaque identifier of the host
// record type, carried through to the persisted schema.
func WithModelClassID(id string) JournalOption {
	return journalOptionFunc(func(m *schema.JournalMetadata) { m.ModelClassID = id })
}

// NewJournalMetadata builds a JournalMetadata at location with the given
// columns and timestamp column index (-1 for an unordered journal),
// applying opts in order.
func NewJournalMetadata(location string, timestampCol int, columns []ColumnMetadata, opts ...JournalOption) *schema.JournalMetadata {
	m := &schema.JournalMetadata{
		Location:     location,
		TimestampCol: timestampCol,
		KeyColumn:    -1,
	}
	for _, c := range columns {
		m.Columns = append(m.Columns, schema.ColumnMetadata(c))
	}
	for _, o := range opts {
		o.apply(m)
	}
	return m
}

// ColumnOption configures a ColumnMetadata at build time.
type ColumnOption interface {
	applyColumn(*schema.ColumnMetadata)
}

type columnOptionFunc func(*schema.ColumnMetadata)

func (f columnOptionFunc) applyColumn(cm *schema.ColumnMetadata) { f(cm) }

// WithIndexed marks the column for KVIndex maintenance; the
// column's DistinctCountHint must be set via WithDistinctCountHint, since
// Open rejects an indexed or SYMBOL column whose hint is not a power of
// two.
func WithIndexed() ColumnOption {
	return columnOptionFunc(func(cm *schema.ColumnMetadata) { cm.Indexed = true })
}

// WithDistinctCountHint sets the expected number of distinct values,
// sizing the column's (or symbol table's) KVIndex. Must be a power of two.
func WithDistinctCountHint(n int64) ColumnOption {
	return columnOptionFunc(func(cm *schema.ColumnMetadata) { cm.DistinctCountHint = n })
}

// WithAvgSize hints the average record size of a variable-length column,
// used to size its data-file bit hint.
func WithAvgSize(n int) ColumnOption {
	return columnOptionFunc(func(cm *schema.ColumnMetadata) { cm.AvgSize = n })
}

// WithFixedSize overrides the default on-disk width of a fixed-type
// column.
func WithFixedSize(n int) ColumnOption {
	return columnOptionFunc(func(cm *schema.ColumnMetadata) { cm.FixedSize = n })
}

// WithSymbolTable names the shared SymbolTable a SYMBOL column interns
// into, letting multiple columns share one dictionary.
func WithSymbolTable(name string) ColumnOption {
	return columnOptionFunc(func(cm *schema.ColumnMetadata) { cm.SymbolTable = name })
}

// ColumnMetadata mirrors schema.ColumnMetadata at the public boundary so
// callers never need to import internal/schema directly.
type ColumnMetadata schema.ColumnMetadata

// Column builds one column definition.
func Column(name string, t ColumnType, opts ...ColumnOption) ColumnMetadata {
	cm := schema.ColumnMetadata{Name: name, Type: schema.ColumnType(t)}
	for _, o := range opts {
		o.applyColumn(&cm)
	}
	return ColumnMetadata(cm)
}

// ColumnType mirrors codec.ColumnType at the public boundary, matching the
// type of Value.Type so callers never need to import internal/codec
// directly.
type ColumnType = codec.ColumnType

const (
	Bool   = codec.Bool
	Byte   = codec.Byte
	Short  = codec.Short
	Int    = codec.Int
	Long   = codec.Long
	Float  = codec.Float
	Double = codec.Double
	Date   = codec.Date
	String = codec.String
	Binary = codec.Binary
	Symbol = codec.Symbol
)

// PartitionType mirrors schema.PartitionType at the public boundary.
type PartitionType = schema.PartitionType

const (
	None  = schema.None
	Day   = schema.Day
	Month = schema.Month
	Year  = schema.Year
)
