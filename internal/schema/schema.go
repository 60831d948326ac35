// Package schema holds the journal/partition metadata types shared by
// internal/partition and internal/journal, kept in their own package to
// avoid a dependency cycle between the two (journal holds a list of
// partitions but both need to agree on column/interval definitions).
package schema

import (
	"path/filepath"
	"time"
)

// ColumnType mirrors codec.ColumnType: both list the same types in the
// same order, so a value converts directly between the two. schema
// declares its own type and imports nothing from internal/codec.
type ColumnType int

const (
	Bool ColumnType = iota
	Byte
	Short
	Int
	Long
	Float
	Double
	Date
	String
	Binary
	Symbol
)

// ColumnMetadata describes one column of a journal.
type ColumnMetadata struct {
	Name              string
	Type              ColumnType
	FixedSize         int    // bytes, for fixed types only; derived if zero
	Indexed           bool
	DistinctCountHint int64  // power of two; required when Indexed or Type == Symbol
	AvgSize           int    // average record size hint, used for VariableColumn bit-hint sizing
	BitHint           uint   // log2 data-file window size; 0 means derive from AvgSize/RecordHint
	IndexBitHint      uint   // log2 offsets-file window size; 0 means derive
	SymbolTable       string // shared SymbolTable name; defaults to Name when Type == Symbol
}

// FixedSizeOf returns the on-disk element width of a fixed-width column
// type. SYMBOL is stored as an INT key so it shares INT's width.
func FixedSizeOf(t ColumnType) int {
	switch t {
	case Bool, Byte:
		return 1
	case Short:
		return 2
	case Int, Float, Symbol:
		return 4
	case Long, Double, Date:
		return 8
	default:
		return 0
	}
}

// PartitionType selects how timestamps are bucketed into partition
// directories.
type PartitionType int

const (
	None PartitionType = iota
	Day
	Month
	Year
)

// JournalMetadata is the column/partitioning schema of one journal,
// persisted alongside the journal's data files.
type JournalMetadata struct {
	Location         string
	ModelClassID     string // opaque identifier of the host record type
	Columns          []ColumnMetadata
	TimestampCol     int // index into Columns, or -1 if unordered
	PartitionBy      PartitionType
	RecordHint       int           // expected row count, sizes column/index bit hints
	TxCountHint      int           // expected number of commits; persisted with the schema, not used to size the tx log
	OpenPartitionTTL time.Duration // a.k.a. openFileTTL
	Lag              time.Duration // out-of-order window for late data; 0 disables lag partitions
	KeyColumn        int           // index of the optional unique secondary index column, or -1
}

// ResolvedFixedSize returns cm.FixedSize if set, else the type's default
// width from FixedSizeOf.
func (cm ColumnMetadata) ResolvedFixedSize() int {
	if cm.FixedSize > 0 {
		return cm.FixedSize
	}
	return FixedSizeOf(cm.Type)
}

// SymbolTableName returns the shared SymbolTable name for a SYMBOL column,
// defaulting to the column's own name.
func (cm ColumnMetadata) SymbolTableName() string {
	if cm.SymbolTable != "" {
		return cm.SymbolTable
	}
	return cm.Name
}

// ColumnByName returns the index of the named column, or -1.
func (jm *JournalMetadata) ColumnByName(name string) int {
	for i, c := range jm.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Interval is a half-open time range [Start, End) corresponding to one
// partition directory.
type Interval struct {
	Start time.Time
	End   time.Time
	Type  PartitionType
}

// Contains reports whether t falls within the interval.
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Equal reports whether two intervals cover the same start instant and
// type, which is sufficient to identify "the same partition slot" since
// End is always derived from Start and Type.
func (iv Interval) Equal(other Interval) bool {
	return iv.Type == other.Type && iv.Start.Equal(other.Start)
}

// DirName returns the on-disk directory name for this interval.
func (iv Interval) DirName() string {
	switch iv.Type {
	case Day:
		return iv.Start.Format("2006-01-02")
	case Month:
		return iv.Start.Format("2006-01")
	case Year:
		return iv.Start.Format("2006")
	default:
		return "default"
	}
}

// IntervalFor computes the interval of the given type containing t.
func IntervalFor(t time.Time, pt PartitionType) Interval {
	t = t.UTC()
	switch pt {
	case Day:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return Interval{Start: start, End: start.AddDate(0, 0, 1), Type: Day}
	case Month:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Interval{Start: start, End: start.AddDate(0, 1, 0), Type: Month}
	case Year:
		start := time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return Interval{Start: start, End: start.AddDate(1, 0, 0), Type: Year}
	default:
		return Interval{Start: time.Unix(0, 0).UTC(), End: time.Unix(1<<62, 0).UTC(), Type: None}
	}
}

// PartitionPath joins a journal location with an interval's directory name.
// lag appends the ".lag" suffix used for late-data partitions.
func PartitionPath(journalLocation string, iv Interval, lag bool) string {
	name := iv.DirName()
	if lag {
		name += ".lag"
	}
	return filepath.Join(journalLocation, name)
}
