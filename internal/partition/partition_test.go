package partition_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nfsdb/internal/codec"
	"nfsdb/internal/partition"
	"nfsdb/internal/schema"
	"nfsdb/internal/storage"
	"nfsdb/internal/symtab"
)

type fakeSymtabs struct {
	tables map[string]*symtab.SymbolTable
}

func (f *fakeSymtabs) Get(name string) *symtab.SymbolTable { return f.tables[name] }

func newTestPartition(t *testing.T, cols []schema.ColumnMetadata) (*partition.Partition, *fakeSymtabs) {
	t.Helper()
	dir := t.TempDir()
	meta := &schema.JournalMetadata{
		Location:     dir,
		Columns:      cols,
		TimestampCol: -1,
		PartitionBy:  schema.None,
		RecordHint:   256,
		KeyColumn:    -1,
	}

	tables := map[string]*symtab.SymbolTable{}
	for _, cm := range cols {
		if cm.Type == schema.Symbol {
			st, err := symtab.Open(filepath.Join(dir, cm.SymbolTableName()), cm.DistinctCountHint, storage.ReadWrite)
			require.NoError(t, err)
			tables[cm.SymbolTableName()] = st
			t.Cleanup(func() { _ = st.Close() })
		}
	}
	fs := &fakeSymtabs{tables: tables}

	p := partition.New(meta, schema.IntervalFor(time.Unix(0, 0), schema.None), 0, false, fs, storage.ReadWrite)
	require.NoError(t, p.Open())
	t.Cleanup(func() { _ = p.Close() })
	return p, fs
}

func TestPartitionAppendReadRoundTrip(t *testing.T) {
	cols := []schema.ColumnMetadata{
		{Name: "sym", Type: schema.Symbol, DistinctCountHint: 16, Indexed: true},
		{Name: "bid", Type: schema.Double},
		{Name: "note", Type: schema.String},
	}
	p, _ := newTestPartition(t, cols)
	rc := &codec.SliceRecordCodec{}

	rows := [][]codec.Value{
		{{Type: codec.Symbol, Str: "AAPL"}, {Type: codec.Double, Float64: 101.5}, {Type: codec.String, Str: "first"}},
		{{Type: codec.Symbol, Str: "MSFT"}, {Type: codec.Double, Float64: 202.25}, {Type: codec.String, Str: ""}},
		{{Type: codec.Symbol, Str: "AAPL"}, {Type: codec.Double, Float64: 103.0}, {Type: codec.String, Null: true}},
	}

	for _, row := range rows {
		rowAny := any(row)
		_, err := p.Append(rc, rowAny)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(3), p.Size())

	for i, want := range rows {
		out := make([]codec.Value, len(cols))
		require.NoError(t, p.Read(int64(i), rc, any(out)))
		assert.Equal(t, want[0].Str, out[0].Str)
		assert.Equal(t, want[1].Float64, out[1].Float64)
		if want[2].Null {
			assert.True(t, out[2].Null)
		} else {
			assert.Equal(t, want[2].Str, out[2].Str)
		}
	}
}

func TestPartitionIntMinValueRoundTrips(t *testing.T) {
	cols := []schema.ColumnMetadata{{Name: "n", Type: schema.Int}}
	p, _ := newTestPartition(t, cols)
	rc := &codec.SliceRecordCodec{}

	row := []codec.Value{{Type: codec.Int, Int32: -2147483648}}
	_, err := p.Append(rc, any(row))
	require.NoError(t, err)

	out := make([]codec.Value, 1)
	require.NoError(t, p.Read(0, rc, any(out)))
	assert.Equal(t, int32(-2147483648), out[0].Int32)
}

func TestPartitionTruncate(t *testing.T) {
	cols := []schema.ColumnMetadata{{Name: "n", Type: schema.Long}}
	p, _ := newTestPartition(t, cols)
	rc := &codec.SliceRecordCodec{}

	for i := int64(0); i < 5; i++ {
		row := []codec.Value{{Type: codec.Long, Int64: i}}
		_, err := p.Append(rc, any(row))
		require.NoError(t, err)
	}
	require.NoError(t, p.Truncate(2))
	assert.Equal(t, int64(2), p.Size())
}

func TestPartitionIndexedSymbolLookup(t *testing.T) {
	cols := []schema.ColumnMetadata{
		{Name: "sym", Type: schema.Symbol, DistinctCountHint: 16, Indexed: true},
	}
	p, fs := newTestPartition(t, cols)
	rc := &codec.SliceRecordCodec{}

	symbols := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	for row := 0; row < 100; row++ {
		s := symbols[row%len(symbols)]
		_, err := p.Append(rc, any([]codec.Value{{Type: codec.Symbol, Str: s}}))
		require.NoError(t, err)
	}

	st := fs.Get("sym")
	idx := p.IndexFor(0)
	require.NotNil(t, idx)

	for _, s := range symbols {
		key, err := st.Put(s)
		require.NoError(t, err)
		count, err := idx.GetValueCount(int64(key))
		require.NoError(t, err)
		assert.Equal(t, int64(10), count)
	}
}

func TestPartitionRebuildIndex(t *testing.T) {
	cols := []schema.ColumnMetadata{
		{Name: "sym", Type: schema.Symbol, DistinctCountHint: 16, Indexed: true},
	}
	p, fs := newTestPartition(t, cols)
	rc := &codec.SliceRecordCodec{}

	for _, s := range []string{"X", "Y", "X", "X"} {
		_, err := p.Append(rc, any([]codec.Value{{Type: codec.Symbol, Str: s}}))
		require.NoError(t, err)
	}

	require.NoError(t, p.RebuildIndex(0))

	st := fs.Get("sym")
	key, err := st.Put("X")
	require.NoError(t, err)
	idx := p.IndexFor(0)
	count, err := idx.GetValueCount(int64(key))
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
