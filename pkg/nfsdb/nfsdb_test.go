package nfsdb_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nfsdb/pkg/nfsdb"
)

func ms(year int, month time.Month, day, hour int) int64 {
	return time.Date(year, month, day, hour, 0, 0, 0, time.UTC).UnixMilli()
}

func TestOpenAppendCommitIterate(t *testing.T) {
	dir := t.TempDir()
	meta := nfsdb.NewJournalMetadata(dir, 2,
		[]nfsdb.ColumnMetadata{
			nfsdb.Column("sym", nfsdb.Symbol, nfsdb.WithIndexed(), nfsdb.WithDistinctCountHint(16)),
			nfsdb.Column("bid", nfsdb.Double),
			nfsdb.Column("ts", nfsdb.Date),
		},
		nfsdb.WithPartitionType(nfsdb.Day),
		nfsdb.WithRecordHint(1024),
	)

	db, err := nfsdb.Open(meta)
	require.NoError(t, err)
	defer db.Close()

	rc := &nfsdb.SliceRecordCodec{}
	rows := []struct {
		sym string
		bid float64
		ts  int64
	}{
		{"AAA", 10.5, ms(2015, 1, 1, 0)},
		{"BBB", 20.25, ms(2015, 1, 1, 1)},
		{"AAA", 11.0, ms(2015, 1, 1, 2)},
	}
	for _, r := range rows {
		row := []nfsdb.Value{
			{Type: nfsdb.Symbol, Str: r.sym},
			{Type: nfsdb.Double, Float64: r.bid},
			{Type: nfsdb.Date, Int64: r.ts},
		}
		require.NoError(t, db.Append(rc, row))
	}
	require.NoError(t, db.Commit())

	assert.Equal(t, int64(3), db.Size())
	assert.Equal(t, uint64(1), db.TxNumber())

	it := db.Iterator(rc)
	var seenBids []float64
	out := make([]nfsdb.Value, 3)
	for ok := it.First(out); ok; ok = it.Next(out) {
		seenBids = append(seenBids, out[1].Float64)
	}
	require.NoError(t, it.Err())
	assert.ElementsMatch(t, []float64{10.5, 20.25, 11.0}, seenBids)
}

func TestReadOnlyHandleSeesRefreshedData(t *testing.T) {
	dir := t.TempDir()
	meta := nfsdb.NewJournalMetadata(dir, -1,
		[]nfsdb.ColumnMetadata{nfsdb.Column("n", nfsdb.Long)},
	)

	w, err := nfsdb.Open(meta)
	require.NoError(t, err)
	defer w.Close()

	r, err := nfsdb.OpenReadOnly(meta)
	require.NoError(t, err)
	defer r.Close()

	rc := &nfsdb.SliceRecordCodec{}
	for i := int64(0); i < 5; i++ {
		require.NoError(t, w.Append(rc, []nfsdb.Value{{Type: nfsdb.Long, Int64: i}}))
	}
	require.NoError(t, w.Commit())

	assert.Equal(t, int64(0), r.Size())
	require.NoError(t, r.Refresh())
	assert.Equal(t, int64(5), r.Size())
}

func TestRollbackDiscardsUncommittedRows(t *testing.T) {
	dir := t.TempDir()
	meta := nfsdb.NewJournalMetadata(dir, -1,
		[]nfsdb.ColumnMetadata{nfsdb.Column("n", nfsdb.Long)},
	)
	db, err := nfsdb.Open(meta)
	require.NoError(t, err)
	defer db.Close()

	rc := &nfsdb.SliceRecordCodec{}
	require.NoError(t, db.Append(rc, []nfsdb.Value{{Type: nfsdb.Long, Int64: 1}}))
	require.NoError(t, db.Commit())

	require.NoError(t, db.Append(rc, []nfsdb.Value{{Type: nfsdb.Long, Int64: 2}}))
	require.NoError(t, db.Rollback())

	assert.Equal(t, int64(1), db.Size())
}

func TestReadOnlyHandleRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	meta := nfsdb.NewJournalMetadata(dir, -1,
		[]nfsdb.ColumnMetadata{nfsdb.Column("n", nfsdb.Long)},
	)

	w, err := nfsdb.Open(meta)
	require.NoError(t, err)
	defer w.Close()

	r, err := nfsdb.OpenReadOnly(meta)
	require.NoError(t, err)
	defer r.Close()

	rc := &nfsdb.SliceRecordCodec{}
	err = r.Append(rc, []nfsdb.Value{{Type: nfsdb.Long, Int64: 1}})
	assert.ErrorIs(t, err, nfsdb.ErrReadOnly)
	assert.ErrorIs(t, r.Commit(), nfsdb.ErrReadOnly)
}

func TestSecondWriterFailsWithSentinel(t *testing.T) {
	dir := t.TempDir()
	meta := nfsdb.NewJournalMetadata(dir, -1,
		[]nfsdb.ColumnMetadata{nfsdb.Column("n", nfsdb.Long)},
	)

	w, err := nfsdb.Open(meta)
	require.NoError(t, err)
	defer w.Close()

	_, err = nfsdb.Open(meta)
	assert.ErrorIs(t, err, nfsdb.ErrConcurrentWriter)
	kind, ok := nfsdb.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, nfsdb.KindConcurrentWriter, kind)
}

func TestTruncateEmptiesJournal(t *testing.T) {
	dir := t.TempDir()
	meta := nfsdb.NewJournalMetadata(dir, -1,
		[]nfsdb.ColumnMetadata{nfsdb.Column("n", nfsdb.Long)},
	)
	db, err := nfsdb.Open(meta)
	require.NoError(t, err)
	defer db.Close()

	rc := &nfsdb.SliceRecordCodec{}
	for i := int64(0); i < 4; i++ {
		require.NoError(t, db.Append(rc, []nfsdb.Value{{Type: nfsdb.Long, Int64: i}}))
	}
	require.NoError(t, db.Commit())
	require.NoError(t, db.Truncate())
	assert.Equal(t, int64(0), db.Size())
}

func TestBufferedIteratorScansAllRows(t *testing.T) {
	dir := t.TempDir()
	meta := nfsdb.NewJournalMetadata(dir, 1,
		[]nfsdb.ColumnMetadata{
			nfsdb.Column("n", nfsdb.Long),
			nfsdb.Column("ts", nfsdb.Date),
		},
		nfsdb.WithPartitionType(nfsdb.Day),
	)
	db, err := nfsdb.Open(meta)
	require.NoError(t, err)
	defer db.Close()

	rc := &nfsdb.SliceRecordCodec{}
	const rows = 200 // spans several batches and two partitions
	for i := int64(0); i < rows; i++ {
		ts := ms(2015, 3, 1, 0) + i
		if i >= rows/2 {
			ts = ms(2015, 3, 2, 0) + i
		}
		require.NoError(t, db.Append(rc, []nfsdb.Value{
			{Type: nfsdb.Long, Int64: i},
			{Type: nfsdb.Date, Int64: ts},
		}))
	}
	require.NoError(t, db.Commit())

	it := db.BufferedIterator(rc, 16)
	out := make([]nfsdb.Value, 2)
	var got []int64
	for ok := it.First(out); ok; ok = it.Next(out) {
		got = append(got, out[0].Int64)
	}
	require.NoError(t, it.Err())
	require.Len(t, got, rows)
	for i, v := range got {
		assert.Equal(t, int64(i), v)
	}
}

func TestRebuildIndexesAfterCommit(t *testing.T) {
	dir := t.TempDir()
	meta := nfsdb.NewJournalMetadata(dir, -1,
		[]nfsdb.ColumnMetadata{
			nfsdb.Column("sym", nfsdb.Symbol, nfsdb.WithIndexed(), nfsdb.WithDistinctCountHint(16)),
		},
	)
	db, err := nfsdb.Open(meta)
	require.NoError(t, err)
	defer db.Close()

	rc := &nfsdb.SliceRecordCodec{}
	for _, s := range []string{"X", "Y", "X"} {
		require.NoError(t, db.Append(rc, []nfsdb.Value{{Type: nfsdb.Symbol, Str: s}}))
	}
	require.NoError(t, db.Commit())
	require.NoError(t, db.RebuildIndexes())
	assert.Equal(t, int64(3), db.Size())
}
