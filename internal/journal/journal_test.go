package journal_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nfsdb/internal/codec"
	"nfsdb/internal/errs"
	"nfsdb/internal/journal"
	"nfsdb/internal/schema"
	"nfsdb/internal/storage"
)

func quoteMeta(dir string) *schema.JournalMetadata {
	return &schema.JournalMetadata{
		Location: dir,
		Columns: []schema.ColumnMetadata{
			{Name: "sym", Type: schema.Symbol, DistinctCountHint: 16, Indexed: true},
			{Name: "bid", Type: schema.Double},
			{Name: "ts", Type: schema.Date},
		},
		TimestampCol: 2,
		PartitionBy:  schema.Day,
		RecordHint:   1024,
		KeyColumn:    -1,
	}
}

func quoteRow(sym string, bid float64, ts int64) []codec.Value {
	return []codec.Value{
		{Type: codec.Symbol, Str: sym},
		{Type: codec.Double, Float64: bid},
		{Type: codec.Date, Int64: ts},
	}
}

func ms(year int, month time.Month, day, hour int) int64 {
	return time.Date(year, month, day, hour, 0, 0, 0, time.UTC).UnixMilli()
}

// TestChronologicalAppendPartitionsByDay checks that three timestamps
// spanning two UTC days produce two partition directories, in input
// order.
func TestChronologicalAppendPartitionsByDay(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(quoteMeta(dir), storage.ReadWrite)
	require.NoError(t, err)
	defer j.Close()

	rc := &codec.SliceRecordCodec{}
	t1, t2, t3 := ms(2015, 1, 1, 0), ms(2015, 1, 1, 12), ms(2015, 1, 2, 0)

	require.NoError(t, j.Append(rc, quoteRow("AAA", 1, t1)))
	require.NoError(t, j.Append(rc, quoteRow("AAA", 2, t2)))
	require.NoError(t, j.Append(rc, quoteRow("AAA", 3, t3)))
	require.NoError(t, j.Commit())

	assert.Equal(t, int64(3), j.Size())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	assert.ElementsMatch(t, []string{"2015-01-01", "2015-01-02"}, dirs)

	// The next row for an existing day lands in that day's partition at
	// the next local row id.
	p, localRowId, err := j.PartitionFor(ms(2015, 1, 2, 6))
	require.NoError(t, err)
	assert.Equal(t, "2015-01-02", filepath.Base(p.Dir()))
	assert.Equal(t, int64(1), localRowId)

	var gotBids []float64
	for pi := 0; ; pi++ {
		p, err := j.GetPartition(pi, true)
		if err != nil {
			break
		}
		n := p.Size()
		for row := int64(0); row < n; row++ {
			out := make([]codec.Value, 3)
			require.NoError(t, p.Read(row, rc, out))
			gotBids = append(gotBids, out[1].Float64)
		}
	}
	assert.Equal(t, []float64{1, 2, 3}, gotBids)
}

// TestOutOfOrderAppendWithoutLagFails checks that a regressing timestamp
// with no lag window configured is rejected and never reaches disk.
func TestOutOfOrderAppendWithoutLagFails(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(quoteMeta(dir), storage.ReadWrite)
	require.NoError(t, err)
	defer j.Close()

	rc := &codec.SliceRecordCodec{}
	t2, t1 := ms(2015, 1, 2, 0), ms(2015, 1, 1, 23)

	require.NoError(t, j.Append(rc, quoteRow("AAA", 1, t2)))
	err = j.Append(rc, quoteRow("AAA", 2, t1))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTimestampOutOfOrder))

	assert.Equal(t, int64(1), j.Size())
}

// TestSymbolDedup checks that repeated symbol values share one dictionary
// key.
func TestSymbolDedup(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(quoteMeta(dir), storage.ReadWrite)
	require.NoError(t, err)
	defer j.Close()

	rc := &codec.SliceRecordCodec{}
	ts := ms(2015, 1, 1, 0)
	for _, sym := range []string{"AAA", "BBB", "AAA"} {
		require.NoError(t, j.Append(rc, quoteRow(sym, 1, ts)))
	}
	require.NoError(t, j.Commit())

	st := j.Get("sym")
	require.NotNil(t, st)
	assert.Equal(t, int64(2), st.Size())

	p, err := j.GetPartition(0, true)
	require.NoError(t, err)
	row0 := make([]codec.Value, 3)
	row2 := make([]codec.Value, 3)
	require.NoError(t, p.Read(0, rc, row0))
	require.NoError(t, p.Read(2, rc, row2))
	assert.Equal(t, row0[0].Int32, row2[0].Int32)
}

// TestIndexedSymbolLookupRoundRobin checks that 1000 rows spread evenly
// across 10 symbols each resolve to exactly 100 ascending row ids.
func TestIndexedSymbolLookupRoundRobin(t *testing.T) {
	dir := t.TempDir()
	meta := &schema.JournalMetadata{
		Location:     dir,
		Columns:      []schema.ColumnMetadata{{Name: "sym", Type: schema.Symbol, DistinctCountHint: 16, Indexed: true}},
		TimestampCol: -1,
		PartitionBy:  schema.None,
		RecordHint:   1024,
		KeyColumn:    -1,
	}
	j, err := journal.Open(meta, storage.ReadWrite)
	require.NoError(t, err)
	defer j.Close()

	rc := &codec.SliceRecordCodec{}
	symbols := make([]string, 10)
	for i := range symbols {
		symbols[i] = string(rune('A' + i))
	}
	for row := 0; row < 1000; row++ {
		s := symbols[row%len(symbols)]
		require.NoError(t, j.Append(rc, []codec.Value{{Type: codec.Symbol, Str: s}}))
	}

	st := j.Get("sym")
	p, err := j.GetPartition(0, true)
	require.NoError(t, err)
	idx := p.IndexFor(0)
	require.NotNil(t, idx)

	for _, s := range symbols {
		key, err := st.Put(s)
		require.NoError(t, err)
		count, err := idx.GetValueCount(int64(key))
		require.NoError(t, err)
		assert.Equal(t, int64(100), count)

		var prev int64 = -1
		for i := int64(0); i < count; i++ {
			rowID, err := idx.GetValueQuick(int64(key), i)
			require.NoError(t, err)
			assert.Greater(t, rowID, prev)
			prev = rowID
		}
	}
}

// TestConcurrentReaderRefresh checks that a reader only observes new rows
// after an explicit Refresh, never mid-write.
func TestConcurrentReaderRefresh(t *testing.T) {
	dir := t.TempDir()
	meta := quoteMeta(dir)

	w, err := journal.Open(meta, storage.ReadWrite)
	require.NoError(t, err)
	defer w.Close()

	r, err := journal.Open(meta, storage.ReadOnly)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, int64(0), r.Size())

	rc := &codec.SliceRecordCodec{}
	ts := ms(2015, 1, 1, 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, w.Append(rc, quoteRow("AAA", float64(i), ts)))
	}
	require.NoError(t, w.Commit())

	assert.Equal(t, int64(0), r.Size())
	require.NoError(t, r.Refresh())
	assert.Equal(t, int64(100), r.Size())

	for i := 0; i < 50; i++ {
		require.NoError(t, w.Append(rc, quoteRow("AAA", float64(i), ts)))
	}
	assert.Equal(t, int64(100), r.Size())

	require.NoError(t, w.Commit())
	assert.Equal(t, int64(100), r.Size())
	require.NoError(t, r.Refresh())
	assert.Equal(t, int64(150), r.Size())
}

// TestJournalRejectsSecondWriter exercises the exclusive lock.lock
// acquired by the first ReadWrite open.
func TestJournalRejectsSecondWriter(t *testing.T) {
	dir := t.TempDir()
	meta := quoteMeta(dir)

	w1, err := journal.Open(meta, storage.ReadWrite)
	require.NoError(t, err)
	defer w1.Close()

	_, err = journal.Open(meta, storage.ReadWrite)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConcurrentWriter))
}

func TestJournalRejectsDuplicateColumn(t *testing.T) {
	dir := t.TempDir()
	meta := &schema.JournalMetadata{
		Location: dir,
		Columns: []schema.ColumnMetadata{
			{Name: "a", Type: schema.Int},
			{Name: "a", Type: schema.Long},
		},
		TimestampCol: -1,
		KeyColumn:    -1,
	}
	_, err := journal.Open(meta, storage.ReadWrite)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfigError))
}

// TestJournalRejectsNonPowerOfTwoDistinctHint checks that an invalid
// distinctCountHint fails at Journal.Open, before any partition or index
// file exists, not lazily on the first append.
func TestJournalRejectsNonPowerOfTwoDistinctHint(t *testing.T) {
	dir := t.TempDir()
	meta := &schema.JournalMetadata{
		Location: dir,
		Columns: []schema.ColumnMetadata{
			{Name: "n", Type: schema.Int, Indexed: true, DistinctCountHint: 3},
		},
		TimestampCol: -1,
		KeyColumn:    -1,
	}
	_, err := journal.Open(meta, storage.ReadWrite)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfigError))
}

func TestTxRecordEncodeDecodeRoundTrip(t *testing.T) {
	rec := &journal.TxRecord{
		TxNumber:        7,
		CommitMillis:    1420070400000,
		MaxRowId:        123,
		LastPartitionTs: 1420070400000,
		LagName:         "2015-01-01.lag",
		IndexAddr:       []uint64{1, 2, 3},
		SymSize:         []uint64{9},
		KeyHash:         0xdeadbeef,
	}
	buf := journal.EncodeRecord(rec)
	got, n, err := journal.DecodeRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, rec, got)
}

func TestTxRecordDecodeDetectsCorruption(t *testing.T) {
	rec := &journal.TxRecord{TxNumber: 1, MaxRowId: 1}
	buf := journal.EncodeRecord(rec)
	buf[len(buf)-1] ^= 0xFF // flip a byte in the CRC
	_, _, err := journal.DecodeRecord(buf)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTxCorruption))
}

func TestTxRecordDecodeShortBuffer(t *testing.T) {
	_, _, err := journal.DecodeRecord([]byte{0, 1})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTxCorruption))
}

func TestJournalReopenAfterCommitSeesSameSize(t *testing.T) {
	dir := t.TempDir()
	meta := quoteMeta(dir)

	j, err := journal.Open(meta, storage.ReadWrite)
	require.NoError(t, err)
	rc := &codec.SliceRecordCodec{}
	ts := ms(2015, 6, 1, 0)
	for i := 0; i < 10; i++ {
		require.NoError(t, j.Append(rc, quoteRow("AAA", float64(i), ts)))
	}
	require.NoError(t, j.Commit())
	require.NoError(t, j.Close())

	j2, err := journal.Open(meta, storage.ReadWrite)
	require.NoError(t, err)
	defer j2.Close()
	assert.Equal(t, int64(10), j2.Size())
}

func TestJournalRollbackOnAppendFailureKeepsLastCommittedSize(t *testing.T) {
	dir := t.TempDir()
	meta := quoteMeta(dir)
	j, err := journal.Open(meta, storage.ReadWrite)
	require.NoError(t, err)
	defer j.Close()

	rc := &codec.SliceRecordCodec{}
	t1 := ms(2015, 1, 1, 0)
	require.NoError(t, j.Append(rc, quoteRow("AAA", 1, t1)))
	require.NoError(t, j.Commit())
	assert.Equal(t, int64(1), j.Size())

	// ts regressing past the lag-less window: rejected, no partial row
	// survives.
	err = j.Append(rc, quoteRow("AAA", 2, t1-1000))
	require.Error(t, err)
	assert.Equal(t, int64(1), j.Size())
}

// TestJournalTruncateDropsEverything exercises the full-journal truncate:
// rows, symbols, and indexes all reset, and the empty state is published
// as a new transaction.
func TestJournalTruncateDropsEverything(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(quoteMeta(dir), storage.ReadWrite)
	require.NoError(t, err)
	defer j.Close()

	rc := &codec.SliceRecordCodec{}
	ts := ms(2015, 1, 1, 0)
	for _, sym := range []string{"AAA", "BBB", "CCC"} {
		require.NoError(t, j.Append(rc, quoteRow(sym, 1, ts)))
	}
	require.NoError(t, j.Commit())
	tx1 := j.TxNumber()
	require.NoError(t, j.Truncate())

	assert.Equal(t, int64(0), j.Size())
	assert.Equal(t, int64(0), j.Get("sym").Size())
	assert.Greater(t, j.TxNumber(), tx1)

	// The journal stays writable after a truncate, from a clean slate.
	require.NoError(t, j.Append(rc, quoteRow("DDD", 2, ts)))
	require.NoError(t, j.Commit())
	assert.Equal(t, int64(1), j.Size())
	assert.Equal(t, int64(1), j.Get("sym").Size())
}

func TestJournalLagWindowAcceptsBoundedRegression(t *testing.T) {
	dir := t.TempDir()
	meta := quoteMeta(dir)
	meta.Lag = 2 * time.Hour
	j, err := journal.Open(meta, storage.ReadWrite)
	require.NoError(t, err)
	defer j.Close()

	rc := &codec.SliceRecordCodec{}
	t2 := ms(2015, 1, 2, 12)
	require.NoError(t, j.Append(rc, quoteRow("AAA", 1, t2)))
	require.NoError(t, j.Append(rc, quoteRow("AAA", 2, t2-3600*1000))) // 1h back, within lag
	require.NoError(t, j.Commit())
	assert.Equal(t, int64(2), j.Size())

	err = j.Append(rc, quoteRow("AAA", 3, t2-4*3600*1000)) // 4h back, exceeds lag
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTimestampOutOfOrder))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	foundLag := false
	for _, e := range entries {
		if e.IsDir() && filepath.Ext(e.Name()) == ".lag" {
			foundLag = true
		}
	}
	assert.True(t, foundLag, "an accepted in-window regression should create a .lag partition")
}
