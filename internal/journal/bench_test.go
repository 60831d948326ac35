package journal_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nfsdb/internal/codec"
	"nfsdb/internal/journal"
	"nfsdb/internal/schema"
	"nfsdb/internal/storage"
	"nfsdb/internal/testsupport"
)

// BenchmarkAppendCommit appends b.N symbol rows and commits once at the
// end. Hints come from testsupport.ParseHintOverrides(nil), which yields
// the same defaults quoteMeta uses in journal_test.go. The benchmark reads
// no command-line arguments; other sizes need a non-nil slice of
// "--record-hint=N --key-space=N" style args here.
func BenchmarkAppendCommit(b *testing.B) {
	overrides, err := testsupport.ParseHintOverrides(nil)
	require.NoError(b, err)

	dir := b.TempDir()
	meta := &schema.JournalMetadata{
		Location:     dir,
		Columns:      []schema.ColumnMetadata{{Name: "sym", Type: schema.Symbol, DistinctCountHint: overrides.KeySpace, Indexed: true}},
		TimestampCol: -1,
		PartitionBy:  schema.None,
		RecordHint:   overrides.RecordHint,
		KeyColumn:    -1,
	}
	j, err := journal.Open(meta, storage.ReadWrite)
	require.NoError(b, err)
	defer j.Close()

	rc := &codec.SliceRecordCodec{}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		require.NoError(b, j.Append(rc, []codec.Value{{Type: codec.Symbol, Str: "AAA"}}))
	}
	require.NoError(b, j.Commit())
}
