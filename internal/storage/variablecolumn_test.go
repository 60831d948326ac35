package storage

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVariableColumn(t *testing.T, name string) *VariableColumn {
	t.Helper()
	data, err := Open(filepath.Join(t.TempDir(), name+".d"), 0, ReadWrite)
	require.NoError(t, err)
	offsets, err := Open(filepath.Join(t.TempDir(), name+".i"), 0, ReadWrite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = data.Close(); _ = offsets.Close() })
	return NewVariableColumn(data, offsets)
}

func TestVariableColumnStrRoundTrip(t *testing.T) {
	col := newVariableColumn(t, "str")

	cases := []string{"", "hello", "multi-plane: \U0001F600\U0001F4A9", strings.Repeat("x", 5000)}
	for _, s := range cases {
		i, err := col.PutStr(s)
		require.NoError(t, err)
		got, isNull, err := col.GetStr(i)
		require.NoError(t, err)
		assert.False(t, isNull)
		assert.Equal(t, s, got)
	}
}

func TestVariableColumnNullDistinctFromEmpty(t *testing.T) {
	col := newVariableColumn(t, "str")

	emptyRow, err := col.PutStr("")
	require.NoError(t, err)
	nullRow, err := col.PutNull()
	require.NoError(t, err)

	s, isNull, err := col.GetStr(emptyRow)
	require.NoError(t, err)
	assert.False(t, isNull)
	assert.Equal(t, "", s)

	_, isNull, err = col.GetStr(nullRow)
	require.NoError(t, err)
	assert.True(t, isNull)
}

func TestVariableColumnBinRoundTrip(t *testing.T) {
	col := newVariableColumn(t, "bin")

	payload := []byte{0, 1, 2, 3, 255, 254}
	i, err := col.PutBin(payload)
	require.NoError(t, err)
	got, err := col.GetBin(i)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	sz, err := col.GetBinSize(i)
	require.NoError(t, err)
	assert.Equal(t, int32(len(payload)), sz)

	nullRow, err := col.PutNull()
	require.NoError(t, err)
	sz, err = col.GetBinSize(nullRow)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), sz)
	got, err = col.GetBin(nullRow)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVariableColumnFlyweightEpochInvalidation(t *testing.T) {
	col := newVariableColumn(t, "str")

	i, err := col.PutStr("borrowed")
	require.NoError(t, err)
	fw, err := col.GetFlyweightStr(i)
	require.NoError(t, err)
	assert.True(t, fw.Valid())
	assert.Equal(t, "borrowed", fw.String())

	_, err = col.PutStr("next write bumps the epoch")
	require.NoError(t, err)
	assert.False(t, fw.Valid())
	assert.Panics(t, func() { _ = fw.String() })
}

func TestVariableColumnWindowBoundaryStraddle(t *testing.T) {
	col := newVariableColumn(t, "str")
	windowSize := int64(1) << col.data.BitHint()

	// Pad the data file with binary filler up to 10 bytes short of the
	// window boundary: the next record's 4-byte header still fits in the
	// window and its payload straddles the boundary.
	padLen := windowSize - 10 - 4 // leave room for this record's own 4-byte header
	_, err := col.PutBin(make([]byte, padLen))
	require.NoError(t, err)

	straddle := "the quick brown fox jumps over"
	i, err := col.PutStr(straddle)
	require.NoError(t, err)

	got, isNull, err := col.GetStr(i)
	require.NoError(t, err)
	assert.False(t, isNull)
	assert.Equal(t, straddle, got)
}

func TestVariableColumnTruncate(t *testing.T) {
	col := newVariableColumn(t, "str")
	for _, s := range []string{"a", "bb", "ccc"} {
		_, err := col.PutStr(s)
		require.NoError(t, err)
	}
	require.NoError(t, col.Truncate(2))
	assert.Equal(t, int64(2), col.Size())

	got, _, err := col.GetStr(1)
	require.NoError(t, err)
	assert.Equal(t, "bb", got)
}
