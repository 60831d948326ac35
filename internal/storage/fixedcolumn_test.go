package storage

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixedColumn(t *testing.T, name string, fixedSize int) *FixedColumn {
	t.Helper()
	mf, err := Open(filepath.Join(t.TempDir(), name), 0, ReadWrite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mf.Close() })
	return NewFixedColumn(mf, fixedSize)
}

func TestFixedColumnRoundTripAllTypes(t *testing.T) {
	boolCol := newFixedColumn(t, "bool.d", 1)
	i, err := boolCol.PutBool(true)
	require.NoError(t, err)
	b, err := boolCol.GetBool(i)
	require.NoError(t, err)
	assert.True(t, b)

	byteCol := newFixedColumn(t, "byte.d", 1)
	i, err = byteCol.PutByte(0xAB)
	require.NoError(t, err)
	bv, err := byteCol.GetByte(i)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), bv)

	shortCol := newFixedColumn(t, "short.d", 2)
	i, err = shortCol.PutShort(-12345)
	require.NoError(t, err)
	sv, err := shortCol.GetShort(i)
	require.NoError(t, err)
	assert.Equal(t, int16(-12345), sv)

	intCol := newFixedColumn(t, "int.d", 4)
	i, err = intCol.PutInt(math.MinInt32)
	require.NoError(t, err)
	iv, err := intCol.GetInt(i)
	require.NoError(t, err)
	assert.Equal(t, int32(math.MinInt32), iv)

	longCol := newFixedColumn(t, "long.d", 8)
	i, err = longCol.PutLong(math.MinInt64)
	require.NoError(t, err)
	lv, err := longCol.GetLong(i)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64), lv)

	floatCol := newFixedColumn(t, "float.d", 4)
	i, err = floatCol.PutFloat(3.5)
	require.NoError(t, err)
	fv, err := floatCol.GetFloat(i)
	require.NoError(t, err)
	assert.Equal(t, float32(3.5), fv)

	doubleCol := newFixedColumn(t, "double.d", 8)
	i, err = doubleCol.PutDouble(-2.25)
	require.NoError(t, err)
	dv, err := doubleCol.GetDouble(i)
	require.NoError(t, err)
	assert.Equal(t, -2.25, dv)

	dateCol := newFixedColumn(t, "date.d", 8)
	i, err = dateCol.PutDate(1420070400000)
	require.NoError(t, err)
	dtv, err := dateCol.GetDate(i)
	require.NoError(t, err)
	assert.Equal(t, int64(1420070400000), dtv)
}

func TestBsearchEdgeWithDuplicates(t *testing.T) {
	col := newFixedColumn(t, "ts.d", 8)
	values := []int64{10, 10, 20, 20, 20, 30, 40, 40}
	for _, v := range values {
		_, err := col.PutLong(v)
		require.NoError(t, err)
	}

	idx, err := col.BsearchEdge(20, NewerOrSame)
	require.NoError(t, err)
	assert.Equal(t, int64(2), idx) // first index with value >= 20

	idx, err = col.BsearchEdge(20, OlderOrSame)
	require.NoError(t, err)
	assert.Equal(t, int64(4), idx) // last index with value <= 20

	idx, err = col.BsearchEdge(20, Newer)
	require.NoError(t, err)
	assert.Equal(t, int64(5), idx) // first index with value > 20

	idx, err = col.BsearchEdge(20, Older)
	require.NoError(t, err)
	assert.Equal(t, int64(1), idx) // last index with value < 20

	idx, err = col.BsearchEdge(999, NewerOrSame)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), idx)

	idx, err = col.BsearchEdge(-1, OlderOrSame)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), idx)
}

func TestBsearchEdgeEmptyColumn(t *testing.T) {
	col := newFixedColumn(t, "empty.d", 8)
	idx, err := col.BsearchEdge(5, NewerOrSame)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), idx)
}
