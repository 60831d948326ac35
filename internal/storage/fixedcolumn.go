package storage

import (
	"encoding/binary"
	"math"

	"nfsdb/internal/codec"
	"nfsdb/internal/errs"
)

// Edge selects which side of a run of equal timestamps BsearchEdge
// returns.
type Edge int

const (
	NewerOrSame Edge = iota
	OlderOrSame
	Newer
	Older
)

// FixedColumn is a thin typed view over a MemoryFile; element i lives at
// byte offset i*fixedSize.
type FixedColumn struct {
	mf        *MemoryFile
	fixedSize int
}

// NewFixedColumn wraps mf as a column of fixed-width elements.
func NewFixedColumn(mf *MemoryFile, fixedSize int) *FixedColumn {
	return &FixedColumn{mf: mf, fixedSize: fixedSize}
}

// FixedSize returns the per-element width in bytes.
func (c *FixedColumn) FixedSize() int { return c.fixedSize }

// Size returns the number of elements currently stored.
func (c *FixedColumn) Size() int64 {
	return c.mf.Size() / int64(c.fixedSize)
}

func (c *FixedColumn) offset(i int64) int64 { return i * int64(c.fixedSize) }

func (c *FixedColumn) read(i int64) ([]byte, error) {
	buf := make([]byte, c.fixedSize)
	if err := c.mf.ReadAt(c.offset(i), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *FixedColumn) append(buf []byte) (int64, error) {
	i := c.Size()
	if err := c.mf.WriteAt(c.offset(i), buf); err != nil {
		return 0, err
	}
	return i, nil
}

// GetBool returns the boolean stored at row i (non-zero byte is true).
func (c *FixedColumn) GetBool(i int64) (bool, error) {
	buf, err := c.read(i)
	if err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

// PutBool appends v and returns its row index.
func (c *FixedColumn) PutBool(v bool) (int64, error) {
	b := byte(0)
	if v {
		b = 1
	}
	return c.append([]byte{b})
}

func (c *FixedColumn) GetByte(i int64) (byte, error) {
	buf, err := c.read(i)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (c *FixedColumn) PutByte(v byte) (int64, error) {
	return c.append([]byte{v})
}

func (c *FixedColumn) GetShort(i int64) (int16, error) {
	buf, err := c.read(i)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(buf)), nil
}

func (c *FixedColumn) PutShort(v int16) (int64, error) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(v))
	return c.append(buf)
}

// GetInt returns the int32 stored at row i; the literal bit pattern of
// math.MinInt32 round-trips exactly through this accessor.
func (c *FixedColumn) GetInt(i int64) (int32, error) {
	buf, err := c.read(i)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf)), nil
}

func (c *FixedColumn) PutInt(v int32) (int64, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return c.append(buf)
}

func (c *FixedColumn) GetLong(i int64) (int64, error) {
	buf, err := c.read(i)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf)), nil
}

func (c *FixedColumn) PutLong(v int64) (int64, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return c.append(buf)
}

func (c *FixedColumn) GetFloat(i int64) (float32, error) {
	buf, err := c.read(i)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(buf)), nil
}

func (c *FixedColumn) PutFloat(v float32) (int64, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
	return c.append(buf)
}

func (c *FixedColumn) GetDouble(i int64) (float64, error) {
	buf, err := c.read(i)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf)), nil
}

func (c *FixedColumn) PutDouble(v float64) (int64, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	return c.append(buf)
}

// GetDate returns the DATE column's epoch-millis value; DATE shares LONG's
// on-disk representation.
func (c *FixedColumn) GetDate(i int64) (int64, error) { return c.GetLong(i) }
func (c *FixedColumn) PutDate(v int64) (int64, error) { return c.PutLong(v) }

// CopyFrom delegates the per-row copy to a RecordCodec, dispatching on the codec's declared type for columnIndex.
func (c *FixedColumn) CopyFrom(rc codec.RecordCodec, rec any, columnIndex int) (int64, error) {
	v, err := rc.Get(rec, columnIndex)
	if err != nil {
		return 0, err
	}
	switch v.Type {
	case codec.Bool:
		return c.PutBool(v.Bool)
	case codec.Byte:
		return c.PutByte(v.Byte)
	case codec.Short:
		return c.PutShort(v.Short)
	case codec.Int, codec.Symbol:
		return c.PutInt(v.Int32)
	case codec.Long, codec.Date:
		return c.PutLong(v.Int64)
	case codec.Float:
		return c.PutFloat(v.Float32)
	case codec.Double:
		return c.PutDouble(v.Float64)
	default:
		return 0, errs.New(errs.KindConfigError, "FixedColumn.CopyFrom", nil)
	}
}

func (c *FixedColumn) Commit() error          { return c.mf.Commit() }
func (c *FixedColumn) Force() error           { return c.mf.Force() }
func (c *FixedColumn) Close() error           { return c.mf.Close() }
func (c *FixedColumn) Compact() error         { return c.mf.Compact() }
func (c *FixedColumn) Truncate(n int64) error { return c.mf.Truncate(c.offset(n)) }

// BsearchEdge performs a binary search over [0, Size()) for value,
// returning -1 if no row matches the requested edge. O(log n), correct
// across duplicate values.
func (c *FixedColumn) BsearchEdge(value int64, edge Edge) (int64, error) {
	n := c.Size()
	if n == 0 {
		return -1, nil
	}
	return c.BsearchEdgeRange(value, edge, 0, n-1)
}

// BsearchEdgeRange restricts the search to [lo, hi] inclusive.
func (c *FixedColumn) BsearchEdgeRange(value int64, edge Edge, lo, hi int64) (int64, error) {
	if lo > hi {
		return -1, nil
	}

	switch edge {
	case NewerOrSame, Newer:
		// Find the smallest index whose value satisfies the predicate.
		threshold := value
		strict := edge == Newer
		result := int64(-1)
		for lo <= hi {
			mid := lo + (hi-lo)/2
			v, err := c.GetLong(mid)
			if err != nil {
				return -1, err
			}
			match := v > threshold || (!strict && v == threshold)
			if match {
				result = mid
				hi = mid - 1
			} else {
				lo = mid + 1
			}
		}
		return result, nil
	case OlderOrSame, Older:
		threshold := value
		strict := edge == Older
		result := int64(-1)
		for lo <= hi {
			mid := lo + (hi-lo)/2
			v, err := c.GetLong(mid)
			if err != nil {
				return -1, err
			}
			match := v < threshold || (!strict && v == threshold)
			if match {
				result = mid
				lo = mid + 1
			} else {
				hi = mid - 1
			}
		}
		return result, nil
	default:
		return -1, errs.New(errs.KindConfigError, "FixedColumn.BsearchEdge", nil)
	}
}
