package storage

import (
	"encoding/binary"
	"unicode/utf16"

	"nfsdb/internal/codec"
	"nfsdb/internal/errs"
)

const nullLength int32 = -1

// VariableColumn is a variable-length (STRING/BINARY) column: a data
// MemoryFile holding length-prefixed records, and an offsets column (one
// int64 per row) pointing into it.
type VariableColumn struct {
	data    *MemoryFile
	offsets *FixedColumn
}

// NewVariableColumn wraps the two MemoryFiles backing a variable column.
func NewVariableColumn(data, offsets *MemoryFile) *VariableColumn {
	return &VariableColumn{data: data, offsets: NewFixedColumn(offsets, 8)}
}

// Size returns the number of rows (including nulls).
func (c *VariableColumn) Size() int64 { return c.offsets.Size() }

func (c *VariableColumn) dataOffsetFor(i int64) (int64, error) {
	return c.offsets.GetLong(i)
}

// putRecord appends a length-prefixed record (len==-1 encodes null) to the
// data file and records its offset as a new row in the offsets column. It
// returns the new row's local id.
func (c *VariableColumn) putRecord(payload []byte, isNull bool) (int64, error) {
	offset := c.data.Size()

	header := make([]byte, 4)
	if isNull {
		nl := nullLength
		binary.BigEndian.PutUint32(header, uint32(nl))
		if err := c.data.WriteAt(offset, header); err != nil {
			return 0, err
		}
	} else {
		binary.BigEndian.PutUint32(header, uint32(int32(len(payload))))
		if err := c.data.WriteAt(offset, header); err != nil {
			return 0, err
		}
		if len(payload) > 0 {
			if err := c.data.WriteAt(offset+4, payload); err != nil {
				return 0, err
			}
		}
	}

	return c.offsets.PutLong(offset)
}

// PutStr writes a length prefix then the UTF-16 code units (big-endian) of
// s, and returns the new row's local id. The prefix counts payload bytes,
// two per code unit.
func (c *VariableColumn) PutStr(s string) (int64, error) {
	units := utf16.Encode([]rune(s))
	payload := make([]byte, len(units)*2)
	for i, u := range units {
		binary.BigEndian.PutUint16(payload[i*2:], u)
	}
	return c.putRecord(payload, false)
}

// PutNull writes a null marker (length -1) and returns the new row's local
// id. Used for both STRING and BINARY null values.
func (c *VariableColumn) PutNull() (int64, error) {
	return c.putRecord(nil, true)
}

// PutBin writes a length-prefixed binary blob and returns the new row's
// local id.
func (c *VariableColumn) PutBin(buf []byte) (int64, error) {
	return c.putRecord(buf, false)
}

// readLength returns the payload byte length stored at row i, or -1 if the
// row is null.
func (c *VariableColumn) readLength(i int64) (int64, int32, error) {
	offset, err := c.dataOffsetFor(i)
	if err != nil {
		return 0, 0, err
	}
	header := make([]byte, 4)
	if err := c.data.ReadAt(offset, header); err != nil {
		return 0, 0, err
	}
	return offset, int32(binary.BigEndian.Uint32(header)), nil
}

// GetStr materializes the string stored at row i as an owned copy. Returns
// ("", true) for a null row.
func (c *VariableColumn) GetStr(i int64) (string, bool, error) {
	offset, length, err := c.readLength(i)
	if err != nil {
		return "", false, err
	}
	if length == nullLength {
		return "", true, nil
	}
	payload := make([]byte, length)
	if length > 0 {
		if err := c.data.ReadAt(offset+4, payload); err != nil {
			return "", false, err
		}
	}
	units := make([]uint16, length/2)
	for j := range units {
		units[j] = binary.BigEndian.Uint16(payload[j*2:])
	}
	return string(utf16.Decode(units)), false, nil
}

// flyweight holds a decoded copy of one string value, valid only until the
// next write or truncate of the owning column's data file, tracked via
// that file's write epoch.
type flyweight struct {
	col   *VariableColumn
	epoch uint64
	runes []rune
}

func (f *flyweight) String() string {
	if f.col.data.Epoch() != f.epoch {
		panic("nfsdb: flyweight string read after invalidating write or remap")
	}
	return string(f.runes)
}

// Valid reports whether the flyweight is still within its borrow window.
func (f *flyweight) Valid() bool { return f.col.data.Epoch() == f.epoch }

// GetFlyweightStr returns a borrowed string view of row i. The view holds
// a copy of the decoded characters taken at the time of the call; it does
// not point into the mapped buffer. It expires at the next WriteAt or
// Truncate of this column's data file, which bumps the file's epoch:
// Valid() then reports false and String() panics. Nothing else (an
// applyTx included) bumps the epoch.
func (c *VariableColumn) GetFlyweightStr(i int64) (*flyweight, error) {
	s, isNull, err := c.GetStr(i)
	if err != nil {
		return nil, err
	}
	if isNull {
		return &flyweight{col: c, epoch: c.data.Epoch(), runes: nil}, nil
	}
	return &flyweight{col: c, epoch: c.data.Epoch(), runes: []rune(s)}, nil
}

// GetBinSize returns the byte length stored at row i, or -1 if null.
func (c *VariableColumn) GetBinSize(i int64) (int32, error) {
	_, length, err := c.readLength(i)
	return length, err
}

// GetBin reads the binary blob at row i into a fresh slice, or returns nil
// for a null row.
func (c *VariableColumn) GetBin(i int64) ([]byte, error) {
	offset, length, err := c.readLength(i)
	if err != nil {
		return nil, err
	}
	if length == nullLength {
		return nil, nil
	}
	buf := make([]byte, length)
	if length > 0 {
		if err := c.data.ReadAt(offset+4, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// CopyFrom delegates the per-row copy to a RecordCodec.
func (c *VariableColumn) CopyFrom(rc codec.RecordCodec, rec any, columnIndex int) (int64, error) {
	v, err := rc.Get(rec, columnIndex)
	if err != nil {
		return 0, err
	}
	switch v.Type {
	case codec.String:
		if v.Null {
			return c.PutNull()
		}
		return c.PutStr(v.Str)
	case codec.Binary:
		if v.Null {
			return c.PutNull()
		}
		return c.PutBin(v.Bin)
	default:
		return 0, errs.New(errs.KindConfigError, "VariableColumn.CopyFrom", nil)
	}
}

func (c *VariableColumn) Commit() error {
	if err := c.data.Commit(); err != nil {
		return err
	}
	return c.offsets.Commit()
}

func (c *VariableColumn) Force() error {
	if err := c.data.Force(); err != nil {
		return err
	}
	return c.offsets.Force()
}

func (c *VariableColumn) Close() error {
	if err := c.data.Close(); err != nil {
		return err
	}
	return c.offsets.Close()
}

func (c *VariableColumn) Compact() error {
	if err := c.data.Compact(); err != nil {
		return err
	}
	return c.offsets.Compact()
}

// Truncate shrinks the column to n rows. The data file's logical size is
// clamped to the offset of row n (or 0); the offsets file is always
// rowCount*8 bytes.
func (c *VariableColumn) Truncate(n int64) error {
	if n <= 0 {
		if err := c.data.Truncate(0); err != nil {
			return err
		}
		return c.offsets.Truncate(0)
	}
	offset, err := c.dataOffsetFor(n - 1)
	if err != nil {
		return err
	}
	header := make([]byte, 4)
	if err := c.data.ReadAt(offset, header); err != nil {
		return err
	}
	length := int32(binary.BigEndian.Uint32(header))
	end := offset + 4
	if length > 0 {
		end += int64(length)
	}
	if err := c.data.Truncate(end); err != nil {
		return err
	}
	return c.offsets.Truncate(n)
}
