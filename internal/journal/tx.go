// Tx record encode/decode and the append-only _tx log writer/reader.
// The on-disk format is a sequence of
// magic/version/size-prefixed, CRC32-trailed records. The writer appends
// through github.com/ncw/directio's block-aligned direct I/O path; each
// record is padded to the next direct-I/O block boundary, so every record
// the reader scans starts at a block-aligned offset.
package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"unicode/utf16"

	"github.com/ncw/directio"

	"nfsdb/internal/errs"
	"nfsdb/internal/logging"
)

const (
	txMagic         uint16 = 0xFACE
	txFormatVersion uint16 = 1 // bumped whenever the body layout changes
)

// TxRecord is one atomic publish of visible sizes and index addresses
// across the journal.
type TxRecord struct {
	TxNumber        uint64
	CommitMillis    int64
	MaxRowId        uint64
	LastPartitionTs int64
	LagName         string
	IndexAddr       []uint64 // dense, ordered by ascending indexed-column index
	SymSize         []uint64 // dense, ordered by ascending SYMBOL-column index
	KeyHash         uint64   // 0 if the journal has no keyColumn
}

func encodeBody(rec *TxRecord) []byte {
	var buf bytes.Buffer
	var u64 [8]byte
	putU64 := func(v uint64) {
		binary.BigEndian.PutUint64(u64[:], v)
		buf.Write(u64[:])
	}

	putU64(rec.TxNumber)
	putU64(uint64(rec.CommitMillis))
	putU64(rec.MaxRowId)
	putU64(uint64(rec.LastPartitionTs))

	lagUnits := utf16.Encode([]rune(rec.LagName))
	buf.WriteByte(byte(len(lagUnits)))
	var u16 [2]byte
	for _, u := range lagUnits {
		binary.BigEndian.PutUint16(u16[:], u)
		buf.Write(u16[:])
	}

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(rec.IndexAddr)))
	buf.Write(u32[:])
	for _, v := range rec.IndexAddr {
		putU64(v)
	}

	binary.BigEndian.PutUint32(u32[:], uint32(len(rec.SymSize)))
	buf.Write(u32[:])
	for _, v := range rec.SymSize {
		putU64(v)
	}

	putU64(rec.KeyHash)
	return buf.Bytes()
}

func decodeBody(body []byte) (*TxRecord, error) {
	r := bytes.NewReader(body)
	var u64 [8]byte
	readU64 := func() (uint64, error) {
		if _, err := io.ReadFull(r, u64[:]); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint64(u64[:]), nil
	}

	rec := &TxRecord{}
	var err error
	if rec.TxNumber, err = readU64(); err != nil {
		return nil, err
	}
	var commit uint64
	if commit, err = readU64(); err != nil {
		return nil, err
	}
	rec.CommitMillis = int64(commit)
	if rec.MaxRowId, err = readU64(); err != nil {
		return nil, err
	}
	var lastPart uint64
	if lastPart, err = readU64(); err != nil {
		return nil, err
	}
	rec.LastPartitionTs = int64(lastPart)

	lagLen, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if lagLen > 0 {
		units := make([]uint16, lagLen)
		var u16 [2]byte
		for i := range units {
			if _, err := io.ReadFull(r, u16[:]); err != nil {
				return nil, err
			}
			units[i] = binary.BigEndian.Uint16(u16[:])
		}
		rec.LagName = string(utf16.Decode(units))
	}

	var u32 [4]byte
	readCount := func() (uint32, error) {
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint32(u32[:]), nil
	}

	indexCount, err := readCount()
	if err != nil {
		return nil, err
	}
	rec.IndexAddr = make([]uint64, indexCount)
	for i := range rec.IndexAddr {
		if rec.IndexAddr[i], err = readU64(); err != nil {
			return nil, err
		}
	}

	symCount, err := readCount()
	if err != nil {
		return nil, err
	}
	rec.SymSize = make([]uint64, symCount)
	for i := range rec.SymSize {
		if rec.SymSize[i], err = readU64(); err != nil {
			return nil, err
		}
	}

	if rec.KeyHash, err = readU64(); err != nil {
		return nil, err
	}
	return rec, nil
}

// EncodeRecord serializes rec as magic+version+size, body, crc32(body).
func EncodeRecord(rec *TxRecord) []byte {
	body := encodeBody(rec)

	header := make([]byte, 8)
	binary.BigEndian.PutUint16(header[0:2], txMagic)
	binary.BigEndian.PutUint16(header[2:4], txFormatVersion)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(body)))

	crc := crc32.ChecksumIEEE(body)
	crcBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(crcBuf, crc)

	out := make([]byte, 0, len(header)+len(body)+len(crcBuf))
	out = append(out, header...)
	out = append(out, body...)
	out = append(out, crcBuf...)
	return out
}

// DecodeRecord parses one record from the front of buf, returning the
// record and the number of bytes consumed (header+body+crc, excluding any
// trailing block padding). A short or corrupt tail returns
// errs.KindTxCorruption; the caller stops scanning and keeps the previous
// good record.
func DecodeRecord(buf []byte) (*TxRecord, int, error) {
	if len(buf) < 8 {
		return nil, 0, errs.New(errs.KindTxCorruption, "Tx.Decode", fmt.Errorf("short header"))
	}
	magic := binary.BigEndian.Uint16(buf[0:2])
	if magic != txMagic {
		return nil, 0, errs.New(errs.KindTxCorruption, "Tx.Decode", fmt.Errorf("bad magic"))
	}
	version := binary.BigEndian.Uint16(buf[2:4])
	if version != txFormatVersion {
		return nil, 0, errs.New(errs.KindTxCorruption, "Tx.Decode", fmt.Errorf("unsupported tx format version %d", version))
	}
	size := binary.BigEndian.Uint32(buf[4:8])
	need := 8 + int(size) + 4
	if len(buf) < need {
		return nil, 0, errs.New(errs.KindTxCorruption, "Tx.Decode", fmt.Errorf("short body"))
	}

	body := buf[8 : 8+int(size)]
	wantCrc := binary.BigEndian.Uint32(buf[8+int(size) : need])
	if gotCrc := crc32.ChecksumIEEE(body); gotCrc != wantCrc {
		return nil, 0, errs.New(errs.KindTxCorruption, "Tx.Decode", fmt.Errorf("crc mismatch"))
	}

	rec, err := decodeBody(body)
	if err != nil {
		return nil, 0, errs.New(errs.KindTxCorruption, "Tx.Decode", err)
	}
	return rec, need, nil
}

func roundUpBlock(n, block int) int {
	if block <= 0 {
		return n
	}
	rem := n % block
	if rem == 0 {
		return n
	}
	return n + (block - rem)
}

// TxWriter is the single writer's append-only handle on the journal's
// _tx file. Records are padded to the direct-I/O block size on write.
type TxWriter struct {
	file  *os.File
	block int
}

// OpenTxWriter opens (creating if necessary) the _tx file at path for
// append-only direct I/O writes.
func OpenTxWriter(path string) (*TxWriter, error) {
	f, err := directio.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, errs.New(errs.KindStorageIoError, "TxWriter.Open", err)
	}
	return &TxWriter{file: f, block: directio.BlockSize}, nil
}

// Append writes one tx record, padded to the next block boundary. The
// buffer handed to the kernel must be block-aligned for the O_DIRECT file
// descriptor, hence directio.AlignedBlock rather than a plain make.
func (w *TxWriter) Append(rec *TxRecord) error {
	raw := EncodeRecord(rec)
	buf := directio.AlignedBlock(roundUpBlock(len(raw), w.block))
	copy(buf, raw)
	if _, err := w.file.Write(buf); err != nil {
		return errs.New(errs.KindStorageIoError, "TxWriter.Append", err)
	}
	return nil
}

// Sync fsyncs the _tx file.
func (w *TxWriter) Sync() error {
	if err := w.file.Sync(); err != nil {
		return errs.New(errs.KindStorageIoError, "TxWriter.Sync", err)
	}
	return nil
}

func (w *TxWriter) Close() error {
	if err := w.file.Close(); err != nil {
		return errs.New(errs.KindStorageIoError, "TxWriter.Close", err)
	}
	return nil
}

// TxReader is a read-only cursor over the _tx file shared by any number of
// readers: it remembers how far it has
// validated and only rescans new bytes on Refresh.
type TxReader struct {
	path  string
	block int
	pos   int64
	last  *TxRecord
}

// OpenTxReader opens a fresh cursor at the start of path's _tx file and
// loads the last valid record, if any.
func OpenTxReader(path string) (*TxReader, error) {
	r := &TxReader{path: path, block: directio.BlockSize}
	if _, _, err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Last returns the most recently observed valid record, or nil if none has
// ever been seen.
func (r *TxReader) Last() *TxRecord { return r.last }

// TruncateTail chops the tx file back to the end of the last valid record,
// discarding a partial or corrupt tail so the writer's next append lands
// where readers will actually scan. Only the single writer may call this,
// during open, before it starts appending.
func (r *TxReader) TruncateTail() error {
	fi, err := os.Stat(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New(errs.KindStorageIoError, "TxReader.TruncateTail", err)
	}
	if fi.Size() <= r.pos {
		return nil
	}
	if err := os.Truncate(r.path, r.pos); err != nil {
		return errs.New(errs.KindStorageIoError, "TxReader.TruncateTail", err)
	}
	return nil
}

// Refresh re-reads the tail of the tx file for any record appended since
// the last call, validating CRCs and discarding a partial/corrupt tail
//. It returns the latest record (or nil)
// and whether a new record was observed.
func (r *TxReader) Refresh() (*TxRecord, bool, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r.last, false, nil
		}
		return r.last, false, errs.New(errs.KindStorageIoError, "TxReader.Refresh", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return r.last, false, errs.New(errs.KindStorageIoError, "TxReader.Refresh", err)
	}
	if fi.Size() <= r.pos {
		return r.last, false, nil
	}

	buf := make([]byte, fi.Size()-r.pos)
	if _, err := f.ReadAt(buf, r.pos); err != nil && err != io.EOF {
		return r.last, false, errs.New(errs.KindStorageIoError, "TxReader.Refresh", err)
	}

	advanced := false
	cursor := 0
	for cursor < len(buf) {
		rec, consumed, err := DecodeRecord(buf[cursor:])
		if err != nil {
			// Partial or corrupt tail: stop here, keep the previous good
			// record as the visible transaction.
			log := logging.For("tx")
			log.Debug().
				Str("path", r.path).
				Int64("offset", r.pos).
				Msg("skipping partial or corrupt tx tail")
			break
		}
		r.last = rec
		cursor += roundUpBlock(consumed, r.block)
		r.pos += int64(roundUpBlock(consumed, r.block))
		advanced = true
	}
	return r.last, advanced, nil
}
