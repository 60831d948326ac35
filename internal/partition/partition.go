// Package partition implements the bundle of per-column files for one
// journal time range: an array of FixedColumn/VariableColumn
// handles plus a sparse array of KVIndex proxies for indexed columns.
package partition

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"nfsdb/internal/codec"
	"nfsdb/internal/errs"
	"nfsdb/internal/hash"
	"nfsdb/internal/kvindex"
	"nfsdb/internal/logging"
	"nfsdb/internal/schema"
	"nfsdb/internal/storage"
	"nfsdb/internal/storage/compression"
	"nfsdb/internal/symtab"
)

// SymbolTables resolves the shared, journal-owned SymbolTable for a SYMBOL
// column by name. Partition only holds a lookup handle into it, never
// ownership: the journal opens, commits, and closes every SymbolTable.
type SymbolTables interface {
	Get(name string) *symtab.SymbolTable
}

// column is either a fixed-width or variable-length handle for one schema
// column; exactly one of the two is non-nil.
type column struct {
	fixed *storage.FixedColumn
	vary  *storage.VariableColumn
}

func (c column) size() int64 {
	if c.fixed != nil {
		return c.fixed.Size()
	}
	return c.vary.Size()
}

func (c column) commit() error {
	if c.fixed != nil {
		return c.fixed.Commit()
	}
	return c.vary.Commit()
}

func (c column) force() error {
	if c.fixed != nil {
		return c.fixed.Force()
	}
	return c.vary.Force()
}

func (c column) close() error {
	if c.fixed != nil {
		return c.fixed.Close()
	}
	return c.vary.Close()
}

func (c column) compact() error {
	if c.fixed != nil {
		return c.fixed.Compact()
	}
	return c.vary.Compact()
}

func (c column) truncate(n int64) error {
	if c.fixed != nil {
		return c.fixed.Truncate(n)
	}
	return c.vary.Truncate(n)
}

// Partition owns one time range's worth of column and index files.
type Partition struct {
	mu sync.Mutex

	meta           *schema.JournalMetadata
	interval       schema.Interval
	partitionIndex int
	lag            bool
	symtabs        SymbolTables

	mode    storage.Mode
	dir     string
	open    bool
	columns []column
	indexes map[int]*kvindex.KVIndex

	txLimit      int64 // -1 = unset, derive size from the last non-nil column
	cachedSize   int64
	lastAccessed time.Time
}

// New constructs a Partition for (journal, interval, partitionIndex). The
// partition is not opened until Open is called.
func New(meta *schema.JournalMetadata, interval schema.Interval, partitionIndex int, lag bool, symtabs SymbolTables, mode storage.Mode) *Partition {
	return &Partition{
		meta:           meta,
		interval:       interval,
		partitionIndex: partitionIndex,
		lag:            lag,
		symtabs:        symtabs,
		mode:           mode,
		txLimit:        -1,
		lastAccessed:   time.Now(),
	}
}

// Dir returns the partition's on-disk directory.
func (p *Partition) Dir() string {
	if p.dir != "" {
		return p.dir
	}
	return schema.PartitionPath(p.meta.Location, p.interval, p.lag)
}

// Index returns the partition's position in the journal's ordered list.
func (p *Partition) Index() int { return p.partitionIndex }

// SetIndex reassigns the partition's position after the journal reorders
// or extends its partition list.
func (p *Partition) SetIndex(i int) { p.partitionIndex = i }

// Interval returns the partition's time range.
func (p *Partition) Interval() schema.Interval { return p.interval }

func columnBitHints(cm schema.ColumnMetadata, recordHint int) (dataBit, indexBit uint) {
	dataBit = cm.BitHint
	if dataBit == 0 {
		avg := cm.AvgSize
		if avg == 0 {
			avg = cm.ResolvedFixedSize()
		}
		dataBit = storage.ComputeBitHint(avg, recordHint)
	}
	indexBit = cm.IndexBitHint
	if indexBit == 0 {
		indexBit = storage.ComputeBitHint(8, recordHint)
	}
	return dataBit, indexBit
}

// Open opens every column's MemoryFile(s) and instantiates index proxies
// for indexed columns, creating the partition directory if necessary.
func (p *Partition) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		return nil
	}

	dir := p.Dir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.New(errs.KindStorageIoError, "Partition.Open", err)
	}
	p.dir = dir

	// The TTL sweeper may have compressed this partition's files at rest
	// after evicting it; restore any before mapping.
	if err := p.restoreCompressedLocked(); err != nil {
		return err
	}

	columns := make([]column, len(p.meta.Columns))
	indexes := make(map[int]*kvindex.KVIndex)

	recordHint := p.meta.RecordHint
	if recordHint <= 0 {
		recordHint = 4096
	}

	for i, cm := range p.meta.Columns {
		base := filepath.Join(dir, cm.Name)
		dataBit, indexBit := columnBitHints(cm, recordHint)

		switch cm.Type {
		case schema.String, schema.Binary:
			data, err := storage.Open(base+".d", dataBit, p.mode)
			if err != nil {
				p.closeOpenedLocked(columns)
				return err
			}
			offsets, err := storage.Open(base+".i", indexBit, p.mode)
			if err != nil {
				_ = data.Close()
				p.closeOpenedLocked(columns)
				return err
			}
			columns[i] = column{vary: storage.NewVariableColumn(data, offsets)}
		default:
			mf, err := storage.Open(base+".d", dataBit, p.mode)
			if err != nil {
				p.closeOpenedLocked(columns)
				return err
			}
			columns[i] = column{fixed: storage.NewFixedColumn(mf, cm.ResolvedFixedSize())}
		}

		if cm.Indexed {
			keySpace := cm.DistinctCountHint
			if keySpace <= 0 {
				p.closeOpenedLocked(columns)
				return errs.New(errs.KindConfigError, "Partition.Open", fmt.Errorf("column %q: distinctCountHint must be set", cm.Name))
			}
			idx, err := kvindex.Open(base+".k", base+".r", keySpace, recordHint, p.mode)
			if err != nil {
				p.closeOpenedLocked(columns)
				return err
			}
			indexes[i] = idx
		}
	}

	p.columns = columns
	p.indexes = indexes
	p.open = true
	p.lastAccessed = time.Now()
	return nil
}

func (p *Partition) restoreCompressedLocked() error {
	for _, path := range p.filePathsLocked() {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		zst := path + ".zst"
		if _, err := os.Stat(zst); err != nil {
			continue
		}
		if err := compression.DecompressFile(zst, path); err != nil {
			return errs.New(errs.KindStorageIoError, "Partition.Open", err)
		}
	}
	return nil
}

func (p *Partition) closeOpenedLocked(columns []column) {
	for _, c := range columns {
		if c.fixed != nil || c.vary != nil {
			_ = c.close()
		}
	}
}

// Close unmaps every column and index. The in-memory txLimit survives, so
// a subsequent Open keeps the same visible row count; the index
// tx-address clamps do not survive: Open creates fresh KVIndex handles
// that show every stored entry until the next ApplyTx sets them again.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *Partition) closeLocked() error {
	if !p.open {
		return nil
	}
	var first error
	for _, c := range p.columns {
		if c.fixed == nil && c.vary == nil {
			continue
		}
		if err := c.close(); err != nil && first == nil {
			first = err
		}
	}
	for _, idx := range p.indexes {
		if err := idx.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.open = false
	return first
}

// Access touches the TTL clock; the original source updates lastAccessed on
// any touch, not only writes.
func (p *Partition) Access() {
	p.mu.Lock()
	p.lastAccessed = time.Now()
	p.mu.Unlock()
}

// LastAccessed reports the last time this partition was touched.
func (p *Partition) LastAccessed() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAccessed
}

// IsOpen reports whether the partition currently has its files mapped.
func (p *Partition) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Size returns txLimit if set, otherwise the last non-null column's size,
// caching the result. Monotonic non-decreasing between commits.
func (p *Partition) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.txLimit >= 0 {
		return p.txLimit
	}
	if !p.open || len(p.columns) == 0 {
		return p.cachedSize
	}
	last := p.columns[len(p.columns)-1]
	p.cachedSize = last.size()
	return p.cachedSize
}

// ApplyTx sets the visible size and reassigns every index proxy's
// tx-address, without remapping any column.
func (p *Partition) ApplyTx(txLimit int64, indexTxAddresses map[int]uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txLimit = txLimit
	for col, addr := range indexTxAddresses {
		if idx, ok := p.indexes[col]; ok {
			idx.SetTxAddress(addr)
		}
	}
}

// PhysicalSize returns the last column's actual on-disk row count,
// ignoring any tx-visibility clamp. Used by the journal to apportion a
// MaxRowId total across already-sealed partitions on recovery/refresh.
func (p *Partition) PhysicalSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open || len(p.columns) == 0 {
		return p.cachedSize
	}
	return p.columns[len(p.columns)-1].size()
}

// IndexTxAddresses snapshots every indexed column's current tx address,
// for the writer to fold into the next Tx record.
func (p *Partition) IndexTxAddresses() map[int]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]uint64, len(p.indexes))
	for col, idx := range p.indexes {
		out[col] = idx.GetTxAddress()
	}
	return out
}

// Append writes one row's values (resolved through rc) to every column,
// dispatching SYMBOL resolution and indexed-column key maintenance. On any
// column-level error it returns immediately; the caller (Journal.Append) is
// responsible for issuing a writer-level rollback.
func (p *Partition) Append(rc codec.RecordCodec, rec any) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return 0, errs.New(errs.KindClosedPartition, "Partition.Append", nil)
	}

	localRowId := p.columns[len(p.columns)-1].size()

	for i, cm := range p.meta.Columns {
		col := p.columns[i]
		switch cm.Type {
		case schema.Symbol:
			v, err := rc.Get(rec, i)
			if err != nil {
				return 0, err
			}
			var key int32
			st := p.symtabs.Get(cm.SymbolTableName())
			if st == nil {
				return 0, errs.New(errs.KindConfigError, "Partition.Append", fmt.Errorf("no symbol table for column %q", cm.Name))
			}
			if v.Null {
				key = st.PutNull()
			} else {
				key, err = st.Put(v.Str)
				if err != nil {
					return 0, err
				}
			}
			if _, err := col.fixed.PutInt(key); err != nil {
				return 0, err
			}
			if cm.Indexed {
				if err := p.indexes[i].Add(int64(key), localRowId); err != nil {
					return 0, err
				}
			}

		case schema.String:
			v, err := rc.Get(rec, i)
			if err != nil {
				return 0, err
			}
			if v.Null {
				if _, err := col.vary.PutNull(); err != nil {
					return 0, err
				}
			} else {
				if _, err := col.vary.PutStr(v.Str); err != nil {
					return 0, err
				}
			}
			if cm.Indexed && !v.Null {
				h, err := hash.Bounded(v.Str, cm.DistinctCountHint)
				if err != nil {
					return 0, err
				}
				if err := p.indexes[i].Add(int64(h), localRowId); err != nil {
					return 0, err
				}
			}

		case schema.Binary:
			if _, err := col.vary.CopyFrom(rc, rec, i); err != nil {
				return 0, err
			}

		case schema.Int:
			v, err := rc.Get(rec, i)
			if err != nil {
				return 0, err
			}
			if _, err := col.fixed.PutInt(v.Int32); err != nil {
				return 0, err
			}
			if cm.Indexed {
				h, err := hash.BoundedInt(v.Int32, cm.DistinctCountHint)
				if err != nil {
					return 0, err
				}
				if err := p.indexes[i].Add(int64(h), localRowId); err != nil {
					return 0, err
				}
			}

		default:
			if _, err := col.fixed.CopyFrom(rc, rec, i); err != nil {
				return 0, err
			}
		}
	}

	p.txLimit = -1 // writer's own view always sees everything it appended
	p.lastAccessed = time.Now()
	return localRowId, nil
}

// Read copies every active column's value for localRowId into out via rc,
// skipping columns rc reports inactive (projection).
func (p *Partition) Read(localRowId int64, rc codec.RecordCodec, out any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return errs.New(errs.KindClosedPartition, "Partition.Read", nil)
	}
	p.lastAccessed = time.Now()

	for i, cm := range p.meta.Columns {
		if !rc.Active(i) {
			continue
		}
		col := p.columns[i]
		var v codec.Value
		switch cm.Type {
		case schema.Bool:
			b, err := col.fixed.GetBool(localRowId)
			if err != nil {
				return err
			}
			v = codec.Value{Type: codec.Bool, Bool: b}
		case schema.Byte:
			b, err := col.fixed.GetByte(localRowId)
			if err != nil {
				return err
			}
			v = codec.Value{Type: codec.Byte, Byte: b}
		case schema.Short:
			s, err := col.fixed.GetShort(localRowId)
			if err != nil {
				return err
			}
			v = codec.Value{Type: codec.Short, Short: s}
		case schema.Int:
			n, err := col.fixed.GetInt(localRowId)
			if err != nil {
				return err
			}
			v = codec.Value{Type: codec.Int, Int32: n}
		case schema.Long:
			n, err := col.fixed.GetLong(localRowId)
			if err != nil {
				return err
			}
			v = codec.Value{Type: codec.Long, Int64: n}
		case schema.Date:
			n, err := col.fixed.GetDate(localRowId)
			if err != nil {
				return err
			}
			v = codec.Value{Type: codec.Date, Int64: n}
		case schema.Float:
			f, err := col.fixed.GetFloat(localRowId)
			if err != nil {
				return err
			}
			v = codec.Value{Type: codec.Float, Float32: f}
		case schema.Double:
			f, err := col.fixed.GetDouble(localRowId)
			if err != nil {
				return err
			}
			v = codec.Value{Type: codec.Double, Float64: f}
		case schema.String:
			s, isNull, err := col.vary.GetStr(localRowId)
			if err != nil {
				return err
			}
			v = codec.Value{Type: codec.String, Str: s, Null: isNull}
		case schema.Binary:
			b, err := col.vary.GetBin(localRowId)
			if err != nil {
				return err
			}
			sz, err := col.vary.GetBinSize(localRowId)
			if err != nil {
				return err
			}
			v = codec.Value{Type: codec.Binary, Bin: b, Null: sz == -1}
		case schema.Symbol:
			key, err := col.fixed.GetInt(localRowId)
			if err != nil {
				return err
			}
			// Both VALUE_IS_NULL (-1) and the transient VALUE_NOT_FOUND (-2)
			// resolve to an empty string.
			if key < 0 {
				v = codec.Value{Type: codec.Symbol, Str: "", Null: true, Int32: key}
				break
			}
			st := p.symtabs.Get(cm.SymbolTableName())
			if st == nil {
				return errs.New(errs.KindConfigError, "Partition.Read", fmt.Errorf("no symbol table for column %q", cm.Name))
			}
			s, ok, err := st.Value(key)
			if err != nil {
				return err
			}
			v = codec.Value{Type: codec.Symbol, Str: s, Null: !ok, Int32: key}
		}
		if err := rc.Set(out, i, v); err != nil {
			return err
		}
	}
	return nil
}

// RebuildIndex closes columnIndex's current KVIndex, deletes its files,
// then rescans the column appending every (key, localRowId) pair.
func (p *Partition) RebuildIndex(columnIndex int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rebuildIndexLocked(columnIndex)
}

func (p *Partition) rebuildIndexLocked(columnIndex int) error {
	cm := p.meta.Columns[columnIndex]
	if !cm.Indexed {
		return nil
	}
	idx := p.indexes[columnIndex]
	keyPath := filepath.Join(p.Dir(), cm.Name+".k")
	rowPath := filepath.Join(p.Dir(), cm.Name+".r")
	if idx != nil {
		if err := idx.Close(); err != nil {
			return err
		}
	}
	if err := kvindex.Delete(keyPath, rowPath); err != nil {
		return err
	}

	recordHint := p.meta.RecordHint
	if recordHint <= 0 {
		recordHint = 4096
	}
	newIdx, err := kvindex.Open(keyPath, rowPath, cm.DistinctCountHint, recordHint, p.mode)
	if err != nil {
		return err
	}
	p.indexes[columnIndex] = newIdx

	col := p.columns[columnIndex]
	n := col.size()
	start := time.Now()
	for row := int64(0); row < n; row++ {
		var key int64
		switch cm.Type {
		case schema.Symbol:
			k, err := col.fixed.GetInt(row)
			if err != nil {
				return err
			}
			if k < 0 {
				continue
			}
			key = int64(k)
		case schema.Int:
			v, err := col.fixed.GetInt(row)
			if err != nil {
				return err
			}
			h, err := hash.BoundedInt(v, cm.DistinctCountHint)
			if err != nil {
				return err
			}
			key = int64(h)
		case schema.String:
			s, isNull, err := col.vary.GetStr(row)
			if err != nil {
				return err
			}
			if isNull {
				continue
			}
			h, err := hash.Bounded(s, cm.DistinctCountHint)
			if err != nil {
				return err
			}
			key = int64(h)
		default:
			continue
		}
		if err := newIdx.Add(key, row); err != nil {
			return err
		}
	}
	log := logging.For("partition")
	log.Debug().
		Str("column", cm.Name).
		Int64("rows", n).
		Dur("took", time.Since(start)).
		Msg("rebuilt index")
	return nil
}

// RebuildIndexes rebuilds every indexed column in one call.
func (p *Partition) RebuildIndexes() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cm := range p.meta.Columns {
		if cm.Indexed {
			if err := p.rebuildIndexLocked(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// Truncate shrinks every column and index to newSize, commits columns, and
// clears the cached txLimit.
func (p *Partition) Truncate(newSize int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.columns {
		if err := p.columns[i].truncate(newSize); err != nil {
			return err
		}
		if err := p.columns[i].commit(); err != nil {
			return err
		}
	}
	for _, idx := range p.indexes {
		if err := idx.Truncate(newSize); err != nil {
			return err
		}
		if err := idx.Commit(); err != nil {
			return err
		}
	}
	p.txLimit = -1
	p.cachedSize = newSize
	return nil
}

// Commit flushes every column first-to-last, then every index, so that the
// partition's derived size (last column) never observes a partially
// committed prior column.
func (p *Partition) Commit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.columns {
		if err := p.columns[i].commit(); err != nil {
			return err
		}
	}
	for _, idx := range p.indexes {
		if err := idx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Force fsyncs every column and index.
func (p *Partition) Force() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.columns {
		if err := p.columns[i].force(); err != nil {
			return err
		}
	}
	for _, idx := range p.indexes {
		if err := idx.Force(); err != nil {
			return err
		}
	}
	return nil
}

// Compact drops each column's and index's unused mapping tail.
func (p *Partition) Compact() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.columns {
		if err := p.columns[i].compact(); err != nil {
			return err
		}
	}
	for _, idx := range p.indexes {
		if err := idx.Compact(); err != nil {
			return err
		}
	}
	return nil
}

// FilePaths lists every on-disk file this partition owns, for the TTL
// sweeper's post-eviction compression pass. Safe to call whether or not
// the partition is currently open.
func (p *Partition) FilePaths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filePathsLocked()
}

func (p *Partition) filePathsLocked() []string {
	dir := p.Dir()
	var paths []string
	for _, cm := range p.meta.Columns {
		base := filepath.Join(dir, cm.Name)
		switch cm.Type {
		case schema.String, schema.Binary:
			paths = append(paths, base+".d", base+".i")
		default:
			paths = append(paths, base+".d")
		}
		if cm.Indexed {
			paths = append(paths, base+".k", base+".r")
		}
	}
	return paths
}

// IndexFor returns the KVIndex for columnIndex, or nil if it is not
// indexed.
func (p *Partition) IndexFor(columnIndex int) *kvindex.KVIndex {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.indexes[columnIndex]
}
