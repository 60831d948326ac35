// Package journal implements the collection of partitions for one schema,
// the TTL-evicting PartitionManager behavior folded into the same type,
// and the writer/reader transaction protocol that ties partitions,
// indexes, and symbol tables together into a single coherent
// append/commit/refresh/rollback cycle.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"nfsdb/internal/arch"
	"nfsdb/internal/codec"
	"nfsdb/internal/errs"
	"nfsdb/internal/hash"
	"nfsdb/internal/logging"
	"nfsdb/internal/partition"
	"nfsdb/internal/schema"
	"nfsdb/internal/storage"
	"nfsdb/internal/storage/compression"
	"nfsdb/internal/symtab"
)

const metaFileName = "_meta"
const txFileName = "_tx"

// Journal owns the ordered partition list, the shared symbol tables, and
// (in ReadWrite mode) the single writer's transaction log. Partitions hold
// only a weak handle back to it via the SymbolTables lookup interface; the
// Journal is the sole owner.
type Journal struct {
	mu sync.RWMutex

	meta *schema.JournalMetadata
	mode storage.Mode

	lock *writerLock // nil in ReadOnly mode

	partitions []*partition.Partition
	symtabs    map[string]*symtab.SymbolTable

	indexedColumns []int    // ascending, cached from meta at Open
	symbolColumns  []int    // ascending column indices of SYMBOL-typed columns
	symbolNames    []string // parallel to symbolColumns, deduplicated table names in the same order

	txWriter *TxWriter // nil in ReadOnly mode
	txReader *TxReader

	// latestTxNumber is the writer's in-memory latest-tx pointer: readers
	// can poll TxNumber() without taking j.mu.
	latestTxNumber arch.AtomicUint

	lastTimestamp int64 // journal-wide last appended ts, for ordering checks

	// Snapshots of the last successful commit, used by Rollback: visible
	// row count per partition directory name, and size per symbol table.
	lastCommittedSizes     map[string]int64
	lastCommittedSymSizes  map[string]int64
	lastCommittedTimestamp int64
}

// Open opens (creating if necessary) the journal rooted at meta.Location.
// mode == storage.ReadWrite acquires the exclusive lock.lock file and
// enables Append/Commit/Rollback; storage.ReadOnly opens for Refresh/Read
// only.
func Open(meta *schema.JournalMetadata, mode storage.Mode) (*Journal, error) {
	if err := validateMeta(meta); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(meta.Location, 0755); err != nil {
		return nil, errs.New(errs.KindStorageIoError, "Journal.Open", err)
	}

	j := &Journal{
		meta:                  meta,
		mode:                  mode,
		symtabs:               make(map[string]*symtab.SymbolTable),
		lastCommittedSizes:    make(map[string]int64),
		lastCommittedSymSizes: make(map[string]int64),
	}

	for i, cm := range meta.Columns {
		if cm.Indexed {
			j.indexedColumns = append(j.indexedColumns, i)
		}
		if cm.Type == schema.Symbol {
			j.symbolColumns = append(j.symbolColumns, i)
		}
	}
	sort.Ints(j.indexedColumns)
	sort.Ints(j.symbolColumns)

	seen := make(map[string]bool)
	for _, i := range j.symbolColumns {
		name := meta.Columns[i].SymbolTableName()
		if !seen[name] {
			j.symbolNames = append(j.symbolNames, name)
			seen[name] = true
		}
	}

	if mode == storage.ReadWrite {
		if err := writeOrCheckMeta(meta); err != nil {
			return nil, err
		}
	}

	if mode == storage.ReadWrite {
		lock, err := acquireWriterLock(meta.Location)
		if err != nil {
			return nil, err
		}
		j.lock = lock
	}

	for _, name := range j.symbolNames {
		hint := symbolDistinctHint(meta, name)
		st, err := symtab.Open(filepath.Join(meta.Location, name), hint, mode)
		if err != nil {
			_ = j.closeOpened()
			return nil, err
		}
		j.symtabs[name] = st
	}

	if err := j.discoverPartitions(); err != nil {
		_ = j.closeOpened()
		return nil, err
	}

	txPath := filepath.Join(meta.Location, txFileName)
	reader, err := OpenTxReader(txPath)
	if err != nil {
		_ = j.closeOpened()
		return nil, err
	}
	j.txReader = reader

	rec := reader.Last()
	if rec != nil {
		j.latestTxNumber.Store(arch.UintToArchSize(uint(rec.TxNumber)))
	}

	if mode == storage.ReadWrite {
		if err := j.recoverOnOpen(rec); err != nil {
			_ = j.closeOpened()
			return nil, err
		}
		// Drop any partial or corrupt tail left by a crashed writer before
		// appending after it, or readers would stall at the bad record.
		if err := reader.TruncateTail(); err != nil {
			_ = j.closeOpened()
			return nil, err
		}
		writer, err := OpenTxWriter(txPath)
		if err != nil {
			_ = j.closeOpened()
			return nil, err
		}
		j.txWriter = writer
	} else if rec != nil {
		if err := j.applyTxRecord(rec); err != nil {
			_ = j.closeOpened()
			return nil, err
		}
	}

	return j, nil
}

func validateMeta(meta *schema.JournalMetadata) error {
	if meta.Location == "" {
		return errs.New(errs.KindConfigError, "Journal.Open", fmt.Errorf("location must be set"))
	}
	seen := make(map[string]bool)
	for _, cm := range meta.Columns {
		if seen[cm.Name] {
			return errs.New(errs.KindConfigError, "Journal.Open", fmt.Errorf("duplicate column %q", cm.Name))
		}
		seen[cm.Name] = true
		if (cm.Indexed || cm.Type == schema.Symbol) && !hash.IsPowerOfTwo(cm.DistinctCountHint) {
			return errs.New(errs.KindConfigError, "Journal.Open", fmt.Errorf("column %q: distinctCountHint must be set and a power of two, got %d", cm.Name, cm.DistinctCountHint))
		}
	}
	if meta.TimestampCol >= len(meta.Columns) {
		return errs.New(errs.KindConfigError, "Journal.Open", fmt.Errorf("timestampColumnIndex out of range"))
	}
	return nil
}

func symbolDistinctHint(meta *schema.JournalMetadata, name string) int64 {
	for _, cm := range meta.Columns {
		if cm.Type == schema.Symbol && cm.SymbolTableName() == name {
			return cm.DistinctCountHint
		}
	}
	return 1024
}

// metaDoc is the persisted form of schema.JournalMetadata; durations are
// stored in nanoseconds for a stable on-disk representation.
type metaDoc struct {
	ModelClassID string                  `json:"modelClassId"`
	Columns      []schema.ColumnMetadata `json:"columns"`
	TimestampCol int                     `json:"timestampColumnIndex"`
	PartitionBy  schema.PartitionType    `json:"partitionBy"`
	RecordHint   int                     `json:"recordHint"`
	TxCountHint  int                     `json:"txCountHint"`
	OpenFileTTL  time.Duration           `json:"openFileTTLNanos"`
	Lag          time.Duration           `json:"lagNanos"`
	KeyColumn    int                     `json:"keyColumn"`
}

func writeOrCheckMeta(meta *schema.JournalMetadata) error {
	path := filepath.Join(meta.Location, metaFileName)
	if _, err := os.Stat(path); err == nil {
		return nil // an existing journal keeps its original schema on disk
	}
	doc := metaDoc{
		ModelClassID: meta.ModelClassID,
		Columns:      meta.Columns,
		TimestampCol: meta.TimestampCol,
		PartitionBy:  meta.PartitionBy,
		RecordHint:   meta.RecordHint,
		TxCountHint:  meta.TxCountHint,
		OpenFileTTL:  meta.OpenPartitionTTL,
		Lag:          meta.Lag,
		KeyColumn:    meta.KeyColumn,
	}
	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errs.New(errs.KindConfigError, "Journal.Open", err)
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return errs.New(errs.KindStorageIoError, "Journal.Open", err)
	}
	return nil
}

type foundPartition struct {
	name string
	lag  bool
}

func (j *Journal) scanPartitionDirs() ([]foundPartition, error) {
	entries, err := os.ReadDir(j.meta.Location)
	if err != nil {
		return nil, errs.New(errs.KindStorageIoError, "Journal.Open", err)
	}

	var names []foundPartition
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n := e.Name()
		lag := false
		base := n
		if filepath.Ext(n) == ".lag" {
			lag = true
			base = n[:len(n)-len(".lag")]
		}
		if _, err := parsePartitionDirName(base, j.meta.PartitionBy); err != nil {
			continue
		}
		names = append(names, foundPartition{name: base, lag: lag})
	}

	sort.Slice(names, func(a, b int) bool {
		ta, _ := parsePartitionDirName(names[a].name, j.meta.PartitionBy)
		tb, _ := parsePartitionDirName(names[b].name, j.meta.PartitionBy)
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return !names[a].lag && names[b].lag
	})
	return names, nil
}

// discoverPartitions scans meta.Location for partition directories and
// merges them into the ordered partition list, sorted by interval start
// (lag partitions sort immediately after their non-lag sibling). Existing
// handles are kept, so a reader calling this from Refresh materializes
// partitions the writer created since open without disturbing ones it
// already holds.
func (j *Journal) discoverPartitions() error {
	names, err := j.scanPartitionDirs()
	if err != nil {
		return err
	}

	existing := make(map[string]*partition.Partition, len(j.partitions))
	for _, p := range j.partitions {
		existing[filepath.Base(p.Dir())] = p
	}

	merged := make([]*partition.Partition, 0, len(names))
	for i, f := range names {
		dirName := f.name
		if f.lag {
			dirName += ".lag"
		}
		if p, ok := existing[dirName]; ok {
			p.SetIndex(i)
			merged = append(merged, p)
			continue
		}
		t, _ := parsePartitionDirName(f.name, j.meta.PartitionBy)
		iv := schema.IntervalFor(t, j.meta.PartitionBy)
		merged = append(merged, partition.New(j.meta, iv, i, f.lag, j, j.mode))
	}
	j.partitions = merged
	return nil
}

func parsePartitionDirName(name string, pt schema.PartitionType) (time.Time, error) {
	if name == "default" {
		return time.Unix(0, 0).UTC(), nil
	}
	switch pt {
	case schema.Day:
		return time.Parse("2006-01-02", name)
	case schema.Month:
		return time.Parse("2006-01", name)
	case schema.Year:
		return time.Parse("2006", name)
	default:
		return time.Time{}, fmt.Errorf("not a partition directory")
	}
}

// Get implements partition.SymbolTables. The symtabs map is populated once
// at Open and never mutated afterward, so the lookup takes no lock; it is
// called from Partition.Append while the journal's own mutex is already
// held.
func (j *Journal) Get(name string) *symtab.SymbolTable {
	return j.symtabs[name]
}

func (j *Journal) closeOpened() error {
	var first error
	for _, p := range j.partitions {
		if p.IsOpen() {
			if err := p.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	for _, st := range j.symtabs {
		if err := st.Close(); err != nil && first == nil {
			first = err
		}
	}
	if j.txWriter != nil {
		if err := j.txWriter.Close(); err != nil && first == nil {
			first = err
		}
	}
	if j.lock != nil {
		if err := j.lock.release(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close releases every resource the journal holds.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeOpened()
}

// Meta returns the journal's schema.
func (j *Journal) Meta() *schema.JournalMetadata { return j.meta }

// LastPartition returns the most recently ordered partition, or nil if the
// journal has no partitions yet.
func (j *Journal) LastPartition() *partition.Partition {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.partitions) == 0 {
		return nil
	}
	return j.partitions[len(j.partitions)-1]
}

// GetPartition returns the partition at position i, opening it first if
// openFlag is set.
func (j *Journal) GetPartition(i int, openFlag bool) (*partition.Partition, error) {
	j.mu.RLock()
	if i < 0 || i >= len(j.partitions) {
		j.mu.RUnlock()
		return nil, errs.New(errs.KindConfigError, "Journal.GetPartition", fmt.Errorf("index %d out of range", i))
	}
	p := j.partitions[i]
	j.mu.RUnlock()
	if openFlag && !p.IsOpen() {
		if err := p.Open(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Size returns the sum of every partition's tx-visible size.
func (j *Journal) Size() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var total int64
	for _, p := range j.partitions {
		total += p.Size()
	}
	return total
}

// partitionForTimestamp locates (lazily creating) the partition that owns
// ts, applying the lag window rule: a ts that regresses past the journal's
// last seen timestamp is only accepted into a ".lag" partition when
// meta.Lag > 0 and the regression is within the lag window; otherwise it is
// rejected as TimestampOutOfOrder.
func (j *Journal) partitionForTimestamp(ts int64) (*partition.Partition, error) {
	lag := false
	if ts < j.lastTimestamp {
		if j.meta.Lag <= 0 {
			return nil, errs.New(errs.KindTimestampOutOfOrder, "Journal.Append", fmt.Errorf("ts %d precedes last seen ts %d", ts, j.lastTimestamp))
		}
		if j.lastTimestamp-ts > j.meta.Lag.Milliseconds() {
			return nil, errs.New(errs.KindTimestampOutOfOrder, "Journal.Append", fmt.Errorf("ts %d exceeds lag window of %s", ts, j.meta.Lag))
		}
		lag = true
	}

	iv := schema.IntervalFor(time.UnixMilli(ts).UTC(), j.meta.PartitionBy)
	for _, p := range j.partitions {
		if !p.Interval().Equal(iv) {
			continue
		}
		if lagFlag(p) == lag {
			return p, nil
		}
	}

	p := partition.New(j.meta, iv, len(j.partitions), lag, j, j.mode)
	if err := p.Open(); err != nil {
		return nil, err
	}
	j.partitions = append(j.partitions, p)
	sort.SliceStable(j.partitions, func(a, b int) bool {
		ia, ib := j.partitions[a].Interval(), j.partitions[b].Interval()
		if !ia.Start.Equal(ib.Start) {
			return ia.Start.Before(ib.Start)
		}
		return !lagFlag(j.partitions[a]) && lagFlag(j.partitions[b])
	})
	for i := range j.partitions {
		j.partitions[i].SetIndex(i)
	}
	return p, nil
}

func lagFlag(p *partition.Partition) bool {
	return filepath.Ext(p.Dir()) == ".lag"
}

// PartitionFor locates (lazily creating) the open partition that would
// receive a row with timestamp ts, and the local row id it would be
// appended at. Subject to the same ordering/lag rules as Append.
func (j *Journal) PartitionFor(ts int64) (*partition.Partition, int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.mode != storage.ReadWrite {
		return nil, 0, errs.New(errs.KindClosedPartition, "Journal.PartitionFor", fmt.Errorf("journal is read-only"))
	}
	p, err := j.partitionForTimestamp(ts)
	if err != nil {
		return nil, 0, err
	}
	return p, p.PhysicalSize(), nil
}

// Append resolves the record's timestamp (if any), locates or creates its
// partition, and appends. On any column-level failure it triggers a
// writer-level Rollback.
func (j *Journal) Append(rc codec.RecordCodec, rec any) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.mode != storage.ReadWrite {
		return errs.New(errs.KindClosedPartition, "Journal.Append", fmt.Errorf("journal is read-only"))
	}

	var ts int64
	var p *partition.Partition
	var err error

	if j.meta.TimestampCol >= 0 {
		v, gerr := rc.Get(rec, j.meta.TimestampCol)
		if gerr != nil {
			return gerr
		}
		ts = v.Int64
		p, err = j.partitionForTimestamp(ts)
		if err != nil {
			return err
		}
	} else {
		if len(j.partitions) == 0 {
			p = partition.New(j.meta, schema.IntervalFor(time.Unix(0, 0), schema.None), 0, false, j, j.mode)
			if err := p.Open(); err != nil {
				return err
			}
			j.partitions = append(j.partitions, p)
		} else {
			p = j.partitions[0]
			if !p.IsOpen() {
				if err := p.Open(); err != nil {
					return err
				}
			}
		}
	}

	if _, err := p.Append(rc, rec); err != nil {
		_ = j.rollbackLocked(p)
		return err
	}

	// A lag append sits below the watermark; the watermark itself never
	// regresses.
	if j.meta.TimestampCol >= 0 && ts > j.lastTimestamp {
		j.lastTimestamp = ts
	}
	return nil
}

// Commit flushes every open partition's columns/indexes and every symbol
// table, appends a Tx record, and fsyncs it. All partitions touched since
// the last commit flush, not just the active one: a batch of appends may
// have spanned a partition boundary.
func (j *Journal) Commit() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.mode != storage.ReadWrite {
		return errs.New(errs.KindClosedPartition, "Journal.Commit", fmt.Errorf("journal is read-only"))
	}
	if len(j.partitions) == 0 {
		return nil
	}
	active := j.partitions[len(j.partitions)-1]

	for _, p := range j.partitions {
		if !p.IsOpen() {
			continue
		}
		if err := p.Commit(); err != nil {
			return err
		}
	}
	for _, st := range j.symtabs {
		if err := st.Commit(); err != nil {
			return err
		}
	}

	return j.publishLocked(active)
}

// publishLocked builds and fsyncs the tx record for the current state and
// advances the in-memory latest-tx pointer. Data must already be flushed.
func (j *Journal) publishLocked(active *partition.Partition) error {
	nextTxNumber := j.latestTxNumber.Load() + 1
	rec := &TxRecord{
		TxNumber:        uint64(nextTxNumber),
		CommitMillis:    time.Now().UnixMilli(),
		MaxRowId:        uint64(j.sizeLocked()),
		LastPartitionTs: active.Interval().Start.UnixMilli(),
	}
	if lagFlag(active) {
		rec.LagName = filepath.Base(active.Dir())
	}

	addrs := active.IndexTxAddresses()
	for _, col := range j.indexedColumns {
		rec.IndexAddr = append(rec.IndexAddr, addrs[col])
	}
	for _, name := range j.symbolNames {
		rec.SymSize = append(rec.SymSize, uint64(j.symtabs[name].Size()))
	}

	if err := j.txWriter.Append(rec); err != nil {
		return err
	}
	if err := j.txWriter.Sync(); err != nil {
		return err
	}
	j.latestTxNumber.Store(nextTxNumber)

	for _, p := range j.partitions {
		j.lastCommittedSizes[filepath.Base(p.Dir())] = p.Size()
	}
	j.lastCommittedTimestamp = j.lastTimestamp
	for _, name := range j.symbolNames {
		j.lastCommittedSymSizes[name] = j.symtabs[name].Size()
		j.symtabs[name].SetVisibleSize(j.symtabs[name].Size())
	}
	return nil
}

func (j *Journal) sizeLocked() int64 {
	var total int64
	for _, p := range j.partitions {
		total += p.Size()
	}
	return total
}

// Truncate drops every row in the journal: each partition is closed,
// reopened, and truncated to zero, every symbol table is emptied, and a
// fresh tx record publishing the empty journal is appended. This is the
// only row-removal operation the engine offers.
func (j *Journal) Truncate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.mode != storage.ReadWrite {
		return errs.New(errs.KindClosedPartition, "Journal.Truncate", fmt.Errorf("journal is read-only"))
	}

	for _, p := range j.partitions {
		if err := p.Close(); err != nil {
			return err
		}
		if err := p.Open(); err != nil {
			return err
		}
		if err := p.Truncate(0); err != nil {
			return err
		}
	}
	for _, name := range j.symbolNames {
		if err := j.symtabs[name].Truncate(0); err != nil {
			return err
		}
	}
	j.lastTimestamp = 0

	if len(j.partitions) == 0 {
		return nil
	}
	return j.publishLocked(j.partitions[len(j.partitions)-1])
}

// Rollback closes and reopens the active partition, truncating it (and its
// indexes) back to the last committed size, and truncates every symbol
// table back to its last committed size.
func (j *Journal) Rollback() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.partitions) == 0 {
		return nil
	}
	return j.rollbackLocked(j.partitions[len(j.partitions)-1])
}

func (j *Journal) rollbackLocked(p *partition.Partition) error {
	if err := p.Close(); err != nil {
		return err
	}
	if err := p.Open(); err != nil {
		return err
	}

	// A partition never committed to has no snapshot entry and rolls back
	// to empty.
	target := j.lastCommittedSizes[filepath.Base(p.Dir())]
	log := logging.For("journal")
	log.Debug().
		Str("partition", p.Dir()).
		Int64("target", target).
		Msg("rolling back to last committed size")
	if err := p.Truncate(target); err != nil {
		return err
	}

	for _, name := range j.symbolNames {
		want, ok := j.lastCommittedSymSizes[name]
		if !ok {
			want = 0
		}
		if err := j.symtabs[name].Truncate(want); err != nil {
			return err
		}
	}

	j.lastTimestamp = j.lastCommittedTimestamp
	return nil
}

// recoverOnOpen truncates any partition data written but never committed
// by a crashed writer: column files may be longer than the last good tx's
// maxRowId.
func (j *Journal) recoverOnOpen(rec *TxRecord) error {
	if rec == nil {
		for _, p := range j.partitions {
			if err := p.Open(); err != nil {
				return err
			}
			if err := p.Truncate(0); err != nil {
				return err
			}
		}
		for _, name := range j.symbolNames {
			if err := j.symtabs[name].Truncate(0); err != nil {
				return err
			}
		}
		j.lastTimestamp = 0
		return nil
	}

	if err := j.applyTxRecord(rec); err != nil {
		return err
	}
	for _, p := range j.partitions {
		if !p.IsOpen() {
			if err := p.Open(); err != nil {
				return err
			}
		}
		if err := p.Truncate(p.Size()); err != nil {
			return err
		}
		j.lastCommittedSizes[filepath.Base(p.Dir())] = p.Size()
	}

	// Symbol tables may hold strings interned after the last good tx; drop
	// them so dictionary keys line up with the published sizes again.
	for i, name := range j.symbolNames {
		if i < len(rec.SymSize) {
			want := int64(rec.SymSize[i])
			if err := j.symtabs[name].Truncate(want); err != nil {
				return err
			}
			j.lastCommittedSymSizes[name] = want
			j.symtabs[name].SetVisibleSize(want)
		}
	}

	// Restore the ordering watermark from the committed data so a reopened
	// writer still rejects regressing timestamps.
	if j.meta.TimestampCol >= 0 {
		rc := &codec.SliceRecordCodec{}
		for _, p := range j.partitions {
			n := p.Size()
			if n == 0 {
				continue
			}
			out := make([]codec.Value, len(j.meta.Columns))
			if err := p.Read(n-1, rc, out); err != nil {
				return err
			}
			if ts := out[j.meta.TimestampCol].Int64; ts > j.lastTimestamp {
				j.lastTimestamp = ts
			}
		}
	}
	j.lastCommittedTimestamp = j.lastTimestamp
	return nil
}

// Refresh re-reads the tail of the tx log and applies any new record,
// updating every partition's visible size and index tx-addresses without
// remapping. Safe to call from any number of concurrent readers.
func (j *Journal) Refresh() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec, advanced, err := j.txReader.Refresh()
	if err != nil {
		return err
	}
	if !advanced || rec == nil {
		return nil
	}
	// The writer may have created partitions this handle has never seen;
	// materialize them before dispatching the record.
	if err := j.discoverPartitions(); err != nil {
		return err
	}
	j.latestTxNumber.Store(arch.UintToArchSize(uint(rec.TxNumber)))
	return j.applyTxRecord(rec)
}

// TxNumber returns the latest transaction number this handle has observed,
// without taking j.mu: the writer publishes it with a single atomic store
// after a successful commit, so a reader mid-Refresh never blocks on the
// writer's commit path.
func (j *Journal) TxNumber() uint64 {
	return uint64(j.latestTxNumber.Load())
}

// applyTxRecord dispatches a tx record's per-partition sizes and index
// addresses. Only the active partition (the one the record's
// lastPartitionTs/lagName names) receives fine-grained per-tx clamping;
// earlier, already-sealed partitions are permanently visible in full once
// discovered, since NFSdb never reopens a sealed partition for writes
// outside the lag window.
func (j *Journal) applyTxRecord(rec *TxRecord) error {
	remaining := int64(rec.MaxRowId)

	activeKey := rec.LagName
	var activeIv time.Time
	if activeKey == "" {
		activeIv = time.UnixMilli(rec.LastPartitionTs).UTC()
	}

	for _, p := range j.partitions {
		isActive := false
		if activeKey != "" {
			isActive = filepath.Base(p.Dir()) == activeKey
		} else {
			isActive = p.Interval().Start.Equal(activeIv) && !lagFlag(p)
		}

		if !p.IsOpen() {
			if err := p.Open(); err != nil {
				return err
			}
		}

		if !isActive {
			full := p.PhysicalSize()
			local := full
			if remaining < full {
				local = remaining
			}
			p.ApplyTx(local, nil)
			remaining -= local
			continue
		}

		addrMap := make(map[int]uint64, len(j.indexedColumns))
		for i, col := range j.indexedColumns {
			if i < len(rec.IndexAddr) {
				addrMap[col] = rec.IndexAddr[i]
			}
		}
		p.ApplyTx(remaining, addrMap)
		remaining = 0
	}

	for i, name := range j.symbolNames {
		if i < len(rec.SymSize) {
			j.symtabs[name].SetVisibleSize(int64(rec.SymSize[i]))
		}
	}
	return nil
}

// Sweep closes every partition (other than the active one) whose
// lastAccessed age exceeds openFileTTL, keeping its metadata so a later
// access reopens it transparently.
func (j *Journal) Sweep() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.meta.OpenPartitionTTL <= 0 || len(j.partitions) == 0 {
		return
	}
	active := j.partitions[len(j.partitions)-1]
	now := time.Now()
	for _, p := range j.partitions {
		if p == active || !p.IsOpen() {
			continue
		}
		if now.Sub(p.LastAccessed()) > j.meta.OpenPartitionTTL {
			_ = p.Close()
			log := logging.For("sweeper")
			log.Info().Str("partition", p.Dir()).Msg("evicted idle partition")
			if j.mode != storage.ReadWrite {
				continue // readers never mutate the shared directory
			}
			for _, path := range p.FilePaths() {
				if _, err := os.Stat(path); err != nil {
					continue
				}
				if _, err := compression.CompressFile(path); err != nil {
					log.Info().Str("file", path).Err(err).Msg("compress on evict failed")
				}
			}
		}
	}
}
