// Package kvindex implements an append-only key -> row-id inverted index:
// a fixed key file indexed by key, and a row file holding a
// backward-linked chain of fixed-size row-id chunks per key.
package kvindex

import (
	"encoding/binary"
	"fmt"
	"os"

	"nfsdb/internal/errs"
	"nfsdb/internal/hash"
	"nfsdb/internal/storage"
)

const (
	// keyFileHeaderSize covers the key file's { rowChunkSize u64, keySpace
	// u64 } header; key slots start immediately after it.
	keyFileHeaderSize = 16
	keySlotSize       = 16 // rowCount u64 + lastChunkOffset u64
	minRowChunk       = 8

	// rowFileReserve keeps chunk offsets strictly positive so that a
	// prevChunkOffset of 0 unambiguously terminates a chain.
	rowFileReserve = 8
)

// KVIndex is an append-only multimap from an integer key in [0, keySpace)
// to an ordered sequence of row ids. Row ids are appended in ascending
// order per key (and across keys, since they are partition-local row
// numbers), which the tx-visibility clamp and Truncate both rely on.
type KVIndex struct {
	keyFile *storage.MemoryFile
	rowFile *storage.MemoryFile

	keySpace      int64
	rowChunkSize  int64
	chunkByteSize int64

	// visibleRowLimit hides entries whose row id is >= the limit, per the
	// last SetTxAddress call. -1 means unclamped (the writer's own view,
	// which always sees everything it has appended).
	visibleRowLimit int64

	// maxRow tracks the largest row id currently in the index; -1 when
	// empty, and lazily reloaded from disk after a reopen.
	maxRow      int64
	maxRowValid bool

	seqCache map[int64]seqCacheEntry
}

type seqCacheEntry struct {
	idx         int64
	chunkBase   int64
	slotInChunk int
}

// Open opens (or creates) the key/row files for an indexed column at the
// given paths. keySpace must be a power of two. rowChunkSize is derived
// from recordCountHint/keySpace rounded up to a power of two, floor 8. A
// pre-existing key file must carry the same rowChunkSize/keySpace in its
// header or the open fails as a configuration error.
func Open(keyPath, rowPath string, keySpace int64, recordCountHint int, mode storage.Mode) (*KVIndex, error) {
	if !hash.IsPowerOfTwo(keySpace) {
		return nil, errs.New(errs.KindConfigError, "KVIndex.Open", nil)
	}

	rowChunkSize := int64(recordCountHint) / keySpace
	if rowChunkSize < minRowChunk {
		rowChunkSize = minRowChunk
	}
	rowChunkSize = nextPowerOfTwo(rowChunkSize)

	keyFile, err := storage.Open(keyPath, storage.ComputeBitHint(keySlotSize, int(keySpace)), mode)
	if err != nil {
		return nil, err
	}
	rowFile, err := storage.Open(rowPath, storage.ComputeBitHint(8, recordCountHint), mode)
	if err != nil {
		_ = keyFile.Close()
		return nil, err
	}

	idx := &KVIndex{
		keyFile:         keyFile,
		rowFile:         rowFile,
		keySpace:        keySpace,
		rowChunkSize:    rowChunkSize,
		chunkByteSize:   rowChunkSize*8 + 8,
		visibleRowLimit: -1,
		maxRow:          -1,
		seqCache:        make(map[int64]seqCacheEntry),
	}

	if err := idx.initFiles(mode); err != nil {
		_ = keyFile.Close()
		_ = rowFile.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *KVIndex) initFiles(mode storage.Mode) error {
	if idx.keyFile.Size() >= keyFileHeaderSize {
		buf := make([]byte, keyFileHeaderSize)
		if err := idx.keyFile.ReadAt(0, buf); err != nil {
			return err
		}
		gotChunk := int64(binary.BigEndian.Uint64(buf[0:8]))
		gotSpace := int64(binary.BigEndian.Uint64(buf[8:16]))
		if gotChunk != idx.rowChunkSize || gotSpace != idx.keySpace {
			return errs.New(errs.KindConfigError, "KVIndex.Open",
				fmt.Errorf("header rowChunkSize=%d keySpace=%d does not match configured %d/%d",
					gotChunk, gotSpace, idx.rowChunkSize, idx.keySpace))
		}
		return nil
	}
	if mode == storage.ReadOnly {
		// The writer has not materialized this index yet; leave the files
		// empty and report every key as unseen until it does.
		return nil
	}

	buf := make([]byte, keyFileHeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(idx.rowChunkSize))
	binary.BigEndian.PutUint64(buf[8:16], uint64(idx.keySpace))
	if err := idx.keyFile.WriteAt(0, buf); err != nil {
		return err
	}
	if err := idx.keyFile.SetSize(keyFileHeaderSize + idx.keySpace*keySlotSize); err != nil {
		return err
	}
	if idx.rowFile.Size() < rowFileReserve {
		if err := idx.rowFile.WriteAt(0, make([]byte, rowFileReserve)); err != nil {
			return err
		}
	}
	idx.maxRowValid = true // freshly created, nothing indexed yet
	return nil
}

// Delete removes the key/row files at keyPath/rowPath. The index must
// already be closed.
func Delete(keyPath, rowPath string) error {
	if err := os.Remove(keyPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(rowPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func nextPowerOfTwo(n int64) int64 {
	if n < 1 {
		return 1
	}
	p := int64(1)
	for p < n {
		p <<= 1
	}
	return p
}

func (idx *KVIndex) checkKey(key int64) error {
	if key < 0 || key >= idx.keySpace {
		return errs.New(errs.KindIndexKeyOutOfRange, "KVIndex.add",
			fmt.Errorf("key %d outside [0, %d)", key, idx.keySpace))
	}
	return nil
}

func (idx *KVIndex) readSlot(key int64) (rowCount, lastChunkOffset int64, err error) {
	if idx.keyFile.Size() < keyFileHeaderSize+(key+1)*keySlotSize {
		return 0, 0, nil
	}
	buf := make([]byte, keySlotSize)
	if err := idx.keyFile.ReadAt(keyFileHeaderSize+key*keySlotSize, buf); err != nil {
		return 0, 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[0:8])), int64(binary.BigEndian.Uint64(buf[8:16])), nil
}

func (idx *KVIndex) writeSlot(key, rowCount, lastChunkOffset int64) error {
	buf := make([]byte, keySlotSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(rowCount))
	binary.BigEndian.PutUint64(buf[8:16], uint64(lastChunkOffset))
	return idx.keyFile.WriteAt(keyFileHeaderSize+key*keySlotSize, buf)
}

func (idx *KVIndex) readPrevChunkOffset(chunkBase int64) (int64, error) {
	buf := make([]byte, 8)
	if err := idx.rowFile.ReadAt(chunkBase+idx.rowChunkSize*8, buf); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf)), nil
}

func (idx *KVIndex) writePrevChunkOffset(chunkBase, prev int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(prev))
	return idx.rowFile.WriteAt(chunkBase+idx.rowChunkSize*8, buf)
}

func (idx *KVIndex) readSlotValue(chunkBase int64, slot int64) (int64, error) {
	buf := make([]byte, 8)
	if err := idx.rowFile.ReadAt(chunkBase+slot*8, buf); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf)), nil
}

func (idx *KVIndex) writeSlotValue(chunkBase int64, slot int64, v int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return idx.rowFile.WriteAt(chunkBase+slot*8, buf)
}

// Add appends rowId to key's chain, allocating a new chunk when the
// current one is full.
func (idx *KVIndex) Add(key, rowId int64) error {
	if err := idx.checkKey(key); err != nil {
		return err
	}

	rowCount, lastChunkOffset, err := idx.readSlot(key)
	if err != nil {
		return err
	}

	slotIndex := rowCount % idx.rowChunkSize
	if slotIndex == 0 {
		chunkBase, err := idx.rowFile.Append(make([]byte, idx.chunkByteSize))
		if err != nil {
			return err
		}
		if err := idx.writePrevChunkOffset(chunkBase, lastChunkOffset); err != nil {
			return err
		}
		lastChunkOffset = chunkBase
	}

	if err := idx.writeSlotValue(lastChunkOffset, slotIndex, rowId); err != nil {
		return err
	}
	rowCount++
	if err := idx.writeSlot(key, rowCount, lastChunkOffset); err != nil {
		return err
	}

	if idx.maxRowValid && rowId > idx.maxRow {
		idx.maxRow = rowId
	}
	delete(idx.seqCache, key)
	return nil
}

// clampedVisible computes key's tx-visible row count and the chunk holding
// its newest visible entry, walking backward from the tail only as far as
// the clamp requires. Row ids in a chain ascend, so the newest entry below
// visibleRowLimit marks the visibility boundary.
func (idx *KVIndex) clampedVisible(key int64) (count, tailChunk int64, err error) {
	rowCount, lastChunkOffset, err := idx.readSlot(key)
	if err != nil {
		return 0, 0, err
	}
	if idx.visibleRowLimit < 0 || rowCount == 0 {
		return rowCount, lastChunkOffset, nil
	}

	totalChunks := (rowCount + idx.rowChunkSize - 1) / idx.rowChunkSize
	chunkBase := lastChunkOffset
	for chunkIdx := totalChunks - 1; chunkIdx >= 0; chunkIdx-- {
		slotsInChunk := idx.rowChunkSize
		if chunkIdx == totalChunks-1 {
			if m := rowCount % idx.rowChunkSize; m != 0 {
				slotsInChunk = m
			}
		}
		for j := slotsInChunk - 1; j >= 0; j-- {
			v, err := idx.readSlotValue(chunkBase, j)
			if err != nil {
				return 0, 0, err
			}
			if v < idx.visibleRowLimit {
				return chunkIdx*idx.rowChunkSize + j + 1, chunkBase, nil
			}
		}
		prev, err := idx.readPrevChunkOffset(chunkBase)
		if err != nil {
			return 0, 0, err
		}
		chunkBase = prev
	}
	return 0, 0, nil
}

// GetValueCount returns the tx-visible row count for key.
func (idx *KVIndex) GetValueCount(key int64) (int64, error) {
	if err := idx.checkKey(key); err != nil {
		return 0, err
	}
	count, _, err := idx.clampedVisible(key)
	return count, err
}

// GetValueQuick returns the i-th row id for key (0 = oldest). Intended for
// sequential access from the newest entry backward (i descending), which
// is O(1) amortized via a per-key chunk cursor cache.
func (idx *KVIndex) GetValueQuick(key, i int64) (int64, error) {
	if err := idx.checkKey(key); err != nil {
		return 0, err
	}
	count, tailChunk, err := idx.clampedVisible(key)
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= count {
		return 0, errs.New(errs.KindIndexKeyOutOfRange, "KVIndex.GetValueQuick",
			fmt.Errorf("index %d outside [0, %d)", i, count))
	}

	if cached, ok := idx.seqCache[key]; ok && cached.idx == i+1 {
		slotInChunk := cached.slotInChunk - 1
		chunkBase := cached.chunkBase
		if slotInChunk < 0 {
			prev, err := idx.readPrevChunkOffset(chunkBase)
			if err != nil {
				return 0, err
			}
			chunkBase = prev
			slotInChunk = int(idx.rowChunkSize) - 1
		}
		v, err := idx.readSlotValue(chunkBase, int64(slotInChunk))
		if err != nil {
			return 0, err
		}
		idx.seqCache[key] = seqCacheEntry{idx: i, chunkBase: chunkBase, slotInChunk: slotInChunk}
		return v, nil
	}

	// Cold path: walk backward from the visible tail chunk.
	targetChunk := i / idx.rowChunkSize
	slot := i % idx.rowChunkSize
	steps := (count-1)/idx.rowChunkSize - targetChunk

	chunkBase := tailChunk
	for s := int64(0); s < steps; s++ {
		prev, err := idx.readPrevChunkOffset(chunkBase)
		if err != nil {
			return 0, err
		}
		chunkBase = prev
	}

	v, err := idx.readSlotValue(chunkBase, slot)
	if err != nil {
		return 0, err
	}
	idx.seqCache[key] = seqCacheEntry{idx: i, chunkBase: chunkBase, slotInChunk: int(slot)}
	return v, nil
}

// Commit syncs both files through MemoryFile.Commit.
func (idx *KVIndex) Commit() error {
	if err := idx.keyFile.Commit(); err != nil {
		return err
	}
	return idx.rowFile.Commit()
}

func (idx *KVIndex) loadMaxRow() error {
	idx.maxRow = -1
	for key := int64(0); key < idx.keySpace; key++ {
		rowCount, lastChunkOffset, err := idx.readSlot(key)
		if err != nil {
			return err
		}
		if rowCount == 0 {
			continue
		}
		slot := (rowCount - 1) % idx.rowChunkSize
		v, err := idx.readSlotValue(lastChunkOffset, slot)
		if err != nil {
			return err
		}
		if v > idx.maxRow {
			idx.maxRow = v
		}
	}
	idx.maxRowValid = true
	return nil
}

// GetTxAddress returns an opaque snapshot of the index state after the
// last commit: one past the largest row id currently indexed. SetTxAddress
// with this value hides exactly the entries added afterward, since row ids
// only ever grow.
func (idx *KVIndex) GetTxAddress() uint64 {
	if !idx.maxRowValid {
		if err := idx.loadMaxRow(); err != nil {
			return 0
		}
	}
	return uint64(idx.maxRow + 1)
}

// SetTxAddress clamps subsequent reads to entries whose row id precedes
// the supplied snapshot.
func (idx *KVIndex) SetTxAddress(addr uint64) {
	idx.visibleRowLimit = int64(addr)
	idx.seqCache = make(map[int64]seqCacheEntry)
}

// Truncate drops all (key, rowId) pairs with rowId >= newSize. It reads
// every key slot of the key space; only keys with entries have their
// chains walked, tail-first, back to the last surviving entry.
func (idx *KVIndex) Truncate(newSize int64) error {
	for key := int64(0); key < idx.keySpace; key++ {
		rowCount, lastChunkOffset, err := idx.readSlot(key)
		if err != nil {
			return err
		}
		if rowCount == 0 {
			continue
		}

		totalChunks := (rowCount + idx.rowChunkSize - 1) / idx.rowChunkSize
		chunkBase := lastChunkOffset
		remaining := int64(0)
		survivorChunk := int64(0)
	scan:
		for chunkIdx := totalChunks - 1; chunkIdx >= 0; chunkIdx-- {
			slotsInChunk := idx.rowChunkSize
			if chunkIdx == totalChunks-1 {
				if m := rowCount % idx.rowChunkSize; m != 0 {
					slotsInChunk = m
				}
			}
			for j := slotsInChunk - 1; j >= 0; j-- {
				v, err := idx.readSlotValue(chunkBase, j)
				if err != nil {
					return err
				}
				if v < newSize {
					remaining = chunkIdx*idx.rowChunkSize + j + 1
					survivorChunk = chunkBase
					break scan
				}
			}
			prev, err := idx.readPrevChunkOffset(chunkBase)
			if err != nil {
				return err
			}
			chunkBase = prev
		}

		if remaining != rowCount || survivorChunk != lastChunkOffset {
			if err := idx.writeSlot(key, remaining, survivorChunk); err != nil {
				return err
			}
		}
	}
	if idx.maxRowValid && idx.maxRow >= newSize {
		idx.maxRow = newSize - 1
	}
	idx.seqCache = make(map[int64]seqCacheEntry)
	return nil
}

func (idx *KVIndex) Force() error {
	if err := idx.keyFile.Force(); err != nil {
		return err
	}
	return idx.rowFile.Force()
}

func (idx *KVIndex) Close() error {
	if err := idx.keyFile.Close(); err != nil {
		return err
	}
	return idx.rowFile.Close()
}

func (idx *KVIndex) Compact() error {
	if err := idx.keyFile.Compact(); err != nil {
		return err
	}
	return idx.rowFile.Compact()
}
