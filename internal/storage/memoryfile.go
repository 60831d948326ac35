// Package storage implements the column store: MemoryFile, FixedColumn,
// and VariableColumn.
package storage

import (
	"container/list"
	"fmt"
	"os"
	"sync"

	"nfsdb/internal/errs"
	"nfsdb/internal/mmap"
)

// Mode selects whether a MemoryFile is opened for the single writer or for
// a concurrent reader. Both map the file MAP_SHARED; the distinction only
// governs whether growth/truncate are permitted.
type Mode int

const (
	ReadWrite Mode = iota
	ReadOnly
)

const (
	minBitHint = 17 // 2^17 = 128 KiB
	maxBitHint = 30 // 2^30 = 1 GiB

	// defaultWindowCacheSize bounds the number of simultaneously mapped
	// windows per MemoryFile.
	defaultWindowCacheSize = 16
)

// ComputeBitHint derives a mapping window size from an average record size
// and a row-count hint, rounded up to a power of two and clamped to
// [2^17, 2^30].
func ComputeBitHint(avgSize, recordCountHint int) uint {
	if avgSize <= 0 {
		avgSize = 8
	}
	if recordCountHint <= 0 {
		recordCountHint = 1
	}
	want := int64(avgSize) * int64(recordCountHint)
	bit := uint(minBitHint)
	for (int64(1) << bit) < want {
		bit++
		if bit >= maxBitHint {
			return maxBitHint
		}
	}
	if bit < minBitHint {
		return minBitHint
	}
	return bit
}

// window is one mapped region of the backing file.
type window struct {
	index int64
	data  []byte
	dirty bool
}

// MemoryFile presents a growable file as an addressable byte region through
// a sequence of fixed-size mapped windows.
type MemoryFile struct {
	mu sync.Mutex

	path string
	file *os.File
	mode Mode

	bitHint    uint
	windowSize int64

	logicalSize  int64 // published size, e.g. rowCount*fixedSize
	physicalSize int64 // current backing-file length: window multiples while growing, the exact logical size after a trim

	windows  map[int64]*list.Element // windowIndex -> LRU element
	lru      *list.List              // front = most recently used
	cacheCap int

	epoch uint64 // bumped on write/truncate; flyweight views observe this
}

// Open opens or creates the MemoryFile at path with the given bitHint.
func Open(path string, bitHint uint, mode Mode) (*MemoryFile, error) {
	if bitHint < minBitHint {
		bitHint = minBitHint
	}
	if bitHint > maxBitHint {
		bitHint = maxBitHint
	}

	flag := os.O_RDWR | os.O_CREATE
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, errs.New(errs.KindStorageIoError, "MemoryFile.Open", err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errs.New(errs.KindStorageIoError, "MemoryFile.Open", err)
	}

	mf := &MemoryFile{
		path:         path,
		file:         f,
		mode:         mode,
		bitHint:      bitHint,
		windowSize:   int64(1) << bitHint,
		physicalSize: fi.Size(),
		logicalSize:  fi.Size(),
		windows:      make(map[int64]*list.Element),
		lru:          list.New(),
		cacheCap:     defaultWindowCacheSize,
	}
	return mf, nil
}

// Path returns the backing file path.
func (mf *MemoryFile) Path() string { return mf.path }

// BitHint returns the log2 window size this MemoryFile was opened with.
func (mf *MemoryFile) BitHint() uint { return mf.bitHint }

// Size returns the current logical size in bytes. The writer trims the
// backing file to its exact logical size on every Commit and Close, so a
// reader's view of the file length is the size as of the writer's last
// flush; a ReadOnly handle re-stats so that view stays current.
func (mf *MemoryFile) Size() int64 {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	if mf.mode == ReadOnly {
		if fi, err := mf.file.Stat(); err == nil && fi.Size() > mf.logicalSize {
			mf.logicalSize = fi.Size()
			if fi.Size() > mf.physicalSize {
				mf.physicalSize = fi.Size()
			}
		}
	}
	return mf.logicalSize
}

// Epoch returns the current write epoch, bumped on every WriteAt/Truncate.
// Flyweight views (VariableColumn.GetFlyweightStr) capture this to detect
// staleness.
func (mf *MemoryFile) Epoch() uint64 {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.epoch
}

// SetSize advances the logical size, growing the underlying file in
// multiples of the window size if necessary.
func (mf *MemoryFile) SetSize(n int64) error {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.setSizeLocked(n)
}

func (mf *MemoryFile) setSizeLocked(n int64) error {
	if n > mf.physicalSize {
		if mf.mode == ReadOnly {
			// A reader never resizes the shared file; the writer may have
			// grown it since this handle last looked, so re-stat before
			// deciding the requested range does not exist.
			fi, err := mf.file.Stat()
			if err != nil {
				return errs.New(errs.KindStorageIoError, "MemoryFile.SetSize", err)
			}
			if fi.Size() > mf.physicalSize {
				mf.physicalSize = fi.Size()
			}
			if n > mf.physicalSize {
				return errs.New(errs.KindStorageIoError, "MemoryFile.SetSize",
					fmt.Errorf("%s: offset %d beyond end of file", mf.path, n))
			}
		} else {
			newPhysical := roundUp(n, mf.windowSize)
			if err := mf.file.Truncate(newPhysical); err != nil {
				return errs.New(errs.KindStorageIoError, "MemoryFile.SetSize", err)
			}
			mf.physicalSize = newPhysical
		}
	}
	mf.logicalSize = n
	return nil
}

func roundUp(n, multiple int64) int64 {
	if n <= 0 {
		return multiple
	}
	rem := n % multiple
	if rem == 0 {
		return n
	}
	return n - rem + multiple
}

// GetBuffer returns the mapped bytes from offset to the end of offset's
// window, mapping that window on demand and growing the file to cover
// offset+minBytes. contiguous is the number of bytes left in the window,
// which is fewer than minBytes when the range crosses a window boundary;
// the rest then lies in the next window (ReadAt and WriteAt handle such
// crossings). It fails with errs.KindOutOfBitHint if minBytes exceeds the
// window size.
func (mf *MemoryFile) GetBuffer(offset int64, minBytes int) (buf []byte, contiguous int, err error) {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.getBufferLocked(offset, minBytes)
}

func (mf *MemoryFile) getBufferLocked(offset int64, minBytes int) ([]byte, int, error) {
	if int64(minBytes) > mf.windowSize {
		return nil, 0, errs.New(errs.KindOutOfBitHint, "MemoryFile.GetBuffer",
			nil)
	}

	windowIndex := offset >> mf.bitHint
	windowOffset := offset & (mf.windowSize - 1)

	needed := offset + int64(minBytes)
	if needed > mf.physicalSize {
		if err := mf.setSizeLocked(needed); err != nil {
			return nil, 0, err
		}
	}

	w, err := mf.windowLocked(windowIndex)
	if err != nil {
		return nil, 0, err
	}

	contiguous := int(mf.windowSize - windowOffset)
	return w.data[windowOffset:], contiguous, nil
}

func (mf *MemoryFile) windowLocked(index int64) (*window, error) {
	if elem, ok := mf.windows[index]; ok {
		mf.lru.MoveToFront(elem)
		return elem.Value.(*window), nil
	}

	winOffset := index * mf.windowSize
	data, err := mmap.MapFile(mf.file, winOffset, int(mf.windowSize))
	if err != nil {
		return nil, &errs.MappingError{Path: mf.path, Offset: winOffset, Length: int(mf.windowSize), Err: err}
	}

	w := &window{index: index, data: data}
	elem := mf.lru.PushFront(w)
	mf.windows[index] = elem

	if mf.lru.Len() > mf.cacheCap {
		mf.evictOldestLocked()
	}
	return w, nil
}

func (mf *MemoryFile) evictOldestLocked() {
	back := mf.lru.Back()
	if back == nil {
		return
	}
	w := back.Value.(*window)
	mf.lru.Remove(back)
	delete(mf.windows, w.index)
	_ = mmap.Unmap(w.data)
}

// ReadAt copies len(dst) bytes starting at offset into dst, handling
// mapping-window crossings transparently.
func (mf *MemoryFile) ReadAt(offset int64, dst []byte) error {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	remaining := dst
	pos := offset
	for len(remaining) > 0 {
		chunkWant := len(remaining)
		if int64(chunkWant) > mf.windowSize {
			chunkWant = int(mf.windowSize)
		}
		buf, contiguous, err := mf.getBufferLocked(pos, min(chunkWant, int(mf.windowSize)))
		if err != nil {
			return err
		}
		n := contiguous
		if n > len(remaining) {
			n = len(remaining)
		}
		copy(remaining[:n], buf[:n])
		remaining = remaining[n:]
		pos += int64(n)
	}
	return nil
}

// WriteAt writes src at offset, growing the logical size if needed, and
// handles mapping-window crossings transparently.
func (mf *MemoryFile) WriteAt(offset int64, src []byte) error {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	remaining := src
	pos := offset
	for len(remaining) > 0 {
		chunkWant := len(remaining)
		if int64(chunkWant) > mf.windowSize {
			chunkWant = int(mf.windowSize)
		}
		buf, contiguous, err := mf.getBufferLocked(pos, min(chunkWant, int(mf.windowSize)))
		if err != nil {
			return err
		}
		n := contiguous
		if n > len(remaining) {
			n = len(remaining)
		}
		copy(buf[:n], remaining[:n])
		remaining = remaining[n:]
		pos += int64(n)
	}

	if end := offset + int64(len(src)); end > mf.logicalSize {
		mf.logicalSize = end
	}
	mf.epoch++
	return nil
}

// Append writes src at the current logical end of the file and returns the
// offset it was written at.
func (mf *MemoryFile) Append(src []byte) (int64, error) {
	mf.mu.Lock()
	offset := mf.logicalSize
	mf.mu.Unlock()

	if err := mf.WriteAt(offset, src); err != nil {
		return 0, err
	}
	return offset, nil
}

// trimLocked shrinks the backing file from its window-rounded growth down
// to the exact logical size, so that at rest (after a Commit or Close) the
// file length IS the column's logical size and a reopen can recover it
// from a plain stat. Appends after the trim regrow the file in window
// multiples again.
func (mf *MemoryFile) trimLocked() error {
	if mf.mode == ReadOnly || mf.physicalSize <= mf.logicalSize {
		return nil
	}
	if err := mf.file.Truncate(mf.logicalSize); err != nil {
		return errs.New(errs.KindStorageIoError, "MemoryFile.Commit", err)
	}
	mf.physicalSize = mf.logicalSize
	return nil
}

// Commit flushes dirty windows back to the backing file without forcing an
// fsync, then trims the file to its exact logical size.
func (mf *MemoryFile) Commit() error {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	for e := mf.lru.Front(); e != nil; e = e.Next() {
		w := e.Value.(*window)
		if err := mmap.Sync(w.data); err != nil {
			return errs.New(errs.KindStorageIoError, "MemoryFile.Commit", err)
		}
	}
	return mf.trimLocked()
}

// Force fsyncs the backing file.
func (mf *MemoryFile) Force() error {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	if err := mf.trimLocked(); err != nil {
		return err
	}
	if err := mf.file.Sync(); err != nil {
		return errs.New(errs.KindStorageIoError, "MemoryFile.Force", err)
	}
	return nil
}

// Truncate shrinks the logical size and unmaps windows past the new size.
func (mf *MemoryFile) Truncate(newSize int64) error {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	if newSize >= mf.logicalSize {
		mf.logicalSize = newSize
		return nil
	}

	keepWindows := int64(0)
	if newSize > 0 {
		keepWindows = ((newSize - 1) >> mf.bitHint) + 1
	}

	for idx, elem := range mf.windows {
		if idx >= keepWindows {
			w := elem.Value.(*window)
			mf.lru.Remove(elem)
			delete(mf.windows, idx)
			_ = mmap.Unmap(w.data)
		}
	}

	mf.logicalSize = newSize
	mf.epoch++
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Compact drops the mapping tail beyond the current logical size, keeping
// the window cache small without changing on-disk content.
func (mf *MemoryFile) Compact() error {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	keepWindows := int64(0)
	if mf.logicalSize > 0 {
		keepWindows = ((mf.logicalSize - 1) >> mf.bitHint) + 1
	}
	for idx, elem := range mf.windows {
		if idx >= keepWindows {
			w := elem.Value.(*window)
			mf.lru.Remove(elem)
			delete(mf.windows, idx)
			_ = mmap.Unmap(w.data)
		}
	}
	return nil
}

// Close unmaps every mapped window, trims the file to its logical size,
// and closes it.
func (mf *MemoryFile) Close() error {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	for idx, elem := range mf.windows {
		w := elem.Value.(*window)
		_ = mmap.Sync(w.data)
		_ = mmap.Unmap(w.data)
		delete(mf.windows, idx)
	}
	mf.lru.Init()

	if err := mf.trimLocked(); err != nil {
		_ = mf.file.Close()
		return err
	}
	if err := mf.file.Close(); err != nil {
		return errs.New(errs.KindStorageIoError, "MemoryFile.Close", err)
	}
	return nil
}
