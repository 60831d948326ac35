package nfsdb

// Iterator walks every visible row of a DB in partition, then row, order.
// Next populates a caller-supplied record through the Iterator's
// RecordCodec rather than returning a pointer to an internal row buffer.
type Iterator struct {
	db  *DB
	rc  RecordCodec
	err error

	partitionIdx int
	partitionLen int64
	rowIdx       int64
}

// First rewinds the cursor to the journal's first visible row and decodes
// it into out. It returns false once the journal has no rows at all.
func (it *Iterator) First(out any) bool {
	it.partitionIdx = -1
	it.rowIdx = -1
	return it.Next(out)
}

// Next advances the cursor to the next visible row and decodes it into
// out, opening partitions as it reaches them and skipping empty ones. It returns
// false once every partition has been consumed; callers should then check
// Err.
func (it *Iterator) Next(out any) bool {
	if it.err != nil {
		return false
	}
	for {
		if it.partitionIdx < 0 || it.rowIdx+1 >= it.partitionLen {
			it.partitionIdx++
			p, err := it.db.j.GetPartition(it.partitionIdx, true)
			if err != nil {
				return false // exhausted every partition
			}
			it.partitionLen = p.Size()
			it.rowIdx = -1
			if it.partitionLen == 0 {
				continue
			}
		}
		it.rowIdx++
		p, err := it.db.j.GetPartition(it.partitionIdx, true)
		if err != nil {
			it.err = err
			return false
		}
		if err := p.Read(it.rowIdx, it.rc, out); err != nil {
			it.err = err
			return false
		}
		return true
	}
}

// Err returns the first error encountered during iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases no resources of its own; the underlying DB owns every
// mapping the iterator reads through.
func (it *Iterator) Close() error { return nil }

// BufferedIterator is a forward cursor that holds on to the current
// partition across reads, re-resolving the partition handle and its
// visible size only once per batch instead of once per row. Rows made
// visible by a Refresh mid-scan are picked up at the next batch boundary.
type BufferedIterator struct {
	it        Iterator
	batchSize int

	p         partitionHandle
	batchEnd  int64
	partition int
}

// partitionHandle is the minimal surface BufferedIterator needs from an
// open partition.
type partitionHandle interface {
	Size() int64
	Read(localRowId int64, rc RecordCodec, out any) error
}

// First rewinds to the journal's first visible row and decodes it into
// out.
func (bi *BufferedIterator) First(out any) bool {
	bi.it.rowIdx = -1
	bi.p = nil
	bi.batchEnd = 0
	bi.partition = 0
	return bi.Next(out)
}

// Next advances to the next visible row and decodes it into out,
// returning false once every partition is consumed.
func (bi *BufferedIterator) Next(out any) bool {
	if bi.it.err != nil {
		return false
	}
	for {
		if bi.p != nil && bi.it.rowIdx+1 < bi.batchEnd {
			bi.it.rowIdx++
			if err := bi.p.Read(bi.it.rowIdx, bi.it.rc, out); err != nil {
				bi.it.err = err
				return false
			}
			return true
		}

		if bi.p != nil {
			// Batch exhausted: extend within the same partition if more
			// rows are visible, otherwise move on.
			size := bi.p.Size()
			if bi.it.rowIdx+1 < size {
				bi.batchEnd = bi.it.rowIdx + 1 + int64(bi.batchSize)
				if bi.batchEnd > size {
					bi.batchEnd = size
				}
				continue
			}
		}

		bi.partition++
		p, err := bi.it.db.j.GetPartition(bi.partition-1, true)
		if err != nil {
			return false // exhausted every partition
		}
		bi.p = p
		bi.it.rowIdx = -1
		bi.batchEnd = 0
	}
}

// Err returns the first error encountered during iteration, if any.
func (bi *BufferedIterator) Err() error { return bi.it.err }

func (bi *BufferedIterator) Close() error { return nil }
