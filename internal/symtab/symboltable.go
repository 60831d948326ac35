// Package symtab implements the SymbolTable column type: a
// dictionary of distinct strings backed by a VariableColumn, with a
// KVIndex mapping each string's hash to the dictionary keys (usually one)
// that hash to it, so Put can detect an existing entry without a linear
// scan.
package symtab

import (
	"nfsdb/internal/errs"
	"nfsdb/internal/hash"
	"nfsdb/internal/kvindex"
	"nfsdb/internal/storage"
)

// SymbolTable interns strings to small integer keys. Key 0..N-1 index the
// distinct values in first-seen order; -1 represents null.
type SymbolTable struct {
	values *storage.VariableColumn
	index  *kvindex.KVIndex

	distinctCountHint int64
	visibleSize       int64 // -1 = unclamped; set by the tx-visibility protocol
}

// Open opens (or creates) a symbol table rooted at basePath (the
// journal-level <symbolCol> name: files "<symbolCol>.symd/.symi/.symk/.symr"),
// sized for distinctCountHint distinct values (must be a power of two).
func Open(basePath string, distinctCountHint int64, mode storage.Mode) (*SymbolTable, error) {
	if !hash.IsPowerOfTwo(distinctCountHint) {
		return nil, errs.New(errs.KindConfigError, "SymbolTable.Open", nil)
	}

	data, err := storage.Open(basePath+".symd", storage.ComputeBitHint(16, int(distinctCountHint)), mode)
	if err != nil {
		return nil, err
	}
	offsets, err := storage.Open(basePath+".symi", storage.ComputeBitHint(8, int(distinctCountHint)), mode)
	if err != nil {
		_ = data.Close()
		return nil, err
	}

	idx, err := kvindex.Open(basePath+".symk", basePath+".symr", distinctCountHint, int(distinctCountHint), mode)
	if err != nil {
		_ = data.Close()
		_ = offsets.Close()
		return nil, err
	}

	return &SymbolTable{
		values:            storage.NewVariableColumn(data, offsets),
		index:             idx,
		distinctCountHint: distinctCountHint,
		visibleSize:       -1,
	}, nil
}

// Size returns the number of distinct values interned so far (the writer's
// own, unclamped view).
func (st *SymbolTable) Size() int64 { return st.values.Size() }

// SetVisibleSize clamps which keys a reader may resolve, per the tx
// record's symbolTableSize[symColIdx] snapshot. A row's
// SYMBOL key can never exceed the table's size at the time that row was
// committed, so this is a documented bound rather than an enforced one.
func (st *SymbolTable) SetVisibleSize(n int64) { st.visibleSize = n }

// VisibleSize returns the last tx-published size, or the writer's own
// unclamped size if none has been set.
func (st *SymbolTable) VisibleSize() int64 {
	if st.visibleSize < 0 {
		return st.Size()
	}
	return st.visibleSize
}

func (st *SymbolTable) bucket(s string) (int64, error) {
	h, err := hash.Bounded(s, st.distinctCountHint)
	if err != nil {
		return 0, err
	}
	return int64(h), nil
}

// Value returns the dictionary string for key, or ("", false) for key -1.
func (st *SymbolTable) Value(key int32) (string, bool, error) {
	if key < 0 {
		return "", false, nil
	}
	s, isNull, err := st.values.GetStr(int64(key))
	if err != nil {
		return "", false, err
	}
	return s, !isNull, nil
}

// Put interns s, returning its dictionary key. Repeated calls with equal
// strings return the same key.
func (st *SymbolTable) Put(s string) (int32, error) {
	b, err := st.bucket(s)
	if err != nil {
		return 0, err
	}

	count, err := st.index.GetValueCount(b)
	if err != nil {
		return 0, err
	}
	for i := count - 1; i >= 0; i-- {
		key, err := st.index.GetValueQuick(b, i)
		if err != nil {
			return 0, err
		}
		existing, isNull, err := st.values.GetStr(key)
		if err != nil {
			return 0, err
		}
		if !isNull && existing == s {
			return int32(key), nil
		}
	}

	key, err := st.values.PutStr(s)
	if err != nil {
		return 0, err
	}
	if err := st.index.Add(b, key); err != nil {
		return 0, err
	}
	return int32(key), nil
}

// PutNull records a SYMBOL null without adding a dictionary entry; callers
// store the returned key (-1) directly in the int column.
func (st *SymbolTable) PutNull() int32 { return -1 }

// Commit flushes the dictionary's value column and key index.
func (st *SymbolTable) Commit() error {
	if err := st.values.Commit(); err != nil {
		return err
	}
	return st.index.Commit()
}

func (st *SymbolTable) Force() error {
	if err := st.values.Force(); err != nil {
		return err
	}
	return st.index.Force()
}

func (st *SymbolTable) Close() error {
	if err := st.values.Close(); err != nil {
		return err
	}
	return st.index.Close()
}

// Truncate shrinks the dictionary to n entries. The journal calls it on
// rollback, on recovery at open, and with n == 0 on a full truncate; the
// index is truncated in step so stale buckets don't resolve to keys
// that no longer exist.
func (st *SymbolTable) Truncate(n int64) error {
	if err := st.values.Truncate(n); err != nil {
		return err
	}
	if err := st.index.Truncate(n); err != nil {
		return err
	}
	return st.Commit()
}
