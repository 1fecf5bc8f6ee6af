// Package tablet implements the in-memory, row-partitioned store owned
// by a storage node: an ordered mapping from row key to an unordered
// mapping of column key to value, with row-level reader/writer locking
// and a serialised on-disk format.
package tablet

import (
	"sort"
	"sync"

	"github.com/rowkv/cluster/pkg/kverr"
)

// rowData holds one row's columns plus the lock serialising access to it.
// Every entry in data has exactly one corresponding lock, created and
// destroyed atomically with the row (spec invariant 1).
type rowData struct {
	mu      sync.RWMutex
	columns map[string][]byte
}

// Tablet owns a contiguous, immutable sub-range of the key space
// [RangeStart, RangeEnd] (inclusive on both ends).
type Tablet struct {
	RangeStart string
	RangeEnd   string

	// mapMu guards rows itself: shared for lookup of an existing row's
	// lock, exclusive only while a row entry is being inserted or
	// removed (spec's lock-ordering rule in §4.1).
	mapMu sync.RWMutex
	rows  map[string]*rowData
}

// New constructs an empty tablet over [rangeStart, rangeEnd].
func New(rangeStart, rangeEnd string) *Tablet {
	return &Tablet{
		RangeStart: rangeStart,
		RangeEnd:   rangeEnd,
		rows:       make(map[string]*rowData),
	}
}

// lookupRow returns the row's lock struct if present, taking the
// tablet-map lock in shared mode only.
func (t *Tablet) lookupRow(row string) (*rowData, bool) {
	t.mapMu.RLock()
	defer t.mapMu.RUnlock()
	r, ok := t.rows[row]
	return r, ok
}

// getOrCreateRow returns the row's lock struct, creating row and lock
// atomically under an exclusive tablet-map lock if absent.
func (t *Tablet) getOrCreateRow(row string) *rowData {
	if r, ok := t.lookupRow(row); ok {
		return r
	}
	t.mapMu.Lock()
	defer t.mapMu.Unlock()
	// re-check: another writer may have created it between our shared
	// lookup failing and taking the exclusive lock.
	if r, ok := t.rows[row]; ok {
		return r
	}
	r := &rowData{columns: make(map[string][]byte)}
	t.rows[row] = r
	return r
}

// GetRow returns the set of column names present in row, in no
// particular order.
func (t *Tablet) GetRow(row string) ([]string, error) {
	r, ok := t.lookupRow(row)
	if !ok {
		return nil, kverr.ErrRowMissing
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	cols := make([]string, 0, len(r.columns))
	for c := range r.columns {
		cols = append(cols, c)
	}
	return cols, nil
}

// GetValue returns the value bytes stored at (row, col).
func (t *Tablet) GetValue(row, col string) ([]byte, error) {
	r, ok := t.lookupRow(row)
	if !ok {
		return nil, kverr.ErrRowMissing
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.columns[col]
	if !ok {
		return nil, kverr.ErrColMissing
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// GetAllRows returns every row key owned by this tablet, in key order.
func (t *Tablet) GetAllRows() []string {
	t.mapMu.RLock()
	defer t.mapMu.RUnlock()
	rows := make([]string, 0, len(t.rows))
	for r := range t.rows {
		rows = append(rows, r)
	}
	sort.Strings(rows)
	return rows
}

// Put upserts (row, col) = val, creating the row if absent.
func (t *Tablet) Put(row, col string, val []byte) error {
	r := t.getOrCreateRow(row)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.columns[col] = append([]byte(nil), val...)
	return nil
}

// CPut overwrites (row, col) with newVal only if the current value
// byte-equals oldVal.
func (t *Tablet) CPut(row, col string, oldVal, newVal []byte) error {
	r, ok := t.lookupRow(row)
	if !ok {
		return kverr.ErrRowMissing
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.columns[col]
	if !ok {
		return kverr.ErrColMissing
	}
	if !bytesEqual(cur, oldVal) {
		return kverr.ErrCondMismatch
	}
	r.columns[col] = append([]byte(nil), newVal...)
	return nil
}

// DeleteColumn removes (row, col), leaving the row present even if it
// becomes empty. A missing column is a silent success per spec §9.
func (t *Tablet) DeleteColumn(row, col string) error {
	r, ok := t.lookupRow(row)
	if !ok {
		return kverr.ErrRowMissing
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.columns, col)
	return nil
}

// DeleteRow removes row and all its columns.
func (t *Tablet) DeleteRow(row string) error {
	t.mapMu.Lock()
	defer t.mapMu.Unlock()
	if _, ok := t.rows[row]; !ok {
		return kverr.ErrRowMissing
	}
	delete(t.rows, row)
	return nil
}

// RenameRow atomically moves all of rOld's columns to rNew.
func (t *Tablet) RenameRow(rOld, rNew string) error {
	t.mapMu.Lock()
	defer t.mapMu.Unlock()
	old, ok := t.rows[rOld]
	if !ok {
		return kverr.ErrRowMissing
	}
	if _, exists := t.rows[rNew]; exists {
		return kverr.ErrRowExists
	}
	delete(t.rows, rOld)
	t.rows[rNew] = old
	return nil
}

// RenameColumn atomically renames column cOld to cNew within row.
func (t *Tablet) RenameColumn(row, cOld, cNew string) error {
	r, ok := t.lookupRow(row)
	if !ok {
		return kverr.ErrRowMissing
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.columns[cOld]
	if !ok {
		return kverr.ErrColMissing
	}
	if _, exists := r.columns[cNew]; exists {
		return kverr.ErrColExists
	}
	delete(r.columns, cOld)
	r.columns[cNew] = v
	return nil
}

// Owns reports whether row falls at or beyond this tablet's start of
// range. Per spec §4.2, a node's tablets are non-overlapping and ordered;
// the upper bound of a tablet's range is implicitly the next tablet's
// start, so ownership here only compares against RangeStart — callers
// that must pick among several tablets use Lookup (see storagenode).
func (t *Tablet) Owns(row string) bool {
	return row >= t.RangeStart
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
