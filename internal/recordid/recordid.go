// Package recordid implements the RecordId total order and the
// batchNumMap-driven successor computation described for the
// subscription delivery engine: a RecordId is (batchId LSN, index
// within batch), and advancing past the end of a batch requires
// knowing how many records the next batch holds.
package recordid

import "fmt"

// ID is a (batchId, batchIndex) pair, lexicographically ordered.
type ID struct {
	BatchID    uint64
	BatchIndex uint32
}

func (id ID) String() string {
	return fmt.Sprintf("(%d,%d)", id.BatchID, id.BatchIndex)
}

// Less reports whether id sorts strictly before other.
func (id ID) Less(other ID) bool {
	if id.BatchID != other.BatchID {
		return id.BatchID < other.BatchID
	}
	return id.BatchIndex < other.BatchIndex
}

// Equal reports value equality.
func (id ID) Equal(other ID) bool {
	return id.BatchID == other.BatchID && id.BatchIndex == other.BatchIndex
}

// Compare returns -1, 0, 1 as id is less than, equal to, or greater than other.
func Compare(a, b ID) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}

// Range is an inclusive [Start, End] range of ids; Start <= End.
type Range struct {
	Start ID
	End   ID
}

// Contains reports whether id falls within [r.Start, r.End].
func (r Range) Contains(id ID) bool {
	return !id.Less(r.Start) && !r.End.Less(id)
}

// BatchNumMap tracks, for every batchId (LSN) seen so far, how many
// records that batch contains. It is populated as the log is read and
// is consulted by Successor/Predecessor to cross batch boundaries.
//
// It never shrinks within a runtime's life except through explicit
// PruneBelow, which is an optional optimization — correctness never
// depends on pruning having happened.
type BatchNumMap struct {
	counts map[uint64]uint32
	// keys holds batch ids in ascending order so NextBatch can binary
	// search instead of scanning the whole map on every successor call.
	keys []uint64
}

// NewBatchNumMap returns an empty map.
func NewBatchNumMap() *BatchNumMap {
	return &BatchNumMap{counts: make(map[uint64]uint32)}
}

// Set records that batchID contains count records. Safe to call
// repeatedly with the same batchID and count (idempotent); it is a
// programmer error to call it twice with different counts for the same
// batch, since counts reflect immutable log batches.
func (m *BatchNumMap) Set(batchID uint64, count uint32) {
	if _, ok := m.counts[batchID]; ok {
		m.counts[batchID] = count
		return
	}
	m.counts[batchID] = count
	m.insertKey(batchID)
}

func (m *BatchNumMap) insertKey(batchID uint64) {
	// keys stays sorted; this is an insert-into-sorted-slice, O(n) worst
	// case but batch counts are read in LSN order in practice so the
	// common case is an append.
	i := len(m.keys)
	for i > 0 && m.keys[i-1] > batchID {
		i--
	}
	m.keys = append(m.keys, 0)
	copy(m.keys[i+1:], m.keys[i:])
	m.keys[i] = batchID
}

// Count returns the record count for batchID and whether it is known.
func (m *BatchNumMap) Count(batchID uint64) (uint32, bool) {
	c, ok := m.counts[batchID]
	return c, ok
}

// NextBatch returns the smallest known batchID strictly greater than
// batchID, and whether one exists.
func (m *BatchNumMap) NextBatch(batchID uint64) (uint64, bool) {
	lo, hi := 0, len(m.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if m.keys[mid] <= batchID {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(m.keys) {
		return 0, false
	}
	return m.keys[lo], true
}

// PruneBelow drops batch entries for batch ids strictly less than
// lowerBound. Optional: never required for correctness.
func (m *BatchNumMap) PruneBelow(lowerBound uint64) {
	i := 0
	for i < len(m.keys) && m.keys[i] < lowerBound {
		delete(m.counts, m.keys[i])
		i++
	}
	m.keys = m.keys[i:]
}

// Successor computes the RecordId immediately following id:
//   - within a batch, it advances the index;
//   - at the end of a batch, it advances to (nextBatchID, 0) where
//     nextBatchID is the next key known in the map;
//   - if no next batch is known, per §9's documented policy for the
//     case where batchNumMap does not contain the next batch, it
//     advances to (id.BatchID+1, 0) — a consistent, if provisional,
//     choice that later Set calls on the real next batch do not need
//     to reconcile, since ids are compared by (BatchID, BatchIndex) and
//     any real successor has BatchID >= id.BatchID+1.
func Successor(id ID, batches *BatchNumMap) ID {
	if count, ok := batches.Count(id.BatchID); ok && id.BatchIndex+1 < count {
		return ID{BatchID: id.BatchID, BatchIndex: id.BatchIndex + 1}
	}
	if next, ok := batches.NextBatch(id.BatchID); ok {
		return ID{BatchID: next, BatchIndex: 0}
	}
	return ID{BatchID: id.BatchID + 1, BatchIndex: 0}
}

// Predecessor computes the RecordId immediately preceding id, the
// inverse of Successor. The ack range set does not call it: its merge
// check runs forward through Successor instead. Returns ok=false if id is
// the minimum representable id (BatchIndex 0 of the first known
// batch), since there is nothing to merge with.
func Predecessor(id ID, batches *BatchNumMap) (ID, bool) {
	if id.BatchIndex > 0 {
		return ID{BatchID: id.BatchID, BatchIndex: id.BatchIndex - 1}, true
	}
	// Find the previous known batch strictly below id.BatchID.
	prevBatch, ok := previousBatch(batches, id.BatchID)
	if !ok {
		return ID{}, false
	}
	count, ok := batches.Count(prevBatch)
	if !ok || count == 0 {
		return ID{}, false
	}
	return ID{BatchID: prevBatch, BatchIndex: count - 1}, true
}

func previousBatch(m *BatchNumMap, batchID uint64) (uint64, bool) {
	lo, hi := 0, len(m.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if m.keys[mid] < batchID {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0, false
	}
	return m.keys[lo-1], true
}
