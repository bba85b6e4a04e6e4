// Package ackset implements the sparse ack range set: a canonical,
// disjoint, non-adjacent union of acked RecordId ranges, plus the
// window-advance operation that turns a filled prefix into a
// checkpoint.
//
// There is no third-party ordered-map/interval-tree dependency in the
// teacher repo or the rest of the retrieved pack for this kind of
// structure, and ack ranges per subscription are small in practice
// (bounded by in-flight records between acks, not by log size), so a
// sorted slice with binary search is the idiomatic choice here rather
// than reaching for an unrelated library's internal data structure.
package ackset

import (
	"sort"

	"github.com/hstreamdb/hstream/internal/recordid"
)

// Set holds the canonical ranges, sorted by Start ascending.
type Set struct {
	ranges []recordid.Range
}

// New returns an empty ack range set.
func New() *Set {
	return &Set{}
}

// Ranges returns the canonical ranges in ascending order. The returned
// slice is owned by the caller and safe to read; Set never mutates a
// slice it has handed out.
func (s *Set) Ranges() []recordid.Range {
	out := make([]recordid.Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

func (s *Set) searchFloor(id recordid.ID) int {
	// Greatest index i such that ranges[i].Start <= id, or -1.
	i := sort.Search(len(s.ranges), func(i int) bool {
		return id.Less(s.ranges[i].Start)
	})
	return i - 1
}

// InsertAck folds id into the set. Acks below lowerBound or that
// duplicate an already-covered id are no-ops (AckBelowWindow /
// DuplicateAck — silently idempotent per spec). batches resolves
// predecessor/successor across batch boundaries; a batch missing from
// it for an id that has genuinely been dispatched is a programmer
// error upstream (the record was never read), not something this
// function guards against.
func (s *Set) InsertAck(id recordid.ID, lowerBound recordid.ID, batches *recordid.BatchNumMap) {
	if id.Less(lowerBound) {
		return
	}

	floor := s.searchFloor(id)
	if floor >= 0 && s.ranges[floor].Contains(id) {
		return
	}

	// floor and floor+1 are two distinct, adjacent candidate ranges:
	// floor is the greatest range starting at or before id (already
	// known not to contain id), floor+1 is the next range after it.
	newRange := recordid.Range{Start: id, End: id}

	// Checked forward from the earlier range's End rather than backward
	// via Predecessor(id): a synthetic gap range's End is not itself a
	// registered batch, so a backward lookup from id can fail to find a
	// "previous batch" even when the two ranges are in fact adjacent.
	// Successor(floor.End) only ever needs a forward batchNumMap lookup,
	// which dispatch keeps populated for ids that have actually been
	// read (InsertGap itself adds no batchNumMap entries).
	mergePred := false
	if floor >= 0 && recordid.Successor(s.ranges[floor].End, batches).Equal(id) {
		mergePred = true
		newRange.Start = s.ranges[floor].Start
	}

	succIdx := floor + 1
	mergeSucc := false
	if succIdx < len(s.ranges) {
		succ := recordid.Successor(id, batches)
		if s.ranges[succIdx].Start.Equal(succ) {
			mergeSucc = true
			newRange.End = s.ranges[succIdx].End
		}
	}

	switch {
	case mergePred && mergeSucc:
		// Predecessor slot absorbs both id and the successor range;
		// the successor slot is dropped.
		s.ranges[floor] = newRange
		s.ranges = append(s.ranges[:floor+1], s.ranges[floor+2:]...)
	case mergePred:
		s.ranges[floor] = newRange
	case mergeSucc:
		s.ranges[succIdx] = newRange
	default:
		s.ranges = append(s.ranges, recordid.Range{})
		copy(s.ranges[succIdx+1:], s.ranges[succIdx:])
		s.ranges[succIdx] = newRange
	}
}

// AdvanceResult carries the outcome of one AdvanceWindow step.
type AdvanceResult struct {
	NewLowerBound recordid.ID
	CheckpointID  recordid.ID
}

// AdvanceWindow removes the minimum range if its Start equals
// lowerBound, returning the new lower bound (successor of the removed
// range's End) and the id to checkpoint (the removed range's End).
// ok is false if the minimum range's start is not lowerBound (nothing
// to advance yet) or the set is empty.
//
// Callers repeatedly call AdvanceWindow after every ack fold until ok
// is false, draining any run of contiguous acked ranges in one ack
// round; each range is removed exactly once so the amortized cost
// across a runtime's life is O(1) per range.
func (s *Set) AdvanceWindow(lowerBound recordid.ID, batches *recordid.BatchNumMap) (AdvanceResult, bool) {
	if len(s.ranges) == 0 {
		return AdvanceResult{}, false
	}
	min := s.ranges[0]
	if !min.Start.Equal(lowerBound) {
		return AdvanceResult{}, false
	}
	s.ranges = s.ranges[1:]
	return AdvanceResult{
		NewLowerBound: recordid.Successor(min.End, batches),
		CheckpointID:  min.End,
	}, true
}

// Covers reports whether id is contained by some range in the set,
// used by the resend timer to filter out ids that are already acked.
func (s *Set) Covers(id recordid.ID) bool {
	floor := s.searchFloor(id)
	return floor >= 0 && s.ranges[floor].Contains(id)
}

// InsertGap records a storage-layer gap [lo, hi] as a synthetic fully
// acked range so that window advancement can pass through it without
// any individual record in the gap having been acked. Per §4.2 this
// does not itself trigger AdvanceWindow; the next normal ack fold
// does.
func (s *Set) InsertGap(lo, hi uint64, lowerBound recordid.ID, batches *recordid.BatchNumMap) {
	start := recordid.ID{BatchID: lo, BatchIndex: 0}
	end := recordid.ID{BatchID: hi, BatchIndex: ^uint32(0)}
	s.insertGapRange(recordid.Range{Start: start, End: end}, lowerBound, batches)
}

// insertGapRange merges a synthetic range directly (it may span many
// unknown batches at once, unlike a single-id ack) using the same
// merge rule as InsertAck but comparing ranges instead of points.
func (s *Set) insertGapRange(r recordid.Range, lowerBound recordid.ID, batches *recordid.BatchNumMap) {
	if r.End.Less(lowerBound) {
		return
	}
	if r.Start.Less(lowerBound) {
		r.Start = lowerBound
	}

	// Remove/merge every existing range that overlaps or touches r.
	merged := r
	out := s.ranges[:0:0]
	inserted := false
	for _, existing := range s.ranges {
		if touches(merged, existing, batches) {
			if existing.Start.Less(merged.Start) {
				merged.Start = existing.Start
			}
			if merged.End.Less(existing.End) {
				merged.End = existing.End
			}
			continue
		}
		if !inserted && merged.Start.Less(existing.Start) {
			out = append(out, merged)
			inserted = true
		}
		out = append(out, existing)
	}
	if !inserted {
		out = append(out, merged)
	}
	s.ranges = out
}

func touches(a, b recordid.Range, batches *recordid.BatchNumMap) bool {
	if b.End.Less(a.Start) {
		return !recordid.Successor(b.End, batches).Less(a.Start)
	}
	if a.End.Less(b.Start) {
		return !recordid.Successor(a.End, batches).Less(b.Start)
	}
	return true
}
