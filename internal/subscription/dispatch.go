package subscription

import (
	"context"

	"github.com/hstreamdb/hstream/internal/metrics"
	"github.com/hstreamdb/hstream/internal/recordid"
)

// distribute implements the Dispatcher (§4.3): records are
// pre-partitioned into len(senders) groups by index mod M (stable
// order), then one Send is issued per (name, sender) whose partition
// is non-empty. A failing Send adds that name to the returned failed
// list; distribute never retries within a call — an unacked
// record dispatched to a sender that just failed becomes eligible for
// resend like any other unacked record.
func distribute(names []string, senders []Sender, records []DeliverRecord) (failed []string) {
	m := len(senders)
	if m == 0 || len(records) == 0 {
		return nil
	}

	partitions := make([][]DeliverRecord, m)
	for i, rec := range records {
		idx := i % m
		partitions[idx] = append(partitions[idx], rec)
	}

	for i, sender := range senders {
		part := partitions[i]
		if len(part) == 0 {
			continue
		}
		if err := sender.Send(part); err != nil {
			failed = append(failed, names[i])
			metrics.DispatchFailures.Inc()
			continue
		}
		metrics.RecordsDispatched.Add(float64(len(part)))
	}
	return failed
}

// DispatchOnce runs one iteration of the dispatch loop (§4.2):
//  1. If there are no consumers, park on a signal and return the
//     channel to wait on; the caller re-enters once woken.
//  2. Read up to r.dispatch.BatchSize records (and any gaps).
//  3. Fold gaps into the ack set as synthetic fully-acked ranges.
//  4. Assign RecordIds to data records, update batchNumMap/windowUpperBound.
//  5. Round-robin distribute across current senders; reconcile failures.
//
// It returns the ids dispatched this tick (for the caller to schedule a
// resend) and, if there is nothing to wait on, a nil wait channel.
func (r *Runtime) DispatchOnce(ctx context.Context) (dispatched []recordid.ID, wait chan struct{}, err error) {
	if !r.Valid() {
		return nil, nil, nil
	}

	names, senders, valid, waitCh := r.sendersSnapshot()
	if !valid {
		return nil, nil, nil
	}
	if waitCh != nil {
		return nil, waitCh, nil
	}

	batch, readErr := r.reader.Read(ctx, r.dispatch.BatchSize)
	if readErr != nil {
		r.MarkDeleted()
		return nil, nil, readErr
	}

	for _, gap := range batch.Gaps {
		r.insertGap(gap.Lo, gap.Hi)
		r.logger.Debug().
			Str("subscription_id", r.ID).
			Uint64("gap_lo", gap.Lo).
			Uint64("gap_hi", gap.Hi).
			Msg("recorded storage gap as fully acked")
	}

	if len(batch.Records) == 0 {
		return nil, nil, nil
	}

	deliverables := make([]DeliverRecord, 0, len(batch.Records))
	ids := make([]recordid.ID, 0, len(batch.Records))

	i := 0
	for i < len(batch.Records) {
		lsn := batch.Records[i].LSN
		j := i
		var maxIdx uint32
		for j < len(batch.Records) && batch.Records[j].LSN == lsn {
			if batch.Records[j].Index > maxIdx {
				maxIdx = batch.Records[j].Index
			}
			j++
		}
		count := maxIdx + 1
		var maxID recordid.ID
		for k := i; k < j; k++ {
			id := recordid.ID{BatchID: lsn, BatchIndex: batch.Records[k].Index}
			ids = append(ids, id)
			deliverables = append(deliverables, DeliverRecord{ID: id, Payload: batch.Records[k].Payload})
			if maxID.Less(id) {
				maxID = id
			}
		}
		r.recordBatch(lsn, count, maxID)
		i = j
	}

	failed := distribute(names, senders, deliverables)
	r.reconcileFailedSenders(failed)

	return ids, nil, nil
}
