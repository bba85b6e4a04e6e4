package subscription

import (
	"context"
	"time"

	"github.com/hstreamdb/hstream/internal/metrics"
	"github.com/hstreamdb/hstream/internal/recordid"
	"github.com/rs/zerolog"
)

// ScheduleResend arranges for ids to be rechecked after d and any still
// unacked among them to be rereed and redelivered (§4.4). It carries
// only (subscriptionID, ids) and re-resolves the runtime through
// resolve on fire rather than closing over *Runtime directly, so a
// runtime deleted between scheduling and firing is simply not found
// and the timer self-aborts (§9's replacement for the source's
// thread-per-task timer).
func ScheduleResend(resolve Resolver, subscriptionID string, ids []recordid.ID, d time.Duration, logger zerolog.Logger) {
	time.AfterFunc(d, func() {
		runResend(resolve, subscriptionID, ids, d, logger)
	})
}

func runResend(resolve Resolver, subscriptionID string, ids []recordid.ID, d time.Duration, logger zerolog.Logger) {
	runtime, ok := resolve(subscriptionID)
	if !ok || !runtime.Valid() {
		return
	}

	unacked := runtime.unackedAbove(ids)
	if len(unacked) == 0 {
		return
	}

	names, senders, valid, waitCh := runtime.sendersSnapshot()
	if !valid {
		return
	}
	if waitCh != nil {
		// No consumers right now; park until one attaches, then retry
		// the same unacked set rather than dropping it.
		go func() {
			<-waitCh
			runResend(resolve, subscriptionID, ids, d, logger)
		}()
		return
	}

	records, err := reread(context.Background(), runtime, unacked)
	if err != nil {
		logger.Error().Err(err).Str("subscription_id", subscriptionID).Msg("resend reread failed")
	} else if len(records) > 0 {
		metrics.RecordsResent.Add(float64(len(records)))
		failed := distribute(names, senders, records)
		runtime.reconcileFailedSenders(failed)
	}

	ScheduleResend(resolve, subscriptionID, ids, d, logger)
}

// reread seeks the rereader to each unacked id's batch and re-extracts
// the single record at that id's index, per §4.4 step 5.
func reread(ctx context.Context, r *Runtime, ids []recordid.ID) ([]DeliverRecord, error) {
	out := make([]DeliverRecord, 0, len(ids))
	for _, id := range ids {
		if err := r.rereader.Seek(ctx, id.BatchID); err != nil {
			return out, err
		}
		batch, err := r.rereader.Read(ctx, int(id.BatchIndex)+1)
		if err != nil {
			return out, err
		}
		for _, rec := range batch.Records {
			if rec.LSN == id.BatchID && rec.Index == id.BatchIndex {
				out = append(out, DeliverRecord{ID: id, Payload: rec.Payload})
				break
			}
		}
	}
	return out, nil
}
