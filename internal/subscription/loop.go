package subscription

import (
	"context"
	"time"
)

// Run drives the dispatch loop for one runtime until ctx is canceled
// or the runtime is marked deleted. resolve lets the resend timers this
// loop schedules outlive any single tick and survive deletion races.
// After every iteration that did not park on a wait channel, the loop
// waits for the next r.dispatch.Tick (§4.2 step 2: "schedule the next
// iteration with a 1-second timer" by default), even when the read
// returned a full batch.
func Run(ctx context.Context, r *Runtime, resolve Resolver) {
	ackTimeout := time.Duration(r.AckTimeoutSeconds) * time.Second
	if ackTimeout <= 0 {
		ackTimeout = 30 * time.Second
	}

	ticker := time.NewTicker(r.dispatch.Tick)
	defer ticker.Stop()

	for {
		if !r.Valid() {
			return
		}

		ids, wait, err := r.DispatchOnce(ctx)
		if err != nil {
			r.logger.Error().Err(err).Str("subscription_id", r.ID).Msg("reader failed, runtime marked deleted")
			return
		}
		if len(ids) > 0 {
			ScheduleResend(resolve, r.ID, ids, ackTimeout, r.logger)
		}

		if wait != nil {
			select {
			case <-ctx.Done():
				return
			case <-wait:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
