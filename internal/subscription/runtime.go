package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hstreamdb/hstream/internal/ackset"
	"github.com/hstreamdb/hstream/internal/logstore"
	"github.com/hstreamdb/hstream/internal/metrics"
	"github.com/hstreamdb/hstream/internal/recordid"
	"github.com/hstreamdb/hstream/internal/subserr"
	"github.com/rs/zerolog"
)

// Runtime is the in-memory state of one active subscription (§3's
// SubscriptionRuntime). The registry owns it; sessions and the resend
// timer hold it by subscription id and re-resolve through a Resolver
// on every mutation to survive deletion races — see Resolver below.
type Runtime struct {
	ID                string
	StreamName        string
	LogID             string
	AckTimeoutSeconds uint32

	reader   logstore.CheckpointedReader
	rereader logstore.CheckpointedReader
	dispatch DispatchConfig

	mu               sync.Mutex
	windowLowerBound recordid.ID
	windowUpperBound recordid.ID
	ackedRanges      *ackset.Set
	batchNumMap      *recordid.BatchNumMap
	streamSends      map[string]Sender
	signals          []chan struct{}
	valid            bool

	logger zerolog.Logger
}

// DispatchConfig carries the operator-tunable knobs of the dispatch
// loop (§4.2) through from config.Config so they are not baked in as
// constants. Zero values fall back to the teacher-derived defaults.
type DispatchConfig struct {
	BatchSize int
	Tick      time.Duration
}

const (
	defaultDispatchBatchSize = 1000
	defaultDispatchTick      = time.Second
)

func (c DispatchConfig) withDefaults() DispatchConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultDispatchBatchSize
	}
	if c.Tick <= 0 {
		c.Tick = defaultDispatchTick
	}
	return c
}

// Resolver re-resolves a subscription id to its live Runtime, used by
// the resend timer to survive the runtime being deleted between the
// time a timer is scheduled and the time it fires (§9: timers "carry
// only (runtimeId, ids) and re-resolve the runtime through the
// registry on fire").
type Resolver func(id string) (*Runtime, bool)

// NewRuntime constructs a runtime at the given starting position. The
// caller (the registry, via start-offset resolution §4.7) is
// responsible for seeking reader/rereader to the right LSN before
// handing them in.
func NewRuntime(sub Subscription, logID string, reader, rereader logstore.CheckpointedReader, start recordid.ID, dispatch DispatchConfig, logger zerolog.Logger) *Runtime {
	return &Runtime{
		ID:                sub.ID,
		StreamName:        sub.StreamName,
		LogID:             logID,
		AckTimeoutSeconds: sub.AckTimeoutSeconds,
		reader:            reader,
		rereader:          rereader,
		dispatch:          dispatch.withDefaults(),
		windowLowerBound:  start,
		windowUpperBound:  start,
		ackedRanges:       ackset.New(),
		batchNumMap:       recordid.NewBatchNumMap(),
		streamSends:       make(map[string]Sender),
		valid:             true,
		logger:            logger,
	}
}

// AttachConsumer registers name's sender. If any dispatch/resend loop
// is parked waiting for "a consumer exists again", all are woken.
func (r *Runtime) AttachConsumer(name string, sender Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.valid {
		return subserr.SubscriptionRemoved("subscription has been removed")
	}
	r.streamSends[name] = sender
	r.wakeSignalsLocked()
	return nil
}

// DetachConsumer removes name's sender if present. Idempotent: the
// Stream Session Handler's Closed state always calls this regardless
// of whether attach ever succeeded.
func (r *Runtime) DetachConsumer(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streamSends, name)
}

// AckBatch folds every id through insertAck, then repeatedly advances
// the window, writing a checkpoint for each advancement (§4.2).
func (r *Runtime) AckBatch(ctx context.Context, ids []recordid.ID) error {
	r.mu.Lock()
	if !r.valid {
		r.mu.Unlock()
		return subserr.SubscriptionRemoved("subscription has been removed")
	}

	for _, id := range ids {
		r.ackedRanges.InsertAck(id, r.windowLowerBound, r.batchNumMap)
	}
	metrics.AcksReceived.Add(float64(len(ids)))

	var checkpoints []recordid.ID
	for {
		res, ok := r.ackedRanges.AdvanceWindow(r.windowLowerBound, r.batchNumMap)
		if !ok {
			break
		}
		r.windowLowerBound = res.NewLowerBound
		checkpoints = append(checkpoints, res.CheckpointID)
	}
	if len(checkpoints) > 0 {
		metrics.WindowAdvanceLag.WithLabelValues(r.ID).Observe(float64(len(checkpoints)))
	}
	reader := r.reader
	r.mu.Unlock()

	// Checkpoint writes are I/O and must not happen under the runtime
	// lock (§5); only the last one matters since checkpoints are
	// monotonically non-decreasing, but writing each keeps durability
	// in step with window advancement even if a later write fails.
	for _, cp := range checkpoints {
		if err := reader.SaveCheckpoint(ctx, cp.BatchID); err != nil {
			return subserr.Wrap(subserr.CodeInternal, "failed to save checkpoint", err)
		}
	}
	return nil
}

// MarkDeleted sets valid=false and clears every sender; any send
// already in flight for this runtime will simply not be followed by
// another (§8: Deletion finality — no further dispatch sends occur).
// All parked dispatch/resend loops are woken so they observe !valid
// and self-abort.
func (r *Runtime) MarkDeleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.valid = false
	r.streamSends = make(map[string]Sender)
	r.wakeSignalsLocked()
}

// Valid reports whether the runtime is still live.
func (r *Runtime) Valid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.valid
}

// sendersSnapshot returns the current senders ordered canonically by
// name, plus a channel to wait on if there are none. Called at the top
// of a dispatch/resend tick; the lock is released before any I/O.
func (r *Runtime) sendersSnapshot() (names []string, senders []Sender, valid bool, wait chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.valid {
		return nil, nil, false, nil
	}
	if len(r.streamSends) == 0 {
		ch := make(chan struct{})
		r.signals = append(r.signals, ch)
		return nil, nil, true, ch
	}

	names = make([]string, 0, len(r.streamSends))
	for name := range r.streamSends {
		names = append(names, name)
	}
	sort.Strings(names)
	senders = make([]Sender, len(names))
	for i, name := range names {
		senders[i] = r.streamSends[name]
	}
	return names, senders, true, nil
}

// reconcileFailedSenders removes the named senders from the live map —
// the short critical section after I/O that folds in a dispatch or
// resend call's failures (§5).
func (r *Runtime) reconcileFailedSenders(failed []string) {
	if len(failed) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range failed {
		delete(r.streamSends, name)
	}
}

func (r *Runtime) wakeSignalsLocked() {
	for _, ch := range r.signals {
		close(ch)
	}
	r.signals = nil
}

// unackedAbove filters ids down to those at or above the window lower
// bound and not already covered by the ack range set — the resend
// timer's candidate filter (§4.4 step 2).
func (r *Runtime) unackedAbove(ids []recordid.ID) []recordid.ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := ids[:0:0]
	for _, id := range ids {
		if id.Less(r.windowLowerBound) {
			continue
		}
		if r.ackedRanges.Covers(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// insertGap folds a storage-layer gap into the ack range set without
// advancing the window (§4.2 gap handling).
func (r *Runtime) insertGap(lo, hi uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ackedRanges.InsertGap(lo, hi, r.windowLowerBound, r.batchNumMap)
}

// recordBatch registers (lsn -> count) in the batchNumMap and advances
// windowUpperBound if id is the new maximum dispatched id.
func (r *Runtime) recordBatch(lsn uint64, count uint32, maxID recordid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batchNumMap.Set(lsn, count)
	if r.windowUpperBound.Less(maxID) {
		r.windowUpperBound = maxID
	}
}

func (r *Runtime) lowerBoundAndBatches() (recordid.ID, *recordid.BatchNumMap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.windowLowerBound, r.batchNumMap
}
