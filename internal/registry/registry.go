// Package registry implements the Subscription Registry (§4.6): the
// process-wide map of subscription id to its live Runtime, with
// creation/lookup/deletion serialized under a lock distinct from any
// individual runtime's own mutex.
package registry

import (
	"context"
	"sync"

	"github.com/hstreamdb/hstream/internal/logstore"
	"github.com/hstreamdb/hstream/internal/metastore"
	"github.com/hstreamdb/hstream/internal/metrics"
	"github.com/hstreamdb/hstream/internal/recordid"
	"github.com/hstreamdb/hstream/internal/subscription"
	"github.com/hstreamdb/hstream/internal/subserr"
	"github.com/rs/zerolog"
)

// Registry owns every subscription runtime in this process.
type Registry struct {
	meta     metastore.MetadataStore
	logs     logstore.LogClient
	dispatch subscription.DispatchConfig
	logger   zerolog.Logger

	mu       sync.Mutex
	runtimes map[string]*subscription.Runtime
}

// New constructs an empty registry backed by meta and logs. dispatch
// carries the operator-tunable dispatch loop knobs (batch size, tick
// interval) into every runtime this registry materializes; its zero
// value falls back to the teacher-derived defaults.
func New(meta metastore.MetadataStore, logs logstore.LogClient, dispatch subscription.DispatchConfig, logger zerolog.Logger) *Registry {
	return &Registry{
		meta:     meta,
		logs:     logs,
		dispatch: dispatch,
		logger:   logger,
		runtimes: make(map[string]*subscription.Runtime),
	}
}

// Create persists sub's metadata without materializing a runtime.
// Fails AlreadyExists if a subscription with this id is already
// persisted.
func (reg *Registry) Create(ctx context.Context, sub subscription.Subscription) (subscription.Subscription, error) {
	if err := reg.meta.Put(ctx, sub.ID, sub); err != nil {
		return subscription.Subscription{}, err
	}
	metrics.SubscriptionsTotal.Inc()
	return sub, nil
}

// Delete removes any live runtime from the in-memory map, marks it
// deleted (which also clears its senders), closes the stream's log
// readers and removes the persisted metadata. The runtime is removed
// immediately whether or not consumers are still attached; no later
// DetachConsumer call is involved in reaping it.
func (reg *Registry) Delete(ctx context.Context, id string) error {
	reg.mu.Lock()
	rt, ok := reg.runtimes[id]
	if ok {
		delete(reg.runtimes, id)
	}
	reg.mu.Unlock()

	if ok {
		rt.MarkDeleted()
		reg.logs.Close(rt.StreamName)
		metrics.RuntimesActive.Dec()
	}
	metrics.SubscriptionsTotal.Dec()
	return reg.meta.Delete(ctx, id)
}

// Exists reports whether id has persisted metadata.
func (reg *Registry) Exists(ctx context.Context, id string) (bool, error) {
	return reg.meta.Exists(ctx, id)
}

// List returns every persisted subscription.
func (reg *Registry) List(ctx context.Context) ([]subscription.Subscription, error) {
	return reg.meta.List(ctx)
}

// Lookup returns the live runtime for id without creating one. Used by
// the resend timer's Resolver and by sessions re-resolving a weak
// reference on every mutation.
func (reg *Registry) Lookup(id string) (*subscription.Runtime, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rt, ok := reg.runtimes[id]
	return rt, ok
}

// GetOrCreateRuntime returns the live runtime for id, instantiating one
// from persisted metadata (at its configured starting offset, §4.7) if
// none exists yet. Fails NotFound if the subscription is not persisted.
func (reg *Registry) GetOrCreateRuntime(ctx context.Context, id string) (*subscription.Runtime, error) {
	reg.mu.Lock()
	if rt, ok := reg.runtimes[id]; ok {
		reg.mu.Unlock()
		return rt, nil
	}
	reg.mu.Unlock()

	sub, err := reg.meta.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	start, err := reg.resolveStartOffset(ctx, sub)
	if err != nil {
		return nil, subserr.Wrap(subserr.CodeInternal, "failed to resolve start offset", err)
	}

	reader, err := reg.logs.OpenCheckpointedReader(ctx, sub.StreamName, start.BatchID, 0)
	if err != nil {
		return nil, subserr.StreamNotFound(sub.StreamName)
	}
	rereader, err := reg.logs.OpenCheckpointedReader(ctx, sub.StreamName, start.BatchID, 0)
	if err != nil {
		return nil, subserr.StreamNotFound(sub.StreamName)
	}

	rt := subscription.NewRuntime(sub, sub.StreamName, reader, rereader, start, reg.dispatch, reg.logger)

	reg.mu.Lock()
	// Another goroutine may have won the race to create this runtime
	// while reg.mu was released for the metadata/reader I/O above.
	if existing, ok := reg.runtimes[id]; ok {
		reg.mu.Unlock()
		return existing, nil
	}
	reg.runtimes[id] = rt
	reg.mu.Unlock()
	metrics.RuntimesActive.Inc()

	go subscription.Run(context.Background(), rt, reg.Lookup)
	return rt, nil
}

// resolveStartOffset implements §4.7: EARLIEST maps to (LSN_MIN, 0),
// LATEST maps to (tailLSN+1, 0), and an explicit RecordId is used as
// given.
func (reg *Registry) resolveStartOffset(ctx context.Context, sub subscription.Subscription) (recordid.ID, error) {
	switch sub.Offset.Kind {
	case subscription.OffsetEarliest:
		return recordid.ID{BatchID: 0, BatchIndex: 0}, nil
	case subscription.OffsetLatest:
		tail, err := reg.logs.TailLSN(ctx, sub.StreamName)
		if err != nil {
			return recordid.ID{}, err
		}
		return recordid.ID{BatchID: tail + 1, BatchIndex: 0}, nil
	default:
		return sub.Offset.Explicit, nil
	}
}
