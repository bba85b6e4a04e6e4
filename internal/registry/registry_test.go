package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/hstreamdb/hstream/internal/logstore"
	"github.com/hstreamdb/hstream/internal/subscription"
	"github.com/hstreamdb/hstream/internal/subserr"
	"github.com/rs/zerolog"
)

type fakeMeta struct {
	mu   sync.Mutex
	subs map[string]subscription.Subscription
}

func newFakeMeta() *fakeMeta { return &fakeMeta{subs: make(map[string]subscription.Subscription)} }

func (m *fakeMeta) Put(ctx context.Context, id string, sub subscription.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; ok {
		return subserr.AlreadyExists(id)
	}
	m.subs[id] = sub
	return nil
}

func (m *fakeMeta) Get(ctx context.Context, id string) (subscription.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return subscription.Subscription{}, subserr.NotFound(id)
	}
	return sub, nil
}

func (m *fakeMeta) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

func (m *fakeMeta) List(ctx context.Context) ([]subscription.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]subscription.Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub)
	}
	return out, nil
}

func (m *fakeMeta) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[id]
	return ok, nil
}

type fakeLogClient struct{}

func (fakeLogClient) OpenCheckpointedReader(ctx context.Context, logID string, startLSN uint64, readTimeout int) (logstore.CheckpointedReader, error) {
	return &fakeEmptyReader{}, nil
}

func (fakeLogClient) TailLSN(ctx context.Context, logID string) (uint64, error) { return 99, nil }

func (fakeLogClient) Close(logID string) {}

type fakeEmptyReader struct{}

func (*fakeEmptyReader) Read(ctx context.Context, maxRecords int) (logstore.Batch, error) {
	return logstore.Batch{}, nil
}
func (*fakeEmptyReader) SaveCheckpoint(ctx context.Context, lsn uint64) error { return nil }
func (*fakeEmptyReader) Seek(ctx context.Context, lsn uint64) error          { return nil }

func newTestRegistry() (*Registry, *fakeMeta) {
	meta := newFakeMeta()
	return New(meta, fakeLogClient{}, subscription.DispatchConfig{}, zerolog.Nop()), meta
}

func TestCreateThenAlreadyExists(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	sub := subscription.Subscription{ID: "s1", StreamName: "stream-1"}

	if _, err := reg.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := reg.Create(ctx, sub); err == nil {
		t.Fatalf("expected second Create to fail AlreadyExists")
	}
}

func TestGetOrCreateRuntimeNotFound(t *testing.T) {
	reg, _ := newTestRegistry()
	if _, err := reg.GetOrCreateRuntime(context.Background(), "missing"); err == nil {
		t.Fatalf("expected NotFound for unpersisted subscription")
	}
}

func TestGetOrCreateRuntimeIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	sub := subscription.Subscription{ID: "s1", StreamName: "stream-1", Offset: subscription.Offset{Kind: subscription.OffsetEarliest}}
	if _, err := reg.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rt1, err := reg.GetOrCreateRuntime(ctx, "s1")
	if err != nil {
		t.Fatalf("GetOrCreateRuntime: %v", err)
	}
	rt2, err := reg.GetOrCreateRuntime(ctx, "s1")
	if err != nil {
		t.Fatalf("GetOrCreateRuntime: %v", err)
	}
	if rt1 != rt2 {
		t.Fatalf("expected the same runtime instance on repeated calls")
	}
}

func TestDeleteMarksRuntimeAndRemovesMetadata(t *testing.T) {
	reg, meta := newTestRegistry()
	ctx := context.Background()
	sub := subscription.Subscription{ID: "s1", StreamName: "stream-1", Offset: subscription.Offset{Kind: subscription.OffsetEarliest}}
	if _, err := reg.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}
	rt, err := reg.GetOrCreateRuntime(ctx, "s1")
	if err != nil {
		t.Fatalf("GetOrCreateRuntime: %v", err)
	}

	if err := reg.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if rt.Valid() {
		t.Errorf("expected runtime to be marked invalid after Delete")
	}
	if _, ok := meta.subs["s1"]; ok {
		t.Errorf("expected metadata to be removed after Delete")
	}
	if _, ok := reg.Lookup("s1"); ok {
		t.Errorf("expected runtime to be reaped from the registry map after Delete")
	}
}
