package session

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/hstreamdb/hstream/internal/logstore"
	"github.com/hstreamdb/hstream/internal/registry"
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

func (m *fakeMeta) List(ctx context.Context) ([]subscription.Subscription, error) { return nil, nil }

func (m *fakeMeta) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[id]
	return ok, nil
}

type fakeLogClient struct{}

func (fakeLogClient) OpenCheckpointedReader(ctx context.Context, logID string, startLSN uint64, readTimeout int) (logstore.CheckpointedReader, error) {
	return &fakeReader{}, nil
}

func (fakeLogClient) TailLSN(ctx context.Context, logID string) (uint64, error) { return 0, nil }

func (fakeLogClient) Close(logID string) {}

type fakeReader struct{}

func (*fakeReader) Read(ctx context.Context, maxRecords int) (logstore.Batch, error) {
	return logstore.Batch{}, nil
}
func (*fakeReader) SaveCheckpoint(ctx context.Context, lsn uint64) error { return nil }
func (*fakeReader) Seek(ctx context.Context, lsn uint64) error          { return nil }

func newTestSession(t *testing.T, reg *registry.Registry) *Session {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	return New(serverConn, reg, nil, zerolog.Nop())
}

func TestFirstRequestAttachesConsumerAndTransitions(t *testing.T) {
	meta := newFakeMeta()
	reg := registry.New(meta, fakeLogClient{}, subscription.DispatchConfig{}, zerolog.Nop())
	ctx := context.Background()
	sub := subscription.Subscription{ID: "s1", StreamName: "stream-1", Offset: subscription.Offset{Kind: subscription.OffsetEarliest}}
	if _, err := reg.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	s := newTestSession(t, reg)
	if err := s.handleFirstRequest(ctx, Request{SubscriptionID: "s1", ConsumerName: "c1"}); err != nil {
		t.Fatalf("handleFirstRequest: %v", err)
	}
	if s.state != stateAttached {
		t.Errorf("expected state Attached, got %v", s.state)
	}

	rt, ok := reg.Lookup("s1")
	if !ok {
		t.Fatalf("expected runtime to exist after first request")
	}
	if err := rt.AckBatch(ctx, nil); err != nil {
		t.Errorf("runtime should accept acks after attach: %v", err)
	}
}

func TestFirstRequestUnknownSubscriptionFails(t *testing.T) {
	reg := registry.New(newFakeMeta(), fakeLogClient{}, subscription.DispatchConfig{}, zerolog.Nop())
	s := newTestSession(t, reg)

	err := s.handleFirstRequest(context.Background(), Request{SubscriptionID: "missing", ConsumerName: "c1"})
	if err == nil {
		t.Fatalf("expected handleFirstRequest to fail for an unknown subscription")
	}
}

func TestCloseDetachesConsumer(t *testing.T) {
	meta := newFakeMeta()
	reg := registry.New(meta, fakeLogClient{}, subscription.DispatchConfig{}, zerolog.Nop())
	ctx := context.Background()
	sub := subscription.Subscription{ID: "s1", StreamName: "stream-1", Offset: subscription.Offset{Kind: subscription.OffsetEarliest}}
	if _, err := reg.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	s := newTestSession(t, reg)
	if err := s.handleFirstRequest(ctx, Request{SubscriptionID: "s1", ConsumerName: "c1"}); err != nil {
		t.Fatalf("handleFirstRequest: %v", err)
	}
	s.send = make(chan []byte, 1) // fresh buffer; close() closes s.done and does not touch s.send
	s.close()

	// close() must detach the consumer without deleting the runtime
	// (§4.5): the runtime is still there, a dispatch tick finds no
	// consumer attached and parks on a wait channel, and the same
	// consumer name can attach again.
	rt, ok := reg.Lookup("s1")
	if !ok {
		t.Fatalf("expected runtime to still exist after close")
	}
	if _, wait, err := rt.DispatchOnce(ctx); err != nil || wait == nil {
		t.Errorf("expected no consumer attached after close: wait=%v err=%v", wait, err)
	}
	if err := rt.AttachConsumer("c1", s); err != nil {
		t.Errorf("expected re-attach after close to succeed: %v", err)
	}
}
