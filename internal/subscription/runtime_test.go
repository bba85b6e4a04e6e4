package subscription

import (
	"context"
	"sync"
	"testing"

	"github.com/hstreamdb/hstream/internal/logstore"
	"github.com/hstreamdb/hstream/internal/recordid"
	"github.com/rs/zerolog"
)

// fakeReader serves pre-loaded batches, one per Read call, and records
// every checkpoint/seek it sees.
type fakeReader struct {
	mu          sync.Mutex
	batches     []logstore.Batch
	checkpoints []uint64
	seeks       []uint64
}

func (f *fakeReader) Read(ctx context.Context, maxRecords int) (logstore.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return logstore.Batch{}, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeReader) SaveCheckpoint(ctx context.Context, lsn uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, lsn)
	return nil
}

func (f *fakeReader) Seek(ctx context.Context, lsn uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks = append(f.seeks, lsn)
	return nil
}

// fakeSender records every delivery and can be told to fail.
type fakeSender struct {
	mu       sync.Mutex
	fail     bool
	received []DeliverRecord
}

func (f *fakeSender) Send(records []DeliverRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errSendFailed
	}
	f.received = append(f.received, records...)
	return nil
}

func (f *fakeSender) ids() []recordid.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordid.ID, len(f.received))
	for i, r := range f.received {
		out[i] = r.ID
	}
	return out
}

type sendFailedErr struct{}

func (sendFailedErr) Error() string { return "send failed" }

var errSendFailed = sendFailedErr{}

func newTestRuntime(reader logstore.CheckpointedReader) *Runtime {
	sub := Subscription{ID: "sub-1", StreamName: "stream-1", AckTimeoutSeconds: 30}
	start := recordid.ID{BatchID: 10, BatchIndex: 0}
	return NewRuntime(sub, "stream-1", reader, reader, start, DispatchConfig{}, zerolog.Nop())
}

func TestAttachDetachConsumer(t *testing.T) {
	r := newTestRuntime(&fakeReader{})
	s := &fakeSender{}

	if err := r.AttachConsumer("c1", s); err != nil {
		t.Fatalf("AttachConsumer: %v", err)
	}
	names, senders, valid, wait := r.sendersSnapshot()
	if !valid || wait != nil || len(names) != 1 || senders[0] != s {
		t.Fatalf("unexpected snapshot after attach: names=%v valid=%v wait=%v", names, valid, wait)
	}

	r.DetachConsumer("c1")
	_, _, _, wait = r.sendersSnapshot()
	if wait == nil {
		t.Fatalf("expected a wait channel once all consumers detach")
	}

	// Detaching again is a no-op, not an error.
	r.DetachConsumer("c1")
}

func TestAttachConsumerAfterDeleteFails(t *testing.T) {
	r := newTestRuntime(&fakeReader{})
	r.MarkDeleted()

	if err := r.AttachConsumer("c1", &fakeSender{}); err == nil {
		t.Fatalf("expected AttachConsumer to fail on a deleted runtime")
	}
}

// Scenario 1 (spec §8): in-order acks advance the window and write a
// checkpoint per advancement.
func TestAckBatchAdvancesWindowAndCheckpoints(t *testing.T) {
	reader := &fakeReader{}
	r := newTestRuntime(reader)
	r.batchNumMap.Set(10, 2)
	r.batchNumMap.Set(11, 1)

	ctx := context.Background()
	if err := r.AckBatch(ctx, []recordid.ID{{BatchID: 10, BatchIndex: 0}}); err != nil {
		t.Fatalf("AckBatch: %v", err)
	}
	if err := r.AckBatch(ctx, []recordid.ID{{BatchID: 10, BatchIndex: 1}}); err != nil {
		t.Fatalf("AckBatch: %v", err)
	}
	if err := r.AckBatch(ctx, []recordid.ID{{BatchID: 11, BatchIndex: 0}}); err != nil {
		t.Fatalf("AckBatch: %v", err)
	}

	want := []uint64{10, 10, 11}
	if len(reader.checkpoints) != len(want) {
		t.Fatalf("checkpoints = %v, want one write per advancement %v", reader.checkpoints, want)
	}
	for i, c := range want {
		if reader.checkpoints[i] != c {
			t.Errorf("checkpoint[%d] = %d, want %d", i, reader.checkpoints[i], c)
		}
	}
}

func TestAckBatchOnDeletedRuntimeFails(t *testing.T) {
	r := newTestRuntime(&fakeReader{})
	r.MarkDeleted()
	if err := r.AckBatch(context.Background(), []recordid.ID{{BatchID: 10, BatchIndex: 0}}); err == nil {
		t.Fatalf("expected AckBatch to fail on a deleted runtime")
	}
}

// Scenario 3 (spec §8): two consumers attached before dispatch; reads
// yield r0..r3; A must get {r0,r2}, B must get {r1,r3}.
func TestDispatchRoundRobinFairness(t *testing.T) {
	reader := &fakeReader{batches: []logstore.Batch{{
		Records: []logstore.LogRecord{
			{LSN: 20, Index: 0, Payload: []byte("r0")},
			{LSN: 20, Index: 1, Payload: []byte("r1")},
			{LSN: 21, Index: 0, Payload: []byte("r2")},
			{LSN: 22, Index: 0, Payload: []byte("r3")},
		},
	}}}
	r := newTestRuntime(reader)
	r.windowLowerBound = recordid.ID{BatchID: 20, BatchIndex: 0}

	a, b := &fakeSender{}, &fakeSender{}
	mustAttach(t, r, "A", a)
	mustAttach(t, r, "B", b)

	if _, _, err := r.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}

	wantA := []recordid.ID{{BatchID: 20, BatchIndex: 0}, {BatchID: 21, BatchIndex: 0}}
	wantB := []recordid.ID{{BatchID: 20, BatchIndex: 1}, {BatchID: 22, BatchIndex: 0}}
	assertIDs(t, "A", a.ids(), wantA)
	assertIDs(t, "B", b.ids(), wantB)
}

// Scenario 5 (spec §8): B's send fails, B is removed from the live
// sender map; a subsequent dispatch only reaches A.
func TestDispatchRemovesFailedSender(t *testing.T) {
	reader := &fakeReader{batches: []logstore.Batch{
		{Records: []logstore.LogRecord{
			{LSN: 20, Index: 0, Payload: []byte("r0")},
			{LSN: 21, Index: 0, Payload: []byte("r1")},
		}},
		{Records: []logstore.LogRecord{
			{LSN: 22, Index: 0, Payload: []byte("r2")},
		}},
	}}
	r := newTestRuntime(reader)
	r.windowLowerBound = recordid.ID{BatchID: 20, BatchIndex: 0}

	a := &fakeSender{}
	b := &fakeSender{fail: true}
	mustAttach(t, r, "A", a)
	mustAttach(t, r, "B", b)

	if _, _, err := r.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}

	names, _, _, _ := r.sendersSnapshot()
	if len(names) != 1 || names[0] != "A" {
		t.Fatalf("expected only A to remain after B's send failed, got %v", names)
	}

	if _, _, err := r.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("second DispatchOnce: %v", err)
	}
	if len(a.ids()) != 2 {
		t.Errorf("expected A to receive both the surviving record and the new one, got %v", a.ids())
	}
}

func TestDispatchOnceWaitsWithNoConsumers(t *testing.T) {
	reader := &fakeReader{batches: []logstore.Batch{{
		Records: []logstore.LogRecord{{LSN: 20, Index: 0, Payload: []byte("r0")}},
	}}}
	r := newTestRuntime(reader)

	ids, wait, err := r.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	if ids != nil || wait == nil {
		t.Fatalf("expected a wait channel and no dispatched ids with no consumers attached")
	}
}

func mustAttach(t *testing.T, r *Runtime, name string, s Sender) {
	t.Helper()
	if err := r.AttachConsumer(name, s); err != nil {
		t.Fatalf("AttachConsumer(%s): %v", name, err)
	}
}

func assertIDs(t *testing.T, who string, got, want []recordid.ID) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s received %v, want %v", who, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("%s received %v, want %v", who, got, want)
		}
	}
}
