package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/hstreamdb/hstream/internal/logstore"
	"github.com/hstreamdb/hstream/internal/recordid"
	"github.com/rs/zerolog"
)

// fakeRereader answers Seek+Read with whatever batch was registered for
// the sought LSN, modeling the rereader's "seek to [batchId,batchId],
// read count records" contract from §4.4 step 5.
type fakeRereader struct {
	byLSN  map[uint64][]logstore.LogRecord
	sought uint64
}

func (f *fakeRereader) Seek(ctx context.Context, lsn uint64) error {
	f.sought = lsn
	return nil
}

func (f *fakeRereader) Read(ctx context.Context, maxRecords int) (logstore.Batch, error) {
	return logstore.Batch{Records: f.byLSN[f.sought]}, nil
}

func (f *fakeRereader) SaveCheckpoint(ctx context.Context, lsn uint64) error { return nil }

// Scenario 4 (spec §8): C1 receives r0,r1 and acks only r0; the resend
// timer rereads r1 and redelivers it; acking r1 leaves nothing unacked.
func TestResendRedeliversUnackedRecord(t *testing.T) {
	reader := &fakeReader{}
	r := newTestRuntime(reader)
	r.windowLowerBound = recordid.ID{BatchID: 20, BatchIndex: 0}
	r.batchNumMap.Set(20, 2)
	r.rereader = &fakeRereader{byLSN: map[uint64][]logstore.LogRecord{
		20: {
			{LSN: 20, Index: 0, Payload: []byte("r0")},
			{LSN: 20, Index: 1, Payload: []byte("r1")},
		},
	}}

	c1 := &fakeSender{}
	mustAttach(t, r, "C1", c1)

	r0 := recordid.ID{BatchID: 20, BatchIndex: 0}
	r1 := recordid.ID{BatchID: 20, BatchIndex: 1}
	if err := r.AckBatch(context.Background(), []recordid.ID{r0}); err != nil {
		t.Fatalf("AckBatch: %v", err)
	}

	resolve := func(id string) (*Runtime, bool) { return r, true }
	runResend(resolve, r.ID, []recordid.ID{r0, r1}, time.Second, zerolog.Nop())

	got := c1.ids()
	if len(got) != 1 || got[0] != r1 {
		t.Fatalf("expected resend to redeliver only r1, got %v", got)
	}

	if err := r.AckBatch(context.Background(), []recordid.ID{r1}); err != nil {
		t.Fatalf("AckBatch: %v", err)
	}
	if unacked := r.unackedAbove([]recordid.ID{r0, r1}); len(unacked) != 0 {
		t.Errorf("expected nothing unacked after both acks, got %v", unacked)
	}
}

func TestResendSkipsWhenEverythingAcked(t *testing.T) {
	r := newTestRuntime(&fakeReader{})
	r.windowLowerBound = recordid.ID{BatchID: 20, BatchIndex: 0}
	r.batchNumMap.Set(20, 1)
	id := recordid.ID{BatchID: 20, BatchIndex: 0}

	c1 := &fakeSender{}
	mustAttach(t, r, "C1", c1)
	if err := r.AckBatch(context.Background(), []recordid.ID{id}); err != nil {
		t.Fatalf("AckBatch: %v", err)
	}

	resolve := func(id string) (*Runtime, bool) { return r, true }
	runResend(resolve, r.ID, []recordid.ID{id}, time.Second, zerolog.Nop())

	if len(c1.ids()) != 0 {
		t.Errorf("expected no redelivery once everything is acked, got %v", c1.ids())
	}
}

func TestResendSelfAbortsOnDeletedRuntime(t *testing.T) {
	r := newTestRuntime(&fakeReader{})
	r.MarkDeleted()

	resolve := func(id string) (*Runtime, bool) { return r, true }
	// Should not panic or attempt any send against the deleted runtime.
	runResend(resolve, r.ID, []recordid.ID{{BatchID: 1, BatchIndex: 0}}, time.Second, zerolog.Nop())
}

func TestResendSelfAbortsOnMissingRuntime(t *testing.T) {
	resolve := func(id string) (*Runtime, bool) { return nil, false }
	runResend(resolve, "gone", []recordid.ID{{BatchID: 1, BatchIndex: 0}}, time.Second, zerolog.Nop())
}
