package logstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Client wraps a franz-go client the same way the teacher's
// kafka.Consumer wraps one for broadcast consumption, except here each
// logID gets its own CheckpointedReader instead of one process-wide
// consume loop: the subscription engine reads on demand from the
// dispatch tick rather than pushing into a broadcast callback.
type Client struct {
	brokers []string
	logger  zerolog.Logger

	mu sync.Mutex
	// clients tracks every direct-consume client opened per logID. A
	// subscription opens two (a forward reader and a resend rereader)
	// against the same logID, so this must be a slice, not a single
	// value, or the second open orphans the first with no Close path.
	clients map[string][]*kgo.Client
}

// NewClient returns a LogClient backed by the given Kafka/Redpanda
// brokers. One partition (topic) == one logID, matching the teacher's
// 1-broker-set-per-process deployment.
func NewClient(brokers []string, logger zerolog.Logger) *Client {
	return &Client{
		brokers: brokers,
		logger:  logger,
		clients: make(map[string][]*kgo.Client),
	}
}

// OpenCheckpointedReader opens a direct (non-group) consumer against
// logID at partition 0, seeked to startLSN. The teacher's consumer
// always joins a consumer group for broadcast fanout; the subscription
// engine instead owns an explicit per-subscription offset, so it
// consumes directly and manages its own checkpoint. readTimeout is not
// used: Read blocks until records or errors arrive or ctx is done.
func (c *Client) OpenCheckpointedReader(ctx context.Context, logID string, startLSN uint64, readTimeout int) (CheckpointedReader, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(c.brokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			logID: {0: kgo.NewOffset().At(int64(startLSN))},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("open reader for %s: %w", logID, err)
	}

	c.mu.Lock()
	c.clients[logID] = append(c.clients[logID], client)
	c.mu.Unlock()

	return &reader{client: client, logID: logID, logger: c.logger}, nil
}

// Close closes and forgets every client opened against logID (the
// forward reader and, if opened, the resend rereader). Safe to call
// even if no clients were opened for logID.
func (c *Client) Close(logID string) {
	c.mu.Lock()
	clients := c.clients[logID]
	delete(c.clients, logID)
	c.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}

// TailLSN asks the broker for the current high watermark of partition
// 0 of logID, used to resolve the LATEST start offset.
func (c *Client) TailLSN(ctx context.Context, logID string) (uint64, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(c.brokers...))
	if err != nil {
		return 0, fmt.Errorf("tail lookup client for %s: %w", logID, err)
	}
	defer client.Close()

	listed, err := client.ListEndOffsets(ctx, logID)
	if err != nil {
		return 0, fmt.Errorf("list end offsets for %s: %w", logID, err)
	}
	var tail int64
	listed.Each(func(o kgo.ListedOffset) {
		if o.Err == nil && o.Offset > tail {
			tail = o.Offset
		}
	})
	return uint64(tail), nil
}

// reader implements CheckpointedReader over a single franz-go direct
// consumer. Read groups consecutive records sharing one offset into a
// "batch" the same way the teacher's EachRecord iterates a PollFetches
// round, except a batch boundary here is the producer's offset rather
// than Kafka's own record-batch framing — HStream's LSN model assigns
// one LSN per log append, which may carry several records.
type reader struct {
	client *kgo.Client
	logID  string
	logger zerolog.Logger

	lastOffset int64
	haveLast   bool

	checkpoint atomic.Int64
}

func (r *reader) Read(ctx context.Context, maxRecords int) (Batch, error) {
	fetches := r.client.PollRecords(ctx, maxRecords)
	if fetches.IsClientClosed() {
		return Batch{}, fmt.Errorf("reader for %s: client closed", r.logID)
	}

	var batch Batch
	fetches.EachError(func(topic string, partition int32, err error) {
		if kerr.TransformedError(err) == kerr.OffsetOutOfRange {
			lo, hi := r.gapBounds()
			batch.Gaps = append(batch.Gaps, GapRange{Lo: lo, Hi: hi})
			r.logger.Debug().
				Str("log_id", r.logID).
				Int32("partition", partition).
				Uint64("gap_lo", lo).
				Uint64("gap_hi", hi).
				Msg("reader observed storage gap")
			return
		}
		r.logger.Error().Err(err).Str("log_id", r.logID).Msg("reader fetch error")
	})

	count := 0
	fetches.EachRecord(func(rec *kgo.Record) {
		if maxRecords > 0 && count >= maxRecords {
			return
		}
		if r.haveLast && rec.Offset > r.lastOffset+1 {
			batch.Gaps = append(batch.Gaps, GapRange{Lo: uint64(r.lastOffset + 1), Hi: uint64(rec.Offset - 1)})
		}

		index := uint32(0)
		if len(batch.Records) > 0 {
			prev := batch.Records[len(batch.Records)-1]
			if prev.LSN == uint64(rec.Offset) {
				index = prev.Index + 1
			}
		}
		batch.Records = append(batch.Records, LogRecord{
			LSN:     uint64(rec.Offset),
			Index:   index,
			Payload: rec.Value,
		})
		r.lastOffset = rec.Offset
		r.haveLast = true
		count++
	})

	return batch, nil
}

func (r *reader) gapBounds() (lo, hi uint64) {
	if r.haveLast {
		return uint64(r.lastOffset + 1), uint64(r.lastOffset + 1)
	}
	return 0, 0
}

// SaveCheckpoint records lsn as the last fully-processed offset for
// this reader. MarkCommitRecords/CommitMarkedOffsets are
// consumer-group offset-commit APIs and have no effect on a client
// opened with ConsumePartitions (direct, non-group consumption, as
// above): a direct consumer owns its own offsets and there is no
// broker-side group to commit to. The checkpoint is instead tracked
// in memory only: it is not written to the broker or to the metadata
// store, and it does not survive a process restart.
func (r *reader) SaveCheckpoint(ctx context.Context, lsn uint64) error {
	r.checkpoint.Store(int64(lsn))
	return nil
}

func (r *reader) Seek(ctx context.Context, lsn uint64) error {
	r.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		r.logID: {0: {Epoch: -1, Offset: int64(lsn)}},
	})
	return nil
}
