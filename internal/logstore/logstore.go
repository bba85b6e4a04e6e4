// Package logstore defines the Log Client Adapter: the storage-facing
// boundary the Subscription Runtime reads batches and writes
// checkpoints through. LogRecord/Batch/GapRange are transport-neutral;
// the franz-go-backed implementation lives in client.go.
package logstore

import "context"

// LogRecord is one record read from the log, tagged with its LSN and
// its index within the batch it was produced in.
type LogRecord struct {
	LSN     uint64
	Index   uint32
	Payload []byte
}

// GapRange is an LSN range the log reports as containing no
// deliverable data (trimmed, released, or skipped).
type GapRange struct {
	Lo, Hi uint64
}

// Batch is one read's worth of records plus any gaps observed
// interleaved with them, in log order.
type Batch struct {
	Records []LogRecord
	Gaps    []GapRange
}

// CheckpointedReader is a positionable, checkpoint-writing cursor over
// one log (one HStream stream partition).
type CheckpointedReader interface {
	// Read returns up to maxRecords records (plus any gaps encountered)
	// starting from the reader's current position. A read that finds
	// nothing currently available returns an empty Batch, not an error.
	Read(ctx context.Context, maxRecords int) (Batch, error)

	// SaveCheckpoint records that every record at or below lsn has been
	// fully processed for this reader's subscription. The franz-go
	// reader in client.go keeps it in memory only.
	SaveCheckpoint(ctx context.Context, lsn uint64) error

	// Seek repositions the reader to start reading at lsn, inclusive.
	// Used both for initial start-offset resolution and for the resend
	// timer's one-record reread.
	Seek(ctx context.Context, lsn uint64) error
}

// LogClient opens readers against logs identified by logID (one logID
// per HStream stream/partition).
type LogClient interface {
	// OpenCheckpointedReader opens a reader positioned at startLSN.
	// readTimeout bounds how long Read blocks waiting for new data;
	// zero means non-blocking (return whatever is currently available).
	// The franz-go Client in client.go ignores it and blocks in Read.
	OpenCheckpointedReader(ctx context.Context, logID string, startLSN uint64, readTimeout int) (CheckpointedReader, error)

	// TailLSN returns the current end-of-log LSN, used to resolve the
	// LATEST start offset.
	TailLSN(ctx context.Context, logID string) (uint64, error)

	// Close releases every reader opened against logID (a subscription
	// typically opens two: a forward reader and a resend rereader).
	// Called once a subscription is deleted (§4.6).
	Close(logID string)
}
