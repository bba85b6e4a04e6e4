// Package subscription implements the Subscription Runtime, Dispatcher,
// and Resend Timer: the per-subscription state machine that reads
// batches from a log, fans them out to attached consumers, folds acks
// into a sparse range set, advances the delivery window, and resends
// records that time out unacked.
package subscription

import "github.com/hstreamdb/hstream/internal/recordid"

// OffsetKind selects how a newly materialized runtime's starting
// RecordId is resolved.
type OffsetKind int

const (
	OffsetEarliest OffsetKind = iota
	OffsetLatest
	OffsetExplicit
)

// Offset is a Subscription's starting position (§4.7).
type Offset struct {
	Kind     OffsetKind
	Explicit recordid.ID // only meaningful when Kind == OffsetExplicit
}

// Subscription is the immutable, persisted configuration of one
// subscription. Deletion is final: once removed from the Metadata
// Adapter a Subscription id is never reused.
type Subscription struct {
	ID                string `json:"id"`
	StreamName        string `json:"streamName"`
	AckTimeoutSeconds uint32 `json:"ackTimeoutSeconds"`
	Offset            Offset `json:"offset"`
}
