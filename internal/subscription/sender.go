package subscription

import "github.com/hstreamdb/hstream/internal/recordid"

// DeliverRecord is one record addressed to a consumer.
type DeliverRecord struct {
	ID      recordid.ID
	Payload []byte
}

// Sender is the capability to push one response to a single consumer's
// session. A Sender must serialize its own writes — the engine may
// call Send concurrently from the dispatch loop and the resend timer,
// and Send itself must not interleave bytes of two calls (§4.5).
// Implementations typically funnel Send into a single-writer channel
// consumed by one write pump goroutine, the way the teacher's
// writePump drains Client.send.
type Sender interface {
	Send(records []DeliverRecord) error
}
