package session

import "github.com/hstreamdb/hstream/internal/recordid"

// WireRecordID is the over-the-wire encoding of a RecordId.
type WireRecordID struct {
	BatchID    uint64 `json:"batchId"`
	BatchIndex uint32 `json:"batchIndex"`
}

func toWire(id recordid.ID) WireRecordID {
	return WireRecordID{BatchID: id.BatchID, BatchIndex: id.BatchIndex}
}

func fromWire(w WireRecordID) recordid.ID {
	return recordid.ID{BatchID: w.BatchID, BatchIndex: w.BatchIndex}
}

// Request is one inbound StreamingFetch message (§6). The first
// request on a session carries the registration intent implicitly —
// there is no separate "open" message.
type Request struct {
	SubscriptionID string         `json:"subscriptionId"`
	ConsumerName   string         `json:"consumerName"`
	SessionToken   string         `json:"sessionToken,omitempty"`
	AckIDs         []WireRecordID `json:"ackIds,omitempty"`
}

// ResponseRecord is one delivered record.
type ResponseRecord struct {
	RecordID WireRecordID `json:"recordId"`
	Payload  []byte       `json:"payload"`
}

// Response is one outbound StreamingFetch message: either a batch of
// delivered records or a terminal error.
type Response struct {
	Records []ResponseRecord `json:"records,omitempty"`
	Error   *ErrorResponse   `json:"error,omitempty"`
}

// ErrorResponse reports a session-terminating error (§6).
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
