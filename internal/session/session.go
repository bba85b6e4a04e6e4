// Package session implements the Stream Session Handler (§4.5): one
// bidirectional StreamingFetch connection per consumer, carried over a
// gobwas/ws WebSocket the way the teacher's handlers_ws.go / pump_read.go
// / pump_write.go carry the broadcast feed, except here each inbound
// message is a request to register/ack and each outbound message is a
// batch of delivered records rather than a broadcast fanout.
package session

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/hstreamdb/hstream/internal/auth"
	"github.com/hstreamdb/hstream/internal/recordid"
	"github.com/hstreamdb/hstream/internal/registry"
	"github.com/hstreamdb/hstream/internal/subscription"
	"github.com/hstreamdb/hstream/internal/subserr"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// state is the session's position in the FirstRequest -> Attached ->
// Closed machine (§4.5).
type state int

const (
	stateFirstRequest state = iota
	stateAttached
	stateClosed
)

// Session is one consumer's bidirectional StreamingFetch connection.
type Session struct {
	conn     net.Conn
	registry *registry.Registry
	verifier *auth.Verifier
	logger   zerolog.Logger

	send          chan []byte
	done          chan struct{}
	closeOnce     sync.Once
	connCloseOnce sync.Once

	state          state
	subscriptionID string
	consumerName   string
}

// New wraps an already-upgraded WebSocket connection in a Session.
func New(conn net.Conn, reg *registry.Registry, verifier *auth.Verifier, logger zerolog.Logger) *Session {
	return &Session{
		conn:     conn,
		registry: reg,
		verifier: verifier,
		logger:   logger,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
	}
}

// Serve runs the session to completion: a write pump in its own
// goroutine (the single writer for this connection, per §4.5) and a
// read loop driving the FirstRequest/Attached/Closed state machine
// inline. Serve blocks until the connection closes.
func (s *Session) Serve(ctx context.Context) {
	go s.writePump()
	s.readLoop(ctx)
}

// Send implements subscription.Sender. It is called concurrently by
// the dispatch loop and the resend timer, which snapshot senders, drop
// the runtime lock, do their I/O and only then call Send (§5) — so a
// session can close in the window between the snapshot and this call.
// s.done (closed exactly once, by close()) is checked first so that
// race always reports a failed send instead of blocking or writing
// into an abandoned channel; s.send itself is never closed, so there
// is no send-on-closed-channel panic either way.
func (s *Session) Send(records []subscription.DeliverRecord) error {
	select {
	case <-s.done:
		return subserr.Internal("consumer session closed")
	default:
	}

	resp := Response{Records: make([]ResponseRecord, len(records))}
	for i, r := range records {
		resp.Records[i] = ResponseRecord{RecordID: toWire(r.ID), Payload: r.Payload}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	select {
	case s.send <- data:
		return nil
	default:
		// Buffer full: this consumer is too slow to keep up. Report
		// failure so the dispatcher/resend timer drop it from the live
		// sender set; its in-flight records become eligible for resend
		// like any other unacked record.
		return subserr.Internal("consumer session send buffer full")
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.connCloseOnce.Do(func() { s.conn.Close() })
	}()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpText, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				return
			}
		case <-s.done:
			// Drain anything already queued (e.g. terminate's error
			// response) before sending the close frame.
			for {
				select {
				case msg := <-s.send:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					wsutil.WriteServerMessage(s.conn, ws.OpText, msg)
					continue
				default:
				}
				break
			}
			wsutil.WriteServerMessage(s.conn, ws.OpClose, []byte{})
			return
		}
	}
}

func (s *Session) readLoop(ctx context.Context) {
	defer s.close()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if op == ws.OpClose {
			return
		}
		if op != ws.OpText {
			continue
		}

		var req Request
		if err := json.Unmarshal(msg, &req); err != nil {
			s.terminate(subserr.CodeInternal, "malformed request")
			return
		}

		if err := s.handleRequest(ctx, req); err != nil {
			code, message := subserr.Status(err)
			s.terminate(code, message)
			return
		}
	}
}

func (s *Session) handleRequest(ctx context.Context, req Request) error {
	switch s.state {
	case stateFirstRequest:
		return s.handleFirstRequest(ctx, req)
	case stateAttached:
		return s.ackBatch(ctx, req.AckIDs)
	default:
		return nil
	}
}

// handleFirstRequest resolves or creates the runtime, authenticates the
// consumer if configured, attaches this session as its sender, folds
// any acks carried on the first request, and transitions to Attached
// (§4.5).
func (s *Session) handleFirstRequest(ctx context.Context, req Request) error {
	if err := auth.VerifyOptional(s.verifier, req.SessionToken); err != nil {
		return subserr.Wrap(subserr.CodeInternal, "consumer authentication failed", err)
	}

	rt, err := s.registry.GetOrCreateRuntime(ctx, req.SubscriptionID)
	if err != nil {
		return err
	}
	if err := rt.AttachConsumer(req.ConsumerName, s); err != nil {
		return err
	}

	s.subscriptionID = req.SubscriptionID
	s.consumerName = req.ConsumerName
	s.state = stateAttached

	return s.ackBatch(ctx, req.AckIDs)
}

func (s *Session) ackBatch(ctx context.Context, wireIDs []WireRecordID) error {
	if len(wireIDs) == 0 {
		return nil
	}
	rt, ok := s.registry.Lookup(s.subscriptionID)
	if !ok {
		return subserr.SubscriptionRemoved("subscription has been removed")
	}

	ids := make([]recordid.ID, len(wireIDs))
	for i, w := range wireIDs {
		ids[i] = fromWire(w)
	}
	return rt.AckBatch(ctx, ids)
}

// terminate sends a terminal error response before closing, matching
// the session-level error signalling in §6.
func (s *Session) terminate(code subserr.Code, message string) {
	data, err := json.Marshal(Response{Error: &ErrorResponse{Code: code.String(), Message: message}})
	if err == nil {
		select {
		case s.send <- data:
		default:
		}
	}
}

// close transitions to Closed and detaches the consumer, per §4.5:
// "Do not delete the runtime." Closing s.done (once) rather than
// s.send is what lets a concurrent Send from the dispatch loop or
// resend timer fail cleanly instead of panicking on a closed channel;
// writePump drains s.send and writes the close frame once it observes
// s.done.
func (s *Session) close() {
	s.state = stateClosed
	if s.subscriptionID != "" {
		if rt, ok := s.registry.Lookup(s.subscriptionID); ok {
			rt.DetachConsumer(s.consumerName)
		}
	}
	s.closeOnce.Do(func() { close(s.done) })
}
