// Package router implements the relay-side signaling state machine: it pairs
// a caller with its intended callee, forwards offer/answer/candidate/data
// traffic strictly 1:1 between the two, and runs the teardown cascades.
//
// The router is the only writer of the session registry. All handlers are
// driven by the per-connection read loops of the signaling transport; per
// session, traffic only ever originates from its two participants.
package router

import (
	"log/slog"
	"time"

	"github.com/vitacall/call-relay/internal/call"
	"github.com/vitacall/call-relay/internal/metrics"
	"github.com/vitacall/call-relay/internal/protocol"
	"github.com/vitacall/call-relay/internal/registry"
)

// Sender delivers a message to a single connection. Implemented by the
// signaling transport; the router never broadcasts.
type Sender interface {
	Send(connID string, msg protocol.Message) error
}

type Config struct {
	// DemoFallback enables the simulated-peer path: when the intended callee
	// is not registered, the relay fabricates a delayed acceptance and answer
	// so a lone client can walk through a connected-looking call. Off by
	// default; without it the caller gets an explicit no_callee_available
	// error.
	DemoFallback bool

	// DemoAcceptDelay is the delay before the simulated call-accepted.
	DemoAcceptDelay time.Duration

	// DemoAnswerDelay is the additional delay before the simulated answer.
	DemoAnswerDelay time.Duration
}

const (
	DefaultDemoAcceptDelay = 1 * time.Second
	DefaultDemoAnswerDelay = 500 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.DemoAcceptDelay <= 0 {
		c.DemoAcceptDelay = DefaultDemoAcceptDelay
	}
	if c.DemoAnswerDelay <= 0 {
		c.DemoAnswerDelay = DefaultDemoAnswerDelay
	}
	return c
}

type Router struct {
	cfg  Config
	reg  *registry.Registry
	send Sender
	log  *slog.Logger

	// schedule is injectable so the demo fallback is testable without
	// sleeping. Defaults to time.AfterFunc.
	schedule func(d time.Duration, f func())
}

func New(reg *registry.Registry, sender Sender, logger *slog.Logger, cfg Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:  cfg.withDefaults(),
		reg:  reg,
		send: sender,
		log:  logger,
		schedule: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

// HandleMessage processes one validated inbound message from connID.
// Routing failures never propagate back as transport errors; per the error
// design they are either answered with a protocol error message or dropped
// with a log entry.
func (rt *Router) HandleMessage(connID string, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindRegister:
		rt.handleRegister(connID, msg)
	case protocol.KindCallRequest:
		rt.handleCallRequest(connID, msg)
	case protocol.KindCallAnswer:
		rt.handleCallAnswer(connID, msg)
	case protocol.KindICECandidate:
		rt.handleCandidate(connID, msg)
	case protocol.KindCallEnded:
		rt.handleCallEnded(connID, msg)
	case protocol.KindDataMessage:
		rt.handleData(connID, msg)
	default:
		// Relay-originated kinds arriving from a client.
		rt.drop(metrics.DropReasonBadMessage, "kind", string(msg.Kind), "conn_id", connID)
	}
}

// HandleDisconnect runs the cascading cleanup for a closed connection: every
// non-ended session it participated in is ended and the surviving real peer
// is told exactly once.
func (rt *Router) HandleDisconnect(connID string) {
	affected := rt.reg.RemoveParticipant(connID)
	for _, sess := range affected {
		ended, ok := rt.reg.EndSession(sess.CallID)
		if !ok {
			continue
		}
		metrics.CallsEndedTotal.WithLabelValues(metrics.EndCauseDisconnect).Inc()
		rt.log.Info("call ended by disconnect", "call_id", ended.CallID, "conn_id", connID)
		if peer := ended.PeerOf(connID); peer != "" {
			rt.forward(peer, protocol.Message{Kind: protocol.KindCallEnded, CallID: ended.CallID})
		}
	}
	rt.syncGauges()
}

func (rt *Router) handleRegister(connID string, msg protocol.Message) {
	rt.reg.RegisterParticipant(call.Participant{
		ConnectionID: connID,
		Role:         msg.Role,
		DisplayName:  msg.DisplayName,
		ExternalID:   msg.ExternalID,
	})
	rt.reply(connID, protocol.Message{Kind: protocol.KindRegistered, ConnectionID: connID})
	rt.log.Info("participant registered",
		"conn_id", connID,
		"role", string(msg.Role),
		"external_id", msg.ExternalID,
	)
	rt.syncGauges()

	if msg.Role != call.RoleCallee {
		return
	}

	// Best-effort offer replay: calls placed to this callee before it was
	// registered still hold their retained offer.
	for _, sess := range rt.reg.PendingSessionsForTarget(msg.ExternalID) {
		if err := rt.reg.AttachCallee(sess.CallID, connID); err != nil {
			continue
		}
		caller, _ := rt.reg.Participant(sess.CallerConnectionID)
		rt.forward(connID, protocol.Message{
			Kind:   protocol.KindIncomingCall,
			CallID: sess.CallID,
			From:   &protocol.ParticipantInfo{DisplayName: caller.DisplayName, ExternalID: caller.ExternalID},
			Offer:  &sess.Offer,
		})
		rt.log.Info("replayed retained offer", "call_id", sess.CallID, "callee_conn_id", connID)
	}
}

func (rt *Router) handleCallRequest(connID string, msg protocol.Message) {
	caller, ok := rt.reg.Participant(connID)
	if !ok {
		rt.drop(metrics.DropReasonNotRegistered, "conn_id", connID)
		rt.reply(connID, errorMessage(protocol.ErrCodeNotRegistered, "register before placing a call", msg.CallID))
		return
	}

	// At most one non-ended call per connection. The relay enforces this on
	// call setup so a stuck client cannot pile up sessions.
	if existing := rt.reg.SessionsByParticipant(connID); len(existing) > 0 {
		rt.drop(metrics.DropReasonBadMessage, "conn_id", connID, "call_id", msg.CallID)
		rt.reply(connID, errorMessage(protocol.ErrCodeCallInProgress, "end the current call first", msg.CallID))
		return
	}

	sess := call.Session{
		CallID:             msg.CallID,
		CallerConnectionID: connID,
		TargetExternalID:   msg.To,
		Offer:              *msg.Offer,
	}
	if err := rt.reg.CreateSession(sess); err != nil {
		rt.drop(metrics.DropReasonBadMessage, "conn_id", connID, "call_id", msg.CallID, "err", err)
		return
	}
	metrics.CallsStartedTotal.Inc()
	rt.syncGauges()

	from := &protocol.ParticipantInfo{DisplayName: caller.DisplayName, ExternalID: caller.ExternalID}
	if msg.From != nil {
		from = msg.From
	}

	callee, found := rt.reg.FindCalleeByExternalID(msg.To)
	if found {
		if err := rt.reg.AttachCallee(msg.CallID, callee.ConnectionID); err != nil {
			return
		}
		rt.forward(callee.ConnectionID, protocol.Message{
			Kind:   protocol.KindIncomingCall,
			CallID: msg.CallID,
			From:   from,
			Offer:  msg.Offer,
		})
		return
	}

	if rt.cfg.DemoFallback {
		rt.startSimulatedPeer(connID, msg.CallID, *msg.Offer)
		return
	}

	// Strict mode: fail the call explicitly instead of inventing a peer.
	if _, ok := rt.reg.EndSession(msg.CallID); ok {
		metrics.CallsEndedTotal.WithLabelValues(metrics.EndCauseNoCallee).Inc()
	}
	rt.syncGauges()
	rt.reply(connID, errorMessage(protocol.ErrCodeNoCalleeAvailable, "no registered callee matches "+msg.To, msg.CallID))
	rt.log.Info("call failed, target not registered", "call_id", msg.CallID, "target", msg.To)
}

func (rt *Router) handleCallAnswer(connID string, msg protocol.Message) {
	sess, ok := rt.reg.Session(msg.CallID)
	if !ok {
		rt.drop(metrics.DropReasonUnknownSession, "kind", "call-answer", "call_id", msg.CallID)
		return
	}
	peer := sess.PeerOf(connID)
	if peer == "" || connID != sess.CalleeConnectionID {
		rt.drop(metrics.DropReasonNoPeer, "kind", "call-answer", "call_id", msg.CallID, "conn_id", connID)
		return
	}

	// The answer is forwarded verbatim; the session is considered connected
	// once both descriptions have crossed the relay.
	rt.forward(peer, msg)
	_ = rt.reg.SetConnected(msg.CallID)
}

func (rt *Router) handleCandidate(connID string, msg protocol.Message) {
	sess, ok := rt.reg.Session(msg.CallID)
	if !ok {
		rt.drop(metrics.DropReasonUnknownSession, "kind", "ice-candidate", "call_id", msg.CallID)
		return
	}
	peer := sess.PeerOf(connID)
	if peer == "" {
		// Callee not resolved yet, or the simulated placeholder. Candidates
		// are droppable: the eventual answer restarts trickle anyway.
		rt.drop(metrics.DropReasonNoPeer, "kind", "ice-candidate", "call_id", msg.CallID)
		return
	}
	rt.forward(peer, msg)
}

func (rt *Router) handleCallEnded(connID string, msg protocol.Message) {
	ended, ok := rt.reg.EndSession(msg.CallID)
	if !ok {
		rt.drop(metrics.DropReasonUnknownSession, "kind", "call-ended", "call_id", msg.CallID)
		return
	}
	metrics.CallsEndedTotal.WithLabelValues(metrics.EndCauseHangup).Inc()
	rt.syncGauges()
	rt.log.Info("call ended", "call_id", msg.CallID, "by_conn_id", connID)
	if peer := ended.PeerOf(connID); peer != "" {
		rt.forward(peer, protocol.Message{Kind: protocol.KindCallEnded, CallID: msg.CallID})
	}
}

func (rt *Router) handleData(connID string, msg protocol.Message) {
	sess, ok := rt.reg.Session(msg.CallID)
	if !ok {
		rt.drop(metrics.DropReasonUnknownSession, "kind", "data-message", "call_id", msg.CallID)
		return
	}
	peer := sess.PeerOf(connID)
	if peer == "" {
		rt.drop(metrics.DropReasonNoPeer, "kind", "data-message", "call_id", msg.CallID)
		return
	}
	rt.forward(peer, msg)
}

// startSimulatedPeer fabricates a delayed acceptance and SDP answer for a
// call whose target does not exist. No peer connection is ever established
// relay-side; the answer is synthetic.
func (rt *Router) startSimulatedPeer(callerConnID, callID string, offer call.SessionDescription) {
	if err := rt.reg.MarkSimulated(callID); err != nil {
		return
	}
	metrics.SimulatedAnswersTotal.Inc()
	rt.log.Warn("no callee registered, using simulated peer", "call_id", callID)

	rt.schedule(rt.cfg.DemoAcceptDelay, func() {
		if _, ok := rt.reg.Session(callID); !ok {
			return // ended before the fake peer picked up
		}
		rt.reply(callerConnID, protocol.Message{Kind: protocol.KindCallAccepted, CallID: callID})

		rt.schedule(rt.cfg.DemoAnswerDelay, func() {
			if _, ok := rt.reg.Session(callID); !ok {
				return
			}
			answer := simulatedAnswer(offer)
			rt.reply(callerConnID, protocol.Message{
				Kind:   protocol.KindCallAnswer,
				CallID: callID,
				Answer: &answer,
			})
			_ = rt.reg.SetConnected(callID)
		})
	})
}

func (rt *Router) forward(connID string, msg protocol.Message) {
	if err := rt.send.Send(connID, msg); err != nil {
		rt.log.Warn("forward failed", "kind", string(msg.Kind), "to_conn_id", connID, "err", err)
		return
	}
	metrics.MessagesForwardedTotal.WithLabelValues(string(msg.Kind)).Inc()
}

// reply sends a relay-originated message back to the sender. Not counted as a
// forward.
func (rt *Router) reply(connID string, msg protocol.Message) {
	if err := rt.send.Send(connID, msg); err != nil {
		rt.log.Warn("reply failed", "kind", string(msg.Kind), "to_conn_id", connID, "err", err)
	}
}

func (rt *Router) drop(reason string, args ...any) {
	metrics.MessagesDroppedTotal.WithLabelValues(reason).Inc()
	rt.log.Debug("dropped signaling message", append([]any{"reason", reason}, args...)...)
}

func (rt *Router) syncGauges() {
	participants, sessions := rt.reg.Counts()
	metrics.RegisteredParticipants.Set(float64(participants))
	metrics.ActiveCalls.Set(float64(sessions))
}

func errorMessage(code, text, callID string) protocol.Message {
	return protocol.Message{
		Kind:    protocol.KindError,
		CallID:  callID,
		Code:    code,
		Message: text,
	}
}
