// Package callclient is the participant-side call state machine: it owns the
// local media tracks, the peer connection, and the signaling conversation for
// one participant, and surfaces everything the UI needs through a typed event
// stream.
//
// The client is a plain constructable object. Transport, media capture and
// the peer-connection factory are injected, so every piece can be replaced
// with a double in tests and the UI layer can own as many clients as it
// wants.
package callclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/vitacall/call-relay/internal/call"
	"github.com/vitacall/call-relay/internal/protocol"
)

// State is the client-side call state. It is a superset of the relay's
// session states because it tracks local media setup too.
type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating" // acquiring media, building the offer
	StateCalling    State = "calling"    // caller: offer sent, waiting for the answer
	StateRinging    State = "ringing"    // callee: offer received; caller: peer notified
	StateConnected  State = "connected"
	StateEnded      State = "ended"
)

func (s State) active() bool {
	switch s {
	case StateInitiating, StateCalling, StateRinging, StateConnected:
		return true
	}
	return false
}

var (
	// ErrCallInProgress is returned by StartCall and JoinCall while another
	// call is active. One call per client.
	ErrCallInProgress = errors.New("callclient: call already in progress")

	// ErrSignalingTimeout is returned when the relay does not accept the
	// transport connection within the configured window.
	ErrSignalingTimeout = errors.New("callclient: signaling connect timeout")

	// ErrMediaAccess is returned when local capture fails (permission denied,
	// device missing or busy). Never retried automatically.
	ErrMediaAccess = errors.New("callclient: media access failed")

	// ErrNotSharing is returned by StopScreenShare when no share is active.
	ErrNotSharing = errors.New("callclient: no active screen share")
)

const DefaultSignalingTimeout = 5 * time.Second

type Config struct {
	Role        call.Role
	DisplayName string
	ExternalID  string

	// ICEServers configures every peer connection this client builds. STUN
	// defaults come from config.DefaultSTUNURLs; TURN entries arrive from
	// the relay's /webrtc/ice endpoint at deploy time.
	ICEServers []webrtc.ICEServer

	// SignalingTimeout bounds the lazy transport connect in StartCall and
	// JoinCall.
	SignalingTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SignalingTimeout <= 0 {
		c.SignalingTimeout = DefaultSignalingTimeout
	}
	return c
}

// CallSession is the descriptor handed to the UI. It is a snapshot; watch
// the event stream for transitions.
type CallSession struct {
	CallID           string
	TargetExternalID string
	State            State
	Media            call.MediaState
}

type pendingOffer struct {
	offer call.SessionDescription
	from  *protocol.ParticipantInfo
}

type Client struct {
	cfg    Config
	sig    Signaler
	media  MediaDevices
	pcf    PeerConnector
	log    *slog.Logger
	events *emitter

	mu            sync.Mutex
	loopMsgs      <-chan protocol.Message // channel the running read loop consumes
	state         State
	manuallyEnded bool
	completed     bool

	callID string
	target string

	pc          PeerConnection
	localTracks []Track
	videoTrack  Track // camera
	audioTrack  Track
	screenTrack Track
	videoSender TrackSender
	mediaState  call.MediaState

	onComplete func()

	pendingOffers map[string]pendingOffer
	offerWaiters  map[string][]chan pendingOffer
}

func New(cfg Config, sig Signaler, media MediaDevices, pcf PeerConnector, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:           cfg.withDefaults(),
		sig:           sig,
		media:         media,
		pcf:           pcf,
		log:           logger,
		events:        newEmitter(),
		state:         StateIdle,
		pendingOffers: make(map[string]pendingOffer),
		offerWaiters:  make(map[string][]chan pendingOffer),
	}
}

// Events returns a subscription to the client's event stream plus a cancel
// function. Subscribers are independent; a slow one loses events instead of
// blocking the others.
func (c *Client) Events(buffer int) (<-chan Event, func()) {
	return c.events.subscribe(buffer)
}

// OnCallComplete registers the completion callback EndCall invokes exactly
// once per call, after teardown finishes.
func (c *Client) OnCallComplete(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onComplete = fn
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ManuallyEnded reports whether the last transition to ended came from a
// local EndCall rather than a remote signal or transport loss.
func (c *Client) ManuallyEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manuallyEnded
}

func (c *Client) Session() CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionLocked()
}

func (c *Client) sessionLocked() CallSession {
	return CallSession{
		CallID:           c.callID,
		TargetExternalID: c.target,
		State:            c.state,
		Media:            c.mediaState,
	}
}

// StartCall places an outbound call to the participant registered under
// targetExternalID. It connects the transport lazily, acquires camera and
// microphone, sends the offer and returns an initiating descriptor
// immediately; the connected transition arrives as an event.
func (c *Client) StartCall(ctx context.Context, targetExternalID string) (CallSession, error) {
	c.mu.Lock()
	if c.state.active() {
		c.mu.Unlock()
		return CallSession{}, ErrCallInProgress
	}
	callID := "call-" + uuid.NewString()
	c.resetForCallLocked(callID, targetExternalID)
	c.setStateLocked(StateInitiating)
	c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		c.abortSetup()
		return CallSession{}, err
	}

	tracks, err := c.media.GetUserMedia(ctx, true, true)
	if err != nil {
		c.abortSetup()
		return CallSession{}, fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}
	c.adoptTracks(tracks)

	pc, err := c.buildPeerConnection(callID, tracks)
	if err != nil {
		c.abortSetup()
		return CallSession{}, err
	}

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		c.abortSetup()
		return CallSession{}, fmt.Errorf("create offer: %w", err)
	}

	err = c.sig.Send(protocol.Message{
		Kind:   protocol.KindCallRequest,
		CallID: callID,
		To:     targetExternalID,
		From:   &protocol.ParticipantInfo{DisplayName: c.cfg.DisplayName, ExternalID: c.cfg.ExternalID},
		Offer:  &offer,
	})
	if err != nil {
		c.abortSetup()
		return CallSession{}, fmt.Errorf("send call request: %w", err)
	}

	c.mu.Lock()
	// An EndCall may have raced the setup; don't resurrect the call.
	if c.callID == callID && c.state == StateInitiating {
		c.setStateLocked(StateCalling)
	}
	sess := c.sessionLocked()
	c.mu.Unlock()

	c.log.Info("call placed", "call_id", callID, "target", targetExternalID)
	return sess, nil
}

// JoinCall answers the inbound call callID. It connects the transport if
// needed (a late-registering callee still gets the retained offer replayed by
// the relay), waits for the offer bounded by ctx, acquires media and sends
// the answer.
func (c *Client) JoinCall(ctx context.Context, callID string) (CallSession, error) {
	c.mu.Lock()
	if c.state.active() && c.state != StateRinging {
		c.mu.Unlock()
		return CallSession{}, ErrCallInProgress
	}
	c.resetForCallLocked(callID, "")
	c.setStateLocked(StateInitiating)
	c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		c.abortSetup()
		return CallSession{}, err
	}

	offer, err := c.waitForOffer(ctx, callID)
	if err != nil {
		c.abortSetup()
		return CallSession{}, err
	}

	tracks, err := c.media.GetUserMedia(ctx, true, true)
	if err != nil {
		c.abortSetup()
		return CallSession{}, fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}
	c.adoptTracks(tracks)

	pc, err := c.buildPeerConnection(callID, tracks)
	if err != nil {
		c.abortSetup()
		return CallSession{}, err
	}

	if err := pc.SetRemoteDescription(offer.offer); err != nil {
		c.abortSetup()
		return CallSession{}, fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := pc.CreateAnswer(ctx)
	if err != nil {
		c.abortSetup()
		return CallSession{}, fmt.Errorf("create answer: %w", err)
	}

	err = c.sig.Send(protocol.Message{
		Kind:   protocol.KindCallAnswer,
		CallID: callID,
		Answer: &answer,
	})
	if err != nil {
		c.abortSetup()
		return CallSession{}, fmt.Errorf("send answer: %w", err)
	}

	c.mu.Lock()
	if c.callID == callID && c.state == StateInitiating {
		c.setStateLocked(StateConnected)
	}
	sess := c.sessionLocked()
	c.mu.Unlock()

	c.log.Info("call joined", "call_id", callID)
	return sess, nil
}

// ToggleVideo flips the outgoing video track's enabled flag and tells the
// remote side best-effort so its UI can show "camera off" immediately. Never
// renegotiates. Returns the new enabled state.
func (c *Client) ToggleVideo() bool {
	return c.toggleTrack(func(c *Client) Track {
		if c.screenTrack != nil {
			return c.screenTrack
		}
		return c.videoTrack
	}, func(ms *call.MediaState, enabled bool) { ms.Video = enabled })
}

// ToggleAudio is ToggleVideo for the microphone.
func (c *Client) ToggleAudio() bool {
	return c.toggleTrack(func(c *Client) Track {
		return c.audioTrack
	}, func(ms *call.MediaState, enabled bool) { ms.Audio = enabled })
}

func (c *Client) toggleTrack(pick func(*Client) Track, apply func(*call.MediaState, bool)) bool {
	c.mu.Lock()
	t := pick(c)
	if t == nil {
		c.mu.Unlock()
		return false // nothing to toggle
	}
	enabled := !t.Enabled()
	t.SetEnabled(enabled)
	apply(&c.mediaState, enabled)
	callID := c.callID
	media := protocol.MediaControl{Kind: "media-control", Video: c.mediaState.Video, Audio: c.mediaState.Audio}
	c.mu.Unlock()

	if callID != "" {
		payload, err := json.Marshal(media)
		if err == nil {
			err = c.sig.Send(protocol.Message{
				Kind:   protocol.KindDataMessage,
				CallID: callID,
				Data:   payload,
			})
		}
		if err != nil {
			// Best-effort: the toggle itself already took effect locally.
			c.log.Debug("media-control send failed", "call_id", callID, "err", err)
		}
	}
	return enabled
}

// EndCall is the only teardown path. The steps run in a fixed order and all
// of them run even when earlier ones fail: stop every track, drop the
// senders and close the peer connection, notify the relay, clear the
// references, then fire the completion callback. Idempotent.
func (c *Client) EndCall() {
	c.mu.Lock()
	if !c.state.active() {
		c.mu.Unlock()
		return
	}
	c.manuallyEnded = true
	done := c.teardownLocked(true, true, StateEnded)
	c.mu.Unlock()
	done()
}

// StartScreenShare swaps the outgoing video track for a display capture via
// same-kind track replacement; no renegotiation. The camera track stays
// alive for the revert.
func (c *Client) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return errors.New("callclient: screen share requires a connected call")
	}
	if c.screenTrack != nil {
		c.mu.Unlock()
		return nil
	}
	sender := c.videoSender
	c.mu.Unlock()
	if sender == nil {
		return errors.New("callclient: no outgoing video track to replace")
	}

	screen, err := c.media.GetDisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}
	if err := sender.ReplaceTrack(screen); err != nil {
		screen.Stop()
		return fmt.Errorf("replace video track: %w", err)
	}

	// The OS screen picker can stop the capture behind our back; treat it
	// like a user-initiated stop.
	screen.OnEnded(func() {
		if err := c.StopScreenShare(); err != nil && !errors.Is(err, ErrNotSharing) {
			c.log.Warn("screen share revert failed", "err", err)
		}
	})

	c.mu.Lock()
	c.screenTrack = screen
	c.mu.Unlock()
	c.log.Info("screen share started")
	return nil
}

// StopScreenShare stops the display capture and puts the camera track back
// on the sender.
func (c *Client) StopScreenShare() error {
	c.mu.Lock()
	screen := c.screenTrack
	c.screenTrack = nil
	sender := c.videoSender
	camera := c.videoTrack
	c.mu.Unlock()

	if screen == nil {
		return ErrNotSharing
	}
	screen.Stop()
	if sender != nil && camera != nil {
		if err := sender.ReplaceTrack(camera); err != nil {
			return fmt.Errorf("restore camera track: %w", err)
		}
	}
	c.log.Info("screen share stopped")
	return nil
}

// Close ends any active call and shuts the client down.
func (c *Client) Close() error {
	c.EndCall()
	err := c.sig.Close()
	c.events.close()
	return err
}

// ensureConnected dials the relay within the signaling timeout and registers
// this participant. Connect is a no-op while the transport is up; after a
// transport loss it dials again, so the next StartCall/JoinCall recovers the
// connection. The inbound loop is tied to the transport's current message
// channel and restarts alongside it.
func (c *Client) ensureConnected(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.SignalingTimeout)
	defer cancel()

	if err := c.sig.Connect(dialCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrSignalingTimeout, err)
		}
		return fmt.Errorf("connect signaling: %w", err)
	}

	err := c.sig.Send(protocol.Message{
		Kind:        protocol.KindRegister,
		Role:        c.cfg.Role,
		DisplayName: c.cfg.DisplayName,
		ExternalID:  c.cfg.ExternalID,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	msgs := c.sig.Messages()
	c.mu.Lock()
	if c.loopMsgs != msgs {
		c.loopMsgs = msgs
		go c.readLoop(msgs)
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) readLoop(msgs <-chan protocol.Message) {
	for msg := range msgs {
		c.handleInbound(msg)
	}

	// Transport gone. A live call cannot continue; a deliberate Close or an
	// already-ended call needs nothing.
	c.mu.Lock()
	if c.loopMsgs == msgs {
		c.loopMsgs = nil
	}
	if !c.state.active() {
		c.mu.Unlock()
		return
	}
	done := c.teardownLocked(false, true, StateEnded)
	c.mu.Unlock()
	done()
	c.events.emit(Event{Kind: EventError, Err: errors.New("signaling transport lost")})
}

func (c *Client) handleInbound(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindRegistered:
		c.log.Debug("registered with relay", "conn_id", msg.ConnectionID)

	case protocol.KindIncomingCall:
		if msg.Offer == nil {
			return
		}
		c.mu.Lock()
		po := pendingOffer{offer: *msg.Offer, from: msg.From}
		c.pendingOffers[msg.CallID] = po
		for _, waiter := range c.offerWaiters[msg.CallID] {
			waiter <- po
		}
		delete(c.offerWaiters, msg.CallID)
		if !c.state.active() {
			c.callID = msg.CallID
			c.setStateLocked(StateRinging)
		}
		c.mu.Unlock()
		c.events.emit(Event{Kind: EventIncomingCall, CallID: msg.CallID, From: msg.From})

	case protocol.KindCallAccepted:
		c.mu.Lock()
		if msg.CallID == c.callID && c.state == StateCalling {
			c.setStateLocked(StateRinging)
		}
		c.mu.Unlock()

	case protocol.KindCallAnswer:
		c.mu.Lock()
		pc := c.pc
		match := msg.CallID == c.callID && pc != nil && msg.Answer != nil
		c.mu.Unlock()
		if !match {
			return
		}
		if err := pc.SetRemoteDescription(*msg.Answer); err != nil {
			c.events.emit(Event{Kind: EventError, CallID: msg.CallID, Err: fmt.Errorf("apply answer: %w", err)})
			return
		}
		c.mu.Lock()
		if msg.CallID == c.callID && c.state.active() {
			c.setStateLocked(StateConnected)
		}
		c.mu.Unlock()

	case protocol.KindICECandidate:
		c.mu.Lock()
		pc := c.pc
		match := msg.CallID == c.callID && pc != nil && msg.Candidate != nil
		c.mu.Unlock()
		if !match {
			return // unknown call id: drop, never queue
		}
		if err := pc.AddICECandidate(*msg.Candidate); err != nil {
			c.log.Debug("add remote candidate failed", "call_id", msg.CallID, "err", err)
		}

	case protocol.KindCallEnded:
		c.mu.Lock()
		// A retained offer for an ended call must not linger; the caller is
		// gone even if this client never joined.
		delete(c.pendingOffers, msg.CallID)
		delete(c.offerWaiters, msg.CallID)
		if msg.CallID != c.callID || !c.state.active() {
			c.mu.Unlock()
			return
		}
		// Remote hangup: relay already knows, skip the notify step.
		done := c.teardownLocked(false, true, StateEnded)
		c.mu.Unlock()
		done()

	case protocol.KindDataMessage:
		var mc protocol.MediaControl
		if err := json.Unmarshal(msg.Data, &mc); err != nil || mc.Kind != "media-control" {
			return // opaque payload for some other layer
		}
		c.events.emit(Event{Kind: EventMediaControl, CallID: msg.CallID, Media: &mc})

	case protocol.KindError:
		err := fmt.Errorf("relay error %s: %s", msg.Code, msg.Message)
		c.events.emit(Event{Kind: EventError, CallID: msg.CallID, Err: err})
		if msg.Code == protocol.ErrCodeNoCalleeAvailable {
			// The relay already failed the session; fold the local call.
			c.mu.Lock()
			if msg.CallID == c.callID && c.state.active() {
				done := c.teardownLocked(false, true, StateEnded)
				c.mu.Unlock()
				done()
				return
			}
			c.mu.Unlock()
		}
	}
}

func (c *Client) waitForOffer(ctx context.Context, callID string) (pendingOffer, error) {
	c.mu.Lock()
	if po, ok := c.pendingOffers[callID]; ok {
		c.mu.Unlock()
		return po, nil
	}
	waiter := make(chan pendingOffer, 1)
	c.offerWaiters[callID] = append(c.offerWaiters[callID], waiter)
	c.mu.Unlock()

	select {
	case po := <-waiter:
		return po, nil
	case <-ctx.Done():
		return pendingOffer{}, fmt.Errorf("waiting for offer of %s: %w", callID, ctx.Err())
	}
}

func (c *Client) buildPeerConnection(callID string, tracks []Track) (PeerConnection, error) {
	pc, err := c.pcf.NewPeerConnection(c.cfg.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	var videoSender TrackSender
	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		if t.Kind() == "video" {
			videoSender = sender
		}
	}

	pc.OnICECandidate(func(cand protocol.Candidate) {
		err := c.sig.Send(protocol.Message{
			Kind:      protocol.KindICECandidate,
			CallID:    callID,
			Candidate: &cand,
		})
		if err != nil {
			c.log.Debug("candidate send failed", "call_id", callID, "err", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			c.mu.Lock()
			if c.callID == callID && c.state.active() {
				c.setStateLocked(StateConnected)
			}
			c.mu.Unlock()
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			// Deliberately non-fatal: transient network blips must not hang
			// up the call. Only EndCall or a remote call-ended does.
			c.events.emit(Event{
				Kind:   EventError,
				CallID: callID,
				Err:    fmt.Errorf("peer connection %s", state),
			})
		}
	})

	c.mu.Lock()
	c.pc = pc
	c.videoSender = videoSender
	c.mu.Unlock()
	return pc, nil
}

func (c *Client) adoptTracks(tracks []Track) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localTracks = append(c.localTracks, tracks...)
	for _, t := range tracks {
		switch t.Kind() {
		case "video":
			c.videoTrack = t
		case "audio":
			c.audioTrack = t
		}
	}
	c.mediaState = call.MediaState{Video: c.videoTrack != nil, Audio: c.audioTrack != nil}
}

func (c *Client) resetForCallLocked(callID, target string) {
	c.callID = callID
	c.target = target
	c.manuallyEnded = false
	c.completed = false
	c.mediaState = call.MediaState{}
}

// abortSetup unwinds a StartCall/JoinCall that failed before the call went
// live: same teardown steps, no relay notification, straight back to idle
// without an ended transition for a call that never existed.
func (c *Client) abortSetup() {
	c.mu.Lock()
	done := c.teardownLocked(false, false, StateIdle)
	c.mu.Unlock()
	done()
}

// teardownLocked runs the ordered teardown and leaves the client in next:
// StateEnded for a call that was live, StateIdle when unwinding a setup that
// never left the ground. It returns the deferred tail (completion callback)
// to invoke after the lock is released, so callbacks can safely re-enter the
// client.
func (c *Client) teardownLocked(notifyRelay, fireCompletion bool, next State) func() {
	// (a) stop every local track, screen capture included
	for _, t := range c.localTracks {
		t.Stop()
	}
	if c.screenTrack != nil {
		c.screenTrack.Stop()
	}

	// (b) drop senders, close the peer connection
	if c.pc != nil {
		for _, s := range c.pc.Senders() {
			_ = c.pc.RemoveSender(s)
		}
		_ = c.pc.Close()
	}

	// (c) tell the relay so the remote side hears call-ended
	if notifyRelay && c.callID != "" {
		err := c.sig.Send(protocol.Message{Kind: protocol.KindCallEnded, CallID: c.callID})
		if err != nil {
			c.log.Warn("call-ended notify failed", "call_id", c.callID, "err", err)
		}
	}

	// (d) clear the references; hardware indicators must be off by now
	c.pc = nil
	c.videoSender = nil
	c.localTracks = nil
	c.videoTrack = nil
	c.audioTrack = nil
	c.screenTrack = nil
	c.mediaState = call.MediaState{}
	delete(c.pendingOffers, c.callID)
	delete(c.offerWaiters, c.callID)

	c.setStateLocked(next)

	// (e) completion callback exactly once per call
	if !fireCompletion || c.completed || c.onComplete == nil {
		return func() {}
	}
	c.completed = true
	cb := c.onComplete
	return cb
}

func (c *Client) setStateLocked(next State) {
	if c.state == next {
		return
	}
	c.state = next
	c.events.emit(Event{Kind: EventStateChanged, CallID: c.callID, State: next})
}
