// Package protocol defines the wire-level signaling messages exchanged between
// clients and the relay over the WebSocket transport.
//
// Parsing is strict: unknown fields, trailing data and kind/field mismatches
// are all rejected before a message reaches the router.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/vitacall/call-relay/internal/call"
)

type Kind string

const (
	// Client to relay.
	KindRegister    Kind = "register"
	KindCallRequest Kind = "call-request"
	KindCallAnswer  Kind = "call-answer"

	// Relay to client.
	KindRegistered   Kind = "registered"
	KindIncomingCall Kind = "incoming-call"
	KindCallAccepted Kind = "call-accepted"
	KindError        Kind = "error"

	// Either direction, forwarded 1:1 through the relay.
	KindICECandidate Kind = "ice-candidate"
	KindCallEnded    Kind = "call-ended"
	KindDataMessage  Kind = "data-message"
)

// Error codes carried by KindError messages.
const (
	ErrCodeNoCalleeAvailable = "no_callee_available"
	ErrCodeCallInProgress    = "call_in_progress"
	ErrCodeNotRegistered     = "not_registered"
	ErrCodeBadMessage        = "bad_message"
)

// ParticipantInfo is the caller identity attached to call-request and
// incoming-call messages so the remote UI can render who is calling.
type ParticipantInfo struct {
	DisplayName string `json:"displayName,omitempty"`
	ExternalID  string `json:"externalId,omitempty"`
}

// Candidate is a JSON-friendly ICE candidate, mirroring ICECandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// SDPFromPion converts a pion session description to the wire form.
func SDPFromPion(desc webrtc.SessionDescription) call.SessionDescription {
	return call.SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

// SDPToPion converts a wire session description back to a pion one. Only
// offers and answers are valid on this protocol.
func SDPToPion(desc call.SessionDescription) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch desc.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", desc.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}, nil
}

// Message is the tagged union for all signaling traffic. Exactly the fields
// belonging to the Kind may be set; Validate enforces this.
type Message struct {
	Kind Kind `json:"kind"`

	// CallID correlates every kind except register/registered/error to a
	// call session.
	CallID string `json:"callId,omitempty"`

	// register
	Role        call.Role `json:"role,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	ExternalID  string    `json:"externalId,omitempty"`

	// registered
	ConnectionID string `json:"connectionId,omitempty"`

	// call-request / incoming-call
	To    string                   `json:"to,omitempty"`
	From  *ParticipantInfo         `json:"from,omitempty"`
	Offer *call.SessionDescription `json:"offer,omitempty"`

	// call-answer
	Answer *call.SessionDescription `json:"answer,omitempty"`

	// ice-candidate
	Candidate *Candidate `json:"candidate,omitempty"`

	// data-message; opaque to the relay.
	Data json.RawMessage `json:"data,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Parse decodes and validates a single wire message.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m Message) Validate() error {
	switch m.Kind {
	case KindRegister:
		if !m.Role.Valid() {
			return fmt.Errorf("register message has invalid role %q", m.Role)
		}
		if m.CallID != "" || m.Offer != nil || m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("register message has unexpected fields")
		}
	case KindRegistered:
		if m.ConnectionID == "" {
			return fmt.Errorf("registered message missing connectionId")
		}
	case KindCallRequest:
		if m.CallID == "" {
			return fmt.Errorf("call-request message missing callId")
		}
		if m.To == "" {
			return fmt.Errorf("call-request message missing to")
		}
		if m.Offer == nil {
			return fmt.Errorf("call-request message missing offer")
		}
		if m.Offer.Type != "offer" {
			return fmt.Errorf("call-request message has offer.type=%q", m.Offer.Type)
		}
		if m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("call-request message has unexpected fields")
		}
	case KindIncomingCall:
		if m.CallID == "" {
			return fmt.Errorf("incoming-call message missing callId")
		}
		if m.Offer == nil {
			return fmt.Errorf("incoming-call message missing offer")
		}
	case KindCallAnswer:
		if m.CallID == "" {
			return fmt.Errorf("call-answer message missing callId")
		}
		if m.Answer == nil {
			return fmt.Errorf("call-answer message missing answer")
		}
		if m.Answer.Type != "answer" {
			return fmt.Errorf("call-answer message has answer.type=%q", m.Answer.Type)
		}
		if m.Offer != nil || m.Candidate != nil {
			return fmt.Errorf("call-answer message has unexpected fields")
		}
	case KindCallAccepted:
		if m.CallID == "" {
			return fmt.Errorf("call-accepted message missing callId")
		}
	case KindICECandidate:
		if m.CallID == "" {
			return fmt.Errorf("ice-candidate message missing callId")
		}
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if m.Offer != nil || m.Answer != nil {
			return fmt.Errorf("ice-candidate message has unexpected fields")
		}
	case KindCallEnded:
		if m.CallID == "" {
			return fmt.Errorf("call-ended message missing callId")
		}
		if m.Offer != nil || m.Answer != nil || m.Candidate != nil || len(m.Data) > 0 {
			return fmt.Errorf("call-ended message has unexpected fields")
		}
	case KindDataMessage:
		if m.CallID == "" {
			return fmt.Errorf("data-message missing callId")
		}
		if len(m.Data) == 0 {
			return fmt.Errorf("data-message missing data")
		}
		if m.Offer != nil || m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("data-message has unexpected fields")
		}
	case KindError:
		if m.Code == "" || m.Message == "" {
			return fmt.Errorf("error message missing code/message")
		}
	default:
		return fmt.Errorf("unsupported message kind %q", m.Kind)
	}
	return nil
}

// Encode marshals a validated message for the wire.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// MediaControl is the payload clients exchange over the peer data channel
// (best-effort) when a local track is toggled. The relay never inspects it;
// the type lives here so both ends agree on the shape.
type MediaControl struct {
	Kind  string `json:"kind"` // always "media-control"
	Video bool   `json:"video"`
	Audio bool   `json:"audio"`
}
