// Package call holds the domain model shared by the relay's registry and
// router: participants, call sessions and their lifecycle states.
//
// Everything here is plain data; behavior lives in the registry (storage) and
// the router (state transitions).
package call

import "time"

// Role identifies which side of a call a participant is on. In the telehealth
// deployment "caller" is the clinician and "callee" the patient.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

func (r Role) Valid() bool {
	return r == RoleCaller || r == RoleCallee
}

// Participant is one connected client. Identity fields are supplied by the
// client at registration and are not authenticated by this layer.
type Participant struct {
	ConnectionID string    `json:"connectionId"`
	Role         Role      `json:"role"`
	DisplayName  string    `json:"displayName,omitempty"`
	ExternalID   string    `json:"externalId,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Status is the lifecycle state of a call session.
// Keep values stable; they are exposed verbatim by the debug API.
type Status string

const (
	StatusInitiating Status = "initiating"
	StatusRinging    Status = "ringing"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusEnded
}

// SessionDescription is a minimal JSON representation of an SDP offer/answer.
// The relay never parses SDP bodies; it only stores and forwards them.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Session is one call attempt between exactly two participants.
//
// CalleeConnectionID stays empty until a callee attaches, and for the whole
// session if none ever does. Simulated indicates the demo fallback answered
// on behalf of a peer that does not exist.
type Session struct {
	CallID             string             `json:"callId"`
	CallerConnectionID string             `json:"callerConnectionId"`
	CalleeConnectionID string             `json:"calleeConnectionId,omitempty"`
	TargetExternalID   string             `json:"targetExternalId,omitempty"`
	Status             Status             `json:"status"`
	Offer              SessionDescription `json:"-"`
	Simulated          bool               `json:"simulated,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	StartTime          time.Time          `json:"startTime,omitempty"`
	EndTime            time.Time          `json:"endTime,omitempty"`
}

// Involves reports whether connID is the caller or the callee of the session.
func (s *Session) Involves(connID string) bool {
	return connID != "" && (s.CallerConnectionID == connID || s.CalleeConnectionID == connID)
}

// PeerOf resolves "the other participant" for a given connection. It returns
// the empty string when the peer is not yet known, when the session is
// simulated, or when connID is not part of the session at all.
func (s *Session) PeerOf(connID string) string {
	if s.Simulated {
		return ""
	}
	switch connID {
	case s.CallerConnectionID:
		return s.CalleeConnectionID
	case s.CalleeConnectionID:
		return s.CallerConnectionID
	default:
		return ""
	}
}

// MediaState is client-local track state; it is never stored on the relay but
// travels in media-control data messages so the remote UI can mirror it.
type MediaState struct {
	Video bool `json:"video"`
	Audio bool `json:"audio"`
}
