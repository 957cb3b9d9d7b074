package callclient

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/vitacall/call-relay/internal/call"
	"github.com/vitacall/call-relay/internal/protocol"
)

// Signaler is the client's connection to the relay. Connect is idempotent;
// implementations must deliver inbound messages in arrival order on Messages
// and close that channel when the transport dies.
type Signaler interface {
	Connect(ctx context.Context) error
	Send(msg protocol.Message) error
	Messages() <-chan protocol.Message
	Close() error
}

// Track is one live local media track.
type Track interface {
	ID() string
	Kind() string // "audio" or "video"
	Enabled() bool
	SetEnabled(enabled bool)

	// Live reports whether the track still produces media; false after Stop.
	Live() bool
	Stop()

	// OnEnded registers a callback for the track ending outside Stop, e.g.
	// the user revoking a screen capture from the OS picker. May be a no-op.
	OnEnded(fn func())
}

// MediaDevices acquires capture tracks. Acquisition can block on a user
// permission prompt, so both calls honor ctx cancellation.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, video, audio bool) ([]Track, error)
	GetDisplayMedia(ctx context.Context) (Track, error)
}

// TrackSender is one outbound track binding on a peer connection.
type TrackSender interface {
	Track() Track
	ReplaceTrack(t Track) error
}

// PeerConnection abstracts the RTC peer object the state machine drives.
type PeerConnection interface {
	AddTrack(t Track) (TrackSender, error)
	Senders() []TrackSender
	RemoveSender(s TrackSender) error

	CreateOffer(ctx context.Context) (call.SessionDescription, error)
	CreateAnswer(ctx context.Context) (call.SessionDescription, error)
	SetRemoteDescription(desc call.SessionDescription) error
	AddICECandidate(c protocol.Candidate) error

	OnICECandidate(fn func(c protocol.Candidate))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))

	Close() error
}

// PeerConnector builds peer connections; injectable so tests never open
// sockets.
type PeerConnector interface {
	NewPeerConnection(iceServers []webrtc.ICEServer) (PeerConnection, error)
}
