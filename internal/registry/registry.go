// Package registry is the relay's authoritative in-memory store of
// participants and call sessions.
//
// The registry is owned exclusively by the signaling router; it never sends
// messages itself. All state is process-lifetime only, there is no
// persistence.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/vitacall/call-relay/internal/call"
)

var (
	ErrDuplicateSession = errors.New("registry: session id already exists")
	ErrUnknownSession   = errors.New("registry: unknown session id")
)

// DefaultEndedRetention bounds how many ended sessions are kept around for
// the debug dump. Ended sessions are otherwise unreachable: they are removed
// from the participant index the moment they end.
const DefaultEndedRetention = 64

type Options struct {
	// EndedRetention overrides DefaultEndedRetention when > 0.
	EndedRetention int

	// Now is injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

type Registry struct {
	now      func() time.Time
	endedCap int

	mu           sync.Mutex
	participants map[string]call.Participant // by connection id
	sessions     map[string]call.Session     // by call id, non-ended only
	ended        []call.Session              // bounded FIFO, newest last
}

func New(opts Options) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	endedCap := opts.EndedRetention
	if endedCap <= 0 {
		endedCap = DefaultEndedRetention
	}
	return &Registry{
		now:          now,
		endedCap:     endedCap,
		participants: make(map[string]call.Participant),
		sessions:     make(map[string]call.Session),
	}
}

// RegisterParticipant stores (or overwrites) the participant for its
// connection id. Registration is idempotent and never fails.
func (r *Registry) RegisterParticipant(p call.Participant) {
	p.RegisteredAt = r.now()
	r.mu.Lock()
	r.participants[p.ConnectionID] = p
	r.mu.Unlock()
}

// Participant looks up a participant by connection id.
func (r *Registry) Participant(connID string) (call.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[connID]
	return p, ok
}

// RemoveParticipant deletes the participant and returns the non-ended
// sessions that referenced it, so the router can run its disconnect cascade.
// The sessions themselves are not ended here; ending is the router's call.
func (r *Registry) RemoveParticipant(connID string) []call.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.participants, connID)

	var affected []call.Session
	for _, sess := range r.sessions {
		if sess.Involves(connID) {
			affected = append(affected, sess)
		}
	}
	return affected
}

// FindCalleeByExternalID resolves the registered callee whose external id
// matches the caller's intended target. Resolution is explicit: an absent
// target is absent, never substituted by "any other participant".
func (r *Registry) FindCalleeByExternalID(externalID string) (call.Participant, bool) {
	if externalID == "" {
		return call.Participant{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.participants {
		if p.Role == call.RoleCallee && p.ExternalID == externalID {
			return p, true
		}
	}
	return call.Participant{}, false
}

// CreateSession stores a new session in status initiating.
func (r *Registry) CreateSession(sess call.Session) error {
	sess.Status = call.StatusInitiating
	sess.CreatedAt = r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sess.CallID]; ok {
		return ErrDuplicateSession
	}
	r.sessions[sess.CallID] = sess
	return nil
}

// Session returns a snapshot of a non-ended session.
func (r *Registry) Session(callID string) (call.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[callID]
	return sess, ok
}

// SessionsByParticipant returns the non-ended sessions where the connection
// is caller or callee.
func (r *Registry) SessionsByParticipant(connID string) []call.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []call.Session
	for _, sess := range r.sessions {
		if sess.Involves(connID) {
			out = append(out, sess)
		}
	}
	return out
}

// PendingSessionsForTarget returns initiating sessions aimed at the given
// external id that have no callee attached yet. Used to replay the retained
// offer when the targeted callee registers after the call-request arrived.
func (r *Registry) PendingSessionsForTarget(externalID string) []call.Session {
	if externalID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []call.Session
	for _, sess := range r.sessions {
		if sess.Status == call.StatusInitiating && sess.CalleeConnectionID == "" &&
			!sess.Simulated && sess.TargetExternalID == externalID {
			out = append(out, sess)
		}
	}
	return out
}

// AttachCallee records the resolved callee connection and moves the session
// to ringing.
func (r *Registry) AttachCallee(callID, calleeConnID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[callID]
	if !ok {
		return ErrUnknownSession
	}
	sess.CalleeConnectionID = calleeConnID
	sess.Status = call.StatusRinging
	r.sessions[callID] = sess
	return nil
}

// MarkSimulated flags the session as answered by the demo fallback.
func (r *Registry) MarkSimulated(callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[callID]
	if !ok {
		return ErrUnknownSession
	}
	sess.Simulated = true
	r.sessions[callID] = sess
	return nil
}

// SetConnected marks the session connected and stamps StartTime.
func (r *Registry) SetConnected(callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[callID]
	if !ok {
		return ErrUnknownSession
	}
	sess.Status = call.StatusConnected
	sess.StartTime = r.now()
	r.sessions[callID] = sess
	return nil
}

// EndSession marks the session ended, stamps EndTime and removes it from the
// participant index. It is idempotent: ending an already-ended or unknown
// session reports ok=false and has no further side effects.
func (r *Registry) EndSession(callID string) (call.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[callID]
	if !ok {
		return call.Session{}, false
	}
	delete(r.sessions, callID)

	sess.Status = call.StatusEnded
	sess.EndTime = r.now()

	r.ended = append(r.ended, sess)
	if len(r.ended) > r.endedCap {
		r.ended = r.ended[len(r.ended)-r.endedCap:]
	}
	return sess, true
}

// Counts reports the live participant and non-ended session counts for the
// health endpoint and metrics gauges.
func (r *Registry) Counts() (participants, activeSessions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants), len(r.sessions)
}

// Snapshot is the full registry dump served by the dev-only debug endpoint.
type Snapshot struct {
	Participants   []call.Participant `json:"participants"`
	ActiveSessions []call.Session     `json:"activeSessions"`
	EndedSessions  []call.Session     `json:"endedSessions"`
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Participants:   make([]call.Participant, 0, len(r.participants)),
		ActiveSessions: make([]call.Session, 0, len(r.sessions)),
		EndedSessions:  append([]call.Session(nil), r.ended...),
	}
	for _, p := range r.participants {
		snap.Participants = append(snap.Participants, p)
	}
	for _, sess := range r.sessions {
		snap.ActiveSessions = append(snap.ActiveSessions, sess)
	}
	return snap
}
