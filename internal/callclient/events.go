package callclient

import (
	"sync"

	"github.com/vitacall/call-relay/internal/protocol"
)

type EventKind string

const (
	// EventStateChanged fires on every call state transition.
	EventStateChanged EventKind = "state-changed"

	// EventIncomingCall fires when the relay forwards a call offer to this
	// client. JoinCall accepts it.
	EventIncomingCall EventKind = "incoming-call"

	// EventMediaControl fires when the remote side toggles camera or
	// microphone; the payload mirrors the remote's new media state.
	EventMediaControl EventKind = "media-control"

	// EventError carries non-fatal failures: ICE degradation, relay error
	// messages, best-effort sends that did not go through. The call keeps
	// running; only EndCall or a remote call-ended terminates it.
	EventError EventKind = "error"
)

type Event struct {
	Kind   EventKind
	CallID string

	// EventStateChanged
	State State

	// EventIncomingCall
	From *protocol.ParticipantInfo

	// EventMediaControl
	Media *protocol.MediaControl

	// EventError
	Err error
}

// emitter fans events out to any number of independent subscribers. Slow
// subscribers lose events rather than blocking the state machine.
type emitter struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newEmitter() *emitter {
	return &emitter{subs: make(map[int]chan Event)}
}

// subscribe returns a buffered event channel and a cancel function. The
// channel is closed on cancel or when the client shuts down.
func (e *emitter) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, sub := range e.subs {
		delete(e.subs, id)
		close(sub)
	}
}
