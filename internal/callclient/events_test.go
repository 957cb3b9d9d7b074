package callclient

import "testing"

func TestEmitterIndependentSubscribers(t *testing.T) {
	e := newEmitter()

	a, cancelA := e.subscribe(4)
	b, cancelB := e.subscribe(4)
	defer cancelB()

	e.emit(Event{Kind: EventStateChanged, State: StateCalling})

	if ev := <-a; ev.State != StateCalling {
		t.Fatalf("a got %+v", ev)
	}
	if ev := <-b; ev.State != StateCalling {
		t.Fatalf("b got %+v", ev)
	}

	// Cancelling one subscriber must not affect the other.
	cancelA()
	e.emit(Event{Kind: EventStateChanged, State: StateEnded})
	if ev := <-b; ev.State != StateEnded {
		t.Fatalf("b got %+v after cancelA", ev)
	}
	if _, open := <-a; open {
		t.Fatal("a still open after cancel")
	}
}

func TestEmitterDropsWhenSubscriberFull(t *testing.T) {
	e := newEmitter()
	ch, cancel := e.subscribe(1)
	defer cancel()

	e.emit(Event{Kind: EventStateChanged, State: StateCalling})
	e.emit(Event{Kind: EventStateChanged, State: StateConnected}) // dropped

	if ev := <-ch; ev.State != StateCalling {
		t.Fatalf("got %+v", ev)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event %+v", ev)
	default:
	}
}

func TestEmitterCloseClosesSubscribers(t *testing.T) {
	e := newEmitter()
	ch, _ := e.subscribe(1)
	e.close()

	if _, open := <-ch; open {
		t.Fatal("subscriber channel still open after close")
	}

	// Subscribing after close yields a closed channel, not a deadlock.
	late, cancel := e.subscribe(1)
	defer cancel()
	if _, open := <-late; open {
		t.Fatal("late subscriber channel open after close")
	}
}
