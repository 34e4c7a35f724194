package s2s

import (
	"sync/atomic"
	"time"
)

// terminalSendTimeout bounds how long a terminal event waits for a consumer
// that stopped reading.
const terminalSendTimeout = 5 * time.Second

// Dispatcher is the event channel and lifecycle state shared by session
// implementations. A single receive goroutine owns the Dispatcher: only it may
// call [Dispatcher.Emit] and [Dispatcher.Finish]. State and Events are safe
// for concurrent use.
type Dispatcher struct {
	ch    chan Event
	stop  <-chan struct{}
	state atomic.Int32
}

// NewDispatcher returns a Dispatcher in [StateConnecting] whose channel holds
// buffer events. Non-terminal events are dropped once stop is closed.
func NewDispatcher(buffer int, stop <-chan struct{}) *Dispatcher {
	d := &Dispatcher{
		ch:   make(chan Event, buffer),
		stop: stop,
	}
	d.state.Store(int32(StateConnecting))
	return d
}

// Events returns the receive side of the event channel.
func (d *Dispatcher) Events() <-chan Event {
	return d.ch
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Open moves a connecting session to [StateOpen]. It reports false if the
// session already reached a terminal state.
func (d *Dispatcher) Open() bool {
	return d.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// Terminate moves the session to the terminal state st unless it already is
// terminal. It reports whether the transition happened.
func (d *Dispatcher) Terminate(st State) bool {
	for {
		cur := d.state.Load()
		if State(cur) == StateClosed || State(cur) == StateErrored {
			return false
		}
		if d.state.CompareAndSwap(cur, int32(st)) {
			return true
		}
	}
}

// Emit delivers a non-terminal event in order. It blocks while the channel
// is full and reports false if the session is stopping and the event was
// dropped.
func (d *Dispatcher) Emit(ev Event) bool {
	select {
	case <-d.stop:
		return false
	default:
	}
	select {
	case d.ch <- ev:
		return true
	case <-d.stop:
		return false
	}
}

// Finish delivers the terminal event ev, moves the session to the matching
// terminal state and closes the channel. It must be called exactly once.
func (d *Dispatcher) Finish(ev Event) {
	if ev.Type == EventError {
		d.Terminate(StateErrored)
	} else {
		d.Terminate(StateClosed)
	}

	timer := time.NewTimer(terminalSendTimeout)
	defer timer.Stop()
	select {
	case d.ch <- ev:
	case <-timer.C:
	}
	close(d.ch)
}
