// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to script inbound events and inspect which frames the
// orchestrator sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Push(s2s.Event{Type: s2s.EventTurnComplete})
//	sess.Fail(errors.New("reset by peer")) // delivers EventError and closes
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/nexusvoice/pkg/audio"
	"github.com/MrWong99/nexusvoice/pkg/provider/s2s"
)

// Compile-time interface assertions.
var (
	_ s2s.Provider = (*Provider)(nil)
	_ s2s.Session  = (*Session)(nil)
)

// eventBuffer is large enough that scripted tests never block on Push.
const eventBuffer = 256

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the Config passed to Connect.
	Cfg s2s.Config
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a new Session.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until it is closed or the
	// context is cancelled. A cancelled context returns an error wrapping
	// [s2s.ErrConnect].
	Block chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	started chan struct{}
	once    sync.Once
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.Config) (s2s.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block := p.Block
	p.mu.Unlock()
	started := p.startedCh()
	p.once.Do(func() { close(started) })

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, fmt.Errorf("mock: connect: %w: %w", s2s.ErrConnect, ctx.Err())
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// Started returns a channel that is closed once Connect has been entered.
func (p *Provider) Started() <-chan struct{} {
	return p.startedCh()
}

func (p *Provider) startedCh() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started == nil {
		p.started = make(chan struct{})
	}
	return p.started
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns the number of Connect calls so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Session is a mock implementation of s2s.Session. It starts open.
type Session struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by Send while the session is open.
	SendErr error

	// Sent records every chunk accepted by Send.
	Sent []audio.EncodedChunk

	// CloseCalls counts Close invocations.
	CloseCalls int

	state  s2s.State
	events chan s2s.Event
	sentCh chan struct{}
}

// NewSession returns an open Session.
func NewSession() *Session {
	return &Session{
		state:  s2s.StateOpen,
		events: make(chan s2s.Event, eventBuffer),
		sentCh: make(chan struct{}, eventBuffer),
	}
}

// Send records chunk while the session is open and drops it otherwise.
func (s *Session) Send(chunk audio.EncodedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != s2s.StateOpen {
		return nil
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.Sent = append(s.Sent, chunk)
	select {
	case s.sentCh <- struct{}{}:
	default:
	}
	return nil
}

// SentSignal returns a channel that receives a value for each accepted chunk.
func (s *Session) SentSignal() <-chan struct{} {
	return s.sentCh
}

// SentCount returns the number of chunks accepted so far.
func (s *Session) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Sent)
}

// Events returns the inbound event channel.
func (s *Session) Events() <-chan s2s.Event {
	return s.events
}

// State returns the current lifecycle state.
func (s *Session) State() s2s.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Push delivers a non-terminal event. It reports false once the session has
// finished.
func (s *Session) Push(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != s2s.StateOpen {
		return false
	}
	s.events <- ev
	return true
}

// Fail delivers an [s2s.EventError] wrapping [s2s.ErrTransport] and cause,
// then closes the event channel.
func (s *Session) Fail(cause error) {
	s.finish(s2s.StateErrored, s2s.Event{
		Type: s2s.EventError,
		Err:  fmt.Errorf("mock: %w: %w", s2s.ErrTransport, cause),
	})
}

// RemoteClose delivers an [s2s.EventClosed] with reason, then closes the
// event channel.
func (s *Session) RemoteClose(reason string) {
	s.finish(s2s.StateClosed, s2s.Event{Type: s2s.EventClosed, Reason: reason})
}

// Close records the call and, the first time, delivers [s2s.EventClosed].
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.mu.Unlock()
	s.finish(s2s.StateClosed, s2s.Event{Type: s2s.EventClosed, Reason: "closed by client"})
	return nil
}

// Closes returns the number of Close calls.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCalls
}

func (s *Session) finish(st s2s.State, ev s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != s2s.StateOpen {
		return
	}
	s.state = st
	s.events <- ev
	close(s.events)
}
