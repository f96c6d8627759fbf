package pool

import (
	"sync"
	"time"

	"github.com/JakeFAU/webshot/internal/capture"
)

// State is the lifecycle position of a session.
type State int

// Session states. A session is only ever leased while busy, and a broken
// session never returns to idle.
const (
	StateIdle State = iota
	StateBusy
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Session is one leased browser engine.
type Session struct {
	id        string
	engine    capture.Engine
	createdAt time.Time

	mu    sync.Mutex
	state State
	uses  int
}

func newSession(id string, engine capture.Engine, now time.Time) *Session {
	return &Session{id: id, engine: engine, createdAt: now, state: StateIdle}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// Engine returns the engine bound to the session.
func (s *Session) Engine() capture.Engine { return s.engine }

// CreatedAt returns when the engine was launched.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Uses returns how many times the session has been leased.
func (s *Session) Uses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uses
}

func (s *Session) lease() {
	s.mu.Lock()
	s.state = StateBusy
	s.uses++
	s.mu.Unlock()
}

// transition moves a busy session to next and reports whether it was busy.
func (s *Session) transition(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBusy {
		return false
	}
	s.state = next
	return true
}

func (s *Session) markBroken() {
	s.mu.Lock()
	s.state = StateBroken
	s.mu.Unlock()
}
