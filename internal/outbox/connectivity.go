package outbox

import (
	"context"
	"sync"
)

// Connectivity reports whether the device can reach the source of record.
type Connectivity interface {
	Online() bool
	// WaitOnline blocks until the device is online or ctx ends.
	WaitOnline(ctx context.Context) error
}

// AlwaysOnline never suspends the runner.
type AlwaysOnline struct{}

func (AlwaysOnline) Online() bool                     { return true }
func (AlwaysOnline) WaitOnline(context.Context) error { return nil }

// Switch is a manually toggled Connectivity, driven by platform network callbacks.
type Switch struct {
	mu     sync.Mutex
	online bool
	up     chan struct{} // closed while online
}

// NewSwitch returns a switch in the given state.
func NewSwitch(online bool) *Switch {
	s := &Switch{up: make(chan struct{})}
	s.Set(online)
	return s
}

// Set changes the state, releasing waiters when going online.
func (s *Switch) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if online == s.online {
		return
	}
	s.online = online
	if online {
		close(s.up)
	} else {
		s.up = make(chan struct{})
	}
}

// Online reports the current state.
func (s *Switch) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// WaitOnline blocks until the switch is set online or ctx is done.
func (s *Switch) WaitOnline(ctx context.Context) error {
	s.mu.Lock()
	up := s.up
	s.mu.Unlock()
	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
