package obs

import (
	"context"
	"fmt"
	"sync"

	"github.com/bryanveloso/landale/internal/bus"
	"github.com/bryanveloso/landale/internal/logger"
)

// SessionsSupervisor is the top-level registry of OBS sessions, keyed by
// session id. Multiple sessions against the same physical OBS instance are
// permitted; the supervisor does not deduplicate by URL (spec.md Open
// Question 2).
type SessionsSupervisor struct {
	bus *bus.Bus

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionsSupervisor constructs an empty supervisor.
func NewSessionsSupervisor(b *bus.Bus) *SessionsSupervisor {
	return &SessionsSupervisor{
		bus:      b,
		sessions: make(map[string]*Session),
	}
}

// StartSession registers and starts a new session under id. Returns an
// error if id is already in use.
func (sup *SessionsSupervisor) StartSession(ctx context.Context, id, url, password string) error {
	sup.mu.Lock()
	if _, exists := sup.sessions[id]; exists {
		sup.mu.Unlock()
		return fmt.Errorf("session %q already registered", id)
	}
	session := NewSession(id, url, password, sup.bus)
	sup.sessions[id] = session
	sup.mu.Unlock()

	logger.OBS().Info().Str("session", id).Str("url", url).Msg("starting session")
	session.Start(ctx)
	return nil
}

// StopSession tears down and unregisters a session.
func (sup *SessionsSupervisor) StopSession(id string) {
	sup.mu.Lock()
	session, ok := sup.sessions[id]
	if ok {
		delete(sup.sessions, id)
	}
	sup.mu.Unlock()

	if ok {
		session.Stop()
		logger.OBS().Info().Str("session", id).Msg("session stopped")
	}
}

// Session returns the session registered under id, if any.
func (sup *SessionsSupervisor) Session(id string) (*Session, bool) {
	sup.mu.RLock()
	defer sup.mu.RUnlock()
	session, ok := sup.sessions[id]
	return session, ok
}

// SessionIDs returns the ids of every currently registered session.
func (sup *SessionsSupervisor) SessionIDs() []string {
	sup.mu.RLock()
	defer sup.mu.RUnlock()
	ids := make([]string, 0, len(sup.sessions))
	for id := range sup.sessions {
		ids = append(ids, id)
	}
	return ids
}

// StopAll tears down every registered session, used on process shutdown.
func (sup *SessionsSupervisor) StopAll() {
	sup.mu.Lock()
	sessions := sup.sessions
	sup.sessions = make(map[string]*Session)
	sup.mu.Unlock()

	for id, session := range sessions {
		session.Stop()
		logger.OBS().Info().Str("session", id).Msg("session stopped")
	}
}
