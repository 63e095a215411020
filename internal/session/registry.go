package session

import (
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Registry maps each user id to its single active session. A newer session
// for the same user replaces and closes the older one.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *logrus.Logger
}

func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Register stores s under its user id and returns the session it replaced,
// which has been closed by the time Register returns.
func (r *Registry) Register(s *Session) *Session {
	r.mu.Lock()
	prev := r.sessions[s.UserID]
	r.sessions[s.UserID] = s
	r.mu.Unlock()

	if prev == nil || prev == s {
		return nil
	}

	r.logger.WithFields(logrus.Fields{
		"user_id":        s.UserID,
		"session_id":     s.ID,
		"replaced_id":    prev.ID,
		"replaced_state": prev.State().String(),
	}).Info("Replacing existing session")

	if err := prev.Close(); err != nil {
		r.logger.WithError(err).WithField("session_id", prev.ID).Debug("Closing replaced session connection failed")
	}
	return prev
}

// Unregister removes and closes the session of userID. Calling it for an
// unknown user is a no-op.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	s := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

// UnregisterSession closes s and removes it from the registry only if it is
// still the session registered for its user. It reports whether the mapping
// was removed.
func (r *Registry) UnregisterSession(s *Session) bool {
	r.mu.Lock()
	removed := r.sessions[s.UserID] == s
	if removed {
		delete(r.sessions, s.UserID)
	}
	r.mu.Unlock()

	s.Close()
	return removed
}

func (r *Registry) Lookup(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes and forgets every session.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var err error
	for _, s := range sessions {
		err = multierr.Append(err, s.Close())
	}
	return err
}
