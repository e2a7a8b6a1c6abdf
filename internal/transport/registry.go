package transport

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/proxytransport/internal/session"
)

// Registry tracks live sessions by id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session.Session)}
}

// Register adds s. It is removed again when s disconnects.
func (r *Registry) Register(s *session.Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	s.AddDisconnectHandler(func(session.Reason) { r.Unregister(s.ID()) })
	log.Debug().Str("session", s.ID()).Msg("session registered")
}

// Unregister forgets the session with id without closing it.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		log.Debug().Str("session", id).Msg("session unregistered")
	}
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// All returns the live sessions, oldest first.
func (r *Registry) All() []*session.Session {
	r.mu.RLock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].CreatedAt(), out[j].CreatedAt()
		if a.Equal(b) {
			return out[i].ID() < out[j].ID()
		}
		return a.Before(b)
	})
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll disconnects every session with reason.
func (r *Registry) CloseAll(reason session.Reason) int {
	all := r.All()
	for _, s := range all {
		s.Disconnect(reason)
	}
	if len(all) > 0 {
		log.Info().Int("sessions", len(all)).Str("reason", string(reason)).Msg("all sessions closed")
	}
	return len(all)
}
