// Package realtime maps live session identifiers to open websocket
// connections. The registry is an injected, process-scoped service so
// tests instantiate isolated copies; there is no package-level state.
package realtime

import (
	"errors"
	"sync"

	"github.com/example/ride-dispatch/internal/observability"
)

type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

var ErrNoSession = errors.New("no live session")

// Conn is the slice of *websocket.Conn the registry needs; tests
// substitute in-memory fakes.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// session serializes writes: gorilla/websocket allows one concurrent
// writer per connection.
type session struct {
	conn Conn
	mu   sync.Mutex
}

func (s *session) send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[Role]map[string]*session
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[Role]map[string]*session{
		RoleDriver: {},
		RoleRider:  {},
	}}
}

// Add registers a connection, replacing any previous session for the
// same identifier. The old connection is closed so a reconnecting
// client does not leave a zombie writer.
func (r *Registry) Add(role Role, id string, c Conn) {
	r.mu.Lock()
	old := r.sessions[role][id]
	r.sessions[role][id] = &session{conn: c}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	} else {
		observability.WSSessions.WithLabelValues(string(role)).Inc()
	}
}

// Remove drops the session only if it still belongs to c, so a late
// close of a replaced connection cannot evict its successor.
func (r *Registry) Remove(role Role, id string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[role][id]
	if !ok || cur.conn != c {
		return
	}
	delete(r.sessions[role], id)
	observability.WSSessions.WithLabelValues(string(role)).Dec()
}

func (r *Registry) Connected(role Role, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[role][id]
	return ok
}

func (r *Registry) SendToSession(role Role, id string, ev Event) error {
	r.mu.RLock()
	s, ok := r.sessions[role][id]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(ev)
}

// SendToRole delivers ev to every connection of the role, best effort,
// and returns how many sends succeeded.
func (r *Registry) SendToRole(role Role, ev Event) int {
	r.mu.RLock()
	targets := make([]*session, 0, len(r.sessions[role]))
	for _, s := range r.sessions[role] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	sent := 0
	for _, s := range targets {
		if err := s.send(ev); err == nil {
			sent++
		}
	}
	return sent
}
