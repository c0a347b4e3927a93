package dispatch

import (
	"log/slog"
	"sync"
)

// Conn is the subset of *websocket.Conn the registry needs. Tests substitute
// scripted implementations.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Session is one live connection of a driver (or the rider gateway). Writes
// are serialized per connection.
type Session struct {
	conn Conn
	mu   sync.Mutex
}

func (s *Session) send(payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(payload)
}

// Registry holds the live connections keyed by username. A driver may be
// connected from several devices at once; publish fans out to all of them.
// State is process-local and lost on restart: delivery is at-most-once and
// drivers must reconnect after a restart.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string][]*Session
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{sessions: make(map[string][]*Session), logger: logger}
}

func (r *Registry) Add(username string, conn Conn) *Session {
	s := &Session{conn: conn}
	r.mu.Lock()
	r.sessions[username] = append(r.sessions[username], s)
	r.mu.Unlock()
	return s
}

func (r *Registry) Remove(username string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.sessions[username]
	for i, cur := range list {
		if cur == s {
			r.sessions[username] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.sessions[username]) == 0 {
		delete(r.sessions, username)
	}
}

// Publish pushes the payload to every connection of username and reports
// whether at least one write succeeded. Connections whose write fails are
// dropped. A false return is what the engine treats as a decline.
func (r *Registry) Publish(username string, payload any) bool {
	r.mu.RLock()
	list := append([]*Session(nil), r.sessions[username]...)
	r.mu.RUnlock()
	if len(list) == 0 {
		return false
	}
	delivered := false
	for _, s := range list {
		if err := s.send(payload); err != nil {
			if r.logger != nil {
				r.logger.Warn("ws send failed", "username", username, "error", err)
			}
			_ = s.conn.Close()
			r.Remove(username, s)
			continue
		}
		delivered = true
	}
	return delivered
}

// BroadcastAll pushes the payload to every connected username, best effort.
func (r *Registry) BroadcastAll(payload any) {
	r.mu.RLock()
	names := make([]string, 0, len(r.sessions))
	for u := range r.sessions {
		names = append(names, u)
	}
	r.mu.RUnlock()
	for _, u := range names {
		r.Publish(u, payload)
	}
}

// Connections returns the number of live sessions, for the metrics gauge.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, list := range r.sessions {
		n += len(list)
	}
	return n
}
