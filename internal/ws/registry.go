package ws

import "sync"

// Registry is the process-wide bookkeeping of live sessions: user id to
// session set, and conversation room to session set. State is purely in
// memory with a lifecycle tied to process uptime; presence is best-effort
// and not recovered on restart.
type Registry struct {
	mu    sync.RWMutex
	users map[int]map[*Session]bool
	rooms map[int]map[*Session]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[int]map[*Session]bool),
		rooms: make(map[int]map[*Session]bool),
	}
}

// Add registers a session and reports whether it is the first live
// session for its user, i.e. whether the user just came online.
func (r *Registry) Add(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.users[s.UserID]
	if !ok {
		sessions = make(map[*Session]bool)
		r.users[s.UserID] = sessions
	}
	sessions[s] = true
	return len(sessions) == 1
}

// Remove unregisters a session and drops it from every joined room.
// Reports whether it was the user's last session, i.e. whether the user
// just went offline.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conversationID := range s.rooms {
		r.leaveLocked(conversationID, s)
	}
	sessions, ok := r.users[s.UserID]
	if !ok {
		return false
	}
	if _, member := sessions[s]; !member {
		return false
	}
	delete(sessions, s)
	if len(sessions) == 0 {
		delete(r.users, s.UserID)
		return true
	}
	return false
}

// Join adds the session to a conversation room. No-op if already joined.
func (r *Registry) Join(conversationID int, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[conversationID]
	if !ok {
		room = make(map[*Session]bool)
		r.rooms[conversationID] = room
	}
	room[s] = true
	s.rooms[conversationID] = true
}

// Leave removes the session from a conversation room.
func (r *Registry) Leave(conversationID int, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(conversationID, s)
}

func (r *Registry) leaveLocked(conversationID int, s *Session) {
	if room, ok := r.rooms[conversationID]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(r.rooms, conversationID)
		}
	}
	delete(s.rooms, conversationID)
}

// InRoom reports whether the session has joined the room.
func (r *Registry) InRoom(conversationID int, s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[conversationID][s]
}

// SessionsForUser returns a snapshot of the user's live sessions.
func (r *Registry) SessionsForUser(userID int) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.users[userID]))
	for s := range r.users[userID] {
		out = append(out, s)
	}
	return out
}

// SessionsInRoom returns a snapshot of the sessions in a room.
func (r *Registry) SessionsInRoom(conversationID int) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.rooms[conversationID]))
	for s := range r.rooms[conversationID] {
		out = append(out, s)
	}
	return out
}

// OnlineUserCount returns the number of users with at least one session.
func (r *Registry) OnlineUserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// IsOnline reports whether the user has at least one live session.
func (r *Registry) IsOnline(userID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// Clear drops all sessions and rooms. Used on shutdown and in tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = make(map[int]map[*Session]bool)
	r.rooms = make(map[int]map[*Session]bool)
}
