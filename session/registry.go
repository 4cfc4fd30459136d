// Package session owns the live mapping between connections, users and
// session tokens.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"termchat/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrUnknownConnection = errors.New("unknown connection")

// Endpoint is the outbound side of a connection. Deliver must not block; it
// reports whether the envelope was queued.
type Endpoint interface {
	Deliver(env *protocol.Envelope) bool
}

// Identity is the user bound to a connection.
type Identity struct {
	UserID   uint64
	Username string
}

type Session struct {
	Identity
	Token     string
	ConnID    string
	CreatedAt time.Time
}

type connection struct {
	endpoint    Endpoint
	session     *Session
	connectedAt time.Time
}

type Stats struct {
	Connections int      `json:"connections"`
	Sessions    int      `json:"sessions"`
	OnlineUsers []uint64 `json:"online_users"`
}

// Registry is the single writer of the user -> connection mapping. Every
// exported method is atomic with respect to the others.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*connection
	users  map[uint64]*Session
	tokens TokenConfig
	log    *zap.Logger
}

func NewRegistry(tokens TokenConfig, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		conns:  make(map[string]*connection),
		users:  make(map[uint64]*Session),
		tokens: tokens,
		log:    log,
	}
}

func (r *Registry) RegisterConnection(ep Endpoint) string {
	id := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &connection{endpoint: ep, connectedAt: time.Now()}
	return id
}

// DeregisterConnection forgets connID and the session bound to it, if any.
// The removed identity is returned so the caller can log it.
func (r *Registry) DeregisterConnection(connID string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return Identity{}, false
	}
	delete(r.conns, connID)
	if c.session == nil {
		return Identity{}, false
	}
	r.dropLocked(c.session)
	return c.session.Identity, true
}

// CreateSession binds the user to connID and returns a new token. A session
// the user holds on another connection is invalidated; that connection stays
// open but is no longer routable.
func (r *Registry) CreateSession(id Identity, connID string) (string, error) {
	token, err := r.tokens.Sign(id.UserID)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return "", ErrUnknownConnection
	}
	if c.session != nil {
		r.dropLocked(c.session)
		c.session = nil
	}
	if old, ok := r.users[id.UserID]; ok {
		if prev, ok := r.conns[old.ConnID]; ok {
			prev.session = nil
		}
		r.log.Info("session superseded",
			zap.Uint64("user_id", id.UserID),
			zap.String("old_conn", old.ConnID),
			zap.String("new_conn", connID))
	}

	s := &Session{Identity: id, Token: token, ConnID: connID, CreatedAt: time.Now()}
	c.session = s
	r.users[id.UserID] = s
	return token, nil
}

// EndSession removes the session bound to connID, leaving the connection
// registered. It reports whether there was one.
func (r *Registry) EndSession(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok || c.session == nil {
		return false
	}
	r.dropLocked(c.session)
	c.session = nil
	return true
}

func (r *Registry) dropLocked(s *Session) {
	if cur, ok := r.users[s.UserID]; ok && cur == s {
		delete(r.users, s.UserID)
	}
}

func (r *Registry) RouteTo(userID uint64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.users[userID]
	if !ok {
		return "", false
	}
	return s.ConnID, true
}

// Authenticate resolves a token to its user. The token must verify and must
// still be the user's current session token.
func (r *Registry) Authenticate(token string) (uint64, bool) {
	uid, err := r.tokens.UserID(token)
	if err != nil {
		return 0, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.users[uid]
	if !ok || s.Token != token {
		return 0, false
	}
	return uid, true
}

// UserOf returns the identity bound to connID.
func (r *Registry) UserOf(connID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	if !ok || c.session == nil {
		return Identity{}, false
	}
	return c.session.Identity, true
}

// Push queues env on the connection serving userID. The lookup happens under
// the read lock; delivery happens after it is released.
func (r *Registry) Push(userID uint64, env *protocol.Envelope) bool {
	r.mu.RLock()
	var ep Endpoint
	if s, ok := r.users[userID]; ok {
		if c, ok := r.conns[s.ConnID]; ok {
			ep = c.endpoint
		}
	}
	r.mu.RUnlock()

	if ep == nil {
		return false
	}
	return ep.Deliver(env)
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{
		Connections: len(r.conns),
		Sessions:    len(r.users),
		OnlineUsers: make([]uint64, 0, len(r.users)),
	}
	for id := range r.users {
		st.OnlineUsers = append(st.OnlineUsers, id)
	}
	sort.Slice(st.OnlineUsers, func(i, j int) bool { return st.OnlineUsers[i] < st.OnlineUsers[j] })
	return st
}
