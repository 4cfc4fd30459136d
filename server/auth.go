package server

import (
	"errors"

	"termchat/db"
	"termchat/protocol"
	"termchat/session"

	"go.uber.org/zap"
)

func (s *Server) handleRegister(c *conn, req *protocol.Envelope, p *protocol.RegisterReq) protocol.Payload {
	if p.Username == "" || p.Password == "" {
		return failure(req, errEmptyCredentials)
	}

	id, err := s.db.CreateUser(p.Username, p.Password)
	if errors.Is(err, db.ErrUserExists) {
		return failure(req, errDuplicateUsername)
	}
	if err != nil {
		c.log.Error("register failed", zap.String("username", p.Username), zap.Error(err))
		return failure(req, errInternal)
	}

	c.log.Info("user registered", zap.String("username", p.Username), zap.Uint64("user_id", id))
	return &protocol.RegisterRes{Success: true, UserID: id}
}

func (s *Server) handleLogin(c *conn, req *protocol.Envelope, p *protocol.LoginReq) protocol.Payload {
	if p.Username == "" || p.Password == "" {
		return failure(req, errInvalidCredentials)
	}

	user, err := s.db.VerifyPassword(p.Username, p.Password)
	if errors.Is(err, db.ErrUserNotFound) || errors.Is(err, db.ErrInvalidPassword) {
		c.log.Info("login rejected", zap.String("username", p.Username))
		return failure(req, errInvalidCredentials)
	}
	if err != nil {
		c.log.Error("login failed", zap.String("username", p.Username), zap.Error(err))
		return failure(req, errInternal)
	}

	token, err := s.sessions.CreateSession(session.Identity{UserID: user.ID, Username: user.Username}, c.id)
	if err != nil {
		c.log.Error("create session failed", zap.Uint64("user_id", user.ID), zap.Error(err))
		return failure(req, errInternal)
	}

	c.log.Info("user logged in", zap.Uint64("user_id", user.ID), zap.String("username", user.Username))
	return &protocol.LoginRes{
		Success: true,
		UserInfo: protocol.UserInfo{
			UserID:   user.ID,
			Username: user.Username,
			Status:   protocol.UserStatusOnline,
		},
		Token: token,
	}
}

// handleLogout drops the session but keeps the connection open. Logging out
// twice is fine.
func (s *Server) handleLogout(c *conn) protocol.Payload {
	if id, ok := s.sessions.UserOf(c.id); ok {
		s.sessions.EndSession(c.id)
		c.log.Info("user logged out", zap.Uint64("user_id", id.UserID))
	}
	return &protocol.LogoutRes{Success: true}
}
