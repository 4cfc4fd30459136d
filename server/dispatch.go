package server

import (
	"time"

	"termchat/protocol"
	"termchat/session"

	"go.uber.org/zap"
)

// Application error texts carried in error_msg.
const (
	errEmptyCredentials   = "Username or password cannot be empty"
	errDuplicateUsername  = "Username already exists"
	errInvalidCredentials = "Invalid username or password"
	errUnauthenticated    = "Not logged in"
	errSelfFriendRequest  = "Cannot send a friend request to yourself"
	errDuplicateRequest   = "Friend request already sent"
	errAlreadyFriends     = "Already friends"
	errUserNotFound       = "User not found"
	errRequestNotFound    = "Friend request not found"
	errInvalidAction      = "Invalid friend action"
	errInvalidReceiver    = "Receiver does not exist"
	errRateLimited        = "rate limit exceeded"
	errInternal           = "Internal error"
)

func (s *Server) dispatch(c *conn, req *protocol.Envelope) {
	if c.limiter != nil && req.Cmd != protocol.CmdHeartbeatReq && !c.limiter.Allow() {
		c.log.Debug("request rate limited", zap.Stringer("cmd", req.Cmd), zap.Uint64("seq", req.Seq))
		c.reply(req, failure(req, errRateLimited))
		return
	}

	var res protocol.Payload
	switch p := req.Payload.(type) {
	case *protocol.RegisterReq:
		res = s.handleRegister(c, req, p)
	case *protocol.LoginReq:
		res = s.handleLogin(c, req, p)
	case *protocol.AddFriendReq:
		res = s.handleAddFriend(c, req, p)
	case *protocol.HandleFriendReq:
		res = s.handleHandleFriend(c, req, p)
	case *protocol.GetFriendListReq:
		res = s.handleGetFriendList(c, req)
	case *protocol.P2PMessage:
		res = s.handleP2PMessage(c, req, p)
	case *protocol.HeartbeatReq:
		res = &protocol.HeartbeatRes{ServerTime: time.Now().Unix()}
	case *protocol.LogoutReq:
		res = s.handleLogout(c)
	case *protocol.GetPendingReq:
		res = s.handleGetPending(c, req)
	default:
		// Decode only yields request payloads for request commands.
		return
	}

	c.reply(req, res)
}

func (c *conn) reply(req *protocol.Envelope, res protocol.Payload) {
	c.send(&protocol.Envelope{
		Seq:       req.Seq,
		Cmd:       res.Command(),
		Timestamp: time.Now().Unix(),
		Payload:   res,
	})
}

// authorize returns the identity bound to c. A token on the envelope must
// belong to that same identity.
func (s *Server) authorize(c *conn, req *protocol.Envelope) (session.Identity, bool) {
	id, ok := s.sessions.UserOf(c.id)
	if !ok {
		return session.Identity{}, false
	}
	if req.Token != "" {
		uid, ok := s.sessions.Authenticate(req.Token)
		if !ok || uid != id.UserID {
			c.log.Info("envelope token does not match connection user", zap.Uint64("user_id", id.UserID))
			return session.Identity{}, false
		}
	}
	return id, true
}

// failure builds the unsuccessful response for req.
func failure(req *protocol.Envelope, msg string) protocol.Payload {
	switch p := req.Payload.(type) {
	case *protocol.RegisterReq:
		return &protocol.RegisterRes{ErrorMsg: msg}
	case *protocol.LoginReq:
		return &protocol.LoginRes{ErrorMsg: msg}
	case *protocol.AddFriendReq:
		return &protocol.AddFriendRes{ErrorMsg: msg}
	case *protocol.HandleFriendReq:
		return &protocol.HandleFriendRes{SenderID: p.SenderID, ErrorMsg: msg}
	case *protocol.GetFriendListReq:
		return &protocol.GetFriendListRes{ErrorMsg: msg}
	case *protocol.P2PMessage:
		return &protocol.MessageAck{MsgID: p.MsgID, ErrorMsg: msg, RefSeq: req.Seq}
	case *protocol.LogoutReq:
		return &protocol.LogoutRes{ErrorMsg: msg}
	case *protocol.GetPendingReq:
		return &protocol.GetPendingRes{ErrorMsg: msg}
	default:
		return &protocol.HeartbeatRes{ServerTime: time.Now().Unix()}
	}
}
