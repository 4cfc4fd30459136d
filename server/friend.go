package server

import (
	"errors"
	"time"

	"termchat/db"
	"termchat/protocol"

	"go.uber.org/zap"
)

func (s *Server) handleAddFriend(c *conn, req *protocol.Envelope, p *protocol.AddFriendReq) protocol.Payload {
	me, ok := s.authorize(c, req)
	if !ok {
		return failure(req, errUnauthenticated)
	}
	if p.ReceiverID == me.UserID {
		return failure(req, errSelfFriendRequest)
	}
	if p.ReceiverID == 0 {
		return failure(req, errUserNotFound)
	}

	fr, err := s.db.CreateFriendRequest(me.UserID, p.ReceiverID, p.VerifyMsg)
	switch {
	case errors.Is(err, db.ErrRequestExists):
		return failure(req, errDuplicateRequest)
	case errors.Is(err, db.ErrAlreadyFriends):
		return failure(req, errAlreadyFriends)
	case errors.Is(err, db.ErrUserNotFound):
		return failure(req, errUserNotFound)
	case err != nil:
		c.log.Error("create friend request failed", zap.Uint64("receiver_id", p.ReceiverID), zap.Error(err))
		return failure(req, errInternal)
	}

	c.log.Info("friend request sent",
		zap.Uint64("user_id", me.UserID),
		zap.Uint64("receiver_id", p.ReceiverID),
		zap.Uint64("req_id", fr.ID))

	s.push(p.ReceiverID, &protocol.FriendRequestNotification{
		ReqID:      fr.ID,
		SenderID:   me.UserID,
		SenderName: me.Username,
		VerifyMsg:  fr.VerifyMsg,
		Timestamp:  fr.CreatedAt.Unix(),
	})
	return &protocol.AddFriendRes{Success: true}
}

// handleHandleFriend resolves the pending request sender_id -> me. The
// req_id on the wire is informational; sender_id identifies the request.
func (s *Server) handleHandleFriend(c *conn, req *protocol.Envelope, p *protocol.HandleFriendReq) protocol.Payload {
	me, ok := s.authorize(c, req)
	if !ok {
		return failure(req, errUnauthenticated)
	}
	if p.Action != protocol.ActionAccept && p.Action != protocol.ActionReject {
		return failure(req, errInvalidAction)
	}
	if p.SenderID == 0 {
		return failure(req, errRequestNotFound)
	}

	fr, err := s.db.ResolveFriendRequest(p.SenderID, me.UserID, p.Action == protocol.ActionAccept)
	if errors.Is(err, db.ErrRequestNotFound) {
		return failure(req, errRequestNotFound)
	}
	if err != nil {
		c.log.Error("resolve friend request failed", zap.Uint64("sender_id", p.SenderID), zap.Error(err))
		return failure(req, errInternal)
	}

	c.log.Info("friend request handled",
		zap.Uint64("user_id", me.UserID),
		zap.Uint64("sender_id", p.SenderID),
		zap.Uint64("req_id", fr.ID),
		zap.Stringer("action", p.Action))

	s.push(p.SenderID, &protocol.FriendStatusNotification{
		ReceiverID:   me.UserID,
		ReceiverName: me.Username,
		Action:       p.Action,
		Timestamp:    time.Now().Unix(),
	})
	return &protocol.HandleFriendRes{Success: true, SenderID: p.SenderID}
}

func (s *Server) handleGetFriendList(c *conn, req *protocol.Envelope) protocol.Payload {
	me, ok := s.authorize(c, req)
	if !ok {
		return failure(req, errUnauthenticated)
	}

	friends, err := s.db.ListFriends(me.UserID)
	if err != nil {
		c.log.Error("list friends failed", zap.Uint64("user_id", me.UserID), zap.Error(err))
		return failure(req, errInternal)
	}

	list := make([]protocol.FriendInfo, 0, len(friends))
	for _, f := range friends {
		status := protocol.UserStatusOffline
		if _, online := s.sessions.RouteTo(f.UserID); online {
			status = protocol.UserStatusOnline
		}
		list = append(list, protocol.FriendInfo{UserID: f.UserID, Username: f.Username, Status: status})
	}
	return &protocol.GetFriendListRes{Success: true, FriendList: list}
}

// handleGetPending lists requests that are still waiting on the caller, so a
// user who missed the push can still answer them.
func (s *Server) handleGetPending(c *conn, req *protocol.Envelope) protocol.Payload {
	me, ok := s.authorize(c, req)
	if !ok {
		return failure(req, errUnauthenticated)
	}

	pending, err := s.db.ListPendingRequests(me.UserID)
	if err != nil {
		c.log.Error("list pending requests failed", zap.Uint64("user_id", me.UserID), zap.Error(err))
		return failure(req, errInternal)
	}

	list := make([]protocol.FriendRequestNotification, 0, len(pending))
	for _, fr := range pending {
		list = append(list, protocol.FriendRequestNotification{
			ReqID:      fr.ID,
			SenderID:   fr.SenderID,
			SenderName: fr.SenderName,
			VerifyMsg:  fr.VerifyMsg,
			Timestamp:  fr.CreatedAt.Unix(),
		})
	}
	return &protocol.GetPendingRes{Success: true, Requests: list}
}
