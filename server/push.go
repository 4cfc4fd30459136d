package server

import (
	"time"

	"termchat/protocol"

	"go.uber.org/zap"
)

// push sends p to userID if they are online. Delivery is at most once and
// failures are only logged.
func (s *Server) push(userID uint64, p protocol.Payload) bool {
	env := &protocol.Envelope{
		Seq:       s.pushSeq.Add(1),
		Cmd:       p.Command(),
		Timestamp: time.Now().Unix(),
		Payload:   p,
	}
	if !s.sessions.Push(userID, env) {
		s.log.Debug("push not delivered",
			zap.Uint64("user_id", userID),
			zap.Stringer("cmd", env.Cmd),
			zap.Uint64("seq", env.Seq))
		return false
	}
	return true
}
