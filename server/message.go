package server

import (
	"math/rand/v2"
	"time"

	"termchat/models"
	"termchat/protocol"

	"go.uber.org/zap"
)

// idEpoch is 2024-01-01T00:00:00Z in milliseconds.
const idEpoch = 1704067200000

// newMessageID returns a time-ordered id: milliseconds since idEpoch in the
// high bits, 22 random bits below.
func newMessageID(now time.Time) uint64 {
	ms := now.UnixMilli() - idEpoch
	if ms < 0 {
		ms = 0
	}
	return uint64(ms)<<22 | rand.Uint64N(1<<22)
}

func (s *Server) handleP2PMessage(c *conn, req *protocol.Envelope, p *protocol.P2PMessage) protocol.Payload {
	me, ok := s.authorize(c, req)
	if !ok {
		return failure(req, errUnauthenticated)
	}

	if p.ReceiverID == 0 {
		return failure(req, errInvalidReceiver)
	}
	exists, err := s.db.UserExists(p.ReceiverID)
	if err != nil {
		c.log.Error("lookup receiver failed", zap.Uint64("receiver_id", p.ReceiverID), zap.Error(err))
		return failure(req, errInternal)
	}
	if !exists {
		return failure(req, errInvalidReceiver)
	}

	now := time.Now()
	msgID := p.MsgID
	if msgID == 0 {
		msgID = newMessageID(now)
	}
	ts := p.Timestamp
	if ts == 0 {
		ts = now.Unix()
	}

	if !s.archive.Enqueue(models.Message{
		MsgID:       msgID,
		SenderID:    me.UserID,
		ReceiverID:  p.ReceiverID,
		ContentType: int32(p.ContentType),
		Content:     p.Content,
		Timestamp:   time.Unix(ts, 0),
	}) {
		c.log.Warn("message not archived", zap.Uint64("msg_id", msgID))
	}

	s.push(p.ReceiverID, &protocol.P2PMessagePush{
		MsgID:       msgID,
		SenderID:    me.UserID,
		ReceiverID:  p.ReceiverID,
		ContentType: p.ContentType,
		Content:     p.Content,
		Timestamp:   ts,
	})
	return &protocol.MessageAck{MsgID: msgID, Success: true, RefSeq: req.Seq}
}
