package models

import "time"

type User struct {
	ID        uint64
	Username  string
	Password  string // bcrypt hash
	CreatedAt time.Time
}

type RequestStatus int

const (
	RequestPending  RequestStatus = 0
	RequestAccepted RequestStatus = 1
	RequestRejected RequestStatus = 2
)

func (s RequestStatus) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestAccepted:
		return "accepted"
	case RequestRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// FriendRequest is directional: SenderID asked ReceiverID.
type FriendRequest struct {
	ID         uint64
	SenderID   uint64
	SenderName string // set by ListPendingRequests
	ReceiverID uint64
	VerifyMsg  string
	Status     RequestStatus
	CreatedAt  time.Time
}

type Friend struct {
	UserID   uint64
	Username string
}

type Message struct {
	ID             int64
	MsgID          uint64
	ConversationID string
	SenderID       uint64
	ReceiverID     uint64
	ContentType    int32
	Content        []byte
	Timestamp      time.Time
}
