package protocol

import "fmt"

type Command int32

const (
	CmdUnknown          Command = 0
	CmdRegisterReq      Command = 1
	CmdRegisterRes      Command = 2
	CmdLoginReq         Command = 3
	CmdLoginRes         Command = 4
	CmdAddFriendReq     Command = 5
	CmdAddFriendRes     Command = 6
	CmdHandleFriendReq  Command = 7
	CmdHandleFriendRes  Command = 8
	CmdGetFriendListReq Command = 9
	CmdGetFriendListRes Command = 10
	CmdP2PMsgReq        Command = 11
	CmdMsgAck           Command = 12
	CmdP2PMsgPush       Command = 13
	CmdFriendReqPush    Command = 14
	CmdFriendStatusPush Command = 15
	CmdHeartbeatReq     Command = 16
	CmdHeartbeatRes     Command = 17
	CmdLogoutReq        Command = 18
	CmdLogoutRes        Command = 19
	CmdGetPendingReq    Command = 20
	CmdGetPendingRes    Command = 21

	maxCommand = CmdGetPendingRes
)

var commandNames = map[Command]string{
	CmdUnknown:          "CMD_UNKNOWN",
	CmdRegisterReq:      "CMD_REGISTER_REQ",
	CmdRegisterRes:      "CMD_REGISTER_RES",
	CmdLoginReq:         "CMD_LOGIN_REQ",
	CmdLoginRes:         "CMD_LOGIN_RES",
	CmdAddFriendReq:     "CMD_ADD_FRIEND_REQ",
	CmdAddFriendRes:     "CMD_ADD_FRIEND_RES",
	CmdHandleFriendReq:  "CMD_HANDLE_FRIEND_REQ",
	CmdHandleFriendRes:  "CMD_HANDLE_FRIEND_RES",
	CmdGetFriendListReq: "CMD_GET_FRIEND_LIST_REQ",
	CmdGetFriendListRes: "CMD_GET_FRIEND_LIST_RES",
	CmdP2PMsgReq:        "CMD_P2P_MSG_REQ",
	CmdMsgAck:           "CMD_MSG_ACK",
	CmdP2PMsgPush:       "CMD_P2P_MSG_PUSH",
	CmdFriendReqPush:    "CMD_FRIEND_REQ_PUSH",
	CmdFriendStatusPush: "CMD_FRIEND_STATUS_PUSH",
	CmdHeartbeatReq:     "CMD_HEARTBEAT_REQ",
	CmdHeartbeatRes:     "CMD_HEARTBEAT_RES",
	CmdLogoutReq:        "CMD_LOGOUT_REQ",
	CmdLogoutRes:        "CMD_LOGOUT_RES",
	CmdGetPendingReq:    "CMD_GET_PENDING_REQ",
	CmdGetPendingRes:    "CMD_GET_PENDING_RES",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD(%d)", int32(c))
}

func (c Command) Valid() bool {
	return c > CmdUnknown && c <= maxCommand
}

// Response returns the command answering request c, or CmdUnknown when c is
// not a client request.
func (c Command) Response() Command {
	switch c {
	case CmdRegisterReq:
		return CmdRegisterRes
	case CmdLoginReq:
		return CmdLoginRes
	case CmdAddFriendReq:
		return CmdAddFriendRes
	case CmdHandleFriendReq:
		return CmdHandleFriendRes
	case CmdGetFriendListReq:
		return CmdGetFriendListRes
	case CmdP2PMsgReq:
		return CmdMsgAck
	case CmdHeartbeatReq:
		return CmdHeartbeatRes
	case CmdLogoutReq:
		return CmdLogoutRes
	case CmdGetPendingReq:
		return CmdGetPendingRes
	default:
		return CmdUnknown
	}
}

type FriendAction int32

const (
	ActionUnknown FriendAction = 0
	ActionAccept  FriendAction = 1
	ActionReject  FriendAction = 2
)

func (a FriendAction) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionReject:
		return "reject"
	default:
		return "unknown"
	}
}

type UserStatus int32

const (
	UserStatusUnknown UserStatus = 0
	UserStatusOnline  UserStatus = 1
	UserStatusOffline UserStatus = 2
)

type ContentType int32

const (
	ContentText  ContentType = 0
	ContentImage ContentType = 1
	ContentFile  ContentType = 2
)

// Envelope is the single container carried by every frame. Exactly one
// payload is present and its Command() equals Cmd.
type Envelope struct {
	Seq       uint64
	Cmd       Command
	Timestamp int64
	Token     string
	Payload   Payload
}

// Payload is the closed set of message bodies an Envelope may carry. The
// proto tag on each field gives its wire number and name.
type Payload interface {
	Command() Command
	isPayload()
}

type RegisterReq struct {
	Username string `proto:"1,username"`
	Password string `proto:"2,password"`
}

type RegisterRes struct {
	Success  bool   `proto:"1,success"`
	UserID   uint64 `proto:"2,user_id"`
	ErrorMsg string `proto:"3,error_msg"`
}

type LoginReq struct {
	Username string `proto:"1,username"`
	Password string `proto:"2,password"`
}

type UserInfo struct {
	UserID   uint64     `proto:"1,user_id"`
	Username string     `proto:"2,username"`
	Status   UserStatus `proto:"3,status"`
}

type LoginRes struct {
	Success  bool     `proto:"1,success"`
	UserInfo UserInfo `proto:"2,user_info"`
	Token    string   `proto:"3,token"`
	ErrorMsg string   `proto:"4,error_msg"`
}

type AddFriendReq struct {
	ReceiverID uint64 `proto:"1,receiver_id"`
	VerifyMsg  string `proto:"2,verify_msg"`
}

type AddFriendRes struct {
	Success  bool   `proto:"1,success"`
	ErrorMsg string `proto:"2,error_msg"`
}

type HandleFriendReq struct {
	ReqID    uint64       `proto:"1,req_id"`
	SenderID uint64       `proto:"2,sender_id"`
	Action   FriendAction `proto:"3,action"`
}

type HandleFriendRes struct {
	Success  bool   `proto:"1,success"`
	SenderID uint64 `proto:"2,sender_id"`
	ErrorMsg string `proto:"3,error_msg"`
}

type GetFriendListReq struct{}

type FriendInfo struct {
	UserID   uint64     `proto:"1,user_id"`
	Username string     `proto:"2,username"`
	Status   UserStatus `proto:"3,status"`
}

type GetFriendListRes struct {
	Success    bool         `proto:"1,success"`
	FriendList []FriendInfo `proto:"2,friend_list"`
	ErrorMsg   string       `proto:"3,error_msg"`
}

type P2PMessage struct {
	MsgID       uint64      `proto:"1,msg_id"`
	SenderID    uint64      `proto:"2,sender_id"`
	ReceiverID  uint64      `proto:"3,receiver_id"`
	ContentType ContentType `proto:"4,content_type"`
	Content     []byte      `proto:"5,content"`
	Timestamp   int64       `proto:"6,timestamp"`
}

type MessageAck struct {
	MsgID    uint64 `proto:"1,msg_id"`
	Success  bool   `proto:"2,success"`
	ErrorMsg string `proto:"3,error_msg"`
	RefSeq   uint64 `proto:"4,ref_seq"`
}

type P2PMessagePush struct {
	MsgID       uint64      `proto:"1,msg_id"`
	SenderID    uint64      `proto:"2,sender_id"`
	ReceiverID  uint64      `proto:"3,receiver_id"`
	ContentType ContentType `proto:"4,content_type"`
	Content     []byte      `proto:"5,content"`
	Timestamp   int64       `proto:"6,timestamp"`
}

type FriendRequestNotification struct {
	ReqID      uint64 `proto:"1,req_id"`
	SenderID   uint64 `proto:"2,sender_id"`
	SenderName string `proto:"3,sender_name"`
	VerifyMsg  string `proto:"4,verify_msg"`
	Timestamp  int64  `proto:"5,timestamp"`
}

type FriendStatusNotification struct {
	ReceiverID   uint64       `proto:"1,receiver_id"`
	ReceiverName string       `proto:"2,receiver_name"`
	Action       FriendAction `proto:"3,action"`
	Timestamp    int64        `proto:"4,timestamp"`
}

type HeartbeatReq struct{}

type HeartbeatRes struct {
	ServerTime int64 `proto:"1,server_time"`
}

type LogoutReq struct{}

type LogoutRes struct {
	Success  bool   `proto:"1,success"`
	ErrorMsg string `proto:"2,error_msg"`
}

// GetPendingReq lists the friend requests still waiting on the caller.
type GetPendingReq struct{}

type GetPendingRes struct {
	Success  bool                        `proto:"1,success"`
	Requests []FriendRequestNotification `proto:"2,requests"`
	ErrorMsg string                      `proto:"3,error_msg"`
}

func (*RegisterReq) Command() Command               { return CmdRegisterReq }
func (*RegisterRes) Command() Command               { return CmdRegisterRes }
func (*LoginReq) Command() Command                  { return CmdLoginReq }
func (*LoginRes) Command() Command                  { return CmdLoginRes }
func (*AddFriendReq) Command() Command              { return CmdAddFriendReq }
func (*AddFriendRes) Command() Command              { return CmdAddFriendRes }
func (*HandleFriendReq) Command() Command           { return CmdHandleFriendReq }
func (*HandleFriendRes) Command() Command           { return CmdHandleFriendRes }
func (*GetFriendListReq) Command() Command          { return CmdGetFriendListReq }
func (*GetFriendListRes) Command() Command          { return CmdGetFriendListRes }
func (*P2PMessage) Command() Command                { return CmdP2PMsgReq }
func (*MessageAck) Command() Command                { return CmdMsgAck }
func (*P2PMessagePush) Command() Command            { return CmdP2PMsgPush }
func (*FriendRequestNotification) Command() Command { return CmdFriendReqPush }
func (*FriendStatusNotification) Command() Command  { return CmdFriendStatusPush }
func (*HeartbeatReq) Command() Command              { return CmdHeartbeatReq }
func (*HeartbeatRes) Command() Command              { return CmdHeartbeatRes }
func (*LogoutReq) Command() Command                 { return CmdLogoutReq }
func (*LogoutRes) Command() Command                 { return CmdLogoutRes }
func (*GetPendingReq) Command() Command             { return CmdGetPendingReq }
func (*GetPendingRes) Command() Command             { return CmdGetPendingRes }

func (*RegisterReq) isPayload()               {}
func (*RegisterRes) isPayload()               {}
func (*LoginReq) isPayload()                  {}
func (*LoginRes) isPayload()                  {}
func (*AddFriendReq) isPayload()              {}
func (*AddFriendRes) isPayload()              {}
func (*HandleFriendReq) isPayload()           {}
func (*HandleFriendRes) isPayload()           {}
func (*GetFriendListReq) isPayload()          {}
func (*GetFriendListRes) isPayload()          {}
func (*P2PMessage) isPayload()                {}
func (*MessageAck) isPayload()                {}
func (*P2PMessagePush) isPayload()            {}
func (*FriendRequestNotification) isPayload() {}
func (*FriendStatusNotification) isPayload()  {}
func (*HeartbeatReq) isPayload()              {}
func (*HeartbeatRes) isPayload()              {}
func (*LogoutReq) isPayload()                 {}
func (*LogoutRes) isPayload()                 {}
func (*GetPendingReq) isPayload()             {}
func (*GetPendingRes) isPayload()             {}

// newPayload returns an empty payload of the variant bound to c.
func newPayload(c Command) Payload {
	switch c {
	case CmdRegisterReq:
		return &RegisterReq{}
	case CmdRegisterRes:
		return &RegisterRes{}
	case CmdLoginReq:
		return &LoginReq{}
	case CmdLoginRes:
		return &LoginRes{}
	case CmdAddFriendReq:
		return &AddFriendReq{}
	case CmdAddFriendRes:
		return &AddFriendRes{}
	case CmdHandleFriendReq:
		return &HandleFriendReq{}
	case CmdHandleFriendRes:
		return &HandleFriendRes{}
	case CmdGetFriendListReq:
		return &GetFriendListReq{}
	case CmdGetFriendListRes:
		return &GetFriendListRes{}
	case CmdP2PMsgReq:
		return &P2PMessage{}
	case CmdMsgAck:
		return &MessageAck{}
	case CmdP2PMsgPush:
		return &P2PMessagePush{}
	case CmdFriendReqPush:
		return &FriendRequestNotification{}
	case CmdFriendStatusPush:
		return &FriendStatusNotification{}
	case CmdHeartbeatReq:
		return &HeartbeatReq{}
	case CmdHeartbeatRes:
		return &HeartbeatRes{}
	case CmdLogoutReq:
		return &LogoutReq{}
	case CmdLogoutRes:
		return &LogoutRes{}
	case CmdGetPendingReq:
		return &GetPendingReq{}
	case CmdGetPendingRes:
		return &GetPendingRes{}
	default:
		return nil
	}
}
