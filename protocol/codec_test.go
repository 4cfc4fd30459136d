package protocol

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  *Envelope
	}{
		{"register req", &Envelope{Seq: 1, Cmd: CmdRegisterReq, Timestamp: 1700000000, Payload: &RegisterReq{Username: "alice", Password: "pw123"}}},
		{"register res failure", &Envelope{Seq: 1, Cmd: CmdRegisterRes, Payload: &RegisterRes{ErrorMsg: "Username already exists"}}},
		{"login res", &Envelope{Seq: 2, Cmd: CmdLoginRes, Payload: &LoginRes{
			Success:  true,
			UserInfo: UserInfo{UserID: 7, Username: "alice", Status: UserStatusOnline},
			Token:    "tok",
		}}},
		{"add friend with token", &Envelope{Seq: 3, Cmd: CmdAddFriendReq, Token: "tok", Payload: &AddFriendReq{ReceiverID: 8, VerifyMsg: "hi"}}},
		{"handle friend", &Envelope{Seq: 4, Cmd: CmdHandleFriendReq, Payload: &HandleFriendReq{ReqID: 3, SenderID: 7, Action: ActionReject}}},
		{"empty friend list req", &Envelope{Seq: 5, Cmd: CmdGetFriendListReq, Payload: &GetFriendListReq{}}},
		{"friend list res", &Envelope{Seq: 5, Cmd: CmdGetFriendListRes, Payload: &GetFriendListRes{
			Success: true,
			FriendList: []FriendInfo{
				{UserID: 8, Username: "bob", Status: UserStatusOnline},
				{UserID: 9, Username: "carol", Status: UserStatusOffline},
			},
		}}},
		{"p2p message", &Envelope{Seq: 6, Cmd: CmdP2PMsgReq, Timestamp: -5, Payload: &P2PMessage{
			MsgID: 1 << 60, SenderID: 7, ReceiverID: 8, ContentType: ContentImage, Content: []byte{0, 1, 2}, Timestamp: 1700000001,
		}}},
		{"ack", &Envelope{Seq: 6, Cmd: CmdMsgAck, Payload: &MessageAck{MsgID: 42, Success: true, RefSeq: 6}}},
		{"p2p push", &Envelope{Seq: 1 << 32, Cmd: CmdP2PMsgPush, Payload: &P2PMessagePush{SenderID: 7, ReceiverID: 8, Content: []byte("hi")}}},
		{"friend req push", &Envelope{Seq: 1<<32 + 1, Cmd: CmdFriendReqPush, Payload: &FriendRequestNotification{ReqID: 1, SenderID: 7, SenderName: "alice", VerifyMsg: "hi", Timestamp: 9}}},
		{"friend status push", &Envelope{Cmd: CmdFriendStatusPush, Payload: &FriendStatusNotification{ReceiverID: 8, ReceiverName: "bob", Action: ActionAccept}}},
		{"heartbeat", &Envelope{Seq: 10, Cmd: CmdHeartbeatReq, Payload: &HeartbeatReq{}}},
		{"heartbeat res", &Envelope{Seq: 10, Cmd: CmdHeartbeatRes, Payload: &HeartbeatRes{ServerTime: 123}}},
		{"logout", &Envelope{Seq: 11, Cmd: CmdLogoutReq, Payload: &LogoutReq{}}},
		{"logout res", &Envelope{Seq: 11, Cmd: CmdLogoutRes, Payload: &LogoutRes{Success: true}}},
		{"pending req", &Envelope{Seq: 12, Cmd: CmdGetPendingReq, Token: "tok", Payload: &GetPendingReq{}}},
		{"pending res", &Envelope{Seq: 12, Cmd: CmdGetPendingRes, Payload: &GetPendingRes{
			Success: true,
			Requests: []FriendRequestNotification{
				{ReqID: 4, SenderID: 7, SenderName: "alice", VerifyMsg: "hi", Timestamp: 1700000002},
			},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.env)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.env, got)
		})
	}
}

func TestEncode_RejectsMismatchedPayload(t *testing.T) {
	_, err := Encode(&Envelope{Cmd: CmdLoginReq, Payload: &RegisterReq{}})
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = Encode(&Envelope{Cmd: CmdLoginReq})
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func marshalPayload(t *testing.T, p Payload) []byte {
	t.Helper()
	md := envelopeDesc().Fields().ByNumber(payloadField(p.Command())).Message()
	b, err := marshalOpts.Marshal(toMessage(md, reflect.ValueOf(p).Elem()))
	require.NoError(t, err)
	return b
}

// rawEnvelope builds an envelope by hand so tests can produce shapes Encode refuses.
func rawEnvelope(t *testing.T, cmd Command, payloads ...Payload) []byte {
	var b []byte
	b = appendVarintField(b, fieldSeq, 1)
	b = appendVarintField(b, fieldCmd, uint64(cmd))
	for _, p := range payloads {
		b = appendBytesField(b, payloadField(p.Command()), marshalPayload(t, p))
	}
	return b
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"variant does not match cmd", rawEnvelope(t, CmdLoginReq, &RegisterReq{Username: "a"})},
		{"no payload", rawEnvelope(t, CmdLoginReq)},
		{"two payloads", rawEnvelope(t, CmdLoginReq, &LoginReq{}, &RegisterReq{})},
		{"unknown command", rawEnvelope(t, Command(99), &LoginReq{})},
		{"zero command", rawEnvelope(t, CmdUnknown, &LoginReq{})},
		{"truncated", []byte{0x08}},
		{"garbage", []byte{0xff, 0xff, 0xff}},
		{"empty frame", nil},
		{"payload with wrong wire type", func() []byte {
			b := appendVarintField(nil, fieldCmd, uint64(CmdLoginReq))
			return appendVarintField(b, payloadField(CmdLoginReq), 5)
		}()},
		{"string field as varint", func() []byte {
			inner := appendVarintField(nil, 1, 5)
			b := appendVarintField(nil, fieldCmd, uint64(CmdLoginReq))
			return appendBytesField(b, payloadField(CmdLoginReq), inner)
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestDecode_SkipsUnknownFields(t *testing.T) {
	data, err := Encode(&Envelope{Seq: 9, Cmd: CmdAddFriendReq, Payload: &AddFriendReq{ReceiverID: 2}})
	require.NoError(t, err)

	// Fields from a newer peer: an envelope-level fixed64 and a string.
	data = protowire.AppendTag(data, 50, protowire.Fixed64Type)
	data = protowire.AppendFixed64(data, 1)
	data = appendBytesField(data, 51, []byte("future"))

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), env.Seq)
	assert.Equal(t, &AddFriendReq{ReceiverID: 2}, env.Payload)
}

func TestDecode_CopiesContent(t *testing.T) {
	data, err := Encode(&Envelope{Cmd: CmdP2PMsgReq, Payload: &P2PMessage{ReceiverID: 2, Content: []byte("hello")}})
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	for i := range data {
		data[i] = 0
	}
	assert.Equal(t, []byte("hello"), env.Payload.(*P2PMessage).Content)
}

func TestCommandResponse(t *testing.T) {
	assert.Equal(t, CmdMsgAck, CmdP2PMsgReq.Response())
	assert.Equal(t, CmdGetFriendListRes, CmdGetFriendListReq.Response())
	assert.Equal(t, CmdUnknown, CmdFriendReqPush.Response())
	assert.Equal(t, "CMD_FRIEND_STATUS_PUSH", CmdFriendStatusPush.String())
	assert.Equal(t, "CMD(77)", Command(77).String())
}

func TestPayloadFieldsCoverAllCommands(t *testing.T) {
	for c := CmdRegisterReq; c <= maxCommand; c++ {
		p := newPayload(c)
		require.NotNil(t, p, c.String())
		assert.Equal(t, c, p.Command())

		got, ok := payloadCommand(payloadField(c))
		assert.True(t, ok)
		assert.Equal(t, c, got)
	}
}

func TestDecode_EmptyListsComeBackNil(t *testing.T) {
	// proto3 has no way to tell an empty repeated or bytes field from an
	// absent one, so both decode as nil.
	data, err := Encode(&Envelope{Cmd: CmdGetFriendListRes, Payload: &GetFriendListRes{Success: true, FriendList: []FriendInfo{}}})
	require.NoError(t, err)
	env, err := Decode(data)
	require.NoError(t, err)
	assert.Nil(t, env.Payload.(*GetFriendListRes).FriendList)

	data, err = Encode(&Envelope{Cmd: CmdP2PMsgReq, Payload: &P2PMessage{ReceiverID: 2, Content: []byte{}}})
	require.NoError(t, err)
	env, err = Decode(data)
	require.NoError(t, err)
	assert.Nil(t, env.Payload.(*P2PMessage).Content)
}

func TestSchema(t *testing.T) {
	md := envelopeDesc()
	assert.Equal(t, "termchat.Envelope", string(md.FullName()))

	login := md.Fields().ByName("login_req")
	require.NotNil(t, login)
	assert.Equal(t, payloadField(CmdLoginReq), login.Number())
	assert.Equal(t, "termchat.LoginReq", string(login.Message().FullName()))

	friends := md.Fields().ByName("get_friend_list_res").Message().Fields().ByName("friend_list")
	require.NotNil(t, friends)
	assert.True(t, friends.IsList())
	assert.Equal(t, "termchat.FriendInfo", string(friends.Message().FullName()))

	status := md.Fields().ByName("friend_status_push").Message().Fields().ByName("action")
	require.NotNil(t, status)
	assert.Equal(t, "ACTION_REJECT", string(status.Enum().Values().ByNumber(2).Name()))

	assert.Equal(t, "CMD_GET_PENDING_RES", string(md.Fields().ByName("cmd").Enum().Values().ByNumber(21).Name()))
}

func TestDecode_HandBuiltLoginRes(t *testing.T) {
	user := appendVarintField(nil, 1, 7)
	user = appendBytesField(user, 2, []byte("alice"))
	user = appendVarintField(user, 3, uint64(UserStatusOnline))

	res := appendVarintField(nil, 1, 1)
	res = appendBytesField(res, 2, user)
	res = appendBytesField(res, 3, []byte("tok"))

	data := appendVarintField(nil, fieldSeq, 3)
	data = appendVarintField(data, fieldCmd, uint64(CmdLoginRes))
	data = appendBytesField(data, payloadField(CmdLoginRes), res)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, &Envelope{Seq: 3, Cmd: CmdLoginRes, Payload: &LoginRes{
		Success:  true,
		UserInfo: UserInfo{UserID: 7, Username: "alice", Status: UserStatusOnline},
		Token:    "tok",
	}}, env)
}
