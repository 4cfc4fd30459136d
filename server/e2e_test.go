package server

import (
	"context"
	"net"
	"testing"
	"time"

	"termchat/client"
	"termchat/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTCP serves srv on a loopback listener and returns its address.
func startTCP(t *testing.T, srv *Server) (string, <-chan error) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(listener) }()
	return listener.Addr().String(), served
}

func dial(t *testing.T, addr string) *client.Client {
	t.Helper()
	c, err := client.Dial(testContext(t), addr, client.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEndToEnd_FriendshipAndChat(t *testing.T) {
	srv := setupTestServer(t)
	addr, _ := startTCP(t, srv)
	ctx := testContext(t)

	alice := dial(t, addr)
	bob := dial(t, addr)

	_, err := alice.Register(ctx, "alice", "pw123")
	require.NoError(t, err)
	_, err = bob.Register(ctx, "bob", "pw123")
	require.NoError(t, err)

	aliceRes, err := alice.Login(ctx, "alice", "pw123")
	require.NoError(t, err)
	bobRes, err := bob.Login(ctx, "bob", "pw123")
	require.NoError(t, err)
	aliceID, bobID := aliceRes.UserInfo.UserID, bobRes.UserInfo.UserID

	require.NoError(t, alice.AddFriend(ctx, bobID, "hi"))
	push, err := bob.NextPush(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.CmdFriendReqPush, push.Cmd)
	assert.Equal(t, aliceID, push.Payload.(*protocol.FriendRequestNotification).SenderID)

	res, err := bob.HandleFriend(ctx, aliceID, protocol.ActionAccept)
	require.NoError(t, err)
	assert.Equal(t, aliceID, res.SenderID)

	push, err = alice.NextPush(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.CmdFriendStatusPush, push.Cmd)
	assert.Equal(t, bobID, push.Payload.(*protocol.FriendStatusNotification).ReceiverID)

	aliceFriends, err := alice.GetFriendList(ctx)
	require.NoError(t, err)
	bobFriends, err := bob.GetFriendList(ctx)
	require.NoError(t, err)
	assert.Contains(t, friendIDs(aliceFriends), bobID)
	assert.Contains(t, friendIDs(bobFriends), aliceID)

	ack, err := alice.SendText(ctx, bobID, "hi")
	require.NoError(t, err)
	assert.True(t, ack.Success)

	push, err = bob.NextPush(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.CmdP2PMsgPush, push.Cmd)
	msg := push.Payload.(*protocol.P2PMessagePush)
	assert.Equal(t, "hi", string(msg.Content))
	assert.Equal(t, aliceID, msg.SenderID)
}

func friendIDs(list []protocol.FriendInfo) []uint64 {
	ids := make([]uint64, 0, len(list))
	for _, f := range list {
		ids = append(ids, f.UserID)
	}
	return ids
}

func TestEndToEnd_ManyConcurrentClients(t *testing.T) {
	srv := setupTestServer(t)
	addr, _ := startTCP(t, srv)
	ctx := testContext(t)

	const n = 8
	clients := make([]*client.Client, n)
	ids := make([]uint64, n)
	for i := range clients {
		clients[i] = dial(t, addr)
	}

	errs := make(chan error, n)
	for i, c := range clients {
		go func(i int, c *client.Client) {
			name := string(rune('a'+i)) + "-user"
			id, err := c.Register(ctx, name, "pw123")
			if err == nil {
				ids[i] = id
				_, err = c.Login(ctx, name, "pw123")
			}
			errs <- err
		}(i, c)
	}
	for range clients {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, n, srv.Stats().Sessions)

	// Everyone messages their right-hand neighbour.
	for i, c := range clients {
		_, err := c.SendText(ctx, ids[(i+1)%n], "ping")
		require.NoError(t, err)
	}
	for i, c := range clients {
		push, err := c.NextPush(ctx)
		require.NoError(t, err)
		assert.Equal(t, ids[(i+n-1)%n], push.Payload.(*protocol.P2PMessagePush).SenderID)
	}
}

func TestShutdownClosesClientsAndStopsServe(t *testing.T) {
	srv := setupTestServer(t)
	addr, served := startTCP(t, srv)

	c := dial(t, addr)
	_, err := c.Heartbeat(testContext(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-served:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client was not disconnected")
	}
	assert.Zero(t, srv.Stats().Connections)

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "listener is closed")
}
