package db

import (
	"path/filepath"
	"testing"
	"time"

	"termchat/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func createUser(t *testing.T, database *DB, name string) uint64 {
	t.Helper()
	id, err := database.CreateUser(name, "pw123")
	require.NoError(t, err)
	return id
}

func TestCreateUser_Unique(t *testing.T) {
	database := setupTestDB(t)

	id, err := database.CreateUser("alice", "pw123")
	require.NoError(t, err)
	assert.NotZero(t, id)

	_, err = database.CreateUser("alice", "other")
	assert.ErrorIs(t, err, ErrUserExists)

	u, err := database.FindUserByID(id)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.NotEqual(t, "pw123", u.Password, "password must be stored hashed")
	assert.False(t, u.CreatedAt.IsZero())
}

func TestVerifyPassword(t *testing.T) {
	database := setupTestDB(t)
	id := createUser(t, database, "alice")

	u, err := database.VerifyPassword("alice", "pw123")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)

	_, err = database.VerifyPassword("alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidPassword)

	_, err = database.VerifyPassword("nobody", "pw123")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUserExists(t *testing.T) {
	database := setupTestDB(t)
	id := createUser(t, database, "alice")

	ok, err := database.UserExists(id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = database.UserExists(id + 100)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFriendRequest_Lifecycle(t *testing.T) {
	database := setupTestDB(t)
	alice := createUser(t, database, "alice")
	bob := createUser(t, database, "bob")

	req, err := database.CreateFriendRequest(alice, bob, "hi")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, req.Status)
	assert.NotZero(t, req.ID)

	_, err = database.CreateFriendRequest(alice, bob, "again")
	assert.ErrorIs(t, err, ErrRequestExists)

	// The reverse direction is a separate request.
	_, err = database.CreateFriendRequest(bob, alice, "me too")
	require.NoError(t, err)

	resolved, err := database.ResolveFriendRequest(alice, bob, true)
	require.NoError(t, err)
	assert.Equal(t, models.RequestAccepted, resolved.Status)
	assert.Equal(t, req.ID, resolved.ID)

	_, err = database.ResolveFriendRequest(alice, bob, true)
	assert.ErrorIs(t, err, ErrRequestNotFound)

	friends, err := database.AreFriends(bob, alice)
	require.NoError(t, err)
	assert.True(t, friends)

	_, err = database.CreateFriendRequest(alice, bob, "still?")
	assert.ErrorIs(t, err, ErrAlreadyFriends)

	// Accepting the reverse request as well must not duplicate the edge.
	_, err = database.ResolveFriendRequest(bob, alice, true)
	require.NoError(t, err)

	list, err := database.ListFriends(alice)
	require.NoError(t, err)
	assert.Equal(t, []models.Friend{{UserID: bob, Username: "bob"}}, list)

	list, err = database.ListFriends(bob)
	require.NoError(t, err)
	assert.Equal(t, []models.Friend{{UserID: alice, Username: "alice"}}, list)
}

func TestFriendRequest_RejectAllowsRetry(t *testing.T) {
	database := setupTestDB(t)
	alice := createUser(t, database, "alice")
	bob := createUser(t, database, "bob")

	_, err := database.CreateFriendRequest(alice, bob, "hi")
	require.NoError(t, err)

	resolved, err := database.ResolveFriendRequest(alice, bob, false)
	require.NoError(t, err)
	assert.Equal(t, models.RequestRejected, resolved.Status)

	list, err := database.ListFriends(alice)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = database.CreateFriendRequest(alice, bob, "please")
	assert.NoError(t, err)
}

func TestSaveMessagesAndConversation(t *testing.T) {
	database := setupTestDB(t)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	msgs := []models.Message{
		{MsgID: 1, SenderID: 1, ReceiverID: 2, Content: []byte("hi"), Timestamp: base},
		{MsgID: 2, SenderID: 2, ReceiverID: 1, Content: []byte("hey"), Timestamp: base.Add(time.Second)},
		{MsgID: 3, SenderID: 1, ReceiverID: 3, Content: []byte("other"), Timestamp: base.Add(2 * time.Second)},
	}
	require.NoError(t, database.SaveMessages(msgs))

	conv, err := database.GetConversation(2, 1, 10)
	require.NoError(t, err)
	require.Len(t, conv, 2)
	assert.Equal(t, uint64(1), conv[0].MsgID)
	assert.Equal(t, uint64(2), conv[1].MsgID)
	assert.Equal(t, "1_2", conv[0].ConversationID)
	assert.Equal(t, []byte("hey"), conv[1].Content)
	assert.True(t, conv[1].Timestamp.Equal(base.Add(time.Second)))

	latest, err := database.GetConversation(1, 2, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, uint64(2), latest[0].MsgID)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	first, err := New(path)
	require.NoError(t, err)
	alice := createUser(t, first, "alice")
	bob := createUser(t, first, "bob")
	_, err = first.CreateFriendRequest(alice, bob, "hi")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(path)
	require.NoError(t, err)
	defer second.Close()

	resolved, err := second.ResolveFriendRequest(alice, bob, true)
	require.NoError(t, err)
	assert.Equal(t, models.RequestAccepted, resolved.Status)
}

func TestConversationID(t *testing.T) {
	assert.Equal(t, "3_7", ConversationID(7, 3))
	assert.Equal(t, ConversationID(3, 7), ConversationID(7, 3))
}

func TestFriendRequest_UnknownReceiver(t *testing.T) {
	database := setupTestDB(t)
	alice := createUser(t, database, "alice")

	_, err := database.CreateFriendRequest(alice, alice+99, "hi")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestListPendingRequests(t *testing.T) {
	database := setupTestDB(t)
	alice := createUser(t, database, "alice")
	bob := createUser(t, database, "bob")
	carol := createUser(t, database, "carol")

	_, err := database.CreateFriendRequest(alice, carol, "from alice")
	require.NoError(t, err)
	_, err = database.CreateFriendRequest(bob, carol, "from bob")
	require.NoError(t, err)
	_, err = database.CreateFriendRequest(carol, alice, "outgoing")
	require.NoError(t, err)

	pending, err := database.ListPendingRequests(carol)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, alice, pending[0].SenderID)
	assert.Equal(t, "alice", pending[0].SenderName)
	assert.Equal(t, "from alice", pending[0].VerifyMsg)
	assert.False(t, pending[0].CreatedAt.IsZero())
	assert.Equal(t, "bob", pending[1].SenderName)

	_, err = database.ResolveFriendRequest(bob, carol, false)
	require.NoError(t, err)

	pending, err = database.ListPendingRequests(carol)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, alice, pending[0].SenderID)

	pending, err = database.ListPendingRequests(bob)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
