package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"termchat/models"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists      = errors.New("username already exists")
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidPassword = errors.New("invalid password")
	ErrRequestExists   = errors.New("friend request already pending")
	ErrRequestNotFound = errors.New("friend request not found")
	ErrAlreadyFriends  = errors.New("already friends")
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// sqlite has a single writer.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS friend_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id INTEGER NOT NULL REFERENCES users(id),
			receiver_id INTEGER NOT NULL REFERENCES users(id),
			verify_msg TEXT NOT NULL DEFAULT '',
			status INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		// Only one pending request per ordered pair; resolved rows stay as history.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_friend_requests_pending
			ON friend_requests(sender_id, receiver_id) WHERE status = 0`,
		`CREATE INDEX IF NOT EXISTS idx_friend_requests_receiver ON friend_requests(receiver_id, status)`,
		`CREATE TABLE IF NOT EXISTS friends (
			user_a INTEGER NOT NULL REFERENCES users(id),
			user_b INTEGER NOT NULL REFERENCES users(id),
			created_at TEXT NOT NULL,
			PRIMARY KEY (user_a, user_b),
			CHECK (user_a < user_b)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_friends_user_b ON friends(user_b)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			msg_id INTEGER NOT NULL,
			conv_id TEXT NOT NULL,
			sender_id INTEGER NOT NULL,
			receiver_id INTEGER NOT NULL,
			content_type INTEGER NOT NULL DEFAULT 0,
			content BLOB,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conv_id, timestamp)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// User methods

// CreateUser hashes the password and inserts the user. The UNIQUE constraint on
// username makes this an atomic create-if-absent.
func (db *DB) CreateUser(username, password string) (uint64, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}

	result, err := db.conn.Exec(
		"INSERT INTO users (username, password, created_at) VALUES (?, ?, ?)",
		username, string(hashed), formatTime(time.Now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrUserExists
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (db *DB) FindUserByUsername(username string) (*models.User, error) {
	return db.findUser("SELECT id, username, password, created_at FROM users WHERE username = ?", username)
}

func (db *DB) FindUserByID(id uint64) (*models.User, error) {
	return db.findUser("SELECT id, username, password, created_at FROM users WHERE id = ?", id)
}

func (db *DB) findUser(query string, arg interface{}) (*models.User, error) {
	var u models.User
	var createdAt string
	err := db.conn.QueryRow(query, arg).Scan(&u.ID, &u.Username, &u.Password, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (db *DB) UserExists(id uint64) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// VerifyPassword returns the user when username and password match.
func (db *DB) VerifyPassword(username, password string) (*models.User, error) {
	u, err := db.FindUserByUsername(username)
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)); err != nil {
		return nil, ErrInvalidPassword
	}
	return u, nil
}

// Friend methods

func orderedPair(a, b uint64) (uint64, uint64) {
	if a < b {
		return a, b
	}
	return b, a
}

// CreateFriendRequest inserts a pending request from sender to receiver. An
// unknown receiver yields ErrUserNotFound.
func (db *DB) CreateFriendRequest(senderID, receiverID uint64, verifyMsg string) (*models.FriendRequest, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	a, b := orderedPair(senderID, receiverID)
	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM friends WHERE user_a = ? AND user_b = ?", a, b).Scan(&count); err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrAlreadyFriends
	}

	now := time.Now().UTC()
	result, err := tx.Exec(
		`INSERT INTO friend_requests (sender_id, receiver_id, verify_msg, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		senderID, receiverID, verifyMsg, models.RequestPending, formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrRequestExists
		}
		if isForeignKeyViolation(err) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("insert friend request: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &models.FriendRequest{
		ID:         uint64(id),
		SenderID:   senderID,
		ReceiverID: receiverID,
		VerifyMsg:  verifyMsg,
		Status:     models.RequestPending,
		CreatedAt:  now.Truncate(time.Second),
	}, nil
}

// ResolveFriendRequest moves the pending request sender->receiver to accepted or
// rejected. Accepting also creates the friend edge, in the same transaction.
func (db *DB) ResolveFriendRequest(senderID, receiverID uint64, accept bool) (*models.FriendRequest, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var req models.FriendRequest
	var createdAt string
	err = tx.QueryRow(
		`SELECT id, sender_id, receiver_id, verify_msg, created_at FROM friend_requests
		 WHERE sender_id = ? AND receiver_id = ? AND status = ?`,
		senderID, receiverID, models.RequestPending,
	).Scan(&req.ID, &req.SenderID, &req.ReceiverID, &req.VerifyMsg, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	req.CreatedAt = parseTime(createdAt)

	req.Status = models.RequestRejected
	if accept {
		req.Status = models.RequestAccepted
	}

	now := formatTime(time.Now())
	if _, err := tx.Exec(
		"UPDATE friend_requests SET status = ?, updated_at = ? WHERE id = ?",
		req.Status, now, req.ID,
	); err != nil {
		return nil, err
	}

	if accept {
		a, b := orderedPair(senderID, receiverID)
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO friends (user_a, user_b, created_at) VALUES (?, ?, ?)",
			a, b, now,
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &req, nil
}

// ListPendingRequests returns the requests still waiting on receiverID,
// oldest first, with the sender's username filled in.
func (db *DB) ListPendingRequests(receiverID uint64) ([]models.FriendRequest, error) {
	query := `
		SELECT r.id, r.sender_id, u.username, r.verify_msg, r.created_at
		FROM friend_requests r
		JOIN users u ON u.id = r.sender_id
		WHERE r.receiver_id = ? AND r.status = ?
		ORDER BY r.id
	`

	rows, err := db.conn.Query(query, receiverID, models.RequestPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []models.FriendRequest
	for rows.Next() {
		req := models.FriendRequest{ReceiverID: receiverID, Status: models.RequestPending}
		var createdAt string
		if err := rows.Scan(&req.ID, &req.SenderID, &req.SenderName, &req.VerifyMsg, &createdAt); err != nil {
			return nil, err
		}
		req.CreatedAt = parseTime(createdAt)
		requests = append(requests, req)
	}

	return requests, rows.Err()
}

func (db *DB) AreFriends(a, b uint64) (bool, error) {
	a, b = orderedPair(a, b)
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM friends WHERE user_a = ? AND user_b = ?", a, b).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListFriends returns the counterpart of every edge touching userID.
func (db *DB) ListFriends(userID uint64) ([]models.Friend, error) {
	query := `
		SELECT u.id, u.username
		FROM friends f
		JOIN users u ON u.id = CASE WHEN f.user_a = ? THEN f.user_b ELSE f.user_a END
		WHERE f.user_a = ? OR f.user_b = ?
		ORDER BY u.id
	`

	rows, err := db.conn.Query(query, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []models.Friend
	for rows.Next() {
		var f models.Friend
		if err := rows.Scan(&f.UserID, &f.Username); err != nil {
			return nil, err
		}
		friends = append(friends, f)
	}

	return friends, rows.Err()
}

// Message methods

// ConversationID is the order-independent key of a p2p conversation.
func ConversationID(a, b uint64) string {
	a, b = orderedPair(a, b)
	return fmt.Sprintf("%d_%d", a, b)
}

// SaveMessages persists a batch in one transaction.
func (db *DB) SaveMessages(msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO messages (msg_id, conv_id, sender_id, receiver_id, content_type, content, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		convID := m.ConversationID
		if convID == "" {
			convID = ConversationID(m.SenderID, m.ReceiverID)
		}
		if _, err := stmt.Exec(m.MsgID, convID, m.SenderID, m.ReceiverID, m.ContentType, m.Content, formatTime(m.Timestamp)); err != nil {
			return fmt.Errorf("insert message %d: %w", m.MsgID, err)
		}
	}

	return tx.Commit()
}

// GetConversation returns the latest limit messages between a and b, oldest first.
func (db *DB) GetConversation(a, b uint64, limit int) ([]models.Message, error) {
	query := `
		SELECT id, msg_id, conv_id, sender_id, receiver_id, content_type, content, timestamp
		FROM (
			SELECT * FROM messages WHERE conv_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?
		)
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := db.conn.Query(query, ConversationID(a, b), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var timestamp string
		if err := rows.Scan(&m.ID, &m.MsgID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.ContentType, &m.Content, &timestamp); err != nil {
			return nil, err
		}
		m.Timestamp = parseTime(timestamp)
		messages = append(messages, m)
	}

	return messages, rows.Err()
}
