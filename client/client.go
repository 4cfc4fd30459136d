// Package client is a termchat protocol client. It correlates responses with
// requests by seq and hands server pushes to the caller.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"termchat/protocol"
)

var (
	ErrClosed     = errors.New("client closed")
	ErrPushLagged = errors.New("push buffer full")
)

// ResponseError is a response that came back with success=false.
type ResponseError struct {
	Cmd protocol.Command
	Msg string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Cmd, e.Msg)
}

type Options struct {
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	PushBuffer        int
	MaxFrameSize      int
}

type Client struct {
	conn   net.Conn
	reader *protocol.FrameReader
	opts   Options

	sendMu sync.Mutex
	mu     sync.Mutex
	seq    uint64
	token  string
	user   protocol.UserInfo
	wait   map[uint64]chan *protocol.Envelope
	err    error

	pushes chan *protocol.Envelope
	done   chan struct{}
	once   sync.Once
}

// Dial connects to a termchat server at addr.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.PushBuffer <= 0 {
		opts.PushBuffer = 64
	}

	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newClient(conn, opts), nil
}

// New wraps an established connection, for example one end of net.Pipe.
func New(conn net.Conn, opts Options) *Client {
	if opts.PushBuffer <= 0 {
		opts.PushBuffer = 64
	}
	return newClient(conn, opts)
}

func newClient(conn net.Conn, opts Options) *Client {
	c := &Client{
		conn:   conn,
		reader: protocol.NewFrameReader(conn, opts.MaxFrameSize),
		opts:   opts,
		wait:   make(map[uint64]chan *protocol.Envelope),
		pushes: make(chan *protocol.Envelope, opts.PushBuffer),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	if opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop()
	}
	return c
}

func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return c.conn.Close()
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) readLoop() {
	for {
		body, err := c.reader.ReadFrame()
		if err != nil {
			c.shutdown(err)
			return
		}
		env, err := protocol.Decode(body)
		if err != nil {
			c.shutdown(err)
			c.conn.Close()
			return
		}

		if isPush(env.Cmd) {
			select {
			case c.pushes <- env:
			default:
				c.shutdown(ErrPushLagged)
				c.conn.Close()
				return
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.wait[env.Seq]
		delete(c.wait, env.Seq)
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func isPush(cmd protocol.Command) bool {
	switch cmd {
	case protocol.CmdP2PMsgPush, protocol.CmdFriendReqPush, protocol.CmdFriendStatusPush:
		return true
	}
	return false
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.HeartbeatInterval)
			_, err := c.Heartbeat(ctx)
			cancel()
			if err != nil && errors.Is(err, ErrClosed) {
				return
			}
		}
	}
}

// Pushes yields server-initiated envelopes in arrival order.
func (c *Client) Pushes() <-chan *protocol.Envelope { return c.pushes }

// NextPush waits for the next push.
func (c *Client) NextPush(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case env := <-c.pushes:
		return env, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call sends p and waits for the response with the same seq.
func (c *Client) Call(ctx context.Context, p protocol.Payload) (*protocol.Envelope, error) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	token := c.token
	ch := make(chan *protocol.Envelope, 1)
	c.wait[seq] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.wait, seq)
		c.mu.Unlock()
	}()

	if err := c.Send(&protocol.Envelope{
		Seq:       seq,
		Cmd:       p.Command(),
		Timestamp: time.Now().Unix(),
		Token:     token,
		Payload:   p,
	}); err != nil {
		return nil, err
	}

	select {
	case env := <-ch:
		return env, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes env as is. Most callers want Call.
func (c *Client) Send(env *protocol.Envelope) error {
	body, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.done:
		return c.Err()
	default:
	}
	return protocol.WriteFrame(c.conn, body, c.opts.MaxFrameSize)
}

// Token is the session token from the last successful login.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// User is the profile returned by the last successful login.
func (c *Client) User() protocol.UserInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// SetToken overrides the token attached to later requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func expect[T protocol.Payload](env *protocol.Envelope) (T, error) {
	res, ok := env.Payload.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected response %s", env.Cmd)
	}
	return res, nil
}

func (c *Client) Register(ctx context.Context, username, password string) (uint64, error) {
	env, err := c.Call(ctx, &protocol.RegisterReq{Username: username, Password: password})
	if err != nil {
		return 0, err
	}
	res, err := expect[*protocol.RegisterRes](env)
	if err != nil {
		return 0, err
	}
	if !res.Success {
		return 0, &ResponseError{Cmd: env.Cmd, Msg: res.ErrorMsg}
	}
	return res.UserID, nil
}

// Login authenticates the connection. The returned token is also attached to
// every later request.
func (c *Client) Login(ctx context.Context, username, password string) (*protocol.LoginRes, error) {
	env, err := c.Call(ctx, &protocol.LoginReq{Username: username, Password: password})
	if err != nil {
		return nil, err
	}
	res, err := expect[*protocol.LoginRes](env)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res, &ResponseError{Cmd: env.Cmd, Msg: res.ErrorMsg}
	}

	c.mu.Lock()
	c.token = res.Token
	c.user = res.UserInfo
	c.mu.Unlock()
	return res, nil
}

func (c *Client) AddFriend(ctx context.Context, receiverID uint64, verifyMsg string) error {
	env, err := c.Call(ctx, &protocol.AddFriendReq{ReceiverID: receiverID, VerifyMsg: verifyMsg})
	if err != nil {
		return err
	}
	res, err := expect[*protocol.AddFriendRes](env)
	if err != nil {
		return err
	}
	if !res.Success {
		return &ResponseError{Cmd: env.Cmd, Msg: res.ErrorMsg}
	}
	return nil
}

func (c *Client) HandleFriend(ctx context.Context, senderID uint64, action protocol.FriendAction) (*protocol.HandleFriendRes, error) {
	env, err := c.Call(ctx, &protocol.HandleFriendReq{SenderID: senderID, Action: action})
	if err != nil {
		return nil, err
	}
	res, err := expect[*protocol.HandleFriendRes](env)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res, &ResponseError{Cmd: env.Cmd, Msg: res.ErrorMsg}
	}
	return res, nil
}

func (c *Client) GetFriendList(ctx context.Context) ([]protocol.FriendInfo, error) {
	env, err := c.Call(ctx, &protocol.GetFriendListReq{})
	if err != nil {
		return nil, err
	}
	res, err := expect[*protocol.GetFriendListRes](env)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, &ResponseError{Cmd: env.Cmd, Msg: res.ErrorMsg}
	}
	return res.FriendList, nil
}

// PendingRequests lists friend requests waiting for this user to answer.
func (c *Client) PendingRequests(ctx context.Context) ([]protocol.FriendRequestNotification, error) {
	env, err := c.Call(ctx, &protocol.GetPendingReq{})
	if err != nil {
		return nil, err
	}
	res, err := expect[*protocol.GetPendingRes](env)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, &ResponseError{Cmd: env.Cmd, Msg: res.ErrorMsg}
	}
	return res.Requests, nil
}

// SendText sends a text message and returns its ACK.
func (c *Client) SendText(ctx context.Context, receiverID uint64, text string) (*protocol.MessageAck, error) {
	return c.SendP2P(ctx, &protocol.P2PMessage{
		ReceiverID:  receiverID,
		ContentType: protocol.ContentText,
		Content:     []byte(text),
	})
}

func (c *Client) SendP2P(ctx context.Context, msg *protocol.P2PMessage) (*protocol.MessageAck, error) {
	if msg.SenderID == 0 {
		msg.SenderID = c.User().UserID
	}
	env, err := c.Call(ctx, msg)
	if err != nil {
		return nil, err
	}
	ack, err := expect[*protocol.MessageAck](env)
	if err != nil {
		return nil, err
	}
	if !ack.Success {
		return ack, &ResponseError{Cmd: env.Cmd, Msg: ack.ErrorMsg}
	}
	return ack, nil
}

// Heartbeat returns the server clock.
func (c *Client) Heartbeat(ctx context.Context) (time.Time, error) {
	env, err := c.Call(ctx, &protocol.HeartbeatReq{})
	if err != nil {
		return time.Time{}, err
	}
	res, err := expect[*protocol.HeartbeatRes](env)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(res.ServerTime, 0), nil
}

func (c *Client) Logout(ctx context.Context) error {
	env, err := c.Call(ctx, &protocol.LogoutReq{})
	if err != nil {
		return err
	}
	res, err := expect[*protocol.LogoutRes](env)
	if err != nil {
		return err
	}
	if !res.Success {
		return &ResponseError{Cmd: env.Cmd, Msg: res.ErrorMsg}
	}

	c.mu.Lock()
	c.token = ""
	c.user = protocol.UserInfo{}
	c.mu.Unlock()
	return nil
}
