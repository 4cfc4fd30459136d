package server

import (
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"termchat/protocol"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// conn is one client connection. A single reader goroutine handles requests
// in order; a single writer goroutine drains the bounded outbound queue.
type conn struct {
	id      string
	srv     *Server
	t       Transport
	log     *zap.Logger
	limiter *rate.Limiter // nil when rate limiting is off

	out        chan *protocol.Envelope
	done       chan struct{}
	writerDone chan struct{}

	mu       sync.Mutex
	stopping bool
}

func newConn(s *Server, t Transport) *conn {
	c := &conn{
		srv:        s,
		t:          t,
		out:        make(chan *protocol.Envelope, s.config.SendQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	if s.config.RateLimit > 0 {
		burst := s.config.RateBurst
		if burst <= 0 {
			burst = int(math.Max(1, s.config.RateLimit))
		}
		c.limiter = rate.NewLimiter(rate.Limit(s.config.RateLimit), burst)
	}
	return c
}

func (c *conn) serve() {
	c.id = c.srv.sessions.RegisterConnection(c)
	c.log = c.srv.log.With(
		zap.String("conn_id", c.id),
		zap.String("remote", c.t.RemoteAddr()),
		zap.String("transport", c.t.Kind()),
	)
	c.log.Info("client connected")

	go c.writeLoop()

	defer func() {
		// The session goes before the function returns so no later route
		// lookup can observe this connection.
		if id, ok := c.srv.sessions.DeregisterConnection(c.id); ok {
			c.log.Info("client disconnected", zap.Uint64("user_id", id.UserID))
		} else {
			c.log.Info("client disconnected")
		}
		close(c.done)
		<-c.writerDone
		c.t.Close()
	}()

	c.readLoop()
}

func (c *conn) readLoop() {
	for {
		if !c.armRead() {
			return
		}

		body, err := c.t.ReadFrame()
		if err != nil {
			c.logReadError(err)
			return
		}

		env, err := protocol.Decode(body)
		if err != nil {
			c.log.Warn("malformed envelope, closing connection", zap.Error(err))
			return
		}
		if env.Cmd.Response() == protocol.CmdUnknown {
			c.log.Warn("client sent a server-only command, closing connection", zap.Stringer("cmd", env.Cmd))
			return
		}

		c.srv.dispatch(c, env)
	}
}

// armRead sets the idle deadline for the next frame. It reports false once
// the connection has been asked to stop.
func (c *conn) armRead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return false
	}
	var deadline time.Time
	if c.srv.config.IdleTimeout > 0 {
		deadline = time.Now().Add(c.srv.config.IdleTimeout)
	}
	c.t.SetReadDeadline(deadline)
	return true
}

// stop wakes the reader. Queued frames are still flushed by the writer.
func (c *conn) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopping = true
	c.t.SetReadDeadline(time.Now())
}

func (c *conn) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

func (c *conn) logReadError(err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		c.log.Debug("client closed connection")
	case errors.As(err, &netErr) && netErr.Timeout():
		if c.isStopping() {
			c.log.Debug("reader stopped for shutdown")
		} else {
			c.log.Info("idle timeout, closing connection", zap.Duration("idle", c.srv.config.IdleTimeout))
		}
	case errors.Is(err, protocol.ErrFrameTooLarge):
		c.log.Warn("oversized frame, closing connection", zap.Error(err))
	default:
		c.log.Warn("read failed, closing connection", zap.Error(err))
	}
}

func (c *conn) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case env := <-c.out:
			if err := c.write(env); err != nil {
				c.log.Warn("write failed, closing connection", zap.Error(err))
				c.t.Close()
				return
			}
		case <-c.done:
			for {
				select {
				case env := <-c.out:
					if err := c.write(env); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *conn) write(env *protocol.Envelope) error {
	body, err := protocol.Encode(env)
	if err != nil {
		c.log.Error("encode failed, frame skipped", zap.Stringer("cmd", env.Cmd), zap.Error(err))
		return nil
	}
	if c.srv.config.WriteTimeout > 0 {
		c.t.SetWriteDeadline(time.Now().Add(c.srv.config.WriteTimeout))
	}
	return c.t.WriteFrame(body)
}

// send queues a response for this connection's own request. It waits for
// room in the queue and only gives up once the writer is gone.
func (c *conn) send(env *protocol.Envelope) bool {
	select {
	case c.out <- env:
		return true
	case <-c.writerDone:
		return false
	}
}

// Deliver queues a push without blocking. A full queue drops the push.
func (c *conn) Deliver(env *protocol.Envelope) bool {
	select {
	case <-c.done:
		return false
	case <-c.writerDone:
		return false
	default:
	}

	select {
	case c.out <- env:
		return true
	default:
		c.log.Warn("outbound queue full, push dropped", zap.Stringer("cmd", env.Cmd), zap.Uint64("seq", env.Seq))
		return false
	}
}
