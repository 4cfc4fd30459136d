package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"termchat/archive"
	"termchat/config"
	"termchat/db"
	"termchat/session"

	"go.uber.org/zap"
)

var ErrServerClosed = errors.New("server closed")

// Push envelopes draw their seq from here so they never collide with the small
// seq values clients pick.
const firstPushSeq = 1 << 32

type Server struct {
	db       *db.DB
	config   *ServerConfig
	sessions *session.Registry
	archive  *archive.Writer
	log      *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	closing  bool
	wg       sync.WaitGroup

	pushSeq      atomic.Uint64
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

type ServerConfig struct {
	Addr          string
	MaxFrameSize  int
	IdleTimeout   time.Duration
	WriteTimeout  time.Duration
	SendQueueSize int
	RateLimit     float64 // 0 disables limiting
	RateBurst     int
	AdminToken    string
	WSOrigins     []string
}

func ConfigFrom(cfg *config.Config) *ServerConfig {
	return &ServerConfig{
		Addr:          cfg.ListenAddr(),
		MaxFrameSize:  cfg.MaxFrameSize,
		IdleTimeout:   cfg.IdleTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		SendQueueSize: cfg.SendQueueSize,
		RateLimit:     cfg.RateLimit,
		RateBurst:     cfg.RateBurst,
		AdminToken:    cfg.AdminToken,
		WSOrigins:     cfg.WSOrigins,
	}
}

type Stats struct {
	session.Stats
	Archive archive.Stats `json:"archive"`
}

func New(database *db.DB, config *ServerConfig, sessions *session.Registry, archiver *archive.Writer, log *zap.Logger) *Server {
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		db:         database,
		config:     config,
		sessions:   sessions,
		archive:    archiver,
		log:        log,
		conns:      make(map[*conn]struct{}),
		shutdownCh: make(chan struct{}),
	}
	s.pushSeq.Store(firstPushSeq - 1)
	return s
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts TCP connections on listener. It always returns a non-nil
// error; after Shutdown that error is ErrServerClosed.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("termchat server started", zap.String("addr", listener.Addr().String()))

	var backoff time.Duration
	for {
		nc, err := listener.Accept()
		if err != nil {
			if s.isClosing() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.log.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		go s.ServeTransport(newTCPTransport(nc, s.config.MaxFrameSize))
	}
}

// Addr is the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeTransport runs the connection worker for t and returns once the
// connection is closed.
func (s *Server) ServeTransport(t Transport) {
	c := newConn(s, t)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		t.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.wg.Done()
	}()

	c.serve()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) snapshot() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// Shutdown stops accepting, wakes every connection reader and lets each
// connection flush what it has queued. When ctx expires first the remaining
// transports are closed outright and ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	conns := s.snapshot()
	s.log.Info("shutting down", zap.Int("connections", len(conns)))
	for _, c := range conns {
		c.stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range s.snapshot() {
			c.t.Close()
		}
		<-done
		return ctx.Err()
	}
}

// RequestShutdown asks the owner of the server to shut it down.
func (s *Server) RequestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

func (s *Server) Stats() Stats {
	return Stats{
		Stats:   s.sessions.Stats(),
		Archive: s.archive.Stats(),
	}
}
