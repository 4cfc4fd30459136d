package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"termchat/db"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// AdminRouter serves health, stats, conversation history and shutdown. It
// refuses browser requests (any Origin header). Without an admin token only
// loopback peers are served.
func (s *Server) AdminRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	admin := r.Group("/", s.adminGuard())
	admin.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Stats())
	})
	admin.GET("/conversations/:a/:b", s.handleConversation)
	admin.POST("/shutdown", func(c *gin.Context) {
		s.log.Info("shutdown requested via admin api", zap.String("remote", c.Request.RemoteAddr))
		s.RequestShutdown()
		c.JSON(http.StatusAccepted, gin.H{"ok": true})
	})

	return r
}

// NewAdminServer wraps the admin router in an http.Server bound to addr.
func (s *Server) NewAdminServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.AdminRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// WebSocketRouter serves the client-facing /ws endpoint. It shares nothing
// with the admin router.
func (s *Server) WebSocketRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.log))
	r.GET("/ws", s.serveWebSocket)
	return r
}

func (s *Server) NewWebSocketServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.WebSocketRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Server) adminGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Origin") != "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "cross-origin requests are not allowed"})
			return
		}

		if token := s.config.AdminToken; token != "" {
			got := c.GetHeader("Authorization")
			if subtle.ConstantTimeCompare([]byte(got), []byte("Bearer "+token)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
				return
			}
		} else if !isLoopback(c.Request.RemoteAddr) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin api is loopback only"})
			return
		}
		c.Next()
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// checkOrigin admits non-browser clients (no Origin), same-origin pages and
// the configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.config.WSOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

func (s *Server) handleConversation(c *gin.Context) {
	a, errA := strconv.ParseUint(c.Param("a"), 10, 64)
	b, errB := strconv.ParseUint(c.Param("b"), 10, 64)
	if errA != nil || errB != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user ids must be integers"})
		return
	}

	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := s.db.GetConversation(a, b, limit)
	if err != nil {
		s.log.Error("load conversation failed", zap.Uint64("a", a), zap.Uint64("b", b), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	out := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, gin.H{
			"msg_id":       m.MsgID,
			"sender_id":    m.SenderID,
			"receiver_id":  m.ReceiverID,
			"content_type": m.ContentType,
			"content":      m.Content,
			"timestamp":    m.Timestamp.Unix(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": db.ConversationID(a, b), "messages": out})
}

// serveWebSocket upgrades the request and runs it as an ordinary connection.
// Each binary message carries exactly one envelope.
func (s *Server) serveWebSocket(c *gin.Context) {
	if s.isClosing() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s.ServeTransport(newWSTransport(ws, s.config.MaxFrameSize))
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("admin request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
