package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"termchat/protocol"

	"github.com/gorilla/websocket"
)

// Transport carries whole envelopes in both directions. TCP frames them with
// a length prefix; WebSocket uses one binary message per envelope.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(body []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() string
	Kind() string
	Close() error
}

type tcpTransport struct {
	conn    net.Conn
	reader  *protocol.FrameReader
	maxSize int
}

func newTCPTransport(conn net.Conn, maxSize int) *tcpTransport {
	return &tcpTransport{
		conn:    conn,
		reader:  protocol.NewFrameReader(conn, maxSize),
		maxSize: maxSize,
	}
}

func (t *tcpTransport) ReadFrame() ([]byte, error) { return t.reader.ReadFrame() }

func (t *tcpTransport) WriteFrame(body []byte) error {
	return protocol.WriteFrame(t.conn, body, t.maxSize)
}

func (t *tcpTransport) SetReadDeadline(d time.Time) error  { return t.conn.SetReadDeadline(d) }
func (t *tcpTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }
func (t *tcpTransport) RemoteAddr() string                 { return t.conn.RemoteAddr().String() }
func (t *tcpTransport) Kind() string                       { return "tcp" }
func (t *tcpTransport) Close() error                       { return t.conn.Close() }

type wsTransport struct {
	ws      *websocket.Conn
	maxSize int
}

func newWSTransport(ws *websocket.Conn, maxSize int) *wsTransport {
	if maxSize <= 0 {
		maxSize = protocol.DefaultMaxFrameSize
	}
	ws.SetReadLimit(int64(maxSize))
	return &wsTransport{ws: ws, maxSize: maxSize}
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	typ, data, err := t.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		if errors.Is(err, websocket.ErrReadLimit) {
			err = protocol.ErrFrameTooLarge
		}
		return nil, &protocol.FrameError{Op: "read message", Err: err}
	}
	if typ != websocket.BinaryMessage {
		return nil, &protocol.FrameError{Op: "read message", Err: fmt.Errorf("unexpected message type %d", typ)}
	}
	return data, nil
}

func (t *wsTransport) WriteFrame(body []byte) error {
	if len(body) > t.maxSize {
		return &protocol.FrameError{Op: "write", Err: fmt.Errorf("%w: %d > %d", protocol.ErrFrameTooLarge, len(body), t.maxSize)}
	}
	if err := t.ws.WriteMessage(websocket.BinaryMessage, body); err != nil {
		return &protocol.FrameError{Op: "write", Err: err}
	}
	return nil
}

func (t *wsTransport) SetReadDeadline(d time.Time) error  { return t.ws.SetReadDeadline(d) }
func (t *wsTransport) SetWriteDeadline(d time.Time) error { return t.ws.SetWriteDeadline(d) }
func (t *wsTransport) RemoteAddr() string                 { return t.ws.RemoteAddr().String() }
func (t *wsTransport) Kind() string                       { return "ws" }
func (t *wsTransport) Close() error                       { return t.ws.Close() }
