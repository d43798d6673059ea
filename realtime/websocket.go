package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ordertrack/logging"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 5 * time.Second
)

// WebSocketDialer opens gorilla/websocket connections.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
	Log    *zap.Logger
}

// NewWebSocketDialer returns a dialer with a bounded handshake.
func NewWebSocketDialer(logger *zap.Logger) *WebSocketDialer {
	return &WebSocketDialer{
		Dialer: &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout},
		Log:    logging.OrNop(logger),
	}
}

// Dial starts the handshake in the background and returns immediately.
func (d *WebSocketDialer) Dial(url string, h Handlers) Socket {
	ctx, cancel := context.WithCancel(context.Background())
	s := &wsSocket{
		url:    url,
		h:      h,
		cancel: cancel,
		ready:  make(chan struct{}),
		log:    logging.OrNop(d.Log),
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	go s.run(ctx, dialer)
	return s
}

type wsSocket struct {
	url    string
	h      Handlers
	cancel context.CancelFunc
	ready  chan struct{} // closed once the handshake finished or failed
	log    *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (s *wsSocket) run(ctx context.Context, dialer *websocket.Dialer) {
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		close(s.ready)
		s.fireClose(fmt.Errorf("dial %s: %w", s.url, err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(s.ready)
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	close(s.ready)

	if s.h.OnOpen != nil {
		s.h.OnOpen()
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			s.fireClose(err)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if s.isClosed() {
			return
		}
		if s.h.OnMessage != nil {
			s.h.OnMessage(data)
		}
	}
}

func (s *wsSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fireClose reports the end of the connection at most once, and never after
// Close was called by the owner.
func (s *wsSocket) fireClose(err error) {
	if s.isClosed() {
		return
	}
	s.closeOnce.Do(func() {
		if s.h.OnClose != nil {
			s.h.OnClose(err)
		}
	})
}

func (s *wsSocket) Send(frame []byte) error {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("websocket: send on closed socket")
	}
	if conn == nil {
		return errors.New("websocket: not open")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *wsSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return conn.Close()
}
