package transport

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Coflnet/cloud-sub001/errors"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadDeadline = 60 * time.Second
	wsPingPeriod   = 30 * time.Second
)

// wsConn wraps a websocket connection for the transport boundary. Writes
// are serialized because gorilla connections allow one writer at a time.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  sync.Once
	done    chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, done: make(chan struct{})}
}

// Send implements Connection.
func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.WrapTransient(err, "wsConn", "Send", "message write")
	}
	return nil
}

// Close implements Connection.
func (c *wsConn) Close() error {
	var err error
	c.closed.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) readLoop(handler Handler, logger *slog.Logger) {
	defer func() { _ = c.Close() }()

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		handler(data, c)
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// WSServer accepts websocket connections and feeds inbound envelopes to the
// handler. Peer identity is not known at accept time; the login command
// binds the connection to an id through the reply argument.
type WSServer struct {
	upgrader websocket.Upgrader
	handler  Handler
	logger   *slog.Logger
}

// NewWSServer creates a websocket accept handler.
func NewWSServer(handler Handler, logger *slog.Logger) *WSServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The substrate authenticates via signed envelopes, not
			// via the browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		handler: handler,
		logger:  logger.With("component", "ws-server"),
	}
}

// ServeHTTP implements http.Handler.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	wc := newWSConn(conn)
	s.logger.Debug("peer connected", "remote", r.RemoteAddr, "session", uuid.NewString())

	go wc.pingLoop()
	go wc.readLoop(s.handler, s.logger)
}

// DialWS connects to a peer's websocket endpoint and starts reading.
func DialWS(url string, handler Handler, logger *slog.Logger) (Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ws-client")

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "transport", "DialWS", "websocket dial")
	}

	wc := newWSConn(conn)
	go wc.pingLoop()
	go wc.readLoop(handler, logger)
	return wc, nil
}
