package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/luciancaetano/knet"
)

// CheckOriginFn validates the origin of a WebSocket upgrade request.
// Return true to allow the connection.
type CheckOriginFn = func(r *http.Request) bool

// DefaultWebSocketPath is where the upgrade handler is mounted.
const DefaultWebSocketPath = "/ws"

// WebSocketConfig configures WebSocket listeners and dialers.
type WebSocketConfig struct {
	// Path the upgrade handler is mounted on. Defaults to "/ws".
	Path string

	// CheckOrigin is passed to the upgrader. Nil applies gorilla's
	// same-origin policy.
	CheckOrigin CheckOriginFn

	ReadBufferSize  int
	WriteBufferSize int

	// WriteTimeout bounds each WritePacket. Zero disables the deadline.
	WriteTimeout time.Duration

	// HandshakeTimeout bounds the client side of the upgrade.
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// DefaultWebSocketConfig returns 1024 byte buffers and a 10s write timeout.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Path:             DefaultWebSocketPath,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

func (c *WebSocketConfig) normalize() {
	if c.Path == "" {
		c.Path = DefaultWebSocketPath
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "websocket")
	}
}

type wsStream struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func newWSStream(conn *websocket.Conn, timeout time.Duration) *wsStream {
	return &wsStream{conn: conn, timeout: timeout}
}

func (s *wsStream) ReadPacket(buf []byte) (int, error) {
	for {
		mt, r, err := s.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}

		n, err := io.ReadFull(r, buf)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return n, nil
		case err != nil:
			return 0, err
		}

		var extra [1]byte
		if _, err := io.ReadFull(r, extra[:]); err == nil {
			return 0, fmt.Errorf("%w: message exceeds %d bytes", knet.ErrPacketTooLarge, len(buf))
		}
		return n, nil
	}
}

func (s *wsStream) WritePacket(p []byte) error {
	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (s *wsStream) Close() error {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	return s.conn.Close()
}

func (s *wsStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

type wsListener struct {
	ln       net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	cfg      WebSocketConfig
	accepted chan Stream
	done     chan struct{}
	once     sync.Once
}

// ListenWebSocket binds address and serves WebSocket upgrades on cfg.Path.
// Upgraded connections are returned by Accept.
func ListenWebSocket(address string, cfg WebSocketConfig) (Listener, error) {
	cfg.normalize()

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		ln:  ln,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		accepted: make(chan Stream),
		done:     make(chan struct{}),
	}

	router := chi.NewRouter()
	router.Get(cfg.Path, l.handleWebSocket)
	l.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cfg.Logger.Error("websocket listener stopped", "error", err)
		}
	}()
	return l, nil
}

// handleWebSocket upgrades the request and hands the connection to Accept.
func (l *wsListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		l.cfg.Logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	stream := newWSStream(conn, l.cfg.WriteTimeout)
	select {
	case l.accepted <- stream:
	case <-l.done:
		_ = stream.Close()
	}
}

func (l *wsListener) Accept() (Stream, error) {
	select {
	case s := <-l.accepted:
		return s, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.server.Close()
	})
	return err
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }

// WebSocketDialer dials WebSocket streams. Addresses without a scheme are
// dialed as ws://address plus the configured path.
type WebSocketDialer struct {
	Config WebSocketConfig
}

func (d WebSocketDialer) Dial(ctx context.Context, address string) (Stream, error) {
	cfg := d.Config
	cfg.normalize()

	url := address
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		url = "ws://" + address + cfg.Path
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newWSStream(conn, cfg.WriteTimeout), nil
}
