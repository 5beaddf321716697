package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luciancaetano/knet"
	"github.com/luciancaetano/knet/codec"
	"github.com/luciancaetano/knet/internal/dispatch"
	"github.com/luciancaetano/knet/internal/metrics"
	"github.com/luciancaetano/knet/internal/protocol"
	"github.com/luciancaetano/knet/internal/secure"
	"github.com/luciancaetano/knet/internal/transport"
)

var _ knet.Client[uint16] = (*Client[uint16])(nil)

var closedContext = func() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}()

// Client holds one connection to a server at a time. Handlers survive
// reconnects.
type Client[ID comparable] struct {
	codecState[ID]

	cfg      ClientConfig[ID]
	dialer   transport.Dialer
	handlers *dispatch.Table[ID]
	state    atomic.Int32
	wg       sync.WaitGroup

	mu         sync.Mutex
	conn       *Conn[ID]
	id         ID
	authorized chan struct{}
}

// NewClient creates a disconnected client that dials with dialer.
func NewClient[ID comparable](dialer transport.Dialer, cfg ClientConfig[ID]) *Client[ID] {
	cfg.normalize()

	logger := cfg.Logger.With("component", "client", "identity_scheme", cfg.Identity.Name())
	m := metrics.New(metrics.Config{Subsystem: "client", Registry: cfg.Metrics})

	c := &Client[ID]{
		codecState: codecState[ID]{
			scheme:  cfg.Identity,
			pool:    &codec.Pool{},
			logger:  logger,
			metrics: m,
		},
		cfg:      cfg,
		dialer:   dialer,
		handlers: newTable(cfg.Identity, logger, m),
	}
	c.registerControlHandlers()
	return c
}

func (c *Client[ID]) registerControlHandlers() {
	c.handlers.Register(protocol.ConnectSuccessID, func(_ ID, payload *codec.Reader) error {
		msg := protocol.NewConnectSuccess(c.scheme.Width())
		if err := msg.Deserialize(payload); err != nil {
			return err
		}
		return c.authorize(msg.Identity, nil)
	}, false)
	c.handlers.Register(protocol.ConnectKeySuccessID, func(_ ID, payload *codec.Reader) error {
		msg := protocol.NewConnectKeySuccess(c.scheme.Width())
		if err := msg.Deserialize(payload); err != nil {
			return err
		}
		return c.authorize(msg.Identity, msg.Key)
	}, false)
	knet.Handle(c.handlers, func(protocol.Ping, ID) {
		if err := c.Send(context.Background(), &protocol.Pong{}); err != nil {
			c.logger.Debug("pong not sent", "error", err)
		}
	}, false)
	knet.Handle(c.handlers, func(protocol.Pong, ID) {}, false)
	knet.Handle(c.handlers, func(protocol.Disconnect, ID) {
		if conn := c.current(); conn != nil {
			c.teardown(conn, knet.ReasonPeerRequest)
		}
	}, false)
}

// RegisterHandler implements knet.Router.
func (c *Client[ID]) RegisterHandler(typeID uint16, handler knet.RawHandler[ID], requiresAuthorization bool) {
	c.handlers.RegisterHandler(typeID, handler, requiresAuthorization)
}

// UnregisterHandler implements knet.Router.
func (c *Client[ID]) UnregisterHandler(typeID uint16) {
	c.handlers.UnregisterHandler(typeID)
}

// ClearHandlers implements knet.Router.
func (c *Client[ID]) ClearHandlers() {
	c.handlers.ClearHandlers()
}

// Handlers exposes the dispatch table.
func (c *Client[ID]) Handlers() *dispatch.Table[ID] {
	return c.handlers
}

// Metrics returns the client's collectors.
func (c *Client[ID]) Metrics() *metrics.Metrics {
	return c.metrics
}

func (c *Client[ID]) State() knet.State {
	return knet.State(c.state.Load())
}

func (c *Client[ID]) setState(to knet.State) {
	from := knet.State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.logger.Debug("state changed", "from", from.String(), "to", to.String())
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(from, to)
	}
}

// ID returns the identity assigned by the server, or the zero value before
// the handshake.
func (c *Client[ID]) ID() ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Context is cancelled when the current connection ends. Without a
// connection it is already cancelled.
func (c *Client[ID]) Context() context.Context {
	if conn := c.current(); conn != nil {
		return conn.Context()
	}
	return closedContext
}

func (c *Client[ID]) current() *Conn[ID] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connect dials address up to ConnectAttempts times, RetryDelay apart. When
// every attempt fails the client stays disconnected and the error wraps
// knet.ErrConnectFailed.
func (c *Client[ID]) Connect(ctx context.Context, address string) error {
	if !c.state.CompareAndSwap(int32(knet.StateDisconnected), int32(knet.StateConnecting)) {
		return knet.ErrAlreadyConnected
	}
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(knet.StateDisconnected, knet.StateConnecting)
	}

	stream, err := c.dial(ctx, address)
	if err != nil {
		c.logger.Error(knet.ErrMsgConnectFailed, "address", address, "attempts", c.cfg.ConnectAttempts, "error", err)
		c.setState(knet.StateDisconnected)
		return fmt.Errorf("%w: %s: %w", knet.ErrConnectFailed, address, err)
	}

	var zero ID
	conn := NewConn(zero, stream, nil, nil)
	c.mu.Lock()
	c.conn = conn
	c.id = zero
	c.authorized = make(chan struct{})
	c.mu.Unlock()

	c.metrics.ConnectionOpened()
	c.setState(knet.StateConnected)
	c.logger.Info("connected", "address", address)

	c.wg.Add(1)
	go c.receiveLoop(conn)
	return nil
}

func (c *Client[ID]) dial(ctx context.Context, address string) (transport.Stream, error) {
	var err error
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		var stream transport.Stream
		if stream, err = c.dialer.Dial(ctx, address); err == nil {
			return stream, nil
		}
		c.logger.Warn("connect attempt failed", "address", address, "attempt", attempt, "error", err)
		if attempt == c.cfg.ConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.RetryDelay):
		}
	}
	return nil, err
}

// authorize handles the server's handshake. Repeats are ignored.
func (c *Client[ID]) authorize(identity, key []byte) error {
	conn := c.current()
	if conn == nil || conn.Authorized() {
		c.logger.Debug("duplicate connect success ignored")
		return nil
	}

	id, err := c.decodeIdentity(identity)
	if err != nil {
		return err
	}
	if key != nil {
		sealer, err := secure.NewSealer(c.cfg.Suite, key)
		if err != nil {
			return err
		}
		conn.SetSealer(sealer)
	}
	if !conn.Authorize() {
		return nil
	}

	c.mu.Lock()
	c.id = id
	close(c.authorized)
	c.mu.Unlock()

	c.setState(knet.StateAuthorized)
	c.logger.Info("authorized", "identity", c.scheme.String(id), "encrypted", key != nil)
	return nil
}

// WaitAuthorized blocks until the handshake has been processed.
func (c *Client[ID]) WaitAuthorized(ctx context.Context) error {
	c.mu.Lock()
	conn, authorized := c.conn, c.authorized
	c.mu.Unlock()
	if conn == nil {
		return knet.ErrConnectionClosed
	}

	select {
	case <-authorized:
		return nil
	case <-conn.Context().Done():
		select {
		case <-authorized:
			return nil
		default:
		}
		return knet.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client[ID]) receiveLoop(conn *Conn[ID]) {
	defer c.wg.Done()

	reason := knet.ReasonPeerClosed
	defer func() { c.teardown(conn, reason) }()

	buf := make([]byte, c.cfg.ReceiveBufferSize)
	for {
		n, err := conn.ReadPacket(buf)
		if err != nil {
			if errors.Is(err, knet.ErrPacketTooLarge) {
				c.logger.Warn(knet.ErrMsgPacketTooLarge, "error", err)
				c.metrics.Dropped(dropTooLarge)
				continue
			}
			if !errors.Is(err, io.EOF) && conn.IsAlive() {
				c.logger.Debug("read failed", "error", err)
				reason = knet.ReasonReadError
			}
			return
		}

		c.inbound(conn, buf[:n], func(h protocol.Header[ID], payload *codec.Reader) {
			if c.handlers.Dispatch(conn.Context(), h.TypeID, h.Sender, conn.Authorized(), payload) {
				conn.Touch()
			}
		})
	}
}

// Send writes msg to the server. Only an authorized client may send.
func (c *Client[ID]) Send(ctx context.Context, msg knet.Message) error {
	conn := c.current()
	if conn == nil || !conn.Authorized() {
		c.logger.Warn(knet.ErrMsgNotAuthorized, "message", msg.MessageName(), "state", c.State().String())
		return knet.ErrNotAuthorized
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.withEncoded(msg, c.ID(), func(packet []byte) error {
		if err := conn.WritePacket(packet); err != nil {
			if !errors.Is(err, knet.ErrConnectionClosed) {
				c.logger.Warn("write failed", "error", err)
				c.teardown(conn, knet.ReasonWriteError)
			}
			return err
		}
		c.metrics.Sent(len(packet))
		return nil
	})
}

// Disconnect says goodbye, closes the connection and waits for the receive
// loop to exit or ctx to end.
func (c *Client[ID]) Disconnect(ctx context.Context) error {
	conn := c.current()
	if conn == nil {
		return nil
	}
	if conn.Authorized() {
		if err := c.Send(ctx, &protocol.Disconnect{}); err != nil {
			c.logger.Debug("disconnect message not sent", "error", err)
		}
	}
	c.teardown(conn, knet.ReasonLocal)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown closes conn and, if it is still the current connection, moves
// the client to Disconnected.
func (c *Client[ID]) teardown(conn *Conn[ID], reason knet.DisconnectReason) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()

	_ = conn.Close()
	if !current {
		return
	}

	c.metrics.ConnectionClosed()
	c.setState(knet.StateDisconnected)
	c.logger.Info("disconnected", "reason", string(reason))
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(reason)
	}
}
