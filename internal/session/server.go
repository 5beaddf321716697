package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bytedance/gopkg/util/gopool"

	"github.com/luciancaetano/knet"
	"github.com/luciancaetano/knet/codec"
	"github.com/luciancaetano/knet/internal/dispatch"
	"github.com/luciancaetano/knet/internal/keepalive"
	"github.com/luciancaetano/knet/internal/metrics"
	"github.com/luciancaetano/knet/internal/protocol"
	"github.com/luciancaetano/knet/internal/secure"
	"github.com/luciancaetano/knet/internal/transport"
)

var _ knet.Server[uint16] = (*Server[uint16])(nil)

// Server accepts connections from a transport listener, assigns each one an
// identity and routes its messages through a shared dispatch table.
type Server[ID comparable] struct {
	codecState[ID]

	cfg        ServerConfig[ID]
	listen     ListenFunc
	handlers   *dispatch.Table[ID]
	live       LiveSet[ID]
	keys       *secure.KeyStore[ID]
	supervisor *keepalive.Supervisor

	mu       sync.Mutex
	running  bool
	listener transport.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a server that binds with listen on Start.
//
// The protocol-control handlers (disconnect, ping, pong) are registered
// here; ClearHandlers removes them too.
func NewServer[ID comparable](listen ListenFunc, cfg ServerConfig[ID]) *Server[ID] {
	cfg.normalize()

	logger := cfg.Logger.With("component", "server", "identity_scheme", cfg.Identity.Name())
	m := metrics.New(metrics.Config{Subsystem: "server", Registry: cfg.Metrics})

	s := &Server[ID]{
		codecState: codecState[ID]{
			scheme:  cfg.Identity,
			pool:    &codec.Pool{},
			logger:  logger,
			metrics: m,
		},
		cfg:      cfg,
		listen:   listen,
		handlers: newTable(cfg.Identity, logger, m),
		keys:     secure.NewKeyStore[ID](),
	}
	s.supervisor = keepalive.New(s, keepalive.Config{
		PingInterval:  cfg.PingInterval,
		Timeout:       cfg.ClientTimeout,
		CheckInterval: cfg.TimeoutCheckInterval,
		Now:           cfg.Now,
		Logger:        logger,
	})
	s.registerControlHandlers()
	return s
}

func (s *Server[ID]) registerControlHandlers() {
	knet.Handle(s.handlers, func(_ protocol.Disconnect, sender ID) {
		if conn, ok := s.live.Get(sender); ok {
			s.closeConn(conn, knet.ReasonPeerRequest)
		}
	}, false)
	knet.Handle(s.handlers, func(_ protocol.Ping, sender ID) {
		if err := s.Send(context.Background(), &protocol.Pong{}, sender); err != nil {
			s.logger.Debug("pong not sent", "identity", s.scheme.String(sender), "error", err)
		}
	}, false)
	// Pong only refreshes activity, which every dispatched message does.
	knet.Handle(s.handlers, func(protocol.Pong, ID) {}, false)
}

// RegisterHandler implements knet.Router.
func (s *Server[ID]) RegisterHandler(typeID uint16, handler knet.RawHandler[ID], requiresAuthorization bool) {
	s.handlers.RegisterHandler(typeID, handler, requiresAuthorization)
}

// UnregisterHandler implements knet.Router.
func (s *Server[ID]) UnregisterHandler(typeID uint16) {
	s.handlers.UnregisterHandler(typeID)
}

// ClearHandlers implements knet.Router.
func (s *Server[ID]) ClearHandlers() {
	s.handlers.ClearHandlers()
}

// Handlers exposes the dispatch table, mainly for local injection in tests.
func (s *Server[ID]) Handlers() *dispatch.Table[ID] {
	return s.handlers
}

// Metrics returns the server's collectors.
func (s *Server[ID]) Metrics() *metrics.Metrics {
	return s.metrics
}

// Start binds the listener and starts the accept loop and the keepalive
// tasks. Cancelling ctx after Start returns does not stop the server.
func (s *Server[ID]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return knet.ErrServerAlreadyRunning
	}

	ln, err := s.listen(s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}

	s.listener = ln
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.supervisor.Start(s.ctx)

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("server started", "addr", ln.Addr().String(), "encrypted", s.cfg.Encrypt)
	return nil
}

// Stop stops the keepalive tasks, closes the listener, disconnects every
// client and waits for the connection goroutines until ctx is done.
func (s *Server[ID]) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	ln := s.listener
	s.mu.Unlock()

	s.supervisor.Stop()
	err := ln.Close()
	s.cancel()
	s.DisconnectAll(ctx, knet.ReasonShutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("server stopped")
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Server[ID]) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the bound address, or "" when the server is not running.
func (s *Server[ID]) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server[ID]) acceptLoop(ln transport.Listener) {
	defer s.wg.Done()

	for {
		stream, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		s.accept(stream)
	}
}

// accept registers a new connection, starts its receive loop and writes
// the handshake.
func (s *Server[ID]) accept(stream transport.Stream) {
	remote := stream.RemoteAddr()
	if s.cfg.MaxConnections > 0 && s.live.Len() >= s.cfg.MaxConnections {
		s.logger.Warn(knet.ErrMsgTooManyConnections, "remote_addr", remote, "limit", s.cfg.MaxConnections)
		_ = stream.Close()
		return
	}

	var zero ID
	conn := NewConn(zero, stream, s.cfg.RateLimit.limiter(), s.cfg.Now)
	inserted := false
	for attempt := 0; attempt < maxIdentityAttempts; attempt++ {
		conn.id = s.scheme.Assign(remote)
		if s.live.Insert(conn) {
			inserted = true
			break
		}
	}
	if !inserted {
		s.logger.Warn(knet.ErrMsgIdentityInUse, "remote_addr", remote, "identity", s.scheme.String(conn.id))
		_ = conn.Close()
		return
	}

	id := conn.ID()
	s.metrics.ConnectionOpened()
	if s.ctx.Err() != nil {
		s.closeConn(conn, knet.ReasonShutdown)
		return
	}

	var handshake knet.Message = &protocol.ConnectSuccess{Identity: s.identityBytes(id)}
	if s.cfg.Encrypt {
		key, sealer, err := s.issueKey()
		if err != nil {
			s.logger.Error("key issue failed", "identity", s.scheme.String(id), "error", err)
			s.closeConn(conn, knet.ReasonLocal)
			return
		}
		s.keys.Put(id, key)
		conn.SetSealer(sealer)
		handshake = &protocol.ConnectKeySuccess{Identity: s.identityBytes(id), Key: key}
	}

	s.wg.Add(1)
	go s.receiveLoop(conn)

	if err := s.withEncoded(handshake, zero, conn.handshake); err != nil {
		s.logger.Warn("handshake failed", "identity", s.scheme.String(id), "error", err)
		s.closeConn(conn, knet.ReasonWriteError)
		return
	}

	s.logger.Info("client connected", "identity", s.scheme.String(id), "remote_addr", conn.RemoteAddr())
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(id)
	}
}

func (s *Server[ID]) issueKey() ([]byte, *secure.Sealer, error) {
	key, err := secure.GenerateKey(s.cfg.Suite)
	if err != nil {
		return nil, nil, err
	}
	sealer, err := secure.NewSealer(s.cfg.Suite, key)
	if err != nil {
		return nil, nil, err
	}
	return key, sealer, nil
}

// receiveLoop reads packets from conn until it closes. Handlers run on this
// goroutine, so messages of one connection are handled in arrival order.
func (s *Server[ID]) receiveLoop(conn *Conn[ID]) {
	defer s.wg.Done()

	reason := knet.ReasonPeerClosed
	defer func() { s.closeConn(conn, reason) }()

	buf := make([]byte, s.cfg.ReceiveBufferSize)
	for {
		n, err := conn.ReadPacket(buf)
		if err != nil {
			if errors.Is(err, knet.ErrPacketTooLarge) {
				s.logger.Warn(knet.ErrMsgPacketTooLarge, "identity", s.scheme.String(conn.ID()), "error", err)
				s.metrics.Dropped(dropTooLarge)
				continue
			}
			if !errors.Is(err, io.EOF) && conn.IsAlive() {
				s.logger.Debug("read failed", "identity", s.scheme.String(conn.ID()), "error", err)
				reason = knet.ReasonReadError
			}
			return
		}

		if !conn.CheckRateLimit() {
			s.logger.Warn("rate limit exceeded", "identity", s.scheme.String(conn.ID()), "remote_addr", conn.RemoteAddr())
			reason = knet.ReasonRateLimit
			return
		}

		s.inbound(conn, buf[:n], func(h protocol.Header[ID], payload *codec.Reader) {
			if s.scheme.Width() > 0 && h.Sender != conn.ID() {
				s.logger.Warn(knet.ErrMsgSpoofedIdentity,
					"identity", s.scheme.String(conn.ID()),
					"claimed", s.scheme.String(h.Sender),
					"type_id", h.TypeID)
				s.metrics.Dropped(dropSpoofed)
				return
			}
			if s.handlers.Dispatch(conn.Context(), h.TypeID, conn.ID(), conn.Authorized(), payload) {
				conn.Touch()
			}
		})
	}
}

// closeConn forgets and closes conn. Only the first call for a live
// connection reports the disconnect.
func (s *Server[ID]) closeConn(conn *Conn[ID], reason knet.DisconnectReason) {
	removed := s.live.Delete(conn)
	_ = conn.Close()
	if !removed {
		return
	}

	id := conn.ID()
	s.keys.Delete(id)
	s.metrics.ConnectionClosed()
	s.logger.Info("client disconnected", "identity", s.scheme.String(id), "reason", string(reason))
	if s.cfg.OnDisconnect != nil {
		s.cfg.OnDisconnect(id, reason)
	}
}

func (s *Server[ID]) write(ctx context.Context, conn *Conn[ID], packet []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := conn.WritePacket(packet); err != nil {
		if !errors.Is(err, knet.ErrConnectionClosed) {
			s.logger.Warn("write failed", "identity", s.scheme.String(conn.ID()), "error", err)
			s.closeConn(conn, knet.ReasonWriteError)
		}
		return err
	}
	s.metrics.Sent(len(packet))
	return nil
}

// Send writes msg to the connection named id.
func (s *Server[ID]) Send(ctx context.Context, msg knet.Message, id ID) error {
	conn, ok := s.live.Get(id)
	if !ok {
		s.logger.Warn(knet.ErrMsgClientNotFound, "identity", s.scheme.String(id), "message", msg.MessageName())
		return fmt.Errorf("%w: %s", knet.ErrClientNotFound, s.scheme.String(id))
	}
	if !conn.Authorized() {
		s.logger.Warn(knet.ErrMsgNotAuthorized, "identity", s.scheme.String(id), "message", msg.MessageName())
		return fmt.Errorf("%w: %s", knet.ErrNotAuthorized, s.scheme.String(id))
	}

	var zero ID
	return s.withEncoded(msg, zero, func(packet []byte) error {
		return s.write(ctx, conn, packet)
	})
}

// SendToAll encodes msg once and writes it to every authorized connection
// in parallel. It returns after every write has finished; failed writes are
// joined into the returned error.
func (s *Server[ID]) SendToAll(ctx context.Context, msg knet.Message) error {
	if !s.isRunning() {
		return knet.ErrServerNotRunning
	}

	var zero ID
	packet := s.encode(msg, zero)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	s.live.Range(func(conn *Conn[ID]) bool {
		if !conn.Authorized() {
			return true
		}
		wg.Add(1)
		gopool.CtxGo(ctx, func() {
			defer wg.Done()
			if err := s.write(ctx, conn, packet); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
		return true
	})
	wg.Wait()
	return errors.Join(errs...)
}

// Disconnect says goodbye to id and closes its connection. Unknown
// identities are ignored.
func (s *Server[ID]) Disconnect(ctx context.Context, id ID) error {
	conn, ok := s.live.Get(id)
	if !ok {
		return nil
	}
	s.goodbye(ctx, conn, knet.ReasonLocal)
	return nil
}

// DisconnectAll says goodbye to every live connection.
func (s *Server[ID]) DisconnectAll(ctx context.Context, reason knet.DisconnectReason) {
	s.live.Range(func(conn *Conn[ID]) bool {
		s.goodbye(ctx, conn, reason)
		return true
	})
}

func (s *Server[ID]) goodbye(ctx context.Context, conn *Conn[ID], reason knet.DisconnectReason) {
	if conn.Authorized() {
		var zero ID
		err := s.withEncoded(&protocol.Disconnect{}, zero, func(packet []byte) error {
			return s.write(ctx, conn, packet)
		})
		if err != nil {
			s.logger.Debug("disconnect message not sent", "identity", s.scheme.String(conn.ID()), "error", err)
		}
	}
	s.closeConn(conn, reason)
}

// Connections returns a snapshot of the live identities.
func (s *Server[ID]) Connections() []ID {
	return s.live.IDs()
}

// Len returns the number of live connections.
func (s *Server[ID]) Len() int {
	return s.live.Len()
}

// PingAll broadcasts a ping. The keepalive supervisor calls it.
func (s *Server[ID]) PingAll(ctx context.Context) {
	if err := s.SendToAll(ctx, &protocol.Ping{}); err != nil {
		s.logger.Debug("ping broadcast incomplete", "error", err)
	}
}

// EvictIdle disconnects every connection whose last inbound activity is
// before cutoff.
func (s *Server[ID]) EvictIdle(ctx context.Context, cutoff time.Time) int {
	evicted := 0
	s.live.Range(func(conn *Conn[ID]) bool {
		if !conn.LastActivity().Before(cutoff) {
			return true
		}
		s.logger.Warn("client timed out",
			"identity", s.scheme.String(conn.ID()),
			"last_activity", conn.LastActivity())
		s.goodbye(ctx, conn, knet.ReasonTimeout)
		s.metrics.Evicted()
		evicted++
		return true
	})
	return evicted
}
