package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/knet"
	"github.com/luciancaetano/knet/codec"
	"github.com/luciancaetano/knet/identity"
	"github.com/luciancaetano/knet/internal/protocol"
	"github.com/luciancaetano/knet/internal/secure"
	"github.com/luciancaetano/knet/internal/transport"
)

type chatMessage struct {
	Text string
}

func (chatMessage) MessageName() string { return "ChatMessage" }

func (m chatMessage) Serialize(w *codec.Writer) { _ = w.WriteString(m.Text) }

func (m *chatMessage) Deserialize(r *codec.Reader) (err error) {
	m.Text, err = r.ReadString()
	return err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func listenTCP(address string) (transport.Listener, error) {
	return transport.ListenTCP(address, transport.DefaultTCPConfig())
}

func startServer[ID comparable](t *testing.T, scheme identity.Scheme[ID], mutate func(*ServerConfig[ID])) *Server[ID] {
	t.Helper()

	cfg := DefaultServerConfig(scheme)
	cfg.Address = "127.0.0.1:0"
	cfg.PingInterval = 0
	cfg.ClientTimeout = 0
	cfg.RateLimit = NoRateLimit()
	cfg.Logger = quietLogger()
	if mutate != nil {
		mutate(&cfg)
	}

	srv := NewServer(listenTCP, cfg)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

func newClient[ID comparable](t *testing.T, scheme identity.Scheme[ID], mutate func(*ClientConfig[ID])) *Client[ID] {
	t.Helper()

	cfg := DefaultClientConfig(scheme)
	cfg.ConnectAttempts = 1
	cfg.Logger = quietLogger()
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewClient(transport.TCPDialer{Config: transport.DefaultTCPConfig()}, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Disconnect(ctx)
	})
	return c
}

func connect[ID comparable](t *testing.T, c *Client[ID], address string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, address))
	require.NoError(t, c.WaitAuthorized(ctx))
	require.Equal(t, knet.StateAuthorized, c.State())
}

func TestHelloRoundTrip(t *testing.T) {
	t.Parallel()

	srv := startServer(t, identity.Counter(), nil)
	senders := make(chan uint16, 1)
	knet.Handle(srv, func(msg chatMessage, from uint16) {
		senders <- from
		_ = srv.Send(context.Background(), &chatMessage{Text: msg.Text + " back"}, from)
	}, true)

	client := newClient(t, identity.Counter(), nil)
	replies := make(chan string, 1)
	knet.Handle(client, func(msg chatMessage, _ uint16) { replies <- msg.Text }, true)
	connect(t, client, srv.Addr())

	require.NoError(t, client.Send(context.Background(), &chatMessage{Text: "hello"}))

	select {
	case got := <-replies:
		assert.Equal(t, "hello back", got)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
	assert.Equal(t, client.ID(), <-senders)
	assert.NotZero(t, client.ID())
	assert.Equal(t, []uint16{client.ID()}, srv.Connections())
}

// TestConcurrentClientsAttribution connects many clients at once and checks
// that every message is credited to the connection it arrived on.
func TestConcurrentClientsAttribution(t *testing.T) {
	t.Parallel()

	const n = 20
	srv := startServer(t, identity.Counter(), nil)

	var mu sync.Mutex
	seen := make(map[uint16]string)
	var received sync.WaitGroup
	received.Add(n)
	knet.Handle(srv, func(msg chatMessage, from uint16) {
		mu.Lock()
		seen[from] = msg.Text
		mu.Unlock()
		received.Done()
	}, true)

	clients := make([]*Client[uint16], n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := range clients {
		clients[i] = newClient(t, identity.Counter(), nil)
		wg.Add(1)
		go func(c *Client[uint16], i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.Connect(ctx, srv.Addr()); err != nil {
				errs <- err
				return
			}
			if err := c.WaitAuthorized(ctx); err != nil {
				errs <- err
				return
			}
			errs <- c.Send(ctx, &chatMessage{Text: fmt.Sprint(i)})
		}(clients[i], i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	received.Wait()

	require.Equal(t, n, srv.Len())
	want := make(map[uint16]string, n)
	ids := make([]uint16, 0, n)
	for i, c := range clients {
		want[c.ID()] = fmt.Sprint(i)
		ids = append(ids, c.ID())
	}
	mu.Lock()
	assert.Equal(t, want, seen)
	mu.Unlock()
	assert.ElementsMatch(t, ids, srv.Connections())
}

func TestServerDisconnect(t *testing.T) {
	t.Parallel()

	reasons := make(chan knet.DisconnectReason, 1)
	srv := startServer(t, identity.Counter(), func(cfg *ServerConfig[uint16]) {
		cfg.OnDisconnect = func(_ uint16, reason knet.DisconnectReason) { reasons <- reason }
	})
	client := newClient(t, identity.Counter(), nil)
	connect(t, client, srv.Addr())
	id := client.ID()

	require.NoError(t, srv.Disconnect(context.Background(), id))
	assert.Equal(t, knet.ReasonLocal, <-reasons)
	assert.Zero(t, srv.Len())

	require.Eventually(t, func() bool {
		return client.State() == knet.StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)

	err := srv.Send(context.Background(), &chatMessage{Text: "late"}, id)
	assert.ErrorIs(t, err, knet.ErrClientNotFound)
	assert.ErrorIs(t, client.Send(context.Background(), &chatMessage{Text: "late"}), knet.ErrNotAuthorized)
	assert.NoError(t, srv.Disconnect(context.Background(), id))
}

func TestClientDisconnect(t *testing.T) {
	t.Parallel()

	reasons := make(chan knet.DisconnectReason, 1)
	srv := startServer(t, identity.Counter(), func(cfg *ServerConfig[uint16]) {
		cfg.OnDisconnect = func(_ uint16, reason knet.DisconnectReason) { reasons <- reason }
	})

	var transitions []knet.State
	var mu sync.Mutex
	client := newClient(t, identity.Counter(), func(cfg *ClientConfig[uint16]) {
		cfg.OnStateChange = func(_, to knet.State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		}
	})
	connect(t, client, srv.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Disconnect(ctx))

	select {
	case reason := <-reasons:
		assert.Contains(t, []knet.DisconnectReason{knet.ReasonPeerRequest, knet.ReasonPeerClosed}, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the disconnect")
	}
	assert.Zero(t, srv.Len())
	assert.Equal(t, knet.StateDisconnected, client.State())
	assert.Error(t, client.Context().Err())

	mu.Lock()
	assert.Equal(t, []knet.State{
		knet.StateConnecting,
		knet.StateConnected,
		knet.StateAuthorized,
		knet.StateDisconnected,
	}, transitions)
	mu.Unlock()
}

func TestClientReconnect(t *testing.T) {
	t.Parallel()

	srv := startServer(t, identity.Counter(), nil)
	client := newClient(t, identity.Counter(), nil)
	connect(t, client, srv.Addr())
	first := client.ID()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.ErrorIs(t, client.Connect(ctx, srv.Addr()), knet.ErrAlreadyConnected)
	require.NoError(t, client.Disconnect(ctx))

	connect(t, client, srv.Addr())
	assert.NotEqual(t, first, client.ID())
}

func TestEncryptedRoundTrip(t *testing.T) {
	t.Parallel()

	for _, suite := range []secure.Suite{secure.AESGCM(), secure.ChaCha20Poly1305()} {
		suite := suite
		t.Run(suite.Name(), func(t *testing.T) {
			t.Parallel()

			srv := startServer(t, identity.UUID(), func(cfg *ServerConfig[uuid.UUID]) {
				cfg.Encrypt = true
				cfg.Suite = suite
			})
			knet.Handle(srv, func(msg chatMessage, from uuid.UUID) {
				_ = srv.Send(context.Background(), &chatMessage{Text: "sealed " + msg.Text}, from)
			}, true)

			client := newClient(t, identity.UUID(), func(cfg *ClientConfig[uuid.UUID]) {
				cfg.Suite = suite
			})
			replies := make(chan string, 1)
			knet.Handle(client, func(msg chatMessage, _ uuid.UUID) { replies <- msg.Text }, true)
			connect(t, client, srv.Addr())

			require.NotNil(t, client.current().Sealer())
			_, ok := srv.keys.Get(client.ID())
			require.True(t, ok, "server has no key for the client")

			require.NoError(t, client.Send(context.Background(), &chatMessage{Text: "hi"}))
			select {
			case got := <-replies:
				assert.Equal(t, "sealed hi", got)
			case <-time.After(5 * time.Second):
				t.Fatal("no reply")
			}
		})
	}
}

// TestSpoofedSenderDropped writes envelopes by hand: one claiming another
// identity, then one with the connection's own identity.
func TestSpoofedSenderDropped(t *testing.T) {
	t.Parallel()

	srv := startServer(t, identity.Counter(), nil)
	got := make(chan uint16, 2)
	knet.Handle(srv, func(_ chatMessage, from uint16) { got <- from }, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := transport.TCPDialer{Config: transport.DefaultTCPConfig()}.Dial(ctx, srv.Addr())
	require.NoError(t, err)
	defer stream.Close()

	buf := make([]byte, 64)
	n, err := stream.ReadPacket(buf)
	require.NoError(t, err)
	r := codec.NewReader(buf[:n])
	h, err := protocol.DecodeHeader(r, identity.Counter())
	require.NoError(t, err)
	require.Equal(t, protocol.ConnectSuccessID, h.TypeID)
	hello := protocol.NewConnectSuccess(2)
	require.NoError(t, hello.Deserialize(r))
	own := uint16(hello.Identity[0]) | uint16(hello.Identity[1])<<8

	w := codec.NewWriter()
	protocol.Encode(w, identity.Counter(), &chatMessage{Text: "spoof"}, own+100)
	require.NoError(t, stream.WritePacket(w.Bytes()))

	w.Reset()
	protocol.Encode(w, identity.Counter(), &chatMessage{Text: "honest"}, own)
	require.NoError(t, stream.WritePacket(w.Bytes()))

	select {
	case from := <-got:
		assert.Equal(t, own, from)
	case <-time.After(5 * time.Second):
		t.Fatal("honest message never arrived")
	}
	select {
	case from := <-got:
		t.Fatalf("second delivery from %d", from)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnauthorizedClientSend(t *testing.T) {
	t.Parallel()

	client := newClient(t, identity.Counter(), nil)
	assert.ErrorIs(t, client.Send(context.Background(), &chatMessage{Text: "x"}), knet.ErrNotAuthorized)
	assert.ErrorIs(t, client.WaitAuthorized(context.Background()), knet.ErrConnectionClosed)
	assert.Error(t, client.Context().Err())
}

func TestConnectFailure(t *testing.T) {
	t.Parallel()

	ln, err := transport.ListenTCP("127.0.0.1:0", transport.DefaultTCPConfig())
	require.NoError(t, err)
	address := ln.Addr().String()
	ln.Close()

	var mu sync.Mutex
	var transitions []knet.State
	client := newClient(t, identity.Counter(), func(cfg *ClientConfig[uint16]) {
		cfg.ConnectAttempts = 3
		cfg.RetryDelay = 10 * time.Millisecond
		cfg.OnStateChange = func(_, to knet.State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		}
	})

	start := time.Now()
	err = client.Connect(context.Background(), address)
	require.ErrorIs(t, err, knet.ErrConnectFailed)
	assert.GreaterOrEqual(t, int64(time.Since(start)), int64(20*time.Millisecond))
	assert.Equal(t, knet.StateDisconnected, client.State())

	mu.Lock()
	assert.Equal(t, []knet.State{knet.StateConnecting, knet.StateDisconnected}, transitions)
	mu.Unlock()
}

// TestTimeoutEviction drives the clock by hand: one client stays silent,
// the other sends after the clock moves.
func TestTimeoutEviction(t *testing.T) {
	t.Parallel()

	var clock atomic.Int64
	clock.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	now := func() time.Time { return time.Unix(0, clock.Load()) }

	reasons := make(chan uint16, 2)
	srv := startServer(t, identity.Counter(), func(cfg *ServerConfig[uint16]) {
		cfg.Now = now
		cfg.OnDisconnect = func(id uint16, reason knet.DisconnectReason) {
			if reason == knet.ReasonTimeout {
				reasons <- id
			}
		}
	})
	handled := make(chan struct{}, 1)
	knet.Handle(srv, func(chatMessage, uint16) { handled <- struct{}{} }, true)

	stale := newClient(t, identity.Counter(), nil)
	fresh := newClient(t, identity.Counter(), nil)
	connect(t, stale, srv.Addr())
	connect(t, fresh, srv.Addr())

	clock.Add(int64(11 * time.Second))
	require.NoError(t, fresh.Send(context.Background(), &chatMessage{Text: "still here"}))
	<-handled

	cutoff := now().Add(-10 * time.Second)
	assert.Equal(t, 1, srv.EvictIdle(context.Background(), cutoff))
	assert.Equal(t, stale.ID(), <-reasons)
	assert.Equal(t, []uint16{fresh.ID()}, srv.Connections())

	require.Eventually(t, func() bool {
		return stale.State() == knet.StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, knet.StateAuthorized, fresh.State())
}

// TestKeepaliveHoldsConnection relies on pong replies to outlive a timeout
// several times shorter than the test.
func TestKeepaliveHoldsConnection(t *testing.T) {
	t.Parallel()

	srv := startServer(t, identity.Counter(), func(cfg *ServerConfig[uint16]) {
		cfg.PingInterval = 20 * time.Millisecond
		cfg.ClientTimeout = 200 * time.Millisecond
		cfg.TimeoutCheckInterval = 50 * time.Millisecond
	})
	client := newClient(t, identity.Counter(), nil)
	connect(t, client, srv.Addr())

	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, knet.StateAuthorized, client.State())
	assert.Equal(t, 1, srv.Len())
}

func TestRateLimitDisconnects(t *testing.T) {
	t.Parallel()

	reasons := make(chan knet.DisconnectReason, 1)
	srv := startServer(t, identity.Counter(), func(cfg *ServerConfig[uint16]) {
		cfg.RateLimit = &RateLimitConfig{MessagesPerSecond: 1, Burst: 2, Enabled: true}
		cfg.OnDisconnect = func(_ uint16, reason knet.DisconnectReason) { reasons <- reason }
	})
	knet.Handle(srv, func(chatMessage, uint16) {}, true)

	client := newClient(t, identity.Counter(), nil)
	connect(t, client, srv.Addr())
	for i := 0; i < 10; i++ {
		_ = client.Send(context.Background(), &chatMessage{Text: "flood"})
	}

	select {
	case reason := <-reasons:
		assert.Equal(t, knet.ReasonRateLimit, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("flooding client was not disconnected")
	}
}

func TestSendToAll(t *testing.T) {
	t.Parallel()

	srv := startServer(t, identity.Counter(), nil)
	const n = 3
	got := make(chan string, n)
	for i := 0; i < n; i++ {
		c := newClient(t, identity.Counter(), nil)
		knet.Handle(c, func(msg chatMessage, _ uint16) { got <- msg.Text }, true)
		connect(t, c, srv.Addr())
	}

	require.NoError(t, srv.SendToAll(context.Background(), &chatMessage{Text: "all"}))
	for i := 0; i < n; i++ {
		select {
		case text := <-got:
			assert.Equal(t, "all", text)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d clients received the broadcast", i, n)
		}
	}
}

func TestSingleConnectionScheme(t *testing.T) {
	t.Parallel()

	srv := startServer(t, identity.None(), nil)
	first := newClient(t, identity.None(), nil)
	connect(t, first, srv.Addr())

	second := newClient(t, identity.None(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, second.Connect(ctx, srv.Addr()))
	assert.ErrorIs(t, second.WaitAuthorized(ctx), knet.ErrConnectionClosed)
	assert.Equal(t, 1, srv.Len())
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()

	srv := startServer(t, identity.Counter(), nil)
	assert.ErrorIs(t, srv.Start(context.Background()), knet.ErrServerAlreadyRunning)
	assert.NotEmpty(t, srv.Addr())

	cfg := DefaultServerConfig(identity.Counter())
	cfg.Address = srv.Addr()
	cfg.Logger = quietLogger()
	clash := NewServer(listenTCP, cfg)
	assert.Error(t, clash.Start(context.Background()))
	assert.Empty(t, clash.Addr())
	assert.ErrorIs(t, clash.SendToAll(context.Background(), &chatMessage{}), knet.ErrServerNotRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))
	assert.Empty(t, srv.Addr())
}

func TestStopDisconnectsClients(t *testing.T) {
	t.Parallel()

	srv := startServer(t, identity.Counter(), nil)
	client := newClient(t, identity.Counter(), nil)
	connect(t, client, srv.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	require.Eventually(t, func() bool {
		return client.State() == knet.StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, srv.Len())
}
