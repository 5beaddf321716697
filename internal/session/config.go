package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/knet"
	"github.com/luciancaetano/knet/identity"
	"github.com/luciancaetano/knet/internal/secure"
	"github.com/luciancaetano/knet/internal/transport"
)

// maxIdentityAttempts bounds identity reassignment when the assigned
// identity is already live.
const maxIdentityAttempts = 8

// OnConnectFn is called after the server has written the handshake to a new
// connection. It runs on the accept goroutine; keep it short.
type OnConnectFn[ID comparable] func(id ID)

// OnDisconnectFn is called once when a connection ends.
type OnDisconnectFn[ID comparable] func(id ID, reason knet.DisconnectReason)

// OnStateChangeFn observes client lifecycle transitions.
type OnStateChangeFn = func(from, to knet.State)

// ListenFunc binds a transport listener.
type ListenFunc = func(address string) (transport.Listener, error)

// RateLimitConfig defines rate limiting configuration for inbound packets.
type RateLimitConfig struct {
	// MessagesPerSecond defines how many packets a peer can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

func (c *RateLimitConfig) limiter() *rate.Limiter {
	if c == nil || !c.Enabled {
		return nil
	}
	return rate.NewLimiter(c.MessagesPerSecond, c.Burst)
}

// ServerConfig configures a Server.
type ServerConfig[ID comparable] struct {
	// Address is the listen address. Defaults to ":4117".
	Address string

	Identity identity.Scheme[ID]

	// ReceiveBufferSize bounds the size of one inbound packet.
	ReceiveBufferSize int

	// PingInterval is the period of the ping broadcast. Zero disables it.
	PingInterval time.Duration

	// ClientTimeout evicts connections without inbound activity for this
	// long. Zero disables eviction.
	ClientTimeout time.Duration

	// TimeoutCheckInterval defaults to ClientTimeout.
	TimeoutCheckInterval time.Duration

	// MaxConnections rejects accepts beyond this many live connections.
	// Zero means no limit.
	MaxConnections int

	// Encrypt issues a per-connection key with the connect-key handshake
	// and seals every later packet with Suite.
	Encrypt bool
	Suite   secure.Suite

	// RateLimit applies to every connection. Nil uses DefaultRateLimitConfig.
	RateLimit *RateLimitConfig

	Logger *slog.Logger

	// Metrics registers the server's collectors. Nil uses a private registry.
	Metrics prometheus.Registerer

	OnConnect    OnConnectFn[ID]
	OnDisconnect OnDisconnectFn[ID]

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// DefaultServerConfig returns the default timings and limits for scheme.
func DefaultServerConfig[ID comparable](scheme identity.Scheme[ID]) ServerConfig[ID] {
	return ServerConfig[ID]{
		Address:           fmt.Sprintf(":%d", knet.DefaultPort),
		Identity:          scheme,
		ReceiveBufferSize: knet.DefaultReceiveBufferSize,
		PingInterval:      knet.DefaultPingInterval,
		ClientTimeout:     knet.DefaultClientTimeout,
		MaxConnections:    knet.DefaultMaxConnections,
		Suite:             secure.AESGCM(),
		RateLimit:         DefaultRateLimitConfig(),
	}
}

func (c *ServerConfig[ID]) normalize() {
	if c.Identity == nil {
		panic("session: ServerConfig.Identity is required")
	}
	if c.Address == "" {
		c.Address = fmt.Sprintf(":%d", knet.DefaultPort)
	}
	if c.ReceiveBufferSize <= 0 {
		c.ReceiveBufferSize = knet.DefaultReceiveBufferSize
	}
	if c.Suite == nil {
		c.Suite = secure.AESGCM()
	}
	if c.RateLimit == nil {
		c.RateLimit = DefaultRateLimitConfig()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// ClientConfig configures a Client.
type ClientConfig[ID comparable] struct {
	Identity identity.Scheme[ID]

	ReceiveBufferSize int

	// ConnectAttempts and RetryDelay drive Connect. The delay is fixed.
	ConnectAttempts int
	RetryDelay      time.Duration

	// Suite must match the server's when the server encrypts.
	Suite secure.Suite

	Logger  *slog.Logger
	Metrics prometheus.Registerer

	OnStateChange OnStateChangeFn
	OnDisconnect  func(reason knet.DisconnectReason)
}

// DefaultClientConfig returns the default retry policy for scheme.
func DefaultClientConfig[ID comparable](scheme identity.Scheme[ID]) ClientConfig[ID] {
	return ClientConfig[ID]{
		Identity:          scheme,
		ReceiveBufferSize: knet.DefaultReceiveBufferSize,
		ConnectAttempts:   knet.DefaultConnectAttempts,
		RetryDelay:        knet.DefaultRetryDelay,
		Suite:             secure.AESGCM(),
	}
}

func (c *ClientConfig[ID]) normalize() {
	if c.Identity == nil {
		panic("session: ClientConfig.Identity is required")
	}
	if c.ReceiveBufferSize <= 0 {
		c.ReceiveBufferSize = knet.DefaultReceiveBufferSize
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 1
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.Suite == nil {
		c.Suite = secure.AESGCM()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
