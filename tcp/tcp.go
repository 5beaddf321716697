// Package tcp builds knet servers and clients over TCP.
//
// Packets are length-prefixed by default. FramingNone matches peers that
// send exactly one envelope per socket write.
//
// Example:
//
//	server := tcp.NewServer(tcp.DefaultServerConfig(identity.Counter()))
//	knet.Handle(server, func(msg ChatMessage, from uint16) {
//	    server.SendToAll(ctx, &msg)
//	}, true)
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
package tcp

import (
	"github.com/luciancaetano/knet"
	"github.com/luciancaetano/knet/identity"
	"github.com/luciancaetano/knet/internal/session"
	"github.com/luciancaetano/knet/internal/transport"
)

type ServerConfig[ID comparable] = session.ServerConfig[ID]
type ClientConfig[ID comparable] = session.ClientConfig[ID]
type RateLimitConfig = session.RateLimitConfig
type TransportConfig = transport.TCPConfig
type Framing = transport.Framing

const (
	FramingLengthPrefix = transport.FramingLengthPrefix
	FramingNone         = transport.FramingNone
)

// DefaultServerConfig listens on port 4117 with the default timings.
func DefaultServerConfig[ID comparable](scheme identity.Scheme[ID]) ServerConfig[ID] {
	return session.DefaultServerConfig(scheme)
}

// DefaultClientConfig retries 10 times one second apart.
func DefaultClientConfig[ID comparable](scheme identity.Scheme[ID]) ClientConfig[ID] {
	return session.DefaultClientConfig(scheme)
}

// DefaultTransportConfig returns length-prefixed framing.
func DefaultTransportConfig() TransportConfig {
	return transport.DefaultTCPConfig()
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return session.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return session.NoRateLimit()
}

// NewServer creates a TCP server with the default transport settings.
func NewServer[ID comparable](cfg ServerConfig[ID]) knet.Server[ID] {
	return NewServerWithTransport(cfg, DefaultTransportConfig())
}

// NewServerWithTransport creates a TCP server with explicit framing and
// socket settings. tcfg.MaxConnections holds excess peers in the kernel
// backlog, while cfg.MaxConnections accepts and then closes them.
func NewServerWithTransport[ID comparable](cfg ServerConfig[ID], tcfg TransportConfig) knet.Server[ID] {
	return session.NewServer(func(address string) (transport.Listener, error) {
		return transport.ListenTCP(address, tcfg)
	}, cfg)
}

// NewClient creates a TCP client with the default transport settings.
func NewClient[ID comparable](cfg ClientConfig[ID]) knet.Client[ID] {
	return NewClientWithTransport(cfg, DefaultTransportConfig())
}

// NewClientWithTransport creates a TCP client whose framing must match the
// server's.
func NewClientWithTransport[ID comparable](cfg ClientConfig[ID], tcfg TransportConfig) knet.Client[ID] {
	return session.NewClient(transport.TCPDialer{Config: tcfg}, cfg)
}
