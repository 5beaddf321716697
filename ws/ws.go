// Package ws builds knet servers and clients over WebSocket.
//
// Every envelope travels in one binary frame. The upgrade handler is mounted
// on "/ws" unless TransportConfig.Path says otherwise.
//
// Example:
//
//	cfg := ws.DefaultServerConfig(identity.UUID())
//	cfg.Address = ":8080"
//	server := ws.NewServer(cfg, ws.AllOrigins())
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
package ws

import (
	"net/http"

	"github.com/luciancaetano/knet"
	"github.com/luciancaetano/knet/identity"
	"github.com/luciancaetano/knet/internal/session"
	"github.com/luciancaetano/knet/internal/transport"
)

type ServerConfig[ID comparable] = session.ServerConfig[ID]
type ClientConfig[ID comparable] = session.ClientConfig[ID]
type RateLimitConfig = session.RateLimitConfig
type CheckOriginFn = transport.CheckOriginFn
type TransportConfig = transport.WebSocketConfig

// DefaultServerConfig listens on port 4117 with the default timings.
func DefaultServerConfig[ID comparable](scheme identity.Scheme[ID]) ServerConfig[ID] {
	return session.DefaultServerConfig(scheme)
}

// DefaultClientConfig retries 10 times one second apart.
func DefaultClientConfig[ID comparable](scheme identity.Scheme[ID]) ClientConfig[ID] {
	return session.DefaultClientConfig(scheme)
}

// DefaultTransportConfig mounts the upgrade on "/ws" with 1024 byte
// buffers and gorilla's same-origin check.
func DefaultTransportConfig() TransportConfig {
	return transport.DefaultWebSocketConfig()
}

// AllOrigins returns the default checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return session.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return session.NoRateLimit()
}

// NewServer creates a WebSocket server. checkOrigin validates browser
// origins; nil applies the same-origin policy. Use AllOrigins only in
// development.
func NewServer[ID comparable](cfg ServerConfig[ID], checkOrigin CheckOriginFn) knet.Server[ID] {
	tcfg := DefaultTransportConfig()
	tcfg.CheckOrigin = checkOrigin
	return NewServerWithTransport(cfg, tcfg)
}

// NewServerWithTransport creates a WebSocket server with explicit upgrade
// settings.
func NewServerWithTransport[ID comparable](cfg ServerConfig[ID], tcfg TransportConfig) knet.Server[ID] {
	if tcfg.Logger == nil {
		tcfg.Logger = cfg.Logger
	}
	return session.NewServer(func(address string) (transport.Listener, error) {
		return transport.ListenWebSocket(address, tcfg)
	}, cfg)
}

// NewClient creates a WebSocket client that dials ws://address/ws.
func NewClient[ID comparable](cfg ClientConfig[ID]) knet.Client[ID] {
	return NewClientWithTransport(cfg, DefaultTransportConfig())
}

// NewClientWithTransport creates a WebSocket client whose Path must match
// the server's.
func NewClientWithTransport[ID comparable](cfg ClientConfig[ID], tcfg TransportConfig) knet.Client[ID] {
	if tcfg.Logger == nil {
		tcfg.Logger = cfg.Logger
	}
	return session.NewClient(transport.WebSocketDialer{Config: tcfg}, cfg)
}
