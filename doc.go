// Package knet provides message-oriented client/server networking for game
// servers and real-time applications.
//
// Peers exchange envelopes: a message type id, the sender's identity and a
// hand-encoded payload. A server assigns every connection an identity, routes
// inbound envelopes to handlers by type id and can push messages to one
// connection or to all of them. A client holds one connection to one server.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/knet"
//	    "github.com/luciancaetano/knet/identity"
//	    "github.com/luciancaetano/knet/tcp"
//	)
//
//	server := tcp.NewServer(tcp.DefaultServerConfig(identity.Counter()))
//	knet.Handle(server, func(msg ChatMessage, from uint16) {
//	    server.SendToAll(ctx, &msg)
//	}, true)
//	server.Start(ctx)
//
//	client := tcp.NewClient(tcp.DefaultClientConfig(identity.Counter()))
//	knet.Handle(client, func(msg ChatMessage, from uint16) {
//	    fmt.Println(msg.Text)
//	}, true)
//	client.Connect(ctx, "localhost:4117")
//	client.WaitAuthorized(ctx)
//	client.Send(ctx, &ChatMessage{Text: "hello"})
//
// # Protocol Format
//
//	[2 bytes: type id (uint16, little-endian)][W bytes: sender identity][N bytes: payload]
//
// The type id is TypeID(msg.MessageName()). W is fixed by the identity
// scheme: 0 for identity.None and identity.Address, 2 for identity.Counter,
// 16 for identity.UUID. Every multi-byte value is little-endian.
//
// Over TCP each envelope is preceded by a 4 byte length unless the transport
// is configured with FramingNone. Over WebSocket each envelope is one binary
// frame.
//
// # Session
//
// The server's first message on a new connection carries the assigned
// identity; the client is authorized once it has processed it. With
// encryption enabled that message also carries a session key and every later
// packet is sealed with AES-256-GCM or ChaCha20-Poly1305.
//
// Messages arriving on a connection are attributed to that connection's
// identity. When the identity has a wire width, envelopes claiming another
// identity are dropped.
//
// # Rate Limiting
//
// Each connection has an independent token bucket:
//
//	cfg := tcp.DefaultServerConfig(identity.UUID())
//	cfg.RateLimit = tcp.DefaultRateLimitConfig() // 100 packets/s, burst 200
//	cfg.RateLimit = tcp.NoRateLimit()
//
// A peer that exceeds its limit is disconnected.
//
// # Keepalive
//
// The server pings every connection each PingInterval and evicts connections
// with no inbound activity for ClientTimeout.
//
// # Important
//
//   - Handlers run on the receive goroutine of their connection. A slow
//     handler delays that connection only.
//   - The reader passed to a RawHandler is only valid during the call.
//   - Configure CheckOrigin for WebSocket servers in production (never use
//     ws.AllOrigins() in production).
package knet
