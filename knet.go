package knet

import (
	"context"

	"github.com/luciancaetano/knet/codec"
)

// Message is a fixed-shape value with hand-written encoding.
//
// MessageName must return the same short name on every peer; the type id on
// the wire is TypeID(MessageName()). Deserialize is called on a pointer to a
// zero value and must consume exactly what Serialize wrote.
//
// Example:
//
//	type ChatMessage struct{ Text string }
//
//	func (ChatMessage) MessageName() string { return "ChatMessage" }
//
//	func (m ChatMessage) Serialize(w *codec.Writer) { _ = w.WriteString(m.Text) }
//
//	func (m *ChatMessage) Deserialize(r *codec.Reader) (err error) {
//	    m.Text, err = r.ReadString()
//	    return err
//	}
type Message interface {
	MessageName() string
	Serialize(w *codec.Writer)
	Deserialize(r *codec.Reader) error
}

// RawHandler receives the identity of the sender and a reader positioned at
// the start of the payload. The reader is only valid during the call.
type RawHandler[ID comparable] func(sender ID, payload *codec.Reader) error

// Router is the registration surface of a dispatch table.
type Router[ID comparable] interface {
	// RegisterHandler installs handler for typeID, replacing any previous
	// handler. When requiresAuthorization is true the handler only runs for
	// messages that arrive on an authorized connection.
	RegisterHandler(typeID uint16, handler RawHandler[ID], requiresAuthorization bool)

	// UnregisterHandler removes the handler for typeID, if any.
	UnregisterHandler(typeID uint16)

	// ClearHandlers removes every handler, including the protocol-control ones.
	ClearHandlers()
}

// State is the lifecycle stage of a connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthorized
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthorized:
		return "authorized"
	}
	return "unknown"
}

// Server accepts connections and routes their messages.
//
// Handlers registered on the server are shared by every connection and
// receive the identity of the connection the message arrived on.
//
// Example usage:
//
//	server := tcp.NewServer(tcp.DefaultServerConfig(identity.Counter()))
//	knet.Handle(server, func(msg ChatMessage, from uint16) {
//	    server.Send(ctx, &ChatMessage{Text: "hi"}, from)
//	}, true)
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
type Server[ID comparable] interface {
	Router[ID]

	// Start binds the listener and begins accepting connections. Bind
	// failures are returned; the server is not running afterwards.
	Start(ctx context.Context) error

	// Stop disconnects every client, stops the keepalive tasks and closes
	// the listener.
	Stop(ctx context.Context) error

	// Send encodes msg and writes it to the connection named id. It returns
	// ErrClientNotFound when no such connection is live.
	Send(ctx context.Context, msg Message, id ID) error

	// SendToAll encodes msg once and writes it to every live connection.
	SendToAll(ctx context.Context, msg Message) error

	// Disconnect sends a disconnect message to id, then closes and forgets
	// the connection. Unknown identities are ignored.
	Disconnect(ctx context.Context, id ID) error

	// Connections returns a snapshot of the live identities.
	Connections() []ID

	// Addr returns the bound listen address, or "" before Start.
	Addr() string
}

// Client is the connecting side of a session. It holds a single connection
// to one server at a time.
type Client[ID comparable] interface {
	Router[ID]

	// Connect dials address, retrying with a fixed delay. On exhaustion it
	// returns ErrConnectFailed and the client stays disconnected.
	Connect(ctx context.Context, address string) error

	// WaitAuthorized blocks until the server's connect-success message has
	// been processed, the connection ends, or ctx is done.
	WaitAuthorized(ctx context.Context) error

	// Send encodes msg and writes it to the server. It returns
	// ErrNotAuthorized unless the client is connected and authorized.
	Send(ctx context.Context, msg Message) error

	// Disconnect tells the server goodbye and closes the connection.
	Disconnect(ctx context.Context) error

	// ID returns the identity assigned by the server.
	ID() ID

	// State returns the current lifecycle stage.
	State() State
}
