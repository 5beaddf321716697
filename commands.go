package knet

import (
	"errors"
	"time"
)

// Defaults shared by servers and clients.
const (
	DefaultPort              = 4117
	DefaultReceiveBufferSize = 1024
	DefaultConnectAttempts   = 10
	DefaultRetryDelay        = time.Second
	DefaultPingInterval      = 5 * time.Second
	DefaultClientTimeout     = 10 * time.Second
	DefaultMaxConnections    = 1024
)

// Names of the protocol-control messages. Their type ids are derived from
// these names with TypeID and must match every peer.
const (
	ConnectSuccessName    = "ConnectSuccessMessage"
	ConnectKeySuccessName = "ConnectKeySuccessMessage"
	PingName              = "PingMessage"
	PongName              = "PongMessage"
	DisconnectName        = "DisconnectMessage"
)

// Standard error messages
const (
	// Protocol errors
	ErrMsgMalformedHeader  = "malformed header"
	ErrMsgUnknownMessage   = "unknown message type"
	ErrMsgSpoofedIdentity  = "sender identity does not match connection"
	ErrMsgDecrypt          = "failed to decrypt packet"
	ErrMsgPacketTooLarge   = "packet exceeds receive buffer"
	ErrMsgUnauthorizedDrop = "handler requires an authorized connection"

	// Connection errors
	ErrMsgClientNotFound       = "client not found"
	ErrMsgConnectionClosed     = "connection is closed"
	ErrMsgNotAuthorized        = "connection is not authorized"
	ErrMsgConnectFailed        = "failed to connect"
	ErrMsgFailedToEncode       = "failed to encode message"
	ErrMsgServerAlreadyRunning = "server already running"
	ErrMsgServerNotRunning     = "server not running"
	ErrMsgIdentityInUse        = "identity already in use"
	ErrMsgTooManyConnections   = "too many connections"
	ErrMsgAlreadyConnected     = "client already connected"
)

var (
	ErrClientNotFound       = errors.New(ErrMsgClientNotFound)
	ErrConnectionClosed     = errors.New(ErrMsgConnectionClosed)
	ErrNotAuthorized        = errors.New(ErrMsgNotAuthorized)
	ErrConnectFailed        = errors.New(ErrMsgConnectFailed)
	ErrFailedToEncode       = errors.New(ErrMsgFailedToEncode)
	ErrServerAlreadyRunning = errors.New(ErrMsgServerAlreadyRunning)
	ErrServerNotRunning     = errors.New(ErrMsgServerNotRunning)
	ErrIdentityInUse        = errors.New(ErrMsgIdentityInUse)
	ErrTooManyConnections   = errors.New(ErrMsgTooManyConnections)
	ErrAlreadyConnected     = errors.New(ErrMsgAlreadyConnected)
	ErrMalformedHeader      = errors.New(ErrMsgMalformedHeader)
	ErrPacketTooLarge       = errors.New(ErrMsgPacketTooLarge)
	ErrDecrypt              = errors.New(ErrMsgDecrypt)
)

// DisconnectReason tells an OnDisconnect hook why a connection ended.
type DisconnectReason string

const (
	ReasonPeerClosed  DisconnectReason = "peer_closed"
	ReasonPeerRequest DisconnectReason = "peer_request"
	ReasonLocal       DisconnectReason = "local"
	ReasonTimeout     DisconnectReason = "timeout"
	ReasonRateLimit   DisconnectReason = "rate_limit"
	ReasonReadError   DisconnectReason = "read_error"
	ReasonWriteError  DisconnectReason = "write_error"
	ReasonShutdown    DisconnectReason = "shutdown"
)
