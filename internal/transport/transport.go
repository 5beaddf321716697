// Package transport moves whole packets over a byte stream.
//
// A packet is the unit the session layer encrypts and decodes: one envelope,
// optionally sealed. Streams do not serialize concurrent writers; the caller
// holds a lock around WritePacket.
package transport

import (
	"context"
	"net"
)

// Stream is a bidirectional packet connection.
type Stream interface {
	// ReadPacket reads the next packet into buf and returns its length.
	// A packet that does not fit in buf fails with knet.ErrPacketTooLarge
	// and is discarded; the stream stays usable. A closed peer yields io.EOF.
	ReadPacket(buf []byte) (int, error)

	// WritePacket writes p as a single packet.
	WritePacket(p []byte) error

	Close() error
	RemoteAddr() net.Addr
}

// Listener hands out accepted streams.
type Listener interface {
	// Accept blocks until a stream arrives. After Close it returns
	// net.ErrClosed.
	Accept() (Stream, error)
	Close() error
	Addr() net.Addr
}

// Dialer opens client streams.
type Dialer interface {
	Dial(ctx context.Context, address string) (Stream, error)
}
