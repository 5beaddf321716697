// Package identity provides the pluggable ConnectionIdentity schemes.
//
// A Scheme fixes, for one deployment, the Go type that names a peer, how
// many bytes that name takes in every envelope header, and how the server
// assigns a fresh name to an accepted connection. Both ends must agree on
// the scheme ahead of time: the width is never written to the wire.
package identity

import (
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/luciancaetano/knet/codec"
)

// Scheme describes one identity representation.
type Scheme[ID comparable] interface {
	// Name is a short label used in logs and flags.
	Name() string

	// Width is the number of bytes Put writes: 0, 2 or 16.
	Width() int

	// Put appends id using exactly Width bytes.
	Put(w *codec.Writer, id ID)

	// Get reads an identity written by Put.
	Get(r *codec.Reader) (ID, error)

	// Assign returns the identity for a newly accepted connection.
	Assign(remote net.Addr) ID

	// String formats id for logs.
	String(id ID) string
}

// Implicit is the identity of a deployment with exactly one peer.
type Implicit struct{}

type noneScheme struct{}

// None returns the zero-width scheme: the peer is implied by the
// connection. A server using it accepts a single live connection.
func None() Scheme[Implicit] {
	return noneScheme{}
}

func (noneScheme) Name() string                        { return "none" }
func (noneScheme) Width() int                          { return 0 }
func (noneScheme) Put(*codec.Writer, Implicit)         {}
func (noneScheme) Get(*codec.Reader) (Implicit, error) { return Implicit{}, nil }
func (noneScheme) Assign(net.Addr) Implicit            { return Implicit{} }
func (noneScheme) String(Implicit) string              { return "implicit" }

// CounterScheme hands out sequential 16-bit identities starting at 1.
// Zero is reserved for "the server" and is skipped on wrap-around.
type CounterScheme struct {
	next atomic.Uint32
}

// Counter returns a new 16-bit counter scheme.
func Counter() *CounterScheme {
	return &CounterScheme{}
}

func (*CounterScheme) Name() string { return "counter" }
func (*CounterScheme) Width() int   { return 2 }

func (*CounterScheme) Put(w *codec.Writer, id uint16) {
	w.WriteUint16(id)
}

func (*CounterScheme) Get(r *codec.Reader) (uint16, error) {
	return r.ReadUint16()
}

func (c *CounterScheme) Assign(net.Addr) uint16 {
	for {
		if id := uint16(c.next.Add(1)); id != 0 {
			return id
		}
	}
}

func (*CounterScheme) String(id uint16) string {
	return strconv.FormatUint(uint64(id), 10)
}

type uuidScheme struct{}

// UUID returns the 128-bit random identifier scheme.
func UUID() Scheme[uuid.UUID] {
	return uuidScheme{}
}

func (uuidScheme) Name() string { return "uuid" }
func (uuidScheme) Width() int   { return 16 }

func (uuidScheme) Put(w *codec.Writer, id uuid.UUID) {
	w.WriteUUID(id)
}

func (uuidScheme) Get(r *codec.Reader) (uuid.UUID, error) {
	return r.ReadUUID()
}

func (uuidScheme) Assign(net.Addr) uuid.UUID {
	return uuid.New()
}

func (uuidScheme) String(id uuid.UUID) string {
	return id.String()
}

type addrScheme struct{}

// Address returns the network-address scheme. The peer is named by its
// remote address and port; the name is derived locally from the socket and
// takes no room in the envelope.
func Address() Scheme[netip.AddrPort] {
	return addrScheme{}
}

func (addrScheme) Name() string                              { return "address" }
func (addrScheme) Width() int                                { return 0 }
func (addrScheme) Put(*codec.Writer, netip.AddrPort)         {}
func (addrScheme) Get(*codec.Reader) (netip.AddrPort, error) { return netip.AddrPort{}, nil }
func (addrScheme) String(id netip.AddrPort) string           { return id.String() }

func (addrScheme) Assign(remote net.Addr) netip.AddrPort {
	switch a := remote.(type) {
	case *net.TCPAddr:
		return a.AddrPort()
	case nil:
		return netip.AddrPort{}
	}
	ap, err := netip.ParseAddrPort(remote.String())
	if err != nil {
		return netip.AddrPort{}
	}
	return ap
}
