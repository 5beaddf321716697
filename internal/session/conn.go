// Package session implements the connection lifecycle of knet servers and
// clients on top of a packet transport.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/knet"
	"github.com/luciancaetano/knet/internal/secure"
	"github.com/luciancaetano/knet/internal/transport"
)

// Conn is one live connection as seen by a server or client.
type Conn[ID comparable] struct {
	id         ID
	stream     transport.Stream
	remoteAddr string
	ctx        context.Context
	cancel     context.CancelFunc
	now        func() time.Time

	writeMu      sync.Mutex
	closed       atomic.Bool
	authorized   atomic.Bool
	lastActivity atomic.Int64
	sealer       atomic.Pointer[secure.Sealer]
	rateLimiter  *rate.Limiter // Rate limiter for incoming packets
}

// NewConn wraps stream. A nil limiter disables rate limiting; a nil now
// uses time.Now.
func NewConn[ID comparable](id ID, stream transport.Stream, limiter *rate.Limiter, now func() time.Time) *Conn[ID] {
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn[ID]{
		id:          id,
		stream:      stream,
		ctx:         ctx,
		cancel:      cancel,
		now:         now,
		rateLimiter: limiter,
	}
	if addr := stream.RemoteAddr(); addr != nil {
		c.remoteAddr = addr.String()
	}
	c.Touch()
	return c
}

// ID returns the identity of the connection.
func (c *Conn[ID]) ID() ID {
	return c.id
}

// RemoteAddr returns the peer's network address.
func (c *Conn[ID]) RemoteAddr() string {
	return c.remoteAddr
}

// Context is cancelled when the connection closes.
func (c *Conn[ID]) Context() context.Context {
	return c.ctx
}

// Authorize marks the connection authorized and reports whether this call
// made the transition.
func (c *Conn[ID]) Authorize() bool {
	return c.authorized.CompareAndSwap(false, true)
}

func (c *Conn[ID]) Authorized() bool {
	return c.authorized.Load()
}

// Touch records inbound activity.
func (c *Conn[ID]) Touch() {
	c.lastActivity.Store(c.now().UnixNano())
}

// LastActivity returns the time of the last Touch.
func (c *Conn[ID]) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// SetSealer installs the packet cipher. Packets written afterwards are
// sealed and packets read afterwards are expected sealed.
func (c *Conn[ID]) SetSealer(s *secure.Sealer) {
	c.sealer.Store(s)
}

func (c *Conn[ID]) Sealer() *secure.Sealer {
	return c.sealer.Load()
}

// CheckRateLimit checks if the peer has exceeded the rate limit.
// Returns true if the packet is allowed, false if rate limited.
func (c *Conn[ID]) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		return true
	}
	return c.rateLimiter.Allow()
}

// WritePacket seals p when a cipher is installed and writes it. Whole
// packets never interleave.
func (c *Conn[ID]) WritePacket(p []byte) error {
	if s := c.Sealer(); s != nil {
		sealed, err := s.Seal(p)
		if err != nil {
			return err
		}
		p = sealed
	}
	return c.writePlain(p)
}

func (c *Conn[ID]) writePlain(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return knet.ErrConnectionClosed
	}
	return c.stream.WritePacket(p)
}

// handshake writes p unsealed and authorizes the connection. Writers that
// observe the connection as authorized are queued behind p.
func (c *Conn[ID]) handshake(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return knet.ErrConnectionClosed
	}
	c.authorized.Store(true)
	return c.stream.WritePacket(p)
}

// ReadPacket reads the next packet from the stream. Only the receive loop
// calls it.
func (c *Conn[ID]) ReadPacket(buf []byte) (int, error) {
	return c.stream.ReadPacket(buf)
}

// Close closes the stream and cancels the context. It is safe to call more
// than once; only the first call closes.
func (c *Conn[ID]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	return c.stream.Close()
}

// IsAlive returns true if the connection has not been closed.
func (c *Conn[ID]) IsAlive() bool {
	return !c.closed.Load()
}
