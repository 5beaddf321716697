package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/net/netutil"

	"github.com/luciancaetano/knet"
)

// Framing selects how packets are delimited on a TCP stream.
type Framing int

const (
	// FramingLengthPrefix writes a little-endian uint32 byte count before
	// every packet.
	FramingLengthPrefix Framing = iota

	// FramingNone treats every successful read as exactly one packet and a
	// zero-length read as the peer closing. Peers that rely on it must keep
	// packets smaller than the receive buffer and must not coalesce writes.
	FramingNone
)

func (f Framing) String() string {
	switch f {
	case FramingLengthPrefix:
		return "length-prefix"
	case FramingNone:
		return "none"
	}
	return fmt.Sprintf("framing(%d)", int(f))
}

const lengthPrefixSize = 4

// TCPConfig configures TCP streams.
type TCPConfig struct {
	Framing Framing

	// WriteTimeout bounds each WritePacket. Zero disables the deadline.
	WriteTimeout time.Duration

	// MaxConnections caps the number of simultaneously open accepted
	// streams. Accept blocks while the cap is reached. Zero means no cap.
	MaxConnections int
}

// DefaultTCPConfig returns length-prefixed framing with a 10s write timeout.
func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		Framing:      FramingLengthPrefix,
		WriteTimeout: 10 * time.Second,
	}
}

type tcpStream struct {
	conn    net.Conn
	reader  *bufio.Reader
	framing Framing
	timeout time.Duration
	header  [lengthPrefixSize]byte
}

// NewTCPStream wraps an established connection.
func NewTCPStream(conn net.Conn, cfg TCPConfig) Stream {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &tcpStream{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		framing: cfg.Framing,
		timeout: cfg.WriteTimeout,
	}
}

func (s *tcpStream) ReadPacket(buf []byte) (int, error) {
	if s.framing == FramingNone {
		n, err := s.conn.Read(buf)
		if n == 0 && err == nil {
			return 0, io.EOF
		}
		return n, err
	}

	if _, err := io.ReadFull(s.reader, s.header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, io.EOF
		}
		return 0, err
	}

	size := binary.LittleEndian.Uint32(s.header[:])
	if uint64(size) > uint64(len(buf)) {
		if _, err := io.CopyN(io.Discard, s.reader, int64(size)); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %d bytes, buffer holds %d", knet.ErrPacketTooLarge, size, len(buf))
	}

	n, err := io.ReadFull(s.reader, buf[:size])
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return n, io.EOF
	}
	return n, err
}

func (s *tcpStream) WritePacket(p []byte) error {
	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return err
		}
	}
	if s.framing == FramingNone {
		_, err := s.conn.Write(p)
		return err
	}

	var header [lengthPrefixSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(p)))
	bufs := net.Buffers{header[:], p}
	_, err := bufs.WriteTo(s.conn)
	return err
}

func (s *tcpStream) Close() error         { return s.conn.Close() }
func (s *tcpStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

type tcpListener struct {
	ln  net.Listener
	cfg TCPConfig
}

// ListenTCP binds address. Bind failures are returned as is.
func ListenTCP(address string, cfg TCPConfig) (Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}
	return &tcpListener{ln: ln, cfg: cfg}, nil
}

func (l *tcpListener) Accept() (Stream, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewTCPStream(conn, l.cfg), nil
}

func (l *tcpListener) Close() error   { return l.ln.Close() }
func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

// TCPDialer dials TCP streams.
type TCPDialer struct {
	Config TCPConfig
}

func (d TCPDialer) Dial(ctx context.Context, address string) (Stream, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewTCPStream(conn, d.Config), nil
}
