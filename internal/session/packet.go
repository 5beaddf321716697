package session

import (
	"log/slog"

	"github.com/luciancaetano/knet"
	"github.com/luciancaetano/knet/codec"
	"github.com/luciancaetano/knet/identity"
	"github.com/luciancaetano/knet/internal/dispatch"
	"github.com/luciancaetano/knet/internal/metrics"
	"github.com/luciancaetano/knet/internal/protocol"
)

// Drop reasons reported to metrics besides the dispatch ones.
const (
	dropDecrypt   = "decrypt_error"
	dropMalformed = "malformed"
	dropSpoofed   = "spoofed_identity"
	dropTooLarge  = "too_large"
)

// codecState is the encoding side shared by servers and clients.
type codecState[ID comparable] struct {
	scheme  identity.Scheme[ID]
	pool    *codec.Pool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// withEncoded encodes msg into a pooled writer and passes the envelope to
// fn. The slice is only valid during the call.
func (s *codecState[ID]) withEncoded(msg knet.Message, sender ID, fn func(packet []byte) error) error {
	w := s.pool.AcquireWriter()
	defer s.pool.ReleaseWriter(w)

	protocol.Encode(w, s.scheme, msg, sender)
	return fn(w.Bytes())
}

// encode returns the envelope for msg in a fresh slice, for packets that
// outlive a single write.
func (s *codecState[ID]) encode(msg knet.Message, sender ID) []byte {
	w := s.pool.AcquireWriter()
	defer s.pool.ReleaseWriter(w)

	protocol.Encode(w, s.scheme, msg, sender)
	return append([]byte(nil), w.Bytes()...)
}

// identityBytes returns id in its wire form.
func (s *codecState[ID]) identityBytes(id ID) []byte {
	w := s.pool.AcquireWriter()
	defer s.pool.ReleaseWriter(w)

	s.scheme.Put(w, id)
	return append([]byte(nil), w.Bytes()...)
}

func (s *codecState[ID]) decodeIdentity(b []byte) (ID, error) {
	r := s.pool.AcquireReader(b)
	defer s.pool.ReleaseReader(r)
	return s.scheme.Get(r)
}

// inbound opens and decodes one packet read from conn and hands it to fn
// with a reader positioned at the payload. Malformed and undecryptable
// packets are dropped with a diagnostic.
func (s *codecState[ID]) inbound(conn *Conn[ID], packet []byte, fn func(h protocol.Header[ID], payload *codec.Reader)) {
	data := packet
	if sealer := conn.Sealer(); sealer != nil {
		plain, err := sealer.Open(packet)
		if err != nil {
			s.logger.Warn(knet.ErrMsgDecrypt, "remote_addr", conn.RemoteAddr(), "error", err)
			s.metrics.Dropped(dropDecrypt)
			return
		}
		data = plain
	}

	r := s.pool.AcquireReader(data)
	defer s.pool.ReleaseReader(r)

	h, err := protocol.DecodeHeader(r, s.scheme)
	if err != nil {
		s.logger.Warn(knet.ErrMsgMalformedHeader, "remote_addr", conn.RemoteAddr(), "error", err)
		s.metrics.Dropped(dropMalformed)
		return
	}
	s.metrics.Received(h.TypeID, len(packet))
	fn(h, r)
}

func newTable[ID comparable](scheme identity.Scheme[ID], logger *slog.Logger, m *metrics.Metrics) *dispatch.Table[ID] {
	return dispatch.New(
		dispatch.WithLogger[ID](logger),
		dispatch.WithFormatter(scheme.String),
		dispatch.WithDropHook[ID](func(_ uint16, reason dispatch.DropReason) {
			m.Dropped(string(reason))
		}),
		dispatch.WithReplaceHook[ID](func(uint16) { m.HandlerReplaced() }),
	)
}
