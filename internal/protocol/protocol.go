package protocol

import (
	"fmt"
	"sort"

	"github.com/luciancaetano/knet"
	"github.com/luciancaetano/knet/codec"
	"github.com/luciancaetano/knet/identity"
)

const typeIDSize = 2

// Header is the fixed part of an envelope.
type Header[ID comparable] struct {
	TypeID uint16
	Sender ID
}

// HeaderSize returns the number of header bytes for a scheme.
func HeaderSize[ID comparable](scheme identity.Scheme[ID]) int {
	return typeIDSize + scheme.Width()
}

// Encode appends the envelope for msg to w: the type id (little-endian),
// the sender identity in the scheme's fixed width, then the payload.
func Encode[ID comparable](w *codec.Writer, scheme identity.Scheme[ID], msg knet.Message, sender ID) {
	w.WriteUint16(knet.TypeIDOf(msg))
	scheme.Put(w, sender)
	msg.Serialize(w)
}

// DecodeHeader reads the type id and sender identity and leaves r at the
// start of the payload.
func DecodeHeader[ID comparable](r *codec.Reader, scheme identity.Scheme[ID]) (Header[ID], error) {
	var h Header[ID]
	if r.Remaining() < HeaderSize(scheme) {
		return h, fmt.Errorf("%w: %d bytes, need %d", knet.ErrMalformedHeader, r.Remaining(), HeaderSize(scheme))
	}
	typeID, err := r.ReadUint16()
	if err != nil {
		return h, fmt.Errorf("%w: %w", knet.ErrMalformedHeader, err)
	}
	sender, err := scheme.Get(r)
	if err != nil {
		return h, fmt.Errorf("%w: %w", knet.ErrMalformedHeader, err)
	}
	h.TypeID = typeID
	h.Sender = sender
	return h, nil
}

// CheckCollisions reports every pair of names that map to the same type id.
// The runtime never checks; call it from tests or at startup.
func CheckCollisions(names ...string) error {
	byID := make(map[uint16][]string)
	for _, name := range names {
		id := knet.TypeID(name)
		byID[id] = append(byID[id], name)
	}

	var ids []int
	for id, group := range byID {
		if len(group) > 1 {
			ids = append(ids, int(id))
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Ints(ids)
	return fmt.Errorf("type id collision: %#04x is shared by %v", ids[0], byID[uint16(ids[0])])
}
