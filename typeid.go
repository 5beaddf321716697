package knet

import (
	"unicode/utf16"

	"github.com/luciancaetano/knet/codec"
)

// TypeID derives the 16-bit message type identifier from a message name.
//
// The hash starts at 23 and folds every UTF-16 code unit c of name with
// hash = hash*31 + c using 32-bit wrap-around arithmetic; the result is
// masked to 16 bits. Peers written in other languages compute the same
// value, so the algorithm must not change.
func TypeID(name string) uint16 {
	hash := int32(23)
	for _, r := range name {
		if r < 0x10000 {
			hash = hash*31 + int32(r)
			continue
		}
		hi, lo := utf16.EncodeRune(r)
		hash = hash*31 + int32(hi)
		hash = hash*31 + int32(lo)
	}
	return uint16(hash & 0xFFFF)
}

// TypeIDOf returns TypeID(m.MessageName()).
func TypeIDOf(m Message) uint16 {
	return TypeID(m.MessageName())
}

// Handle registers a typed handler for messages of type M on r.
//
// The payload is decoded with M's own Deserialize before handler runs. A
// decode failure is reported by the router as a diagnostic and the handler
// is not called.
//
//	knet.Handle(server, func(msg ChatMessage, from uuid.UUID) {
//	    log.Printf("%s says %s", from, msg.Text)
//	}, true)
func Handle[ID comparable, M any, PM interface {
	*M
	Message
}](r Router[ID], handler func(msg M, sender ID), requiresAuthorization bool) {
	var zero M
	typeID := TypeIDOf(PM(&zero))
	r.RegisterHandler(typeID, func(sender ID, payload *codec.Reader) error {
		var msg M
		if err := PM(&msg).Deserialize(payload); err != nil {
			return err
		}
		handler(msg, sender)
		return nil
	}, requiresAuthorization)
}

// Unhandle removes the handler registered for messages of type M.
func Unhandle[ID comparable, M any, PM interface {
	*M
	Message
}](r Router[ID]) {
	var zero M
	r.UnregisterHandler(TypeIDOf(PM(&zero)))
}
