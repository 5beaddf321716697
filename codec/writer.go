// Package codec implements the little-endian binary encoding shared by every
// message on the wire.
//
// A Writer appends values to a growable buffer; a Reader consumes the same
// values from an immutable byte span. Neither type is safe for concurrent
// use. Use a Pool to recycle instances on hot paths.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// DefaultCapacity is the initial size of a Writer's backing buffer.
	DefaultCapacity = 1024

	// MaxStringLength bounds string lengths: a string must be shorter than
	// MaxStringLength bytes on both write and read.
	MaxStringLength = math.MaxUint16 - 1
)

// Writer is an append-only encoder.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with DefaultCapacity bytes preallocated.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, DefaultCapacity)}
}

// Reset discards the written bytes but keeps the backing buffer.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Cap returns the capacity of the backing buffer.
func (w *Writer) Cap() int {
	return cap(w.buf)
}

// Bytes returns a view of the written bytes. The slice aliases the
// Writer's buffer: it must not be modified and is only valid until the next
// write or Reset.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// grow makes room for n more bytes, at least doubling the buffer.
func (w *Writer) grow(n int) {
	need := len(w.buf) + n
	if need <= cap(w.buf) {
		return
	}
	size := max(need, 2*cap(w.buf))
	buf := make([]byte, len(w.buf), size)
	copy(buf, w.buf)
	w.buf = buf
}

func (w *Writer) WriteUint8(v uint8) {
	w.grow(1)
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteInt8(v int8) {
	w.WriteUint8(uint8(v))
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
		return
	}
	w.WriteUint8(0)
}

func (w *Writer) WriteUint16(v uint16) {
	w.grow(2)
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteInt16(v int16) {
	w.WriteUint16(uint16(v))
}

func (w *Writer) WriteUint32(v uint32) {
	w.grow(4)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

func (w *Writer) WriteUint64(v uint64) {
	w.grow(8)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

func (w *Writer) WriteFloat32(v float32) {
	w.WriteUint32(math.Float32bits(v))
}

func (w *Writer) WriteFloat64(v float64) {
	w.WriteUint64(math.Float64bits(v))
}

// WriteBytes appends p verbatim. The length is not recorded; the reader
// must know it ahead of time.
func (w *Writer) WriteBytes(p []byte) {
	w.grow(len(p))
	w.buf = append(w.buf, p...)
}

// WriteUUID appends the 16 raw bytes of id.
func (w *Writer) WriteUUID(id uuid.UUID) {
	w.WriteBytes(id[:])
}

// WriteString appends s prefixed by a uint16 holding len(s)+1. Nothing is
// written when s is too long or not valid UTF-8.
func (w *Writer) WriteString(s string) error {
	if len(s) >= MaxStringLength {
		return fmt.Errorf("%w: %d bytes, must be under %d", ErrEncodingTooLong, len(s), MaxStringLength)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: writing string of %d bytes", ErrInvalidUTF8, len(s))
	}
	w.grow(2 + len(s))
	w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(len(s)+1))
	w.buf = append(w.buf, s...)
	return nil
}

// WriteNullableString writes a zero prefix for nil and otherwise behaves like
// WriteString.
func (w *Writer) WriteNullableString(s *string) error {
	if s == nil {
		w.WriteUint16(0)
		return nil
	}
	return w.WriteString(*s)
}
