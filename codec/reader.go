package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	// ErrOutOfData is returned when a read would consume past the end of the buffer.
	ErrOutOfData = errors.New("codec: out of data")

	// ErrEncodingTooLong is returned for strings of MaxStringLength bytes or more.
	ErrEncodingTooLong = errors.New("codec: encoding too long")

	// ErrInvalidUTF8 is returned when a decoded string is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("codec: invalid utf-8")
)

// Reader decodes values from an immutable byte span.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a Reader positioned at the start of b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Reset points the Reader at b and rewinds the cursor.
func (r *Reader) Reset(b []byte) {
	r.buf = b
	r.pos = 0
}

// Len returns the total size of the underlying span.
func (r *Reader) Len() int {
	return len(r.buf)
}

// Position returns the number of bytes consumed.
func (r *Reader) Position() int {
	return r.pos
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

// next returns the next n bytes without copying them.
func (r *Reader) next(n int, what string) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, fmt.Errorf("%w: reading %s needs %d bytes, %d left at position %d",
			ErrOutOfData, what, n, r.Remaining(), r.pos)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.next(1, "uint8")
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadUint8()
	return int8(v), err
}

// ReadBool treats any non-zero byte as true.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.next(2, "uint16")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.next(4, "uint32")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.next(8, "uint64")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadBytes returns a copy of the next n bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	b, err := r.next(n, "bytes")
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// ReadBytesView returns the next n bytes without copying. The slice aliases
// the Reader's span and must not be retained past the current dispatch.
func (r *Reader) ReadBytesView(n int) ([]byte, error) {
	return r.next(n, "bytes")
}

func (r *Reader) ReadUUID() (uuid.UUID, error) {
	var id uuid.UUID
	b, err := r.next(len(id), "uuid")
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// ReadString reads a length-prefixed string. A null string reads as "".
func (r *Reader) ReadString() (string, error) {
	s, err := r.ReadNullableString()
	if err != nil || s == nil {
		return "", err
	}
	return *s, nil
}

// ReadNullableString reads a length-prefixed string, returning nil for a
// zero prefix. On failure the cursor stays before the prefix.
func (r *Reader) ReadNullableString() (*string, error) {
	start := r.pos
	size, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	n := int(size) - 1
	if n >= MaxStringLength {
		r.pos = start
		return nil, fmt.Errorf("%w: prefix declares %d bytes at position %d", ErrEncodingTooLong, n, start)
	}
	b, err := r.next(n, "string")
	if err != nil {
		r.pos = start
		return nil, err
	}
	if !utf8.Valid(b) {
		r.pos = start
		return nil, fmt.Errorf("%w: %d bytes at position %d", ErrInvalidUTF8, n, start)
	}
	s := string(b)
	return &s, nil
}
