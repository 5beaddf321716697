package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/luciancaetano/knet"
	"github.com/luciancaetano/knet/codec"
	"github.com/luciancaetano/knet/identity"
)

type textMessage struct {
	Text string
}

func (textMessage) MessageName() string { return "SendMessage" }

func (m textMessage) Serialize(w *codec.Writer) { _ = w.WriteString(m.Text) }

func (m *textMessage) Deserialize(r *codec.Reader) (err error) {
	m.Text, err = r.ReadString()
	return err
}

// TestEncodeLayout checks the exact bytes of an envelope for each identity width.
func TestEncodeLayout(t *testing.T) {
	t.Parallel()

	msg := &textMessage{Text: "hi"}
	payload := []byte{0x03, 0x00, 'h', 'i'}
	typeID := []byte{0xC8, 0x42}

	t.Run("zero width", func(t *testing.T) {
		t.Parallel()

		w := codec.NewWriter()
		Encode(w, identity.None(), msg, identity.Implicit{})
		want := append(append([]byte{}, typeID...), payload...)
		if !bytes.Equal(w.Bytes(), want) {
			t.Errorf("Encode() = %v, want %v", w.Bytes(), want)
		}
	})

	t.Run("counter", func(t *testing.T) {
		t.Parallel()

		w := codec.NewWriter()
		Encode(w, identity.Counter(), msg, uint16(0x0102))
		want := append(append(append([]byte{}, typeID...), 0x02, 0x01), payload...)
		if !bytes.Equal(w.Bytes(), want) {
			t.Errorf("Encode() = %v, want %v", w.Bytes(), want)
		}
	})

	t.Run("uuid", func(t *testing.T) {
		t.Parallel()

		id := uuid.New()
		w := codec.NewWriter()
		Encode(w, identity.UUID(), msg, id)
		want := append(append(append([]byte{}, typeID...), id[:]...), payload...)
		if !bytes.Equal(w.Bytes(), want) {
			t.Errorf("Encode() = %v, want %v", w.Bytes(), want)
		}
	})
}

func TestDecodeHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	scheme := identity.UUID()
	sender := uuid.New()

	w := codec.NewWriter()
	Encode(w, scheme, &textMessage{Text: "hello"}, sender)

	r := codec.NewReader(w.Bytes())
	h, err := DecodeHeader(r, scheme)
	if err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if h.TypeID != knet.TypeID("SendMessage") {
		t.Errorf("TypeID = %#04x", h.TypeID)
	}
	if h.Sender != sender {
		t.Errorf("Sender = %v, want %v", h.Sender, sender)
	}
	if r.Position() != HeaderSize(scheme) {
		t.Errorf("reader at %d, want payload start %d", r.Position(), HeaderSize(scheme))
	}

	var got textMessage
	if err := got.Deserialize(r); err != nil || got.Text != "hello" {
		t.Errorf("payload = %+v, %v", got, err)
	}
}

// TestDecodeHeaderMalformed covers empty and truncated buffers.
func TestDecodeHeaderMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"one byte", []byte{0x01}},
		{"type id only", []byte{0x01, 0x02}},
		{"short identity", []byte{0x01, 0x02, 0x03}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := DecodeHeader(codec.NewReader(tt.data), identity.Counter())
			if !errors.Is(err, knet.ErrMalformedHeader) {
				t.Errorf("error = %v, want ErrMalformedHeader", err)
			}
		})
	}
}

func TestConnectKeySuccessRoundTrip(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0xAA}, 32)
	in := &ConnectKeySuccess{Identity: []byte{0x05, 0x00}, Key: key}

	w := codec.NewWriter()
	Encode(w, identity.Counter(), in, uint16(0))

	r := codec.NewReader(w.Bytes())
	h, err := DecodeHeader(r, identity.Counter())
	if err != nil || h.TypeID != ConnectKeySuccessID {
		t.Fatalf("DecodeHeader() = %+v, %v", h, err)
	}

	out := NewConnectKeySuccess(2)
	if err := out.Deserialize(r); err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if !bytes.Equal(out.Identity, in.Identity) || !bytes.Equal(out.Key, key) {
		t.Errorf("got identity %v key %v", out.Identity, out.Key)
	}
}

func TestConnectKeySuccessBadLength(t *testing.T) {
	t.Parallel()

	w := codec.NewWriter()
	w.WriteInt32(64)
	w.WriteBytes([]byte{1, 2, 3})

	err := NewConnectKeySuccess(0).Deserialize(codec.NewReader(w.Bytes()))
	if !errors.Is(err, codec.ErrOutOfData) {
		t.Errorf("error = %v, want ErrOutOfData", err)
	}
}

func TestConnectSuccessRoundTrip(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	w := codec.NewWriter()
	(&ConnectSuccess{Identity: id[:]}).Serialize(w)

	out := NewConnectSuccess(16)
	if err := out.Deserialize(codec.NewReader(w.Bytes())); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Identity, id[:]) {
		t.Errorf("Identity = %v, want %v", out.Identity, id[:])
	}
}

func TestCheckCollisions(t *testing.T) {
	t.Parallel()

	if err := CheckCollisions(knet.ConnectSuccessName, knet.ConnectKeySuccessName,
		knet.PingName, knet.PongName, knet.DisconnectName); err != nil {
		t.Errorf("control names collide: %v", err)
	}
	if err := CheckCollisions("SendMessage", "SendMessage"); err == nil {
		t.Error("CheckCollisions() did not report a duplicate name")
	}
}
