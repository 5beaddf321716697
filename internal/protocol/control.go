package protocol

import (
	"fmt"

	"github.com/luciancaetano/knet"
	"github.com/luciancaetano/knet/codec"
)

// ConnectSuccess is sent by the server right after accept. Identity holds
// the assigned identity in the scheme's wire form (empty for zero-width
// schemes).
type ConnectSuccess struct {
	Identity []byte
	width    int
}

// NewConnectSuccess builds a connect-success whose identity has width bytes.
func NewConnectSuccess(width int) *ConnectSuccess {
	return &ConnectSuccess{width: width}
}

func (ConnectSuccess) MessageName() string { return knet.ConnectSuccessName }

func (m ConnectSuccess) Serialize(w *codec.Writer) {
	w.WriteBytes(m.Identity)
}

func (m *ConnectSuccess) Deserialize(r *codec.Reader) (err error) {
	m.Identity, err = r.ReadBytes(m.width)
	return err
}

// ConnectKeySuccess replaces ConnectSuccess on encrypted deployments. It
// carries the identity and the per-connection key in the clear.
type ConnectKeySuccess struct {
	Identity []byte
	Key      []byte
	width    int
}

// NewConnectKeySuccess builds a connect-key message whose identity has width bytes.
func NewConnectKeySuccess(width int) *ConnectKeySuccess {
	return &ConnectKeySuccess{width: width}
}

func (ConnectKeySuccess) MessageName() string { return knet.ConnectKeySuccessName }

func (m ConnectKeySuccess) Serialize(w *codec.Writer) {
	w.WriteBytes(m.Identity)
	w.WriteInt32(int32(len(m.Key)))
	w.WriteBytes(m.Key)
}

func (m *ConnectKeySuccess) Deserialize(r *codec.Reader) error {
	var err error
	if m.Identity, err = r.ReadBytes(m.width); err != nil {
		return err
	}
	n, err := r.ReadInt32()
	if err != nil {
		return err
	}
	if n < 0 || int(n) > r.Remaining() {
		return fmt.Errorf("%w: key length %d with %d bytes left", codec.ErrOutOfData, n, r.Remaining())
	}
	m.Key, err = r.ReadBytes(int(n))
	return err
}

// Ping asks the peer to answer with Pong.
type Ping struct{}

func (Ping) MessageName() string              { return knet.PingName }
func (Ping) Serialize(*codec.Writer)          {}
func (*Ping) Deserialize(*codec.Reader) error { return nil }

// Pong answers Ping.
type Pong struct{}

func (Pong) MessageName() string              { return knet.PongName }
func (Pong) Serialize(*codec.Writer)          {}
func (*Pong) Deserialize(*codec.Reader) error { return nil }

// Disconnect announces that the sender is closing the connection.
type Disconnect struct{}

func (Disconnect) MessageName() string              { return knet.DisconnectName }
func (Disconnect) Serialize(*codec.Writer)          {}
func (*Disconnect) Deserialize(*codec.Reader) error { return nil }

// Control type ids, computed once.
var (
	ConnectSuccessID    = knet.TypeID(knet.ConnectSuccessName)
	ConnectKeySuccessID = knet.TypeID(knet.ConnectKeySuccessName)
	PingID              = knet.TypeID(knet.PingName)
	PongID              = knet.TypeID(knet.PongName)
	DisconnectID        = knet.TypeID(knet.DisconnectName)
)
