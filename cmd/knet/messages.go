package main

import "github.com/luciancaetano/knet/codec"

// ChatMessage is sent by a chat client to the server.
type ChatMessage struct {
	Text string
}

func (ChatMessage) MessageName() string { return "ChatMessage" }

func (m ChatMessage) Serialize(w *codec.Writer) { _ = w.WriteString(m.Text) }

func (m *ChatMessage) Deserialize(r *codec.Reader) (err error) {
	m.Text, err = r.ReadString()
	return err
}

// ChatBroadcast is relayed by the server to every client. From is the
// sender's identity rendered by the server's scheme.
type ChatBroadcast struct {
	From string
	Text string
}

func (ChatBroadcast) MessageName() string { return "ChatBroadcast" }

func (m ChatBroadcast) Serialize(w *codec.Writer) {
	_ = w.WriteString(m.From)
	_ = w.WriteString(m.Text)
}

func (m *ChatBroadcast) Deserialize(r *codec.Reader) (err error) {
	if m.From, err = r.ReadString(); err != nil {
		return err
	}
	m.Text, err = r.ReadString()
	return err
}
