package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/knet"
	"github.com/luciancaetano/knet/internal/secure"
	"github.com/luciancaetano/knet/tcp"
	"github.com/luciancaetano/knet/ws"
)

// transportOptions are the flags shared by serve and chat.
type transportOptions struct {
	kind     string
	framing  string
	path     string
	identity string
	cipher   string
}

func (o *transportOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.kind, "transport", "t", "tcp", "Transport (tcp, ws)")
	cmd.Flags().StringVar(&o.framing, "framing", "length-prefix", "TCP framing (length-prefix, none)")
	cmd.Flags().StringVar(&o.path, "path", ws.DefaultTransportConfig().Path, "WebSocket upgrade path")
	cmd.Flags().StringVarP(&o.identity, "identity", "i", "counter", "Identity scheme (counter, uuid, address, none)")
	cmd.Flags().StringVar(&o.cipher, "cipher", "aes-256-gcm", "Cipher suite (aes-256-gcm, chacha20-poly1305)")
}

func (o *transportOptions) suite() (secure.Suite, error) {
	return secure.SuiteByName(o.cipher)
}

func (o *transportOptions) validate() error {
	switch strings.ToLower(o.kind) {
	case "tcp", "ws":
	default:
		return fmt.Errorf("unknown transport %q", o.kind)
	}
	if _, err := parseFraming(o.framing); err != nil {
		return err
	}
	_, err := o.suite()
	return err
}

func parseFraming(name string) (tcp.Framing, error) {
	for _, f := range []tcp.Framing{tcp.FramingLengthPrefix, tcp.FramingNone} {
		if strings.EqualFold(name, f.String()) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown framing %q", name)
}

func (o *transportOptions) tcpConfig() tcp.TransportConfig {
	tcfg := tcp.DefaultTransportConfig()
	tcfg.Framing, _ = parseFraming(o.framing)
	return tcfg
}

func (o *transportOptions) wsConfig(allowAllOrigins bool) ws.TransportConfig {
	tcfg := ws.DefaultTransportConfig()
	tcfg.Path = o.path
	if allowAllOrigins {
		tcfg.CheckOrigin = ws.AllOrigins()
	}
	return tcfg
}

func newServer[ID comparable](o *transportOptions, cfg tcp.ServerConfig[ID], allowAllOrigins bool) knet.Server[ID] {
	if strings.EqualFold(o.kind, "ws") {
		return ws.NewServerWithTransport(cfg, o.wsConfig(allowAllOrigins))
	}
	return tcp.NewServerWithTransport(cfg, o.tcpConfig())
}

func newClient[ID comparable](o *transportOptions, cfg tcp.ClientConfig[ID]) knet.Client[ID] {
	if strings.EqualFold(o.kind, "ws") {
		return ws.NewClientWithTransport(cfg, o.wsConfig(false))
	}
	return tcp.NewClientWithTransport(cfg, o.tcpConfig())
}
