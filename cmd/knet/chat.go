package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/knet"
	"github.com/luciancaetano/knet/identity"
	"github.com/luciancaetano/knet/tcp"
)

type chatOptions struct {
	transportOptions

	attempts   int
	retryDelay time.Duration
}

func chatCmd() *cobra.Command {
	o := &chatOptions{}

	cmd := &cobra.Command{
		Use:   "chat [address]",
		Short: "Join a chat relay",
		Long: `Connect to a knet chat relay and exchange lines over stdin/stdout.

Type /quit to leave. The identity scheme, transport and cipher must match
the server's.

Examples:
  knet chat
  knet chat localhost:8080 --transport=ws
  knet chat 10.0.0.5:4117 --identity=uuid --cipher=chacha20-poly1305`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.validate(); err != nil {
				return err
			}
			address := fmt.Sprintf("localhost:%d", knet.DefaultPort)
			if len(args) == 1 {
				address = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, o, address, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	defaults := tcp.DefaultClientConfig(identity.Counter())

	o.transportOptions.bind(cmd)
	cmd.Flags().IntVar(&o.attempts, "attempts", defaults.ConnectAttempts, "Connect attempts before giving up")
	cmd.Flags().DurationVar(&o.retryDelay, "retry-delay", defaults.RetryDelay, "Delay between connect attempts")

	return cmd
}

func runChat(ctx context.Context, o *chatOptions, address string, in io.Reader, out io.Writer) error {
	switch strings.ToLower(o.identity) {
	case "counter":
		return chat(ctx, o, identity.Counter(), address, in, out)
	case "uuid":
		return chat(ctx, o, identity.UUID(), address, in, out)
	case "address":
		return chat(ctx, o, identity.Address(), address, in, out)
	case "none":
		return chat(ctx, o, identity.None(), address, in, out)
	}
	return fmt.Errorf("unknown identity scheme %q", o.identity)
}

func chat[ID comparable](ctx context.Context, o *chatOptions, scheme identity.Scheme[ID], address string, in io.Reader, out io.Writer) error {
	suite, err := o.suite()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := tcp.DefaultClientConfig(scheme)
	cfg.ConnectAttempts = o.attempts
	cfg.RetryDelay = o.retryDelay
	cfg.Suite = suite
	cfg.OnDisconnect = func(reason knet.DisconnectReason) {
		fmt.Fprintf(out, "* disconnected (%s)\n", reason)
		cancel()
	}

	client := newClient(&o.transportOptions, cfg)
	knet.Handle(client, func(msg ChatBroadcast, _ ID) {
		fmt.Fprintf(out, "[%s] %s\n", msg.From, msg.Text)
	}, true)

	if err := client.Connect(ctx, address); err != nil {
		return err
	}
	if err := client.WaitAuthorized(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "* connected to %s as %s\n", address, scheme.String(client.ID()))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return leave(client)
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return leave(client)
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := client.Send(ctx, &ChatMessage{Text: line}); err != nil {
				return err
			}
		}
	}
}

func leave[ID comparable](client knet.Client[ID]) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Disconnect(ctx)
}
