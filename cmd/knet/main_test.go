package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/knet"
	"github.com/luciancaetano/knet/identity"
	"github.com/luciancaetano/knet/tcp"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format, level string
		wantErr       bool
	}{
		{format: "text", level: "info"},
		{format: "json", level: "debug"},
		{format: "JSON", level: "WARN"},
		{format: "xml", level: "info", wantErr: true},
		{format: "text", level: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.format+"/"+tt.level, func(t *testing.T) {
			t.Parallel()
			_, err := newLogger(tt.format, tt.level)
			if (err != nil) != tt.wantErr {
				t.Errorf("newLogger(%q, %q) error = %v, wantErr %v", tt.format, tt.level, err, tt.wantErr)
			}
		})
	}
}

func TestTransportOptionsValidate(t *testing.T) {
	t.Parallel()

	valid := transportOptions{kind: "tcp", framing: "length-prefix", identity: "counter", cipher: "aes-256-gcm"}
	require.NoError(t, valid.validate())

	tests := []struct {
		name   string
		mutate func(*transportOptions)
	}{
		{"transport", func(o *transportOptions) { o.kind = "udp" }},
		{"framing", func(o *transportOptions) { o.framing = "lines" }},
		{"cipher", func(o *transportOptions) { o.cipher = "rot13" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o := valid
			tt.mutate(&o)
			assert.Error(t, o.validate())
		})
	}

	f, err := parseFraming("NONE")
	require.NoError(t, err)
	assert.Equal(t, tcp.FramingNone, f)
}

func TestRateLimitFlags(t *testing.T) {
	t.Parallel()

	assert.False(t, (&serveOptions{rate: 0}).rateLimit().Enabled)
	rl := (&serveOptions{rate: 5, burst: 7}).rateLimit()
	assert.True(t, rl.Enabled)
	assert.Equal(t, 7, rl.Burst)
}

func TestMetricsRouter(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "probe_total", Help: "probe"})
	registry.MustRegister(counter)
	counter.Inc()

	cfg := tcp.DefaultServerConfig(identity.Counter())
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(newMetricsServer[uint16]("", registry, tcp.NewServer(cfg)).Handler)
	defer srv.Close()

	body := get(t, srv.URL+"/metrics")
	assert.Contains(t, body, "probe_total 1")
	assert.Equal(t, "ok 0\n", get(t, srv.URL+"/healthz"))
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestChatRelay(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	scfg := tcp.DefaultServerConfig(identity.Counter())
	scfg.Address = "127.0.0.1:0"
	scfg.PingInterval = 0
	scfg.ClientTimeout = 0
	scfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	server := tcp.NewServer(scfg)
	knet.Handle(server, func(msg ChatMessage, from uint16) {
		_ = server.SendToAll(ctx, &ChatBroadcast{From: identity.Counter().String(from), Text: msg.Text})
	}, true)
	require.NoError(t, server.Start(ctx))
	defer server.Stop(context.Background())

	o := &chatOptions{
		transportOptions: transportOptions{kind: "tcp", framing: "length-prefix", identity: "counter", cipher: "aes-256-gcm"},
		attempts:         1,
	}
	in, typed := io.Pipe()
	defer typed.Close()
	out := &syncBuffer{}

	done := make(chan error, 1)
	go func() { done <- runChat(ctx, o, server.Addr(), in, out) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "* connected") }, 5*time.Second, 10*time.Millisecond)
	_, err := io.WriteString(typed, "hello there\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "] hello there") }, 5*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(typed, "/quit\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("chat did not exit on /quit")
	}
	assert.Contains(t, out.String(), "* disconnected (local)")
}
