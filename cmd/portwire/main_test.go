package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/dshills/portwire/internal/caller"
	"github.com/dshills/portwire/internal/channel/stream"
	"github.com/dshills/portwire/internal/config"
	"github.com/dshills/portwire/internal/logging"
)

// testServer runs a server on a random loopback port.
type testServer struct {
	t    *testing.T
	ctx  context.Context
	cfg  *config.Config
	srv  *server
	addr string
}

func startServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Channel = "test"
	cfg.Address = "127.0.0.1:0"
	if mutate != nil {
		mutate(cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	srv, err := newServer(cfg, logging.Nop())
	if err != nil {
		t.Fatalf("newServer() error = %v", err)
	}

	l, err := stream.NewHost(cfg.Network, cfg.Address).Listen(cfg.Channel)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := l.(*stream.Listener).Addr().String()

	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.disp.Serve(ctx, l)
	}()
	t.Cleanup(func() {
		l.Close()
		<-served
		srv.close()
	})

	return &testServer{t: t, ctx: ctx, cfg: cfg, srv: srv, addr: addr}
}

func (ts *testServer) dial() *caller.Caller {
	ts.t.Helper()
	cfg := ts.cfg.Clone()
	cfg.Address = ts.addr
	c, err := dial(ts.ctx, cfg, logging.Nop())
	if err != nil {
		ts.t.Fatalf("dial() error = %v", err)
	}
	ts.t.Cleanup(func() { c.Close() })
	return c
}

// waitConns waits until the server has attached n connections.
func (ts *testServer) waitConns(n int) {
	ts.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for ts.srv.disp.ConnectionCount() != n {
		if time.Now().After(deadline) {
			ts.t.Fatalf("ConnectionCount() = %d, want %d", ts.srv.disp.ConnectionCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunVersionAndHelp(t *testing.T) {
	var out, errOut bytes.Buffer

	if code := run([]string{"version"}, &out, &errOut); code != 0 {
		t.Errorf("run(version) = %d, want 0", code)
	}
	if !strings.Contains(out.String(), "portwire dev") {
		t.Errorf("version output = %q", out.String())
	}

	out.Reset()
	if code := run([]string{"-h"}, &out, &errOut); code != 0 {
		t.Errorf("run(-h) = %d, want 0", code)
	}
	if !strings.Contains(out.String(), "Usage: portwire") {
		t.Errorf("help output = %q", out.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no args", nil},
		{"unknown command", []string{"frobnicate"}},
		{"call without command", []string{"call"}},
		{"listen without command", []string{"listen"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			if code := run(tt.args, &out, &errOut); code != 2 {
				t.Errorf("run(%v) = %d, want 2 (stderr %q)", tt.args, code, errOut.String())
			}
		})
	}
}

func TestBuiltinCommands(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial()

	got, err := c.Call(ts.ctx, "ping", nil)
	if err != nil || got != "pong" {
		t.Errorf("ping = %v, %v; want pong", got, err)
	}

	got, err = c.Call(ts.ctx, "echo", map[string]any{"a": "b"})
	if err != nil {
		t.Fatalf("echo error = %v", err)
	}
	if m, ok := got.(map[string]any); !ok || m["a"] != "b" {
		t.Errorf("echo = %#v", got)
	}

	got, err = c.Call(ts.ctx, "time", nil)
	if err != nil {
		t.Fatalf("time error = %v", err)
	}
	if _, err := time.Parse(time.RFC3339Nano, got.(string)); err != nil {
		t.Errorf("time = %v: %v", got, err)
	}

	got, err = c.Call(ts.ctx, "commands", nil)
	if err != nil {
		t.Fatalf("commands error = %v", err)
	}
	var names []string
	for _, n := range got.([]any) {
		names = append(names, n.(string))
	}
	want := []string{"broadcast", "commands", "echo", "ping", "time"}
	if !slices.Equal(names, want) {
		t.Errorf("commands = %v, want %v", names, want)
	}
}

func TestBroadcastRelay(t *testing.T) {
	ts := startServer(t, nil)
	sender := ts.dial()
	listener := ts.dial()
	ts.waitConns(2)

	// The sender is live too, so it receives the relay as well.
	if err := sender.On("news", func(any) {}); err != nil {
		t.Fatal(err)
	}
	got := make(chan any, 1)
	if err := listener.On("news", func(p any) { got <- p }); err != nil {
		t.Fatal(err)
	}

	n, err := sender.Call(ts.ctx, "broadcast", map[string]any{
		"command": "news",
		"payload": "hello",
	})
	if err != nil {
		t.Fatalf("broadcast error = %v", err)
	}
	if n != float64(2) {
		t.Errorf("broadcast delivered to %v, want 2", n)
	}

	select {
	case p := <-got:
		if p != "hello" {
			t.Errorf("payload = %v, want hello", p)
		}
	case <-ts.ctx.Done():
		t.Fatal("broadcast never arrived")
	}
}

func TestBroadcastValidation(t *testing.T) {
	ts := startServer(t, nil)
	c := ts.dial()

	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{"missing", nil, "command broadcast requires a payload"},
		{"not object", "news", "broadcast payload must be an object"},
		{"no command", map[string]any{"payload": 1}, "broadcast payload needs a command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Call(ts.ctx, "broadcast", tt.payload)
			var remote *caller.RemoteError
			if !errors.As(err, &remote) || remote.Message != tt.want {
				t.Errorf("broadcast(%v) = %v, want %q", tt.payload, err, tt.want)
			}
		})
	}
}

func TestAllowList(t *testing.T) {
	ts := startServer(t, func(cfg *config.Config) {
		cfg.Allow = []string{"ping"}
	})
	c := ts.dial()

	if _, err := c.Call(ts.ctx, "ping", nil); err != nil {
		t.Errorf("ping error = %v", err)
	}
	_, err := c.Call(ts.ctx, "echo", "x")
	var remote *caller.RemoteError
	if !errors.As(err, &remote) || remote.Message != "command echo is not allowed" {
		t.Errorf("echo = %v, want not allowed", err)
	}
}

func TestScriptsAndReload(t *testing.T) {
	dir := t.TempDir()
	guard := filepath.Join(dir, "guard.lua")
	if err := os.WriteFile(guard, []byte(`
function check(command, payload)
  if command == "echo" and payload == "secret" then
    return "no secrets"
  end
end
`), 0o600); err != nil {
		t.Fatal(err)
	}

	ts := startServer(t, func(cfg *config.Config) {
		cfg.Scripts = []string{guard}
		cfg.Deny = []string{"time"}
	})
	c := ts.dial()

	wantOrder := []string{mwLog, mwRequired, mwRelay, mwDeny, "guard"}
	if got := ts.srv.disp.Middlewares(); !slices.Equal(got, wantOrder) {
		t.Errorf("Middlewares() = %v, want %v", got, wantOrder)
	}

	_, err := c.Call(ts.ctx, "echo", "secret")
	var remote *caller.RemoteError
	if !errors.As(err, &remote) || remote.Message != "no secrets" {
		t.Errorf("echo(secret) = %v, want no secrets", err)
	}
	if _, err := c.Call(ts.ctx, "time", nil); err == nil {
		t.Error("time passed a deny list")
	}

	next := ts.cfg.Clone()
	next.Scripts = nil
	next.Deny = nil
	ts.srv.reload(next, nil)

	if got := ts.srv.disp.Middlewares(); slices.Contains(got, "guard") || slices.Contains(got, mwDeny) {
		t.Errorf("Middlewares() after reload = %v", got)
	}
	if got, err := c.Call(ts.ctx, "echo", "secret"); err != nil || got != "secret" {
		t.Errorf("echo(secret) after reload = %v, %v", got, err)
	}
}

func TestConfigureKeepsBrokenScript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guard.lua")
	if err := os.WriteFile(path, []byte(`function check() return "v1" end`), 0o600); err != nil {
		t.Fatal(err)
	}

	ts := startServer(t, func(cfg *config.Config) { cfg.Scripts = []string{path} })
	c := ts.dial()

	if err := os.WriteFile(path, []byte(`function check( end`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := ts.srv.configure(ts.cfg); err == nil {
		t.Error("configure() with broken script = nil, want error")
	}

	_, err := c.Call(ts.ctx, "ping", nil)
	var reject *caller.RemoteError
	if !errors.As(err, &reject) || reject.Message != "v1" {
		t.Errorf("ping = %v, want previous script to keep rejecting", err)
	}
}

func TestRunCall(t *testing.T) {
	ts := startServer(t, nil)

	var out, errOut bytes.Buffer
	code := run([]string{
		"call",
		"-channel", "test",
		"-addr", ts.addr,
		"-command", "echo",
		"-payload", `{"hello":"world"}`,
		"-raw",
	}, &out, &errOut)
	if code != 0 {
		t.Fatalf("run(call) = %d, stderr %q", code, errOut.String())
	}
	if got := strings.TrimSpace(out.String()); got != `{"hello":"world"}` {
		t.Errorf("output = %q", got)
	}

	out.Reset()
	errOut.Reset()
	code = run([]string{
		"call",
		"-channel", "test",
		"-addr", ts.addr,
		"-command", "missing",
		"-timeout", "2s",
	}, &out, &errOut)
	if code != 1 {
		t.Errorf("run(call missing) = %d, want 1", code)
	}
}

func TestRunCallBroadcast(t *testing.T) {
	ts := startServer(t, nil)
	listener := ts.dial()
	got := make(chan any, 1)
	if err := listener.On("news", func(p any) { got <- p }); err != nil {
		t.Fatal(err)
	}
	ts.waitConns(1)

	var out, errOut bytes.Buffer
	code := run([]string{
		"call",
		"-channel", "test",
		"-addr", ts.addr,
		"-command", "broadcast",
		"-payload", `{"command":"news","payload":"hi"}`,
		"-raw",
	}, &out, &errOut)
	if code != 0 {
		t.Fatalf("run(call broadcast) = %d, stderr %q", code, errOut.String())
	}
	if got := strings.TrimSpace(out.String()); got != "2" {
		t.Errorf("output = %q, want 2", got)
	}

	select {
	case p := <-got:
		if p != "hi" {
			t.Errorf("payload = %v, want hi", p)
		}
	case <-ts.ctx.Done():
		t.Fatal("broadcast never arrived")
	}
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		in      string
		want    any
		wantErr bool
	}{
		{"", nil, false},
		{"  ", nil, false},
		{`"x"`, "x", false},
		{`3`, float64(3), false},
		{`{`, nil, true},
		{`hello`, nil, true},
	}

	for _, tt := range tests {
		got, err := parsePayload(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parsePayload(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parsePayload(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatJSON(t *testing.T) {
	raw, err := formatJSON(map[string]any{"a": 1}, true)
	if err != nil || string(raw) != "{\"a\":1}\n" {
		t.Errorf("formatJSON(raw) = %q, %v", raw, err)
	}

	indented, err := formatJSON(map[string]any{"a": 1}, false)
	if err != nil || !strings.Contains(string(indented), "\n  \"a\": 1") {
		t.Errorf("formatJSON(pretty) = %q, %v", indented, err)
	}
}
