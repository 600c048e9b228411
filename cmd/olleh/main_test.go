package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"ollehd/internal/config"
	"ollehd/internal/debuglog"
	"ollehd/internal/server"
	"ollehd/internal/testutil"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHashPassword(t *testing.T) {
	out, err := run(t, "", "hash-password", "s3cret")
	if err != nil {
		t.Fatalf("hash-password: %v", err)
	}
	if !server.VerifyPassword(strings.TrimSpace(out), "s3cret") {
		t.Fatalf("hash does not verify: %q", out)
	}
	out, err = run(t, "from-stdin\n", "hash-password")
	if err != nil || !server.VerifyPassword(strings.TrimSpace(out), "from-stdin") {
		t.Fatalf("stdin hash: %q %v", out, err)
	}
	if _, err := run(t, "", "hash-password"); err == nil {
		t.Fatalf("empty password accepted")
	}
}

func TestPing(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Pool.Timeout = config.Duration{Duration: 50 * time.Millisecond}
	srv, err := server.New(cfg, server.WithLogger(debuglog.Nop()))
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	out, err := run(t, "", "ping", srv.Addr().String(), "-n", "3", "--payload", "abc", "--curve", "secp256k1")
	if err != nil {
		t.Fatalf("ping: %v\n%s", err, out)
	}
	if strings.Count(out, `"abc"`) != 3 || !strings.Contains(out, "htua: session") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestPingTimesOut(t *testing.T) {
	_, err := run(t, "", "ping", testutil.SilentAddr(t), "-t", "50ms")
	if err == nil || !strings.Contains(err.Error(), "TIMED_OUT") {
		t.Fatalf("expected hello timeout, got %v", err)
	}
}
