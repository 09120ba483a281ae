package cmd

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rompd/rompd/broker"
)

func startBroker(t *testing.T) *broker.Server {
	t.Helper()
	server := broker.NewServer(broker.Config{Addr: "127.0.0.1:0"},
		zerolog.New(os.Stderr).Level(zerolog.ErrorLevel))
	if err := server.Start(); err != nil {
		t.Fatalf("start broker: %v", err)
	}
	t.Cleanup(server.Stop)
	return server
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPingCommand(t *testing.T) {
	server := startBroker(t)

	out, err := runCommand(t, "--addr", server.Addr().String(), "ping")
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !strings.Contains(out, "connected to") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestSendCommand(t *testing.T) {
	server := startBroker(t)

	out, err := runCommand(t, "--addr", server.Addr().String(), "send", "/queue/cli", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out, "sent 5 bytes to /queue/cli") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestSendCommandTransactional(t *testing.T) {
	server := startBroker(t)

	_, err := runCommand(t, "--addr", server.Addr().String(),
		"send", "--transaction", "tx-cli", "/queue/cli", "hello")
	if err != nil {
		t.Fatalf("transactional send: %v", err)
	}
}

func TestPingUnreachableBroker(t *testing.T) {
	_, err := runCommand(t, "--addr", "127.0.0.1:1", "--timeout", time.Second.String(), "ping")
	if err == nil {
		t.Fatalf("expected dial error")
	}
}
