// ABOUTME: Minimal fake tool node for E2E testing: connects over websocket and serves echo/time tools.
// ABOUTME: Usage: fake-node [-url ws://localhost:8787/ws] [-id fake-node] [-root /tmp/fake-node]
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:8787/ws", "relay websocket URL")
	id := flag.String("id", "fake-node", "node ID")
	name := flag.String("name", "Fake Node", "node display name")
	token := flag.String("token", os.Getenv("COVEN_RELAY_SECRET"), "shared secret or connect token")
	root := flag.String("root", os.TempDir(), "directory transfers read from and write to")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	n := newNode(Options{ID: *id, Name: *name, Token: *token, Root: *root}, logger)
	if err := n.Run(ctx, *url); err != nil && ctx.Err() == nil {
		logger.Error("node stopped", "error", err)
		os.Exit(1)
	}
}
