// Package main implements the watt command.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, opts := newRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		asCLIError(err).Print(os.Stderr, opts.JSON)
		stop()
		os.Exit(1)
	}
}
