// ABOUTME: Entry point for coven-relay-host, the privileged relay process
// ABOUTME: Speaks the relay protocol on stdin/stdout and owns the agent websockets

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/host"
	"github.com/2389/coven-relay/internal/logging"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config file (default $"+config.EnvPath+" or ~/.config/coven/relay.yaml)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, used, err := config.Resolve(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// stdout carries the protocol; everything else goes to stderr.
	logger := logging.New(cfg.Logging, os.Stderr)
	logger.Info("starting coven-relay-host", "version", version, "config", used, "agent_url", cfg.Agent.URL)

	err = host.New(host.ConfigFrom(cfg), logger).Serve(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
