// ABOUTME: Interactive chat client for a coven agent over the relay.
// ABOUTME: Runs the session manager against an in-process or external relay host.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default $"+config.EnvPath+" or ~/.config/coven/relay.yaml)")
	hostBin := flag.String("host", "", "Run this coven-relay-host binary instead of an in-process host")
	sessionID := flag.String("session", "", "Session ID to resume; \"latest\" picks the most recent one in history")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *hostBin, *sessionID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, configPath, hostBin, sessionID string) error {
	cfg, used, err := config.Resolve(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(cfg.Logging, os.Stderr)

	var tr *transport
	if hostBin != "" {
		tr, err = execHost(ctx, hostBin, used)
	} else {
		tr = inProcessHost(ctx, cfg, logger)
	}
	if err != nil {
		return fmt.Errorf("starting relay host: %w", err)
	}

	c, err := newChat(ctx, chatParams{
		Config:    cfg,
		Transport: tr,
		SessionID: sessionID,
		Logger:    logger,
		Out:       color.Output,
	})
	if err != nil {
		_ = tr.Close()
		return err
	}
	defer c.Close()

	cyan := color.New(color.FgCyan)
	cyan.Printf("coven-chat session %s\n", c.manager.Session().ID)
	fmt.Printf("Agent: %s\n", cfg.Agent.URL)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	return c.Run(ctx, os.Stdin)
}
