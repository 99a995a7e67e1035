// ABOUTME: Minimal fake agent for E2E testing: serves the echo agent over websocket.
// ABOUTME: Usage: fake-agent [-addr 127.0.0.1:8765] [-name "Echo Agent"] [-secret s]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/echoagent"
	"github.com/2389/coven-relay/internal/logging"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8765", "Listen address")
	name := flag.String("name", "Echo Agent", "Agent display name")
	secret := flag.String("secret", os.Getenv("COVEN_RELAY_SECRET"), "Token secret; empty accepts unauthenticated dials")
	replay := flag.Bool("replay", false, "Resend the last reply when a session reconnects")
	think := flag.Duration("think", 50*time.Millisecond, "Delay before each reply")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger := logging.New(config.LoggingConfig{Level: *level}, os.Stderr)

	opts := echoagent.Options{
		Name:           *name,
		ThinkDelay:     *think,
		ReplayOnResume: *replay,
		Logger:         logger,
	}
	if *secret != "" {
		opts.Signer = auth.NewSigner([]byte(*secret), 0)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addr, echoagent.New(opts)); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, addr string, agent *echoagent.Agent) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", agent)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "fake agent listening on ws://%s/ws\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	agent.DropAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
