// ABOUTME: Starts the relay host the chat client talks to
// ABOUTME: Either an in-process host over pipes or a coven-relay-host child over stdio

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/host"
)

// transport is the byte-stream boundary between the session side and a host.
type transport struct {
	w    io.WriteCloser // requests to the host
	r    io.Reader      // events from the host
	wait func() error
}

// Close ends the request stream and waits for the host to exit.
func (t *transport) Close() error {
	_ = t.w.Close()
	return t.wait()
}

func inProcessHost(ctx context.Context, cfg *config.Config, logger *slog.Logger) *transport {
	reqR, reqW := io.Pipe()
	evR, evW := io.Pipe()

	done := make(chan error, 1)
	go func() {
		err := host.New(host.ConfigFrom(cfg), logger).Serve(ctx, reqR, evW)
		_ = evW.Close()
		_ = reqR.Close()
		done <- err
	}()

	return &transport{
		w: reqW,
		r: evR,
		wait: func() error {
			err := <-done
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func execHost(ctx context.Context, bin, configPath string) (*transport, error) {
	var args []string
	if configPath != "" {
		args = append(args, "-config", configPath)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("host stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("host stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", bin, err)
	}

	return &transport{w: stdin, r: stdout, wait: cmd.Wait}, nil
}
