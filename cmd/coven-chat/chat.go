// ABOUTME: Chat wires the session stack together and drives it from line input
// ABOUTME: Renders transcript updates with fatih/color and handles slash commands

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/transcript"
)

const historyLoadLimit = 50

type chatParams struct {
	Config    *config.Config
	Transport *transport
	SessionID string
	Logger    *slog.Logger
	Out       io.Writer
}

type chat struct {
	cfg    *config.Config
	tr     *transport
	logger *slog.Logger

	out   io.Writer
	outMu sync.Mutex

	link     *relay.Link
	linkDone chan struct{}
	window   *dedupe.Window
	history  *transcript.SQLiteLog
	store    *transcript.Store
	manager  *session.Manager

	renderDone chan struct{}
	typing     bool
	closeOnce  sync.Once
}

func newChat(ctx context.Context, p chatParams) (*chat, error) {
	c := &chat{
		cfg:        p.Config,
		tr:         p.Transport,
		logger:     p.Logger,
		out:        p.Out,
		linkDone:   make(chan struct{}),
		renderDone: make(chan struct{}),
	}

	c.link = relay.NewLink(p.Transport.w, p.Logger)
	go func() {
		defer close(c.linkDone)
		if err := c.link.Run(p.Transport.r); err != nil {
			c.logger.Debug("relay link stopped", "error", err)
		}
	}()

	var persister transcript.Persister
	if path := p.Config.History.Path; path != "" {
		h, err := transcript.NewSQLiteLog(path, p.Logger)
		if err != nil {
			return nil, fmt.Errorf("opening history: %w", err)
		}
		c.history = h
		persister = h
	}

	sessionID := p.SessionID
	if sessionID == "latest" {
		sessionID = ""
		if c.history != nil {
			latest, err := c.history.LatestSession(ctx)
			if err != nil {
				return nil, fmt.Errorf("finding latest session: %w", err)
			}
			sessionID = latest
		}
	}
	sess := session.NewSession()
	if sessionID != "" {
		sess = session.SessionFor(sessionID)
	}

	c.store = transcript.NewStore(transcript.Params{
		SessionID: sess.ID,
		Persister: persister,
		Logger:    p.Logger,
	})
	if err := c.store.Load(ctx, historyLoadLimit); err != nil {
		return nil, err
	}

	c.window = dedupe.NewWindow(p.Config.Dedupe.TTL, p.Config.Dedupe.MaxSize)

	m, err := session.New(session.Params{
		Policy:  p.Config.Policy(),
		Session: sess,
		Relay:   func(id string) session.Relay { return c.link.Open(id) },
		Store:   c.store,
		Deduper: c.window,
		Logger:  p.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.manager = m

	updates, _ := c.store.Subscribe(context.Background())
	go c.render(updates)

	return c, nil
}

// Close stops the session and the host, in that order.
func (c *chat) Close() {
	c.closeOnce.Do(func() {
		_ = c.manager.Close()
		c.store.Close()
		<-c.renderDone
		c.window.Close()

		_ = c.tr.w.Close()
		select {
		case <-c.linkDone:
		case <-time.After(5 * time.Second):
			c.logger.Warn("relay host did not close its output")
		}
		if err := c.tr.wait(); err != nil {
			c.logger.Warn("relay host exited", "error", err)
		}

		if c.history != nil {
			_ = c.history.Close()
		}
	})
}

func (c *chat) printf(attr color.Attribute, format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = color.New(attr).Fprintf(c.out, format, args...)
}

func (c *chat) render(updates <-chan transcript.Update) {
	defer close(c.renderDone)

	for u := range updates {
		switch u.Kind {
		case transcript.UpdateEntry:
			switch u.Entry.Role {
			case transcript.RoleAgent:
				c.printf(color.FgGreen, "← %s\n", u.Entry.Content)
			case transcript.RoleError:
				c.printf(color.FgRed, "[error] %s\n", u.Entry.Content)
			}
		case transcript.UpdateStatus:
			if u.Err != "" {
				c.printf(color.FgYellow, "[%s] %s\n", u.Status, u.Err)
			} else {
				c.printf(color.FgYellow, "[%s]\n", u.Status)
			}
		case transcript.UpdateTyping:
			if u.AgentTyping {
				c.printf(color.FgHiBlack, "… agent is thinking\n")
			}
		case transcript.UpdateSession:
			if name, ok := u.Session["agent"].(string); ok {
				c.printf(color.FgHiBlack, "[session] talking to %s\n", name)
			}
		}
	}
}

// Run reads lines from in until EOF, /quit, or ctx is done.
func (c *chat) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
		} else {
			errCh <- io.EOF
		}
	}()

	for {
		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-lines:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if !c.handle(ctx, input) {
			return nil
		}
	}
}

// handle runs one line of input. It returns false when the user quits.
func (c *chat) handle(ctx context.Context, input string) bool {
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit", "/q":
		return false

	case "/help":
		c.printHelp()

	case "/status":
		status, lastErr := c.store.Status()
		if lastErr != "" {
			c.printf(color.FgCyan, "status: %s (%s)\n", status, lastErr)
		} else {
			c.printf(color.FgCyan, "status: %s\n", status)
		}
		c.printf(color.FgHiBlack, "session: %s\n", c.manager.Session().ID)

	case "/connect":
		connectCtx, cancel := context.WithTimeout(ctx, 2*c.cfg.Retry.ConnectionTimeout)
		defer cancel()
		if err := c.manager.Connect(connectCtx); err != nil {
			c.printf(color.FgRed, "[error] connect: %v\n", err)
		}

	case "/disconnect":
		if err := c.manager.Disconnect(ctx); err != nil {
			c.printf(color.FgRed, "[error] disconnect: %v\n", err)
		}

	case "/typing":
		c.typing = !c.typing
		if c.typing {
			c.manager.StartTyping()
		} else {
			c.manager.StopTyping()
		}
		c.printf(color.FgHiBlack, "typing: %v\n", c.typing)

	case "/history":
		c.printHistory(ctx)

	case "/export":
		if arg == "" {
			c.printf(color.FgRed, "usage: /export <file.html>\n")
			break
		}
		if err := c.export(arg); err != nil {
			c.printf(color.FgRed, "[error] export: %v\n", err)
		} else {
			c.printf(color.FgHiBlack, "wrote %s\n", arg)
		}

	default:
		if strings.HasPrefix(cmd, "/") {
			c.printf(color.FgRed, "unknown command %s (try /help)\n", cmd)
			break
		}
		c.send(ctx, input)
	}
	return true
}

func (c *chat) send(ctx context.Context, content string) {
	if c.typing {
		c.typing = false
		c.manager.StopTyping()
	}
	p := c.manager.Enqueue(content)
	go func() {
		err := p.Wait(ctx)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, session.ErrClosed) {
			return
		}
		c.printf(color.FgRed, "[not delivered] %s: %v\n", truncate(content, 40), err)
	}()
}

func (c *chat) printHelp() {
	c.printf(color.Reset, "Commands:\n"+
		"  /status        Show connection status\n"+
		"  /connect       Connect now (messages also connect on demand)\n"+
		"  /disconnect    Disconnect and stop reconnecting\n"+
		"  /typing        Toggle the typing indicator\n"+
		"  /history       Show this session's transcript\n"+
		"  /export <file> Write the transcript as HTML\n"+
		"  /help          Show this help\n"+
		"  /quit          Exit\n")
}

func (c *chat) printHistory(ctx context.Context) {
	msgs, err := c.manager.GetHistory(ctx)
	if err != nil {
		c.printf(color.FgRed, "[error] history: %v\n", err)
		return
	}
	if len(msgs) == 0 {
		c.printf(color.FgHiBlack, "No conversation history\n")
		return
	}

	c.printf(color.Reset, "%s\n", strings.Repeat("-", 60))
	for _, m := range msgs {
		attr := color.FgBlue
		switch transcript.Role(m.Role) {
		case transcript.RoleAgent:
			attr = color.FgGreen
		case transcript.RoleError:
			attr = color.FgRed
		}
		c.printf(attr, "%s %-5s %s\n", m.At.Format("15:04:05"), m.Role, truncate(m.Content, 200))
	}
}

func (c *chat) export(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := transcript.WriteHTML(f, "coven-chat "+c.manager.Session().ID, c.store.Entries()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// truncate shortens s to maxLen runes, adding "..." when cut.
func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}
