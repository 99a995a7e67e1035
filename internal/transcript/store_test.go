// ABOUTME: Tests for the transcript Store, its subscriber fan-out, and markdown rendering.
// ABOUTME: Persistence is exercised through an in-memory SQLite log.

package transcript

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/2389/coven-relay/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return u
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for update")
		return Update{}
	}
}

func TestStore_RecordsConversation(t *testing.T) {
	s := NewStore(Params{SessionID: "sess-1", Logger: slog.Default()})

	s.UserMessage("m-1", "hello")
	s.AgentResponse(frame.Frame{Type: frame.TypeAgentResponse, Content: "hi **there**", Metadata: frame.Metadata{"message_id": "a-1"}})
	s.AgentError("tool crashed")

	entries := s.Entries()
	require.Len(t, entries, 3)

	assert.Equal(t, "m-1", entries[0].ID)
	assert.Equal(t, RoleUser, entries[0].Role)
	assert.Equal(t, RoleAgent, entries[1].Role)
	assert.Equal(t, "a-1", entries[1].MessageID)
	assert.Equal(t, RoleError, entries[2].Role)
	for _, e := range entries {
		assert.Equal(t, "sess-1", e.SessionID)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.At.IsZero())
	}

	history, err := s.History(t.Context())
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "hi **there**", history[1].Content)
}

func TestStore_TypingFlags(t *testing.T) {
	s := NewStore(Params{SessionID: "sess-1"})
	updates, _ := s.Subscribe(t.Context())

	s.AgentThinking(true)
	u := nextUpdate(t, updates)
	assert.Equal(t, UpdateTyping, u.Kind)
	assert.True(t, u.AgentTyping)

	// Repeating the same state publishes nothing.
	s.AgentThinking(true)
	s.SetUserTyping(true)
	u = nextUpdate(t, updates)
	assert.True(t, u.UserTyping)
	assert.True(t, u.AgentTyping)

	agent, user := s.Typing()
	assert.True(t, agent)
	assert.True(t, user)
}

func TestStore_StatusAndTerminalError(t *testing.T) {
	s := NewStore(Params{SessionID: "sess-1"})
	status, _ := s.Status()
	assert.Equal(t, "disconnected", status)

	s.AgentThinking(true)
	s.ConnectionStatus("reconnecting", errors.New("socket closed"))

	status, errMsg := s.Status()
	assert.Equal(t, "reconnecting", status)
	assert.Equal(t, "socket closed", errMsg)
	agent, _ := s.Typing()
	assert.False(t, agent, "leaving connected clears agent typing")
	assert.Empty(t, s.Entries(), "transient errors do not reach the transcript")

	s.ConnectionStatus("error", errors.New("max retries exceeded"))
	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, RoleError, entries[0].Role)
	assert.Contains(t, entries[0].Content, "max retries exceeded")
}

func TestStore_SessionConnected(t *testing.T) {
	s := NewStore(Params{SessionID: "sess-1"})
	updates, _ := s.Subscribe(t.Context())

	s.SessionConnected(frame.Frame{Type: frame.TypeSessionConnected, Metadata: frame.Metadata{"agent": "echo"}})

	u := nextUpdate(t, updates)
	assert.Equal(t, UpdateSession, u.Kind)
	assert.Equal(t, "echo", u.Session["agent"])
	assert.Equal(t, "echo", s.SessionInfo()["agent"])
}

func TestStore_FanOutToAllSubscribers(t *testing.T) {
	s := NewStore(Params{SessionID: "sess-1"})

	a, _ := s.Subscribe(t.Context())
	b, _ := s.Subscribe(t.Context())

	s.UserMessage("m-1", "hello")

	for _, ch := range []<-chan Update{a, b} {
		u := nextUpdate(t, ch)
		assert.Equal(t, UpdateEntry, u.Kind)
		require.NotNil(t, u.Entry)
		assert.Equal(t, "hello", u.Entry.Content)
	}
}

func TestStore_SlowSubscriberDoesNotBlock(t *testing.T) {
	s := NewStore(Params{SessionID: "sess-1"})
	_, _ = s.Subscribe(t.Context())

	done := make(chan struct{})
	go func() {
		for range subscriberBufferSize * 2 {
			s.UserMessage("", "spam")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a full subscriber")
	}
	assert.Len(t, s.Entries(), subscriberBufferSize*2)
}

func TestStore_UnsubscribeClosesChannel(t *testing.T) {
	s := NewStore(Params{SessionID: "sess-1"})

	ch, id := s.Subscribe(t.Context())
	s.Unsubscribe(id)
	s.Unsubscribe(id)

	_, ok := <-ch
	assert.False(t, ok)
}

func TestStore_ContextCancelUnsubscribes(t *testing.T) {
	s := NewStore(Params{SessionID: "sess-1"})

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := s.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestStore_CloseEndsSubscriptions(t *testing.T) {
	s := NewStore(Params{SessionID: "sess-1"})
	ch, _ := s.Subscribe(t.Context())

	s.Close()
	_, ok := <-ch
	assert.False(t, ok)

	late, _ := s.Subscribe(t.Context())
	_, ok = <-late
	assert.False(t, ok, "subscribing after Close yields a closed channel")

	// Publishing after close is harmless.
	s.UserMessage("m", "after close")
}

func TestStore_PersistsAndLoads(t *testing.T) {
	log, err := NewSQLiteLog(":memory:", slog.Default())
	require.NoError(t, err)
	defer log.Close()

	first := NewStore(Params{SessionID: "sess-1", Persister: log})
	first.UserMessage("m-1", "question")
	first.AgentResponse(frame.Frame{Type: frame.TypeAgentResponse, Content: "answer"})

	other := NewStore(Params{SessionID: "sess-2", Persister: log})
	other.UserMessage("m-x", "unrelated")

	second := NewStore(Params{SessionID: "sess-1", Persister: log})
	require.NoError(t, second.Load(t.Context(), 0))

	entries := second.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "question", entries[0].Content)
	assert.Equal(t, "answer", entries[1].Content)
}

func TestRenderHTML(t *testing.T) {
	html, err := RenderHTML("hello **world**\n\n- one\n- two\n\n~~gone~~")
	require.NoError(t, err)

	assert.Contains(t, html, "<strong>world</strong>")
	assert.Contains(t, html, "<li>one</li>")
	assert.Contains(t, html, "<del>gone</del>")

	html, err = RenderHTML("<script>alert(1)</script>")
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
}

func TestWriteHTML(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		{ID: "u-1", Role: RoleUser, Content: "<b>is this bold?</b>", At: at},
		{ID: "a-1", Role: RoleAgent, Content: "no, **this** is", At: at},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, "chat <1>", entries))

	out := buf.String()
	assert.Contains(t, out, "<title>chat &lt;1&gt;</title>")
	assert.Contains(t, out, "&lt;b&gt;is this bold?&lt;/b&gt;")
	assert.Contains(t, out, "<strong>this</strong>")
	assert.Contains(t, out, `class="entry agent"`)
	assert.Contains(t, out, "2026-03-01T12:00:00Z")
}
