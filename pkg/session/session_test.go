package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsocket/pkg/conversation"
	"github.com/go-go-golems/chatsocket/pkg/diagnostics"
	"github.com/go-go-golems/chatsocket/pkg/events"
	"github.com/go-go-golems/chatsocket/pkg/mockbackend"
	"github.com/go-go-golems/chatsocket/pkg/persistence"
)

type recordingSink struct {
	diagnostics.Sink
	mu      sync.Mutex
	dropped []string
	applied []string
	sends   int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{Sink: diagnostics.Nop}
}

func (r *recordingSink) FrameDropped(reason string, _ []byte, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, reason)
}

func (r *recordingSink) FrameApplied(eventType string, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, eventType)
}

func (r *recordingSink) SendDropped(string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends++
}

func (r *recordingSink) Dropped() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dropped...)
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func startMockBackend(t *testing.T, options ...mockbackend.Option) string {
	t.Helper()
	backend := mockbackend.New(options...)
	srv := httptest.NewServer(backend.Handler())
	t.Cleanup(func() {
		backend.Close()
		srv.Close()
	})
	return wsURL(srv, mockbackend.ChatPath+"/ws")
}

// startFrameServer accepts one socket and writes frames to it, then keeps it open.
func startFrameServer(t *testing.T, frames ...string) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return wsURL(srv, "/")
}

func runSession(t *testing.T, s *Session) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- s.Run(ctx)
	}()
	t.Cleanup(cancel)
	return cancel, errc
}

func waitDone(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}

func TestSessionRoundTripAgainstMockBackend(t *testing.T) {
	url := startMockBackend(t,
		mockbackend.WithResponder(mockbackend.NewScriptedResponder(mockbackend.Answer{
			Text:    "You can deduct the home office if it is used exclusively for work.",
			Title:   "Home office deduction",
			Summary: "User asked whether a home office is deductible.",
			Sources: []events.SourceRef{{Path: "irs/p587.pdf", Pages: 30}},
		})),
		mockbackend.WithChunkDelay(0),
	)

	snapshots := persistence.NewMemoryStore()
	sink := newRecordingSink()
	var streamed strings.Builder
	var streamedMu sync.Mutex
	s, err := New(Config{URL: url},
		WithSnapshotStore(snapshots),
		WithDiagnostics(sink),
		WithEventListener(func(ev events.Event) {
			if se, ok := ev.(*events.StreamEvent); ok && !se.IsEnd() {
				streamedMu.Lock()
				streamed.WriteString(se.Content)
				streamedMu.Unlock()
			}
		}),
	)
	require.NoError(t, err)

	cancel, errc := runSession(t, s)
	require.Eventually(t, s.Connected, 5*time.Second, 10*time.Millisecond)

	threadID := s.NewThreadID()
	msg, err := s.SendUserMessage(context.Background(), threadID, "Can I deduct my home office?", nil)
	require.NoError(t, err)
	assert.Equal(t, conversation.RoleUser, msg.Role)

	require.Eventually(t, func() bool {
		c, ok := s.Store().Get(threadID)
		if !ok || len(c.Messages) != 2 {
			return false
		}
		return !c.Messages[1].Streaming && c.Title != ""
	}, 5*time.Second, 10*time.Millisecond)

	c, _ := s.Store().Get(threadID)
	answer := c.Messages[1]
	assert.Equal(t, conversation.RoleAssistant, answer.Role)
	assert.Equal(t, "You can deduct the home office if it is used exclusively for work.", answer.Content)
	assert.Equal(t, []events.SourceRef{{Path: "irs/p587.pdf", Pages: 30}}, answer.Sources)
	assert.Equal(t, "Home office deduction", c.Title)
	assert.Equal(t, "User asked whether a home office is deductible.", c.Summary)
	require.NoError(t, s.Store().CheckInvariants())

	streamedMu.Lock()
	assert.Equal(t, answer.Content, streamed.String())
	streamedMu.Unlock()

	require.Eventually(t, func() bool {
		b, ok, err := snapshots.Load(context.Background(), persistence.DefaultSnapshotKey)
		if err != nil || !ok {
			return false
		}
		convs, err := persistence.DecodeSnapshot(b)
		return err == nil && len(convs) == 1 && len(convs[0].Messages) == 2 && !convs[0].Messages[1].Streaming
	}, 5*time.Second, 10*time.Millisecond)

	assert.Empty(t, sink.Dropped())

	cancel()
	require.NoError(t, waitDone(t, errc))
	assert.False(t, s.Connected())
}

func TestSessionDropsInvalidFrames(t *testing.T) {
	url := startFrameServer(t,
		`{"type": "stream"}`,
		`not json`,
		`{"type":"typing","thread_id":"t1"}`,
		`{"type":"stream","thread_id":"t1","content":"Hello","title":"","summary":""}`,
		`"{\"type\":\"stream\",\"thread_id\":\"t1\",\"content\":\"__END__\",\"title\":\"Greeting\",\"summary\":\"\"}"`,
	)

	sink := newRecordingSink()
	s, err := New(Config{URL: url}, WithDiagnostics(sink))
	require.NoError(t, err)
	_, _ = runSession(t, s)

	require.Eventually(t, func() bool {
		c, ok := s.Store().Get("t1")
		return ok && c.Title == "Greeting"
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"missing_thread_id", "malformed", "unknown_type"}, sink.Dropped())
	assert.Equal(t, 1, s.Store().Len())
	c, _ := s.Store().Get("t1")
	require.Len(t, c.Messages, 1)
	assert.Equal(t, "Hello", c.Messages[0].Content)
	assert.False(t, c.Messages[0].Streaming)
}

func TestSendWhileDisconnectedKeepsMessage(t *testing.T) {
	sink := newRecordingSink()
	s, err := New(Config{URL: "ws://127.0.0.1:1/never"}, WithDiagnostics(sink))
	require.NoError(t, err)

	msg, err := s.SendUserMessage(context.Background(), "t1", "anyone there?", nil)
	require.NoError(t, err)
	assert.Equal(t, "anyone there?", msg.Content)

	c, ok := s.Store().Get("t1")
	require.True(t, ok)
	require.Len(t, c.Messages, 1)
	assert.Equal(t, 1, sink.sends)

	_, err = s.SendUserMessage(context.Background(), "", "x", nil)
	assert.Error(t, err)
}

func TestRunFailsWhenBackendIsUnreachable(t *testing.T) {
	s, err := New(Config{URL: "ws://127.0.0.1:1/never", DialTimeout: time.Second})
	require.NoError(t, err)

	err = s.Run(context.Background())
	require.Error(t, err)
	assert.False(t, s.Connected())
	assert.Error(t, s.Run(context.Background()), "a session runs once")
}

func TestSessionRestoresPersistedConversations(t *testing.T) {
	snapshots := persistence.NewMemoryStore()
	ts := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	payload, err := persistence.EncodeSnapshot([]*conversation.Conversation{{
		ID:        "chat-1",
		Title:     "Earlier",
		Timestamp: ts,
		Messages: []conversation.Message{
			{ID: "m1", Role: conversation.RoleUser, Content: "q", Timestamp: ts},
		},
	}})
	require.NoError(t, err)
	require.NoError(t, snapshots.Save(context.Background(), persistence.DefaultSnapshotKey, payload))

	url := startMockBackend(t, mockbackend.WithChunkDelay(0))
	s, err := New(Config{URL: url}, WithSnapshotStore(snapshots))
	require.NoError(t, err)
	cancel, errc := runSession(t, s)
	require.Eventually(t, s.Connected, 5*time.Second, 10*time.Millisecond)

	c, ok := s.Store().Get("chat-1")
	require.True(t, ok)
	assert.Equal(t, "Earlier", c.Title)

	_, err = s.SendUserMessage(context.Background(), "chat-1", "follow up", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c, _ := s.Store().Get("chat-1")
		return len(c.Messages) == 3 && !c.Messages[2].Streaming
	}, 5*time.Second, 10*time.Millisecond)

	c, _ = s.Store().Get("chat-1")
	assert.Equal(t, "Earlier", c.Title, "an existing title is kept")

	cancel()
	require.NoError(t, waitDone(t, errc))
}

func TestWatchdogClosesStaleStreams(t *testing.T) {
	url := startFrameServer(t, `{"type":"stream","thread_id":"t1","content":"never ends"}`)
	s, err := New(Config{
		URL:                url,
		StaleStreamTimeout: 50 * time.Millisecond,
		WatchdogInterval:   10 * time.Millisecond,
	})
	require.NoError(t, err)
	_, _ = runSession(t, s)

	require.Eventually(t, func() bool {
		c, ok := s.Store().Get("t1")
		return ok && len(c.Messages) == 1 && !c.Messages[0].Streaming
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSessionStopsWhenPeerCloses(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "no session"))
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)

	s, err := New(Config{URL: wsURL(srv, "/")})
	require.NoError(t, err)
	_, errc := runSession(t, s)
	require.NoError(t, waitDone(t, errc))
	assert.False(t, s.Connected())
}
