package conversation

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsocket/pkg/events"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	n := 0
	s := NewStore(
		WithClock(clock.Now),
		WithMessageIDs(func() string {
			n++
			return fmt.Sprintf("msg-%d", n)
		}),
	)
	return s, clock
}

func apply(t *testing.T, s *Store, evs ...events.Event) {
	t.Helper()
	for _, ev := range evs {
		_, err := s.ApplyEvent(ev)
		require.NoError(t, err)
		require.NoError(t, s.CheckInvariants())
	}
}

func chunk(threadID, content string) events.Event {
	return events.NewStreamEvent(threadID, content, "")
}

func end(threadID, title string) events.Event {
	return events.NewEndEvent(threadID, title)
}

func TestStreamChunksConcatenateInOrder(t *testing.T) {
	s, _ := newTestStore(t)
	parts := []string{"Hel", "lo", ", ", "wor", "ld", " ", "ü", "!"}
	for _, p := range parts {
		apply(t, s, chunk("t1", p))
	}

	c, ok := s.Get("t1")
	require.True(t, ok)
	require.Len(t, c.Messages, 1)
	assert.Equal(t, strings.Join(parts, ""), c.Messages[0].Content)
	assert.True(t, c.Messages[0].Streaming)
	assert.Equal(t, RoleAssistant, c.Messages[0].Role)
}

func TestSingleStreamingMessagePerConversation(t *testing.T) {
	s, _ := newTestStore(t)
	apply(t, s,
		chunk("t1", "a"),
		chunk("t2", "b"),
		chunk("t1", "c"),
		end("t1", ""),
		chunk("t1", "d"),
		chunk("t3", "e"),
		end("t2", ""),
		chunk("t2", "f"),
	)

	for _, c := range s.Conversations() {
		streaming := 0
		for i, m := range c.Messages {
			if m.Streaming {
				streaming++
				assert.Equal(t, len(c.Messages)-1, i, "streaming message of %s is not last", c.ID)
			}
		}
		assert.LessOrEqual(t, streaming, 1, c.ID)
	}

	c, _ := s.Get("t1")
	require.Len(t, c.Messages, 2)
	assert.Equal(t, "ac", c.Messages[0].Content)
	assert.Equal(t, "d", c.Messages[1].Content)
}

func TestUserMessageClosesOpenStream(t *testing.T) {
	s, _ := newTestStore(t)
	apply(t, s, chunk("t1", "partial"))

	msg, err := s.AppendUserMessage("t1", "next question", nil)
	require.NoError(t, err)
	require.NoError(t, s.CheckInvariants())
	assert.Equal(t, RoleUser, msg.Role)

	c, _ := s.Get("t1")
	require.Len(t, c.Messages, 2)
	assert.False(t, c.Messages[0].Streaming)
	assert.Equal(t, "next question", c.Messages[1].Content)
}

func TestEndWithoutStreamingMessageAddsNothing(t *testing.T) {
	s, _ := newTestStore(t)

	// unknown thread
	apply(t, s, end("missing", "Title"))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, uint64(0), s.Version())

	apply(t, s, chunk("t1", "Hello"), end("t1", "Greeting"))
	before, _ := s.Get("t1")

	apply(t, s, end("t1", "Greeting"), end("t1", "Greeting"))
	after, _ := s.Get("t1")
	require.Len(t, after.Messages, 1)
	assert.Equal(t, before.Messages[0].Content, after.Messages[0].Content)
	assert.False(t, after.Messages[0].Streaming)
	assert.Equal(t, "Greeting", after.Title)
}

func TestTitleFirstWins(t *testing.T) {
	s, _ := newTestStore(t)
	apply(t, s,
		chunk("t1", "one"), end("t1", ""),
		chunk("t1", "two"), end("t1", "First"),
		chunk("t1", "three"), end("t1", "Second"),
	)
	c, _ := s.Get("t1")
	assert.Equal(t, "First", c.Title)
	require.Len(t, c.Messages, 3)
}

func TestEndFrameSummaryIsKept(t *testing.T) {
	s, _ := newTestStore(t)
	withSummary := func(threadID, summary string) events.Event {
		ev := events.NewEndEvent(threadID, "")
		ev.Summary = summary
		return ev
	}

	apply(t, s, chunk("t1", "one"), withSummary("t1", "Asked about home office."))
	c, _ := s.Get("t1")
	assert.Equal(t, "Asked about home office.", c.Summary)

	// an empty summary keeps the previous one
	apply(t, s, chunk("t1", "two"), withSummary("t1", ""))
	c, _ = s.Get("t1")
	assert.Equal(t, "Asked about home office.", c.Summary)

	apply(t, s, chunk("t1", "three"), withSummary("t1", "Home office and mileage."))
	c, _ = s.Get("t1")
	assert.Equal(t, "Home office and mileage.", c.Summary)

	// nothing streaming, summary still recorded
	v := s.Version()
	apply(t, s, withSummary("t1", "Final."))
	c, _ = s.Get("t1")
	assert.Equal(t, "Final.", c.Summary)
	assert.Equal(t, v+1, s.Version())
	require.Len(t, c.Messages, 3)
}

func TestScenarioSingleGreeting(t *testing.T) {
	s, _ := newTestStore(t)
	apply(t, s,
		events.NewStreamEvent("t1", "Hello", ""),
		events.NewStreamEvent("t1", "__END__", "Greeting"),
	)

	c, ok := s.Get("t1")
	require.True(t, ok)
	require.Len(t, c.Messages, 1)
	assert.Equal(t, RoleAssistant, c.Messages[0].Role)
	assert.Equal(t, "Hello", c.Messages[0].Content)
	assert.False(t, c.Messages[0].Streaming)
	assert.Equal(t, "Greeting", c.Title)
}

func TestScenarioInterleavedThreads(t *testing.T) {
	s, _ := newTestStore(t)
	apply(t, s,
		chunk("t1", "A"),
		chunk("t2", "B"),
		end("t1", ""),
		end("t2", ""),
	)

	for id, want := range map[string]string{"t1": "A", "t2": "B"} {
		c, ok := s.Get(id)
		require.True(t, ok, id)
		require.Len(t, c.Messages, 1, id)
		assert.Equal(t, want, c.Messages[0].Content, id)
		assert.False(t, c.Messages[0].Streaming, id)
	}
}

func TestSourcesForEmptyThreadAreIgnored(t *testing.T) {
	s, _ := newTestStore(t)
	apply(t, s, events.NewSourceEvent("t1", []events.SourceRef{{Path: "a.pdf"}}))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, uint64(0), s.Version())
}

func TestSourcesReplaceLastMessageSources(t *testing.T) {
	s, _ := newTestStore(t)
	apply(t, s,
		chunk("t1", "answer"),
		events.NewSourceEvent("t1", []events.SourceRef{{Path: "old.pdf"}}),
		events.NewSourceEvent("t1", []events.SourceRef{{Path: "w2.pdf", Pages: 3}}),
		end("t1", "Taxes"),
	)
	c, _ := s.Get("t1")
	require.Len(t, c.Messages, 1)
	assert.Equal(t, []events.SourceRef{{Path: "w2.pdf", Pages: 3}}, c.Messages[0].Sources)
}

func TestUnknownEventsAreIgnored(t *testing.T) {
	s, _ := newTestStore(t)
	ev, err := events.DecodeFrame([]byte(`{"type":"typing","thread_id":"t1"}`))
	require.NoError(t, err)

	handled, err := s.ApplyEvent(ev)
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Equal(t, 0, s.Len())
}

func TestReadersGetCopies(t *testing.T) {
	s, _ := newTestStore(t)
	apply(t, s, chunk("t1", "Hello"))

	c, _ := s.Get("t1")
	c.Messages[0].Content = "tampered"
	c.Title = "tampered"

	again, _ := s.Get("t1")
	assert.Equal(t, "Hello", again.Messages[0].Content)
	assert.Equal(t, "", again.Title)
}

func TestListenersReceiveChanges(t *testing.T) {
	s, _ := newTestStore(t)
	var changes []Change
	unsubscribe := s.Subscribe(func(c Change) {
		changes = append(changes, c)
	})

	apply(t, s, chunk("t1", "a"), end("missing", ""), chunk("t1", "b"))
	require.Len(t, changes, 2)
	assert.Equal(t, uint64(1), changes[0].Version)
	assert.Equal(t, "stream_chunk", changes[0].Mutation)
	assert.Equal(t, []string{"t1"}, changes[1].ThreadIDs)
	require.Len(t, changes[1].Conversations, 1)
	assert.Equal(t, "ab", changes[1].Conversations[0].Messages[0].Content)

	unsubscribe()
	apply(t, s, chunk("t1", "c"))
	assert.Len(t, changes, 2)
}

func TestExpireStaleStreams(t *testing.T) {
	s, clock := newTestStore(t)
	apply(t, s, chunk("t1", "a"))
	clock.Advance(10 * time.Second)
	apply(t, s, chunk("t2", "b"))
	clock.Advance(25 * time.Second)

	require.NoError(t, s.Apply(MutateExpireStaleStreams(30*time.Second)))

	t1, _ := s.Get("t1")
	t2, _ := s.Get("t2")
	assert.False(t, t1.Messages[0].Streaming)
	assert.True(t, t2.Messages[0].Streaming)
}

func TestRestoreSeedsConversationsInOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	err := s.Apply(MutateRestore([]Conversation{
		{ID: "b", Title: "B", Timestamp: ts, Messages: []Message{
			{ID: "m1", Role: RoleUser, Content: "q", Timestamp: ts, Streaming: true},
			{ID: "m2", Role: RoleAssistant, Content: "a", Timestamp: ts, Streaming: true},
		}},
		{ID: ""},
		{ID: "a", Timestamp: ts, Messages: []Message{}},
	}))
	require.NoError(t, err)
	require.NoError(t, s.CheckInvariants())

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "b", convs[0].ID)
	assert.Equal(t, "a", convs[1].ID)
	assert.False(t, convs[0].Messages[0].Streaming)
	assert.True(t, convs[0].Messages[1].Streaming)

	// a restored stream keeps receiving chunks
	apply(t, s, chunk("b", "nswer"))
	b, _ := s.Get("b")
	assert.Equal(t, "answer", b.Messages[1].Content)
}

func TestWithMessageLeavesOriginalUntouched(t *testing.T) {
	c := &Conversation{ID: "t", Messages: []Message{{ID: "x", Content: "1"}, {ID: "x", Content: "2"}}}
	next, ok := c.WithMessage("x", func(m *Message) { m.Content = "changed" })
	require.True(t, ok)
	assert.Equal(t, "2", c.Messages[1].Content)
	assert.Equal(t, "1", next.Messages[0].Content)
	assert.Equal(t, "changed", next.Messages[1].Content)

	_, ok = c.WithMessage("nope", func(m *Message) {})
	assert.False(t, ok)
}

func TestNewThreadID(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	assert.Equal(t, "chat-1700000000123", NewThreadID(ts))
}
