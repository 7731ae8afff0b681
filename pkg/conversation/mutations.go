package conversation

import (
	"fmt"
	"time"

	"github.com/go-go-golems/chatsocket/pkg/events"
)

// Mutation represents a deterministic change to the conversation state.
// A mutation that calls no put leaves the state (and the store version) untouched.
type Mutation interface {
	Apply(s *State) error
	Name() string
}

type streamChunkMutation struct {
	ev *events.StreamEvent
}

// MutateStreamChunk applies one stream frame: it ends, extends or starts the
// assistant message of the addressed thread. An end frame also sets the title,
// if the conversation has none yet, and the latest non-empty summary.
func MutateStreamChunk(ev *events.StreamEvent) Mutation {
	return streamChunkMutation{ev: ev}
}

func (m streamChunkMutation) Name() string { return "stream_chunk" }

func (m streamChunkMutation) Apply(s *State) error {
	if s == nil {
		return fmt.Errorf("state is nil")
	}
	if m.ev == nil {
		return fmt.Errorf("stream event is nil")
	}
	threadID := m.ev.ThreadID()

	if m.ev.IsEnd() {
		c, ok := s.Get(threadID)
		if !ok {
			return nil
		}
		next, changed := endStream(c)
		if next.Title == "" && m.ev.Title != "" {
			next = next.WithTitle(m.ev.Title)
			changed = true
		}
		if m.ev.Summary != "" && m.ev.Summary != next.Summary {
			next = next.WithSummary(m.ev.Summary)
			changed = true
		}
		if changed {
			s.put(next)
		}
		return nil
	}

	now := s.Now()
	if c, ok := s.Get(threadID); ok && c.IsStreaming() {
		last, _ := c.LastMessage()
		next, _ := c.WithMessage(last.ID, func(msg *Message) {
			msg.Content += m.ev.Content
			msg.LastChunkAt = now
		})
		s.put(next)
		return nil
	}

	c := s.ensure(threadID)
	s.put(c.WithAppended(Message{
		ID:          s.NewMessageID(),
		Role:        RoleAssistant,
		Content:     m.ev.Content,
		Streaming:   true,
		Timestamp:   now,
		Title:       m.ev.Title,
		LastChunkAt: now,
	}))
	return nil
}

// endStream finalizes the streaming message of c, if any.
func endStream(c *Conversation) (*Conversation, bool) {
	last, ok := c.LastMessage()
	if !ok || !last.Streaming {
		return c, false
	}
	return c.WithMessage(last.ID, func(msg *Message) {
		msg.Streaming = false
	})
}

type attachSourcesMutation struct {
	threadID string
	sources  []events.SourceRef
}

// MutateAttachSources replaces the sources of the last message of a thread.
// Threads that are unknown or empty are left alone.
func MutateAttachSources(threadID string, sources []events.SourceRef) Mutation {
	return attachSourcesMutation{threadID: threadID, sources: sources}
}

func (m attachSourcesMutation) Name() string { return "attach_sources" }

func (m attachSourcesMutation) Apply(s *State) error {
	if s == nil {
		return fmt.Errorf("state is nil")
	}
	c, ok := s.Get(m.threadID)
	if !ok {
		return nil
	}
	last, ok := c.LastMessage()
	if !ok {
		return nil
	}
	sources := make([]events.SourceRef, len(m.sources))
	copy(sources, m.sources)
	next, _ := c.WithMessage(last.ID, func(msg *Message) {
		msg.Sources = sources
	})
	s.put(next)
	return nil
}

type appendUserMessageMutation struct {
	threadID string
	content  string
	files    []FileDescriptor

	// filled in by Apply, read back by Store.AppendUserMessage
	result *Message
}

// MutateAppendUserMessage appends a user message, creating the thread if needed.
// A stream still open in the thread is closed first.
func MutateAppendUserMessage(threadID string, content string, files []FileDescriptor) Mutation {
	return &appendUserMessageMutation{threadID: threadID, content: content, files: files}
}

func (m *appendUserMessageMutation) Name() string { return "append_user_message" }

func (m *appendUserMessageMutation) Apply(s *State) error {
	if s == nil {
		return fmt.Errorf("state is nil")
	}
	if m.threadID == "" {
		return fmt.Errorf("thread id is empty")
	}
	c, _ := endStream(s.ensure(m.threadID))

	var files []FileDescriptor
	if len(m.files) > 0 {
		files = make([]FileDescriptor, len(m.files))
		copy(files, m.files)
	}
	msg := Message{
		ID:        s.NewMessageID(),
		Role:      RoleUser,
		Content:   m.content,
		Timestamp: s.Now(),
		Files:     files,
	}
	s.put(c.WithAppended(msg))
	m.result = &msg
	return nil
}

type restoreMutation struct {
	conversations []Conversation
}

// MutateRestore seeds the state with previously persisted conversations, in order.
// Entries without an id are skipped. A later entry with the same id replaces an earlier one.
func MutateRestore(conversations []Conversation) Mutation {
	return restoreMutation{conversations: conversations}
}

func (m restoreMutation) Name() string { return "restore" }

func (m restoreMutation) Apply(s *State) error {
	if s == nil {
		return fmt.Errorf("state is nil")
	}
	for i := range m.conversations {
		c := m.conversations[i]
		if c.ID == "" {
			continue
		}
		msgs := make([]Message, len(c.Messages))
		copy(msgs, c.Messages)
		// only the last message may still stream
		for j := 0; j < len(msgs)-1; j++ {
			msgs[j].Streaming = false
		}
		c.Messages = msgs
		s.put(&c)
	}
	return nil
}

type expireStaleStreamsMutation struct {
	olderThan time.Duration
}

// MutateExpireStaleStreams closes streaming messages that have not received a
// chunk for longer than olderThan.
func MutateExpireStaleStreams(olderThan time.Duration) Mutation {
	return expireStaleStreamsMutation{olderThan: olderThan}
}

func (m expireStaleStreamsMutation) Name() string { return "expire_stale_streams" }

func (m expireStaleStreamsMutation) Apply(s *State) error {
	if s == nil {
		return fmt.Errorf("state is nil")
	}
	if m.olderThan <= 0 {
		return nil
	}
	cutoff := s.Now().Add(-m.olderThan)
	for _, id := range s.ThreadIDs() {
		c, _ := s.Get(id)
		last, ok := c.LastMessage()
		if !ok || !last.Streaming || last.lastActivity().After(cutoff) {
			continue
		}
		next, _ := endStream(c)
		s.put(next)
	}
	return nil
}

// Reduce maps an inbound event to the mutation it causes. Events the store does
// not react to map to nil.
func Reduce(ev events.Event) Mutation {
	switch ev_ := ev.(type) {
	case *events.StreamEvent:
		return MutateStreamChunk(ev_)
	case *events.SourceEvent:
		return MutateAttachSources(ev_.ThreadID(), ev_.Sources)
	default:
		return nil
	}
}
