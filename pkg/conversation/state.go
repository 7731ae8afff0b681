package conversation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation is one chat thread. Values are never modified once published to
// readers; mutations produce a new Conversation instead.
type Conversation struct {
	ID        string    `json:"id" yaml:"id"`
	Messages  []Message `json:"messages" yaml:"messages"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Title     string    `json:"title" yaml:"title"`
	// Summary is the backend's running summary of the conversation, replaced by
	// every end frame that carries one.
	Summary string `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// LastMessage returns the most recently appended message.
func (c *Conversation) LastMessage() (Message, bool) {
	if c == nil || len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// IsStreaming reports whether the last message is still being streamed.
func (c *Conversation) IsStreaming() bool {
	last, ok := c.LastMessage()
	return ok && last.Streaming
}

// HasFiles reports whether any user message carried attachments.
func (c *Conversation) HasFiles() bool {
	if c == nil {
		return false
	}
	for _, m := range c.Messages {
		if len(m.Files) > 0 {
			return true
		}
	}
	return false
}

// WithMessage returns a copy of the conversation in which the most recent message
// with the given id was passed through update. The receiver is left untouched.
func (c *Conversation) WithMessage(id string, update func(m *Message)) (*Conversation, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].ID != id {
			continue
		}
		ret := c.shallowCopy()
		msgs := make([]Message, len(c.Messages))
		copy(msgs, c.Messages)
		update(&msgs[i])
		ret.Messages = msgs
		return ret, true
	}
	return c, false
}

// WithAppended returns a copy of the conversation with msg appended.
func (c *Conversation) WithAppended(msg Message) *Conversation {
	ret := c.shallowCopy()
	msgs := make([]Message, len(c.Messages), len(c.Messages)+1)
	copy(msgs, c.Messages)
	ret.Messages = append(msgs, msg)
	return ret
}

// WithTitle returns a copy of the conversation with the given title.
func (c *Conversation) WithTitle(title string) *Conversation {
	ret := c.shallowCopy()
	ret.Title = title
	return ret
}

func (c *Conversation) WithSummary(summary string) *Conversation {
	ret := c.shallowCopy()
	ret.Summary = summary
	return ret
}

func (c *Conversation) shallowCopy() *Conversation {
	ret := *c
	return &ret
}

// State is the mapping of thread ids to conversations that mutations operate on.
// It is owned by a Store and only touched under the store lock.
type State struct {
	conversations map[string]*Conversation
	order         []string

	now   func() time.Time
	newID func() string

	// set by put, reset by Store.Apply
	changed []string
}

func newState(now func() time.Time, newID func() string) *State {
	return &State{
		conversations: map[string]*Conversation{},
		now:           now,
		newID:         newID,
	}
}

// Get returns the current value for a thread. Callers must not modify it.
func (s *State) Get(threadID string) (*Conversation, bool) {
	c, ok := s.conversations[threadID]
	return c, ok
}

// Now returns the state clock.
func (s *State) Now() time.Time {
	return s.now()
}

// NewMessageID returns a fresh message id.
func (s *State) NewMessageID() string {
	return s.newID()
}

// ThreadIDs returns thread ids in insertion order.
func (s *State) ThreadIDs() []string {
	ret := make([]string, len(s.order))
	copy(ret, s.order)
	return ret
}

// put replaces (or inserts) a conversation and records the change.
func (s *State) put(c *Conversation) {
	if _, ok := s.conversations[c.ID]; !ok {
		s.order = append(s.order, c.ID)
	}
	s.conversations[c.ID] = c
	s.changed = append(s.changed, c.ID)
}

func (s *State) ensure(threadID string) *Conversation {
	if c, ok := s.conversations[threadID]; ok {
		return c
	}
	return &Conversation{
		ID:        threadID,
		Messages:  []Message{},
		Timestamp: s.now(),
	}
}

// CheckInvariants verifies that every conversation has at most one streaming
// message and that it is the last one.
func (s *State) CheckInvariants() error {
	for _, id := range s.order {
		c := s.conversations[id]
		for i, m := range c.Messages {
			if m.Streaming && i != len(c.Messages)-1 {
				return fmt.Errorf("conversation %q: message %q streams but is not last", id, m.ID)
			}
		}
	}
	return nil
}

// NewThreadID returns a time based thread id for a new chat.
func NewThreadID(now time.Time) string {
	return fmt.Sprintf("chat-%d", now.UnixMilli())
}

func defaultMessageID() string {
	return "msg-" + uuid.NewString()
}
