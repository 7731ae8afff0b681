package conversation

import (
	"time"

	"github.com/go-go-golems/chatsocket/pkg/events"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// FileDescriptor describes an attachment sent along with a user message.
type FileDescriptor struct {
	Name string `json:"name" yaml:"name"`
	Size int64  `json:"size" yaml:"size"`
	// Type is the MIME type.
	Type string `json:"type" yaml:"type"`
	// LastModified is in unix milliseconds.
	LastModified int64 `json:"lastModified" yaml:"lastModified"`
}

// Message is one entry of a conversation.
//
// Content grows in place while Streaming is true. At most one message of a
// conversation streams, and it is always the last one.
type Message struct {
	ID        string             `json:"id" yaml:"id"`
	Role      Role               `json:"role" yaml:"role"`
	Content   string             `json:"content" yaml:"content"`
	Streaming bool               `json:"streaming,omitempty" yaml:"streaming,omitempty"`
	Timestamp time.Time          `json:"timestamp" yaml:"timestamp"`
	Title     string             `json:"title,omitempty" yaml:"title,omitempty"`
	Sources   []events.SourceRef `json:"sources,omitempty" yaml:"sources,omitempty"`
	Files     []FileDescriptor   `json:"files,omitempty" yaml:"files,omitempty"`

	// LastChunkAt is when the last chunk was appended. Not persisted.
	LastChunkAt time.Time `json:"-" yaml:"-"`
}

func (m Message) IsUser() bool {
	return m.Role == RoleUser
}

func (m Message) IsAssistant() bool {
	return m.Role == RoleAssistant
}

// lastActivity falls back to the creation time for restored messages.
func (m Message) lastActivity() time.Time {
	if m.LastChunkAt.IsZero() {
		return m.Timestamp
	}
	return m.LastChunkAt
}
