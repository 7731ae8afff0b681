package events

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStream carries one incremental chunk of assistant text, or the end sentinel.
	EventTypeStream EventType = "stream"
	// EventTypeSource carries the documents backing the latest answer of a thread.
	EventTypeSource EventType = "source"
)

// EndSentinel is the in-band chunk value that terminates the current assistant message.
const EndSentinel = "__END__"

// Event is the decoded form of one inbound frame. Every event is addressed to a thread.
type Event interface {
	Type() EventType
	ThreadID() string
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType `json:"type"`
	ThreadID_ string    `json:"thread_id"`

	// raw frame bytes after unwrapping, set by DecodeFrame
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Str("thread_id", e.ThreadID_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) ThreadID() string {
	return e.ThreadID_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

var _ Event = &EventImpl{}

// StreamEvent is a chunk of a streamed assistant answer.
type StreamEvent struct {
	EventImpl
	Content string `json:"content"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

func NewStreamEvent(threadID string, content string, title string) *StreamEvent {
	return &StreamEvent{
		EventImpl: EventImpl{
			Type_:     EventTypeStream,
			ThreadID_: threadID,
		},
		Content: content,
		Title:   title,
	}
}

// NewEndEvent builds the stream event that closes the current assistant message.
func NewEndEvent(threadID string, title string) *StreamEvent {
	return NewStreamEvent(threadID, EndSentinel, title)
}

// IsEnd reports whether the event is the end-of-stream sentinel rather than text.
func (e *StreamEvent) IsEnd() bool {
	return e.Content == EndSentinel
}

func (e *StreamEvent) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Int("content_len", len(e.Content))
	ev.Bool("end", e.IsEnd())
	if e.Title != "" {
		ev.Str("title", e.Title)
	}
}

var _ Event = &StreamEvent{}

// SourceEvent attaches source references to the latest message of a thread.
type SourceEvent struct {
	EventImpl
	Sources []SourceRef `json:"sources"`
}

func NewSourceEvent(threadID string, sources []SourceRef) *SourceEvent {
	return &SourceEvent{
		EventImpl: EventImpl{
			Type_:     EventTypeSource,
			ThreadID_: threadID,
		},
		Sources: sources,
	}
}

func (e *SourceEvent) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Int("sources", len(e.Sources))
}

var _ Event = &SourceEvent{}

// UnknownEvent is a well-formed frame with a type the client does not handle.
// The reducer ignores it.
type UnknownEvent struct {
	EventImpl
	Raw json.RawMessage `json:"-"`
}

var _ Event = &UnknownEvent{}

// SourceRef describes a document that backed an assistant answer.
//
// The backend sends either a bare path string or an object; both decode into a SourceRef.
type SourceRef struct {
	Path         string `json:"path" yaml:"path"`
	Filename     string `json:"filename,omitempty" yaml:"filename,omitempty"`
	Pages        int    `json:"pages,omitempty" yaml:"pages,omitempty"`
	LastModified string `json:"lastModified,omitempty" yaml:"lastModified,omitempty"`
	Description  string `json:"description,omitempty" yaml:"description,omitempty"`
}

func (s *SourceRef) UnmarshalJSON(b []byte) error {
	var path string
	if err := json.Unmarshal(b, &path); err == nil {
		*s = SourceRef{Path: path}
		return nil
	}

	type sourceRefAlias SourceRef
	var raw struct {
		sourceRefAlias
		Date string `json:"date"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = SourceRef(raw.sourceRefAlias)
	if s.LastModified == "" {
		s.LastModified = raw.Date
	}
	return nil
}

// Name returns the best display name for the source.
func (s SourceRef) Name() string {
	if s.Path != "" {
		return s.Path
	}
	return s.Filename
}
