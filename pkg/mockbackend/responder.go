package mockbackend

import (
	"context"
	"strings"
	"sync"

	"github.com/go-go-golems/chatsocket/pkg/events"
)

// Answer is what the backend streams back for one user message.
type Answer struct {
	Text    string
	Title   string
	Summary string
	Sources []events.SourceRef
}

// Responder produces the answer to a user frame.
type Responder interface {
	Respond(ctx context.Context, frame events.UserFrame) (Answer, error)
}

type ResponderFunc func(ctx context.Context, frame events.UserFrame) (Answer, error)

func (f ResponderFunc) Respond(ctx context.Context, frame events.UserFrame) (Answer, error) {
	return f(ctx, frame)
}

// EchoResponder answers with the question itself. The title is made of the first
// words of the question. Sources, if set, are attached to every answer.
type EchoResponder struct {
	Sources []events.SourceRef
}

func (e EchoResponder) Respond(_ context.Context, frame events.UserFrame) (Answer, error) {
	return Answer{
		Text:    "You said: " + frame.Content,
		Title:   titleFor(frame.Content),
		Sources: e.Sources,
	}, nil
}

const titleWords = 5

func titleFor(content string) string {
	words := strings.Fields(content)
	if len(words) > titleWords {
		words = words[:titleWords]
	}
	return strings.Join(words, " ")
}

// ScriptedResponder returns its answers in order, then repeats the last one.
type ScriptedResponder struct {
	mu      sync.Mutex
	answers []Answer
	next    int
}

func NewScriptedResponder(answers ...Answer) *ScriptedResponder {
	return &ScriptedResponder{answers: answers}
}

func (s *ScriptedResponder) Respond(_ context.Context, _ events.UserFrame) (Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.answers) == 0 {
		return Answer{}, nil
	}
	a := s.answers[s.next]
	if s.next < len(s.answers)-1 {
		s.next++
	}
	return a, nil
}

// Chunks splits text into pieces of size runes. The last piece may be shorter.
func Chunks(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	runes := []rune(text)
	ret := make([]string, 0, (len(runes)+size-1)/size)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		ret = append(ret, string(runes[i:end]))
	}
	return ret
}
