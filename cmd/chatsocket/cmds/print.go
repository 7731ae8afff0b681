package cmds

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-go-golems/chatsocket/pkg/conversation"
	"github.com/go-go-golems/chatsocket/pkg/events"
)

func writeTranscript(w io.Writer, c *conversation.Conversation) {
	title := c.Title
	if title == "" {
		title = "Untitled Chat"
	}
	_, _ = fmt.Fprintf(w, "# %s (%s)\n\n", title, c.ID)
	if c.Summary != "" {
		_, _ = fmt.Fprintf(w, "%s\n\n", c.Summary)
	}
	for _, m := range c.Messages {
		_, _ = fmt.Fprintf(w, "[%s] %s:\n%s\n", m.Timestamp.Local().Format("2006-01-02 15:04"), m.Role, m.Content)
		for _, f := range m.Files {
			_, _ = fmt.Fprintf(w, "  attached %s (%s, %d bytes)\n", f.Name, f.Type, f.Size)
		}
		writeSources(w, m.Sources, nil)
		if m.Streaming {
			_, _ = fmt.Fprintln(w, "  (still streaming)")
		}
		_, _ = fmt.Fprintln(w)
	}
}

// writeSources lists sources, each followed by its entry in links if there is one.
func writeSources(w io.Writer, sources []events.SourceRef, links []string) {
	if len(sources) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w, "Sources:")
	for i, s := range sources {
		var details []string
		if s.Pages > 0 {
			details = append(details, fmt.Sprintf("%d pages", s.Pages))
		}
		if s.LastModified != "" {
			details = append(details, s.LastModified)
		}
		line := "  - " + s.Name()
		if len(details) > 0 {
			line += " (" + strings.Join(details, ", ") + ")"
		}
		if s.Description != "" {
			line += ": " + s.Description
		}
		_, _ = fmt.Fprintln(w, line)
		if i < len(links) && links[i] != "" {
			_, _ = fmt.Fprintf(w, "    %s\n", links[i])
		}
	}
}

// syncWriter serializes writes from the printer and the input loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
