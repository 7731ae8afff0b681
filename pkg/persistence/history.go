package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsocket/pkg/conversation"
)

// DefaultHistoryLimit is how many entries List returns when no limit is given.
const DefaultHistoryLimit = 10

const untitledChat = "Untitled Chat"

var errNoSnapshot = errors.New("no snapshot")

// HistoryEntry is one persisted conversation as shown in a history list.
type HistoryEntry struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Messages  int       `json:"messages" yaml:"messages"`
	Age       string    `json:"age" yaml:"age"`
}

// History reads and edits the persisted conversation index. It never touches a
// live conversation store.
type History struct {
	store SnapshotStore
	key   string
	now   func() time.Time
}

func NewHistory(store SnapshotStore, key string) *History {
	if key == "" {
		key = DefaultSnapshotKey
	}
	return &History{store: store, key: key, now: time.Now}
}

func (h *History) load(ctx context.Context) ([]conversation.Conversation, error) {
	payload, ok, err := h.store.Load(ctx, h.key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []conversation.Conversation{}, nil
	}
	return DecodeSnapshot(payload)
}

// List returns up to limit entries in persisted order. limit <= 0 uses DefaultHistoryLimit.
func (h *History) List(ctx context.Context, limit int) ([]HistoryEntry, error) {
	conversations, err := h.load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list history")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if len(conversations) > limit {
		conversations = conversations[:limit]
	}

	now := h.now()
	ret := make([]HistoryEntry, 0, len(conversations))
	for _, c := range conversations {
		title := c.Title
		if title == "" {
			title = untitledChat
		}
		ret = append(ret, HistoryEntry{
			ID:        c.ID,
			Title:     title,
			Timestamp: c.Timestamp,
			Messages:  len(c.Messages),
			Age:       RelativeDate(c.Timestamp, now),
		})
	}
	return ret, nil
}

// Get returns one persisted conversation.
func (h *History) Get(ctx context.Context, id string) (*conversation.Conversation, bool, error) {
	conversations, err := h.load(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "get history entry")
	}
	for i := range conversations {
		if conversations[i].ID == id {
			return &conversations[i], true, nil
		}
	}
	return nil, false, nil
}

// Delete removes every persisted conversation with the given id and reports
// whether anything was removed.
func (h *History) Delete(ctx context.Context, id string) (bool, error) {
	removed := false
	err := Update(ctx, h.store, h.key, func(current []byte, ok bool) ([]byte, error) {
		if !ok {
			return nil, errNoSnapshot
		}
		conversations, err := DecodeSnapshot(current)
		if err != nil {
			return nil, err
		}
		kept := make([]*conversation.Conversation, 0, len(conversations))
		for i := range conversations {
			if conversations[i].ID == id {
				removed = true
				continue
			}
			kept = append(kept, &conversations[i])
		}
		return EncodeSnapshot(kept)
	})
	if errors.Is(err, errNoSnapshot) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "delete %q from history", id)
	}
	return removed, nil
}

// RelativeDate labels ts relative to now by whole elapsed days on the local
// wall clock: "Today", "Yesterday", "3d ago" for less than a week, then the
// local month and day ("Oct 25").
func RelativeDate(ts time.Time, now time.Time) string {
	return relativeDateIn(ts, now, time.Local)
}

func relativeDateIn(ts time.Time, now time.Time, loc *time.Location) string {
	ts, now = ts.In(loc), now.In(loc)
	// wall clock readings, so a DST switch does not shorten or stretch a day
	wall := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	}
	days := int(wall(now).Sub(wall(ts)) / (24 * time.Hour))
	switch {
	case days <= 0:
		return "Today"
	case days == 1:
		return "Yesterday"
	case days < 7:
		return fmt.Sprintf("%dd ago", days)
	default:
		return ts.Format("Jan 2")
	}
}
