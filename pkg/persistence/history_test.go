package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsocket/pkg/conversation"
)

func TestRelativeDate(t *testing.T) {
	now := time.Date(2024, 10, 25, 14, 30, 0, 0, time.UTC)
	for _, tc := range []struct {
		ts   time.Time
		want string
	}{
		{now, "Today"},
		{now.Add(-23 * time.Hour), "Today"},
		{now.Add(time.Hour), "Today"},
		{now.Add(-24 * time.Hour), "Yesterday"},
		{now.Add(-47 * time.Hour), "Yesterday"},
		{now.Add(-3 * 24 * time.Hour), "3d ago"},
		{now.Add(-6*24*time.Hour - time.Hour), "6d ago"},
		{now.Add(-7 * 24 * time.Hour), "Oct 18"},
		{time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), "Jan 2"},
	} {
		assert.Equal(t, tc.want, relativeDateIn(tc.ts, now, time.UTC), tc.ts.String())
	}
}

func TestRelativeDateUsesLocalCalendar(t *testing.T) {
	pacific := time.FixedZone("UTC-7", -7*60*60)
	now := time.Date(2024, 10, 25, 14, 30, 0, 0, time.UTC)
	// Oct 18 03:00 UTC is still Oct 17 at UTC-7
	ts := time.Date(2024, 10, 18, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, "Oct 17", relativeDateIn(ts, now, pacific))
	assert.Equal(t, "Oct 18", relativeDateIn(ts, now, time.UTC))

	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	// Mar 10 2024 has 23 hours in Los Angeles
	ts = time.Date(2024, 3, 10, 0, 30, 0, 0, la)
	now = time.Date(2024, 3, 11, 0, 30, 0, 0, la)
	assert.Equal(t, 23*time.Hour, now.Sub(ts))
	assert.Equal(t, "Yesterday", relativeDateIn(ts, now, la))

	assert.Equal(t, relativeDateIn(ts, now, time.Local), RelativeDate(ts, now))
}

func seedHistory(t *testing.T, store SnapshotStore, n int) {
	t.Helper()
	base := time.Date(2024, 10, 25, 14, 30, 0, 0, time.UTC)
	list := make([]*conversation.Conversation, 0, n)
	for i := 0; i < n; i++ {
		title := fmt.Sprintf("Chat %d", i)
		if i == 1 {
			title = ""
		}
		list = append(list, &conversation.Conversation{
			ID:        fmt.Sprintf("chat-%d", i),
			Title:     title,
			Timestamp: base.Add(-time.Duration(i) * 24 * time.Hour),
			Messages:  []conversation.Message{{ID: "m", Role: conversation.RoleUser, Content: "q", Timestamp: base}},
		})
	}
	b, err := EncodeSnapshot(list)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), DefaultSnapshotKey, b))
}

func TestHistoryList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	h := NewHistory(store, "")
	h.now = func() time.Time { return time.Date(2024, 10, 25, 18, 0, 0, 0, time.UTC) }

	entries, err := h.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	seedHistory(t, store, 12)

	entries, err = h.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, DefaultHistoryLimit)
	assert.Equal(t, "chat-0", entries[0].ID)
	assert.Equal(t, "Today", entries[0].Age)
	assert.Equal(t, "Untitled Chat", entries[1].Title)
	assert.Equal(t, "Yesterday", entries[1].Age)
	assert.Equal(t, 1, entries[2].Messages)

	entries, err = h.List(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, entries, 12)
}

func TestHistoryDeleteOnlyTouchesSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedHistory(t, store, 3)

	live := newConversationStore()
	require.Equal(t, 3, NewBridge(store).Restore(ctx, live))

	h := NewHistory(store, DefaultSnapshotKey)
	removed, err := h.Delete(ctx, "chat-1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = h.Delete(ctx, "chat-1")
	require.NoError(t, err)
	assert.False(t, removed)

	_, ok, err := h.Get(ctx, "chat-1")
	require.NoError(t, err)
	assert.False(t, ok)
	c, ok, err := h.Get(ctx, "chat-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Chat 2", c.Title)

	entries, err := h.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// the live store keeps the conversation
	_, ok = live.Get("chat-1")
	assert.True(t, ok)
	assert.Equal(t, 3, live.Len())
}

func TestHistoryDeleteWithoutSnapshot(t *testing.T) {
	store := NewMemoryStore()
	removed, err := NewHistory(store, "").Delete(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, removed)

	_, ok, err := store.Load(context.Background(), DefaultSnapshotKey)
	require.NoError(t, err)
	assert.False(t, ok)
}
