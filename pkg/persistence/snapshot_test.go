package persistence

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsocket/pkg/conversation"
	"github.com/go-go-golems/chatsocket/pkg/events"
)

func fixtureConversations() []*conversation.Conversation {
	ts := time.Date(2024, 10, 25, 14, 30, 0, 0, time.UTC)
	return []*conversation.Conversation{
		{
			ID:        "chat-1729866600000",
			Title:     "Home office deduction",
			Timestamp: ts,
			Messages: []conversation.Message{
				{
					ID:        "msg-1",
					Role:      conversation.RoleUser,
					Content:   "Can I deduct my home office?",
					Timestamp: ts,
					Files: []conversation.FileDescriptor{
						{Name: "w2.pdf", Size: 1024, Type: "application/pdf", LastModified: 1729866000000},
					},
				},
				{
					ID:          "msg-2",
					Role:        conversation.RoleAssistant,
					Content:     "Yes, if you use it <regularly> & exclusively.",
					Timestamp:   ts.Add(2 * time.Second),
					LastChunkAt: ts.Add(3 * time.Second),
					Title:       "Home office deduction",
					Sources: []events.SourceRef{
						{Path: "docs/pub587.pdf", Pages: 12, Description: "Business Use of Your Home"},
					},
				},
			},
		},
		{
			ID:        "chat-2",
			Timestamp: time.Date(2024, 10, 26, 9, 0, 0, 0, time.UTC),
			Messages:  []conversation.Message{},
		},
	}
}

func TestEncodeSnapshotGolden(t *testing.T) {
	b, err := EncodeSnapshot(fixtureConversations())
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "snapshot", b)
}

func TestDecodeSnapshot(t *testing.T) {
	b, err := EncodeSnapshot(fixtureConversations())
	require.NoError(t, err)

	got, err := DecodeSnapshot(b)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "chat-1729866600000", got[0].ID)
	require.Len(t, got[0].Messages, 2)
	assert.Equal(t, "docs/pub587.pdf", got[0].Messages[1].Sources[0].Path)
	assert.True(t, got[0].Messages[1].LastChunkAt.IsZero())
	assert.NotNil(t, got[1].Messages)
}

func TestDecodeSnapshotFromBrowserShape(t *testing.T) {
	raw := `[{"id":"chat-1","title":"","timestamp":"2024-10-25T14:30:00.000Z","messages":[
		{"id":"msg-1","content":"hi","role":"user","timestamp":"2024-10-25T14:30:00.000Z","files":[]},
		{"id":"msg-2","content":"hello","role":"assistant","streaming":false,"timestamp":"2024-10-25T14:30:01.000Z","sources":["a.pdf"]}
	]},{"id":"chat-2","title":"t","timestamp":"2024-10-25T15:00:00.000Z"}]`

	got, err := DecodeSnapshot([]byte(raw))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a.pdf", got[0].Messages[1].Sources[0].Path)
	assert.Equal(t, []conversation.Message{}, got[1].Messages)
}

func TestDecodeSnapshotEmptyAndBroken(t *testing.T) {
	for _, raw := range []string{"", "  ", "null", "[]"} {
		got, err := DecodeSnapshot([]byte(raw))
		require.NoError(t, err, raw)
		assert.Empty(t, got, raw)
	}
	for _, raw := range []string{"{", `{"id":"x"}`, `[{"id":1}]`} {
		_, err := DecodeSnapshot([]byte(raw))
		assert.Error(t, err, raw)
	}
}
