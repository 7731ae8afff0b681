package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRouterDeliversInPublishOrder(t *testing.T) {
	router, err := NewEventRouter()
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	var seqs []string
	done := make(chan struct{})
	const n = 50

	router.AddHandler("frames", TopicFrames, func(msg *message.Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(msg.Payload))
		seqs = append(seqs, msg.Metadata.Get(MetadataSequenceNumber))
		if len(got) == n {
			close(done)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = router.Run(ctx)
	}()
	<-router.Running()
	assert.True(t, router.IsRunning())

	for i := 0; i < n; i++ {
		require.NoError(t, router.Publish(TopicFrames, []byte(fmt.Sprintf("frame-%d", i))))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frames")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("frame-%d", i), got[i])
		assert.Equal(t, fmt.Sprintf("%d", i), seqs[i])
	}
	require.NoError(t, router.Close())
}
