package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsocket/pkg/conversation"
	"github.com/go-go-golems/chatsocket/pkg/diagnostics"
)

const defaultSaveTimeout = 5 * time.Second

// Bridge keeps a conversation store and a snapshot store in sync: Restore seeds
// the conversation store once, Watch writes a snapshot after every change.
//
// Failures never propagate. They are logged and reported to the diagnostics sink,
// and the bridge carries on as if there was no prior state.
type Bridge struct {
	store       SnapshotStore
	key         string
	sink        diagnostics.Sink
	saveTimeout time.Duration

	mu          sync.Mutex
	lastVersion uint64
}

type BridgeOption func(*Bridge)

func WithKey(key string) BridgeOption {
	return func(b *Bridge) {
		if key != "" {
			b.key = key
		}
	}
}

func WithDiagnostics(s diagnostics.Sink) BridgeOption {
	return func(b *Bridge) {
		b.sink = diagnostics.OrNop(s)
	}
}

func WithSaveTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		b.saveTimeout = d
	}
}

func NewBridge(store SnapshotStore, options ...BridgeOption) *Bridge {
	ret := &Bridge{
		store:       store,
		key:         DefaultSnapshotKey,
		sink:        diagnostics.Nop,
		saveTimeout: defaultSaveTimeout,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (b *Bridge) Key() string {
	return b.key
}

// Restore seeds cs with the persisted snapshot and returns how many conversations
// were restored. A missing or unreadable snapshot restores nothing.
func (b *Bridge) Restore(ctx context.Context, cs *conversation.Store) int {
	payload, ok, err := b.store.Load(ctx, b.key)
	if err != nil {
		log.Warn().Err(err).Str("key", b.key).Msg("Could not load snapshot, starting empty")
		b.sink.PersistFailed("load", err)
		return 0
	}
	if !ok {
		log.Debug().Str("key", b.key).Msg("No snapshot found")
		return 0
	}

	conversations, err := DecodeSnapshot(payload)
	if err != nil {
		log.Warn().Err(err).Str("key", b.key).Msg("Could not parse snapshot, starting empty")
		b.sink.PersistFailed("decode", err)
		return 0
	}
	if len(conversations) == 0 {
		return 0
	}

	if err := cs.Apply(conversation.MutateRestore(conversations)); err != nil {
		log.Warn().Err(err).Str("key", b.key).Msg("Could not restore snapshot, starting empty")
		b.sink.PersistFailed("restore", err)
		return 0
	}
	log.Info().Int("conversations", len(conversations)).Str("key", b.key).Msg("Restored snapshot")
	return len(conversations)
}

// Watch subscribes to cs and saves a snapshot after every change. The returned
// function stops watching.
func (b *Bridge) Watch(cs *conversation.Store) func() {
	return cs.Subscribe(b.onChange)
}

func (b *Bridge) onChange(change conversation.Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// listeners run outside the store lock, so changes can arrive out of order
	if change.Version <= b.lastVersion {
		return
	}
	b.lastVersion = change.Version

	if len(change.Conversations) == 0 {
		return
	}

	if err := b.save(change.Conversations); err != nil {
		log.Warn().Err(err).Str("key", b.key).Uint64("version", change.Version).Msg("Could not save snapshot")
		b.sink.PersistFailed("save", err)
	}
}

func (b *Bridge) save(conversations []*conversation.Conversation) error {
	payload, err := EncodeSnapshot(conversations)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if b.saveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.saveTimeout)
		defer cancel()
	}
	return b.store.Save(ctx, b.key, payload)
}
