package conversation

import (
	"sync"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsocket/pkg/events"
)

// Change is handed to listeners after a mutation modified the store.
type Change struct {
	Version  uint64
	Mutation string
	// ThreadIDs lists the conversations touched by the mutation.
	ThreadIDs []string
	// Conversations is a deep copy of the whole store, in insertion order.
	Conversations []*Conversation
}

type Listener func(Change)

type listenerEntry struct {
	id int
	l  Listener
}

// Store owns all conversations. Every modification goes through Apply, which
// serializes mutations and notifies listeners once the lock is released.
type Store struct {
	mu      sync.Mutex
	state   *State
	version uint64

	listenersMu sync.RWMutex
	listeners   []listenerEntry
	nextID      int
}

type StoreOption func(*storeConfig)

type storeConfig struct {
	now   func() time.Time
	newID func() string
}

func WithClock(now func() time.Time) StoreOption {
	return func(c *storeConfig) {
		c.now = now
	}
}

func WithMessageIDs(newID func() string) StoreOption {
	return func(c *storeConfig) {
		c.newID = newID
	}
}

func NewStore(options ...StoreOption) *Store {
	cfg := &storeConfig{
		now:   time.Now,
		newID: defaultMessageID,
	}
	for _, o := range options {
		o(cfg)
	}
	return &Store{
		state: newState(cfg.now, cfg.newID),
	}
}

// Apply runs m under the store lock. Listeners are called after the lock is
// released, and only if m changed something.
func (s *Store) Apply(m Mutation) error {
	if m == nil {
		return nil
	}

	s.mu.Lock()
	s.state.changed = nil
	if err := m.Apply(s.state); err != nil {
		s.state.changed = nil
		s.mu.Unlock()
		return errors.Wrapf(err, "apply %s", m.Name())
	}
	if len(s.state.changed) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.version++
	change := Change{
		Version:       s.version,
		Mutation:      m.Name(),
		ThreadIDs:     uniqueIDs(s.state.changed),
		Conversations: s.snapshotLocked(),
	}
	s.state.changed = nil
	s.mu.Unlock()

	log.Trace().
		Uint64("version", change.Version).
		Str("mutation", change.Mutation).
		Strs("threads", change.ThreadIDs).
		Msg("Store changed")

	s.notify(change)
	return nil
}

// ApplyEvent reduces ev and applies the resulting mutation. It reports whether
// the event was one the store reacts to.
func (s *Store) ApplyEvent(ev events.Event) (bool, error) {
	m := Reduce(ev)
	if m == nil {
		return false, nil
	}
	return true, s.Apply(m)
}

// AppendUserMessage appends a user message to threadID and returns a copy of it.
func (s *Store) AppendUserMessage(threadID string, content string, files []FileDescriptor) (Message, error) {
	m := &appendUserMessageMutation{threadID: threadID, content: content, files: files}
	if err := s.Apply(m); err != nil {
		return Message{}, err
	}
	if m.result == nil {
		return Message{}, errors.New("user message was not appended")
	}
	return *clone.Clone(m.result).(*Message), nil
}

// Get returns a deep copy of a conversation.
func (s *Store) Get(threadID string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.Get(threadID)
	if !ok {
		return nil, false
	}
	return clone.Clone(c).(*Conversation), true
}

// Conversations returns a deep copy of every conversation, in insertion order.
func (s *Store) Conversations() []*Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.order)
}

func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Store) CheckInvariants() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CheckInvariants()
}

// Subscribe registers l for change notifications. The returned function removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listenerEntry{id: id, l: l})
	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		for i, e := range s.listeners {
			if e.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notify(change Change) {
	s.listenersMu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, e := range s.listeners {
		listeners = append(listeners, e.l)
	}
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l(change)
	}
}

func (s *Store) snapshotLocked() []*Conversation {
	ret := make([]*Conversation, 0, len(s.state.order))
	for _, id := range s.state.order {
		ret = append(ret, clone.Clone(s.state.conversations[id]).(*Conversation))
	}
	return ret
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	ret := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ret = append(ret, id)
	}
	return ret
}
