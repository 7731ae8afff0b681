// Package session owns one chat session: the transport channel, the event router
// feeding the conversation store, the persistence bridge and the stale stream
// watchdog. Everything is torn down when Run returns.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsocket/pkg/conversation"
	"github.com/go-go-golems/chatsocket/pkg/diagnostics"
	"github.com/go-go-golems/chatsocket/pkg/events"
	"github.com/go-go-golems/chatsocket/pkg/persistence"
	"github.com/go-go-golems/chatsocket/pkg/transport"
)

// Config holds the connection and persistence settings of a session.
type Config struct {
	URL          string
	Cookie       string
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// SnapshotKey is the key conversations are persisted under.
	SnapshotKey string
	// StaleStreamTimeout closes streaming messages that received no chunk for
	// this long. Zero disables the watchdog.
	StaleStreamTimeout time.Duration
	// WatchdogInterval is how often stale streams are checked. Defaults to a
	// quarter of StaleStreamTimeout.
	WatchdogInterval time.Duration
}

// EventListener is called for every event applied to the store, after the store
// was updated. It runs on the router goroutine and must not block.
type EventListener func(ev events.Event)

type Session struct {
	cfg       Config
	store     *conversation.Store
	snapshots persistence.SnapshotStore
	bridge    *persistence.Bridge
	channel   *transport.Channel
	router    *events.EventRouter
	sink      diagnostics.Sink
	now       func() time.Time

	listenersMu sync.RWMutex
	listeners   []EventListener

	transportOptions []transport.Option
	routerOptions    []events.EventRouterOption

	runOnce sync.Once
}

type Option func(*Session)

func WithStore(store *conversation.Store) Option {
	return func(s *Session) {
		s.store = store
	}
}

// WithSnapshotStore enables persistence. The session closes the store when Run returns.
func WithSnapshotStore(store persistence.SnapshotStore) Option {
	return func(s *Session) {
		s.snapshots = store
	}
}

func WithDiagnostics(sink diagnostics.Sink) Option {
	return func(s *Session) {
		s.sink = diagnostics.OrNop(sink)
	}
}

func WithEventListener(l EventListener) Option {
	return func(s *Session) {
		s.listeners = append(s.listeners, l)
	}
}

func WithTransportOptions(options ...transport.Option) Option {
	return func(s *Session) {
		s.transportOptions = append(s.transportOptions, options...)
	}
}

func WithRouterOptions(options ...events.EventRouterOption) Option {
	return func(s *Session) {
		s.routerOptions = append(s.routerOptions, options...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

func New(cfg Config, options ...Option) (*Session, error) {
	if cfg.URL == "" {
		return nil, errors.New("session: empty url")
	}
	if cfg.SnapshotKey == "" {
		cfg.SnapshotKey = persistence.DefaultSnapshotKey
	}

	ret := &Session{
		cfg:  cfg,
		sink: diagnostics.Nop,
		now:  time.Now,
	}
	for _, o := range options {
		o(ret)
	}
	if ret.store == nil {
		ret.store = conversation.NewStore(conversation.WithClock(ret.now))
	}

	router, err := events.NewEventRouter(ret.routerOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "create event router")
	}
	ret.router = router

	transportOptions := []transport.Option{
		transport.WithCookie(cfg.Cookie),
		transport.WithDiagnostics(ret.sink),
		transport.WithFrameHandler(ret.publishFrame),
	}
	if cfg.DialTimeout > 0 {
		transportOptions = append(transportOptions, transport.WithDialTimeout(cfg.DialTimeout))
	}
	if cfg.WriteTimeout > 0 {
		transportOptions = append(transportOptions, transport.WithWriteTimeout(cfg.WriteTimeout))
	}
	ret.channel = transport.New(cfg.URL, append(transportOptions, ret.transportOptions...)...)

	if ret.snapshots != nil {
		ret.bridge = persistence.NewBridge(ret.snapshots,
			persistence.WithKey(cfg.SnapshotKey),
			persistence.WithDiagnostics(ret.sink),
		)
	}

	ret.router.AddHandler("conversation-reducer", events.TopicFrames, ret.handleFrame)

	return ret, nil
}

// Store returns the conversation store fed by this session.
func (s *Session) Store() *conversation.Store {
	return s.store
}

// Connected reports whether the socket is open. Callers gate user input on it.
func (s *Session) Connected() bool {
	return s.channel.IsConnected()
}

func (s *Session) ConnectionState() transport.State {
	return s.channel.State()
}

// NewThreadID returns an id for a new conversation.
func (s *Session) NewThreadID() string {
	return conversation.NewThreadID(s.now())
}

// Run restores persisted conversations, connects and applies inbound frames until
// ctx is cancelled or the connection closes. It can only be called once.
func (s *Session) Run(ctx context.Context) error {
	ran := false
	var err error
	s.runOnce.Do(func() {
		ran = true
		err = s.run(ctx)
	})
	if !ran {
		return errors.New("session already ran")
	}
	return err
}

func (s *Session) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if s.bridge != nil {
		s.bridge.Restore(ctx, s.store)
		stop := s.bridge.Watch(s.store)
		defer stop()
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		err := s.router.Run(ctx)
		if err != nil {
			return errors.Wrap(err, "event router")
		}
		return nil
	})

	eg.Go(func() error {
		select {
		case <-s.router.Running():
		case <-ctx.Done():
			return nil
		}
		if err := s.channel.Connect(ctx); err != nil {
			if parent.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "connect")
		}
		if s.cfg.StaleStreamTimeout > 0 {
			s.watchStaleStreams(ctx)
		}
		return nil
	})

	eg.Go(func() error {
		select {
		case <-ctx.Done():
		case <-s.channel.Done():
			log.Debug().Msg("Connection closed, stopping session")
			cancel()
		}
		return nil
	})

	err := eg.Wait()
	s.teardown()
	return err
}

func (s *Session) watchStaleStreams(ctx context.Context) {
	interval := s.cfg.WatchdogInterval
	if interval <= 0 {
		interval = s.cfg.StaleStreamTimeout / 4
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.Apply(conversation.MutateExpireStaleStreams(s.cfg.StaleStreamTimeout)); err != nil {
				log.Warn().Err(err).Msg("Could not expire stale streams")
			}
		}
	}
}

func (s *Session) teardown() {
	if err := s.channel.Close(); err != nil {
		log.Debug().Err(err).Msg("Closing channel")
	}
	if err := s.router.Close(); err != nil {
		log.Debug().Err(err).Msg("Closing router")
	}
	if s.snapshots != nil {
		if err := s.snapshots.Close(); err != nil {
			log.Debug().Err(err).Msg("Closing snapshot store")
		}
	}
}

// publishFrame runs on the transport read goroutine and blocks until the frame
// has been handled, which keeps frames in arrival order.
func (s *Session) publishFrame(raw []byte) {
	if err := s.router.Publish(events.TopicFrames, raw); err != nil {
		s.sink.FrameDropped("router", raw, err)
	}
}

// handleFrame always acks, a nacked frame would be redelivered.
func (s *Session) handleFrame(msg *message.Message) error {
	ev, err := events.DecodeFrame(msg.Payload)
	if err != nil {
		s.sink.FrameDropped(events.DropReason(err), msg.Payload, err)
		return nil
	}

	handled, err := s.store.ApplyEvent(ev)
	if err != nil {
		s.sink.FrameDropped("apply", msg.Payload, err)
		return nil
	}
	if !handled {
		s.sink.FrameDropped("unknown_type", msg.Payload, errors.Errorf("unhandled frame type %q", ev.Type()))
		return nil
	}
	s.sink.FrameApplied(string(ev.Type()), ev.ThreadID())

	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
	return nil
}

// AddEventListener registers l for applied events.
func (s *Session) AddEventListener(l EventListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners[:len(s.listeners):len(s.listeners)], l)
}

// SendUserMessage appends a user message to threadID and sends it to the backend.
// The message stays in the store even if it could not be sent; a closed
// connection drops the frame without an error.
func (s *Session) SendUserMessage(ctx context.Context, threadID string, content string, files []conversation.FileDescriptor) (conversation.Message, error) {
	if threadID == "" {
		return conversation.Message{}, errors.New("thread id is empty")
	}

	msg, err := s.store.AppendUserMessage(threadID, content, files)
	if err != nil {
		return conversation.Message{}, err
	}

	isFileUploaded := false
	if c, ok := s.store.Get(threadID); ok {
		isFileUploaded = c.HasFiles()
	}

	payload, err := events.EncodeUserFrame(events.UserFrame{
		ThreadID:       threadID,
		ID:             msg.ID,
		Content:        content,
		Role:           string(conversation.RoleUser),
		Timestamp:      msg.Timestamp,
		IsFileUploaded: isFileUploaded,
	})
	if err != nil {
		return msg, err
	}

	if err := s.channel.Send(ctx, payload); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			log.Debug().Str("thread_id", threadID).Msg("Not connected, user message not sent")
		} else {
			log.Warn().Err(err).Str("thread_id", threadID).Msg("Could not send user message")
		}
	}
	return msg, nil
}
