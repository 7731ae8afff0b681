// Package mockbackend is a development backend speaking the chat socket protocol:
// answers are streamed as double-encoded stream frames in small chunks, followed
// by a source frame when there are sources, and the end-of-stream frame.
package mockbackend

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsocket/pkg/events"
)

const (
	DefaultChunkSize = 10
	// ChatPath is the prefix all chat routes are mounted under.
	ChatPath = "/secure/chat"

	writeWait = 10 * time.Second
)

// closePolicyViolation is sent to clients without a session cookie.
const closePolicyViolation = websocket.ClosePolicyViolation

type Server struct {
	responder     Responder
	chunkSize     int
	chunkDelay    time.Duration
	sessionCookie string
	registry      *prometheus.Registry
	metrics       *serverMetrics

	upgrader websocket.Upgrader

	mu     sync.Mutex
	closed bool
	conns  map[*client]struct{}
	rooms  map[string]map[*client]struct{}
	wg     sync.WaitGroup
}

type client struct {
	ws *websocket.Conn
	// per-connection write lock
	mu sync.Mutex
}

func (c *client) writeText(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *client) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = c.ws.Close()
}

type serverMetrics struct {
	connections      prometheus.Gauge
	messagesReceived prometheus.Counter
	framesSent       *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)
	return &serverMetrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mockbackend_connections_active",
			Help: "Number of open chat socket connections",
		}),
		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "mockbackend_messages_received_total",
			Help: "Total number of user frames received",
		}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mockbackend_frames_sent_total",
			Help: "Total number of frames sent to clients",
		}, []string{"type"}),
	}
}

type Option func(*Server)

func WithResponder(r Responder) Option {
	return func(s *Server) {
		s.responder = r
	}
}

func WithChunkSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithChunkDelay pauses between stream chunks.
func WithChunkDelay(d time.Duration) Option {
	return func(s *Server) {
		s.chunkDelay = d
	}
}

// WithSessionCookie makes the socket close with a policy violation when a message
// arrives on a connection whose handshake carried no cookie of that name.
func WithSessionCookie(name string) Option {
	return func(s *Server) {
		s.sessionCookie = name
	}
}

// WithRegistry registers the server metrics with reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

func New(options ...Option) *Server {
	ret := &Server{
		responder: EchoResponder{},
		chunkSize: DefaultChunkSize,
		conns:     map[*client]struct{}{},
		rooms:     map[string]map[*client]struct{}{},
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
	}
	for _, o := range options {
		o(ret)
	}
	if ret.registry == nil {
		ret.registry = prometheus.NewRegistry()
	}
	ret.metrics = newServerMetrics(ret.registry)
	return ret
}

// Handler builds the HTTP router: the chat socket, the pre-signed URL endpoints
// and /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Route(ChatPath, func(r chi.Router) {
		r.Get("/ws", s.handleWS)
		r.Get("/get-presigned-url-for-upload", s.handleUploadURL)
		r.Get("/get-presigned-url", s.handleDownloadURL)
	})
	return r
}

// Close disconnects every client and waits for their handlers to return.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*client, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutdown")
	}
	s.wg.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Upgrade failed")
		return
	}
	c := &client{ws: ws}

	authenticated := true
	if s.sessionCookie != "" {
		_, err := r.Cookie(s.sessionCookie)
		authenticated = err == nil
	}

	// the connection is counted before it becomes visible to Close
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close(websocket.CloseGoingAway, "server shutdown")
		return
	}
	s.wg.Add(1)
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.connections.Inc()

	defer func() {
		s.disconnect(c)
		s.metrics.connections.Dec()
		_ = ws.Close()
		s.wg.Done()
	}()

	ctx := r.Context()
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("Client read failed")
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if !authenticated {
			c.close(closePolicyViolation, "no session")
			return
		}
		s.metrics.messagesReceived.Inc()

		frame, err := events.DecodeUserFrame(data)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping malformed user frame")
			continue
		}
		s.joinRoom(frame.ThreadID, c)

		if err := s.answer(ctx, frame); err != nil {
			log.Warn().Err(err).Str("thread_id", frame.ThreadID).Msg("Could not answer")
		}
	}
}

func (s *Server) answer(ctx context.Context, frame events.UserFrame) error {
	ans, err := s.responder.Respond(ctx, frame)
	if err != nil {
		return errors.Wrap(err, "respond")
	}

	for i, chunk := range Chunks(ans.Text, s.chunkSize) {
		if i > 0 && s.chunkDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.chunkDelay):
			}
		}
		if err := s.sendToRoom(frame.ThreadID, events.NewStreamEvent(frame.ThreadID, chunk, ans.Title), true); err != nil {
			return err
		}
	}

	if len(ans.Sources) > 0 {
		if err := s.sendToRoom(frame.ThreadID, events.NewSourceEvent(frame.ThreadID, ans.Sources), false); err != nil {
			return err
		}
	}

	end := events.NewEndEvent(frame.ThreadID, ans.Title)
	end.Summary = ans.Summary
	return s.sendToRoom(frame.ThreadID, end, true)
}

// sendToRoom writes ev to every connection that sent a message for threadID.
func (s *Server) sendToRoom(threadID string, ev events.Event, doubleEncode bool) error {
	payload, err := events.EncodeFrame(ev, doubleEncode)
	if err != nil {
		return err
	}

	s.mu.Lock()
	members := make([]*client, 0, len(s.rooms[threadID]))
	for c := range s.rooms[threadID] {
		members = append(members, c)
	}
	s.mu.Unlock()

	for _, c := range members {
		if err := c.writeText(payload); err != nil {
			log.Debug().Err(err).Str("thread_id", threadID).Msg("Write to room member failed")
			continue
		}
		s.metrics.framesSent.WithLabelValues(string(ev.Type())).Inc()
	}
	return nil
}

func (s *Server) joinRoom(threadID string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[threadID]
	if !ok {
		room = map[*client]struct{}{}
		s.rooms[threadID] = room
	}
	room[c] = struct{}{}
}

func (s *Server) disconnect(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	for id, room := range s.rooms {
		delete(room, c)
		if len(room) == 0 {
			delete(s.rooms, id)
		}
	}
}

func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filename := q.Get("filename")
	conversationID := q.Get("conversation_id")
	if filename == "" || conversationID == "" {
		http.Error(w, "filename and conversation_id are required", http.StatusBadRequest)
		return
	}
	filePath := conversationID + "/" + filename
	writeJSON(w, map[string]string{
		"uploadURL": "http://" + r.Host + "/uploads/" + url.PathEscape(conversationID) + "/" + url.PathEscape(filename),
		"file_path": filePath,
	})
}

func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		http.Error(w, "filename is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{
		"url": "http://" + r.Host + "/files/" + url.PathEscape(filename),
	})
}
