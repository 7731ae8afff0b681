package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsocket/pkg/conversation"
	"github.com/go-go-golems/chatsocket/pkg/diagnostics"
	"github.com/go-go-golems/chatsocket/pkg/events"
	"github.com/go-go-golems/chatsocket/pkg/session"
	"github.com/go-go-golems/chatsocket/pkg/transport"
	"github.com/go-go-golems/chatsocket/pkg/upload"
)

func NewChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the backend, one message per input line",
		Long: `Reads messages from stdin, one per line, and prints the answers as they stream in.

Lines starting with a slash are commands:
  /attach PATH   attach a file to the next message
  /new           start a new conversation
  /quit          exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID, _ := cmd.Flags().GetString("thread")
			attach, _ := cmd.Flags().GetStringSlice("attach")
			replyTimeout, _ := cmd.Flags().GetDuration("reply-timeout")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runChat(ctx, LoadSettings(), chatOptions{
				threadID:     threadID,
				attach:       attach,
				replyTimeout: replyTimeout,
				in:           cmd.InOrStdin(),
				out:          cmd.OutOrStdout(),
			})
		},
	}
	cmd.Flags().String("thread", "", "Continue this conversation instead of starting a new one")
	cmd.Flags().StringSlice("attach", nil, "Files to attach to the first message")
	cmd.Flags().Duration("reply-timeout", time.Minute, "How long to wait for a pending answer once input ends")
	return cmd
}

type chatOptions struct {
	threadID     string
	attach       []string
	replyTimeout time.Duration
	in           io.Reader
	out          io.Writer
}

// sourceLinkTimeout bounds each download URL lookup for a cited source.
const sourceLinkTimeout = 10 * time.Second

// chatPrinter writes events of the active thread to out. The router only
// queues them; printing happens on run's goroutine so that looking up source
// links never holds up frame handling.
type chatPrinter struct {
	mu       sync.Mutex
	threadID string

	out     io.Writer
	uploads *upload.Client
	queue   chan events.Event
	ended   chan struct{}
	done    chan struct{}
}

func newChatPrinter(out io.Writer, uploads *upload.Client) *chatPrinter {
	return &chatPrinter{
		out:     out,
		uploads: uploads,
		queue:   make(chan events.Event, 256),
		ended:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (p *chatPrinter) setThread(threadID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threadID = threadID
}

func (p *chatPrinter) onEvent(ev events.Event) {
	p.mu.Lock()
	active := ev.ThreadID() == p.threadID
	p.mu.Unlock()
	if !active {
		return
	}
	select {
	case p.queue <- ev:
	case <-p.done:
	}
}

func (p *chatPrinter) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			p.print(ctx, ev)
		}
	}
}

func (p *chatPrinter) print(ctx context.Context, ev events.Event) {
	switch ev_ := ev.(type) {
	case *events.StreamEvent:
		if ev_.IsEnd() {
			_, _ = fmt.Fprintln(p.out)
			if ev_.Title != "" {
				log.Debug().Str("thread_id", ev_.ThreadID()).Str("title", ev_.Title).Msg("Conversation titled")
			}
			select {
			case p.ended <- struct{}{}:
			default:
			}
			return
		}
		_, _ = io.WriteString(p.out, ev_.Content)
	case *events.SourceEvent:
		links := p.sourceLinks(ctx, ev_.Sources)
		_, _ = fmt.Fprintln(p.out)
		writeSources(p.out, ev_.Sources, links)
	}
}

// sourceLinks resolves a download URL per source when an upload service is
// configured. Sources whose lookup fails get an empty link.
func (p *chatPrinter) sourceLinks(ctx context.Context, sources []events.SourceRef) []string {
	if !p.uploads.IsEnabled() || len(sources) == 0 {
		return nil
	}
	links := make([]string, len(sources))
	for i, src := range sources {
		reqCtx, cancel := context.WithTimeout(ctx, sourceLinkTimeout)
		u, err := p.uploads.DownloadURL(reqCtx, upload.SourceKey(src.Name()))
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("source", src.Name()).Msg("Could not resolve source link")
			continue
		}
		links[i] = u
	}
	return links
}

func runChat(ctx context.Context, settings Settings, opts chatOptions) error {
	snapshots, err := settings.OpenSnapshotStore(ctx)
	if err != nil {
		return err
	}

	connected := make(chan struct{})
	var connectedOnce sync.Once

	sinks := []diagnostics.Sink{diagnostics.NewLogSink(log.Logger)}
	var registry *prometheus.Registry
	if settings.MetricsAddr != "" {
		registry = prometheus.NewRegistry()
		sinks = append(sinks, diagnostics.NewPrometheusSink(registry))
	}

	out := &syncWriter{w: opts.out}
	uploads := upload.NewClient(settings.UploadBaseURL, upload.WithCookie(settings.Cookie))
	printer := newChatPrinter(out, uploads)

	s, err := session.New(session.Config{
		URL:                settings.URL,
		Cookie:             settings.Cookie,
		SnapshotKey:        settings.SnapshotKey,
		StaleStreamTimeout: settings.StaleStreamTimeout,
	},
		session.WithSnapshotStore(snapshots),
		session.WithDiagnostics(diagnostics.Multi(sinks...)),
		session.WithEventListener(printer.onEvent),
		session.WithRouterOptions(events.WithVerbose(settings.Verbose)),
		session.WithTransportOptions(transport.WithStateListener(func(_ transport.State, to transport.State) {
			if to == transport.StateOpen {
				connectedOnce.Do(func() { close(connected) })
			}
		})),
	)
	if err != nil {
		_ = snapshots.Close()
		return err
	}

	if registry != nil {
		srv := &http.Server{
			Addr:              settings.MetricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := serveUntilDone(ctx, srv); err != nil {
				log.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	go printer.run(ctx)
	defer func() {
		cancel()
		<-printer.done
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run(ctx)
	}()

	select {
	case <-connected:
	case err := <-runErr:
		if err == nil {
			err = errors.New("connection closed before it opened")
		}
		return err
	}

	threadID := opts.threadID
	if threadID == "" {
		threadID = s.NewThreadID()
	}
	printer.setThread(threadID)
	if c, ok := s.Store().Get(threadID); ok {
		writeTranscript(out, c)
	}
	_, _ = fmt.Fprintf(out, "Connected, conversation %s\n", threadID)

	pending, err := attachFiles(ctx, uploads, threadID, opts.attach, out)
	if err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(opts.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	awaitingReply := false
	for {
		select {
		case <-ctx.Done():
			return waitRun(runErr)
		case err := <-runErr:
			_, _ = fmt.Fprintln(out, "Disconnected")
			return err
		case <-printer.ended:
			awaitingReply = false
		case line, ok := <-lines:
			if !ok {
				if awaitingReply {
					waitForReply(ctx, printer.ended, opts.replyTimeout)
				}
				cancel()
				return waitRun(runErr)
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "/") {
				fields := strings.Fields(line)
				switch fields[0] {
				case "/quit":
					cancel()
					return waitRun(runErr)
				case "/new":
					threadID = s.NewThreadID()
					printer.setThread(threadID)
					pending = nil
					awaitingReply = false
					_, _ = fmt.Fprintf(out, "New conversation %s\n", threadID)
				case "/attach":
					files, err := attachFiles(ctx, uploads, threadID, fields[1:], out)
					if err != nil {
						_, _ = fmt.Fprintf(out, "Could not attach: %v\n", err)
						continue
					}
					pending = append(pending, files...)
				default:
					_, _ = fmt.Fprintf(out, "Unknown command %s\n", fields[0])
				}
				continue
			}

			if !s.Connected() {
				_, _ = fmt.Fprintln(out, "Not connected, message not sent")
				continue
			}
			if _, err := s.SendUserMessage(ctx, threadID, line, pending); err != nil {
				return err
			}
			pending = nil
			awaitingReply = true
		}
	}
}

func waitRun(runErr <-chan error) error {
	return <-runErr
}

func waitForReply(ctx context.Context, ended <-chan struct{}, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ended:
	case <-timer.C:
		log.Warn().Dur("timeout", timeout).Msg("Gave up waiting for the answer")
	case <-ctx.Done():
	}
}

// attachFiles describes paths and, when an upload service is configured, asks
// it where each file should go.
func attachFiles(ctx context.Context, uploads *upload.Client, threadID string, paths []string, out io.Writer) ([]conversation.FileDescriptor, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	files, err := upload.DescribeFiles(paths)
	if err != nil {
		return nil, err
	}
	for i, f := range files {
		_, _ = fmt.Fprintf(out, "Attached %s (%s, %d bytes)\n", f.Name, f.Type, f.Size)
		if !uploads.IsEnabled() {
			continue
		}
		target, err := uploads.RequestTarget(ctx, filepath.Base(paths[i]), f.Type, threadID)
		if err != nil {
			return nil, errors.Wrapf(err, "request upload target for %s", f.Name)
		}
		_, _ = fmt.Fprintf(out, "  upload to %s as %s\n", target.UploadURL, target.FilePath)
	}
	return files, nil
}
