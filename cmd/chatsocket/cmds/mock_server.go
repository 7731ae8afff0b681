package cmds

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsocket/pkg/mockbackend"
)

func NewMockServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run a development backend that echoes user messages as streamed answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			chunkSize, _ := cmd.Flags().GetInt("chunk-size")
			chunkDelay, _ := cmd.Flags().GetDuration("chunk-delay")
			sessionCookie, _ := cmd.Flags().GetString("session-cookie")

			options := []mockbackend.Option{
				mockbackend.WithChunkSize(chunkSize),
				mockbackend.WithChunkDelay(chunkDelay),
			}
			if sessionCookie != "" {
				options = append(options, mockbackend.WithSessionCookie(sessionCookie))
			}
			backend := mockbackend.New(options...)
			defer backend.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{
				Addr:              addr,
				Handler:           backend.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			return serveUntilDone(ctx, srv)
		},
	}
	cmd.Flags().String("addr", ":8080", "Listen address")
	cmd.Flags().Int("chunk-size", mockbackend.DefaultChunkSize, "Characters per stream chunk")
	cmd.Flags().Duration("chunk-delay", 50*time.Millisecond, "Pause between stream chunks")
	cmd.Flags().String("session-cookie", "", "Close sockets whose upgrade request lacks this cookie")
	return cmd
}

// serveUntilDone runs srv until ctx is cancelled, then shuts it down.
func serveUntilDone(ctx context.Context, srv *http.Server) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
