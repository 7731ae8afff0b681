package cmds

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsocket/pkg/conversation"
	"github.com/go-go-golems/chatsocket/pkg/diagnostics"
	"github.com/go-go-golems/chatsocket/pkg/events"
)

// maxFrameLine bounds a single recorded frame.
const maxFrameLine = 4 * 1024 * 1024

func NewReplayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Apply recorded frames (one per line) and print the resulting conversations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")

			var r io.Reader
			if args[0] == "-" {
				r = cmd.InOrStdin()
			} else {
				f, err := os.Open(args[0])
				if err != nil {
					return errors.Wrap(err, "open frames")
				}
				defer f.Close()
				r = f
			}

			store := conversation.NewStore()
			stats, err := replayFrames(r, store, diagnostics.NewLogSink(log.Logger))
			if err != nil {
				return err
			}
			log.Info().Int("applied", stats.applied).Int("dropped", stats.dropped).Msg("Replayed frames")

			convs := store.Conversations()
			if output == "text" {
				for _, c := range convs {
					writeTranscript(cmd.OutOrStdout(), c)
				}
				return nil
			}
			return writeStructured(cmd.OutOrStdout(), output, convs)
		},
	}
	cmd.Flags().StringP("output", "o", "text", "Output format (text, json, yaml)")
	return cmd
}

type replayStats struct {
	applied int
	dropped int
}

func replayFrames(r io.Reader, store *conversation.Store, sink diagnostics.Sink) (replayStats, error) {
	var stats replayStats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameLine)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		ev, err := events.DecodeFrame(raw)
		if err != nil {
			stats.dropped++
			sink.FrameDropped(events.DropReason(err), raw, err)
			continue
		}
		handled, err := store.ApplyEvent(ev)
		if err != nil {
			return stats, err
		}
		if !handled {
			stats.dropped++
			sink.FrameDropped("unknown_type", raw, nil)
			continue
		}
		stats.applied++
		sink.FrameApplied(string(ev.Type()), ev.ThreadID())
	}
	return stats, errors.Wrap(scanner.Err(), "read frames")
}
