package diagnostics

import (
	"github.com/rs/zerolog"
)

// maxLoggedFrame bounds how much of a dropped frame ends up in the log.
const maxLoggedFrame = 256

// LogSink writes diagnostics to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "chatsocket").Logger()}
}

func (l *LogSink) FrameDropped(reason string, raw []byte, err error) {
	frame := raw
	if len(frame) > maxLoggedFrame {
		frame = frame[:maxLoggedFrame]
	}
	l.logger.Warn().
		Err(err).
		Str("reason", reason).
		Int("size", len(raw)).
		Bytes("frame", frame).
		Msg("Dropped inbound frame")
}

func (l *LogSink) FrameApplied(eventType string, threadID string) {
	l.logger.Trace().Str("type", eventType).Str("thread_id", threadID).Msg("Applied frame")
}

func (l *LogSink) SendDropped(payload string, err error) {
	l.logger.Warn().Err(err).Int("size", len(payload)).Msg("Dropped outbound frame")
}

func (l *LogSink) StateChanged(from string, to string) {
	l.logger.Debug().Str("from", from).Str("to", to).Msg("Connection state changed")
}

func (l *LogSink) PersistFailed(op string, err error) {
	l.logger.Error().Err(err).Str("op", op).Msg("Snapshot persistence failed")
}

var _ Sink = &LogSink{}
