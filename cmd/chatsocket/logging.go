package main

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

type loggingSettings struct {
	Level      string
	Format     string
	File       string
	WithCaller bool
	// rotation of File
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func addLoggingFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")
	flags.String("log-file", "", "Also write logs to this file, rotated")
	flags.Int("log-max-size", 10, "Rotate the log file after this many megabytes")
	flags.Int("log-max-backups", 3, "Rotated log files to keep")
	flags.Int("log-max-age", 28, "Days to keep rotated log files")
	flags.Bool("with-caller", false, "Log caller")
	flags.Bool("verbose", false, "Shorthand for --log-level debug, also logs event router internals")
}

func loggingSettingsFromViper() loggingSettings {
	level := viper.GetString("log-level")
	if viper.GetBool("verbose") && level != "trace" {
		level = "debug"
	}
	return loggingSettings{
		Level:      level,
		Format:     viper.GetString("log-format"),
		File:       viper.GetString("log-file"),
		WithCaller: viper.GetBool("with-caller"),
		MaxSizeMB:  viper.GetInt("log-max-size"),
		MaxBackups: viper.GetInt("log-max-backups"),
		MaxAgeDays: viper.GetInt("log-max-age"),
	}
}

// initLogger replaces the global zerolog logger. Logs go to stderr so stdout
// stays free for chat output.
func initLogger(s loggingSettings) error {
	level, err := zerolog.ParseLevel(s.Level)
	if err != nil {
		return errors.Wrapf(err, "log level %q", s.Level)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	switch s.Format {
	case "text", "":
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	case "json":
	default:
		return errors.Errorf("unknown log format %q", s.Format)
	}

	if s.File != "" {
		w = io.MultiWriter(w, zerolog.ConsoleWriter{
			NoColor: true,
			Out: &lumberjack.Logger{
				Filename:   s.File,
				MaxSize:    s.MaxSizeMB,
				MaxBackups: s.MaxBackups,
				MaxAge:     s.MaxAgeDays,
			},
		})
	}

	ctx := zerolog.New(w).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	zerolog.SetGlobalLevel(level)
	return nil
}
