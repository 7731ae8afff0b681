package cmds

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatsocket/pkg/persistence"
)

// Settings are the connection and storage settings shared by all commands.
// They are read from flags, CHATSOCKET_* environment variables and the config file.
type Settings struct {
	URL                string
	Cookie             string
	Store              string
	StorePath          string
	RedisURL           string
	RedisLock          bool
	SnapshotKey        string
	StaleStreamTimeout time.Duration
	UploadBaseURL      string
	MetricsAddr        string
	// Verbose routes the event router's own logs into the application log.
	Verbose bool
}

// AddSettingsFlags registers the persistent flags backing Settings.
func AddSettingsFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("url", "ws://localhost:8080/secure/chat/ws", "Chat socket URL")
	flags.String("cookie", "", "Cookie header sent when connecting")
	flags.String("store", "file", "Snapshot store (file, sqlite, bolt, redis, memory)")
	flags.String("store-path", "", "Directory (file) or database file (sqlite, bolt) for snapshots")
	flags.String("redis-url", "redis://localhost:6379/0", "Redis URL for the redis store")
	flags.Bool("redis-lock", false, "Serialize snapshot writes across processes with a redis lock")
	flags.String("snapshot-key", persistence.DefaultSnapshotKey, "Key conversations are persisted under")
	flags.Duration("stale-stream-timeout", 2*time.Minute, "Close assistant messages that stopped streaming (0 disables)")
	flags.String("upload-base-url", "", "Base URL of the upload target service, e.g. https://host/secure/chat")
	flags.String("metrics-addr", "", "Serve prometheus metrics on this address")
}

func LoadSettings() Settings {
	return Settings{
		URL:                viper.GetString("url"),
		Cookie:             viper.GetString("cookie"),
		Store:              viper.GetString("store"),
		StorePath:          viper.GetString("store-path"),
		RedisURL:           viper.GetString("redis-url"),
		RedisLock:          viper.GetBool("redis-lock"),
		SnapshotKey:        viper.GetString("snapshot-key"),
		StaleStreamTimeout: viper.GetDuration("stale-stream-timeout"),
		UploadBaseURL:      viper.GetString("upload-base-url"),
		MetricsAddr:        viper.GetString("metrics-addr"),
		Verbose:            viper.GetBool("verbose"),
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "chatsocket")
}

// OpenSnapshotStore opens the configured snapshot store. The caller closes it.
func (s Settings) OpenSnapshotStore(ctx context.Context) (persistence.SnapshotStore, error) {
	log.Debug().Str("store", s.Store).Str("path", s.StorePath).Msg("Opening snapshot store")

	switch s.Store {
	case "", "file":
		dir := s.StorePath
		if dir == "" {
			dir = filepath.Join(defaultDataDir(), "snapshots")
		}
		return persistence.NewFileStore(dir)

	case "sqlite":
		path := s.StorePath
		if path == "" {
			path = filepath.Join(defaultDataDir(), "chatsocket.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create sqlite directory")
		}
		dsn, err := persistence.SQLiteDSNForFile(path)
		if err != nil {
			return nil, err
		}
		return persistence.NewSQLiteStore(dsn)

	case "bolt":
		path := s.StorePath
		if path == "" {
			path = filepath.Join(defaultDataDir(), "chatsocket.bolt")
		}
		return persistence.NewBoltStore(path)

	case "redis":
		return persistence.NewRedisStore(ctx, s.RedisURL, persistence.WithRedisLock(s.RedisLock))

	case "memory":
		return persistence.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown store %q", s.Store)
	}
}
