package persistence

import (
	"context"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const defaultLockExpiry = 10 * time.Second

// RedisStore keeps snapshots in Redis strings. With locking enabled, writes from
// several processes sharing one key are serialized through a redsync mutex.
type RedisStore struct {
	client     redis.UniversalClient
	rs         *redsync.Redsync
	prefix     string
	lock       bool
	lockExpiry time.Duration
}

type RedisOption func(*RedisStore)

// WithRedisLock serializes writes to a key across processes.
func WithRedisLock(enabled bool) RedisOption {
	return func(s *RedisStore) {
		s.lock = enabled
	}
}

func WithRedisLockExpiry(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.lockExpiry = d
	}
}

// WithRedisKeyPrefix namespaces every key, e.g. per user.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore connects to redisURL, a redis:// URL or a comma separated list
// of URLs or host:port addresses (cluster).
func NewRedisStore(ctx context.Context, redisURL string, options ...RedisOption) (*RedisStore, error) {
	if redisURL == "" {
		return nil, errors.New("redis snapshot store: empty url")
	}

	opts, err := buildUniversalOptions(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	if len(opts.Addrs) > 1 && opts.DB != 0 {
		log.Warn().Msg("Ignoring non-zero DB when using Redis Cluster configuration")
		opts.DB = 0
	}

	client := redis.NewUniversalClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "connect to redis")
	}
	log.Debug().Strs("addrs", opts.Addrs).Msg("Connected to redis snapshot store")

	return NewRedisStoreFromClient(client, options...), nil
}

func NewRedisStoreFromClient(client redis.UniversalClient, options ...RedisOption) *RedisStore {
	ret := &RedisStore{
		client:     client,
		rs:         redsync.New(goredis.NewPool(client)),
		prefix:     "chatsocket:",
		lockExpiry: defaultLockExpiry,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "get %q", key)
	}
	return b, true, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, payload []byte) error {
	return s.withLock(ctx, key, func() error {
		return s.set(ctx, key, payload)
	})
}

func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	return s.withLock(ctx, key, func() error {
		current, ok, err := s.Load(ctx, key)
		if err != nil {
			return err
		}
		next, err := fn(current, ok)
		if err != nil {
			return err
		}
		return s.set(ctx, key, next)
	})
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) set(ctx context.Context, key string, payload []byte) error {
	if err := s.client.Set(ctx, s.redisKey(key), payload, 0).Err(); err != nil {
		return errors.Wrapf(err, "set %q", key)
	}
	return nil
}

func (s *RedisStore) withLock(ctx context.Context, key string, fn func() error) error {
	if !s.lock {
		return fn()
	}
	mutex := s.rs.NewMutex(s.redisKey("lock:"+key), redsync.WithExpiry(s.lockExpiry))
	if err := mutex.LockContext(ctx); err != nil {
		return errors.Wrapf(err, "lock %q", key)
	}
	defer func() {
		if _, err := mutex.UnlockContext(context.Background()); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Failed to unlock snapshot mutex")
		}
	}()
	return fn()
}

func buildUniversalOptions(raw string) (*redis.UniversalOptions, error) {
	parts := strings.Split(raw, ",")
	opts := &redis.UniversalOptions{}

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if !strings.Contains(part, "://") {
			opts.Addrs = append(opts.Addrs, part)
			continue
		}

		parsed, err := redis.ParseURL(part)
		if err != nil {
			return nil, err
		}
		opts.Addrs = append(opts.Addrs, parsed.Addr)
		if opts.Username == "" {
			opts.Username = parsed.Username
		}
		if opts.Password == "" {
			opts.Password = parsed.Password
		}
		if opts.DB == 0 {
			opts.DB = parsed.DB
		}
		if opts.TLSConfig == nil {
			opts.TLSConfig = parsed.TLSConfig
		}
		if opts.DialTimeout == 0 {
			opts.DialTimeout = parsed.DialTimeout
		}
		if opts.ReadTimeout == 0 {
			opts.ReadTimeout = parsed.ReadTimeout
		}
		if opts.WriteTimeout == 0 {
			opts.WriteTimeout = parsed.WriteTimeout
		}
	}

	if len(opts.Addrs) == 0 {
		return nil, errors.New("no redis addresses provided")
	}
	return opts, nil
}

var _ SnapshotStore = &RedisStore{}
var _ Updater = &RedisStore{}
