package persistence

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var snapshotsBucket = []byte("chat_snapshots")

// BoltStore keeps snapshots in a bbolt file, one bucket entry per key. bbolt
// locks the file, so only one process can have it open at a time.
type BoltStore struct {
	mu     sync.Mutex
	db     *bolt.DB
	closed bool
}

func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("bolt snapshot store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create bolt directory")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create bucket")
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}

	var ret []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		ret = getSnapshot(tx, key)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return ret, ret != nil, nil
}

func (s *BoltStore) Save(_ context.Context, key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put([]byte(key), payload)
	})
}

func (s *BoltStore) Update(_ context.Context, key string, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		current := getSnapshot(tx, key)
		next, err := fn(current, current != nil)
		if err != nil {
			return err
		}
		return tx.Bucket(snapshotsBucket).Put([]byte(key), next)
	})
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// getSnapshot copies the value out, bolt values are only valid inside the transaction.
func getSnapshot(tx *bolt.Tx, key string) []byte {
	v := tx.Bucket(snapshotsBucket).Get([]byte(key))
	if v == nil {
		return nil
	}
	ret := make([]byte, len(v))
	copy(ret, v)
	return ret
}

var _ SnapshotStore = &BoltStore{}
var _ Updater = &BoltStore{}
