package persistence

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// FileStore keeps one JSON file per key in a directory. Writes go to a temporary
// file that is renamed over the target.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	closed bool
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file snapshot store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the file a key is stored in.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+".json")
}

func (s *FileStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}
	return s.loadLocked(key)
}

func (s *FileStore) Save(_ context.Context, key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.saveLocked(key, payload)
}

func (s *FileStore) Update(_ context.Context, key string, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	current, ok, err := s.loadLocked(key)
	if err != nil {
		return err
	}
	next, err := fn(current, ok)
	if err != nil {
		return err
	}
	return s.saveLocked(key, next)
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FileStore) loadLocked(key string) ([]byte, bool, error) {
	b, err := os.ReadFile(s.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "read snapshot %q", key)
	}
	return b, true, nil
}

func (s *FileStore) saveLocked(key string, payload []byte) error {
	// a unique temp file per write, so stores sharing a directory never
	// rename each other's half-written files
	tmp, err := os.CreateTemp(s.dir, url.PathEscape(key)+"-*.tmp")
	if err != nil {
		return errors.Wrapf(err, "create temp snapshot %q", key)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "write snapshot %q", key)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "chmod snapshot %q", key)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close snapshot %q", key)
	}
	if err := os.Rename(tmpPath, s.Path(key)); err != nil {
		return errors.Wrapf(err, "rename snapshot %q", key)
	}
	tmpPath = ""
	return nil
}

var _ SnapshotStore = &FileStore{}
var _ Updater = &FileStore{}
