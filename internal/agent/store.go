package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/moby/sys/atomicwriter"
)

// ConfigStore: локальное хранилище конфига интерфейса.
type ConfigStore interface {
	// Current: текущее содержимое; "" если файла нет.
	Current() (string, error)
	// Replace атомарно заменяет содержимое. false: уже совпадало, записи не было.
	Replace(ctx context.Context, content string) (bool, error)
}

// FileStore пишет конфиг в файл (обычно /etc/wireguard/<if>.conf).
// Межпроцессное исключение: lock-файл рядом с конфигом.
type FileStore struct {
	Path       string
	RetryDelay time.Duration
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path, RetryDelay: 50 * time.Millisecond}
}

func (s *FileStore) LockPath() string { return s.Path + ".lock" }

func (s *FileStore) Current() (string, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *FileStore) Replace(ctx context.Context, content string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return false, err
	}

	lock := flock.New(s.LockPath())
	ok, err := lock.TryLockContext(ctx, s.RetryDelay)
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", s.LockPath(), err)
	}
	if !ok {
		return false, fmt.Errorf("lock %s: not acquired", s.LockPath())
	}
	defer func() { _ = lock.Unlock() }()

	cur, err := s.Current()
	if err != nil {
		return false, err
	}
	if cur == content {
		return false, nil
	}
	// temp-файл в том же каталоге, fsync, rename
	if err := atomicwriter.WriteFile(s.Path, []byte(content), 0o600); err != nil {
		return false, err
	}
	return true, nil
}
