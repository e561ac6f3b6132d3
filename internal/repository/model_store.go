package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	domrepo "MarketSentry/internal/domain/repository"
	"MarketSentry/pkg/cache"
	applogger "MarketSentry/pkg/logger"
)

var ErrModelNotFound = errors.New("no saved model")

// FileStore keeps the model document at a single path. Saves go through a
// temp file and rename so a crash never leaves a torn model behind.
type FileStore struct {
	path string
	l    *applogger.Logger
}

var _ domrepo.ModelStore = (*FileStore)(nil)

func NewFileStore(path string, l *applogger.Logger) *FileStore {
	if l == nil {
		l = applogger.NewNop()
	}
	return &FileStore{path: path, l: l}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Save(ctx context.Context, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("model dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("model temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return fmt.Errorf("write model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("install model: %w", err)
	}
	s.l.Debug("model written", applogger.String("path", s.path), applogger.Int("bytes", len(blob)))
	return nil
}

func (s *FileStore) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w at %s", ErrModelNotFound, s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	return b, nil
}

// RedisStore keeps the model document under one key with no expiry.
type RedisStore struct {
	store cache.Store
	key   string
}

var _ domrepo.ModelStore = (*RedisStore)(nil)

func NewRedisStore(store cache.Store, key string) *RedisStore {
	return &RedisStore{store: store, key: key}
}

func (s *RedisStore) Save(ctx context.Context, blob []byte) error {
	if err := s.store.Set(ctx, s.key, blob, 0); err != nil {
		return fmt.Errorf("redis save model: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) ([]byte, error) {
	b, err := s.store.GetBytes(ctx, s.key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, fmt.Errorf("%w under key %s", ErrModelNotFound, s.key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis load model: %w", err)
	}
	return b, nil
}
