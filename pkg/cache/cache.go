package cache

import (
	"context"
	"errors"
	"time"
)

var (
	ErrCacheMiss = errors.New("cache: key not found")
)

// Store is the key/value surface shared by blob consumers such as the model store.
type Store interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	GetBytes(ctx context.Context, key string) ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}
