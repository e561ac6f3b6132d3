package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/domain/repository"
	"MarketSentry/pkg/cache"
	"MarketSentry/pkg/logger"
)

// RedisSource reads a cache that keeps one sorted set per symbol at
// <prefix>md:<SYMBOL>, scored by unix millis with JSON members.
type RedisSource struct {
	base

	clientMu sync.RWMutex
	client   *cache.RedisCache
	every    time.Duration
}

var _ repository.SourceAdapter = (*RedisSource)(nil)

func NewRedisSource(cfg models.DataSourceConfig, l *logger.Logger) *RedisSource {
	return &RedisSource{
		base:  newBase(cfg, l),
		every: connDuration(cfg.Connection, "poll_interval", time.Second),
	}
}

func (s *RedisSource) Connect(ctx context.Context) error {
	conn := s.cfg.Connection
	client, err := cache.NewRedisCache(ctx,
		cache.WithRedisHost(connString(conn, "host", "localhost")),
		cache.WithRedisPort(connInt(conn, "port", 6379)),
		cache.WithRedisPassword(connString(conn, "password", "")),
		cache.WithRedisDB(connInt(conn, "db", 0)),
		cache.WithRedisPrefix(connString(conn, "prefix", "")),
		cache.WithRedisDialTimeout(connDuration(conn, "timeout", 5*time.Second)),
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", s.cfg.Name, err)
	}
	s.clientMu.Lock()
	s.client = client
	s.clientMu.Unlock()
	s.connected.Store(true)
	s.l.Info("redis source connected")
	return nil
}

func (s *RedisSource) Disconnect(context.Context) error {
	s.connected.Store(false)
	s.clientMu.Lock()
	client := s.client
	s.client = nil
	s.clientMu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

func (s *RedisSource) store() *cache.RedisCache {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	return s.client
}

func (s *RedisSource) TestConnection(ctx context.Context) bool {
	c := s.store()
	if c == nil || !s.IsConnected() {
		return false
	}
	return c.Ping(ctx) == nil
}

func (s *RedisSource) Heartbeat(ctx context.Context) bool {
	return s.beat(ctx, s.TestConnection)
}

func symbolKey(symbol string) string { return "md:" + symbol }

func (s *RedisSource) LatestData(ctx context.Context, symbols []string, limit int) ([]*models.MarketDataPoint, error) {
	c := s.store()
	if c == nil || !s.IsConnected() {
		s.disconnected("latest")
		return []*models.MarketDataPoint{}, nil
	}
	symbols = s.symbolsOrDefault(symbols)
	if limit <= 0 {
		limit = 1
	}

	var out []*models.MarketDataPoint
	for _, sym := range symbols {
		members, err := c.Recent(ctx, symbolKey(sym), limit)
		if err != nil {
			return nil, fmt.Errorf("latest %s: %w", sym, err)
		}
		out = append(out, s.decode(sym, members)...)
	}
	sortByTime(out)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// HistoricalData filters the latest window; the cache holds no deep history.
func (s *RedisSource) HistoricalData(ctx context.Context, symbols []string, start, end time.Time, limit int) ([]*models.MarketDataPoint, error) {
	s.degraded()
	if limit <= 0 {
		limit = 1000
	}
	pts, err := s.LatestData(ctx, symbols, limit)
	if err != nil {
		return nil, err
	}
	return window(pts, start, end, limit), nil
}

func (s *RedisSource) Stream(ctx context.Context, symbols []string) (<-chan *models.MarketDataPoint, error) {
	symbols = s.symbolsOrDefault(symbols)
	return s.poll(ctx, symbols, s.every, time.Now(), s.since)
}

func (s *RedisSource) since(ctx context.Context, symbols []string, after time.Time) ([]*models.MarketDataPoint, error) {
	c := s.store()
	if c == nil {
		return nil, ErrNotConnected
	}
	var out []*models.MarketDataPoint
	for _, sym := range symbols {
		members, err := c.Between(ctx, symbolKey(sym), after.Add(time.Millisecond), time.Now(), streamBuffer)
		if err != nil {
			return nil, err
		}
		out = append(out, s.decode(sym, members)...)
	}
	return out, nil
}

func (s *RedisSource) decode(symbol string, members []string) []*models.MarketDataPoint {
	out := make([]*models.MarketDataPoint, 0, len(members))
	for _, m := range members {
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(m), &raw); err != nil {
			s.l.Debug("skipping undecodable member", logger.String("symbol", symbol), logger.Error(err))
			continue
		}
		if p, ok := decodeRecord(raw, models.SourceRedis, s.cfg.Name, symbol); ok {
			out = append(out, p)
		}
	}
	return out
}
