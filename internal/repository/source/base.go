// Package source holds the SourceAdapter implementations, one per store family.
package source

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"MarketSentry/internal/domain/models"
	"MarketSentry/pkg/logger"
)

var (
	ErrUnsupportedSourceType = errors.New("unsupported source type")
	ErrNotConnected          = errors.New("adapter is not connected")
)

// streamBuffer bounds every Stream channel.
const streamBuffer = 256

// base is embedded by every adapter for the bookkeeping the contract
// requires: connected flag, heartbeat record and the degraded-history warning.
type base struct {
	cfg models.DataSourceConfig
	l   *logger.Logger

	connected atomic.Bool

	mu       sync.RWMutex
	lastBeat time.Time
	lastOK   bool

	degradeOnce sync.Once
}

func newBase(cfg models.DataSourceConfig, l *logger.Logger) base {
	if l == nil {
		l = logger.NewNop()
	}
	return base{
		cfg: cfg,
		l:   l.With(logger.String("source", cfg.Name), logger.String("type", string(cfg.Type))),
	}
}

func (b *base) Name() string                    { return b.cfg.Name }
func (b *base) Type() models.SourceType         { return b.cfg.Type }
func (b *base) Config() models.DataSourceConfig { return b.cfg }
func (b *base) IsConnected() bool               { return b.connected.Load() }

func (b *base) LastHeartbeat() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastBeat
}

// LastHeartbeatOK reports the outcome of the most recent heartbeat.
func (b *base) LastHeartbeatOK() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastOK
}

func (b *base) SupportedSymbols() []string {
	return append([]string(nil), b.cfg.ExpectedSymbols...)
}

// beat runs probe and records when and how it finished.
func (b *base) beat(ctx context.Context, probe func(context.Context) bool) bool {
	ok := probe(ctx)
	b.mu.Lock()
	b.lastBeat = time.Now()
	b.lastOK = ok
	b.mu.Unlock()
	if !ok {
		b.l.Warn("heartbeat failed")
	}
	return ok
}

// disconnected logs the read attempt on a closed adapter.
func (b *base) disconnected(op string) {
	b.l.Debug("read on disconnected adapter", logger.String("op", op))
}

// degraded warns once per adapter that history is served from the latest window.
func (b *base) degraded() {
	b.degradeOnce.Do(func() {
		b.l.Warn("historical queries are served from the latest window only")
	})
}

func (b *base) symbolsOrDefault(symbols []string) []string {
	if len(symbols) > 0 {
		return symbols
	}
	return b.SupportedSymbols()
}

// fetchFunc returns points strictly after the watermark.
type fetchFunc func(ctx context.Context, symbols []string, after time.Time) ([]*models.MarketDataPoint, error)

// poll feeds a bounded channel from fetch every interval. The channel closes
// when ctx ends or, at the next tick, once the adapter is disconnected.
func (b *base) poll(ctx context.Context, symbols []string, every time.Duration, since time.Time, fetch fetchFunc) (<-chan *models.MarketDataPoint, error) {
	if !b.IsConnected() {
		return nil, ErrNotConnected
	}
	out := make(chan *models.MarketDataPoint, streamBuffer)
	go func() {
		defer close(out)
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		watermark := since
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if !b.IsConnected() {
				b.l.Info("stream closed, adapter disconnected")
				return
			}
			pts, err := fetch(ctx, symbols, watermark)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.l.Warn("stream poll failed", logger.Error(err))
				continue
			}
			sortByTime(pts)
			for _, p := range pts {
				if !p.Timestamp.After(watermark) {
					continue
				}
				select {
				case out <- p:
					watermark = p.Timestamp
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// window keeps points with start <= timestamp <= end, newest limit of them.
func window(points []*models.MarketDataPoint, start, end time.Time, limit int) []*models.MarketDataPoint {
	out := make([]*models.MarketDataPoint, 0, len(points))
	for _, p := range points {
		if p.Timestamp.Before(start) || p.Timestamp.After(end) {
			continue
		}
		out = append(out, p)
	}
	sortByTime(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func sortByTime(pts []*models.MarketDataPoint) {
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Timestamp.Before(pts[j].Timestamp) })
}
