package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"MarketSentry/internal/domain/models"
	mid "MarketSentry/internal/middleware"
	"MarketSentry/pkg/logger"
)

var ErrNoStreams = errors.New("no stream could be subscribed")

// StreamCollector feeds adapter streams through the realtime pipeline into
// the detection engine.
//
// Each flush is evaluated together with the symbol's recent tail so sequence
// detectors see context across batch boundaries. Anomalies at or before the
// symbol's watermark were reported by an earlier flush and are dropped.
type StreamCollector struct {
	registry *AdapterRegistry
	engine   *DetectionEngine
	pipe     *mid.RealtimePipeline
	sources  []string
	symbols  []string
	history  int
	l        *logger.Logger

	mu    sync.Mutex
	tails map[string][]*models.MarketDataPoint
	marks map[string]time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type CollectorConfig struct {
	Sources []string
	Symbols []string
	History int
}

// NewStreamCollector wires the collector as the pipeline's downstream. The
// pipeline options are applied on top of the defaults.
func NewStreamCollector(cfg CollectorConfig, registry *AdapterRegistry, engine *DetectionEngine, l *logger.Logger, opts ...mid.PipelineOption) *StreamCollector {
	if l == nil {
		l = logger.NewNop()
	}
	if cfg.History < 0 {
		cfg.History = 0
	}
	c := &StreamCollector{
		registry: registry,
		engine:   engine,
		sources:  cfg.Sources,
		symbols:  cfg.Symbols,
		history:  cfg.History,
		l:        l.With(logger.String("component", "stream_collector")),
		tails:    make(map[string][]*models.MarketDataPoint),
		marks:    make(map[string]time.Time),
	}
	c.pipe = mid.NewRealtimePipeline(c, l, opts...)
	return c
}

// Pipeline returns the underlying pipeline for lifecycle management.
func (c *StreamCollector) Pipeline() *mid.RealtimePipeline { return c.pipe }

// Start subscribes to every configured source. Sources that fail to
// subscribe are logged; it is an error only when none succeed.
func (c *StreamCollector) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return nil
	}
	if len(c.sources) == 0 {
		return nil
	}

	cctx, cancel := context.WithCancel(ctx)
	// the pipeline outlives ctx so Shutdown can drain it
	c.pipe.Start(context.WithoutCancel(ctx))

	subscribed := 0
	for _, name := range c.sources {
		ch, err := c.registry.Stream(cctx, name, c.symbols)
		if err != nil {
			c.l.Warn("stream subscribe failed", logger.String("source", name), logger.Error(err))
			continue
		}
		subscribed++
		c.wg.Add(1)
		go c.consume(cctx, name, ch)
	}
	if subscribed == 0 {
		cancel()
		c.pipe.Stop()
		return ErrNoStreams
	}
	c.cancel = cancel
	c.l.Info("stream collector started", logger.Int("streams", subscribed), logger.Strings("symbols", c.symbols))
	return nil
}

func (c *StreamCollector) consume(ctx context.Context, source string, ch <-chan *models.MarketDataPoint) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-ch:
			if !ok {
				c.l.Warn("stream closed", logger.String("source", source))
				return
			}
			if err := c.pipe.Process(ctx, p); err != nil && !errors.Is(err, mid.ErrBufferFull) {
				c.l.Debug("point rejected", logger.String("source", source), logger.Error(err))
			}
		}
	}
}

// ProcessBatch is the pipeline downstream.
func (c *StreamCollector) ProcessBatch(ctx context.Context, batch []*models.MarketDataPoint) error {
	input, marks := c.withTails(batch)
	found := c.engine.DetectWith(ctx, input, func(a *models.Anomaly) bool {
		mark, ok := marks[a.Symbol]
		return !ok || a.DataTimestamp.After(mark)
	})
	if len(found) > 0 {
		c.l.Info("stream anomalies", logger.Int("points", len(batch)), logger.Int("anomalies", len(found)))
	}
	return nil
}

// withTails prefixes each symbol's batch with its tail and advances tails
// and watermarks. It returns the combined input and the watermarks that
// were in force before this batch.
func (c *StreamCollector) withTails(batch []*models.MarketDataPoint) ([]*models.MarketDataPoint, map[string]time.Time) {
	bySymbol := make(map[string][]*models.MarketDataPoint)
	for _, p := range batch {
		bySymbol[p.Symbol] = append(bySymbol[p.Symbol], p)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prior := make(map[string]time.Time, len(bySymbol))
	var input []*models.MarketDataPoint
	for sym, pts := range bySymbol {
		if mark, ok := c.marks[sym]; ok {
			prior[sym] = mark
		}
		combined := append(append([]*models.MarketDataPoint(nil), c.tails[sym]...), pts...)
		sort.SliceStable(combined, func(i, j int) bool {
			return combined[i].Timestamp.Before(combined[j].Timestamp)
		})
		input = append(input, combined...)

		if newest := combined[len(combined)-1].Timestamp; newest.After(c.marks[sym]) {
			c.marks[sym] = newest
		}
		if c.history == 0 {
			delete(c.tails, sym)
			continue
		}
		if len(combined) > c.history {
			combined = combined[len(combined)-c.history:]
		}
		c.tails[sym] = combined
	}
	return input, prior
}

// Watermark returns the newest timestamp already evaluated for symbol.
func (c *StreamCollector) Watermark(symbol string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.marks[symbol]
	return t, ok
}

// Shutdown cancels the subscriptions, waits for consumers and flushes the pipeline.
func (c *StreamCollector) Shutdown(ctx context.Context) error {
	c.runMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.l.Warn("stream consumers did not stop in time")
	}
	c.pipe.Stop()
	return nil
}
