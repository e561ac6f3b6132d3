package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"MarketSentry/internal/domain/models"
	domrepo "MarketSentry/internal/domain/repository"
	"MarketSentry/pkg/logger"
	"MarketSentry/pkg/metrics"
)

var (
	ErrBufferFull   = errors.New("pipeline buffer full")
	ErrNotStarted   = errors.New("pipeline not started")
	ErrInvalidPoint = errors.New("invalid point")
)

// BatchProc is the downstream the pipeline flushes into.
type BatchProc interface {
	ProcessBatch(ctx context.Context, points []*models.MarketDataPoint) error
}

// BatchFunc adapts a function to BatchProc.
type BatchFunc func(ctx context.Context, points []*models.MarketDataPoint) error

func (f BatchFunc) ProcessBatch(ctx context.Context, points []*models.MarketDataPoint) error {
	return f(ctx, points)
}

// RealtimePipeline sits between the stream adapters and detection.
// It validates, throttles per symbol and batches points by size or age.
type RealtimePipeline struct {
	proc    BatchProc
	metrics domrepo.Metrics
	l       *logger.Logger

	maxRPS       float64
	bufSize      int
	batchSize    int
	batchTimeout time.Duration
	flushRetries uint64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	in       chan *models.MarketDataPoint
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

type PipelineOption func(*RealtimePipeline)

// WithMaxRPS sets the points per second accepted per symbol. Zero disables throttling.
func WithMaxRPS(n float64) PipelineOption {
	return func(p *RealtimePipeline) {
		if n >= 0 {
			p.maxRPS = n
		}
	}
}

func WithBufferSize(n int) PipelineOption {
	return func(p *RealtimePipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

func WithBatch(size int, timeout time.Duration) PipelineOption {
	return func(p *RealtimePipeline) {
		if size > 0 {
			p.batchSize = size
		}
		if timeout > 0 {
			p.batchTimeout = timeout
		}
	}
}

func WithFlushRetries(n uint64) PipelineOption {
	return func(p *RealtimePipeline) { p.flushRetries = n }
}

func WithPipelineMetrics(m domrepo.Metrics) PipelineOption {
	return func(p *RealtimePipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

func NewRealtimePipeline(proc BatchProc, l *logger.Logger, opts ...PipelineOption) *RealtimePipeline {
	if l == nil {
		l = logger.NewNop()
	}
	p := &RealtimePipeline{
		proc:         proc,
		metrics:      metrics.Nop{},
		l:            l.With(logger.String("component", "pipeline")),
		maxRPS:       10,
		bufSize:      10000,
		batchSize:    200,
		batchTimeout: 5 * time.Second,
		flushRetries: 3,
		limiters:     make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.in = make(chan *models.MarketDataPoint, p.bufSize)
	return p
}

// Start launches the batching loop. It is safe to call once; later calls are no-ops.
func (p *RealtimePipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(ctx, p.stop, p.done)
}

// Stop ends the loop after flushing what is buffered.
func (p *RealtimePipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	stop, done := p.stop, p.done
	p.mu.Unlock()

	close(stop)
	<-done
}

func (p *RealtimePipeline) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	batch := make([]*models.MarketDataPoint, 0, p.batchSize)
	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	flush := func(fctx context.Context) {
		if len(batch) > 0 {
			p.flush(fctx, batch)
			batch = make([]*models.MarketDataPoint, 0, p.batchSize)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.batchTimeout)
	}

	// drain flushes what is queued without blocking. The flush context is
	// detached so a cancelled parent still delivers the last batch.
	drain := func() {
		for {
			select {
			case pt := <-p.in:
				batch = append(batch, pt)
			default:
				if len(batch) > 0 {
					p.flush(context.WithoutCancel(ctx), batch)
				}
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			return
		case <-stop:
			drain()
			return
		case pt := <-p.in:
			batch = append(batch, pt)
			if len(batch) >= p.batchSize {
				flush(ctx)
			}
		case <-timer.C:
			if len(batch) > 0 {
				p.flush(ctx, batch)
				batch = make([]*models.MarketDataPoint, 0, p.batchSize)
			}
			timer.Reset(p.batchTimeout)
		}
	}
}

// flush hands one batch downstream, retrying with exponential backoff.
// A batch that still fails is logged and dropped.
func (p *RealtimePipeline) flush(ctx context.Context, batch []*models.MarketDataPoint) {
	start := time.Now()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 50 * time.Millisecond
	exp.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, p.flushRetries), ctx)

	err := backoff.Retry(func() error {
		return p.proc.ProcessBatch(ctx, batch)
	}, policy)
	if err != nil {
		p.l.Error("pipeline batch dropped", logger.Int("points", len(batch)), logger.Error(err))
		return
	}
	p.metrics.RecordLatency("pipeline_flush", time.Since(start).Seconds())
}

// Process validates and throttles one point, then queues it without blocking.
// Throttled points are dropped silently.
func (p *RealtimePipeline) Process(_ context.Context, pt *models.MarketDataPoint) error {
	if err := validatePoint(pt); err != nil {
		return err
	}
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if !p.allow(pt.Symbol) {
		p.l.Debug("point throttled", logger.String("symbol", pt.Symbol))
		return nil
	}
	select {
	case p.in <- pt:
		return nil
	default:
		p.l.Warn("pipeline buffer full, dropping point", logger.String("symbol", pt.Symbol))
		return ErrBufferFull
	}
}

func (p *RealtimePipeline) allow(symbol string) bool {
	if p.maxRPS <= 0 {
		return true
	}
	p.mu.Lock()
	lim, ok := p.limiters[symbol]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(p.maxRPS), 1)
		p.limiters[symbol] = lim
	}
	p.mu.Unlock()
	return lim.Allow()
}

func validatePoint(pt *models.MarketDataPoint) error {
	if pt == nil {
		return fmt.Errorf("%w: nil", ErrInvalidPoint)
	}
	if pt.Symbol == "" {
		return fmt.Errorf("%w: symbol empty", ErrInvalidPoint)
	}
	if pt.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp missing", ErrInvalidPoint)
	}
	return nil
}
