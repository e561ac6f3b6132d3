package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/domain/repository"
	"MarketSentry/pkg/logger"
	"MarketSentry/pkg/metrics"
)

var ErrAdapterNotFound = errors.New("adapter not found")

// AdapterFactory builds an adapter for one source config.
type AdapterFactory interface {
	Create(cfg models.DataSourceConfig) (repository.SourceAdapter, error)
}

type RegistryConfig struct {
	HealthInterval   time.Duration
	HeartbeatTimeout time.Duration
	ConnectTimeout   time.Duration
	ConnectRetryMax  time.Duration
	FetchTimeout     time.Duration
}

func (c *RegistryConfig) setDefaults() {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 60 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ConnectRetryMax <= 0 {
		c.ConnectRetryMax = 30 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
}

// AdapterRegistry owns the adapter fleet. Adapters stay registered for the
// life of the process, connected or not, so health keeps reporting them.
type AdapterRegistry struct {
	factory AdapterFactory
	metrics repository.Metrics
	l       *logger.Logger
	cfg     RegistryConfig

	mu       sync.RWMutex
	adapters map[string]repository.SourceAdapter

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewAdapterRegistry(factory AdapterFactory, m repository.Metrics, l *logger.Logger, cfg RegistryConfig) *AdapterRegistry {
	if l == nil {
		l = logger.NewNop()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	cfg.setDefaults()
	return &AdapterRegistry{
		factory:  factory,
		metrics:  m,
		l:        l,
		cfg:      cfg,
		adapters: make(map[string]repository.SourceAdapter),
	}
}

// Initialize builds, connects and registers one adapter per enabled config,
// then starts the health loop. Connect failures are logged, not returned.
func (r *AdapterRegistry) Initialize(ctx context.Context, configs []models.DataSourceConfig) error {
	var created []repository.SourceAdapter
	for _, cfg := range configs {
		if !cfg.Enabled {
			r.l.Info("data source disabled", logger.String("source", cfg.Name))
			continue
		}
		a, err := r.factory.Create(cfg)
		if err != nil {
			r.l.Warn("skipping data source", logger.String("source", cfg.Name), logger.String("type", string(cfg.Type)), logger.Error(err))
			continue
		}
		created = append(created, a)
	}

	var wg sync.WaitGroup
	for _, a := range created {
		wg.Add(1)
		go func(a repository.SourceAdapter) {
			defer wg.Done()
			if err := r.connect(ctx, a); err != nil {
				r.l.Error("data source connect failed", logger.String("source", a.Name()), logger.Error(err))
			}
			r.metrics.RecordAdapterConnected(a.Name(), a.IsConnected())
		}(a)
	}
	wg.Wait()

	for _, a := range created {
		r.Register(a)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if r.Len() == 0 {
		r.l.Warn("no data source adapters registered, registry is unhealthy")
	} else {
		r.l.Info("adapter registry initialized",
			logger.Int("adapters", r.Len()),
			logger.Int("connected", r.connectedCount()),
		)
	}
	r.StartHealthLoop()
	return nil
}

// connect retries with exponential backoff; each attempt has its own timeout.
func (r *AdapterRegistry) connect(ctx context.Context, a repository.SourceAdapter) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.MaxInterval = 5 * time.Second
	exp.MaxElapsedTime = r.cfg.ConnectRetryMax

	op := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = backoff.Permanent(fmt.Errorf("connect panic: %v", rec))
			}
		}()
		cctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
		defer cancel()
		return a.Connect(cctx)
	}
	notify := func(err error, wait time.Duration) {
		r.l.Warn("data source connect retry",
			logger.String("source", a.Name()),
			logger.Duration("retry_in", wait),
			logger.Error(err),
		)
	}
	return backoff.RetryNotify(op, backoff.WithContext(exp, ctx), notify)
}

// Register adds an adapter; a second adapter with the same name replaces nothing.
func (r *AdapterRegistry) Register(a repository.SourceAdapter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.Name()]; ok {
		r.l.Warn("adapter name already registered", logger.String("source", a.Name()))
		return false
	}
	r.adapters[a.Name()] = a
	return true
}

func (r *AdapterRegistry) Adapter(name string) (repository.SourceAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered adapter names, sorted.
func (r *AdapterRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *AdapterRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

func (r *AdapterRegistry) snapshot() []repository.SourceAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]repository.SourceAdapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// StartHealthLoop starts the periodic heartbeat loop once.
func (r *AdapterRegistry) StartHealthLoop() {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(r.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CheckHealth(ctx)
			}
		}
	}(r.done)
}

// CheckHealth heartbeats every adapter concurrently. Failures are recorded
// and logged; adapters are never removed or reconnected here.
func (r *AdapterRegistry) CheckHealth(ctx context.Context) {
	var wg sync.WaitGroup
	for _, a := range r.snapshot() {
		wg.Add(1)
		go func(a repository.SourceAdapter) {
			defer wg.Done()
			ok := r.heartbeat(ctx, a)
			r.metrics.RecordHeartbeat(a.Name(), ok)
			r.metrics.RecordAdapterConnected(a.Name(), a.IsConnected())
			if !ok {
				r.l.Warn("data source heartbeat failed", logger.String("source", a.Name()))
			}
		}(a)
	}
	wg.Wait()
}

func (r *AdapterRegistry) heartbeat(ctx context.Context, a repository.SourceAdapter) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.l.Error("heartbeat panic", logger.String("source", a.Name()), logger.Any("panic", rec))
			ok = false
		}
	}()
	hctx, cancel := context.WithTimeout(ctx, r.cfg.HeartbeatTimeout)
	defer cancel()
	return a.Heartbeat(hctx)
}

type fetchCall func(ctx context.Context, a repository.SourceAdapter) ([]*models.MarketDataPoint, error)

// LatestData fans out to the named adapters, or all when sources is empty.
func (r *AdapterRegistry) LatestData(ctx context.Context, sources, symbols []string, limit int) ([]*models.MarketDataPoint, error) {
	return r.fanOut(ctx, sources, "latest", func(ctx context.Context, a repository.SourceAdapter) ([]*models.MarketDataPoint, error) {
		return a.LatestData(ctx, symbols, limit)
	})
}

// HistoricalData fans out a range query. The merged result is unordered.
func (r *AdapterRegistry) HistoricalData(ctx context.Context, sources, symbols []string, start, end time.Time, limit int) ([]*models.MarketDataPoint, error) {
	return r.fanOut(ctx, sources, "historical", func(ctx context.Context, a repository.SourceAdapter) ([]*models.MarketDataPoint, error) {
		return a.HistoricalData(ctx, symbols, start, end, limit)
	})
}

func (r *AdapterRegistry) targets(sources []string) []repository.SourceAdapter {
	if len(sources) == 0 {
		return r.snapshot()
	}
	out := make([]repository.SourceAdapter, 0, len(sources))
	for _, name := range sources {
		a, ok := r.Adapter(name)
		if !ok {
			r.l.Warn("unknown data source requested", logger.String("source", name))
			continue
		}
		out = append(out, a)
	}
	return out
}

func (r *AdapterRegistry) fanOut(ctx context.Context, sources []string, op string, call fetchCall) ([]*models.MarketDataPoint, error) {
	start := time.Now()
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out []*models.MarketDataPoint
	)
	for _, a := range r.targets(sources) {
		wg.Add(1)
		go func(a repository.SourceAdapter) {
			defer wg.Done()
			pts, err := r.fetch(ctx, a, call)
			if err != nil {
				r.metrics.RecordFetchError(a.Name())
				r.l.Warn("data source fetch failed",
					logger.String("source", a.Name()),
					logger.String("op", op),
					logger.Error(err),
				)
				return
			}
			for _, p := range pts {
				if p.SourceName == "" {
					p.SourceName = a.Name()
				}
			}
			mu.Lock()
			out = append(out, pts...)
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	r.metrics.RecordLatency("registry_"+op, time.Since(start).Seconds())
	if out == nil {
		out = []*models.MarketDataPoint{}
	}
	return out, nil
}

func (r *AdapterRegistry) fetch(ctx context.Context, a repository.SourceAdapter, call fetchCall) (pts []*models.MarketDataPoint, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			pts, err = nil, fmt.Errorf("panic: %v", rec)
		}
	}()
	fctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()
	return call(fctx, a)
}

// Stream subscribes to one adapter. Callers own ctx; cancelling it closes the channel.
func (r *AdapterRegistry) Stream(ctx context.Context, name string, symbols []string) (<-chan *models.MarketDataPoint, error) {
	a, ok := r.Adapter(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, name)
	}
	return a.Stream(ctx, symbols)
}

// Shutdown stops the health loop, waits for its current pass and
// disconnects every adapter. Disconnect errors are logged.
func (r *AdapterRegistry) Shutdown(ctx context.Context) error {
	r.loopMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.loopMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			r.l.Warn("health loop did not stop in time")
		}
	}

	var errs []error
	for _, a := range r.snapshot() {
		if err := r.disconnect(ctx, a); err != nil {
			r.l.Warn("data source disconnect failed", logger.String("source", a.Name()), logger.Error(err))
			errs = append(errs, err)
		}
		r.metrics.RecordAdapterConnected(a.Name(), false)
	}
	r.l.Info("adapter registry stopped", logger.Int("adapters", r.Len()), logger.Int("disconnect_errors", len(errs)))
	return nil
}

func (r *AdapterRegistry) disconnect(ctx context.Context, a repository.SourceAdapter) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("disconnect panic: %v", rec)
		}
	}()
	dctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()
	return a.Disconnect(dctx)
}

func (r *AdapterRegistry) connectedCount() int {
	n := 0
	for _, a := range r.snapshot() {
		if a.IsConnected() {
			n++
		}
	}
	return n
}

// IsHealthy is true when at least one adapter exists and all are connected.
func (r *AdapterRegistry) IsHealthy() bool {
	adapters := r.snapshot()
	if len(adapters) == 0 {
		return false
	}
	for _, a := range adapters {
		if !a.IsConnected() {
			return false
		}
	}
	return true
}

type AdapterHealth struct {
	Connected        bool       `json:"connected"`
	LastHeartbeat    *time.Time `json:"last_heartbeat"`
	Type             string     `json:"type"`
	SupportedSymbols []string   `json:"supported_symbols"`
}

type HealthStatus struct {
	OverallHealthy    bool                     `json:"overall_healthy"`
	TotalAdapters     int                      `json:"total_adapters"`
	ConnectedAdapters int                      `json:"connected_adapters"`
	Adapters          map[string]AdapterHealth `json:"adapters"`
}

func (r *AdapterRegistry) HealthStatus() HealthStatus {
	adapters := r.snapshot()
	st := HealthStatus{
		TotalAdapters: len(adapters),
		Adapters:      make(map[string]AdapterHealth, len(adapters)),
	}
	for _, a := range adapters {
		h := AdapterHealth{
			Connected:        a.IsConnected(),
			Type:             string(a.Type()),
			SupportedSymbols: a.SupportedSymbols(),
		}
		if hb := a.LastHeartbeat(); !hb.IsZero() {
			h.LastHeartbeat = &hb
		}
		if h.Connected {
			st.ConnectedAdapters++
		}
		st.Adapters[a.Name()] = h
	}
	st.OverallHealthy = st.TotalAdapters > 0 && st.ConnectedAdapters == st.TotalAdapters
	return st
}
