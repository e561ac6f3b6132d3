package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/domain/repository"
	domsvc "MarketSentry/internal/domain/service"
	"MarketSentry/internal/services/alerting"
	"MarketSentry/internal/services/detection"
	"MarketSentry/pkg/logger"
	"MarketSentry/pkg/metrics"
)

var (
	ErrNoModelStore   = errors.New("no model store configured")
	ErrNoRegistry     = errors.New("no adapter registry configured")
	ErrEngineRunning  = errors.New("detection engine already started")
	ErrMLDisabled     = errors.New("ml detection is disabled")
	ErrNoTrainingData = detection.ErrNoTrainingData
)

// EngineConfig holds engine-wide thresholds. Source entries may override
// the missing-data, price and stale thresholds.
type EngineConfig struct {
	MissingDataMinutes    float64
	PriceMovementPercent  float64
	PriceWindowMinutes    float64
	EnforcePriceWindow    bool
	StaleDataMinutes      float64
	VolumeSpikeMultiplier float64
	VolumeSpikeWindow     int
	ZScoreWindow          int
	ZScoreThreshold       float64
	ZScoreCritical        float64

	EnableStaleData   bool
	EnableVolumeSpike bool
	EnableDataQuality bool
	EnableZScore      bool
	EnableML          bool

	MaxWorkers int
	Schedule   string
	Lookback   time.Duration
	FetchLimit int
}

func (c *EngineConfig) setDefaults() {
	if c.MissingDataMinutes <= 0 {
		c.MissingDataMinutes = detection.DefaultMissingDataThreshold
	}
	if c.PriceMovementPercent <= 0 {
		c.PriceMovementPercent = detection.DefaultPriceMovementThreshold
	}
	if c.PriceWindowMinutes <= 0 {
		c.PriceWindowMinutes = detection.DefaultPriceMovementWindow
	}
	if c.StaleDataMinutes <= 0 {
		c.StaleDataMinutes = detection.DefaultStaleThreshold
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.Schedule == "" {
		c.Schedule = "@every 5m"
	}
	if c.Lookback <= 0 {
		c.Lookback = 2 * time.Hour
	}
}

// DetectionEngine runs the detector set over batches of points, stamps and
// counts the anomalies and hands them to the alert engine.
type DetectionEngine struct {
	cfg      EngineConfig
	registry *AdapterRegistry
	ml       *detection.MLDetector
	zscore   *detection.ZScoreDetector
	alerts   *alerting.Engine
	store    repository.ModelStore
	metrics  repository.Metrics
	l        *logger.Logger
	now      func() time.Time

	mu            sync.Mutex
	cron          *cron.Cron
	lastCycle     time.Time
	lastAnomalies int
}

type EngineOption func(*DetectionEngine)

func WithModelStore(s repository.ModelStore) EngineOption {
	return func(e *DetectionEngine) { e.store = s }
}

func WithEngineMetrics(m repository.Metrics) EngineOption {
	return func(e *DetectionEngine) {
		if m != nil {
			e.metrics = m
		}
	}
}

func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *DetectionEngine) { e.now = now }
}

func NewDetectionEngine(cfg EngineConfig, registry *AdapterRegistry, ml *detection.MLDetector, alerts *alerting.Engine, l *logger.Logger, opts ...EngineOption) *DetectionEngine {
	if l == nil {
		l = logger.NewNop()
	}
	cfg.setDefaults()
	e := &DetectionEngine{
		cfg:      cfg,
		registry: registry,
		ml:       ml,
		alerts:   alerts,
		metrics:  metrics.Nop{},
		l:        l,
		now:      time.Now,
		zscore: detection.NewZScoreDetector(l,
			detection.WithZScoreWindow(cfg.ZScoreWindow),
			detection.WithZScoreThresholds(cfg.ZScoreThreshold, cfg.ZScoreCritical),
		),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *DetectionEngine) Registry() *AdapterRegistry { return e.registry }

func (e *DetectionEngine) Alerts() *alerting.Engine { return e.alerts }

// Detect runs every enabled detector and evaluates alert rules on the result.
func (e *DetectionEngine) Detect(ctx context.Context, points []*models.MarketDataPoint) []*models.Anomaly {
	return e.DetectWith(ctx, points, nil)
}

// DetectWith is Detect with a filter applied before ids are assigned and
// alert rules run. A nil keep retains everything.
func (e *DetectionEngine) DetectWith(ctx context.Context, points []*models.MarketDataPoint, keep func(*models.Anomaly) bool) []*models.Anomaly {
	start := e.now()
	defer func() { e.metrics.RecordLatency("detect", time.Since(start).Seconds()) }()

	points = e.prepare(points, start)
	if len(points) == 0 {
		return []*models.Anomaly{}
	}

	out := e.ruleBased(ctx, points)
	out = append(out, e.statistical(ctx, points)...)
	if keep != nil {
		kept := out[:0]
		for _, a := range out {
			if a != nil && keep(a) {
				kept = append(kept, a)
			}
		}
		out = kept
	}
	out = e.finish(points, out)

	if e.alerts != nil && len(out) > 0 {
		e.alerts.Evaluate(ctx, out)
	}
	return out
}

// prepare drops nil points and stamps received_at where missing.
func (e *DetectionEngine) prepare(points []*models.MarketDataPoint, now time.Time) []*models.MarketDataPoint {
	out := make([]*models.MarketDataPoint, 0, len(points))
	for _, p := range points {
		if p == nil {
			continue
		}
		if p.ReceivedAt.IsZero() {
			p.ReceivedAt = now
		}
		out = append(out, p)
	}
	return out
}

// ruleBased runs the per-source detectors, one partition per source, on a
// pool bounded by MaxWorkers.
func (e *DetectionEngine) ruleBased(ctx context.Context, points []*models.MarketDataPoint) []*models.Anomaly {
	parts, order := partitionBySource(points)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out []*models.Anomaly
	)
	sem := make(chan struct{}, e.cfg.MaxWorkers)
	for _, name := range order {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(name string, pts []*models.MarketDataPoint) {
			defer wg.Done()
			defer func() { <-sem }()
			found := e.runDetectors(ctx, e.detectorsFor(name), pts)
			mu.Lock()
			out = append(out, found...)
			mu.Unlock()
		}(name, parts[name])
	}
	wg.Wait()
	return out
}

func (e *DetectionEngine) statistical(ctx context.Context, points []*models.MarketDataPoint) []*models.Anomaly {
	var ds []domsvc.Detector
	if e.cfg.EnableML && e.ml != nil {
		ds = append(ds, e.ml)
	}
	if e.cfg.EnableZScore {
		ds = append(ds, e.zscore)
	}
	return e.runDetectors(ctx, ds, points)
}

func (e *DetectionEngine) runDetectors(ctx context.Context, ds []domsvc.Detector, points []*models.MarketDataPoint) []*models.Anomaly {
	var out []*models.Anomaly
	for _, d := range ds {
		if ctx.Err() != nil {
			return out
		}
		out = append(out, d.Detect(ctx, points)...)
	}
	return out
}

// detectorsFor resolves the source's flags and threshold overrides. Points
// from an unregistered source get every engine default.
func (e *DetectionEngine) detectorsFor(source string) []domsvc.Detector {
	flags := models.DetectorFlags{MissingData: true, PriceMovement: true, StaleData: true, VolumeSpike: true, DataQuality: true}
	var (
		over    models.ThresholdOverrides
		session *models.MarketSession
	)
	if e.registry != nil {
		if a, ok := e.registry.Adapter(source); ok {
			cfg := a.Config()
			flags, over = cfg.Detectors, cfg.Overrides
			s := cfg.Session
			session = &s
		}
	}

	var ds []domsvc.Detector
	if flags.MissingData {
		ds = append(ds, detection.NewMissingDataDetector(pick(over.MissingDataMinutes, e.cfg.MissingDataMinutes), e.l))
	}
	if flags.PriceMovement {
		ds = append(ds, detection.NewPriceMovementDetector(pick(over.PriceMovementPercent, e.cfg.PriceMovementPercent), e.l,
			detection.WithPriceWindow(e.cfg.PriceWindowMinutes),
			detection.WithEnforcedWindow(e.cfg.EnforcePriceWindow),
		))
	}
	if flags.StaleData && e.cfg.EnableStaleData {
		ds = append(ds, detection.NewStaleDataDetector(pick(over.StaleDataMinutes, e.cfg.StaleDataMinutes), session, e.l))
	}
	if flags.VolumeSpike && e.cfg.EnableVolumeSpike {
		ds = append(ds, detection.NewVolumeSpikeDetector(e.cfg.VolumeSpikeMultiplier, e.cfg.VolumeSpikeWindow, e.l))
	}
	if flags.DataQuality && e.cfg.EnableDataQuality {
		ds = append(ds, detection.NewDataQualityDetector(e.l))
	}
	return ds
}

func pick(override *float64, def float64) float64 {
	if override != nil && *override > 0 {
		return *override
	}
	return def
}

// finish assigns ids, stamps processed_at on the input and records metrics.
func (e *DetectionEngine) finish(points []*models.MarketDataPoint, found []*models.Anomaly) []*models.Anomaly {
	now := e.now()
	for _, p := range points {
		p.MarkProcessed(now)
	}
	out := make([]*models.Anomaly, 0, len(found))
	for _, a := range found {
		if a == nil {
			continue
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		e.metrics.RecordAnomaly(string(a.Type), a.Severity.String(), originOf(a))
		out = append(out, a)
	}
	return out
}

func originOf(a *models.Anomaly) string {
	if a.SourceName != "" {
		return a.SourceName
	}
	return a.DataSource
}

func partitionBySource(points []*models.MarketDataPoint) (map[string][]*models.MarketDataPoint, []string) {
	parts := make(map[string][]*models.MarketDataPoint)
	var order []string
	for _, p := range points {
		name := p.Origin()
		if _, ok := parts[name]; !ok {
			order = append(order, name)
		}
		parts[name] = append(parts[name], p)
	}
	return parts, order
}

// DetectMissingData runs only the missing-data detector. threshold <= 0 uses
// the engine default. No alert rules are evaluated.
func (e *DetectionEngine) DetectMissingData(ctx context.Context, points []*models.MarketDataPoint, threshold float64) []*models.Anomaly {
	if threshold <= 0 {
		threshold = e.cfg.MissingDataMinutes
	}
	points = e.prepare(points, e.now())
	d := detection.NewMissingDataDetector(threshold, e.l)
	return e.finish(points, d.Detect(ctx, points))
}

// DetectPriceMovement runs only the price detector. Zero values use the
// engine defaults.
func (e *DetectionEngine) DetectPriceMovement(ctx context.Context, points []*models.MarketDataPoint, threshold, windowMinutes float64) []*models.Anomaly {
	if threshold <= 0 {
		threshold = e.cfg.PriceMovementPercent
	}
	if windowMinutes <= 0 {
		windowMinutes = e.cfg.PriceWindowMinutes
	}
	points = e.prepare(points, e.now())
	d := detection.NewPriceMovementDetector(threshold, e.l,
		detection.WithPriceWindow(windowMinutes),
		detection.WithEnforcedWindow(e.cfg.EnforcePriceWindow),
	)
	return e.finish(points, d.Detect(ctx, points))
}

// DetectStatistical runs the ML and z-score detectors.
func (e *DetectionEngine) DetectStatistical(ctx context.Context, points []*models.MarketDataPoint) []*models.Anomaly {
	points = e.prepare(points, e.now())
	return e.finish(points, e.statistical(ctx, points))
}

// RunCycle pulls the lookback window from every adapter and runs Detect.
func (e *DetectionEngine) RunCycle(ctx context.Context) ([]*models.Anomaly, error) {
	if e.registry == nil {
		return nil, ErrNoRegistry
	}
	end := e.now()
	pts, err := e.registry.HistoricalData(ctx, nil, nil, end.Add(-e.cfg.Lookback), end, e.cfg.FetchLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch cycle data: %w", err)
	}
	found := e.Detect(ctx, pts)

	e.mu.Lock()
	e.lastCycle = end
	e.lastAnomalies = len(found)
	e.mu.Unlock()

	e.l.Info("detection cycle complete",
		logger.Int("points", len(pts)),
		logger.Int("anomalies", len(found)),
		logger.Duration("took", time.Since(end)),
	)
	return found, nil
}

// Start schedules RunCycle on the configured cron spec. A cycle still
// running when the next one fires is skipped.
func (e *DetectionEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron != nil {
		return ErrEngineRunning
	}
	cl := cronLogger{l: e.l}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(e.cfg.Schedule, func() {
		if _, err := e.RunCycle(ctx); err != nil {
			e.l.Error("detection cycle failed", logger.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", e.cfg.Schedule, err)
	}
	c.Start()
	e.cron = c
	e.l.Info("detection scheduler started", logger.String("schedule", e.cfg.Schedule))
	return nil
}

// Stop halts the scheduler and waits for a running cycle, bounded by ctx.
func (e *DetectionEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	c := e.cron
	e.cron = nil
	e.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		e.l.Info("detection scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type TrainResult struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Samples   int       `json:"samples"`
	Timestamp time.Time `json:"timestamp"`
}

// Train fits the ML detector. With no points given, the lookback window is
// pulled from the registry.
func (e *DetectionEngine) Train(ctx context.Context, points []*models.MarketDataPoint) (TrainResult, error) {
	res := TrainResult{Timestamp: e.now().UTC()}
	if e.ml == nil {
		res.Message = ErrMLDisabled.Error()
		return res, ErrMLDisabled
	}
	if len(points) == 0 && e.registry != nil {
		end := e.now()
		pts, err := e.registry.HistoricalData(ctx, nil, nil, end.Add(-e.cfg.Lookback), end, e.cfg.FetchLimit)
		if err != nil {
			res.Message = err.Error()
			return res, fmt.Errorf("fetch training data: %w", err)
		}
		points = pts
	}

	n, err := e.ml.Train(ctx, points)
	if err != nil {
		res.Message = fmt.Sprintf("training failed: %v", err)
		return res, err
	}
	res.Success = true
	res.Samples = n
	res.Message = fmt.Sprintf("model trained on %d samples", n)
	return res, nil
}

func (e *DetectionEngine) SaveModel(ctx context.Context) error {
	if e.ml == nil {
		return ErrMLDisabled
	}
	if e.store == nil {
		return ErrNoModelStore
	}
	blob, err := e.ml.Marshal()
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}
	if err := e.store.Save(ctx, blob); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	e.l.Info("anomaly model saved", logger.Int("bytes", len(blob)))
	return nil
}

// LoadModel replaces the ML model with the stored one. On error the current
// model stays in place.
func (e *DetectionEngine) LoadModel(ctx context.Context) error {
	if e.ml == nil {
		return ErrMLDisabled
	}
	if e.store == nil {
		return ErrNoModelStore
	}
	blob, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	if err := e.ml.Unmarshal(blob); err != nil {
		return fmt.Errorf("restore model: %w", err)
	}
	e.l.Info("anomaly model loaded", logger.Int("bytes", len(blob)))
	return nil
}

type ModelStatus struct {
	Enabled   bool       `json:"enabled"`
	Trained   bool       `json:"trained"`
	Samples   int        `json:"samples"`
	TrainedAt *time.Time `json:"trained_at,omitempty"`
}

type EngineStatus struct {
	Registry           HealthStatus `json:"registry"`
	Model              ModelStatus  `json:"model"`
	Rules              int          `json:"alert_rules"`
	Scheduled          bool         `json:"scheduled"`
	Schedule           string       `json:"schedule"`
	LastCycle          *time.Time   `json:"last_cycle,omitempty"`
	LastCycleAnomalies int          `json:"last_cycle_anomalies"`
}

func (e *DetectionEngine) ModelStatus() ModelStatus {
	st := ModelStatus{Enabled: e.cfg.EnableML && e.ml != nil}
	if e.ml == nil {
		return st
	}
	st.Trained = e.ml.IsTrained()
	if n, at, ok := e.ml.Info(); ok {
		st.Samples = n
		st.TrainedAt = &at
	}
	return st
}

func (e *DetectionEngine) Status() EngineStatus {
	st := EngineStatus{Model: e.ModelStatus(), Schedule: e.cfg.Schedule}
	if e.registry != nil {
		st.Registry = e.registry.HealthStatus()
	}
	if e.alerts != nil {
		st.Rules = len(e.alerts.Rules())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st.Scheduled = e.cron != nil
	if !e.lastCycle.IsZero() {
		t := e.lastCycle
		st.LastCycle = &t
	}
	st.LastCycleAnomalies = e.lastAnomalies
	return st
}

// cronLogger routes scheduler logs through the service logger.
type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(kvFields(keysAndValues), logger.Error(err))...)
}

func kvFields(kv []interface{}) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, logger.Any(key, kv[i+1]))
	}
	return fields
}
