package usecase

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/repository/source"
	"MarketSentry/internal/services/alerting"
	"MarketSentry/internal/services/detection"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) Notify(_ context.Context, r *models.AlertRule, a *models.Anomaly) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, r.Name+":"+a.ID)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type memModelStore struct {
	blob []byte
}

func (s *memModelStore) Save(_ context.Context, blob []byte) error {
	s.blob = append([]byte(nil), blob...)
	return nil
}

func (s *memModelStore) Load(context.Context) ([]byte, error) {
	if s.blob == nil {
		return nil, errors.New("empty")
	}
	return s.blob, nil
}

func from(source string, pts ...*models.MarketDataPoint) []*models.MarketDataPoint {
	for _, p := range pts {
		p.SourceName = source
	}
	return pts
}

func baseConfig() EngineConfig {
	return EngineConfig{MissingDataMinutes: 30, PriceMovementPercent: 5, MaxWorkers: 2}
}

func newTestEngine(reg *AdapterRegistry, alerts *alerting.Engine, opts ...EngineOption) *DetectionEngine {
	return NewDetectionEngine(baseConfig(), reg, nil, alerts, nil, opts...)
}

func TestDetectMissingDataScenario(t *testing.T) {
	reg := testRegistry(nil)
	reg.Register(newFake("cache"))
	e := newTestEngine(reg, nil)

	pts := from("cache", pt("AAPL", t0, 150), pt("AAPL", t0.Add(2*time.Hour), 149))
	got := e.Detect(context.Background(), pts)
	if len(got) != 1 {
		t.Fatalf("got %d anomalies, want 1", len(got))
	}
	a := got[0]
	if a.Type != models.AnomalyMissingData || a.Severity != models.SeverityHigh {
		t.Errorf("got %s/%s", a.Type, a.Severity)
	}
	if gap, _ := a.Details["gap_minutes"].(float64); math.Abs(gap-120) > 0.01 {
		t.Errorf("gap = %v", a.Details["gap_minutes"])
	}
	if a.ID == "" {
		t.Error("anomaly id not assigned")
	}
	for _, p := range pts {
		if p.ProcessedAt == nil {
			t.Error("processed_at not stamped")
		}
	}
}

func TestDetectPriceMovementScenario(t *testing.T) {
	e := newTestEngine(testRegistry(nil), nil)
	got := e.Detect(context.Background(), from("cache", pt("AAPL", t0, 150), pt("AAPL", t0.Add(time.Minute), 160)))
	if len(got) != 1 || got[0].Type != models.AnomalyPriceMovement || got[0].Severity != models.SeverityHigh {
		t.Fatalf("got %+v", got)
	}
	if pct, _ := got[0].Details["price_change_percent"].(float64); math.Abs(pct-6.67) > 0.01 {
		t.Errorf("pct = %v", got[0].Details["price_change_percent"])
	}
}

func TestDetectHonoursSourceFlagsAndOverrides(t *testing.T) {
	off := newFake("off")
	off.cfg.Detectors = models.DetectorFlags{}
	lenient := newFake("lenient")
	lenient.cfg.Overrides.MissingDataMinutes = models.Float(180)
	reg := testRegistry(nil)
	reg.Register(off)
	reg.Register(lenient)
	e := newTestEngine(reg, nil)

	pts := append(
		from("off", pt("AAPL", t0, 150), pt("AAPL", t0.Add(2*time.Hour), 200)),
		from("lenient", pt("MSFT", t0, 300), pt("MSFT", t0.Add(2*time.Hour), 301))...,
	)
	if got := e.Detect(context.Background(), pts); len(got) != 0 {
		t.Fatalf("got %d anomalies, want none: %+v", len(got), got)
	}
}

func TestDetectSkipsNilAndStampsReceivedAt(t *testing.T) {
	e := newTestEngine(nil, nil)
	p := pt("AAPL", t0, 150)
	p.ReceivedAt = time.Time{}
	if got := e.Detect(context.Background(), []*models.MarketDataPoint{nil, p}); len(got) != 0 {
		t.Fatalf("got %+v", got)
	}
	if p.ReceivedAt.IsZero() {
		t.Error("received_at not stamped")
	}
	if got := e.Detect(context.Background(), nil); got == nil || len(got) != 0 {
		t.Errorf("empty input should return an empty slice, got %v", got)
	}
}

// Stream adapters serve reads from one buffer; concurrent cycles stamp
// their own copies. Run with -race.
func TestConcurrentDetectOverSharedBuffer(t *testing.T) {
	buf := source.NewBuffer(50)
	for i := 0; i < 20; i++ {
		p := pt("AAPL", t0.Add(time.Duration(i)*time.Minute), 150+float64(i))
		p.ReceivedAt = time.Time{}
		buf.Add(p)
	}
	e := newTestEngine(nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				e.Detect(context.Background(), buf.Latest(nil, 0))
			}
		}()
	}
	wg.Wait()

	for _, p := range buf.Latest(nil, 0) {
		if p.ProcessedAt != nil || !p.ReceivedAt.IsZero() {
			t.Fatalf("buffered point was stamped in place: %+v", p)
		}
	}
}

func TestDetectEvaluatesAlertRules(t *testing.T) {
	n := &recordingNotifier{}
	r := &models.AlertRule{
		Name:             "big-moves",
		AnomalyTypes:     []models.AnomalyType{models.AnomalyPriceMovement},
		MinSeverity:      models.SeverityHigh,
		Location:         time.UTC,
		MaxAlertsPerHour: 10,
		Enabled:          true,
	}
	e := newTestEngine(nil, alerting.NewEngine([]*models.AlertRule{r}, n, nil))

	e.Detect(context.Background(), from("cache",
		pt("AAPL", t0, 150), pt("AAPL", t0.Add(time.Minute), 160),
		pt("AAPL", t0.Add(2*time.Hour), 161),
	))
	if n.count() != 1 {
		t.Fatalf("notified %d times, want 1", n.count())
	}
}

func TestDetectWithFiltersBeforeAlerting(t *testing.T) {
	n := &recordingNotifier{}
	r := &models.AlertRule{Name: "all", MinSeverity: models.SeverityLow, Location: time.UTC, MaxAlertsPerHour: 10, Enabled: true}
	e := newTestEngine(nil, alerting.NewEngine([]*models.AlertRule{r}, n, nil))

	got := e.DetectWith(context.Background(), from("cache", pt("AAPL", t0, 150), pt("AAPL", t0.Add(time.Minute), 160)),
		func(*models.Anomaly) bool { return false })
	if len(got) != 0 || n.count() != 0 {
		t.Fatalf("got %d anomalies and %d notifications", len(got), n.count())
	}
}

func TestSingleDetectorEntryPoints(t *testing.T) {
	e := newTestEngine(nil, nil)
	pts := from("cache", pt("AAPL", t0, 150), pt("AAPL", t0.Add(45*time.Minute), 151))

	if got := e.DetectMissingData(context.Background(), pts, 0); len(got) != 1 {
		t.Errorf("default threshold: got %d", len(got))
	}
	if got := e.DetectMissingData(context.Background(), pts, 60); len(got) != 0 {
		t.Errorf("threshold 60: got %d", len(got))
	}
	if got := e.DetectPriceMovement(context.Background(), pts, 0.5, 0); len(got) != 1 {
		t.Errorf("threshold 0.5: got %d", len(got))
	}
}

func trainingSet(n int) []*models.MarketDataPoint {
	rng := rand.New(rand.NewSource(7))
	price := 100.0
	pts := make([]*models.MarketDataPoint, 0, n)
	for i := 0; i < n; i++ {
		price *= 1 + rng.NormFloat64()*0.002
		p := models.NewMarketDataPoint("AAPL", t0.Add(time.Duration(i)*time.Minute), models.SourceRedis, models.DataPrice,
			map[string]interface{}{"price": price, "volume": 1000 + rng.NormFloat64()*50})
		pts = append(pts, p)
	}
	return pts
}

func TestModelLifecycle(t *testing.T) {
	store := &memModelStore{}
	cfg := baseConfig()
	cfg.EnableML = true
	ml := detection.NewMLDetector(detection.ForestConfig{Trees: 20, SampleSize: 64, Contamination: 0.1, Seed: 42}, nil)
	e := NewDetectionEngine(cfg, nil, ml, nil, nil, WithModelStore(store))

	if st := e.Status(); st.Model.Trained || !st.Model.Enabled {
		t.Fatalf("model status before training = %+v", st.Model)
	}
	if err := e.SaveModel(context.Background()); err == nil {
		t.Error("saving an untrained model should fail")
	}

	res, err := e.Train(context.Background(), trainingSet(200))
	if err != nil || !res.Success || res.Samples != 200 {
		t.Fatalf("train = %+v, %v", res, err)
	}
	if err := e.SaveModel(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := detection.NewMLDetector(detection.ForestConfig{}, nil)
	e2 := NewDetectionEngine(cfg, nil, restored, nil, nil, WithModelStore(store))
	if err := e2.LoadModel(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	st := e2.Status().Model
	if !st.Trained || st.Samples != 200 || st.TrainedAt == nil {
		t.Errorf("restored status = %+v", st)
	}
}

func TestTrainWithoutData(t *testing.T) {
	ml := detection.NewMLDetector(detection.ForestConfig{}, nil)
	e := NewDetectionEngine(baseConfig(), nil, ml, nil, nil)
	res, err := e.Train(context.Background(), nil)
	if !errors.Is(err, ErrNoTrainingData) || res.Success {
		t.Fatalf("got %+v, %v", res, err)
	}
	if res.Message == "" {
		t.Error("failure message empty")
	}
}

func TestModelCallsWithoutStore(t *testing.T) {
	e := NewDetectionEngine(baseConfig(), nil, detection.NewMLDetector(detection.ForestConfig{}, nil), nil, nil)
	if err := e.LoadModel(context.Background()); !errors.Is(err, ErrNoModelStore) {
		t.Errorf("load: got %v", err)
	}
	e = NewDetectionEngine(baseConfig(), nil, nil, nil, nil)
	if _, err := e.Train(context.Background(), nil); !errors.Is(err, ErrMLDisabled) {
		t.Errorf("train: got %v", err)
	}
}

func TestRunCycleRecordsStatus(t *testing.T) {
	a := newFake("cache", pt("AAPL", t0, 150), pt("AAPL", t0.Add(2*time.Hour), 149))
	b := newFake("broken")
	b.fetchErr = errors.New("down")
	reg := testRegistry(nil)
	reg.Register(a)
	reg.Register(b)
	e := newTestEngine(reg, nil, WithEngineClock(func() time.Time { return t0.Add(3 * time.Hour) }))

	got, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d anomalies, want 1", len(got))
	}
	st := e.Status()
	if st.LastCycle == nil || !st.LastCycle.Equal(t0.Add(3*time.Hour)) || st.LastCycleAnomalies != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.Registry.TotalAdapters != 2 {
		t.Errorf("registry in status = %+v", st.Registry)
	}
}

func TestStartStopScheduler(t *testing.T) {
	e := newTestEngine(testRegistry(nil), nil)
	e.cfg.Schedule = "@every 1h"
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrEngineRunning) {
		t.Errorf("second start: got %v", err)
	}
	if !e.Status().Scheduled {
		t.Error("status not scheduled")
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if e.Status().Scheduled {
		t.Error("still scheduled after stop")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	e := newTestEngine(nil, nil)
	e.cfg.Schedule = "every now and then"
	if err := e.Start(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}
