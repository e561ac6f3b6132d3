package detection

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"MarketSentry/internal/domain/models"
)

var t0 = time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)

func pt(symbol string, ts time.Time, price float64) *models.MarketDataPoint {
	return &models.MarketDataPoint{
		Symbol:    symbol,
		Timestamp: ts,
		Source:    models.SourceRedis,
		DataType:  models.DataPrice,
		Payload:   map[string]interface{}{"price": price},
		Price:     &price,
	}
}

func withVolume(p *models.MarketDataPoint, v float64) *models.MarketDataPoint {
	p.Volume = &v
	return p
}

func TestMissingDataScenario(t *testing.T) {
	d := NewMissingDataDetector(30, nil)
	got := d.Detect(context.Background(), []*models.MarketDataPoint{
		pt("AAPL", t0, 150),
		pt("AAPL", t0.Add(2*time.Hour), 149),
	})
	if len(got) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(got))
	}
	a := got[0]
	if a.Type != models.AnomalyMissingData || a.Severity != models.SeverityHigh {
		t.Fatalf("got %s/%s, want missing_data/high", a.Type, a.Severity)
	}
	if gap := a.Details["gap_minutes"].(float64); math.Abs(gap-120) > 0.01 {
		t.Fatalf("gap = %v, want 120", gap)
	}
	if a.DataTimestamp.After(a.DetectedAt) {
		t.Fatalf("data timestamp after detection time")
	}
}

func TestMissingDataThresholds(t *testing.T) {
	d := NewMissingDataDetector(30, nil)
	cases := []struct {
		gap  time.Duration
		want int
		sev  models.Severity
	}{
		{30 * time.Minute, 0, 0},
		{45 * time.Minute, 1, models.SeverityMedium},
		{60 * time.Minute, 1, models.SeverityMedium},
		{61 * time.Minute, 1, models.SeverityHigh},
	}
	for _, c := range cases {
		got := d.Detect(context.Background(), []*models.MarketDataPoint{
			pt("MSFT", t0, 1), pt("MSFT", t0.Add(c.gap), 1),
		})
		if len(got) != c.want {
			t.Errorf("gap %v: anomalies = %d, want %d", c.gap, len(got), c.want)
			continue
		}
		if c.want == 1 && got[0].Severity != c.sev {
			t.Errorf("gap %v: severity = %s, want %s", c.gap, got[0].Severity, c.sev)
		}
	}
}

func TestMissingDataSinglePointAndUnsorted(t *testing.T) {
	d := NewMissingDataDetector(30, nil)
	if got := d.Detect(context.Background(), []*models.MarketDataPoint{pt("AAPL", t0, 1)}); len(got) != 0 {
		t.Fatalf("single point produced %d anomalies", len(got))
	}

	got := d.Detect(context.Background(), []*models.MarketDataPoint{
		pt("AAPL", t0.Add(10*time.Minute), 1),
		pt("GOOG", t0, 1),
		pt("AAPL", t0, 1),
		pt("GOOG", t0.Add(40*time.Minute), 1),
	})
	if len(got) != 1 || got[0].Symbol != "GOOG" {
		t.Fatalf("expected one GOOG gap, got %+v", got)
	}
}

func TestPriceMovementScenario(t *testing.T) {
	d := NewPriceMovementDetector(5.0, nil)
	got := d.Detect(context.Background(), []*models.MarketDataPoint{
		pt("AAPL", t0, 150),
		pt("AAPL", t0, 160),
	})
	if len(got) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(got))
	}
	a := got[0]
	if a.Type != models.AnomalyPriceMovement || a.Severity != models.SeverityHigh {
		t.Fatalf("got %s/%s, want price_movement/high", a.Type, a.Severity)
	}
	if chg := a.Details["price_change_percent"].(float64); math.Abs(chg-6.6667) > 0.001 {
		t.Fatalf("change = %v, want ~6.67", chg)
	}
}

func TestPriceMovementSeverityAndSkips(t *testing.T) {
	d := NewPriceMovementDetector(5.0, nil)
	noPrice := &models.MarketDataPoint{Symbol: "AAPL", Timestamp: t0.Add(time.Minute), DataType: models.DataPrice}

	got := d.Detect(context.Background(), []*models.MarketDataPoint{
		pt("AAPL", t0, 100),
		noPrice,
		pt("AAPL", t0.Add(2*time.Minute), 111),
		pt("AAPL", t0.Add(3*time.Minute), 113),
	})
	if len(got) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(got))
	}
	if got[0].Severity != models.SeverityCritical {
		t.Fatalf("11%% move severity = %s, want critical", got[0].Severity)
	}

	if got := d.Detect(context.Background(), []*models.MarketDataPoint{pt("AAPL", t0, 100)}); len(got) != 0 {
		t.Fatalf("first point triggered")
	}
}

func TestPriceMovementEnforcedWindow(t *testing.T) {
	pts := []*models.MarketDataPoint{pt("AAPL", t0, 100), pt("AAPL", t0.Add(time.Hour), 120)}

	loose := NewPriceMovementDetector(5, nil, WithPriceWindow(15))
	if got := loose.Detect(context.Background(), pts); len(got) != 1 {
		t.Fatalf("descriptive window: anomalies = %d, want 1", len(got))
	}
	strict := NewPriceMovementDetector(5, nil, WithPriceWindow(15), WithEnforcedWindow(true))
	if got := strict.Detect(context.Background(), pts); len(got) != 0 {
		t.Fatalf("enforced window: anomalies = %d, want 0", len(got))
	}
}

func TestZScoreFlagsOnlySpike(t *testing.T) {
	var pts []*models.MarketDataPoint
	for i := 0; i < 25; i++ {
		pts = append(pts, withVolume(pt("AAPL", t0.Add(time.Duration(i)*time.Minute), 100), 500))
	}
	pts = append(pts, withVolume(pt("AAPL", t0.Add(25*time.Minute), 110), 500))
	for i := 26; i < 30; i++ {
		pts = append(pts, withVolume(pt("AAPL", t0.Add(time.Duration(i)*time.Minute), 100), 500))
	}

	got := NewZScoreDetector(nil).Detect(context.Background(), pts)
	if len(got) != 1 {
		t.Fatalf("anomalies = %d, want 1: %+v", len(got), got)
	}
	a := got[0]
	if a.Type != "price_zscore" || a.Severity != models.SeverityCritical {
		t.Fatalf("got %s/%s, want price_zscore/critical", a.Type, a.Severity)
	}
	if !a.DataTimestamp.Equal(t0.Add(25 * time.Minute)) {
		t.Fatalf("flagged wrong point at %v", a.DataTimestamp)
	}
}

func TestZScoreNeedsHistory(t *testing.T) {
	var pts []*models.MarketDataPoint
	for i := 0; i < 10; i++ {
		pts = append(pts, pt("AAPL", t0.Add(time.Duration(i)*time.Minute), 100))
	}
	pts = append(pts, pt("AAPL", t0.Add(10*time.Minute), 1000))

	if got := NewZScoreDetector(nil).Detect(context.Background(), pts); len(got) != 0 {
		t.Fatalf("flagged before window history existed: %+v", got)
	}
}

func TestZScoreWindowMustReachThreshold(t *testing.T) {
	if got := MinZScoreWindow(3); got != 11 {
		t.Fatalf("MinZScoreWindow(3) = %d, want 11", got)
	}
	d := NewZScoreDetector(nil, WithZScoreWindow(5))
	if d.Window() != 11 {
		t.Fatalf("window = %d, want 11", d.Window())
	}

	var pts []*models.MarketDataPoint
	for i := 0; i < 11; i++ {
		pts = append(pts, pt("AAPL", t0.Add(time.Duration(i)*time.Minute), 100))
	}
	pts = append(pts, pt("AAPL", t0.Add(11*time.Minute), 1000))
	got := d.Detect(context.Background(), pts)
	if len(got) != 1 || got[0].Severity != models.SeverityHigh {
		t.Fatalf("single outlier in the smallest window: %+v", got)
	}
}

func TestStaleData(t *testing.T) {
	d := NewStaleDataDetector(30, nil, nil)
	now := t0.Add(3 * time.Hour)
	d.now = func() time.Time { return now }

	got := d.Detect(context.Background(), []*models.MarketDataPoint{
		pt("AAPL", now.Add(-10*time.Minute), 1),
		pt("MSFT", now.Add(-45*time.Minute), 1),
		pt("GOOG", now.Add(-90*time.Minute), 1),
	})
	sev := map[string]models.Severity{}
	for _, a := range got {
		sev[a.Symbol] = a.Severity
	}
	if len(got) != 2 || sev["MSFT"] != models.SeverityMedium || sev["GOOG"] != models.SeverityHigh {
		t.Fatalf("stale = %v", sev)
	}

	closed := models.MarketSession{OpenMinute: 0, CloseMinute: 1, Location: time.UTC}
	d = NewStaleDataDetector(30, &closed, nil)
	d.now = func() time.Time { return now }
	if got := d.Detect(context.Background(), []*models.MarketDataPoint{pt("GOOG", now.Add(-90*time.Minute), 1)}); len(got) != 0 {
		t.Fatalf("flagged outside the session")
	}
}

func TestVolumeSpike(t *testing.T) {
	var pts []*models.MarketDataPoint
	for i := 0; i < 5; i++ {
		pts = append(pts, withVolume(pt("AAPL", t0.Add(time.Duration(i)*time.Minute), 100), 100))
	}
	pts = append(pts, withVolume(pt("AAPL", t0.Add(5*time.Minute), 100), 700))

	got := NewVolumeSpikeDetector(3, 5, nil).Detect(context.Background(), pts)
	if len(got) != 1 || got[0].Severity != models.SeverityCritical {
		t.Fatalf("spike = %+v", got)
	}
}

func TestDataQuality(t *testing.T) {
	quote := pt("AAPL", t0, 10)
	quote.Payload["bid"] = 10.5
	quote.Payload["ask"] = 10.1

	got := NewDataQualityDetector(nil).Detect(context.Background(), []*models.MarketDataPoint{
		quote,
		pt("MSFT", t0, -1),
	})
	if len(got) != 2 {
		t.Fatalf("anomalies = %d, want 2", len(got))
	}
}

func TestPanicIsolatedPerSymbol(t *testing.T) {
	b := newBase("test", nil)
	got := b.eachSymbol([]*models.MarketDataPoint{pt("BAD", t0, 1), pt("OK", t0, 1)},
		func(symbol string, pts []*models.MarketDataPoint) ([]*models.Anomaly, error) {
			if symbol == "BAD" {
				panic("boom")
			}
			return []*models.Anomaly{models.NewAnomaly(pts[0], models.AnomalyDataQuality, models.SeverityLow, "ok", nil)}, nil
		})
	if len(got) != 1 || got[0].Symbol != "OK" {
		t.Fatalf("expected OK symbol to survive, got %+v", got)
	}
}

func trainingSet(n int) []*models.MarketDataPoint {
	rng := rand.New(rand.NewSource(7))
	price, volume := 100.0, 1000.0
	pts := make([]*models.MarketDataPoint, 0, n)
	for i := 0; i < n; i++ {
		price *= 1 + rng.NormFloat64()*0.002
		volume = 1000 + rng.NormFloat64()*50
		pts = append(pts, withVolume(pt("AAPL", t0.Add(time.Duration(i)*time.Minute), price), volume))
	}
	return pts
}

func TestMLUntrainedReturnsNothing(t *testing.T) {
	d := NewMLDetector(DefaultForestConfig(), nil)
	if got := d.Detect(context.Background(), trainingSet(50)); len(got) != 0 {
		t.Fatalf("untrained model returned %d anomalies", len(got))
	}
	if _, err := d.Marshal(); err == nil {
		t.Fatalf("marshal of untrained model should fail")
	}
}

func TestMLFlagsContaminationFraction(t *testing.T) {
	const n = 300
	d := NewMLDetector(DefaultForestConfig(), nil)
	data := trainingSet(n)

	samples, err := d.Train(context.Background(), data)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if samples != n || !d.IsTrained() {
		t.Fatalf("samples = %d, trained = %v", samples, d.IsTrained())
	}

	got := d.Detect(context.Background(), data)
	frac := float64(len(got)) / n
	if math.Abs(frac-0.1) > 0.03 {
		t.Fatalf("flagged fraction = %.3f, want ~0.1", frac)
	}
	for _, a := range got {
		if a.Type != models.AnomalyMLDetected || a.Details["model_type"] != "isolation_forest" {
			t.Fatalf("unexpected anomaly %+v", a)
		}
	}
}

func TestMLRestoreKeepsPredictions(t *testing.T) {
	data := trainingSet(200)
	trained := NewMLDetector(DefaultForestConfig(), nil)
	if _, err := trained.Train(context.Background(), data); err != nil {
		t.Fatalf("Train: %v", err)
	}
	blob, err := trained.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	restored := NewMLDetector(DefaultForestConfig(), nil)
	if err := restored.Unmarshal(blob); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := len(trained.Detect(context.Background(), data))
	if got := len(restored.Detect(context.Background(), data)); got != want {
		t.Fatalf("restored model flagged %d, original %d", got, want)
	}

	if err := restored.Unmarshal([]byte(`{"is_trained":true,"feature_columns":["price"]}`)); err == nil {
		t.Fatalf("expected error for mismatched model")
	}
	if !restored.IsTrained() {
		t.Fatalf("failed load replaced the working model")
	}
}

func TestSeverityFromScore(t *testing.T) {
	cases := map[float64]models.Severity{
		-0.6:  models.SeverityCritical,
		-0.4:  models.SeverityHigh,
		-0.2:  models.SeverityMedium,
		-0.05: models.SeverityLow,
	}
	for score, want := range cases {
		if got := severityFromScore(score); got != want {
			t.Errorf("severityFromScore(%v) = %s, want %s", score, got, want)
		}
	}
}
