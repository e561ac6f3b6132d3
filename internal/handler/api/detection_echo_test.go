package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	models "MarketSentry/internal/domain/models"
	"MarketSentry/internal/domain/repository"
	store "MarketSentry/internal/repository"
	"MarketSentry/internal/services/alerting"
	"MarketSentry/internal/services/detection"
	"MarketSentry/internal/usecase"

	"github.com/labstack/echo/v4"
)

// stubAdapter implements the calls the handlers reach; anything else panics
// through the nil embedded interface.
type stubAdapter struct {
	repository.SourceAdapter
	cfg    models.DataSourceConfig
	points []*models.MarketDataPoint
}

func (s *stubAdapter) Name() string                    { return s.cfg.Name }
func (s *stubAdapter) Type() models.SourceType         { return s.cfg.Type }
func (s *stubAdapter) Config() models.DataSourceConfig { return s.cfg }
func (s *stubAdapter) IsConnected() bool               { return true }
func (s *stubAdapter) LastHeartbeat() time.Time        { return time.Time{} }
func (s *stubAdapter) SupportedSymbols() []string      { return s.cfg.ExpectedSymbols }

func (s *stubAdapter) LatestData(context.Context, []string, int) ([]*models.MarketDataPoint, error) {
	return s.points, nil
}

type memStore struct{ blob []byte }

func (m *memStore) Save(_ context.Context, b []byte) error {
	m.blob = append([]byte(nil), b...)
	return nil
}

func (m *memStore) Load(context.Context) ([]byte, error) {
	if m.blob == nil {
		return nil, store.ErrModelNotFound
	}
	return m.blob, nil
}

type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type fixture struct {
	e      *echo.Echo
	engine *usecase.DetectionEngine
	alerts *alerting.Engine
}

func newFixture(t *testing.T, withAdapter, withML bool) *fixture {
	t.Helper()
	reg := usecase.NewAdapterRegistry(nil, nil, nil, usecase.RegistryConfig{})
	if withAdapter {
		p := models.NewMarketDataPoint("AAPL", time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC), models.SourceRedis, models.DataPrice,
			map[string]interface{}{"price": 150.0})
		p.SourceName = "feed"
		reg.Register(&stubAdapter{
			cfg: models.DataSourceConfig{
				Name:            "feed",
				Type:            models.SourceRedis,
				Enabled:         true,
				ExpectedSymbols: []string{"AAPL"},
				Detectors:       models.DetectorFlags{MissingData: true, PriceMovement: true},
			},
			points: []*models.MarketDataPoint{p},
		})
	}
	var ml *detection.MLDetector
	if withML {
		ml = detection.NewMLDetector(detection.ForestConfig{Trees: 20, SampleSize: 64, Contamination: 0.1, Seed: 42}, nil)
	}
	alerts := alerting.NewEngine(nil, alerting.NewLogNotifier(nil), nil)
	engine := usecase.NewDetectionEngine(
		usecase.EngineConfig{MissingDataMinutes: 30, PriceMovementPercent: 5, MaxWorkers: 2, EnableML: withML},
		reg, ml, alerts, nil, usecase.WithModelStore(&memStore{}),
	)
	e := echo.New()
	NewDetectionEchoHandler(nil, engine).RegisterRoutes(e)
	return &fixture{e: e, engine: engine, alerts: alerts}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
	}
	if env.Status != rec.Code {
		t.Errorf("%s %s: envelope status %d != http %d", method, path, env.Status, rec.Code)
	}
	return rec.Code, env
}

func point(ts string, price float64) models.PointRequest {
	return models.PointRequest{Symbol: "AAPL", Timestamp: ts, SourceName: "feed", Price: &price}
}

func TestHealthReflectsRegistry(t *testing.T) {
	code, env := newFixture(t, false, false).do(t, http.MethodGet, "/health", nil)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("empty registry: code %d, want 503", code)
	}
	var res HealthResponse
	_ = json.Unmarshal(env.Data, &res)
	if res.Status != "degraded" {
		t.Errorf("status = %q", res.Status)
	}

	code, env = newFixture(t, true, false).do(t, http.MethodGet, "/health", nil)
	if code != http.StatusOK {
		t.Fatalf("connected registry: code %d, want 200", code)
	}
	_ = json.Unmarshal(env.Data, &res)
	if res.Status != "healthy" || res.Sources.ConnectedAdapters != 1 {
		t.Errorf("health = %+v", res)
	}
}

func TestDetectFindsGap(t *testing.T) {
	f := newFixture(t, true, false)
	body := models.DetectRequest{Data: []models.PointRequest{
		point("2024-03-05T14:30:00Z", 150),
		point("2024-03-05T16:30:00Z", 149),
	}}
	code, env := f.do(t, http.MethodPost, "/api/v1/detect", body)
	if code != http.StatusOK {
		t.Fatalf("code %d: %s", code, env.Data)
	}
	var res DetectResponse
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatal(err)
	}
	if res.Count != 1 || res.Anomalies[0].Type != models.AnomalyMissingData {
		t.Fatalf("anomalies = %s", env.Data)
	}
	if res.Anomalies[0].ID == "" {
		t.Error("anomaly id missing")
	}
}

func TestDetectValidation(t *testing.T) {
	f := newFixture(t, true, false)
	cases := map[string]interface{}{
		"empty data":    models.DetectRequest{},
		"no symbol":     models.DetectRequest{Data: []models.PointRequest{{Timestamp: "2024-03-05T14:30:00Z"}}},
		"bad timestamp": models.DetectRequest{Data: []models.PointRequest{point("yesterday", 1)}},
		"bad source":    models.DetectRequest{Data: []models.PointRequest{{Symbol: "AAPL", Timestamp: "1709649000", Source: "carrier-pigeon"}}},
		"not json":      "{",
	}
	for name, body := range cases {
		if code, _ := f.do(t, http.MethodPost, "/api/v1/detect", body); code != http.StatusBadRequest {
			t.Errorf("%s: code %d, want 400", name, code)
		}
	}
}

func TestDetectErrorsNameTheField(t *testing.T) {
	f := newFixture(t, true, false)
	good := point("2024-03-05T14:30:00Z", 150)

	for _, tc := range []struct {
		body        models.DetectRequest
		code, field string
	}{
		{models.DetectRequest{Data: []models.PointRequest{good, {Timestamp: "1709649000"}}}, "ERR_REQUIRED", "data[1].symbol"},
		{models.DetectRequest{Data: []models.PointRequest{good, point("soon", 1)}}, "ERR_INVALID", "data[1]"},
	} {
		code, env := f.do(t, http.MethodPost, "/api/v1/detect", tc.body)
		if code != http.StatusBadRequest {
			t.Fatalf("%s: code %d, want 400", tc.field, code)
		}
		var errs []struct {
			Code  string `json:"code"`
			Field string `json:"field"`
		}
		if err := json.Unmarshal(env.Data, &errs); err != nil || len(errs) != 1 {
			t.Fatalf("%s: errors %s", tc.field, env.Data)
		}
		if errs[0].Code != tc.code || errs[0].Field != tc.field {
			t.Errorf("got %s at %q, want %s at %q", errs[0].Code, errs[0].Field, tc.code, tc.field)
		}
	}
}

func TestPriceMovementThresholdFromRequest(t *testing.T) {
	f := newFixture(t, true, false)
	data := []models.PointRequest{point("2024-03-05T14:30:00Z", 150), point("2024-03-05T14:31:00Z", 160)}

	for _, tc := range []struct {
		threshold float64
		want      int
	}{{10, 0}, {5, 1}, {0, 1}} {
		_, env := f.do(t, http.MethodPost, "/api/v1/detect/price-movement",
			models.PriceMovementRequest{Data: data, ThresholdPercent: tc.threshold})
		var res DetectResponse
		_ = json.Unmarshal(env.Data, &res)
		if res.Count != tc.want {
			t.Errorf("threshold %v: %d anomalies, want %d", tc.threshold, res.Count, tc.want)
		}
	}
}

func TestMissingDataThresholdFromRequest(t *testing.T) {
	f := newFixture(t, true, false)
	data := []models.PointRequest{point("2024-03-05T14:30:00Z", 150), point("2024-03-05T15:10:00Z", 150)}
	_, env := f.do(t, http.MethodPost, "/api/v1/detect/missing-data", models.MissingDataRequest{Data: data, ThresholdMinutes: 60})
	var res DetectResponse
	_ = json.Unmarshal(env.Data, &res)
	if res.Count != 0 {
		t.Fatalf("40 minute gap under 60 minute threshold reported %d", res.Count)
	}
	_, env = f.do(t, http.MethodPost, "/api/v1/detect/missing-data", models.MissingDataRequest{Data: data})
	_ = json.Unmarshal(env.Data, &res)
	if res.Count != 1 {
		t.Fatalf("default threshold reported %d, want 1", res.Count)
	}
}

func TestLatestData(t *testing.T) {
	f := newFixture(t, true, false)
	code, env := f.do(t, http.MethodGet, "/api/v1/data/latest?symbols=AAPL&limit=5", nil)
	if code != http.StatusOK {
		t.Fatalf("code %d", code)
	}
	var res struct {
		Rows  []models.MarketDataPoint `json:"rows"`
		Total int64                    `json:"total"`
	}
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || res.Rows[0].SourceName != "feed" {
		t.Fatalf("latest = %s", env.Data)
	}

	if code, _ := f.do(t, http.MethodGet, "/api/v1/data/latest?limit=20000", nil); code != http.StatusBadRequest {
		t.Errorf("limit=20000: code %d, want 400", code)
	}
}

func TestReplaceRules(t *testing.T) {
	f := newFixture(t, true, false)
	body := `{"rules": [
		{"name": "critical-only", "min_severity": "critical"},
		{"name": "broken", "min_severity": "catastrophic"},
		{"name": "off", "enabled": false}
	]}`
	code, env := f.do(t, http.MethodPut, "/api/v1/rules", body)
	if code != http.StatusOK {
		t.Fatalf("code %d: %s", code, env.Data)
	}
	var res RulesResponse
	_ = json.Unmarshal(env.Data, &res)
	if res.Loaded != 2 || res.Skipped != 1 {
		t.Fatalf("rules = %+v", res)
	}

	rules := f.alerts.Rules()
	if len(rules) != 2 {
		t.Fatalf("engine has %d rules", len(rules))
	}
	byName := map[string]*models.AlertRule{}
	for _, r := range rules {
		byName[r.Name] = r
	}
	if r := byName["critical-only"]; r == nil || !r.Enabled || r.Cooldown != 15*time.Minute || r.MaxAlertsPerHour != 10 {
		t.Errorf("defaults not applied: %+v", r)
	}
	if r := byName["off"]; r == nil || r.Enabled {
		t.Errorf("explicit enabled=false lost: %+v", r)
	}

	if code, _ := f.do(t, http.MethodPut, "/api/v1/rules", `{"rules": [{"min_severity": "low"}]}`); code != http.StatusBadRequest {
		t.Errorf("all-invalid payload: code %d, want 400", code)
	}
	if len(f.alerts.Rules()) != 2 {
		t.Error("rules replaced by an invalid payload")
	}
}

func TestModelEndpointsWithoutML(t *testing.T) {
	f := newFixture(t, true, false)
	for _, path := range []string{"/api/v1/train", "/api/v1/model/save", "/api/v1/model/load"} {
		if code, _ := f.do(t, http.MethodPost, path, nil); code != http.StatusServiceUnavailable {
			t.Errorf("%s: code %d, want 503", path, code)
		}
	}
}

func trainingData(n int) []models.PointRequest {
	out := make([]models.PointRequest, 0, n)
	start := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		price := 100 + float64(i%7)*0.1
		volume := 1000 + float64(i%5)*10
		out = append(out, models.PointRequest{
			Symbol:    "AAPL",
			Timestamp: start.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
			Price:     &price,
			Volume:    &volume,
		})
	}
	return out
}

func TestTrainSaveLoad(t *testing.T) {
	f := newFixture(t, true, true)

	if code, _ := f.do(t, http.MethodPost, "/api/v1/model/save", nil); code != http.StatusConflict {
		t.Fatalf("save before training: code %d, want 409", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/v1/model/load", nil); code != http.StatusNotFound {
		t.Fatalf("load from empty store: code %d, want 404", code)
	}

	code, env := f.do(t, http.MethodPost, "/api/v1/train", models.TrainRequest{Data: trainingData(120)})
	if code != http.StatusOK {
		t.Fatalf("train: code %d: %s", code, env.Data)
	}
	var res usecase.TrainResult
	_ = json.Unmarshal(env.Data, &res)
	if !res.Success || res.Samples == 0 || !strings.Contains(res.Message, "trained") {
		t.Fatalf("train result = %+v", res)
	}

	if code, _ := f.do(t, http.MethodPost, "/api/v1/model/save", nil); code != http.StatusOK {
		t.Fatalf("save: code %d", code)
	}
	code, env = f.do(t, http.MethodPost, "/api/v1/model/load", nil)
	if code != http.StatusOK {
		t.Fatalf("load: code %d", code)
	}
	var st usecase.ModelStatus
	_ = json.Unmarshal(env.Data, &st)
	if !st.Trained || st.Samples != res.Samples {
		t.Errorf("model status after load = %+v", st)
	}

	code, env = f.do(t, http.MethodPost, "/api/v1/detect/ml-anomalies", models.DetectRequest{Data: trainingData(40)})
	if code != http.StatusOK {
		t.Fatalf("ml-anomalies: code %d: %s", code, env.Data)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, true, false)
	code, env := f.do(t, http.MethodGet, "/api/v1/status", nil)
	if code != http.StatusOK {
		t.Fatalf("code %d", code)
	}
	var st usecase.EngineStatus
	_ = json.Unmarshal(env.Data, &st)
	if st.Registry.TotalAdapters != 1 || st.Scheduled {
		t.Errorf("status = %+v", st)
	}
}
