package detection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/domain/service"
	"MarketSentry/internal/service/metrics"
	"MarketSentry/internal/services/features"
	"MarketSentry/pkg/logger"
)

const modelType = "isolation_forest"

var ErrNoTrainingData = errors.New("no features available for training")

// mlModel is swapped as a whole so scaler and forest always match.
type mlModel struct {
	IsTrained      bool            `json:"is_trained"`
	ModelType      string          `json:"model_type"`
	FeatureColumns []string        `json:"feature_columns"`
	Contamination  float64         `json:"contamination"`
	Scaler         StandardScaler  `json:"scaler"`
	Forest         IsolationForest `json:"model"`
	Samples        int             `json:"samples"`
	TrainedAt      time.Time       `json:"trained_at"`
}

// MLDetector wraps an isolation forest over the features.Columns vector.
type MLDetector struct {
	base
	cfg ForestConfig

	mu    sync.RWMutex
	model *mlModel
}

var _ service.Trainable = (*MLDetector)(nil)

func NewMLDetector(cfg ForestConfig, l *logger.Logger) *MLDetector {
	def := DefaultForestConfig()
	if cfg.Trees <= 0 {
		cfg.Trees = def.Trees
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = def.SampleSize
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 0.5 {
		cfg.Contamination = def.Contamination
	}
	return &MLDetector{base: newBase("ml", l), cfg: cfg}
}

func (d *MLDetector) current() *mlModel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.model
}

func (d *MLDetector) IsTrained() bool {
	m := d.current()
	return m != nil && m.IsTrained
}

// Info reports sample count and fit time of the current model.
func (d *MLDetector) Info() (samples int, trainedAt time.Time, ok bool) {
	m := d.current()
	if m == nil {
		return 0, time.Time{}, false
	}
	return m.Samples, m.TrainedAt, true
}

// Train fits a fresh scaler and forest and installs them together.
func (d *MLDetector) Train(ctx context.Context, points []*models.MarketDataPoint) (int, error) {
	groups, order := groupBySymbol(points)
	var rows [][]float64
	for _, symbol := range order {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		r, _ := features.Build(groups[symbol])
		rows = append(rows, r...)
	}
	if len(rows) == 0 {
		return 0, ErrNoTrainingData
	}

	d.l.Info("training anomaly model", logger.Int("samples", len(rows)), logger.Int("symbols", len(order)))

	scaler := FitScaler(rows)
	forest, err := FitIsolationForest(scaler.Transform(rows), d.cfg)
	if err != nil {
		return 0, fmt.Errorf("fit forest: %w", err)
	}

	m := &mlModel{
		IsTrained:      true,
		ModelType:      modelType,
		FeatureColumns: append([]string(nil), features.Columns...),
		Contamination:  d.cfg.Contamination,
		Scaler:         scaler,
		Forest:         *forest,
		Samples:        len(rows),
		TrainedAt:      time.Now().UTC(),
	}
	d.install(m)
	d.l.Info("anomaly model trained", logger.Int("samples", len(rows)))
	return len(rows), nil
}

func (d *MLDetector) install(m *mlModel) {
	d.mu.Lock()
	d.model = m
	d.mu.Unlock()

	metrics.ModelTrained.Set(1)
	metrics.ModelTrainingSamples.Set(float64(m.Samples))
}

func (d *MLDetector) Detect(_ context.Context, points []*models.MarketDataPoint) []*models.Anomaly {
	m := d.current()
	if m == nil || !m.IsTrained {
		d.l.Info("anomaly model not trained yet, skipping", logger.Int("points", len(points)))
		return nil
	}

	return d.eachSymbol(points, func(symbol string, pts []*models.MarketDataPoint) ([]*models.Anomaly, error) {
		rows, ordered := features.Build(pts)
		scaled := m.Scaler.Transform(rows)

		var out []*models.Anomaly
		for i, row := range scaled {
			score := m.Forest.Decision(row)
			if score >= 0 {
				continue
			}
			a := models.NewAnomaly(ordered[i], models.AnomalyMLDetected, severityFromScore(score),
				fmt.Sprintf("ML model detected anomaly (score: %.3f)", score),
				map[string]interface{}{
					"anomaly_score": round(score, 6),
					"model_type":    m.ModelType,
					"features_used": m.FeatureColumns,
				},
			)
			a.WithValues(nil, models.Float(score), models.Float(0))
			out = append(out, a)
		}
		return out, nil
	})
}

// severityFromScore maps the decision score; lower is more anomalous.
func severityFromScore(score float64) models.Severity {
	switch {
	case score < -0.5:
		return models.SeverityCritical
	case score < -0.3:
		return models.SeverityHigh
	case score < -0.1:
		return models.SeverityMedium
	}
	return models.SeverityLow
}

// Marshal serializes scaler, forest and metadata as one document.
func (d *MLDetector) Marshal() ([]byte, error) {
	m := d.current()
	if m == nil {
		return nil, ErrNotFitted
	}
	return json.Marshal(m)
}

// Unmarshal validates a saved model and installs it; on error the current
// model is left untouched.
func (d *MLDetector) Unmarshal(blob []byte) error {
	var m mlModel
	if err := json.Unmarshal(blob, &m); err != nil {
		return fmt.Errorf("decode model: %w", err)
	}
	if !m.IsTrained || len(m.Forest.Trees) == 0 {
		return ErrNotFitted
	}
	if len(m.FeatureColumns) != len(features.Columns) {
		return fmt.Errorf("model has %d feature columns, want %d", len(m.FeatureColumns), len(features.Columns))
	}
	for i, col := range features.Columns {
		if m.FeatureColumns[i] != col {
			return fmt.Errorf("feature column %d is %q, want %q", i, m.FeatureColumns[i], col)
		}
	}
	if len(m.Scaler.Mean) != len(features.Columns) || len(m.Scaler.Scale) != len(features.Columns) {
		return errors.New("scaler does not match feature columns")
	}
	d.install(&m)
	return nil
}
