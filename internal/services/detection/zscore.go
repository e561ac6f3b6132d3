package detection

import (
	"context"
	"fmt"
	"math"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/domain/service"
	"MarketSentry/internal/services/features"
	"MarketSentry/pkg/logger"
)

// ZScoreDetector scores each value against the rolling mean and sample std of
// the last window values, the current one included. A point is only scored
// once window earlier points exist for its symbol.
type ZScoreDetector struct {
	base
	window    int
	threshold float64
	critical  float64
	columns   []string
}

var _ service.Detector = (*ZScoreDetector)(nil)

type ZScoreOption func(*ZScoreDetector)

func WithZScoreWindow(n int) ZScoreOption {
	return func(d *ZScoreDetector) {
		if n >= 2 {
			d.window = n
		}
	}
}

func WithZScoreThresholds(threshold, critical float64) ZScoreOption {
	return func(d *ZScoreDetector) {
		if threshold > 0 {
			d.threshold = threshold
		}
		if critical > 0 {
			d.critical = critical
		}
	}
}

func NewZScoreDetector(l *logger.Logger, opts ...ZScoreOption) *ZScoreDetector {
	d := &ZScoreDetector{
		base:      newBase("zscore", l),
		window:    20,
		threshold: 3,
		critical:  4,
		columns:   []string{"price", "volume"},
	}
	for _, opt := range opts {
		opt(d)
	}
	if need := MinZScoreWindow(d.threshold); d.window < need {
		d.l.Warn("zscore window cannot reach threshold, raising it",
			logger.Int("window", d.window),
			logger.Int("min_window", need),
			logger.Float64("threshold", d.threshold),
		)
		d.window = need
	}
	return d
}

// MinZScoreWindow returns the smallest window in which a single outlier can
// score above threshold. With the current value inside the window the largest
// reachable |z| is (w-1)/sqrt(w).
func MinZScoreWindow(threshold float64) int {
	w := 2
	for float64(w-1)/math.Sqrt(float64(w)) <= threshold {
		w++
	}
	return w
}

func (d *ZScoreDetector) Window() int { return d.window }

func (d *ZScoreDetector) Detect(_ context.Context, points []*models.MarketDataPoint) []*models.Anomaly {
	return d.eachSymbol(points, func(symbol string, pts []*models.MarketDataPoint) ([]*models.Anomaly, error) {
		if len(pts) <= d.window {
			return nil, nil
		}
		var out []*models.Anomaly
		for _, col := range d.columns {
			out = append(out, d.column(col, pts)...)
		}
		return out, nil
	})
}

func (d *ZScoreDetector) column(col string, pts []*models.MarketDataPoint) []*models.Anomaly {
	values := make([]float64, len(pts))
	for i, p := range pts {
		v, ok := valueOf(p, col)
		if !ok {
			v = math.NaN()
		}
		values[i] = v
	}

	var out []*models.Anomaly
	for i := d.window; i < len(values); i++ {
		if math.IsNaN(values[i]) {
			continue
		}
		mean, std, ok := features.MeanStd(values[i+1-d.window : i+1])
		if !ok || std == 0 {
			continue
		}
		z := (values[i] - mean) / std
		if math.Abs(z) <= d.threshold {
			continue
		}

		sev := models.SeverityHigh
		if math.Abs(z) > d.critical {
			sev = models.SeverityCritical
		}
		a := models.NewAnomaly(pts[i], models.ZScoreType(col), sev,
			fmt.Sprintf("%s z-score anomaly: %.2f", col, z),
			map[string]interface{}{
				"z_score":      round(z, 4),
				"value":        values[i],
				"rolling_mean": mean,
				"rolling_std":  std,
				"window_size":  d.window,
			},
		)
		a.WithValues(models.Float(mean), models.Float(values[i]), models.Float(d.threshold))
		out = append(out, a)
	}
	return out
}

func valueOf(p *models.MarketDataPoint, col string) (float64, bool) {
	switch col {
	case "price":
		return p.PriceValue()
	case "volume":
		return p.VolumeValue()
	}
	return models.Number(p.Payload[col])
}
