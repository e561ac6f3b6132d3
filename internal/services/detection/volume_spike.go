package detection

import (
	"context"
	"fmt"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/domain/service"
	"MarketSentry/pkg/logger"
)

// VolumeSpikeDetector flags a volume above multiplier times the mean of the
// previous window volumes.
type VolumeSpikeDetector struct {
	base
	multiplier float64
	window     int
}

var _ service.Detector = (*VolumeSpikeDetector)(nil)

func NewVolumeSpikeDetector(multiplier float64, window int, l *logger.Logger) *VolumeSpikeDetector {
	if multiplier <= 1 {
		multiplier = 3
	}
	if window <= 0 {
		window = 20
	}
	return &VolumeSpikeDetector{base: newBase("volume_spike", l), multiplier: multiplier, window: window}
}

func (d *VolumeSpikeDetector) Detect(_ context.Context, points []*models.MarketDataPoint) []*models.Anomaly {
	return d.eachSymbol(points, func(symbol string, pts []*models.MarketDataPoint) ([]*models.Anomaly, error) {
		var (
			out  []*models.Anomaly
			hist []float64
			sum  float64
		)
		for _, p := range pts {
			v, ok := p.VolumeValue()
			if !ok {
				continue
			}
			if len(hist) == d.window {
				mean := sum / float64(d.window)
				if mean > 0 && v > d.multiplier*mean {
					ratio := v / mean
					sev := models.SeverityHigh
					if ratio > 2*d.multiplier {
						sev = models.SeverityCritical
					}
					a := models.NewAnomaly(p, models.AnomalyVolumeSpike, sev,
						fmt.Sprintf("Volume %.0f is %.1fx the %d-point average", v, ratio, d.window),
						map[string]interface{}{
							"volume":      v,
							"mean_volume": round(mean, 4),
							"ratio":       round(ratio, 4),
							"multiplier":  d.multiplier,
							"window_size": d.window,
						},
					)
					a.WithValues(models.Float(mean), models.Float(v), models.Float(d.multiplier*mean))
					out = append(out, a)
				}
				sum -= hist[0]
				hist = hist[1:]
			}
			hist = append(hist, v)
			sum += v
		}
		return out, nil
	})
}
