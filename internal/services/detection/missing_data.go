package detection

import (
	"context"
	"fmt"
	"time"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/domain/service"
	"MarketSentry/pkg/logger"
)

const DefaultMissingDataThreshold = 30.0

// MissingDataDetector flags gaps between consecutive points of a symbol
// longer than Threshold minutes.
type MissingDataDetector struct {
	base
	threshold float64
}

var _ service.Detector = (*MissingDataDetector)(nil)

func NewMissingDataDetector(thresholdMinutes float64, l *logger.Logger) *MissingDataDetector {
	if thresholdMinutes <= 0 {
		thresholdMinutes = DefaultMissingDataThreshold
	}
	return &MissingDataDetector{base: newBase("missing_data", l), threshold: thresholdMinutes}
}

func (d *MissingDataDetector) Threshold() float64 { return d.threshold }

func (d *MissingDataDetector) Detect(_ context.Context, points []*models.MarketDataPoint) []*models.Anomaly {
	return d.eachSymbol(points, func(symbol string, pts []*models.MarketDataPoint) ([]*models.Anomaly, error) {
		var out []*models.Anomaly
		for i := 1; i < len(pts); i++ {
			prev, cur := pts[i-1], pts[i]
			gap := cur.Timestamp.Sub(prev.Timestamp).Minutes()
			if gap <= d.threshold {
				continue
			}

			sev := models.SeverityMedium
			if gap > 2*d.threshold {
				sev = models.SeverityHigh
			}

			a := models.NewAnomaly(cur, models.AnomalyMissingData, sev,
				fmt.Sprintf("Data gap of %.1f minutes detected for %s", gap, symbol),
				map[string]interface{}{
					"gap_minutes":       round(gap, 2),
					"threshold_minutes": d.threshold,
					"last_data_time":    prev.Timestamp.Format(time.RFC3339Nano),
					"next_data_time":    cur.Timestamp.Format(time.RFC3339Nano),
				},
			)
			a.WithValues(models.Float(d.threshold), models.Float(gap), models.Float(d.threshold))
			out = append(out, a)
		}
		return out, nil
	})
}
