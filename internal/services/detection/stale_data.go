package detection

import (
	"context"
	"fmt"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/domain/service"
	"MarketSentry/pkg/logger"
)

const DefaultStaleThreshold = 30.0

// StaleDataDetector flags symbols whose newest point is older than the
// threshold. With a session set, nothing is flagged while the market is closed.
type StaleDataDetector struct {
	base
	threshold float64
	session   *models.MarketSession
}

var _ service.Detector = (*StaleDataDetector)(nil)

func NewStaleDataDetector(thresholdMinutes float64, session *models.MarketSession, l *logger.Logger) *StaleDataDetector {
	if thresholdMinutes <= 0 {
		thresholdMinutes = DefaultStaleThreshold
	}
	return &StaleDataDetector{base: newBase("data_stale", l), threshold: thresholdMinutes, session: session}
}

func (d *StaleDataDetector) Detect(_ context.Context, points []*models.MarketDataPoint) []*models.Anomaly {
	now := d.now()
	if d.session != nil && !d.session.Open(now) {
		return nil
	}
	return d.eachSymbol(points, func(symbol string, pts []*models.MarketDataPoint) ([]*models.Anomaly, error) {
		newest := pts[len(pts)-1]
		age := now.Sub(newest.Timestamp).Minutes()
		if age <= d.threshold {
			return nil, nil
		}

		sev := models.SeverityMedium
		if age > 2*d.threshold {
			sev = models.SeverityHigh
		}
		a := models.NewAnomaly(newest, models.AnomalyDataStale, sev,
			fmt.Sprintf("Data is %d minutes old", int(age)),
			map[string]interface{}{
				"age_minutes":       round(age, 2),
				"threshold_minutes": d.threshold,
			},
		)
		a.WithValues(nil, models.Float(age), models.Float(d.threshold))
		return []*models.Anomaly{a}, nil
	})
}
