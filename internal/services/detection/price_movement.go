package detection

import (
	"context"
	"fmt"
	"math"
	"time"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/domain/service"
	"MarketSentry/pkg/logger"
)

const (
	DefaultPriceMovementThreshold = 5.0
	DefaultPriceMovementWindow    = 15.0
)

// PriceMovementDetector compares each priced point with the preceding priced
// point of the same symbol.
//
// The window is reported in descriptions. When enforced, pairs further apart
// than the window are not compared.
type PriceMovementDetector struct {
	base
	threshold     float64
	windowMinutes float64
	enforceWindow bool
}

var _ service.Detector = (*PriceMovementDetector)(nil)

type PriceOption func(*PriceMovementDetector)

func WithPriceWindow(minutes float64) PriceOption {
	return func(d *PriceMovementDetector) {
		if minutes > 0 {
			d.windowMinutes = minutes
		}
	}
}

func WithEnforcedWindow(enforce bool) PriceOption {
	return func(d *PriceMovementDetector) { d.enforceWindow = enforce }
}

func NewPriceMovementDetector(thresholdPercent float64, l *logger.Logger, opts ...PriceOption) *PriceMovementDetector {
	if thresholdPercent <= 0 {
		thresholdPercent = DefaultPriceMovementThreshold
	}
	d := &PriceMovementDetector{
		base:          newBase("price_movement", l),
		threshold:     thresholdPercent,
		windowMinutes: DefaultPriceMovementWindow,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *PriceMovementDetector) Threshold() float64 { return d.threshold }

func (d *PriceMovementDetector) Detect(_ context.Context, points []*models.MarketDataPoint) []*models.Anomaly {
	return d.eachSymbol(points, func(symbol string, pts []*models.MarketDataPoint) ([]*models.Anomaly, error) {
		var (
			out  []*models.Anomaly
			prev *models.MarketDataPoint
		)
		for _, cur := range pts {
			price, ok := cur.PriceValue()
			if !ok {
				continue
			}
			if prev == nil {
				prev = cur
				continue
			}
			prevPrice, _ := prev.PriceValue()
			last := prev
			prev = cur

			if prevPrice == 0 {
				continue
			}
			if d.enforceWindow && cur.Timestamp.Sub(last.Timestamp).Minutes() > d.windowMinutes {
				continue
			}

			change := (price - prevPrice) / prevPrice * 100
			if math.Abs(change) <= d.threshold {
				continue
			}

			sev := models.SeverityHigh
			if math.Abs(change) > 2*d.threshold {
				sev = models.SeverityCritical
			}

			a := models.NewAnomaly(cur, models.AnomalyPriceMovement, sev,
				fmt.Sprintf("Price moved %.2f%% in %g minutes", change, d.windowMinutes),
				map[string]interface{}{
					"price_change_percent": round(change, 4),
					"threshold_percent":    d.threshold,
					"current_price":        price,
					"previous_price":       prevPrice,
					"window_minutes":       d.windowMinutes,
					"timestamp":            cur.Timestamp.Format(time.RFC3339Nano),
				},
			)
			a.WithValues(models.Float(prevPrice), models.Float(price), models.Float(d.threshold))
			out = append(out, a)
		}
		return out, nil
	})
}
