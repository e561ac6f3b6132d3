package detection

import (
	"context"
	"fmt"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/domain/service"
	"MarketSentry/pkg/logger"
)

// DataQualityDetector flags malformed records: non-positive prices, negative
// volumes and crossed quotes.
type DataQualityDetector struct {
	base
}

var _ service.Detector = (*DataQualityDetector)(nil)

func NewDataQualityDetector(l *logger.Logger) *DataQualityDetector {
	return &DataQualityDetector{base: newBase("data_quality", l)}
}

func (d *DataQualityDetector) Detect(_ context.Context, points []*models.MarketDataPoint) []*models.Anomaly {
	return d.eachSymbol(points, func(symbol string, pts []*models.MarketDataPoint) ([]*models.Anomaly, error) {
		var out []*models.Anomaly
		for _, p := range pts {
			if price, ok := p.PriceValue(); ok && price <= 0 {
				out = append(out, models.NewAnomaly(p, models.AnomalyDataQuality, models.SeverityMedium,
					fmt.Sprintf("Non-positive price %g for %s", price, symbol),
					map[string]interface{}{"check": "price_positive", "price": price},
				).WithValues(nil, models.Float(price), models.Float(0)))
			}
			if vol, ok := p.VolumeValue(); ok && vol < 0 {
				out = append(out, models.NewAnomaly(p, models.AnomalyDataQuality, models.SeverityMedium,
					fmt.Sprintf("Negative volume %g for %s", vol, symbol),
					map[string]interface{}{"check": "volume_non_negative", "volume": vol},
				).WithValues(nil, models.Float(vol), models.Float(0)))
			}
			bid, okBid := models.Number(p.Payload["bid"])
			ask, okAsk := models.Number(p.Payload["ask"])
			if okBid && okAsk && bid > ask {
				out = append(out, models.NewAnomaly(p, models.AnomalyDataQuality, models.SeverityHigh,
					fmt.Sprintf("Crossed quote for %s: bid %g > ask %g", symbol, bid, ask),
					map[string]interface{}{"check": "quote_not_crossed", "bid": bid, "ask": ask},
				).WithValues(models.Float(ask), models.Float(bid), nil))
			}
		}
		return out, nil
	})
}
