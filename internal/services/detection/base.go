// Package detection holds the anomaly detectors. Every detector groups its
// input by symbol and evaluates each symbol in isolation.
package detection

import (
	"fmt"
	"math"
	"sort"
	"time"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/service/metrics"
	"MarketSentry/pkg/logger"
)

// base carries what every detector shares.
type base struct {
	name string
	l    *logger.Logger
	now  func() time.Time
}

func newBase(name string, l *logger.Logger) base {
	if l == nil {
		l = logger.NewNop()
	}
	return base{name: name, l: l, now: time.Now}
}

func (b *base) Name() string { return b.name }

// eachSymbol runs fn once per symbol over its time-sorted points. A panic or
// error from one symbol is logged and counted, and the others still run.
func (b *base) eachSymbol(points []*models.MarketDataPoint, fn func(symbol string, pts []*models.MarketDataPoint) ([]*models.Anomaly, error)) []*models.Anomaly {
	start := time.Now()
	defer func() {
		metrics.DetectorLatency.WithLabelValues(b.name).Observe(time.Since(start).Seconds())
	}()

	groups, order := groupBySymbol(points)
	var out []*models.Anomaly
	for _, symbol := range order {
		found, err := b.guard(symbol, groups[symbol], fn)
		if err != nil {
			metrics.DetectorFailures.WithLabelValues(b.name).Inc()
			b.l.Warn("detector failed for symbol",
				logger.String("detector", b.name),
				logger.String("symbol", symbol),
				logger.Error(err),
			)
			continue
		}
		out = append(out, found...)
	}
	return out
}

func (b *base) guard(symbol string, pts []*models.MarketDataPoint, fn func(string, []*models.MarketDataPoint) ([]*models.Anomaly, error)) (found []*models.Anomaly, err error) {
	defer func() {
		if r := recover(); r != nil {
			found, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(symbol, pts)
}

// groupBySymbol buckets points per symbol, each bucket sorted by timestamp.
// order lists symbols in first-seen order. Nil points and empty symbols are dropped.
func groupBySymbol(points []*models.MarketDataPoint) (map[string][]*models.MarketDataPoint, []string) {
	groups := make(map[string][]*models.MarketDataPoint)
	var order []string
	for _, p := range points {
		if p == nil || p.Symbol == "" {
			continue
		}
		if _, ok := groups[p.Symbol]; !ok {
			order = append(order, p.Symbol)
		}
		groups[p.Symbol] = append(groups[p.Symbol], p)
	}
	for _, pts := range groups {
		sort.SliceStable(pts, func(i, j int) bool {
			return pts[i].Timestamp.Before(pts[j].Timestamp)
		})
	}
	return groups, order
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
