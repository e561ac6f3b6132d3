package features

import (
	"math"
	"sort"

	"MarketSentry/internal/domain/models"
)

// Columns is the fixed feature order fed to the outlier model.
var Columns = []string{
	"price",
	"volume",
	"price_change_pct",
	"volume_change_pct",
	"price_volatility",
	"volume_volatility",
	"time_since_last_update",
}

// VolatilityWindow is the rolling window for the *_volatility columns.
const VolatilityWindow = 5

// Build computes one feature row per point of a single symbol. Points are
// sorted by time first; rows[i] belongs to ordered[i]. Undefined values
// (first diff, short windows, missing price or volume) become 0.
func Build(points []*models.MarketDataPoint) (rows [][]float64, ordered []*models.MarketDataPoint) {
	ordered = make([]*models.MarketDataPoint, len(points))
	copy(ordered, points)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	n := len(ordered)
	prices := make([]float64, n)
	volumes := make([]float64, n)
	for i, p := range ordered {
		prices[i] = nan(p.PriceValue())
		volumes[i] = nan(p.VolumeValue())
	}

	priceChg := PctChange(prices)
	volChg := PctChange(volumes)
	priceVol := RollingStd(priceChg, VolatilityWindow)
	volVol := RollingStd(volChg, VolatilityWindow)

	rows = make([][]float64, n)
	for i := range ordered {
		since := math.NaN()
		if i > 0 {
			since = ordered[i].Timestamp.Sub(ordered[i-1].Timestamp).Minutes()
		}
		rows[i] = []float64{
			zero(prices[i]),
			zero(volumes[i]),
			zero(priceChg[i]),
			zero(volChg[i]),
			zero(priceVol[i]),
			zero(volVol[i]),
			zero(since),
		}
	}
	return rows, ordered
}

// PctChange returns (x[i]/x[i-1] - 1) * 100, NaN where undefined.
func PctChange(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i := range xs {
		out[i] = math.NaN()
		if i == 0 {
			continue
		}
		prev, cur := xs[i-1], xs[i]
		if math.IsNaN(prev) || math.IsNaN(cur) || prev == 0 {
			continue
		}
		out[i] = (cur/prev - 1) * 100
	}
	return out
}

// RollingStd is the sample standard deviation over a trailing window that
// includes the current element. Windows that are short or hold a NaN yield NaN.
func RollingStd(xs []float64, window int) []float64 {
	out := make([]float64, len(xs))
	for i := range xs {
		out[i] = math.NaN()
		if window < 2 || i+1 < window {
			continue
		}
		_, std, ok := MeanStd(xs[i+1-window : i+1])
		if ok {
			out[i] = std
		}
	}
	return out
}

// MeanStd returns the mean and sample standard deviation. ok is false when
// fewer than two values are given or any value is NaN.
func MeanStd(xs []float64) (mean, std float64, ok bool) {
	if len(xs) < 2 {
		return 0, 0, false
	}
	sum := 0.0
	for _, x := range xs {
		if math.IsNaN(x) {
			return 0, 0, false
		}
		sum += x
	}
	n := float64(len(xs))
	mean = sum / n
	ss := 0.0
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / (n - 1)), true
}

func nan(v float64, ok bool) float64 {
	if !ok {
		return math.NaN()
	}
	return v
}

func zero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
