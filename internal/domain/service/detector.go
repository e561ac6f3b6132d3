package service

import (
	"context"

	"MarketSentry/internal/domain/models"
)

// Detector turns a batch of points, possibly spanning many symbols, into
// anomalies. Implementations never panic or fail past Detect; problems with
// one symbol are logged and the remaining symbols are still evaluated.
type Detector interface {
	Name() string
	Detect(ctx context.Context, points []*models.MarketDataPoint) []*models.Anomaly
}

// Trainable is a detector carrying fitted state.
type Trainable interface {
	Detector
	Train(ctx context.Context, points []*models.MarketDataPoint) (int, error)
	IsTrained() bool
	Marshal() ([]byte, error)
	Unmarshal(blob []byte) error
}
