package repository

import (
	"context"
	"time"

	"MarketSentry/internal/domain/models"
)

// SourceAdapter is the uniform contract over one backing store.
//
// LatestData and HistoricalData return an empty slice and a nil error while
// disconnected. Stream closes its channel when ctx is cancelled or the
// adapter disconnects.
type SourceAdapter interface {
	Name() string
	Type() models.SourceType
	Config() models.DataSourceConfig

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// TestConnection is a liveness probe; it never re-dials.
	TestConnection(ctx context.Context) bool
	Heartbeat(ctx context.Context) bool
	LastHeartbeat() time.Time

	SupportedSymbols() []string
	LatestData(ctx context.Context, symbols []string, limit int) ([]*models.MarketDataPoint, error)
	HistoricalData(ctx context.Context, symbols []string, start, end time.Time, limit int) ([]*models.MarketDataPoint, error)
	Stream(ctx context.Context, symbols []string) (<-chan *models.MarketDataPoint, error)
}

// Notifier receives (rule, anomaly) pairs that passed alert evaluation.
type Notifier interface {
	Notify(ctx context.Context, rule *models.AlertRule, anomaly *models.Anomaly) error
}

// ModelStore persists a serialized detector model as one blob.
type ModelStore interface {
	Save(ctx context.Context, blob []byte) error
	Load(ctx context.Context) ([]byte, error)
}

type Metrics interface {
	RecordAnomaly(anomalyType, severity, source string)
	RecordFetchError(source string)
	RecordHeartbeat(source string, ok bool)
	RecordAdapterConnected(source string, connected bool)
	RecordAlert(rule string, dispatched bool, reason string)
	RecordLatency(op string, seconds float64)
}
