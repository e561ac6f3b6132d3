package source

import (
	"fmt"
	"time"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/domain/repository"
	"MarketSentry/pkg/config"
	"MarketSentry/pkg/logger"
	"MarketSentry/pkg/util"
)

// Factory builds adapters keyed on the source type.
type Factory struct {
	l *logger.Logger
}

func NewFactory(l *logger.Logger) *Factory {
	if l == nil {
		l = logger.NewNop()
	}
	return &Factory{l: l}
}

// Create returns a ready-to-connect adapter, or ErrUnsupportedSourceType
// for families without an implementation.
func (f *Factory) Create(cfg models.DataSourceConfig) (repository.SourceAdapter, error) {
	switch cfg.Type {
	case models.SourceRedis:
		return NewRedisSource(cfg, f.l), nil
	case models.SourceClickHouse, models.SourcePostgres:
		s, err := NewSQLSource(cfg, f.l)
		if err != nil {
			return nil, err
		}
		return s, nil
	case models.SourceKafka:
		s, err := NewKafkaSource(cfg, f.l)
		if err != nil {
			return nil, err
		}
		return s, nil
	case models.SourceWebSocket:
		s, err := NewWebSocketSource(cfg, f.l)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, cfg.Type)
}

// BuildConfigs validates raw source entries one at a time. Bad entries and
// duplicate names are logged and skipped.
func BuildConfigs(entries []config.SourceEntry, l *logger.Logger) []models.DataSourceConfig {
	if l == nil {
		l = logger.NewNop()
	}
	seen := make(map[string]bool, len(entries))
	out := make([]models.DataSourceConfig, 0, len(entries))
	for i := range entries {
		cfg, err := BuildConfig(entries[i])
		if err != nil {
			l.Warn("skipping data source", logger.String("source", entries[i].Name), logger.Error(err))
			continue
		}
		if seen[cfg.Name] {
			l.Warn("duplicate data source name", logger.String("source", cfg.Name))
			continue
		}
		seen[cfg.Name] = true
		out = append(out, cfg)
	}
	return out
}

func BuildConfig(e config.SourceEntry) (models.DataSourceConfig, error) {
	if err := config.CheckEntry(e); err != nil {
		return models.DataSourceConfig{}, err
	}
	typ, err := models.ParseSourceType(e.Type)
	if err != nil {
		return models.DataSourceConfig{}, err
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return models.DataSourceConfig{}, fmt.Errorf("timezone: %w", err)
	}
	open, err := util.ParseClock(e.MarketOpen)
	if err != nil {
		return models.DataSourceConfig{}, err
	}
	closing, err := util.ParseClock(e.MarketClose)
	if err != nil {
		return models.DataSourceConfig{}, err
	}
	conn := e.Connection
	if conn == nil {
		conn = map[string]interface{}{}
	}

	return models.DataSourceConfig{
		Name:                   e.Name,
		Type:                   typ,
		Enabled:                e.Enabled,
		Connection:             conn,
		ExpectedSymbols:        e.ExpectedSymbols,
		UpdateFrequencyMinutes: e.UpdateFrequencyMinutes,
		Session:                models.MarketSession{OpenMinute: open, CloseMinute: closing, Location: loc},
		Detectors: models.DetectorFlags{
			MissingData:   e.EnableMissingData,
			PriceMovement: e.EnablePriceMovement,
			StaleData:     e.EnableStaleData,
			VolumeSpike:   e.EnableVolumeSpike,
			DataQuality:   e.EnableDataQuality,
		},
		Overrides: models.ThresholdOverrides{
			MissingDataMinutes:   e.MissingDataThreshold,
			PriceMovementPercent: e.PriceMovementThreshold,
			StaleDataMinutes:     e.StaleDataThreshold,
		},
	}, nil
}
