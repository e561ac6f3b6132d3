package di

import (
	"context"
	"fmt"
	"time"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/domain/repository"
	handlerapi "MarketSentry/internal/handler/api"
	mid "MarketSentry/internal/middleware"
	internalrepo "MarketSentry/internal/repository"
	"MarketSentry/internal/repository/source"
	svcmetrics "MarketSentry/internal/service/metrics"
	"MarketSentry/internal/services/alerting"
	"MarketSentry/internal/services/detection"
	"MarketSentry/internal/usecase"
	"MarketSentry/pkg/cache"
	"MarketSentry/pkg/config"
	xhttp "MarketSentry/pkg/http"
	pkgkafka "MarketSentry/pkg/kafka"
	"MarketSentry/pkg/logger"
	"MarketSentry/pkg/metrics"
	"MarketSentry/pkg/server"
)

// ProvideKafkaProducer creates a Kafka producer. Without brokers it returns
// nil and alert and log shipping stay local.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithDelivery(cfg.Kafka.RequiredAcks, cfg.Kafka.Compression, cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideLogger builds the process logger. Repeated warnings and errors are
// shipped to Kafka when the collector is enabled and a producer exists.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*logger.Logger, error) {
	l, err := logger.New(&logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		TimeFormat: cfg.Logger.TimeFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	lc := cfg.Logger.Collector
	if lc.Enabled && producer != nil {
		l.AddCollector(&logger.CollectionConfig{
			TimeInterval:   lc.Interval,
			CountThreshold: lc.CountThreshold,
			Topic:          lc.Topic,
			Levels:         lc.Levels,
			Publisher:      producer,
		})
	}
	return l, nil
}

// ProvideMetrics creates a Prometheus metrics recorder and registers the
// detector collectors.
func ProvideMetrics() repository.Metrics {
	svcmetrics.Register()
	return metrics.New()
}

// ProvideRedisCache connects to Redis only when the model is stored there.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, error) {
	if cfg.ML.Store != "redis" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rc, err := cache.NewRedisCache(ctx,
		cache.WithRedisHost(cfg.Redis.Host),
		cache.WithRedisPort(cfg.Redis.Port),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
	)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rc, nil
}

// ProvideModelStore picks the model persistence backend.
func ProvideModelStore(cfg *config.Config, rc *cache.RedisCache, l *logger.Logger) repository.ModelStore {
	if cfg.ML.Store == "redis" && rc != nil {
		return internalrepo.NewRedisStore(rc, cfg.ML.RedisKey)
	}
	return internalrepo.NewFileStore(cfg.ML.ModelPath, l)
}

// ProvideNotifier builds the alert fan-out from alerting.notifiers. An empty
// list logs only.
func ProvideNotifier(cfg *config.Config, producer *pkgkafka.Producer, l *logger.Logger) repository.Notifier {
	names := cfg.Alerting.Notifiers
	if len(names) == 0 {
		names = []string{"log"}
	}
	var out alerting.MultiNotifier
	for _, name := range names {
		switch name {
		case "log":
			out = append(out, alerting.NewLogNotifier(l))
		case "kafka":
			if producer == nil {
				l.Warn("kafka notifier configured without brokers")
				continue
			}
			out = append(out, alerting.NewKafkaNotifier(producer, cfg.Alerting.KafkaTopic))
		default:
			l.Warn("unknown notifier", logger.String("notifier", name))
		}
	}
	return out
}

// ProvideAlertEngine loads the configured rules; bad entries are skipped.
func ProvideAlertEngine(cfg *config.Config, n repository.Notifier, m repository.Metrics, l *logger.Logger) *alerting.Engine {
	rules := alerting.BuildRules(cfg.AlertRules, l)
	l.Info("alert rules loaded", logger.Int("rules", len(rules)), logger.Int("entries", len(cfg.AlertRules)))
	return alerting.NewEngine(rules, n, l, alerting.WithMetrics(m))
}

// ProvideSourceConfigs validates source entries one by one.
func ProvideSourceConfigs(cfg *config.Config, l *logger.Logger) []models.DataSourceConfig {
	return source.BuildConfigs(cfg.Sources, l)
}

// ProvideRegistry creates the adapter registry backed by the source factory.
func ProvideRegistry(cfg *config.Config, m repository.Metrics, l *logger.Logger) *usecase.AdapterRegistry {
	return usecase.NewAdapterRegistry(source.NewFactory(l), m, l, usecase.RegistryConfig{
		HealthInterval:   cfg.Registry.HealthInterval,
		HeartbeatTimeout: cfg.Registry.HeartbeatTimeout,
		ConnectTimeout:   cfg.Registry.ConnectTimeout,
		ConnectRetryMax:  cfg.Registry.ConnectRetryMax,
		FetchTimeout:     cfg.Detection.FetchTimeout,
	})
}

// ProvideMLDetector returns nil when ML detection is disabled.
func ProvideMLDetector(cfg *config.Config, l *logger.Logger) *detection.MLDetector {
	if !cfg.ML.Enabled {
		return nil
	}
	return detection.NewMLDetector(detection.ForestConfig{
		Trees:         cfg.ML.Trees,
		SampleSize:    cfg.ML.SampleSize,
		Contamination: cfg.ML.Contamination,
		Seed:          cfg.ML.Seed,
	}, l)
}

// ProvideDetectionEngine maps the detection section onto the engine.
func ProvideDetectionEngine(
	cfg *config.Config,
	registry *usecase.AdapterRegistry,
	ml *detection.MLDetector,
	alerts *alerting.Engine,
	store repository.ModelStore,
	m repository.Metrics,
	l *logger.Logger,
) *usecase.DetectionEngine {
	d := cfg.Detection
	return usecase.NewDetectionEngine(usecase.EngineConfig{
		MissingDataMinutes:    d.MissingDataThresholdMinutes,
		PriceMovementPercent:  d.PriceMovementThresholdPercent,
		PriceWindowMinutes:    d.PriceMovementWindowMinutes,
		EnforcePriceWindow:    d.EnforcePriceWindow,
		StaleDataMinutes:      d.StaleDataThresholdMinutes,
		VolumeSpikeMultiplier: d.VolumeSpikeMultiplier,
		VolumeSpikeWindow:     d.VolumeSpikeWindow,
		ZScoreWindow:          d.ZScoreWindow,
		ZScoreThreshold:       d.ZScoreThreshold,
		ZScoreCritical:        d.ZScoreCritical,
		EnableStaleData:       d.EnableStaleData,
		EnableVolumeSpike:     d.EnableVolumeSpike,
		EnableDataQuality:     d.EnableDataQuality,
		EnableZScore:          d.EnableZScore,
		EnableML:              cfg.ML.Enabled,
		MaxWorkers:            d.MaxWorkers,
		Schedule:              d.Schedule,
		Lookback:              d.Lookback,
		FetchLimit:            cfg.Registry.DefaultLimit,
	}, registry, ml, alerts, l,
		usecase.WithModelStore(store),
		usecase.WithEngineMetrics(m),
	)
}

// ProvideStreamCollector returns nil when streaming is disabled.
func ProvideStreamCollector(
	cfg *config.Config,
	registry *usecase.AdapterRegistry,
	engine *usecase.DetectionEngine,
	m repository.Metrics,
	l *logger.Logger,
) *usecase.StreamCollector {
	s := cfg.Stream
	if !s.Enabled {
		return nil
	}
	return usecase.NewStreamCollector(
		usecase.CollectorConfig{Sources: s.Sources, Symbols: s.Symbols, History: s.History},
		registry, engine, l,
		mid.WithMaxRPS(s.MaxRPS),
		mid.WithBufferSize(s.BufferSize),
		mid.WithBatch(s.BatchSize, s.BatchTimeout),
		mid.WithPipelineMetrics(m),
	)
}

// ProvideHTTPServer creates the echo server with the detection routes.
func ProvideHTTPServer(cfg *config.Config, engine *usecase.DetectionEngine, l *logger.Logger) *xhttp.Server {
	h := handlerapi.NewDetectionEchoHandler(l, engine)
	return xhttp.NewServer(l, []xhttp.Handler{h},
		xhttp.WithHost(cfg.Server.Host),
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(cfg.Server.CORS),
		xhttp.WithCORSOrigins(cfg.Server.CORSOrigins),
	)
}

// ProvideApp creates the application server. Infrastructure clients are
// closed after everything that uses them has stopped.
func ProvideApp(
	cfg *config.Config,
	l *logger.Logger,
	sources []models.DataSourceConfig,
	registry *usecase.AdapterRegistry,
	engine *usecase.DetectionEngine,
	collector *usecase.StreamCollector,
	httpServer *xhttp.Server,
	producer *pkgkafka.Producer,
	rc *cache.RedisCache,
) *server.App {
	app := server.New(cfg, l, sources, registry, engine, collector, httpServer)
	if producer != nil {
		app.AddCloser(producer)
	}
	if rc != nil {
		app.AddCloser(rc)
	}
	return app
}
